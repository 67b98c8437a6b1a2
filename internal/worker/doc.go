// Package worker implements the offline-shell lifecycle: the install stage that
// fills a staging generation from the asset manifest, the activation stage that
// verifies and promotes it, the request interception policy that races the
// origin against an adaptive timeout, and the hub that notifies connected
// clients when a new generation goes live.
package worker
