// Package server hosts the Fiber HTTP service that fronts the offline shell:
// it bootstraps Fiber, attaches request-id and recover middlewares, reserves
// the /-/ prefix for diagnostics and hands every other request to the
// interception handler. It also owns the shared upstream http.Client used to
// reach the application origin. Keep exports narrow and accept explicit
// dependencies so tests can inject fake handlers.
package server
