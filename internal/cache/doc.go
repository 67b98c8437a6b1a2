// Package cache defines the named cache generations that back the offline
// shell: a staging generation filled during install and a live generation
// served to clients. Generations live under StoragePath as pointer files
// (names/<name>) that reference immutable-id data directories
// (generations/<id>/). Entry writes and pointer switches both use temp file +
// rename, so promotion is a single atomic pointer swap and readers always see
// a complete generation. The worker package depends on this package for
// install staging, promotion and write-through without touching the
// filesystem directly.
package cache
