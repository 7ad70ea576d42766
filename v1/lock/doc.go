// Package lock provides the durable, process-visible claim primitive used by
// go-claim. A Store hands out time-scoped leases over keys: at most one
// unexpired lease exists per key across every process sharing the store.
// Leases that are not renewed expire, which is the only recovery path when an
// owner crashes.
//
// Three stores are available: FileStore (lock files in a directory shared by
// the processes), Redis and InMemory.
package lock
