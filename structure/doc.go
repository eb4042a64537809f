// Package structure holds the configuration repository: projects and
// namespaces with their channel options. The node consumes a cached
// snapshot refreshed periodically and on control-channel hints, so
// lookups on the hot path never touch the underlying storage.
package structure
