// Package auth provides the HMAC-SHA256 primitives used to authenticate
// client connections, private channel subscriptions and server HTTP API
// requests. All verification helpers use constant-time comparison and
// report plain booleans so callers never leak why a check failed.
package auth
