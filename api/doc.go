// Package api exposes the server HTTP API: one endpoint per project
// accepting signed, batched commands from backend applications.
package api
