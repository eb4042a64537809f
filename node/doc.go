// Package node implements the per-process broker runtime: the client
// session protocol, the registries of connected clients and admin
// interfaces, the control channel dispatcher, the node-info gossip, the
// connection expiration pipeline and the server-side API operations.
package node
