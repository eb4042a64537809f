// Package gateway bridges WebSocket transports to broker sessions: the
// client endpoint feeds frames into the session protocol, the admin
// endpoint attaches administrative listeners to the admin channel.
package gateway
