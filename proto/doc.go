// Package proto defines the wire types of the client protocol: the
// command objects clients send and the response objects the node sends
// back. A single text frame carries either one object or an array of
// objects; the response always mirrors the request shape.
package proto
