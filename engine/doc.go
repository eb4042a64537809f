// Package engine implements the pub/sub fan-out core of the broker:
// channel message delivery to local sessions, control and admin channel
// broadcast, presence and history storage. Two interchangeable variants
// share the same contract: Memory for a single node and Redis for a
// multi-node fleet behind a shared broker.
package engine
