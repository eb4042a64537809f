// Package metrics collects in-process counters, gauges and timers and
// flushes them at a fixed interval to admin clients, the log and
// optionally a line-protocol sink over UDP. Node-level aggregates are
// also exported through Prometheus.
package metrics
