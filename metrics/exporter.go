package metrics

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"
)

// DefaultMaxUDPSize bounds a single metrics datagram.
const DefaultMaxUDPSize = 512

// Exporter sends collected metrics as line-protocol datagrams over UDP:
// one "<prefix><key> <int_value> <unix_seconds>" line per metric,
// multiple lines joined with newlines up to the datagram size limit.
type Exporter struct {
	conn       net.Conn
	prefix     string
	maxUDPSize int
}

// NewExporter resolves the sink address and opens the UDP socket. The
// prefix gets a trailing separator appended when missing.
func NewExporter(host string, port int, prefix string) (*Exporter, error) {
	conn, err := net.Dial("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("metrics exporter dial: %w", err)
	}
	if prefix != "" && !strings.HasSuffix(prefix, sep) {
		prefix += sep
	}
	return &Exporter{
		conn:       conn,
		prefix:     prefix,
		maxUDPSize: DefaultMaxUDPSize,
	}, nil
}

// Close releases the UDP socket.
func (e *Exporter) Close() error {
	return e.conn.Close()
}

// Export sends all metrics, chunked into datagrams below the size
// limit. Lines are emitted in sorted key order so datagram boundaries
// stay stable between flushes.
func (e *Exporter) Export(values map[string]float64) error {
	if len(values) == 0 {
		return nil
	}

	lines := prepareLines(e.prefix, values, time.Now().Unix())

	data := lines[0]
	for _, line := range lines[1:] {
		if len(data)+len(line)+1 >= e.maxUDPSize {
			if err := e.send(data); err != nil {
				return err
			}
			data = line
			continue
		}
		data += "\n" + line
	}
	return e.send(data)
}

func (e *Exporter) send(data string) error {
	if _, err := e.conn.Write([]byte(data)); err != nil {
		return fmt.Errorf("metrics exporter send: %w", err)
	}
	return nil
}

func prepareLines(prefix string, values map[string]float64, timestamp int64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("%s%s %d %d", prefix, key, int64(values[key]), timestamp))
	}
	return lines
}
