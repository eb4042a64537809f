package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()
	c.Increment("connect")
	c.Increment("connect")
	c.IncrementBy("messages", 5)

	values := c.Get()
	assert.Equal(t, 2.0, values["connect.count"])
	assert.Equal(t, 5.0, values["messages.count"])
	assert.Contains(t, values, "connect.rate")

	// Counters reset after a flush.
	values = c.Get()
	assert.NotContains(t, values, "connect.count")
}

func TestCollectorGaugesSurviveFlush(t *testing.T) {
	c := NewCollector()
	c.Gauge("clients", 12)

	values := c.Get()
	assert.Equal(t, 12.0, values["clients"])

	values = c.Get()
	assert.Equal(t, 12.0, values["clients"])
}

func TestCollectorTimings(t *testing.T) {
	c := NewCollector()
	c.Timing("broadcast", 10)
	c.Timing("broadcast", 30)
	c.Timing("broadcast", 20)

	values := c.Get()
	assert.Equal(t, 10.0, values["broadcast.min"])
	assert.Equal(t, 30.0, values["broadcast.max"])
	assert.Equal(t, 20.0, values["broadcast.avg"])
	assert.Equal(t, 3.0, values["broadcast.count"])
}

func TestTimerRecordsInterval(t *testing.T) {
	c := NewCollector()
	timer := c.GetTimer("broadcast")
	ms := timer.Stop()
	assert.GreaterOrEqual(t, ms, 0.0)

	values := c.Get()
	assert.Equal(t, 1.0, values["broadcast.count"])
}

func TestPrepareLines(t *testing.T) {
	lines := prepareLines("node1.", map[string]float64{
		"clients":  3,
		"channels": 1,
	}, 1700000000)

	require.Len(t, lines, 2)
	// Sorted key order keeps datagram boundaries stable.
	assert.Equal(t, "node1.channels 1 1700000000", lines[0])
	assert.Equal(t, "node1.clients 3 1700000000", lines[1])
}

func TestExporterChunking(t *testing.T) {
	values := make(map[string]float64)
	for i := 0; i < 50; i++ {
		values[strings.Repeat("k", 20)+string(rune('a'+i%26))+string(rune('a'+i/26))] = float64(i)
	}
	lines := prepareLines("", values, 1700000000)

	// Simulate the exporter chunking loop and check every datagram
	// stays below the limit.
	data := lines[0]
	var datagrams []string
	for _, line := range lines[1:] {
		if len(data)+len(line)+1 >= DefaultMaxUDPSize {
			datagrams = append(datagrams, data)
			data = line
			continue
		}
		data += "\n" + line
	}
	datagrams = append(datagrams, data)

	assert.Greater(t, len(datagrams), 1)
	total := 0
	for _, d := range datagrams {
		assert.Less(t, len(d), DefaultMaxUDPSize)
		total += len(strings.Split(d, "\n"))
	}
	assert.Equal(t, len(lines), total)
}

func TestNodeMetricsRegister(t *testing.T) {
	m := NewNodeMetrics()
	registry := prometheus.NewRegistry()
	require.NoError(t, m.Register(registry))

	// Double registration must fail rather than silently duplicate.
	assert.Error(t, m.Register(registry))
}
