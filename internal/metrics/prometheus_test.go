package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dkeye/rtpfanout/internal/core"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedGauges struct{ sessions, subscribers int }

func (g fixedGauges) SessionCount() int     { return g.sessions }
func (g fixedGauges) TotalSubscribers() int { return g.subscribers }

func TestPrometheusCounters(t *testing.T) {
	p := NewPrometheus(fixedGauges{sessions: 2, subscribers: 7})

	p.PacketReceived(172)
	p.PacketReceived(100)
	p.PacketsSent(1000)
	p.SendFailed(3)
	p.PacketDropped(core.DropMalformed)
	p.FanoutLatency(250 * time.Microsecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.received))
	assert.Equal(t, 272.0, testutil.ToFloat64(p.bytes))
	assert.Equal(t, 1000.0, testutil.ToFloat64(p.sent))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.sendErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.dropped.WithLabelValues(string(core.DropMalformed))))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.dropped.WithLabelValues(string(core.DropQueueFull))))
}

func TestPrometheusHandlerExposesGauges(t *testing.T) {
	p := NewPrometheus(fixedGauges{sessions: 3, subscribers: 12})

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "active_sessions 3")
	assert.Contains(t, string(body), "total_subscribers 12")
	assert.Contains(t, string(body), "fanout_latency_seconds_bucket")
}
