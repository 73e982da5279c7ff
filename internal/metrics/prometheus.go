// Package metrics exports the fanout counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/dkeye/rtpfanout/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gauges is read at scrape time.
type Gauges interface {
	SessionCount() int
	TotalSubscribers() int
}

// Prometheus implements core.Metrics on a private registry.
type Prometheus struct {
	reg *prometheus.Registry

	received   prometheus.Counter
	bytes      prometheus.Counter
	sent       prometheus.Counter
	sendErrors prometheus.Counter
	dropped    *prometheus.CounterVec
	latency    prometheus.Histogram
}

var _ core.Metrics = (*Prometheus)(nil)

func NewPrometheus(gauges Gauges) *Prometheus {
	p := &Prometheus{
		reg: prometheus.NewRegistry(),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtp_packets_received_total",
			Help: "Well-formed RTP packets taken off the queue.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtp_bytes_received_total",
			Help: "Bytes of well-formed RTP packets taken off the queue.",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtp_packets_sent_total",
			Help: "Packets delivered to subscribers.",
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtp_send_errors_total",
			Help: "Per-subscriber sends that failed.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtp_packets_dropped_total",
			Help: "Packets dropped before fanout, by reason.",
		}, []string{"reason"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fanout_latency_seconds",
			Help:    "Time from dequeue to the last subscriber send.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}

	p.reg.MustRegister(
		p.received, p.bytes, p.sent, p.sendErrors, p.dropped, p.latency,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "active_sessions",
			Help: "Live sessions in the registry.",
		}, func() float64 { return float64(gauges.SessionCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "total_subscribers",
			Help: "Subscribers across all live sessions.",
		}, func() float64 { return float64(gauges.TotalSubscribers()) }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, reason := range []core.DropReason{core.DropMalformed, core.DropUnknownSession, core.DropQueueFull, core.DropOversized} {
		p.dropped.WithLabelValues(string(reason))
	}
	return p
}

func (p *Prometheus) PacketReceived(bytes int) {
	p.received.Inc()
	p.bytes.Add(float64(bytes))
}

func (p *Prometheus) PacketsSent(n int) { p.sent.Add(float64(n)) }

func (p *Prometheus) PacketDropped(reason core.DropReason) {
	p.dropped.WithLabelValues(string(reason)).Inc()
}

func (p *Prometheus) SendFailed(n int) { p.sendErrors.Add(float64(n)) }

func (p *Prometheus) FanoutLatency(d time.Duration) { p.latency.Observe(d.Seconds()) }

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}
