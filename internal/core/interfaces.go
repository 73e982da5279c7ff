package core

import (
	"net/netip"
	"time"

	"github.com/dkeye/rtpfanout/internal/domain"
)

//go:generate mockgen -destination=mocks/sender_mock.go -package=mocks github.com/dkeye/rtpfanout/internal/core Sender

// Sender writes one datagram to a subscriber destination.
// Implementations must not block for longer than a single bounded attempt
// and must be safe for concurrent use.
type Sender interface {
	Send(dst netip.AddrPort, data []byte) error
}

type DropReason string

const (
	DropMalformed      DropReason = "malformed"
	DropUnknownSession DropReason = "unknown_session"
	DropQueueFull      DropReason = "queue_full"
	DropOversized      DropReason = "oversized"
)

// Metrics is the write side of the metrics surface used by the hot path.
type Metrics interface {
	PacketReceived(bytes int)
	PacketsSent(n int)
	PacketDropped(reason DropReason)
	SendFailed(n int)
	FanoutLatency(d time.Duration)
}

// EventSink receives session lifecycle events. Publish must not block.
type EventSink interface {
	Publish(domain.Event)
}

type NopMetrics struct{}

func (NopMetrics) PacketReceived(int)          {}
func (NopMetrics) PacketsSent(int)             {}
func (NopMetrics) PacketDropped(DropReason)    {}
func (NopMetrics) SendFailed(int)              {}
func (NopMetrics) FanoutLatency(time.Duration) {}

type NopEvents struct{}

func (NopEvents) Publish(domain.Event) {}
