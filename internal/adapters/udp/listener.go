package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/dkeye/rtpfanout/internal/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Ingest accepts datagrams from the listener. It must not block.
type Ingest interface {
	Enqueue(core.QueuedPacket) error
}

// batchReader is satisfied by both ipv4.PacketConn and ipv6.PacketConn.
type batchReader interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

// maxUDPPayload bounds max_datagram_size; no UDP datagram is larger.
const maxUDPPayload = 65535

const (
	minReadBackoff = 5 * time.Millisecond
	maxReadBackoff = time.Second
)

// Listener owns the ingress socket. The same socket is used for egress so
// subscribers see packets coming from the advertised port.
type Listener struct {
	conn        *net.UDPConn
	batch       batchReader
	batchSize   int
	maxDatagram int
	metrics     core.Metrics
	clock       func() time.Time

	oversized atomic.Uint64
}

// Listen binds addr. A bind failure is fatal for the caller. Datagrams
// longer than maxDatagram are dropped whole, never truncated.
func Listen(addr string, batchSize, maxDatagram int, metrics core.Metrics) (*Listener, error) {
	if metrics == nil {
		metrics = core.NopMetrics{}
	}
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parse bind address %q: %w", addr, err)
	}
	network := "udp6"
	if ap.Addr().Unmap().Is4() {
		network = "udp4"
		ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	conn, err := net.ListenUDP(network, net.UDPAddrFromAddrPort(ap))
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	l := &Listener{
		conn:        conn,
		batchSize:   max(batchSize, 1),
		maxDatagram: min(max(maxDatagram, core.MinHeaderSize), maxUDPPayload),
		metrics:     metrics,
		clock:       time.Now,
	}
	if network == "udp4" {
		l.batch = ipv4.NewPacketConn(conn)
	} else {
		l.batch = ipv6.NewPacketConn(conn)
	}
	return l, nil
}

func (l *Listener) Addr() netip.AddrPort {
	return l.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (l *Listener) Conn() *net.UDPConn { return l.conn }

// Oversized reports how many datagrams exceeded the size limit.
func (l *Listener) Oversized() uint64 { return l.oversized.Load() }

// Serve reads datagrams until the socket is closed or ctx is done. Cancelling
// ctx stops reading but leaves the socket open for egress; Close releases it.
func (l *Listener) Serve(ctx context.Context, sink Ingest) error {
	logger := log.With().Str("module", "udp").Str("addr", l.Addr().String()).Logger()
	logger.Info().Int("batch", l.batchSize).Msg("ingress listening")

	stop := context.AfterFunc(ctx, func() { _ = l.conn.SetReadDeadline(time.Now()) })
	defer stop()

	// One spare byte per buffer: a read that fills it was longer than the limit.
	msgs := make([]ipv4.Message, l.batchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, l.maxDatagram+1)}
	}

	errLog := logger.Sample(&zerolog.BurstSampler{Burst: 1, Period: time.Second})
	backoff := time.Duration(0)
	for {
		n, err := l.batch.ReadBatch(msgs, 0)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				logger.Info().Msg("ingress closed")
				return nil
			}
			backoff = min(max(backoff*2, minReadBackoff), maxReadBackoff)
			errLog.Error().Err(err).Dur("backoff", backoff).Msg("read batch error")
			select {
			case <-ctx.Done():
				logger.Info().Msg("ingress closed")
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		now := l.clock()
		for i := range n {
			m := &msgs[i]
			var from netip.AddrPort
			if ua, ok := m.Addr.(*net.UDPAddr); ok {
				from = ua.AddrPort()
				from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
			}
			if m.N > l.maxDatagram {
				l.oversized.Add(1)
				l.metrics.PacketDropped(core.DropOversized)
				logger.Debug().Str("from", from.String()).Int("limit", l.maxDatagram).Msg("oversized datagram dropped")
				continue
			}

			data := make([]byte, m.N)
			copy(data, m.Buffers[0][:m.N])
			if err := sink.Enqueue(core.QueuedPacket{Data: data, From: from, ReceivedAt: now}); err != nil {
				logger.Trace().Err(err).Str("from", from.String()).Msg("datagram dropped")
			}
		}
	}
}

func (l *Listener) Close() error {
	err := l.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
