package sfu

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/rtpfanout/internal/app"
	"github.com/dkeye/rtpfanout/internal/core"
	"github.com/dkeye/rtpfanout/internal/core/mocks"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var (
	source = netip.MustParseAddrPort("1.2.3.4:5004")
	nop    = zerolog.Nop()
)

type captureSender struct {
	mu   sync.Mutex
	sent map[netip.AddrPort][][]byte
}

func newCaptureSender() *captureSender {
	return &captureSender{sent: make(map[netip.AddrPort][][]byte)}
}

func (s *captureSender) Send(dst netip.AddrPort, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[dst] = append(s.sent[dst], data)
	return nil
}

func (s *captureSender) to(dst netip.AddrPort) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent[dst]...)
}

func (s *captureSender) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, pkts := range s.sent {
		n += len(pkts)
	}
	return n
}

func subscriberAddr(i int) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, byte(i >> 8), byte(i)}), 6000)
}

func rtpPacket(t *testing.T, ssrc uint32, seq uint16, payloadLen int) []byte {
	t.Helper()
	p := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 3000,
			SSRC:           ssrc,
		},
		Payload: make([]byte, payloadLen),
	}
	b, err := p.Marshal()
	require.NoError(t, err)
	return b
}

func queued(data []byte) core.QueuedPacket {
	return core.QueuedPacket{Data: data, From: source, ReceivedAt: time.Now()}
}

func newTestEngine(t *testing.T, sender core.Sender, workers int) (*Engine, *app.Registry) {
	t.Helper()
	reg := app.NewRegistry(app.Limits{
		MaxSessions:         16,
		MaxFanoutPerSession: 1000,
		SessionTimeout:      time.Minute,
	}, nil)
	return NewEngine(reg, sender, nil, workers, 1024), reg
}

func TestProcessFansOutToEverySubscriber(t *testing.T) {
	sender := newCaptureSender()
	e, reg := newTestEngine(t, sender, 1)

	id, err := reg.CreateSession(1234567890, source, "video")
	require.NoError(t, err)
	for i := range 1000 {
		require.NoError(t, reg.AddSubscriber(id, subscriberAddr(i)))
	}

	pkt := rtpPacket(t, 1234567890, 1, 160)
	require.Len(t, pkt, 172)
	e.Process(queued(pkt), &nop)

	stats := e.Stats()
	assert.Equal(t, uint64(1000), stats.Sent)
	assert.Equal(t, uint64(172), stats.BytesReceived)
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, 1000, sender.total())
	assert.Equal(t, [][]byte{pkt}, sender.to(subscriberAddr(999)), "payload is forwarded verbatim")

	sessStats, err := reg.GetStats(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sessStats.PacketsReceived)
	assert.Equal(t, uint64(172), sessStats.BytesReceived)
	assert.Equal(t, uint64(1000), sessStats.PacketsSent)

	view, err := reg.GetSession(id)
	require.NoError(t, err)
	for _, sub := range view.Subscribers {
		assert.Equal(t, uint64(1), sub.PacketsSent)
	}
}

func TestProcessDropsShortDatagram(t *testing.T) {
	sender := newCaptureSender()
	e, reg := newTestEngine(t, sender, 1)
	id, err := reg.CreateSession(1, source, "video")
	require.NoError(t, err)
	require.NoError(t, reg.AddSubscriber(id, subscriberAddr(1)))

	e.Process(queued(make([]byte, 8)), &nop)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Malformed)
	assert.Equal(t, uint64(0), stats.Received)
	assert.Equal(t, 0, sender.total())

	sessStats, err := reg.GetStats(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), sessStats.PacketsReceived)
}

func TestProcessDropsUnknownSSRC(t *testing.T) {
	sender := newCaptureSender()
	e, _ := newTestEngine(t, sender, 1)

	e.Process(queued(rtpPacket(t, 55, 1, 10)), &nop)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(1), stats.UnknownSession)
	assert.Equal(t, uint64(0), stats.Sent)
}

func TestProcessAfterDeleteIsUnknownSession(t *testing.T) {
	sender := newCaptureSender()
	e, reg := newTestEngine(t, sender, 1)
	id, err := reg.CreateSession(9, source, "video")
	require.NoError(t, err)
	require.NoError(t, reg.AddSubscriber(id, subscriberAddr(1)))

	e.Process(queued(rtpPacket(t, 9, 1, 10)), &nop)
	require.NoError(t, reg.DeleteSession(id))
	e.Process(queued(rtpPacket(t, 9, 2, 10)), &nop)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Sent)
	assert.Equal(t, uint64(1), stats.UnknownSession)
}

func TestProcessIsolatesSendFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := mocks.NewMockSender(ctrl)
	e, reg := newTestEngine(t, sender, 1)

	id, err := reg.CreateSession(3, source, "video")
	require.NoError(t, err)
	for i := range 3 {
		require.NoError(t, reg.AddSubscriber(id, subscriberAddr(i)))
	}

	pkt := rtpPacket(t, 3, 1, 20)
	gomock.InOrder(
		sender.EXPECT().Send(subscriberAddr(0), pkt).Return(nil),
		sender.EXPECT().Send(subscriberAddr(1), pkt).Return(errors.New("unreachable")),
		sender.EXPECT().Send(subscriberAddr(2), pkt).Return(nil),
	)
	e.Process(queued(pkt), &nop)

	stats := e.Stats()
	assert.Equal(t, uint64(2), stats.Sent)
	assert.Equal(t, uint64(1), stats.SendErrors)

	view, err := reg.GetSession(id)
	require.NoError(t, err)
	require.Len(t, view.Subscribers, 3, "a failing subscriber is not removed")
	assert.Equal(t, uint64(1), view.Subscribers[1].SendErrors)
	assert.False(t, view.Subscribers[1].LastErrorAt.IsZero())
	assert.Equal(t, uint64(0), view.Subscribers[1].PacketsSent)
	assert.Equal(t, uint64(1), view.Subscribers[2].PacketsSent)
	assert.Equal(t, uint64(1), view.Stats.SendErrors)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	reg := app.NewRegistry(app.Limits{MaxSessions: 1, MaxFanoutPerSession: 1, SessionTimeout: time.Minute}, nil)
	e := NewEngine(reg, newCaptureSender(), nil, 1, 2)

	require.NoError(t, e.Enqueue(queued(rtpPacket(t, 1, 1, 0))))
	require.NoError(t, e.Enqueue(queued(rtpPacket(t, 1, 2, 0))))
	assert.ErrorIs(t, e.Enqueue(queued(rtpPacket(t, 1, 3, 0))), core.ErrQueueFull)
	assert.Equal(t, uint64(1), e.Stats().QueueDropped)
}

func TestRunPreservesPerSessionOrder(t *testing.T) {
	sender := newCaptureSender()
	e, reg := newTestEngine(t, sender, 4)

	const sessions, packets = 8, 100
	for s := range sessions {
		id, err := reg.CreateSession(uint32(s+1), source, "video")
		require.NoError(t, err)
		require.NoError(t, reg.AddSubscriber(id, subscriberAddr(s)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	for seq := range packets {
		for s := range sessions {
			require.NoError(t, e.Enqueue(queued(rtpPacket(t, uint32(s+1), uint16(seq), 4))))
		}
	}

	require.Eventually(t, func() bool { return sender.total() == sessions*packets }, 5*time.Second, 10*time.Millisecond)
	for s := range sessions {
		got := sender.to(subscriberAddr(s))
		require.Len(t, got, packets)
		for i, b := range got {
			h, err := core.ParseHeader(b)
			require.NoError(t, err)
			assert.Equal(t, uint32(s+1), h.SSRC)
			assert.Equal(t, uint16(i), h.SequenceNumber, "session %d delivered out of order", s)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestRunStopsWithQueuedPackets(t *testing.T) {
	e, _ := newTestEngine(t, newCaptureSender(), 2)
	for i := range 10 {
		require.NoError(t, e.Enqueue(queued(rtpPacket(t, uint32(i), 1, 4))))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}
