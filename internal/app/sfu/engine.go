package sfu

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dkeye/rtpfanout/internal/app"
	"github.com/dkeye/rtpfanout/internal/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Stats is the engine-wide view of the hot path counters.
type Stats struct {
	Received       uint64 `json:"received"`
	Sent           uint64 `json:"sent"`
	BytesReceived  uint64 `json:"bytes_received"`
	Malformed      uint64 `json:"malformed"`
	UnknownSession uint64 `json:"unknown_session"`
	QueueDropped   uint64 `json:"queue_dropped"`
	SendErrors     uint64 `json:"send_errors"`
}

// Engine drains the packet queues and replicates each packet to the
// subscribers of its session. Every worker owns one queue and packets are
// routed to queues by SSRC, so one session is never processed by two workers.
type Engine struct {
	registry *app.Registry
	sender   core.Sender
	metrics  core.Metrics
	queues   []*core.Queue
	clock    func() time.Time

	received   atomic.Uint64
	sent       atomic.Uint64
	bytes      atomic.Uint64
	malformed  atomic.Uint64
	unknown    atomic.Uint64
	sendErrors atomic.Uint64
}

// NewEngine splits bufferSize evenly over the worker queues.
func NewEngine(registry *app.Registry, sender core.Sender, metrics core.Metrics, workers, bufferSize int) *Engine {
	if metrics == nil {
		metrics = core.NopMetrics{}
	}
	workers = max(workers, 1)
	perQueue := max((bufferSize+workers-1)/workers, 1)
	queues := make([]*core.Queue, workers)
	for i := range queues {
		queues[i] = core.NewQueue(perQueue)
	}
	return &Engine{
		registry: registry,
		sender:   sender,
		metrics:  metrics,
		queues:   queues,
		clock:    time.Now,
	}
}

func (e *Engine) Workers() int { return len(e.queues) }

func (e *Engine) shardFor(data []byte) *core.Queue {
	// Datagrams too short for an SSRC land on shard 0 and are rejected there.
	ssrc, _ := core.PeekSSRC(data)
	return e.queues[ssrc%uint32(len(e.queues))]
}

// Enqueue never blocks; a full queue drops the packet.
func (e *Engine) Enqueue(p core.QueuedPacket) error {
	if err := e.shardFor(p.Data).Enqueue(p); err != nil {
		e.metrics.PacketDropped(core.DropQueueFull)
		return err
	}
	return nil
}

// Run starts one worker per queue and blocks until ctx is done and every
// worker has finished the packet it was processing. Packets still queued are discarded.
func (e *Engine) Run(ctx context.Context) {
	var wg conc.WaitGroup
	for i, q := range e.queues {
		logger := log.With().Str("module", "sfu").Int("worker", i).Logger()
		wg.Go(func() { e.worker(ctx, q, &logger) })
	}
	wg.Wait()

	var discarded int
	for _, q := range e.queues {
		discarded += q.Len()
	}
	log.Info().Str("module", "sfu").Int("discarded", discarded).Msg("fanout engine stopped")
}

func (e *Engine) worker(ctx context.Context, q *core.Queue, logger *zerolog.Logger) {
	logger.Info().Msg("fanout worker started")
	for ctx.Err() == nil {
		p, err := q.Dequeue(ctx)
		if err != nil {
			break
		}
		e.Process(p, logger)
	}
	logger.Info().Msg("fanout worker ctx done")
}

// Process handles one dequeued packet end to end. Nothing in here is fatal:
// malformed packets, unknown sessions and failed sends are counted and skipped.
func (e *Engine) Process(p core.QueuedPacket, logger *zerolog.Logger) {
	start := e.clock()
	size := len(p.Data)

	h, err := core.ParseHeader(p.Data)
	if err != nil {
		e.malformed.Add(1)
		e.metrics.PacketDropped(core.DropMalformed)
		logger.Debug().Err(err).Str("from", p.From.String()).Int("size", size).Msg("malformed packet dropped")
		return
	}

	e.received.Add(1)
	e.bytes.Add(uint64(size))
	e.metrics.PacketReceived(size)

	sess, ok := e.registry.Route(h.SSRC)
	if !ok {
		e.unknown.Add(1)
		e.metrics.PacketDropped(core.DropUnknownSession)
		logger.Trace().Uint32("ssrc", h.SSRC).Str("from", p.From.String()).Msg("no session for ssrc")
		return
	}
	sess.RecordReceived(size)

	// The slice is an immutable snapshot; control-plane changes apply to the next packet.
	subs := sess.Subscribers()
	sent, failed := 0, 0
	for _, sub := range subs {
		if err := e.sender.Send(sub.Addr, p.Data); err != nil {
			sub.RecordSendError(e.clock())
			failed++
			logger.Debug().
				Err(err).
				Str("session_id", string(sess.ID)).
				Str("subscriber", sub.Addr.String()).
				Msg("send failed, skipping subscriber")
			continue
		}
		sub.RecordSent()
		sent++
	}

	sess.RecordSent(sent)
	e.sent.Add(uint64(sent))
	e.metrics.PacketsSent(sent)
	if failed > 0 {
		sess.RecordSendErrors(failed)
		e.sendErrors.Add(uint64(failed))
		e.metrics.SendFailed(failed)
	}
	e.metrics.FanoutLatency(e.clock().Sub(start))

	logger.Trace().
		Uint32("ssrc", h.SSRC).
		Uint16("seq", h.SequenceNumber).
		Int("sent", sent).
		Int("failed", failed).
		Msg("fanned out packet")
}

func (e *Engine) Stats() Stats {
	var dropped uint64
	for _, q := range e.queues {
		dropped += q.Dropped()
	}
	return Stats{
		Received:       e.received.Load(),
		Sent:           e.sent.Load(),
		BytesReceived:  e.bytes.Load(),
		Malformed:      e.malformed.Load(),
		UnknownSession: e.unknown.Load(),
		QueueDropped:   dropped,
		SendErrors:     e.sendErrors.Load(),
	}
}
