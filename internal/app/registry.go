package app

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/dkeye/rtpfanout/internal/core"
	"github.com/dkeye/rtpfanout/internal/domain"
	"github.com/rs/zerolog/log"
)

// Limits are the admission-control inputs of the registry, fixed at startup.
type Limits struct {
	MaxSessions         int
	MaxFanoutPerSession int
	SessionTimeout      time.Duration
}

// Registry owns every Session and Subscriber. The fanout path reads it through
// Route without ever waiting on a control-plane call; control-plane calls
// only hold a shard lock for a single map operation.
type Registry struct {
	limits Limits
	events core.EventSink
	clock  func() time.Time
	epoch  time.Time

	byID   *shardedMap[domain.SessionID, *Session]
	bySSRC *shardedMap[uint32, *Session]

	live        atomic.Int64
	subscribers atomic.Int64
}

func NewRegistry(limits Limits, events core.EventSink) *Registry {
	if events == nil {
		events = core.NopEvents{}
	}
	r := &Registry{
		limits: limits,
		events: events,
		clock:  time.Now,
		byID:   newShardedMap[domain.SessionID, *Session](defaultShards),
		bySSRC: newShardedMap[uint32, *Session](defaultShards),
	}
	r.epoch = r.clock()
	return r
}

func (r *Registry) Limits() Limits { return r.limits }

func (r *Registry) now() time.Time { return r.clock() }

func (r *Registry) publish(t domain.EventType, s *Session, subscriber string) {
	r.events.Publish(domain.Event{
		Type:       t,
		SessionID:  s.ID,
		SSRC:       s.SSRC,
		Subscriber: subscriber,
		At:         r.now(),
	})
}

// CreateSession reports a duplicate SSRC as AlreadyExists even at capacity.
func (r *Registry) CreateSession(ssrc uint32, source netip.AddrPort, mediaType string) (domain.SessionID, error) {
	if _, ok := r.bySSRC.Load(ssrc); ok {
		return "", fmt.Errorf("create session for ssrc %d: %w", ssrc, domain.ErrAlreadyExists)
	}
	if n := r.live.Add(1); n > int64(r.limits.MaxSessions) {
		r.live.Add(-1)
		log.Warn().Str("module", "app.registry").Int("max_sessions", r.limits.MaxSessions).Msg("session limit reached")
		return "", fmt.Errorf("create session for ssrc %d: %w", ssrc, domain.ErrResourceExhausted)
	}

	now := r.now()
	s := newSession(domain.NewSessionID(), ssrc, source, mediaType, r.epoch, now)
	if !r.bySSRC.StoreIfAbsent(ssrc, s) {
		r.live.Add(-1)
		return "", fmt.Errorf("create session for ssrc %d: %w", ssrc, domain.ErrAlreadyExists)
	}
	r.byID.StoreIfAbsent(s.ID, s)

	log.Info().
		Str("module", "app.registry").
		Str("session_id", string(s.ID)).
		Uint32("ssrc", ssrc).
		Str("source", source.String()).
		Str("media_type", mediaType).
		Msg("created session")
	r.publish(domain.EventSessionCreated, s, "")
	return s.ID, nil
}

func (r *Registry) lookup(id domain.SessionID) (*Session, error) {
	s, ok := r.byID.Load(id)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

// unlink removes an already expired session from both indexes. Only the
// caller that removes the id entry releases the admission slot.
func (r *Registry) unlink(s *Session) bool {
	same := func(v *Session) bool { return v == s }
	if !r.byID.DeleteIf(s.ID, same) {
		return false
	}
	r.bySSRC.DeleteIf(s.SSRC, same)
	s.releaseSubscribers(&r.subscribers)
	r.live.Add(-1)
	return true
}

func (r *Registry) DeleteSession(id domain.SessionID) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	s.expire()
	if !r.unlink(s) {
		return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	log.Info().Str("module", "app.registry").Str("session_id", string(id)).Uint32("ssrc", s.SSRC).Msg("deleted session")
	r.publish(domain.EventSessionDeleted, s, "")
	return nil
}

// ExpireIfIdle evicts the session when it saw no traffic for longer than the
// session timeout. A packet that touched the session first keeps it alive.
func (r *Registry) ExpireIfIdle(id domain.SessionID) (bool, error) {
	s, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	if !s.expireIfIdle(r.now(), r.limits.SessionTimeout) {
		return false, nil
	}
	if !r.unlink(s) {
		return false, nil
	}
	log.Info().
		Str("module", "app.registry").
		Str("session_id", string(id)).
		Uint32("ssrc", s.SSRC).
		Time("last_activity", s.LastActivity()).
		Msg("expired idle session")
	r.publish(domain.EventSessionExpired, s, "")
	return true, nil
}

func (r *Registry) GetSession(id domain.SessionID) (domain.SessionView, error) {
	s, err := r.lookup(id)
	if err != nil {
		return domain.SessionView{}, err
	}
	return s.View(), nil
}

// ListSessions is a point-in-time snapshot; sessions may change while it is built.
func (r *Registry) ListSessions() []domain.SessionView {
	sessions := r.byID.Snapshot()
	out := make([]domain.SessionView, 0, len(sessions))
	for _, s := range sessions {
		if s.State() == domain.SessionExpired {
			continue
		}
		out = append(out, s.View())
	}
	return out
}

func (r *Registry) AddSubscriber(id domain.SessionID, addr netip.AddrPort) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if _, err := s.addSubscriber(addr, r.now(), r.limits.MaxFanoutPerSession, &r.subscribers); err != nil {
		return fmt.Errorf("add subscriber %s to session %s: %w", addr, id, err)
	}
	log.Info().
		Str("module", "app.registry").
		Str("session_id", string(id)).
		Str("subscriber", addr.String()).
		Int("total", s.SubscriberCount()).
		Msg("added subscriber")
	r.publish(domain.EventSubscriberAdded, s, addr.String())
	return nil
}

func (r *Registry) RemoveSubscriber(id domain.SessionID, addr netip.AddrPort) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if err := s.removeSubscriber(addr, &r.subscribers); err != nil {
		return fmt.Errorf("remove subscriber %s from session %s: %w", addr, id, err)
	}
	log.Info().Str("module", "app.registry").Str("session_id", string(id)).Str("subscriber", addr.String()).Msg("removed subscriber")
	r.publish(domain.EventSubscriberRemoved, s, addr.String())
	return nil
}

func (r *Registry) GetStats(id domain.SessionID) (domain.SessionStats, error) {
	s, err := r.lookup(id)
	if err != nil {
		return domain.SessionStats{}, err
	}
	return s.Stats(), nil
}

// Route resolves the live session for ssrc and records activity on it.
// It is the only registry call on the hot path.
func (r *Registry) Route(ssrc uint32) (*Session, bool) {
	s, ok := r.bySSRC.Load(ssrc)
	if !ok || !s.touch(r.now()) {
		return nil, false
	}
	return s, true
}

func (r *Registry) SessionCount() int { return int(r.live.Load()) }

func (r *Registry) TotalSubscribers() int { return int(r.subscribers.Load()) }

// SessionIDs lists live session ids without building views.
func (r *Registry) SessionIDs() []domain.SessionID {
	sessions := r.byID.Snapshot()
	ids := make([]domain.SessionID, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	return ids
}
