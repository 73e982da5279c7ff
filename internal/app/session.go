package app

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/rtpfanout/internal/domain"
)

// expiredFlag marks lastActivity as terminal. The remaining bits keep the
// last timestamp, so a single CAS decides between a packet and the reaper.
const expiredFlag int64 = 1 << 62

// Subscriber is one destination of a session.
type Subscriber struct {
	Addr    netip.AddrPort
	AddedAt time.Time

	packetsSent atomic.Uint64
	sendErrors  atomic.Uint64
	lastErrorAt atomic.Int64 // unix nanos, 0 if never
}

func (s *Subscriber) RecordSent() { s.packetsSent.Add(1) }

func (s *Subscriber) RecordSendError(at time.Time) {
	s.sendErrors.Add(1)
	s.lastErrorAt.Store(at.UnixNano())
}

func (s *Subscriber) PacketsSent() uint64 { return s.packetsSent.Load() }

func (s *Subscriber) View() domain.SubscriberView {
	v := domain.SubscriberView{
		Address:     s.Addr.String(),
		AddedAt:     s.AddedAt,
		PacketsSent: s.packetsSent.Load(),
		SendErrors:  s.sendErrors.Load(),
	}
	if ns := s.lastErrorAt.Load(); ns != 0 {
		v.LastErrorAt = time.Unix(0, ns)
	}
	return v
}

// subscriberSet is immutable once published; writers replace it wholesale.
type subscriberSet struct {
	list   []*Subscriber
	byAddr map[netip.AddrPort]*Subscriber
}

var emptySubscribers = &subscriberSet{byAddr: map[netip.AddrPort]*Subscriber{}}

func (set *subscriberSet) with(sub *Subscriber) *subscriberSet {
	next := &subscriberSet{
		list:   make([]*Subscriber, 0, len(set.list)+1),
		byAddr: make(map[netip.AddrPort]*Subscriber, len(set.byAddr)+1),
	}
	next.list = append(next.list, set.list...)
	next.list = append(next.list, sub)
	for addr, s := range set.byAddr {
		next.byAddr[addr] = s
	}
	next.byAddr[sub.Addr] = sub
	return next
}

func (set *subscriberSet) without(addr netip.AddrPort) *subscriberSet {
	next := &subscriberSet{
		list:   make([]*Subscriber, 0, len(set.list)),
		byAddr: make(map[netip.AddrPort]*Subscriber, len(set.byAddr)),
	}
	for _, s := range set.list {
		if s.Addr == addr {
			continue
		}
		next.list = append(next.list, s)
		next.byAddr[s.Addr] = s
	}
	return next
}

// Session is the registry's record of one media stream.
// Counters and lastActivity are written by the fanout path without locks;
// subMu only serializes subscriber-set writers.
type Session struct {
	ID        domain.SessionID
	SSRC      uint32
	Source    netip.AddrPort
	MediaType string
	CreatedAt time.Time

	epoch        time.Time
	lastActivity atomic.Int64 // nanos since epoch, expiredFlag once terminal

	subMu sync.Mutex
	subs  atomic.Pointer[subscriberSet]

	packetsReceived atomic.Uint64
	packetsSent     atomic.Uint64
	bytesReceived   atomic.Uint64
	sendErrors      atomic.Uint64
}

func newSession(id domain.SessionID, ssrc uint32, source netip.AddrPort, mediaType string, epoch, now time.Time) *Session {
	s := &Session{
		ID:        id,
		SSRC:      ssrc,
		Source:    source,
		MediaType: mediaType,
		CreatedAt: now,
		epoch:     epoch,
	}
	s.lastActivity.Store(sinceEpoch(epoch, now))
	s.subs.Store(emptySubscribers)
	return s
}

func sinceEpoch(epoch, now time.Time) int64 {
	return max(int64(now.Sub(epoch)), 0)
}

// Subscribers returns the current set. The slice is shared and must not be modified;
// later adds or removes never change a slice already returned.
func (s *Session) Subscribers() []*Subscriber {
	return s.subs.Load().list
}

func (s *Session) SubscriberCount() int {
	return len(s.subs.Load().list)
}

func (s *Session) State() domain.SessionState {
	if s.lastActivity.Load()&expiredFlag != 0 {
		return domain.SessionExpired
	}
	return domain.SessionActive
}

func (s *Session) LastActivity() time.Time {
	return s.epoch.Add(time.Duration(s.lastActivity.Load() &^ expiredFlag))
}

// touch records traffic at now. It fails once the session is expired, so a
// packet racing with eviction is either seen by the reaper or dropped.
func (s *Session) touch(now time.Time) bool {
	ts := sinceEpoch(s.epoch, now)
	for {
		old := s.lastActivity.Load()
		if old&expiredFlag != 0 {
			return false
		}
		if ts <= old {
			return true
		}
		if s.lastActivity.CompareAndSwap(old, ts) {
			return true
		}
	}
}

// expireIfIdle makes the session terminal only if the timestamp it compared is
// still current.
func (s *Session) expireIfIdle(now time.Time, timeout time.Duration) bool {
	ts := sinceEpoch(s.epoch, now)
	for {
		old := s.lastActivity.Load()
		if old&expiredFlag != 0 {
			return false
		}
		if time.Duration(ts-old) <= timeout {
			return false
		}
		if s.lastActivity.CompareAndSwap(old, old|expiredFlag) {
			return true
		}
	}
}

// expire makes the session terminal unconditionally and reports whether this call did it.
func (s *Session) expire() bool {
	for {
		old := s.lastActivity.Load()
		if old&expiredFlag != 0 {
			return false
		}
		if s.lastActivity.CompareAndSwap(old, old|expiredFlag) {
			return true
		}
	}
}

// addSubscriber and its siblings keep total in step with the set under subMu.
func (s *Session) addSubscriber(addr netip.AddrPort, now time.Time, limit int, total *atomic.Int64) (*Subscriber, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.State() == domain.SessionExpired {
		return nil, domain.ErrNotFound
	}
	cur := s.subs.Load()
	if _, ok := cur.byAddr[addr]; ok {
		return nil, domain.ErrAlreadyExists
	}
	if len(cur.list) >= limit {
		return nil, domain.ErrResourceExhausted
	}
	sub := &Subscriber{Addr: addr, AddedAt: now}
	s.subs.Store(cur.with(sub))
	total.Add(1)
	return sub, nil
}

func (s *Session) removeSubscriber(addr netip.AddrPort, total *atomic.Int64) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.State() == domain.SessionExpired {
		return domain.ErrNotFound
	}
	cur := s.subs.Load()
	if _, ok := cur.byAddr[addr]; !ok {
		return domain.ErrNotFound
	}
	s.subs.Store(cur.without(addr))
	total.Add(-1)
	return nil
}

// releaseSubscribers drops the whole set of an expired session.
func (s *Session) releaseSubscribers(total *atomic.Int64) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	total.Add(-int64(len(s.subs.Load().list)))
	s.subs.Store(emptySubscribers)
}

func (s *Session) RecordReceived(bytes int) {
	s.packetsReceived.Add(1)
	s.bytesReceived.Add(uint64(bytes))
}

func (s *Session) RecordSent(n int) {
	s.packetsSent.Add(uint64(n))
}

func (s *Session) RecordSendErrors(n int) {
	s.sendErrors.Add(uint64(n))
}

func (s *Session) Stats() domain.SessionStats {
	return domain.SessionStats{
		PacketsReceived: s.packetsReceived.Load(),
		PacketsSent:     s.packetsSent.Load(),
		BytesReceived:   s.bytesReceived.Load(),
		SendErrors:      s.sendErrors.Load(),
		SubscriberCount: s.SubscriberCount(),
	}
}

func (s *Session) View() domain.SessionView {
	subs := s.Subscribers()
	views := make([]domain.SubscriberView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, sub.View())
	}
	return domain.SessionView{
		ID:            s.ID,
		SSRC:          s.SSRC,
		SourceAddress: s.Source.String(),
		MediaType:     s.MediaType,
		State:         s.State(),
		CreatedAt:     s.CreatedAt,
		LastActivity:  s.LastActivity(),
		Subscribers:   views,
		Stats:         s.Stats(),
	}
}
