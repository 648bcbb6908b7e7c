package session

import "sync"

// Subscription receives the session's updates in publication order. Publishing
// never blocks: a queued interim event is replaced by a newer interim event of
// the same span, while finals and lifecycle updates are always kept.
type Subscription struct {
	id      int
	release func(int)

	mu      sync.Mutex
	queue   []Update
	revoked uint64
	notify  chan struct{}
	revoke  chan struct{}
	out     chan Update
	done   chan struct{}
	once   sync.Once
}

func newSubscription(id int, release func(int)) *Subscription {
	sub := &Subscription{
		id:      id,
		release: release,
		notify:  make(chan struct{}, 1),
		revoke:  make(chan struct{}, 1),
		out:     make(chan Update),
		done:    make(chan struct{}),
	}
	go sub.forward()
	return sub
}

// Updates is closed after Close.
func (s *Subscription) Updates() <-chan Update {
	return s.out
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.release != nil {
			s.release(s.id)
		}
	})
}

// push queues u and reports whether it replaced a pending interim update.
func (s *Subscription) push(u Update) bool {
	s.mu.Lock()
	coalesced := false
	if n := len(s.queue); n > 0 && u.interim() {
		last := s.queue[n-1]
		if last.interim() && last.Span == u.Span {
			s.queue[n-1] = u
			coalesced = true
		}
	}
	if !coalesced {
		s.queue = append(s.queue, u)
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return coalesced
}

// purge drops recognition events of span and of every earlier span, including
// one the forwarder has already taken off the queue but not yet handed over.
func (s *Subscription) purge(span uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if span > s.revoked {
		s.revoked = span
	}
	kept := s.queue[:0]
	for _, u := range s.queue {
		if s.staleLocked(u) {
			continue
		}
		kept = append(kept, u)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = Update{}
	}
	s.queue = kept

	select {
	case s.revoke <- struct{}{}:
	default:
	}
}

func (s *Subscription) staleLocked(u Update) bool {
	return u.Kind == UpdateEvent && u.Span <= s.revoked
}

func (s *Subscription) stale(u Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staleLocked(u)
}

func (s *Subscription) pop() (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Update{}, false
	}
	u := s.queue[0]
	s.queue[0] = Update{}
	s.queue = s.queue[1:]
	return u, true
}

func (s *Subscription) forward() {
	defer close(s.out)
	for {
		u, ok := s.pop()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		if !s.handOver(u) {
			return
		}
	}
}

// handOver blocks until the consumer takes u or its span is revoked. It
// reports false once the subscription is closed.
func (s *Subscription) handOver(u Update) bool {
	for {
		select {
		case <-s.revoke:
		default:
		}
		if s.stale(u) {
			return true
		}
		select {
		case s.out <- u:
			return true
		case <-s.revoke:
		case <-s.done:
			return false
		}
	}
}
