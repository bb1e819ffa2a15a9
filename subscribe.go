package klayquery

import "sync"

const subscriptionBuffer = 16

// SubscribeQueryProps configures UseSubscribeQuery.
type SubscribeQueryProps struct {
	Name Key
	// OnChange is called for every event before it is queued on the channel.
	OnChange func(QueryEvent)
	// Buffer is the channel capacity; events are dropped while it is full.
	Buffer int
}

// Subscription observes one cache key without fetching it. While open it
// keeps the entry from being collected.
type Subscription struct {
	qc       *QueryClient
	key      Key
	hash     string
	onChange func(QueryEvent)

	mu     sync.Mutex
	ch     chan QueryEvent
	closed bool
}

// Subscribe opens a subscription to key.
func (qc *QueryClient) Subscribe(key Key, onChange func(QueryEvent), buffer int) *Subscription {
	if buffer <= 0 {
		buffer = subscriptionBuffer
	}
	sub := &Subscription{
		qc:       qc,
		key:      key,
		hash:     key.Hash(),
		onChange: onChange,
		ch:       make(chan QueryEvent, buffer),
	}

	qc.mu.Lock()
	if qc.subs[sub.hash] == nil {
		qc.subs[sub.hash] = make(map[*Subscription]struct{})
	}
	qc.subs[sub.hash][sub] = struct{}{}
	qc.mu.Unlock()

	qc.acquire(key)
	qc.metrics.RecordSubscriptions(1)
	return sub
}

// C delivers cache events for the key. It is closed by Close.
func (s *Subscription) C() <-chan QueryEvent {
	return s.ch
}

// Key returns the observed key.
func (s *Subscription) Key() Key {
	return s.key
}

// State returns the current state of the observed entry.
func (s *Subscription) State() QueryState {
	state, _ := s.qc.GetQueryState(s.key)
	return state
}

// Data returns the current data of the observed entry.
func (s *Subscription) Data() (any, bool) {
	return s.qc.GetQueryData(s.key)
}

// Close stops delivery and releases the key.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.qc.mu.Lock()
	delete(s.qc.subs[s.hash], s)
	if len(s.qc.subs[s.hash]) == 0 {
		delete(s.qc.subs, s.hash)
	}
	s.qc.mu.Unlock()

	s.qc.release(s.key)
	s.qc.metrics.RecordSubscriptions(-1)
}

func (s *Subscription) deliver(event QueryEvent) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if s.onChange != nil {
		s.onChange(event)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
	}
}
