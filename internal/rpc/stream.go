package rpc

import "sync"

// Stream is a multi-value event source. A method returning *Stream is
// answered with a STREAM subscription keyed by `resource.method`.
//
// Emit holds the stream lock while delivering, so once a cancel func
// returns no further values reach that subscriber.
type Stream struct {
	mu     sync.Mutex
	next   uint64
	subs   map[uint64]func(any)
	order  []uint64
	closed bool
}

func NewStream() *Stream {
	return &Stream{subs: make(map[uint64]func(any))}
}

// Subscribe registers fn. Handlers must not call back into the stream.
func (s *Stream) Subscribe(fn func(any)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	s.next++
	id := s.next
	s.subs[id] = fn
	s.order = append(s.order, id)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.remove(id)
	}
}

func (s *Stream) remove(id uint64) {
	if _, ok := s.subs[id]; !ok {
		return
	}
	delete(s.subs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Emit delivers v to every subscriber in subscription order.
func (s *Stream) Emit(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		s.subs[id](v)
	}
}

// Subscribers reports the live subscriber count.
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close drops every subscriber; later Subscribe calls are no-ops.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.subs = make(map[uint64]func(any))
	s.order = nil
}
