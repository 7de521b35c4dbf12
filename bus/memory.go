package bus

import (
	"sync"
)

// MemoryBus implements MessageBus with in-process channels. It connects
// components living in one process and backs the tests.
type MemoryBus struct {
	config Config

	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed bool
}

type memorySub struct {
	subject string
	ch      chan *Message
	bus     *MemoryBus
	done    bool // guarded by bus.mu
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	return &MemoryBus{
		config: cfg.withDefaults(),
		subs:   make(map[string][]*memorySub),
	}
}

// Publish delivers to all subscribers of subject. Delivery happens under
// the read lock so Unsubscribe cannot close a channel mid-send.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	for _, sub := range b.subs[subject] {
		// Each subscriber gets its own copy of the payload.
		offer(sub.ch, &Message{
			Subject: subject,
			Data:    append([]byte(nil), data...),
		})
	}
	return nil
}

// Subscribe creates a subscription to a subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}
	b.subs[subject] = append(b.subs[subject], sub)
	return sub, nil
}

// Close shuts down the bus and closes every subscription channel.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.done = true
			close(sub.ch)
		}
	}
	b.subs = nil
	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe removes the subscription and closes its channel.
func (s *memorySub) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true

	subs := b.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			b.subs[s.subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[s.subject]) == 0 {
		delete(b.subs, s.subject)
	}
	close(s.ch)
	return nil
}
