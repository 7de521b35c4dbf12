package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements MessageBus over Redis PUBLISH/SUBSCRIBE. Subjects are
// mapped to channels "<namespace>:<subject>" so several swarms can share
// one Redis instance.
type RedisBus struct {
	rdb       *redis.Client
	namespace string
	config    Config

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Config

	// Addr is host:port. URL, when set, takes precedence.
	Addr string
	URL  string

	Password  string
	DB        int
	Namespace string
}

// NewRedisBus connects to Redis and verifies the connection with PING.
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		opts = parsed
	} else {
		if cfg.Addr == "" {
			return nil, fmt.Errorf("redis address is required")
		}
		opts = &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	}
	if cfg.Password != "" && opts.Password == "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisBus(rdb, cfg), nil
}

// NewRedisBusFromClient wraps an existing client. Close closes rdb.
func NewRedisBusFromClient(rdb *redis.Client, cfg RedisConfig) *RedisBus {
	return newRedisBus(rdb, cfg)
}

func newRedisBus(rdb *redis.Client, cfg RedisConfig) *RedisBus {
	ns := cfg.Namespace
	if ns == "" {
		ns = "swarm"
	}
	return &RedisBus{
		rdb:       rdb,
		namespace: ns,
		config:    cfg.Config.withDefaults(),
		subs:      make(map[*redisSubscription]struct{}),
	}
}

func (b *RedisBus) channel(subject string) string {
	return b.namespace + ":" + subject
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Publish sends a message to a subject.
func (b *RedisBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.rdb.Publish(context.Background(), b.channel(subject), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe creates a subscription. It waits for the server's subscribe
// confirmation so messages published after it returns are delivered.
func (b *RedisBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.isClosed() {
		return nil, ErrClosed
	}

	ctx := context.Background()
	pubsub := b.rdb.Subscribe(ctx, b.channel(subject))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	s := &redisSubscription{
		bus:    b,
		pubsub: pubsub,
		ch:     make(chan *Message, b.config.BufferSize),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		pubsub.Close()
		return nil, ErrClosed
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump(b.namespace + ":")
	return s, nil
}

// Close ends all subscriptions and closes the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	return b.rdb.Close()
}

type redisSubscription struct {
	bus    *RedisBus
	pubsub *redis.PubSub
	ch     chan *Message
	once   sync.Once
	stop   chan struct{}
	exited chan struct{}
}

// pump copies pubsub messages onto ch until stopped. It owns ch and closes
// it on exit.
func (s *redisSubscription) pump(prefix string) {
	defer close(s.exited)
	defer close(s.ch)

	in := s.pubsub.Channel()
	for {
		select {
		case <-s.stop:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			offer(s.ch, &Message{
				Subject: strings.TrimPrefix(m.Channel, prefix),
				Data:    []byte(m.Payload),
			})
		}
	}
}

func (s *redisSubscription) Messages() <-chan *Message {
	return s.ch
}

func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.pubsub.Close()
		<-s.exited

		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return err
}
