package bus

import (
	"errors"
	"strings"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message is a message received from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// MessageBus is the publish/subscribe transport the consensus manager and
// other swarm-wide components talk over. Buses are constructed explicitly
// and passed to each component; there is no package-level default.
type MessageBus interface {
	// Publish sends data to every current subscriber of subject.
	Publish(subject string, data []byte) error

	// Subscribe registers interest in subject. The subscription is live
	// when Subscribe returns.
	Subscribe(subject string) (Subscription, error)

	// Close shuts the bus down and ends all subscriptions.
	Close() error
}

// Subscription is an active subscription.
type Subscription interface {
	// Messages returns the delivery channel. It is closed when the
	// subscription ends.
	Messages() <-chan *Message

	// Unsubscribe ends the subscription. Safe to call more than once.
	Unsubscribe() error
}

// Config holds settings shared by all backends.
type Config struct {
	// BufferSize of each subscription channel. Messages arriving while the
	// buffer is full are dropped. Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultConfig().BufferSize
	}
	return c
}

// ValidateSubject rejects empty subjects, subjects with whitespace and
// subjects with empty dot-separated tokens.
func ValidateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return ErrInvalidSubject
	}
	for _, token := range strings.Split(subject, ".") {
		if token == "" {
			return ErrInvalidSubject
		}
	}
	return nil
}

// offer delivers msg without blocking; a full buffer drops it.
func offer(ch chan *Message, msg *Message) bool {
	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}
