// Package broker provides the message-broker test handle used by scenario
// runs: an in-memory publish/expect implementation behind a narrow
// interface, so a real broker client can be substituted without touching
// the executor.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrExpectTimeout is returned when no matching message arrives within the
// expectation's timeout.
var ErrExpectTimeout = errors.New("timed out waiting for message")

// ErrClosed is returned by operations on a closed broker handle.
var ErrClosed = errors.New("broker handle is closed")

// Message is one published message.
type Message struct {
	ID          string         `json:"id"`
	Topic       string         `json:"topic"`
	Key         string         `json:"key,omitempty"`
	Value       map[string]any `json:"value"`
	PublishedAt time.Time      `json:"published_at"`
}

// Matcher decides whether a message satisfies an expectation. A nil
// matcher accepts any message on the topic.
type Matcher func(Message) bool

// Expectation describes a blocking wait for a message.
type Expectation struct {
	Topic   string
	Matcher Matcher
	Timeout time.Duration
}

// PublishOptions carries optional publish metadata.
type PublishOptions struct {
	Key string
}

// Broker is the message-broker collaborator interface.
type Broker interface {
	Publish(ctx context.Context, topic string, value map[string]any, opts *PublishOptions) error
	ExpectMessage(ctx context.Context, exp Expectation) (Message, error)
	Close() error
}

// NewID returns a fresh message id.
func NewID() string {
	return uuid.NewString()
}
