package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Memory is an in-process Broker. Published messages are retained per
// topic so an expectation registered after the publish still matches.
// One Memory instance is shared by all steps of a single scenario run.
type Memory struct {
	logger *zap.Logger

	mu       sync.Mutex
	closed   bool
	retained map[string][]Message
	waiters  map[string][]*waiter
}

type waiter struct {
	matcher Matcher
	ch      chan Message
}

// NewMemory creates an empty in-memory broker handle.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		logger:   logger,
		retained: make(map[string][]Message),
		waiters:  make(map[string][]*waiter),
	}
}

// Publish appends the message to the topic's retained history and wakes
// the first waiter whose matcher accepts it.
func (m *Memory) Publish(ctx context.Context, topic string, value map[string]any, opts *PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := Message{
		ID:          NewID(),
		Topic:       topic,
		Value:       value,
		PublishedAt: time.Now(),
	}
	if opts != nil {
		msg.Key = opts.Key
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.retained[topic] = append(m.retained[topic], msg)

	remaining := m.waiters[topic][:0]
	delivered := false
	for _, w := range m.waiters[topic] {
		if !delivered && (w.matcher == nil || w.matcher(msg)) {
			w.ch <- msg
			delivered = true
			continue
		}
		remaining = append(remaining, w)
	}
	m.waiters[topic] = remaining

	m.logger.Debug("message published",
		zap.String("topic", topic),
		zap.String("id", msg.ID),
		zap.Bool("delivered_to_waiter", delivered))
	return nil
}

// ExpectMessage blocks until a message on exp.Topic satisfies the matcher,
// the timeout elapses (ErrExpectTimeout), or ctx is done. Retained
// messages are checked first, so publish-then-expect ordering works.
func (m *Memory) ExpectMessage(ctx context.Context, exp Expectation) (Message, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Message{}, ErrClosed
	}
	for _, msg := range m.retained[exp.Topic] {
		if exp.Matcher == nil || exp.Matcher(msg) {
			m.mu.Unlock()
			return msg, nil
		}
	}
	w := &waiter{matcher: exp.Matcher, ch: make(chan Message, 1)}
	m.waiters[exp.Topic] = append(m.waiters[exp.Topic], w)
	m.mu.Unlock()

	timeout := exp.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-w.ch:
		return msg, nil
	case <-timer.C:
		m.removeWaiter(exp.Topic, w)
		return Message{}, ErrExpectTimeout
	case <-ctx.Done():
		m.removeWaiter(exp.Topic, w)
		return Message{}, ctx.Err()
	}
}

func (m *Memory) removeWaiter(topic string, target *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.waiters[topic]
	for i, w := range ws {
		if w == target {
			m.waiters[topic] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

// Messages returns a copy of the retained history for a topic.
func (m *Memory) Messages(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.retained[topic]))
	copy(out, m.retained[topic])
	return out
}

// Close marks the handle closed and drops retained messages and waiters.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.retained = make(map[string][]Message)
	m.waiters = make(map[string][]*waiter)
	return nil
}
