package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestExpectAfterPublishMatchesRetained(t *testing.T) {
	m := NewMemory(zaptest.NewLogger(t))
	defer m.Close()

	err := m.Publish(context.Background(), "user.events", map[string]any{"type": "created", "id": "u1"}, nil)
	require.NoError(t, err)

	msg, err := m.ExpectMessage(context.Background(), Expectation{
		Topic:   "user.events",
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", msg.Value["id"])
}

func TestExpectBeforePublishIsWoken(t *testing.T) {
	m := NewMemory(zaptest.NewLogger(t))
	defer m.Close()

	type result struct {
		msg Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := m.ExpectMessage(context.Background(), Expectation{
			Topic:   "orders",
			Matcher: func(msg Message) bool { return msg.Value["status"] == "placed" },
			Timeout: time.Second,
		})
		done <- result{msg, err}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Publish(context.Background(), "orders", map[string]any{"status": "pending"}, nil))
	require.NoError(t, m.Publish(context.Background(), "orders", map[string]any{"status": "placed"}, nil))

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "placed", r.msg.Value["status"])
}

func TestExpectTimeout(t *testing.T) {
	m := NewMemory(zaptest.NewLogger(t))
	defer m.Close()

	_, err := m.ExpectMessage(context.Background(), Expectation{
		Topic:   "never",
		Timeout: 30 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrExpectTimeout)
}

func TestMatcherSkipsNonMatching(t *testing.T) {
	m := NewMemory(zaptest.NewLogger(t))
	defer m.Close()

	require.NoError(t, m.Publish(context.Background(), "t", map[string]any{"n": 1}, nil))

	_, err := m.ExpectMessage(context.Background(), Expectation{
		Topic:   "t",
		Matcher: func(msg Message) bool { return msg.Value["n"] == 2 },
		Timeout: 30 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrExpectTimeout)
}

func TestPublishAfterClose(t *testing.T) {
	m := NewMemory(zaptest.NewLogger(t))
	require.NoError(t, m.Close())
	err := m.Publish(context.Background(), "t", map[string]any{}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPublishRecordsKey(t *testing.T) {
	m := NewMemory(zaptest.NewLogger(t))
	defer m.Close()

	require.NoError(t, m.Publish(context.Background(), "t", map[string]any{"a": 1}, &PublishOptions{Key: "k1"}))
	msgs := m.Messages("t")
	require.Len(t, msgs, 1)
	assert.Equal(t, "k1", msgs[0].Key)
	assert.NotEmpty(t, msgs[0].ID)
}
