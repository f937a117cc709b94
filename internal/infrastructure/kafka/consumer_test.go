package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader serves queued messages, then blocks until the context ends.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestConsumer_CommitsAfterHandling(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{
		{Offset: 1, Key: []byte("a"), Value: []byte("one")},
		{Offset: 2, Key: []byte("b"), Value: []byte("two")},
	}}
	c := &Consumer{reader: r, name: "test"}

	ctx, cancel := context.WithCancel(context.Background())
	var seen []string
	err := c.Consume(ctx, func(_ context.Context, key, value []byte) error {
		seen = append(seen, string(key)+"="+string(value))
		if len(seen) == 2 {
			cancel()
		}
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a=one", "b=two"}, seen)
	assert.Equal(t, []int64{1, 2}, r.Committed())
}

func TestConsumer_RetriesFailingHandlerThenMovesOn(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{{Offset: 9, Value: []byte("bad")}, {Offset: 10, Value: []byte("good")}}}
	c := &Consumer{reader: r, name: "test"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := map[string]int{}
	err := c.Consume(ctx, func(_ context.Context, _, value []byte) error {
		calls[string(value)]++
		if string(value) == "bad" {
			return errors.New("boom")
		}
		cancel()
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, handlerAttempts, calls["bad"])
	assert.Equal(t, 1, calls["good"])
	assert.Equal(t, []int64{9, 10}, r.Committed())
}
