package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

type fakeReader struct {
	messages chan kafka.Message
	errs     chan error
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case err := <-r.errs:
		return kafka.Message{}, err
	case m := <-r.messages:
		return m, nil
	}
}

func (r *fakeReader) Close() error { return nil }

func TestProducer_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducerWithWriter(w, "order-notifications")

	err := p.Publish(context.Background(), "buyer:1", map[string]int{"id": 3})

	require.NoError(t, err)
	require.Len(t, w.messages, 1)
	assert.Equal(t, "buyer:1", string(w.messages[0].Key))
	require.Len(t, w.messages[0].Headers, 1)
	assert.Equal(t, "application/json", string(w.messages[0].Headers[0].Value))

	var body map[string]int
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &body))
	assert.Equal(t, 3, body["id"])

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestProducer_PublishError(t *testing.T) {
	down := errors.New("broker down")
	w := &fakeWriter{err: down}

	err := NewProducerWithWriter(w, "order-notifications").Publish(context.Background(), "k", "v")

	assert.ErrorIs(t, err, down)
	assert.Contains(t, err.Error(), "order-notifications")
}

func TestConsumer_HandlesMessagesUntilCancelled(t *testing.T) {
	r := &fakeReader{messages: make(chan kafka.Message, 3), errs: make(chan error, 1)}
	r.errs <- errors.New("transient")
	r.messages <- kafka.Message{Key: []byte("a"), Value: []byte("1")}
	r.messages <- kafka.Message{Key: []byte("b"), Value: []byte("2")}

	ctx, cancel := context.WithCancel(context.Background())
	var got []string
	handler := func(ctx context.Context, key, value []byte) error {
		got = append(got, string(key)+"="+string(value))
		if len(got) == 2 {
			cancel()
		}
		return errors.New("handler errors are skipped")
	}

	c := NewConsumerWithReader(r, nil)
	c.retryDelay = time.Millisecond
	err := c.Consume(ctx, handler)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a=1", "b=2"}, got)
}

type failingReader struct {
	reads atomic.Int32
}

func (r *failingReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	r.reads.Add(1)
	return kafka.Message{}, errors.New("broker unreachable")
}

func (r *failingReader) Close() error { return nil }

func TestConsumer_WaitsBetweenFailedReads(t *testing.T) {
	r := &failingReader{}
	c := NewConsumerWithReader(r, nil)
	c.retryDelay = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 180*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.Consume(ctx, func(context.Context, []byte, []byte) error { return nil })

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.LessOrEqual(t, r.reads.Load(), int32(5))
	assert.GreaterOrEqual(t, r.reads.Load(), int32(2))
}
