package kafka

import (
	"context"
	"testing"
	"time"
)

type noopHandler struct{}

func (noopHandler) Topic() string                        { return "test-topic" }
func (noopHandler) Handle(context.Context, []byte) error { return nil }

func TestConsumerStopBeforeStart(t *testing.T) {
	c, err := NewConsumer(noopHandler{}, WithConsumerBrokers([]string{"127.0.0.1:1"}))
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestConsumerStopAfterStart(t *testing.T) {
	c, err := NewConsumer(noopHandler{},
		WithConsumerBrokers([]string{"127.0.0.1:1"}),
		WithConsumerWorkers(2),
	)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Let the read loop reach its blocking read before stopping; Stop
	// must close the reader, wait the loop out, and shut the worker
	// channel without panicking.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// Idempotent.
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
