package kafka

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageHandler handles messages from a specific topic.
type MessageHandler interface {
	Topic() string
	Handle(ctx context.Context, payload []byte) error
}

// Consumer reads one topic through a bounded worker pool. Handler errors
// are retried with jittered backoff; messages that still fail go to the
// DLQ topic so the partition never stalls on a poison record.
type Consumer struct {
	cfg      *ConsumerConfig
	reader   *kafka.Reader
	handler  MessageHandler
	dlq      *kafka.Writer
	dlqTopic string

	msgChan    chan kafka.Message
	stopChan   chan struct{}
	readerDone chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewConsumer creates a Kafka consumer for the handler's topic.
func NewConsumer(handler MessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	cfg := &ConsumerConfig{
		GroupID:     "ledgerflow",
		WorkerCount: 1,
		BufferSize:  64,
		RetryMax:    3,
		BackoffMin:  50 * time.Millisecond,
		BackoffMax:  2 * time.Second,
		MinBytes:    10e3,
		MaxBytes:    10e6,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	return &Consumer{
		cfg:        cfg,
		handler:    handler,
		msgChan:    make(chan kafka.Message, cfg.BufferSize),
		stopChan:   make(chan struct{}),
		readerDone: make(chan struct{}),
	}, nil
}

// WithDLQ routes exhausted messages to a dead-letter topic.
func (c *Consumer) WithDLQ(topic string) {
	if topic == "" {
		return
	}
	c.dlqTopic = topic
	c.dlq = &kafka.Writer{Addr: kafka.TCP(c.cfg.Brokers...), Balancer: &kafka.LeastBytes{}}
}

// Start launches the reader and worker pool.
func (c *Consumer) Start() error {
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.cfg.Brokers,
		Topic:    c.handler.Topic(),
		GroupID:  c.cfg.GroupID,
		MinBytes: c.cfg.MinBytes,
		MaxBytes: c.cfg.MaxBytes,
	})

	for i := 0; i < c.cfg.WorkerCount; i++ {
		c.wg.Add(1)
		go c.worker()
	}

	go c.readLoop()
	return nil
}

// Stop shuts the consumer down gracefully. msgChan is closed only after
// the read loop has exited, so no send can race the close.
func (c *Consumer) Stop(ctx context.Context) error {
	var stopErr error
	c.stopOnce.Do(func() {
		close(c.stopChan)

		if c.reader == nil {
			close(c.msgChan)
		} else {
			// Unblocks a pending ReadMessage.
			if err := c.reader.Close(); err != nil {
				stopErr = fmt.Errorf("close reader: %w", err)
			}
			go func() {
				<-c.readerDone
				close(c.msgChan)
			}()
		}

		doneChan := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(doneChan)
		}()
		select {
		case <-ctx.Done():
			if stopErr == nil {
				stopErr = fmt.Errorf("timeout waiting for consumer to stop: %w", ctx.Err())
			}
		case <-doneChan:
		}

		if c.dlq != nil {
			_ = c.dlq.Close()
		}
	})
	return stopErr
}

func (c *Consumer) readLoop() {
	defer close(c.readerDone)

	for {
		select {
		case <-c.stopChan:
			return
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			msg, err := c.reader.ReadMessage(ctx)
			cancel()
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				select {
				case <-c.stopChan:
					return
				case <-time.After(time.Second):
					continue
				}
			}

			select {
			case c.msgChan <- msg:
			case <-c.stopChan:
				return
			}
		}
	}
}

func (c *Consumer) worker() {
	defer c.wg.Done()

	for msg := range c.msgChan {
		c.handleWithRetry(msg)
	}
}

func (c *Consumer) handleWithRetry(msg kafka.Message) {
	var err error
	for attempt := 1; ; attempt++ {
		err = c.handler.Handle(context.Background(), msg.Value)
		if err == nil || attempt > c.cfg.RetryMax {
			break
		}
		sleep := consumerBackoff(c.cfg.BackoffMin, c.cfg.BackoffMax, attempt)
		select {
		case <-time.After(sleep):
		case <-c.stopChan:
			return
		}
	}

	if err != nil && c.dlq != nil {
		dlqMsg := kafka.Message{
			Topic: c.dlqTopic,
			Value: msg.Value,
			Time:  time.Now(),
			Headers: []kafka.Header{
				{Key: "source_topic", Value: []byte(c.handler.Topic())},
				{Key: "error", Value: []byte(err.Error())},
			},
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.dlq.WriteMessages(ctx, dlqMsg)
		cancel()
	}
}

func consumerBackoff(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	exp := min * time.Duration(1<<uint(attempt-1))
	if exp > max || exp <= 0 {
		exp = max
	}
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp - jitter
}
