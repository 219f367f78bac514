package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka event publisher.
type KafkaConfig struct {
	Enabled bool
	Topic   string
	Brokers []string
	Acks    int
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type writeCloser interface {
	Close() error
}

const queueSize = 256

var (
	errNotStarted = errors.New("event publisher not started")
	errStopped    = errors.New("event publisher stopped")
)

// Publisher asynchronously writes events to a Kafka topic, keyed by subject
// so one agent's or proposal's events stay ordered within a partition.
type Publisher struct {
	cfg       KafkaConfig
	log       *slog.Logger
	writer    messageWriter
	closer    writeCloser
	enabled   bool
	queue     chan kafka.Message
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	failures  atomic.Int64

	// mu orders Publish against Stop. Once stopped is set no message can
	// reach the queue, so the final drain sees every accepted event.
	mu      sync.RWMutex
	stopped bool
}

// NewKafkaPublisher builds a publisher over a kafka.Writer. A disabled
// config yields a publisher that drops events.
func NewKafkaPublisher(cfg KafkaConfig) (*Publisher, error) {
	log := slog.Default().With("component", "events")
	if !cfg.Enabled {
		return &Publisher{cfg: cfg, log: log}, nil
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("event topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		RequiredAcks:           kafka.RequiredAcks(cfg.Acks),
		AllowAutoTopicCreation: false,
		Balancer:               &kafka.Hash{},
	}
	return newPublisherWithWriter(cfg, w, w), nil
}

func newPublisherWithWriter(cfg KafkaConfig, writer messageWriter, closer writeCloser) *Publisher {
	return &Publisher{
		cfg:     cfg,
		log:     slog.Default().With("component", "events"),
		writer:  writer,
		closer:  closer,
		enabled: cfg.Enabled,
		queue:   make(chan kafka.Message, queueSize),
	}
}

// Start launches the delivery loop.
func (p *Publisher) Start(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	p.startOnce.Do(func() {
		p.runCtx, p.cancel = context.WithCancel(ctx)
		p.started.Store(true)
		p.wg.Add(1)
		go p.run()
		p.log.InfoContext(ctx, "event publisher started", "topic", p.cfg.Topic)
	})
	return nil
}

// Stop drains queued events and closes the writer.
func (p *Publisher) Stop(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	var stopErr error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		if p.cancel != nil {
			p.cancel()
		}
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
		if p.closer != nil {
			if err := p.closer.Close(); err != nil {
				p.log.ErrorContext(ctx, "event writer close failed", "error", err)
			}
		}
		p.log.InfoContext(ctx, "event publisher stopped", "failures", p.failures.Load())
	})
	return stopErr
}

// Publish implements Sink. It only enqueues; delivery errors are logged.
func (p *Publisher) Publish(ctx context.Context, e Event) error {
	if !p.enabled {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return errStopped
	}
	if !p.started.Load() {
		return errNotStarted
	}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.Type, err)
	}
	msg := kafka.Message{
		Key:     []byte(e.Key),
		Value:   value,
		Headers: []kafka.Header{{Key: "type", Value: []byte(e.Type)}},
	}
	select {
	case p.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.runCtx.Done():
		return errStopped
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.runCtx.Done():
			p.drain()
			p.started.Store(false)
			return
		case msg := <-p.queue:
			p.deliver(msg)
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case msg := <-p.queue:
			p.deliver(msg)
		default:
			return
		}
	}
}

func (p *Publisher) deliver(msg kafka.Message) {
	// runCtx is already cancelled while draining.
	if err := p.writer.WriteMessages(context.WithoutCancel(p.runCtx), msg); err != nil {
		p.failures.Add(1)
		p.log.Error("event delivery failed", "key", string(msg.Key), "error", err)
	}
}
