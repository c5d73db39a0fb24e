// Package delivery hands received messages from SMTP sessions to a
// provider without blocking the protocol loop.
package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shineum/smtp-receiver-lite/internal/email"
	"github.com/shineum/smtp-receiver-lite/internal/provider"
)

const (
	defaultQueueSize   = 100
	defaultWorkers     = 4
	defaultSendTimeout = 2 * time.Minute
)

// ErrQueueFull is reported when a message is dropped because every queue
// slot is taken.
var ErrQueueFull = errors.New("delivery: queue full")

// ErrQueueClosed is reported when a message arrives after Close.
var ErrQueueClosed = errors.New("delivery: queue closed")

var (
	metricDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtp_receiver_delivery_total",
			Help: "Messages handed to the provider, by provider and result (ok, error, dropped).",
		},
		[]string{"provider", "result"},
	)
	metricQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtp_receiver_delivery_queue_depth",
			Help: "Messages waiting for a delivery worker.",
		},
	)
	metricDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smtp_receiver_delivery_duration_seconds",
			Help:    "Time spent in provider Send.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)
)

// QueueConfig configures a Queue.
type QueueConfig struct {
	// Size is the number of messages that may wait for a worker.
	Size int

	// Workers is the number of goroutines calling the provider.
	Workers int

	// SendTimeout bounds a single provider Send.
	SendTimeout time.Duration

	Logger *slog.Logger
}

// Queue is a bounded delivery sink. Deliver never blocks: when the queue
// is full the message is dropped and logged.
type Queue struct {
	provider provider.Provider
	config   QueueConfig
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan *email.Message
	wg     sync.WaitGroup
}

// NewQueue starts the workers of a queue feeding p.
func NewQueue(p provider.Provider, cfg QueueConfig) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	q := &Queue{
		provider: p,
		config:   cfg,
		logger:   logger.With("provider", p.Name()),
		ch:       make(chan *email.Message, cfg.Size),
	}

	q.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go q.worker()
	}
	return q
}

// Deliver enqueues msg. It matches smtp.DeliveryFunc.
func (q *Queue) Deliver(msg *email.Message) {
	if err := q.Enqueue(msg); err != nil {
		metricDelivered.WithLabelValues(q.provider.Name(), "dropped").Inc()
		q.logger.Error("message dropped",
			"message_id", msg.ID,
			"connection_id", msg.ConnectionID,
			"error", err,
		)
	}
}

// Enqueue adds msg to the queue without blocking.
func (q *Queue) Enqueue(msg *email.Message) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.ch <- msg:
		metricQueueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of messages waiting for a worker.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting messages and waits for the workers to drain the
// queue or for ctx to end, whichever comes first.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for msg := range q.ch {
		metricQueueDepth.Dec()
		q.send(msg)
	}
}

func (q *Queue) send(msg *email.Message) {
	logger := q.logger.With("message_id", msg.ID, "connection_id", msg.ConnectionID)

	defer func() {
		if r := recover(); r != nil {
			metricDelivered.WithLabelValues(q.provider.Name(), "error").Inc()
			logger.Error("provider panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), q.config.SendTimeout)
	defer cancel()

	start := time.Now()
	err := q.provider.Send(ctx, msg)
	metricDeliveryDuration.WithLabelValues(q.provider.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		metricDelivered.WithLabelValues(q.provider.Name(), "error").Inc()
		logger.Error("delivery failed", "error", err)
		return
	}

	metricDelivered.WithLabelValues(q.provider.Name(), "ok").Inc()
	logger.Info("message delivered",
		"from", addressOf(msg),
		"recipients", len(msg.Recipients()),
		"subject", msg.Subject,
	)
}

func addressOf(msg *email.Message) string {
	if msg.From == nil {
		return ""
	}
	return msg.From.Address
}
