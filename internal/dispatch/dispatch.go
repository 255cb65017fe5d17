// Package dispatch delivers committed audit records to registered
// consumers. Each consumer gets its own delivery loop reading the ledger
// in sequence order from the consumer's acknowledged offset, so consumers
// are fully independent: a slow or failing consumer never holds back the
// others. Delivery is at-least-once; unacknowledged records are
// redelivered with exponential backoff until acknowledged or
// dead-lettered.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dVeza/changetrail/internal/change"
)

// RecordSource is the slice of the ledger the dispatcher needs.
// Implemented by ledger.Store.
type RecordSource interface {
	Read(ctx context.Context, fromSeq int64, limit int) ([]change.AuditRecord, error)
	ConsumerOffset(ctx context.Context, consumerID string) (int64, error)
	SetConsumerOffset(ctx context.Context, consumerID string, seq int64) error
	WriteDeadLetter(ctx context.Context, stage, scope, reason, payload string) (int64, error)
}

// Config bounds delivery retries and in-flight windows.
type Config struct {
	// RetryBase is the first redelivery delay; each further attempt
	// doubles it up to RetryCap. Jitter is applied on top.
	RetryBase time.Duration
	RetryCap  time.Duration
	// MaxAttempts is the number of deliveries before a record is
	// dead-lettered and skipped for this consumer.
	MaxAttempts int
	// WindowSize caps unacknowledged records in flight per consumer;
	// pulling from the ledger pauses until acks catch up.
	WindowSize int
	// PollInterval bounds how long an idle loop sleeps between ledger
	// checks when no commit notification arrives.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 32
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Dispatcher fans committed records out to consumers.
type Dispatcher struct {
	store  RecordSource
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a Dispatcher over the given record source.
func New(store RecordSource, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		subs:   make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register starts a delivery loop for the consumer. fromSeq < 0 resumes
// from the consumer's persisted offset; fromSeq >= 0 starts after that
// sequence instead (0 replays from the beginning). A consumer ID can be
// registered only once at a time.
func (d *Dispatcher) Register(ctx context.Context, consumerID string, fromSeq int64) (*Subscription, error) {
	if consumerID == "" {
		return nil, fmt.Errorf("register: empty consumer id")
	}

	offset := fromSeq
	if fromSeq < 0 {
		stored, err := d.store.ConsumerOffset(ctx, consumerID)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", consumerID, err)
		}
		offset = stored
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if _, ok := d.subs[consumerID]; ok {
		return nil, fmt.Errorf("register: consumer %q already registered", consumerID)
	}

	sub := newSubscription(d, consumerID, offset)
	d.subs[consumerID] = sub
	go sub.run(ctx)

	d.logger.Info("consumer registered", "consumer", consumerID, "from_seq", offset)
	return sub, nil
}

// Notify wakes every delivery loop; called after new records commit so
// idle loops do not wait out their poll interval.
func (d *Dispatcher) Notify() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range d.subs {
		sub.notify()
	}
}

// Close stops all delivery loops and rejects further registrations.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	subs := make([]*Subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		subs = append(subs, sub)
	}
	d.closed = true
	d.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (d *Dispatcher) unregister(consumerID string) {
	d.mu.Lock()
	delete(d.subs, consumerID)
	d.mu.Unlock()
}

// ErrClosed is returned by Register after Close.
var ErrClosed = fmt.Errorf("dispatcher closed")
