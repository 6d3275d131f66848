package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nft-marketplace-api/internal/metrics"
	"nft-marketplace-api/internal/model"
	"nft-marketplace-api/internal/repository"

	"github.com/sirupsen/logrus"
)

// EventPublisher delivers committed marketplace events downstream.
// Events arrive in sequence order; a batch may be redelivered after a failure.
type EventPublisher interface {
	Publish(ctx context.Context, events []model.Event) error
}

// RelayConfig holds configuration for the event relay.
type RelayConfig struct {
	// Interval is how often the relay polls the store when not woken.
	// Default: 1 second
	Interval time.Duration

	// BatchSize caps the events read and published at once.
	// Default: 100
	BatchSize int

	// Cursor names the stored position of this relay.
	// Default: "relay"
	Cursor string
}

// DefaultRelayConfig returns default relay configuration.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Interval:  time.Second,
		BatchSize: 100,
		Cursor:    "relay",
	}
}

// RelayStatus is a snapshot of the relay for the admin API.
type RelayStatus struct {
	Running   bool      `json:"running"`
	Cursor    uint64    `json:"cursor"`
	Published uint64    `json:"published"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// EventRelay copies committed events from the store's log to a publisher.
// The cursor is advanced only after a batch is published, so delivery is
// at-least-once and in order.
type EventRelay struct {
	store     repository.Store
	publisher EventPublisher
	config    RelayConfig
	metrics   *metrics.Metrics
	log       logrus.FieldLogger

	ticker    *time.Ticker
	wakeCh    chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
	isRunning bool
	mu        sync.Mutex

	runMu  sync.Mutex
	status RelayStatus
}

// NewEventRelay creates a new event relay.
func NewEventRelay(store repository.Store, publisher EventPublisher, config RelayConfig, m *metrics.Metrics, log logrus.FieldLogger) *EventRelay {
	def := DefaultRelayConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Cursor == "" {
		config.Cursor = def.Cursor
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &EventRelay{
		store:     store,
		publisher: publisher,
		config:    config,
		metrics:   m,
		log:       log.WithField("component", "relay"),
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins relaying in the background.
func (r *EventRelay) Start() {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return
	}
	r.isRunning = true
	r.ticker = time.NewTicker(r.config.Interval)
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"interval": r.config.Interval, "batch": r.config.BatchSize}).Info("Started")

	go r.run()
}

// Wake asks the relay to run soon. It never blocks.
func (r *EventRelay) Wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

func (r *EventRelay) run() {
	defer close(r.doneCh)
	r.runOnce()
	for {
		select {
		case <-r.ticker.C:
			r.runOnce()
		case <-r.wakeCh:
			r.runOnce()
		case <-r.stopCh:
			r.log.Info("Stopped")
			return
		}
	}
}

func (r *EventRelay) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := r.RunNow(ctx); err != nil {
		r.log.WithError(err).Warn("Relay run failed")
	}
}

// Stop stops the relay and waits for an in-flight run to finish.
func (r *EventRelay) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		running := r.isRunning
		if r.ticker != nil {
			r.ticker.Stop()
		}
		close(r.stopCh)
		r.isRunning = false
		r.mu.Unlock()

		if running {
			<-r.doneCh
		}
	})
}

// RunNow publishes every event after the cursor and returns how many were
// published.
func (r *EventRelay) RunNow(ctx context.Context) (int, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	published, err := r.drain(ctx)
	r.status.LastRun = time.Now().UTC()
	r.status.Published += uint64(published)
	if err != nil {
		r.status.LastError = err.Error()
		r.metrics.RelayFailed()
		return published, err
	}
	r.status.LastError = ""
	return published, nil
}

func (r *EventRelay) drain(ctx context.Context) (int, error) {
	cursor, err := r.store.GetCursor(ctx, r.config.Cursor)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	r.status.Cursor = cursor

	total := 0
	for {
		batch, err := r.store.ListEvents(ctx, cursor, r.config.BatchSize)
		if err != nil {
			return total, fmt.Errorf("list events after %d: %w", cursor, err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		if err := r.publisher.Publish(ctx, batch); err != nil {
			return total, fmt.Errorf("publish events %d-%d: %w", batch[0].Seq, batch[len(batch)-1].Seq, err)
		}
		next := batch[len(batch)-1].Seq
		if err := r.store.SetCursor(ctx, r.config.Cursor, next); err != nil {
			return total, fmt.Errorf("save cursor: %w", err)
		}

		cursor = next
		total += len(batch)
		r.status.Cursor = cursor
		r.metrics.RelayProgress(cursor, len(batch))
		r.log.WithFields(logrus.Fields{"count": len(batch), "cursor": cursor}).Debug("Published events")

		if len(batch) < r.config.BatchSize {
			return total, nil
		}
	}
}

// Status returns a snapshot of the relay's progress.
func (r *EventRelay) Status() RelayStatus {
	r.mu.Lock()
	running := r.isRunning
	r.mu.Unlock()

	r.runMu.Lock()
	defer r.runMu.Unlock()
	s := r.status
	s.Running = running
	return s
}
