package sync

import (
	"context"
	"log/slog"
	"math/rand/v2"
	gosync "sync"
	"time"

	"github.com/stacklok/gitkv/internal/telemetry"
)

const (
	// DefaultInterval is the polling interval used when none is configured
	DefaultInterval = 30 * time.Second

	// jitterFraction bounds the random offset applied to each interval
	jitterFraction = 0.1
)

// Reloader is the part of the storage the coordinator drives
type Reloader interface {
	Reload(ctx context.Context, ref string) <-chan struct{}
	DeleteRef(ref string)
}

// Coordinator polls the repository for reference changes and refreshes the
// affected reference caches
type Coordinator struct {
	detector *ChangeDetector
	storage  Reloader
	interval time.Duration
	metrics  *telemetry.StoreMetrics

	mu         gosync.Mutex
	stopped    bool
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// Option is a function that configures the coordinator
type Option func(*Coordinator)

// WithInterval sets the polling interval
func WithInterval(interval time.Duration) Option {
	return func(c *Coordinator) {
		if interval > 0 {
			c.interval = interval
		}
	}
}

// WithStoreMetrics sets the metrics recording observed changes
func WithStoreMetrics(metrics *telemetry.StoreMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

// New creates a coordinator refreshing storage from the targets of repo
func New(repo TargetLister, storage Reloader, opts ...Option) *Coordinator {
	c := &Coordinator{
		detector: NewChangeDetector(repo),
		storage:  storage,
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// nextInterval returns the interval with up to ±10% jitter applied
func (c *Coordinator) nextInterval() time.Duration {
	jitter := int64(float64(c.interval) * jitterFraction)
	if jitter <= 0 {
		return c.interval
	}
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for polling jitter
	return c.interval + time.Duration(rand.Int64N(2*jitter)-jitter)
}

// Start polls immediately and then on every interval until ctx is
// cancelled or Stop is called. The first poll ever made only records the
// baseline. It blocks; run it in its own goroutine. A coordinator
// runs at most once: Start returns immediately after a previous Start or Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped || c.done != nil {
		c.mu.Unlock()
		return nil
	}
	pollCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	defer func() {
		cancel()
		close(done)
		slog.Info("Reference watcher stopped")
	}()

	slog.Info("Starting reference watcher", "interval", c.interval)
	if _, err := c.Poll(pollCtx); err != nil {
		slog.Error("Failed to poll references", "error", err)
	}

	ticker := time.NewTicker(c.nextInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := c.Poll(pollCtx); err != nil {
				slog.Error("Failed to poll references", "error", err)
			}
			ticker.Reset(c.nextInterval())
		case <-pollCtx.Done():
			return nil
		}
	}
}

// Stop cancels a running Start and waits for it to return
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	c.stopped = true
	cancel, done := c.cancelFunc, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// Poll runs one detection round and applies the changes to the storage
func (c *Coordinator) Poll(ctx context.Context) (Changes, error) {
	changes, err := c.detector.Detect()
	if err != nil {
		return Changes{}, err
	}
	if changes.Empty() {
		return changes, nil
	}

	slog.Info("References changed",
		"moved", len(changes.Moved),
		"created", len(changes.Created),
		"deleted", len(changes.Deleted))

	for _, ref := range changes.Moved {
		slog.Debug("Reloading moved reference", "ref", ref)
		c.metrics.RecordReferenceChange(ctx, ref, "moved")
		c.storage.Reload(ctx, ref)
	}
	for _, ref := range changes.Deleted {
		slog.Debug("Dropping deleted reference", "ref", ref)
		c.metrics.RecordReferenceChange(ctx, ref, "deleted")
		c.storage.DeleteRef(ref)
	}
	for _, ref := range changes.Created {
		c.metrics.RecordReferenceChange(ctx, ref, "created")
	}
	return changes, nil
}
