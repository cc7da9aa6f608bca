package nodecollector

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aaronlmathis/kmon/internal/metrics"
	"github.com/aaronlmathis/kmon/internal/model"
	"github.com/aaronlmathis/kmon/internal/source"
)

// Config holds the collection loop configuration
type Config struct {
	CollectInterval time.Duration
	FetchTimeout    time.Duration
}

// Collector periodically invokes the metric source, normalizes the
// result, and keeps the most recent successful snapshot available for
// the read endpoint (stale-but-available semantics).
type Collector struct {
	logger *zap.Logger
	src    source.Source
	config Config

	mu        sync.RWMutex
	latest    *model.RawMetricSnapshot
	fetchedAt time.Time

	stopCh chan struct{}
	done   chan struct{}
}

// NewCollector creates a new node collector around the given source
func NewCollector(logger *zap.Logger, src source.Source, config Config) *Collector {
	return &Collector{
		logger: logger,
		src:    src,
		config: config,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins the collection loop
func (c *Collector) Start(ctx context.Context) {
	c.logger.Info("Starting node collector",
		zap.String("source", c.src.Name()),
		zap.Duration("collectInterval", c.config.CollectInterval),
		zap.Duration("fetchTimeout", c.config.FetchTimeout),
	)

	go c.run(ctx)
}

// Stop gracefully shuts down the collection loop
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.done
}

// run executes the main collection loop
func (c *Collector) run(ctx context.Context) {
	defer close(c.done)

	// Collect once immediately so the endpoint becomes available without
	// waiting out the first interval.
	c.collect(ctx)

	ticker := time.NewTicker(c.config.CollectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Node collector stopped due to context cancellation")
			return
		case <-c.stopCh:
			c.logger.Info("Node collector stopped gracefully")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// collect performs one fetch-and-normalize cycle. Failures keep the
// previous snapshot in place; the next tick retries.
func (c *Collector) collect(ctx context.Context) {
	start := time.Now()
	fetchCtx, cancel := context.WithTimeout(ctx, c.config.FetchTimeout)
	defer cancel()

	snap, err := c.src.Fetch(fetchCtx)
	metrics.RecordSourceScrape(c.src.Name(), time.Since(start), err != nil)
	if err != nil {
		c.logger.Warn("Metric source fetch failed",
			zap.String("source", c.src.Name()),
			zap.Error(err),
		)
		return
	}

	normalized := Normalize(snap)

	c.mu.Lock()
	c.latest = normalized
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	c.logger.Debug("Snapshot collected",
		zap.String("node", normalized.NodeName),
		zap.Int("records", len(normalized.Records)),
	)
}

// Latest returns the most recent successful snapshot and when it was
// fetched. It returns model.ErrNotYetAvailable if no fetch has ever
// succeeded, so callers can distinguish "no data yet" from an empty
// snapshot.
func (c *Collector) Latest() (*model.RawMetricSnapshot, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.latest == nil {
		return nil, time.Time{}, model.ErrNotYetAvailable
	}
	return c.latest, c.fetchedAt, nil
}
