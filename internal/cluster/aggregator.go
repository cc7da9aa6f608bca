package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aaronlmathis/kmon/internal/metrics"
	"github.com/aaronlmathis/kmon/internal/model"
	"github.com/aaronlmathis/kmon/internal/registry"
)

// Config holds the aggregation cycle configuration
type Config struct {
	// FetchTimeout bounds each per-node fetch independently of the others.
	FetchTimeout time.Duration

	// StalenessCeiling is the maximum age at which a node's last-known
	// snapshot is still included (tagged stale) after a fetch failure.
	// Beyond it the node is omitted from the aggregate.
	StalenessCeiling time.Duration

	// DegradedCeiling is how long the control-plane may be unreachable
	// before the serving API reports degraded health.
	DegradedCeiling time.Duration

	// MaxConcurrent bounds the fan-out width per cycle.
	MaxConcurrent int
}

// Aggregator drives refresh cycles: it reconciles the node registry,
// fans out one bounded fetch per node, and assembles the results into an
// aggregated snapshot. It is the single writer of the registry.
type Aggregator struct {
	logger   *zap.Logger
	registry *registry.Registry
	fetcher  SnapshotFetcher
	config   Config
}

// NewAggregator creates a new aggregation cycle driver
func NewAggregator(logger *zap.Logger, reg *registry.Registry, fetcher SnapshotFetcher, config Config) *Aggregator {
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 16
	}
	return &Aggregator{
		logger:   logger,
		registry: reg,
		fetcher:  fetcher,
		config:   config,
	}
}

// RunCycle performs one full aggregation cycle. The node set is fixed at
// cycle start; a single slow or unreachable node never delays the others
// beyond its own timeout, and partial success is the expected steady
// state. The returned snapshot's timestamp is set only after every fetch
// has settled.
func (a *Aggregator) RunCycle(ctx context.Context) (*model.AggregatedSnapshot, error) {
	cycleStart := time.Now()

	if err := a.registry.Reconcile(ctx); err != nil {
		// Keep aggregating from the last-known registry; only a registry
		// that has never been populated makes the cycle unservable.
		if a.registry.Size() == 0 {
			return nil, fmt.Errorf("no known nodes and reconciliation failed: %w", err)
		}
		a.logger.Warn("Proceeding with last-known registry", zap.Error(err))
	}

	entries := a.registry.Snapshot()

	var mu sync.Mutex
	nodes := make(map[string]model.NodeSnapshot, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.config.MaxConcurrent)

	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			ns, ok := a.fetchOne(gctx, entry)
			if !ok {
				return nil
			}
			mu.Lock()
			nodes[entry.NodeName] = ns
			mu.Unlock()
			return nil
		})
	}

	// Workers never return errors; Wait is purely a join point.
	_ = g.Wait()

	snapshot := &model.AggregatedSnapshot{
		ID:           uuid.NewString(),
		AggregatedAt: time.Now(),
		Nodes:        nodes,
	}

	fresh, stale := 0, 0
	for _, ns := range nodes {
		if ns.Stale {
			stale++
		} else {
			fresh++
		}
	}
	metrics.RecordAggregationCycle(time.Since(cycleStart), fresh, stale)

	a.logger.Info("Aggregation cycle complete",
		zap.String("snapshotId", snapshot.ID),
		zap.Int("nodesTotal", len(entries)),
		zap.Int("nodesFresh", fresh),
		zap.Int("nodesStale", stale),
		zap.Duration("duration", time.Since(cycleStart)),
	)

	return snapshot, nil
}

// fetchOne fetches a single node with its own timeout and applies the
// failure retention policy. The bool result reports whether the node
// belongs in the aggregate at all.
func (a *Aggregator) fetchOne(ctx context.Context, entry registry.Entry) (model.NodeSnapshot, bool) {
	fetchStart := time.Now()
	fetchCtx, cancel := context.WithTimeout(ctx, a.config.FetchTimeout)
	defer cancel()

	snap, err := a.fetcher.FetchNode(fetchCtx, entry)
	now := time.Now()

	if err == nil {
		metrics.RecordNodeFetch("success", now.Sub(fetchStart))
		a.registry.RecordSuccess(entry.NodeName, snap, now)
		return model.NodeSnapshot{Snapshot: snap, Stale: false, FetchedAt: now}, true
	}

	metrics.RecordNodeFetch("error", now.Sub(fetchStart))
	a.registry.RecordFailure(entry.NodeName, now)
	a.logger.Warn("Node fetch failed",
		zap.String("node", entry.NodeName),
		zap.String("endpoint", entry.Endpoint),
		zap.Error(err),
	)

	// Retain the last-known-good snapshot tagged stale while it is
	// younger than the staleness ceiling; beyond that the node is
	// treated as absent rather than served as current.
	if entry.LastGood != nil && now.Sub(entry.LastGood.CollectedAt) < a.config.StalenessCeiling {
		return model.NodeSnapshot{Snapshot: entry.LastGood, Stale: true, FetchedAt: entry.LastSuccess}, true
	}

	return model.NodeSnapshot{}, false
}

// Degraded reports whether the control-plane has been unreachable for
// longer than the configured ceiling. The process keeps serving the last
// good cache either way.
func (a *Aggregator) Degraded() bool {
	return !a.registry.ControlPlaneHealthy(a.config.DegradedCeiling, time.Now())
}
