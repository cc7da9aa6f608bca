package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/aaronlmathis/kmon/internal/metrics"
	"github.com/aaronlmathis/kmon/internal/model"
)

// ErrRefreshTimeout indicates an in-flight refresh exceeded its bound.
// The coalescing flight is released so the next trigger can retry.
var ErrRefreshTimeout = errors.New("snapshot refresh timed out")

// State describes the slot's position in its lifecycle
type State string

const (
	// StateEmpty means no snapshot has ever been produced
	StateEmpty State = "empty"
	// StatePopulated means the snapshot is younger than the freshness window
	StatePopulated State = "populated"
	// StateStale means the snapshot has outlived the freshness window
	StateStale State = "stale"
)

// RefreshFunc produces a new aggregated snapshot
type RefreshFunc func(ctx context.Context) (*model.AggregatedSnapshot, error)

const refreshKey = "refresh"

// Slot holds the current aggregated snapshot and governs its freshness.
// Readers receive immutable snapshot references; the slot pointer is
// swapped on refresh, never mutated in place. Concurrent refresh
// triggers collapse into a single in-flight attempt.
type Slot struct {
	logger         *zap.Logger
	refresh        RefreshFunc
	freshness      time.Duration
	ceiling        time.Duration
	refreshTimeout time.Duration

	mu          sync.RWMutex
	current     *model.AggregatedSnapshot
	lastAttempt time.Time

	group singleflight.Group

	stopCh chan struct{}
	done   chan struct{}
}

// NewSlot creates a cache slot around the given refresh function.
// freshness is the window within which reads are served without
// triggering a refresh; ceiling is the maximum age a stale snapshot may
// reach while refreshes keep failing before the slot empties (zero
// disables the ceiling); refreshTimeout bounds each refresh attempt.
func NewSlot(logger *zap.Logger, refresh RefreshFunc, freshness, ceiling, refreshTimeout time.Duration) *Slot {
	return &Slot{
		logger:         logger,
		refresh:        refresh,
		freshness:      freshness,
		ceiling:        ceiling,
		refreshTimeout: refreshTimeout,
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Get returns the current snapshot according to the slot state machine:
//   - Populated: returned immediately, no refresh triggered.
//   - Stale: returned immediately while a refresh runs in the background.
//   - Empty: blocks until the first refresh settles or ctx expires; this
//     is the only read that ever waits on collection work.
func (s *Slot) Get(ctx context.Context) (*model.AggregatedSnapshot, error) {
	current := s.Current()

	if current == nil {
		metrics.RecordCacheRead(string(StateEmpty))
		return s.waitForFirst(ctx)
	}

	if current.Age(time.Now()) >= s.freshness {
		metrics.RecordCacheRead(string(StateStale))
		s.triggerAsync()
		return current, nil
	}

	metrics.RecordCacheRead(string(StatePopulated))
	return current, nil
}

// Current returns the snapshot reference without side effects, or nil
// when the slot is empty.
func (s *Slot) Current() *model.AggregatedSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// State reports the slot's current lifecycle state
func (s *Slot) State() State {
	current := s.Current()
	switch {
	case current == nil:
		return StateEmpty
	case current.Age(time.Now()) >= s.freshness:
		return StateStale
	default:
		return StatePopulated
	}
}

// Run drives the ordinary refresh cadence: one attempt per interval,
// shared with read-triggered attempts through the coalescing group.
// Failed attempts wait for the next tick; they never tighten the loop.
func (s *Slot) Run(ctx context.Context, interval time.Duration) {
	go func() {
		defer close(s.done)

		// Populate eagerly so the first external read does not block.
		s.refreshOnce()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Cache refresh loop stopped due to context cancellation")
				return
			case <-s.stopCh:
				s.logger.Info("Cache refresh loop stopped gracefully")
				return
			case <-ticker.C:
				s.refreshOnce()
			}
		}
	}()
}

// Stop gracefully shuts down the refresh loop started by Run
func (s *Slot) Stop() {
	close(s.stopCh)
	<-s.done
}

// waitForFirst blocks on the in-flight (or newly started) refresh until
// it settles or the caller's context expires.
func (s *Slot) waitForFirst(ctx context.Context) (*model.AggregatedSnapshot, error) {
	ch := s.group.DoChan(refreshKey, s.doRefresh)

	select {
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, ErrRefreshTimeout) {
				return nil, ErrRefreshTimeout
			}
			return nil, fmt.Errorf("%w: initial refresh failed: %v", model.ErrNotYetAvailable, res.Err)
		}
		return res.Val.(*model.AggregatedSnapshot), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrRefreshTimeout
		}
		return nil, ctx.Err()
	}
}

// triggerAsync starts a background refresh unless one already ran within
// the ordinary cadence. Stale readers are never blocked on it.
func (s *Slot) triggerAsync() {
	s.mu.RLock()
	recentAttempt := time.Since(s.lastAttempt) < s.freshness
	s.mu.RUnlock()
	if recentAttempt {
		return
	}

	go s.refreshOnce()
}

// refreshOnce runs one coalesced refresh attempt and waits for it
func (s *Slot) refreshOnce() {
	_, err, _ := s.group.Do(refreshKey, s.doRefresh)
	if err != nil {
		s.logger.Warn("Snapshot refresh failed", zap.Error(err))
	}
}

// dropBeyondCeiling empties the slot when refreshes keep failing past
// the staleness ceiling, so readers see NotYetAvailable again instead
// of arbitrarily old data served as stale.
func (s *Slot) dropBeyondCeiling() {
	if s.ceiling <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.Age(time.Now()) >= s.ceiling {
		s.logger.Warn("Dropping aggregated snapshot past staleness ceiling",
			zap.String("snapshotId", s.current.ID),
			zap.Duration("age", s.current.Age(time.Now())),
			zap.Duration("ceiling", s.ceiling),
		)
		s.current = nil
	}
}

// doRefresh is the single refresh body shared by all triggers. It is
// bounded by the refresh timeout independent of any reader's context, so
// a departing reader does not cancel the work.
func (s *Slot) doRefresh() (interface{}, error) {
	start := time.Now()

	s.mu.Lock()
	s.lastAttempt = start
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.refreshTimeout)
	defer cancel()

	snapshot, err := s.refresh(ctx)
	duration := time.Since(start)

	if err != nil {
		metrics.RecordCacheRefresh("error", duration)
		s.dropBeyondCeiling()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrRefreshTimeout
		}
		return nil, err
	}

	s.mu.Lock()
	s.current = snapshot
	s.mu.Unlock()

	metrics.RecordCacheRefresh("success", duration)
	s.logger.Debug("Snapshot refreshed",
		zap.String("snapshotId", snapshot.ID),
		zap.Int("nodes", len(snapshot.Nodes)),
		zap.Duration("duration", duration),
	)

	return snapshot, nil
}
