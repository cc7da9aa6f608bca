package registry

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/aaronlmathis/kmon/internal/metrics"
	"github.com/aaronlmathis/kmon/internal/model"
)

// InconsistentError indicates the control-plane node listing failed and
// the registry kept its last-known state.
type InconsistentError struct {
	Cause error
}

func (e *InconsistentError) Error() string {
	return fmt.Sprintf("control-plane node listing failed, retaining last-known registry: %v", e.Cause)
}

func (e *InconsistentError) Unwrap() error {
	return e.Cause
}

// Entry tracks one known node collector endpoint
type Entry struct {
	NodeName            string
	Endpoint            string
	LastAttempt         time.Time
	LastSuccess         time.Time
	ConsecutiveFailures int

	// LastGood is the last successfully fetched snapshot, retained so the
	// aggregator can serve it tagged stale while within the staleness ceiling.
	LastGood *model.RawMetricSnapshot
}

// Registry tracks node collector endpoints reconciled against the
// control-plane node list. It is mutated only by the aggregation cycle
// driver; concurrent readers get copies via Snapshot.
type Registry struct {
	logger     *zap.Logger
	kubeClient kubernetes.Interface
	port       int

	mu                      sync.RWMutex
	entries                 map[string]*Entry
	lastListSuccess         time.Time
	firstListFailure        time.Time
	consecutiveListFailures int
}

// New creates a registry that derives endpoints from node addresses and
// the given collector port.
func New(logger *zap.Logger, kubeClient kubernetes.Interface, port int) *Registry {
	return &Registry{
		logger:     logger,
		kubeClient: kubeClient,
		port:       port,
		entries:    make(map[string]*Entry),
	}
}

// Reconcile synchronizes the registry against the control-plane node
// list: new nodes are added, endpoints refreshed, and nodes the
// control-plane no longer reports are removed. On listing failure the
// last-known registry is retained and an *InconsistentError is returned.
func (r *Registry) Reconcile(ctx context.Context) error {
	nodes, err := r.kubeClient.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		metrics.RecordRegistryListError()
		r.mu.Lock()
		r.consecutiveListFailures++
		if r.firstListFailure.IsZero() {
			r.firstListFailure = time.Now()
		}
		failures := r.consecutiveListFailures
		r.mu.Unlock()

		r.logger.Warn("Failed to list nodes, retaining last-known registry",
			zap.Int("consecutiveFailures", failures),
			zap.Error(err),
		)
		return &InconsistentError{Cause: err}
	}

	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveListFailures = 0
	r.firstListFailure = time.Time{}
	r.lastListSuccess = now

	current := make(map[string]bool, len(nodes.Items))
	for i := range nodes.Items {
		node := &nodes.Items[i]
		current[node.Name] = true

		endpoint, err := endpointFor(node, r.port)
		if err != nil {
			r.logger.Warn("Skipping node without usable address",
				zap.String("node", node.Name),
				zap.Error(err),
			)
			continue
		}

		entry, exists := r.entries[node.Name]
		if !exists {
			r.entries[node.Name] = &Entry{NodeName: node.Name, Endpoint: endpoint}
			r.logger.Info("Node discovered",
				zap.String("node", node.Name),
				zap.String("endpoint", endpoint),
			)
			continue
		}
		if entry.Endpoint != endpoint {
			r.logger.Info("Node endpoint changed",
				zap.String("node", node.Name),
				zap.String("old", entry.Endpoint),
				zap.String("new", endpoint),
			)
			entry.Endpoint = endpoint
		}
	}

	for name := range r.entries {
		if !current[name] {
			delete(r.entries, name)
			r.logger.Info("Node removed from registry", zap.String("node", name))
		}
	}

	metrics.UpdateRegistrySize(len(r.entries))
	return nil
}

// Snapshot returns a copy of all entries, fixing the node set for one
// aggregation cycle. Mid-cycle registry changes do not affect the copy.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, *entry)
	}
	return entries
}

// RecordSuccess updates an entry after a successful fetch. The entry may
// have been removed mid-cycle; the update is then dropped.
func (r *Registry) RecordSuccess(nodeName string, snap *model.RawMetricSnapshot, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[nodeName]
	if !exists {
		return
	}
	entry.LastAttempt = at
	entry.LastSuccess = at
	entry.ConsecutiveFailures = 0
	entry.LastGood = snap
}

// RecordFailure updates an entry after a failed fetch attempt
func (r *Registry) RecordFailure(nodeName string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[nodeName]
	if !exists {
		return
	}
	entry.LastAttempt = at
	entry.ConsecutiveFailures++
}

// Size returns the number of tracked nodes
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ControlPlaneHealthy reports whether the control-plane has been
// reachable within the given ceiling. Before any successful listing,
// health degrades only once failures have persisted past the ceiling,
// measured from the first failed attempt.
func (r *Registry) ControlPlaneHealthy(ceiling time.Duration, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.lastListSuccess.IsZero() {
		return now.Sub(r.lastListSuccess) < ceiling
	}
	if r.firstListFailure.IsZero() {
		return true
	}
	return now.Sub(r.firstListFailure) < ceiling
}

// endpointFor derives a node collector endpoint from node addresses,
// preferring InternalIP over Hostname.
func endpointFor(node *corev1.Node, port int) (string, error) {
	var hostname string
	for _, addr := range node.Status.Addresses {
		switch addr.Type {
		case corev1.NodeInternalIP:
			return "http://" + net.JoinHostPort(addr.Address, strconv.Itoa(port)), nil
		case corev1.NodeHostName:
			hostname = addr.Address
		}
	}
	if hostname != "" {
		return "http://" + net.JoinHostPort(hostname, strconv.Itoa(port)), nil
	}
	return "", fmt.Errorf("node %s has no InternalIP or Hostname address", node.Name)
}
