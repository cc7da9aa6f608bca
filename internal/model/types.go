package model

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrNotYetAvailable indicates that no snapshot has ever been produced.
// Callers must distinguish this state from an empty cluster snapshot.
var ErrNotYetAvailable = errors.New("snapshot not yet available")

// Canonical label keys used to identify the subject of a metric record.
const (
	LabelPod       = "pod"
	LabelNamespace = "namespace"
	LabelContainer = "container"
)

// Canonical units for metric values.
const (
	UnitCores = "cores"
	UnitBytes = "bytes"
	UnitCount = "count"
)

// MetricRecord is a single measured quantity. The (Name, Labels) pair
// uniquely identifies the record within one snapshot.
type MetricRecord struct {
	Name   string            `json:"name"`
	Value  float64           `json:"value"`
	Unit   string            `json:"unit"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Key returns the composite identity of the record: its name plus the
// sorted label set.
func (r MetricRecord) Key() string {
	if len(r.Labels) == 0 {
		return r.Name
	}

	keys := make([]string, 0, len(r.Labels))
	for k := range r.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(r.Name)
	for _, k := range keys {
		b.WriteByte('{')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(r.Labels[k])
		b.WriteByte('}')
	}
	return b.String()
}

// RawMetricSnapshot is a per-node point-in-time measurement set.
// It is immutable once produced; consumers share references, never copies.
type RawMetricSnapshot struct {
	NodeName    string         `json:"nodeName"`
	CollectedAt time.Time      `json:"collectedAt"`
	Records     []MetricRecord `json:"records"`
}

// Age returns how old the snapshot is relative to now.
func (s *RawMetricSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CollectedAt)
}

// NodeSnapshot wraps one node's snapshot inside an aggregate, carrying
// per-node staleness metadata so consumers can apply their own
// acceptance policy.
type NodeSnapshot struct {
	Snapshot  *RawMetricSnapshot `json:"snapshot"`
	Stale     bool               `json:"stale"`
	FetchedAt time.Time          `json:"fetchedAt"`
}

// AggregatedSnapshot is the union of all current per-node snapshots,
// keyed by node name. AggregatedAt reflects the wall-clock moment the
// union was assembled, after every fetch in the cycle settled.
type AggregatedSnapshot struct {
	ID           string                  `json:"id"`
	AggregatedAt time.Time               `json:"aggregatedAt"`
	Nodes        map[string]NodeSnapshot `json:"nodes"`
}

// Age returns how old the aggregate is relative to now.
func (s *AggregatedSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.AggregatedAt)
}

// StaleNodes returns the sorted names of nodes whose entries are marked stale.
func (s *AggregatedSnapshot) StaleNodes() []string {
	var names []string
	for name, ns := range s.Nodes {
		if ns.Stale {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// NodeSnapshotResponse is the wire form served by a node collector's
// snapshot endpoint and consumed by the cluster collector.
type NodeSnapshotResponse struct {
	Snapshot   *RawMetricSnapshot `json:"snapshot"`
	AgeSeconds float64            `json:"ageSeconds"`
}

// ErrorResponse is the machine-readable error body returned by both
// HTTP surfaces, so pollers can distinguish "no data yet" from failures
// without out-of-band knowledge.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ErrorNotYetAvailable is the wire identifier for ErrNotYetAvailable.
const ErrorNotYetAvailable = "NotYetAvailable"
