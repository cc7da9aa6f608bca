package cluster

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/aaronlmathis/kmon/internal/model"
	"github.com/aaronlmathis/kmon/internal/registry"
	"github.com/aaronlmathis/kmon/internal/source"
)

// stubFetcher routes each node to its own canned fetch behavior.
type stubFetcher struct {
	byNode map[string]func(ctx context.Context) (*model.RawMetricSnapshot, error)
}

func (f *stubFetcher) FetchNode(ctx context.Context, entry registry.Entry) (*model.RawMetricSnapshot, error) {
	fn, ok := f.byNode[entry.NodeName]
	if !ok {
		return nil, &source.SourceUnavailableError{Node: entry.NodeName, Cause: fmt.Errorf("no stub")}
	}
	return fn(ctx)
}

func succeed(node string) func(ctx context.Context) (*model.RawMetricSnapshot, error) {
	return func(ctx context.Context) (*model.RawMetricSnapshot, error) {
		return &model.RawMetricSnapshot{NodeName: node, CollectedAt: time.Now()}, nil
	}
}

func fail(node string) func(ctx context.Context) (*model.RawMetricSnapshot, error) {
	return func(ctx context.Context) (*model.RawMetricSnapshot, error) {
		return nil, &source.SourceUnavailableError{Node: node, Cause: fmt.Errorf("connection refused")}
	}
}

// hang blocks until the per-node context expires.
func hang(node string) func(ctx context.Context) (*model.RawMetricSnapshot, error) {
	return func(ctx context.Context) (*model.RawMetricSnapshot, error) {
		<-ctx.Done()
		return nil, &source.SourceUnavailableError{Node: node, Cause: ctx.Err()}
	}
}

func clusterNode(name, ip string) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status: corev1.NodeStatus{
			Addresses: []corev1.NodeAddress{{Type: corev1.NodeInternalIP, Address: ip}},
		},
	}
}

func testAggregator(t *testing.T, client *fake.Clientset, fetcher SnapshotFetcher, cfg Config) (*Aggregator, *registry.Registry) {
	t.Helper()
	reg := registry.New(zaptest.NewLogger(t), client, 9778)
	return NewAggregator(zaptest.NewLogger(t), reg, fetcher, cfg), reg
}

func TestAggregator_RunCycleAllNodesHealthy(t *testing.T) {
	client := fake.NewSimpleClientset(
		clusterNode("node-a", "10.0.0.1"),
		clusterNode("node-b", "10.0.0.2"),
		clusterNode("node-c", "10.0.0.3"),
	)
	fetcher := &stubFetcher{byNode: map[string]func(ctx context.Context) (*model.RawMetricSnapshot, error){
		"node-a": succeed("node-a"),
		"node-b": succeed("node-b"),
		"node-c": succeed("node-c"),
	}}

	agg, _ := testAggregator(t, client, fetcher, Config{
		FetchTimeout:     time.Second,
		StalenessCeiling: 5 * time.Minute,
		DegradedCeiling:  2 * time.Minute,
	})

	snap, err := agg.RunCycle(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, snap.ID)
	assert.False(t, snap.AggregatedAt.IsZero())
	require.Len(t, snap.Nodes, 3)
	for name, ns := range snap.Nodes {
		assert.False(t, ns.Stale, "node %s should be fresh", name)
		assert.Equal(t, name, ns.Snapshot.NodeName)
	}
	assert.Empty(t, snap.StaleNodes())
}

func TestAggregator_RunCycleSnapshotIDsAreUnique(t *testing.T) {
	client := fake.NewSimpleClientset(clusterNode("node-a", "10.0.0.1"))
	fetcher := &stubFetcher{byNode: map[string]func(ctx context.Context) (*model.RawMetricSnapshot, error){
		"node-a": succeed("node-a"),
	}}

	agg, _ := testAggregator(t, client, fetcher, Config{
		FetchTimeout:     time.Second,
		StalenessCeiling: 5 * time.Minute,
	})

	first, err := agg.RunCycle(context.Background())
	require.NoError(t, err)
	second, err := agg.RunCycle(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
}

func TestAggregator_FailedNodeServedStaleWithinCeiling(t *testing.T) {
	client := fake.NewSimpleClientset(
		clusterNode("node-a", "10.0.0.1"),
		clusterNode("node-b", "10.0.0.2"),
	)
	fetcher := &stubFetcher{byNode: map[string]func(ctx context.Context) (*model.RawMetricSnapshot, error){
		"node-a": succeed("node-a"),
		"node-b": succeed("node-b"),
	}}

	agg, _ := testAggregator(t, client, fetcher, Config{
		FetchTimeout:     time.Second,
		StalenessCeiling: 5 * time.Minute,
	})

	// First cycle succeeds for both nodes and seeds last-good snapshots.
	first, err := agg.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Nodes, 2)
	lastGood := first.Nodes["node-b"].Snapshot

	// Second cycle: node-b is down. Its last-good snapshot is served,
	// tagged stale, instead of disappearing from the aggregate.
	fetcher.byNode["node-b"] = fail("node-b")

	second, err := agg.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, second.Nodes, 2)

	assert.False(t, second.Nodes["node-a"].Stale)
	assert.True(t, second.Nodes["node-b"].Stale)
	assert.Equal(t, lastGood, second.Nodes["node-b"].Snapshot)
	assert.Equal(t, []string{"node-b"}, second.StaleNodes())
}

func TestAggregator_FailedNodeDroppedBeyondCeiling(t *testing.T) {
	client := fake.NewSimpleClientset(clusterNode("node-a", "10.0.0.1"))
	fetcher := &stubFetcher{byNode: map[string]func(ctx context.Context) (*model.RawMetricSnapshot, error){
		"node-a": func(ctx context.Context) (*model.RawMetricSnapshot, error) {
			return &model.RawMetricSnapshot{
				NodeName: "node-a",
				// Older than the ceiling once the node starts failing.
				CollectedAt: time.Now().Add(-time.Minute),
			}, nil
		},
	}}

	agg, _ := testAggregator(t, client, fetcher, Config{
		FetchTimeout:     time.Second,
		StalenessCeiling: 30 * time.Second,
	})

	first, err := agg.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Nodes, 1)

	fetcher.byNode["node-a"] = fail("node-a")

	second, err := agg.RunCycle(context.Background())
	require.NoError(t, err)
	// Data past the ceiling is dropped rather than served as current.
	assert.Empty(t, second.Nodes)
}

func TestAggregator_FailedNodeWithoutHistoryIsAbsent(t *testing.T) {
	client := fake.NewSimpleClientset(
		clusterNode("node-a", "10.0.0.1"),
		clusterNode("node-b", "10.0.0.2"),
	)
	fetcher := &stubFetcher{byNode: map[string]func(ctx context.Context) (*model.RawMetricSnapshot, error){
		"node-a": succeed("node-a"),
		"node-b": fail("node-b"),
	}}

	agg, _ := testAggregator(t, client, fetcher, Config{
		FetchTimeout:     time.Second,
		StalenessCeiling: 5 * time.Minute,
	})

	snap, err := agg.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Nodes, 1)
	assert.Contains(t, snap.Nodes, "node-a")
}

func TestAggregator_SlowNodeDoesNotBlockOthers(t *testing.T) {
	client := fake.NewSimpleClientset(
		clusterNode("node-a", "10.0.0.1"),
		clusterNode("node-b", "10.0.0.2"),
	)
	fetcher := &stubFetcher{byNode: map[string]func(ctx context.Context) (*model.RawMetricSnapshot, error){
		"node-a": succeed("node-a"),
		"node-b": hang("node-b"),
	}}

	agg, _ := testAggregator(t, client, fetcher, Config{
		FetchTimeout:     50 * time.Millisecond,
		StalenessCeiling: 5 * time.Minute,
	})

	start := time.Now()
	snap, err := agg.RunCycle(context.Background())
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Len(t, snap.Nodes, 1)
	assert.Contains(t, snap.Nodes, "node-a")
	// The cycle settles once the hanging node hits its own timeout.
	assert.Less(t, elapsed, time.Second)
}

func TestAggregator_ReconcileFailureWithEmptyRegistry(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("list", "nodes", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, fmt.Errorf("apiserver unavailable")
	})

	agg, _ := testAggregator(t, client, &stubFetcher{}, Config{
		FetchTimeout:     time.Second,
		StalenessCeiling: 5 * time.Minute,
	})

	_, err := agg.RunCycle(context.Background())
	assert.Error(t, err)
}

func TestAggregator_ReconcileFailureUsesLastKnownRegistry(t *testing.T) {
	client := fake.NewSimpleClientset(clusterNode("node-a", "10.0.0.1"))
	fetcher := &stubFetcher{byNode: map[string]func(ctx context.Context) (*model.RawMetricSnapshot, error){
		"node-a": succeed("node-a"),
	}}

	agg, _ := testAggregator(t, client, fetcher, Config{
		FetchTimeout:     time.Second,
		StalenessCeiling: 5 * time.Minute,
	})

	_, err := agg.RunCycle(context.Background())
	require.NoError(t, err)

	client.PrependReactor("list", "nodes", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, fmt.Errorf("apiserver unavailable")
	})

	// The cycle keeps serving from the last-known node set.
	snap, err := agg.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 1)
	assert.Contains(t, snap.Nodes, "node-a")
}

func TestAggregator_Degraded(t *testing.T) {
	client := fake.NewSimpleClientset(clusterNode("node-a", "10.0.0.1"))
	fetcher := &stubFetcher{byNode: map[string]func(ctx context.Context) (*model.RawMetricSnapshot, error){
		"node-a": succeed("node-a"),
	}}

	agg, _ := testAggregator(t, client, fetcher, Config{
		FetchTimeout:     time.Second,
		StalenessCeiling: 5 * time.Minute,
		DegradedCeiling:  2 * time.Minute,
	})

	_, err := agg.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, agg.Degraded())
}
