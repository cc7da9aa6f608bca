package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricRecord_Key(t *testing.T) {
	tests := []struct {
		name     string
		record   MetricRecord
		expected string
	}{
		{
			name:     "no labels",
			record:   MetricRecord{Name: "node_cpu_usage_cores"},
			expected: "node_cpu_usage_cores",
		},
		{
			name: "labels sorted by key",
			record: MetricRecord{
				Name: "pod_cpu_usage_cores",
				Labels: map[string]string{
					"pod":       "web-1",
					"namespace": "default",
				},
			},
			expected: "pod_cpu_usage_cores{namespace=default}{pod=web-1}",
		},
		{
			name: "container label included",
			record: MetricRecord{
				Name: "container_memory_working_set_bytes",
				Labels: map[string]string{
					"container": "app",
					"pod":       "web-1",
					"namespace": "default",
				},
			},
			expected: "container_memory_working_set_bytes{container=app}{namespace=default}{pod=web-1}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.record.Key())
		})
	}
}

func TestMetricRecord_Key_DistinguishesLabelSets(t *testing.T) {
	a := MetricRecord{Name: "pod_cpu_usage_cores", Labels: map[string]string{"pod": "a"}}
	b := MetricRecord{Name: "pod_cpu_usage_cores", Labels: map[string]string{"pod": "b"}}

	assert.NotEqual(t, a.Key(), b.Key())
}

func TestRawMetricSnapshot_Age(t *testing.T) {
	collected := time.Now().Add(-45 * time.Second)
	snap := &RawMetricSnapshot{NodeName: "node-a", CollectedAt: collected}

	age := snap.Age(collected.Add(45 * time.Second))
	assert.Equal(t, 45*time.Second, age)
}

func TestAggregatedSnapshot_StaleNodes(t *testing.T) {
	snap := &AggregatedSnapshot{
		Nodes: map[string]NodeSnapshot{
			"node-c": {Stale: true},
			"node-a": {Stale: true},
			"node-b": {Stale: false},
		},
	}

	assert.Equal(t, []string{"node-a", "node-c"}, snap.StaleNodes())
}

func TestAggregatedSnapshot_StaleNodes_NoneStale(t *testing.T) {
	snap := &AggregatedSnapshot{
		Nodes: map[string]NodeSnapshot{
			"node-a": {Stale: false},
		},
	}

	assert.Empty(t, snap.StaleNodes())
}
