package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	metricsv1beta1 "k8s.io/metrics/pkg/client/clientset/versioned/typed/metrics/v1beta1"

	"github.com/aaronlmathis/kmon/internal/model"
)

// MetricsAPISource fetches node and pod usage from metrics.k8s.io. It is
// the fallback for clusters where the kubelet Summary API is blocked;
// it carries no filesystem or network stats.
type MetricsAPISource struct {
	logger        *zap.Logger
	kubeClient    kubernetes.Interface
	metricsClient metricsv1beta1.MetricsV1beta1Interface
	nodeName      string

	mu               sync.Mutex
	hasMetricsAPI    bool
	apiCheckComplete bool
}

// NewMetricsAPISource creates a metrics.k8s.io source for the given node
func NewMetricsAPISource(logger *zap.Logger, kubeClient kubernetes.Interface, metricsClient metricsv1beta1.MetricsV1beta1Interface, nodeName string) *MetricsAPISource {
	return &MetricsAPISource{
		logger:        logger,
		kubeClient:    kubeClient,
		metricsClient: metricsClient,
		nodeName:      nodeName,
	}
}

// Name identifies the source implementation
func (m *MetricsAPISource) Name() string {
	return "metrics-api"
}

// HasMetricsAPI returns true if the Metrics API (metrics.k8s.io) is available.
// The result is cached after the first successful determination. Safe for
// concurrent use.
func (m *MetricsAPISource) HasMetricsAPI(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.apiCheckComplete {
		return m.hasMetricsAPI
	}

	apiGroupList, err := m.kubeClient.Discovery().ServerGroups()
	if err != nil {
		m.logger.Warn("Failed to discover API groups", zap.Error(err))
		return false
	}

	for _, group := range apiGroupList.Groups {
		if group.Name == "metrics.k8s.io" {
			m.hasMetricsAPI = true
			m.apiCheckComplete = true
			m.logger.Info("Metrics API (metrics.k8s.io) detected as available")
			return true
		}
	}

	// Try a test call to be sure; discovery can lag behind apiservice registration.
	if m.metricsClient != nil {
		if _, err := m.metricsClient.NodeMetricses().List(ctx, metav1.ListOptions{Limit: 1}); err == nil {
			m.hasMetricsAPI = true
			m.apiCheckComplete = true
			m.logger.Info("Metrics API confirmed available via test call")
			return true
		}
	}

	m.hasMetricsAPI = false
	m.apiCheckComplete = true
	m.logger.Info("Metrics API not available - metrics-server likely not installed")
	return false
}

// Fetch reads node and pod usage for this source's node from metrics.k8s.io
func (m *MetricsAPISource) Fetch(ctx context.Context) (*model.RawMetricSnapshot, error) {
	if m.metricsClient == nil {
		return nil, fmt.Errorf("metrics client is not configured")
	}

	nodeMetrics, err := m.metricsClient.NodeMetricses().Get(ctx, m.nodeName, metav1.GetOptions{})
	if err != nil {
		return nil, &SourceUnavailableError{Node: m.nodeName, Cause: err}
	}

	now := time.Now()
	records := make([]model.MetricRecord, 0, 16)

	nodeCores := float64(nodeMetrics.Usage.Cpu().ScaledValue(resource.Nano)) / 1e9
	records = append(records,
		model.MetricRecord{Name: "node_cpu_usage_cores", Value: nodeCores, Unit: model.UnitCores},
		model.MetricRecord{Name: "node_memory_working_set_bytes", Value: float64(nodeMetrics.Usage.Memory().Value()), Unit: model.UnitBytes},
	)

	podRecords, err := m.collectPodUsage(ctx)
	if err != nil {
		// Node-level usage alone is still a valid snapshot; pod usage is best effort.
		m.logger.Warn("Failed to collect pod usage from Metrics API",
			zap.String("node", m.nodeName),
			zap.Error(err))
	} else {
		records = append(records, podRecords...)
	}

	return &model.RawMetricSnapshot{
		NodeName:    m.nodeName,
		CollectedAt: now,
		Records:     records,
	}, nil
}

// collectPodUsage lists pod metrics cluster-wide and keeps the ones
// scheduled on this node. The Metrics API cannot filter by node, so the
// node's pod set comes from the core API.
func (m *MetricsAPISource) collectPodUsage(ctx context.Context) ([]model.MetricRecord, error) {
	pods, err := m.kubeClient.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + m.nodeName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods on node: %w", err)
	}

	onNode := make(map[string]bool, len(pods.Items))
	for _, pod := range pods.Items {
		onNode[pod.Namespace+"/"+pod.Name] = true
	}

	podMetrics, err := m.metricsClient.PodMetricses(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list pod metrics: %w", err)
	}

	var records []model.MetricRecord
	for _, pm := range podMetrics.Items {
		if !onNode[pm.Namespace+"/"+pm.Name] {
			continue
		}

		podLabels := map[string]string{
			model.LabelPod:       pm.Name,
			model.LabelNamespace: pm.Namespace,
		}

		var podCores, podMemory float64
		for _, container := range pm.Containers {
			cores := float64(container.Usage.Cpu().ScaledValue(resource.Nano)) / 1e9
			memory := float64(container.Usage.Memory().Value())
			podCores += cores
			podMemory += memory

			containerLabels := map[string]string{
				model.LabelPod:       pm.Name,
				model.LabelNamespace: pm.Namespace,
				model.LabelContainer: container.Name,
			}
			records = append(records,
				model.MetricRecord{Name: "container_cpu_usage_cores", Value: cores, Unit: model.UnitCores, Labels: containerLabels},
				model.MetricRecord{Name: "container_memory_working_set_bytes", Value: memory, Unit: model.UnitBytes, Labels: containerLabels},
			)
		}

		records = append(records,
			model.MetricRecord{Name: "pod_cpu_usage_cores", Value: podCores, Unit: model.UnitCores, Labels: podLabels},
			model.MetricRecord{Name: "pod_memory_working_set_bytes", Value: podMemory, Unit: model.UnitBytes, Labels: podLabels},
		)
	}

	return records, nil
}
