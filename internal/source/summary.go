package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"k8s.io/client-go/rest"

	"github.com/aaronlmathis/kmon/internal/model"
)

// summaryResponse is the subset of the kubelet Summary API response the
// collector consumes.
type summaryResponse struct {
	Node struct {
		NodeName string `json:"nodeName"`
		CPU      struct {
			UsageNanoCores uint64 `json:"usageNanoCores"`
		} `json:"cpu"`
		Memory struct {
			UsageBytes      uint64 `json:"usageBytes"`
			WorkingSetBytes uint64 `json:"workingSetBytes"`
			AvailableBytes  uint64 `json:"availableBytes"`
		} `json:"memory"`
		Network struct {
			RxBytes    uint64 `json:"rxBytes"`
			TxBytes    uint64 `json:"txBytes"`
			Interfaces []struct {
				Name    string `json:"name"`
				RxBytes uint64 `json:"rxBytes"`
				TxBytes uint64 `json:"txBytes"`
			} `json:"interfaces"`
		} `json:"network"`
		Fs struct {
			UsedBytes      uint64 `json:"usedBytes"`
			CapacityBytes  uint64 `json:"capacityBytes"`
			AvailableBytes uint64 `json:"availableBytes"`
		} `json:"fs"`
		Runtime struct {
			ImageFs struct {
				UsedBytes     uint64 `json:"usedBytes"`
				CapacityBytes uint64 `json:"capacityBytes"`
			} `json:"imageFs"`
		} `json:"runtime"`
	} `json:"node"`
	Pods []struct {
		PodRef struct {
			Name      string `json:"name"`
			Namespace string `json:"namespace"`
		} `json:"podRef"`
		CPU struct {
			UsageNanoCores uint64 `json:"usageNanoCores"`
		} `json:"cpu"`
		Memory struct {
			WorkingSetBytes uint64 `json:"workingSetBytes"`
		} `json:"memory"`
		Network struct {
			RxBytes uint64 `json:"rxBytes"`
			TxBytes uint64 `json:"txBytes"`
		} `json:"network"`
		EphemeralStorage struct {
			UsedBytes uint64 `json:"usedBytes"`
		} `json:"ephemeral-storage"`
		Containers []struct {
			Name string `json:"name"`
			CPU  struct {
				UsageNanoCores uint64 `json:"usageNanoCores"`
			} `json:"cpu"`
			Memory struct {
				WorkingSetBytes uint64 `json:"workingSetBytes"`
			} `json:"memory"`
		} `json:"containers"`
	} `json:"pods"`
}

// SummarySource fetches node, pod, and container stats from the kubelet
// Summary API. It reads the local kubelet directly when a kubelet URL is
// configured, and falls back to the apiserver node proxy otherwise.
type SummarySource struct {
	logger     *zap.Logger
	nodeName   string
	url        string
	httpClient *http.Client
}

// NewSummarySource creates a summary source for the given node.
// kubeletURL selects direct kubelet access (e.g. the read-only port);
// when empty the apiserver node proxy is used with the rest config's
// transport, which handles both kubeconfig and in-cluster credentials.
func NewSummarySource(logger *zap.Logger, nodeName string, restConfig *rest.Config, kubeletURL string, insecureTLS bool) (*SummarySource, error) {
	if nodeName == "" {
		return nil, fmt.Errorf("node name is required")
	}

	if kubeletURL != "" {
		return &SummarySource{
			logger:     logger,
			nodeName:   nodeName,
			url:        kubeletURL + "/stats/summary",
			httpClient: &http.Client{Timeout: 30 * time.Second},
		}, nil
	}

	if restConfig == nil {
		return nil, fmt.Errorf("rest config is required when no kubelet URL is configured")
	}

	configCopy := rest.CopyConfig(restConfig)
	if insecureTLS {
		configCopy.TLSClientConfig.Insecure = true
		configCopy.TLSClientConfig.CAFile = ""
		configCopy.TLSClientConfig.CAData = nil
		logger.Warn("Summary API configured with insecure TLS - certificate verification disabled")
	}

	transport, err := rest.TransportFor(configCopy)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	return &SummarySource{
		logger:   logger,
		nodeName: nodeName,
		url:      fmt.Sprintf("%s/api/v1/nodes/%s/proxy/stats/summary", configCopy.Host, nodeName),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
	}, nil
}

// Name identifies the source implementation
func (s *SummarySource) Name() string {
	return "summary"
}

// Fetch performs one bounded read of the Summary API and converts the
// response into a raw metric snapshot.
func (s *SummarySource) Fetch(ctx context.Context) (*model.RawMetricSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &SourceUnavailableError{Node: s.nodeName, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		s.logger.Debug("Summary API request failed",
			zap.String("node", s.nodeName),
			zap.Int("status", resp.StatusCode),
			zap.String("response", string(body)),
		)
		return nil, &SourceUnavailableError{
			Node:  s.nodeName,
			Cause: fmt.Errorf("kubelet returned status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &SourceUnavailableError{Node: s.nodeName, Cause: err}
	}

	var summary summaryResponse
	if err := json.Unmarshal(body, &summary); err != nil {
		return nil, &SourceUnavailableError{
			Node:  s.nodeName,
			Cause: fmt.Errorf("failed to unmarshal summary stats: %w", err),
		}
	}

	snapshot := s.toSnapshot(&summary, time.Now())

	s.logger.Debug("Summary stats collected",
		zap.String("node", s.nodeName),
		zap.Int("records", len(snapshot.Records)),
	)

	return snapshot, nil
}

// toSnapshot flattens a summary response into metric records.
func (s *SummarySource) toSnapshot(summary *summaryResponse, now time.Time) *model.RawMetricSnapshot {
	records := make([]model.MetricRecord, 0, 8+8*len(summary.Pods))

	records = append(records,
		model.MetricRecord{Name: "node_cpu_usage_cores", Value: float64(summary.Node.CPU.UsageNanoCores) / 1e9, Unit: model.UnitCores},
		model.MetricRecord{Name: "node_memory_usage_bytes", Value: float64(summary.Node.Memory.UsageBytes), Unit: model.UnitBytes},
		model.MetricRecord{Name: "node_memory_working_set_bytes", Value: float64(summary.Node.Memory.WorkingSetBytes), Unit: model.UnitBytes},
		model.MetricRecord{Name: "node_fs_used_bytes", Value: float64(summary.Node.Fs.UsedBytes), Unit: model.UnitBytes},
		model.MetricRecord{Name: "node_fs_capacity_bytes", Value: float64(summary.Node.Fs.CapacityBytes), Unit: model.UnitBytes},
		model.MetricRecord{Name: "node_imagefs_used_bytes", Value: float64(summary.Node.Runtime.ImageFs.UsedBytes), Unit: model.UnitBytes},
	)

	// Kubelet can return network stats aggregated at the node level or
	// as a list of interfaces. Prefer the interface list when present.
	rxBytes := summary.Node.Network.RxBytes
	txBytes := summary.Node.Network.TxBytes
	if len(summary.Node.Network.Interfaces) > 0 {
		rxBytes, txBytes = 0, 0
		for _, iface := range summary.Node.Network.Interfaces {
			rxBytes += iface.RxBytes
			txBytes += iface.TxBytes
		}
	}
	records = append(records,
		model.MetricRecord{Name: "node_network_rx_bytes", Value: float64(rxBytes), Unit: model.UnitBytes},
		model.MetricRecord{Name: "node_network_tx_bytes", Value: float64(txBytes), Unit: model.UnitBytes},
	)

	for _, pod := range summary.Pods {
		podLabels := map[string]string{
			model.LabelPod:       pod.PodRef.Name,
			model.LabelNamespace: pod.PodRef.Namespace,
		}
		records = append(records,
			model.MetricRecord{Name: "pod_cpu_usage_cores", Value: float64(pod.CPU.UsageNanoCores) / 1e9, Unit: model.UnitCores, Labels: podLabels},
			model.MetricRecord{Name: "pod_memory_working_set_bytes", Value: float64(pod.Memory.WorkingSetBytes), Unit: model.UnitBytes, Labels: podLabels},
			model.MetricRecord{Name: "pod_network_rx_bytes", Value: float64(pod.Network.RxBytes), Unit: model.UnitBytes, Labels: podLabels},
			model.MetricRecord{Name: "pod_network_tx_bytes", Value: float64(pod.Network.TxBytes), Unit: model.UnitBytes, Labels: podLabels},
			model.MetricRecord{Name: "pod_ephemeral_storage_used_bytes", Value: float64(pod.EphemeralStorage.UsedBytes), Unit: model.UnitBytes, Labels: podLabels},
		)

		for _, container := range pod.Containers {
			containerLabels := map[string]string{
				model.LabelPod:       pod.PodRef.Name,
				model.LabelNamespace: pod.PodRef.Namespace,
				model.LabelContainer: container.Name,
			}
			records = append(records,
				model.MetricRecord{Name: "container_cpu_usage_cores", Value: float64(container.CPU.UsageNanoCores) / 1e9, Unit: model.UnitCores, Labels: containerLabels},
				model.MetricRecord{Name: "container_memory_working_set_bytes", Value: float64(container.Memory.WorkingSetBytes), Unit: model.UnitBytes, Labels: containerLabels},
			)
		}
	}

	return &model.RawMetricSnapshot{
		NodeName:    s.nodeName,
		CollectedAt: now,
		Records:     records,
	}
}
