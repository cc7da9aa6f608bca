package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aaronlmathis/kmon/internal/model"
	"github.com/aaronlmathis/kmon/internal/registry"
	"github.com/aaronlmathis/kmon/internal/source"
)

// SnapshotFetcher fetches one node collector's current snapshot
type SnapshotFetcher interface {
	FetchNode(ctx context.Context, entry registry.Entry) (*model.RawMetricSnapshot, error)
}

// NodeClient fetches snapshots from node collector endpoints over HTTP
type NodeClient struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewNodeClient creates an HTTP client for node collector endpoints.
// Per-request deadlines come from the caller's context; the client
// timeout is only a backstop.
func NewNodeClient(logger *zap.Logger) *NodeClient {
	return &NodeClient{
		logger:     logger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchNode retrieves the current snapshot from one node collector.
// Transport failures, timeouts, and NotYetAvailable responses all map to
// *source.SourceUnavailableError so the aggregator applies one retention
// policy for every per-node failure mode.
func (c *NodeClient) FetchNode(ctx context.Context, entry registry.Entry) (*model.RawMetricSnapshot, error) {
	url := entry.Endpoint + "/api/v1/snapshot"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &source.SourceUnavailableError{Node: entry.NodeName, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &source.SourceUnavailableError{Node: entry.NodeName, Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		var errBody model.ErrorResponse
		if json.Unmarshal(body, &errBody) == nil && errBody.Error == model.ErrorNotYetAvailable {
			return nil, &source.SourceUnavailableError{
				Node:  entry.NodeName,
				Cause: model.ErrNotYetAvailable,
			}
		}
		c.logger.Debug("Node collector returned error",
			zap.String("node", entry.NodeName),
			zap.Int("status", resp.StatusCode),
			zap.String("response", string(body)),
		)
		return nil, &source.SourceUnavailableError{
			Node:  entry.NodeName,
			Cause: fmt.Errorf("node collector returned status %d", resp.StatusCode),
		}
	}

	var nodeResp model.NodeSnapshotResponse
	if err := json.Unmarshal(body, &nodeResp); err != nil {
		return nil, &source.SourceUnavailableError{
			Node:  entry.NodeName,
			Cause: fmt.Errorf("failed to unmarshal snapshot response: %w", err),
		}
	}
	if nodeResp.Snapshot == nil {
		return nil, &source.SourceUnavailableError{
			Node:  entry.NodeName,
			Cause: fmt.Errorf("snapshot response missing snapshot body"),
		}
	}

	return nodeResp.Snapshot, nil
}
