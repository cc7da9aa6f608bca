package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/aaronlmathis/kmon/internal/model"
)

// Source fetches a raw metric snapshot from a node-local metric API.
// Implementations perform a single bounded remote read with no retries;
// retry policy belongs to the caller.
type Source interface {
	// Name identifies the source implementation for logs and telemetry.
	Name() string

	// Fetch returns a point-in-time snapshot or a *SourceUnavailableError
	// when the source cannot be reached within the context deadline.
	Fetch(ctx context.Context) (*model.RawMetricSnapshot, error)
}

// SourceUnavailableError indicates a transient per-node failure: the
// metric source could not be reached or did not answer in time.
type SourceUnavailableError struct {
	Node  string
	Cause error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("metric source unavailable for node %s: %v", e.Node, e.Cause)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Cause
}

// IsSourceUnavailable reports whether err is a SourceUnavailableError.
func IsSourceUnavailable(err error) bool {
	var target *SourceUnavailableError
	return errors.As(err, &target)
}
