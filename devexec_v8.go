//go:build v8

package workersdk

import (
	"errors"
	"time"
)

// DevExecutor is unavailable under the v8 build tag. Local dev execution
// runs on the QuickJS engine only; the V8 backend has no pooled dev path.
type DevExecutor struct{}

// NewDevExecutor always fails under the v8 build tag.
func NewDevExecutor(string, *DevBindings, time.Duration) (*DevExecutor, error) {
	return nil, errors.New("local dev execution requires the QuickJS engine (build without the v8 tag)")
}

// Execute is never reachable: NewDevExecutor refuses to construct.
func (e *DevExecutor) Execute(*WorkerRequest) *WorkerResult {
	return &WorkerResult{Error: errors.New("local dev execution requires the QuickJS engine (build without the v8 tag)")}
}

// Close is a no-op.
func (e *DevExecutor) Close() {}
