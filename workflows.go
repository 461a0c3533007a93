package workersdk

import (
	"fmt"
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowQueued     WorkflowStatus = "queued"
	WorkflowRunning    WorkflowStatus = "running"
	WorkflowPaused     WorkflowStatus = "paused"
	WorkflowWaiting    WorkflowStatus = "waiting"
	WorkflowErrored    WorkflowStatus = "errored"
	WorkflowTerminated WorkflowStatus = "terminated"
	WorkflowComplete   WorkflowStatus = "complete"
)

// workflowStatuses enumerates every valid status, used for validation.
var workflowStatuses = []WorkflowStatus{
	WorkflowQueued, WorkflowRunning, WorkflowPaused, WorkflowWaiting,
	WorkflowErrored, WorkflowTerminated, WorkflowComplete,
}

// ParseWorkflowStatus validates a user-supplied status filter.
func ParseWorkflowStatus(s string) (WorkflowStatus, error) {
	for _, st := range workflowStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown workflow status %q", s)
}

// Terminal reports whether the instance will never change state again.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowErrored, WorkflowTerminated, WorkflowComplete:
		return true
	}
	return false
}

// WorkflowInstance is one run of a workflow.
type WorkflowInstance struct {
	ID           string         `json:"id"`
	WorkflowName string         `json:"workflow_name"`
	Status       WorkflowStatus `json:"status"`
	Error        string         `json:"error,omitempty"`
	Output       string         `json:"output,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ModifiedAt   time.Time      `json:"modified_at"`
}

// Describe renders a one-line human summary for CLI listings.
func (w *WorkflowInstance) Describe() string {
	age := time.Since(w.CreatedAt).Round(time.Second)
	s := fmt.Sprintf("%s  %-10s  started %s ago", w.ID, w.Status, age)
	if w.Status == WorkflowErrored && w.Error != "" {
		s += "  (" + w.Error + ")"
	}
	return s
}
