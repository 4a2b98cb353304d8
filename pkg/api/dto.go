package api

import (
	"time"

	"github.com/cuemby/notebroker/pkg/types"
)

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

func formatTime(t time.Time) string {
	return t.Format(rfc3339Milli)
}

// submitExecutionRequest is the body of POST /v1/executions.
type submitExecutionRequest struct {
	NotebookKey string `json:"notebook_key"`
	CellIndex   int    `json:"cell_index"`
	Source      string `json:"source"`
	TaskID      string `json:"task_id,omitempty"`
}

type submitExecutionResponse struct {
	TaskID string `json:"task_id"`
}

// submitInputRequest is the body of POST /v1/executions/input?task_id=...
type submitInputRequest struct {
	NotebookKey string `json:"notebook_key"`
	Value       string `json:"value"`
}

type executionResponse struct {
	TaskID       string `json:"task_id"`
	NotebookKey  string `json:"notebook_key"`
	CellIndex    int    `json:"cell_index"`
	Source       string `json:"source"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
	StartedAt    string `json:"started_at,omitempty"`
	CompletedAt  string `json:"completed_at,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Retries      int    `json:"retries"`
}

func newExecutionResponse(e *types.Execution) executionResponse {
	resp := executionResponse{
		TaskID:       e.TaskID,
		NotebookKey:  e.NotebookKey,
		CellIndex:    e.CellIndex,
		Source:       e.Source,
		Status:       string(e.Status),
		CreatedAt:    formatTime(e.CreatedAt),
		ErrorMessage: e.ErrorMessage,
		Retries:      e.Retries,
	}
	if !e.StartedAt.IsZero() {
		resp.StartedAt = formatTime(e.StartedAt)
	}
	if !e.CompletedAt.IsZero() {
		resp.CompletedAt = formatTime(e.CompletedAt)
	}
	return resp
}

type sessionResponse struct {
	NotebookKey string `json:"notebook_key"`
	StartedAt   string `json:"started_at"`
	KernelPID   int    `json:"kernel_pid,omitempty"`
	Status      string `json:"status"`
}

type listSessionsResponse struct {
	Sessions []sessionResponse `json:"sessions"`
}

type pruneAssetsRequest struct {
	NotebookKey string   `json:"notebook_key"`
	Referenced  []string `json:"referenced"`
	DryRun      bool     `json:"dry_run"`
}

type pruneAssetsResponse struct {
	Renewed []string          `json:"renewed"`
	Deleted []string          `json:"deleted"`
	Kept    []string          `json:"kept"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func newPruneAssetsResponse(r *types.PruneReport) pruneAssetsResponse {
	return pruneAssetsResponse{
		Renewed: r.Renewed,
		Deleted: r.Deleted,
		Kept:    r.Kept,
		Errors:  r.Errors,
	}
}

type fetchAssetResponse struct {
	MIME        string `json:"mime"`
	Base64Bytes string `json:"base64_bytes"`
}

// notificationResponse is the wire shape of one broker-initiated message on
// the /v1/notifications stream (spec.md §6).
type notificationResponse struct {
	Kind        string      `json:"kind"`
	NotebookKey string      `json:"notebook_key"`
	TaskID      string      `json:"task_id,omitempty"`
	Output      *outputDTO  `json:"output,omitempty"`
	Status      string      `json:"status,omitempty"`
	Prompt      string      `json:"prompt,omitempty"`
	KernelMsgID string      `json:"kernel_msg_id,omitempty"`
	Emitted     string      `json:"emitted"`
}

type outputDTO struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

func newNotificationResponse(n types.Notification) notificationResponse {
	resp := notificationResponse{
		Kind:        string(n.Kind),
		NotebookKey: n.NotebookKey,
		TaskID:      n.TaskID,
		Status:      string(n.Status),
		Prompt:      n.Prompt,
		KernelMsgID: n.KernelMsgID,
		Emitted:     formatTime(n.Emitted),
	}
	if n.Output != nil {
		resp.Output = &outputDTO{Kind: string(n.Output.Kind), Payload: n.Output.Payload}
	}
	return resp
}

type errorResponse struct {
	Error string `json:"error"`
}
