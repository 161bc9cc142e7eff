// Package api holds the wire-level types shared by the kiln server, the
// execution dispatcher, the sidecar client and kilnctl. Everything here is
// JSON-stable: handlers and the admin CLI round-trip these structs as-is.
package api

import (
	"time"
)

// ExecutionStatus is the terminal state of one execution as reported to the
// caller. Status is derived from the exit code alone; stderr content never
// changes it.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusTimeout   ExecutionStatus = "timeout"
)

// ContainerSource records whether an execution was served by a pre-warmed
// pod or one created on demand.
type ContainerSource string

const (
	SourcePoolHit  ContainerSource = "pool_hit"
	SourcePoolMiss ContainerSource = "pool_miss"
)

// TimeoutExitCode is the synthetic exit code reported when the sidecar did
// not answer within the requested timeout plus grace.
const TimeoutExitCode = 124

// ExecutionRequest is the body of POST /exec.
type ExecutionRequest struct {
	Code     string `json:"code" validate:"required"`
	Language string `json:"language" validate:"required"`
	// Timeout is in seconds; zero means the configured default. Values above
	// the configured ceiling are capped, not rejected.
	Timeout      int           `json:"timeout,omitempty" validate:"omitempty,min=1"`
	CaptureState bool          `json:"capture_state,omitempty"`
	InitialState string        `json:"initial_state,omitempty"`
	Files        []RequestFile `json:"files,omitempty" validate:"dive"`
	// SessionID groups file outputs and captured state. A fresh one is
	// generated when absent.
	SessionID string `json:"session_id,omitempty"`
}

// RequestFile is one file shipped inline with an execution request.
// Content is base64 on the wire.
type RequestFile struct {
	Filename string `json:"filename" validate:"required"`
	Content  []byte `json:"content"`
}

// ExecutionResult is the dispatcher's structured outcome. It is always
// produced, error paths included; transport and sidecar failures are shaped
// into exit codes and stderr rather than Go errors.
type ExecutionResult struct {
	ExitCode        int              `json:"exit_code"`
	Stdout          string           `json:"stdout"`
	Stderr          string           `json:"stderr"`
	ExecutionTimeMS int64            `json:"execution_time_ms"`
	MemoryPeakMB    *float64         `json:"memory_peak_mb,omitempty"`
	State           string           `json:"state,omitempty"`
	StateErrors     []string         `json:"state_errors,omitempty"`
	FilesProduced   []FileDescriptor `json:"files_produced,omitempty"`
	ContainerSource ContainerSource  `json:"container_source,omitempty"`
}

// ExecutionResponse is the body of the POST /exec reply.
type ExecutionResponse struct {
	ExecutionID     string           `json:"execution_id"`
	Status          ExecutionStatus  `json:"status"`
	Stdout          string           `json:"stdout"`
	Stderr          string           `json:"stderr"`
	ExitCode        int              `json:"exit_code"`
	ExecutionTimeMS int64            `json:"execution_time_ms"`
	MemoryPeakMB    *float64         `json:"memory_peak_mb,omitempty"`
	SessionID       string           `json:"session_id,omitempty"`
	Outputs         []FileDescriptor `json:"outputs"`
	State           string           `json:"state,omitempty"`
	StateErrors     []string         `json:"state_errors,omitempty"`
}

// FileDescriptor describes one stored session file.
type FileDescriptor struct {
	FileID      string    `json:"fileId"`
	Filename    string    `json:"filename"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentType string    `json:"content_type,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// UploadResponse is the body of the POST /upload reply.
type UploadResponse struct {
	SessionID string           `json:"session_id"`
	Files     []FileDescriptor `json:"files"`
}

// SidecarExecuteRequest is the payload POSTed to the in-pod sidecar.
type SidecarExecuteRequest struct {
	Code         string `json:"code"`
	TimeoutS     int    `json:"timeout_s"`
	WorkingDir   string `json:"working_dir,omitempty"`
	InitialState string `json:"initial_state,omitempty"`
	CaptureState bool   `json:"capture_state,omitempty"`
}

// SidecarExecuteResponse is the sidecar's reply. Field names are the sidecar
// contract; the dispatcher maps them onto ExecutionResult.
type SidecarExecuteResponse struct {
	ExitCode        int           `json:"exit_code"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	ExecutionTimeMS int64         `json:"execution_time_ms"`
	MemoryPeakMB    *float64      `json:"memory_peak_mb,omitempty"`
	State           string        `json:"state,omitempty"`
	StateErrors     []string      `json:"state_errors,omitempty"`
	FilesProduced   []SidecarFile `json:"files_produced,omitempty"`
}

// SidecarFile is one file the sidecar reports as written by user code.
// Content is inlined base64 for files small enough to ship in the reply;
// larger files carry only the descriptor.
type SidecarFile struct {
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Content   []byte `json:"content,omitempty"`
}

// RateLimits carries the five optional per-window ceilings of a key.
// A nil window means unlimited for that period.
type RateLimits struct {
	PerSecond *int `json:"per_second,omitempty" validate:"omitempty,min=1"`
	PerMinute *int `json:"per_minute,omitempty" validate:"omitempty,min=1"`
	Hourly    *int `json:"hourly,omitempty" validate:"omitempty,min=1"`
	Daily     *int `json:"daily,omitempty" validate:"omitempty,min=1"`
	Monthly   *int `json:"monthly,omitempty" validate:"omitempty,min=1"`
}

// KeySource distinguishes admin-created keys from process-environment keys.
type KeySource string

const (
	SourceManaged     KeySource = "managed"
	SourceEnvironment KeySource = "environment"
)

// APIKeyResponse is the admin-facing view of one key record. The full key
// value never appears here.
type APIKeyResponse struct {
	KeyHash    string            `json:"key_hash"`
	KeyPrefix  string            `json:"key_prefix"`
	Name       string            `json:"name"`
	Enabled    bool              `json:"enabled"`
	CreatedAt  time.Time         `json:"created_at"`
	LastUsedAt *time.Time        `json:"last_used_at,omitempty"`
	UsageCount int64             `json:"usage_count"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	RateLimits RateLimits        `json:"rate_limits"`
	Source     KeySource         `json:"source"`
}

// CreateKeyRequest is the body of POST /admin/keys.
type CreateKeyRequest struct {
	Name       string            `json:"name" validate:"required"`
	RateLimits *RateLimits       `json:"rate_limits,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// CreateKeyResponse is the only place the full key value is ever returned.
type CreateKeyResponse struct {
	APIKey string         `json:"api_key"`
	Record APIKeyResponse `json:"record"`
}

// UpdateKeyRequest is the body of PATCH /admin/keys/{hash}. Nil fields are
// left unchanged.
type UpdateKeyRequest struct {
	Name       *string     `json:"name,omitempty"`
	Enabled    *bool       `json:"enabled,omitempty"`
	RateLimits *RateLimits `json:"rate_limits,omitempty"`
}

// WindowStatus reports usage of one rate-limit window.
type WindowStatus struct {
	Window    string    `json:"window"`
	Limit     *int      `json:"limit,omitempty"`
	Used      int64     `json:"used"`
	Remaining *int64    `json:"remaining,omitempty"`
	ResetsAt  time.Time `json:"resets_at"`
	Exceeded  bool      `json:"exceeded"`
}

// ErrorResponse is the uniform error body of the HTTP surface.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// StateResponse is the body of GET /state/{session}.
type StateResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}
