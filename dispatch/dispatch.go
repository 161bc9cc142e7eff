// Package dispatch turns execution requests into sidecar RPCs. It owns the
// request-to-pod hot path: acquire a pod, push files, POST the code, shape
// whatever comes back into an ExecutionResult and destroy the pod.
//
// Execute never returns an error for execution failures. Transport trouble,
// sidecar crashes and timeouts all become results with synthetic exit codes
// so the HTTP layer has exactly one success shape to serialise.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/kilnrun/kiln/api"
	"github.com/kilnrun/kiln/language"
	"github.com/kilnrun/kiln/metrics"
	"github.com/kilnrun/kiln/sandbox"
	"github.com/kilnrun/kiln/support/config"
)

const (
	// sidecarGrace is added on top of the user timeout so the sidecar can
	// report its own timeout before the HTTP call gives up.
	sidecarGrace = 5 * time.Second

	// activeTTL bounds how long finished execution records stay queryable.
	activeTTL   = 24 * time.Hour
	activeSweep = time.Hour
)

// blockedExtensions are never accepted as generated outputs.
var blockedExtensions = map[string]struct{}{
	".exe": {}, ".bat": {}, ".cmd": {}, ".sh": {}, ".ps1": {}, ".scr": {}, ".com": {},
}

// PodPlane is the slice of the pool manager the dispatcher uses.
type PodPlane interface {
	Acquire(ctx context.Context, code, sessionID string) (*sandbox.Handle, api.ContainerSource, error)
	Release(ctx context.Context, h *sandbox.Handle, destroy bool)
	Execute(ctx context.Context, h *sandbox.Handle, req api.SidecarExecuteRequest, timeout time.Duration) (*api.SidecarExecuteResponse, error)
	UploadFiles(ctx context.Context, h *sandbox.Handle, files []api.RequestFile) error
}

// FileSaver persists validated output files so they become downloadable.
// Implemented by session.Store; nil disables output persistence.
type FileSaver interface {
	SaveFile(ctx context.Context, session, filename string, content []byte) (api.FileDescriptor, error)
}

// Recorder receives finished execution metrics. Implemented by metrics.Sink.
type Recorder interface {
	RecordExecution(ctx context.Context, m metrics.ExecutionMetric)
}

// Execution is one entry in the active-executions registry.
type Execution struct {
	ExecutionID string              `json:"execution_id"`
	SessionID   string              `json:"session_id,omitempty"`
	Language    string              `json:"language"`
	Status      api.ExecutionStatus `json:"status"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
	ExitCode    int                 `json:"exit_code"`
}

// Outcome is what Execute hands back to the HTTP layer.
type Outcome struct {
	ExecutionID string
	Status      api.ExecutionStatus
	Result      api.ExecutionResult
}

// Dispatcher drives executions end to end.
type Dispatcher struct {
	pods   PodPlane
	reg    *language.Registry
	cfg    *config.Config
	files  FileSaver
	rec    Recorder
	log    logr.Logger
	active *gocache.Cache

	now func() time.Time
}

func New(pods PodPlane, reg *language.Registry, cfg *config.Config, files FileSaver, rec Recorder, log logr.Logger) *Dispatcher {
	return &Dispatcher{
		pods:   pods,
		reg:    reg,
		cfg:    cfg,
		files:  files,
		rec:    rec,
		log:    log.WithName("dispatch"),
		active: gocache.New(activeTTL, activeSweep),
		now:    time.Now,
	}
}

// Execute runs one request. keyHash tags the metric; sessionID groups
// outputs and state, and a fresh one is minted when empty.
func (d *Dispatcher) Execute(ctx context.Context, req api.ExecutionRequest, sessionID, keyHash string) Outcome {
	executionID := uuid.NewString()
	started := d.now()

	lang, supported := d.reg.Get(req.Language)
	if !supported {
		out := d.finish(ctx, executionID, sessionID, req.Language, started, "", api.ExecutionResult{
			ExitCode: 1,
			Stderr:   fmt.Sprintf("Unsupported language: %s", req.Language),
		}, keyHash, len(req.Files))
		return out
	}

	d.active.SetDefault(executionID, &Execution{
		ExecutionID: executionID,
		SessionID:   sessionID,
		Language:    lang.Code,
		Status:      api.StatusPending,
		StartedAt:   started.UTC(),
	})

	handle, source, err := d.pods.Acquire(ctx, lang.Code, sessionID)
	if err != nil {
		d.log.Error(err, "acquiring sandbox pod", "language", lang.Code, "executionID", executionID)
		return d.finish(ctx, executionID, sessionID, lang.Code, started, source, api.ExecutionResult{
			ExitCode: 1,
			Stderr:   "No pod available",
		}, keyHash, len(req.Files))
	}

	result := d.executeOnPod(ctx, handle, lang, req, executionID)
	result.ContainerSource = source

	d.pods.Release(ctx, handle, true)

	result.Stdout = sanitizeOutput(result.Stdout)
	result.Stderr = sanitizeOutput(result.Stderr)
	return d.finish(ctx, executionID, sessionID, lang.Code, started, source, result, keyHash, len(req.Files))
}

// executeOnPod uploads files and runs the code against one pod's sidecar.
func (d *Dispatcher) executeOnPod(ctx context.Context, handle *sandbox.Handle, lang language.Language, req api.ExecutionRequest, executionID string) api.ExecutionResult {
	if len(req.Files) > 0 {
		// Upload trouble is not fatal: the code may not need the files.
		if err := d.pods.UploadFiles(ctx, handle, req.Files); err != nil {
			d.log.Error(err, "uploading request files", "pod", handle.Name, "executionID", executionID)
		}
	}

	timeoutS := d.effectiveTimeout(req.Timeout, lang)
	payload := api.SidecarExecuteRequest{
		Code:         req.Code,
		TimeoutS:     timeoutS,
		WorkingDir:   "/workspace",
		InitialState: req.InitialState,
		CaptureState: req.CaptureState,
	}

	callTimeout := time.Duration(timeoutS)*time.Second + sidecarGrace
	resp, err := d.pods.Execute(ctx, handle, payload, callTimeout)
	if err != nil {
		return d.shapeTransportFailure(err, timeoutS, callTimeout)
	}

	result := api.ExecutionResult{
		ExitCode:        resp.ExitCode,
		Stdout:          resp.Stdout,
		Stderr:          resp.Stderr,
		ExecutionTimeMS: resp.ExecutionTimeMS,
		MemoryPeakMB:    resp.MemoryPeakMB,
		State:           resp.State,
		StateErrors:     resp.StateErrors,
	}
	result.FilesProduced = d.collectOutputs(ctx, handle.SessionID, req.Files, resp.FilesProduced)
	return result
}

// shapeTransportFailure maps a sidecar call error onto the synthetic result
// contract: 124 for timeouts, "Sidecar error" for 5xx replies, "Execution
// error" for everything else.
func (d *Dispatcher) shapeTransportFailure(err error, timeoutS int, callTimeout time.Duration) api.ExecutionResult {
	var httpErr *sandbox.HTTPError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return api.ExecutionResult{
			ExitCode:        api.TimeoutExitCode,
			Stderr:          fmt.Sprintf("Execution timed out after %d seconds", timeoutS),
			ExecutionTimeMS: callTimeout.Milliseconds(),
		}
	case errors.As(err, &httpErr) && httpErr.StatusCode >= 500:
		return api.ExecutionResult{
			ExitCode: 1,
			Stderr:   fmt.Sprintf("Sidecar error: %s", httpErr.Body),
		}
	default:
		return api.ExecutionResult{
			ExitCode: 1,
			Stderr:   fmt.Sprintf("Execution error: %v", err),
		}
	}
}

// collectOutputs filters sidecar-reported files down to genuine outputs,
// validates them and stores inlined content so descriptors are
// downloadable. Files that fail validation are dropped with a log line.
func (d *Dispatcher) collectOutputs(ctx context.Context, sessionID string, inputs []api.RequestFile, produced []api.SidecarFile) []api.FileDescriptor {
	if len(produced) == 0 {
		return nil
	}
	uploaded := lo.SliceToMap(inputs, func(f api.RequestFile) (string, struct{}) {
		return f.Filename, struct{}{}
	})

	var descriptors []api.FileDescriptor
	for _, f := range produced {
		if _, isInput := uploaded[f.Filename]; isInput {
			continue
		}
		if err := d.validateOutput(f); err != nil {
			d.log.Info("rejecting generated file", "filename", f.Filename, "reason", err.Error())
			continue
		}
		if d.files != nil && len(f.Content) > 0 && sessionID != "" {
			desc, err := d.files.SaveFile(ctx, sessionID, f.Filename, f.Content)
			if err != nil {
				d.log.Error(err, "storing generated file", "filename", f.Filename)
				continue
			}
			descriptors = append(descriptors, desc)
			continue
		}
		descriptors = append(descriptors, api.FileDescriptor{
			Filename:  f.Filename,
			SizeBytes: f.SizeBytes,
		})
	}
	return descriptors
}

func (d *Dispatcher) validateOutput(f api.SidecarFile) error {
	if strings.Contains(f.Filename, "..") {
		return errors.New("path traversal")
	}
	if f.SizeBytes >= d.cfg.MaxFileSizeBytes() {
		return fmt.Errorf("size %d exceeds limit", f.SizeBytes)
	}
	name := strings.ToLower(f.Filename)
	for ext := range blockedExtensions {
		if strings.HasSuffix(name, ext) {
			return fmt.Errorf("blocked extension %s", ext)
		}
	}
	return nil
}

// effectiveTimeout caps the requested timeout at the configured ceiling and
// scales it by the language's multiplier for slow toolchains.
func (d *Dispatcher) effectiveTimeout(requested int, lang language.Language) int {
	timeout := time.Duration(requested) * time.Second
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	if timeout > d.cfg.MaxExecutionTime {
		timeout = d.cfg.MaxExecutionTime
	}
	if lang.TimeoutMultiplier > 1 {
		timeout = time.Duration(float64(timeout) * lang.TimeoutMultiplier)
	}
	return int(timeout / time.Second)
}

// finish derives the terminal status, updates the registry and emits the
// metric.
func (d *Dispatcher) finish(ctx context.Context, executionID, sessionID, langCode string, started time.Time, source api.ContainerSource, result api.ExecutionResult, keyHash string, filesUploaded int) Outcome {
	if result.ExecutionTimeMS == 0 {
		result.ExecutionTimeMS = d.now().Sub(started).Milliseconds()
	}
	status := DeriveStatus(result.ExitCode)

	finished := d.now().UTC()
	d.active.SetDefault(executionID, &Execution{
		ExecutionID: executionID,
		SessionID:   sessionID,
		Language:    langCode,
		Status:      status,
		StartedAt:   started.UTC(),
		FinishedAt:  &finished,
		ExitCode:    result.ExitCode,
	})

	metric := metrics.ExecutionMetric{
		ExecutionID:     executionID,
		Timestamp:       finished,
		APIKeyHash:      keyHash,
		Language:        langCode,
		Status:          status,
		ExecutionTimeMS: result.ExecutionTimeMS,
		ExitCode:        result.ExitCode,
		FilesUploaded:   filesUploaded,
		FilesGenerated:  len(result.FilesProduced),
		ContainerSource: source,
	}
	if result.MemoryPeakMB != nil {
		metric.MemoryPeakMB = *result.MemoryPeakMB
	}
	d.rec.RecordExecution(ctx, metric)

	return Outcome{ExecutionID: executionID, Status: status, Result: result}
}

// Lookup returns the registry entry for a known execution id.
func (d *Dispatcher) Lookup(executionID string) (*Execution, bool) {
	v, ok := d.active.Get(executionID)
	if !ok {
		return nil, false
	}
	return v.(*Execution), true
}

// DeriveStatus maps an exit code onto the terminal status. Stderr content
// never changes the status.
func DeriveStatus(exitCode int) api.ExecutionStatus {
	switch exitCode {
	case 0:
		return api.StatusCompleted
	case api.TimeoutExitCode:
		return api.StatusTimeout
	default:
		return api.StatusFailed
	}
}
