package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"

	"github.com/kilnrun/kiln/api"
	"github.com/kilnrun/kiln/language"
	"github.com/kilnrun/kiln/metrics"
	"github.com/kilnrun/kiln/sandbox"
	"github.com/kilnrun/kiln/support/config"
)

type fakePlane struct {
	mu          sync.Mutex
	acquireErr  error
	source      api.ContainerSource
	execResp    *api.SidecarExecuteResponse
	execErr     error
	uploadErr   error
	uploaded    []api.RequestFile
	released    []*sandbox.Handle
	destroyed   []bool
	lastTimeout time.Duration
	lastPayload api.SidecarExecuteRequest
}

func newFakePlane() *fakePlane {
	return &fakePlane{
		source: api.SourcePoolHit,
		execResp: &api.SidecarExecuteResponse{
			ExitCode: 0, Stdout: "hi\n", ExecutionTimeMS: 12,
		},
	}
}

func (p *fakePlane) Acquire(_ context.Context, code, sessionID string) (*sandbox.Handle, api.ContainerSource, error) {
	if p.acquireErr != nil {
		return nil, "", p.acquireErr
	}
	return &sandbox.Handle{
		UID: "uid-1", Name: "kiln-" + code + "-1", Language: code,
		PodIP: "10.0.0.1", Status: sandbox.StatusExecuting, SessionID: sessionID,
	}, p.source, nil
}

func (p *fakePlane) Release(_ context.Context, h *sandbox.Handle, destroy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, h)
	p.destroyed = append(p.destroyed, destroy)
}

func (p *fakePlane) Execute(_ context.Context, _ *sandbox.Handle, req api.SidecarExecuteRequest, timeout time.Duration) (*api.SidecarExecuteResponse, error) {
	p.mu.Lock()
	p.lastPayload = req
	p.lastTimeout = timeout
	p.mu.Unlock()
	if p.execErr != nil {
		return nil, p.execErr
	}
	return p.execResp, nil
}

func (p *fakePlane) UploadFiles(_ context.Context, _ *sandbox.Handle, files []api.RequestFile) error {
	p.mu.Lock()
	p.uploaded = append(p.uploaded, files...)
	p.mu.Unlock()
	return p.uploadErr
}

type captureRecorder struct {
	mu      sync.Mutex
	metrics []metrics.ExecutionMetric
}

func (r *captureRecorder) RecordExecution(_ context.Context, m metrics.ExecutionMetric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, m)
}

func (r *captureRecorder) last() metrics.ExecutionMetric {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics[len(r.metrics)-1]
}

type captureSaver struct {
	saved map[string][]byte
	err   error
}

func (s *captureSaver) SaveFile(_ context.Context, _, filename string, content []byte) (api.FileDescriptor, error) {
	if s.err != nil {
		return api.FileDescriptor{}, s.err
	}
	if s.saved == nil {
		s.saved = map[string][]byte{}
	}
	s.saved[filename] = content
	return api.FileDescriptor{FileID: "fid-" + filename, Filename: filename, SizeBytes: int64(len(content))}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		DefaultTimeout:   30 * time.Second,
		MaxExecutionTime: 300 * time.Second,
		MaxFileSizeMB:    1,
	}
}

func newTestDispatcher(plane *fakePlane) (*Dispatcher, *captureRecorder, *captureSaver) {
	rec := &captureRecorder{}
	saver := &captureSaver{}
	d := New(plane, language.NewRegistry(), testConfig(), saver, rec, logr.Discard())
	return d, rec, saver
}

func TestExecuteHappyPath(t *testing.T) {
	g := NewWithT(t)
	plane := newFakePlane()
	d, rec, _ := newTestDispatcher(plane)

	out := d.Execute(context.Background(), api.ExecutionRequest{
		Language: "py", Code: "print('hi')",
	}, "sess-1", "hash-1")

	g.Expect(out.ExecutionID).ToNot(BeEmpty())
	g.Expect(out.Status).To(Equal(api.StatusCompleted))
	g.Expect(out.Result.ExitCode).To(Equal(0))
	g.Expect(out.Result.Stdout).To(Equal("hi\n"))
	g.Expect(out.Result.ContainerSource).To(Equal(api.SourcePoolHit))

	// Exactly one pod used and destroyed.
	g.Expect(plane.released).To(HaveLen(1))
	g.Expect(plane.destroyed).To(Equal([]bool{true}))

	m := rec.last()
	g.Expect(m.Language).To(Equal("py"))
	g.Expect(m.Status).To(Equal(api.StatusCompleted))
	g.Expect(m.APIKeyHash).To(Equal("hash-1"))
	g.Expect(m.ContainerSource).To(Equal(api.SourcePoolHit))

	exec, ok := d.Lookup(out.ExecutionID)
	g.Expect(ok).To(BeTrue())
	g.Expect(exec.Status).To(Equal(api.StatusCompleted))
	g.Expect(exec.FinishedAt).ToNot(BeNil())
}

func TestExecuteUnsupportedLanguage(t *testing.T) {
	g := NewWithT(t)
	plane := newFakePlane()
	d, _, _ := newTestDispatcher(plane)

	out := d.Execute(context.Background(), api.ExecutionRequest{
		Language: "cobol", Code: "x",
	}, "", "")

	g.Expect(out.Status).To(Equal(api.StatusFailed))
	g.Expect(out.Result.Stderr).To(ContainSubstring("Unsupported language"))
	g.Expect(plane.released).To(BeEmpty())
}

func TestExecuteNoPodAvailable(t *testing.T) {
	g := NewWithT(t)
	plane := newFakePlane()
	plane.acquireErr = errors.New("pool exhausted")
	d, rec, _ := newTestDispatcher(plane)

	out := d.Execute(context.Background(), api.ExecutionRequest{Language: "py", Code: "x"}, "", "")

	g.Expect(out.Status).To(Equal(api.StatusFailed))
	g.Expect(out.Result.ExitCode).To(Equal(1))
	g.Expect(out.Result.Stderr).To(Equal("No pod available"))
	g.Expect(rec.last().Status).To(Equal(api.StatusFailed))
}

func TestExecuteTimeout(t *testing.T) {
	g := NewWithT(t)
	plane := newFakePlane()
	plane.execErr = context.DeadlineExceeded
	d, _, _ := newTestDispatcher(plane)

	out := d.Execute(context.Background(), api.ExecutionRequest{
		Language: "py", Code: "import time; time.sleep(60)", Timeout: 2,
	}, "", "")

	g.Expect(out.Status).To(Equal(api.StatusTimeout))
	g.Expect(out.Result.ExitCode).To(Equal(api.TimeoutExitCode))
	g.Expect(out.Result.Stderr).To(ContainSubstring("timed out after 2 seconds"))
	g.Expect(out.Result.ExecutionTimeMS).To(BeNumerically(">=", 2000))
	// The pod is still destroyed after a timeout.
	g.Expect(plane.destroyed).To(Equal([]bool{true}))
}

func TestExecuteTransportError(t *testing.T) {
	g := NewWithT(t)
	plane := newFakePlane()
	plane.execErr = errors.New("connection refused")
	d, _, _ := newTestDispatcher(plane)

	out := d.Execute(context.Background(), api.ExecutionRequest{Language: "py", Code: "x"}, "", "")

	g.Expect(out.Status).To(Equal(api.StatusFailed))
	g.Expect(out.Result.Stderr).To(HavePrefix("Execution error:"))
	g.Expect(plane.destroyed).To(Equal([]bool{true}))
}

func TestExecuteSidecarServerError(t *testing.T) {
	g := NewWithT(t)
	plane := newFakePlane()
	plane.execErr = &sandbox.HTTPError{StatusCode: 503, Body: "worker crashed"}
	d, _, _ := newTestDispatcher(plane)

	out := d.Execute(context.Background(), api.ExecutionRequest{Language: "py", Code: "x"}, "", "")

	g.Expect(out.Result.ExitCode).To(Equal(1))
	g.Expect(out.Result.Stderr).To(Equal("Sidecar error: worker crashed"))
}

func TestUploadFailureStillExecutes(t *testing.T) {
	g := NewWithT(t)
	plane := newFakePlane()
	plane.uploadErr = errors.New("upload refused")
	d, _, _ := newTestDispatcher(plane)

	out := d.Execute(context.Background(), api.ExecutionRequest{
		Language: "py", Code: "x",
		Files: []api.RequestFile{{Filename: "in.txt", Content: []byte("data")}},
	}, "", "")

	g.Expect(out.Status).To(Equal(api.StatusCompleted))
}

func TestOutputFiltersInputsAndBlockedFiles(t *testing.T) {
	g := NewWithT(t)
	plane := newFakePlane()
	plane.execResp = &api.SidecarExecuteResponse{
		ExitCode: 0,
		FilesProduced: []api.SidecarFile{
			{Filename: "in.txt", SizeBytes: 4},                              // input echo, not an output
			{Filename: "result.csv", SizeBytes: 8, Content: []byte("a,b\n")}, // genuine output
			{Filename: "evil.sh", SizeBytes: 3},                             // blocked extension
			{Filename: "../escape.txt", SizeBytes: 3},                       // traversal
			{Filename: "huge.bin", SizeBytes: 10 << 20},                     // over the cap
		},
	}
	d, _, saver := newTestDispatcher(plane)

	out := d.Execute(context.Background(), api.ExecutionRequest{
		Language: "py", Code: "x",
		Files: []api.RequestFile{{Filename: "in.txt", Content: []byte("data")}},
	}, "sess-1", "")

	g.Expect(out.Result.FilesProduced).To(HaveLen(1))
	g.Expect(out.Result.FilesProduced[0].Filename).To(Equal("result.csv"))
	g.Expect(out.Result.FilesProduced[0].FileID).To(Equal("fid-result.csv"))
	g.Expect(saver.saved).To(HaveKey("result.csv"))
}

func TestTimeoutScalingAndGrace(t *testing.T) {
	g := NewWithT(t)
	plane := newFakePlane()
	d, _, _ := newTestDispatcher(plane)

	// Go carries a 2x timeout multiplier.
	d.Execute(context.Background(), api.ExecutionRequest{Language: "go", Code: "x", Timeout: 10}, "", "")
	g.Expect(plane.lastPayload.TimeoutS).To(Equal(20))
	g.Expect(plane.lastTimeout).To(Equal(20*time.Second + sidecarGrace))

	// Requests above the ceiling are capped, not rejected.
	d.Execute(context.Background(), api.ExecutionRequest{Language: "py", Code: "x", Timeout: 10_000}, "", "")
	g.Expect(plane.lastPayload.TimeoutS).To(Equal(300))
}

func TestStatePropagation(t *testing.T) {
	g := NewWithT(t)
	plane := newFakePlane()
	plane.execResp = &api.SidecarExecuteResponse{ExitCode: 0, State: "c2VyaWFsaXplZA=="}
	d, _, _ := newTestDispatcher(plane)

	out := d.Execute(context.Background(), api.ExecutionRequest{
		Language: "py", Code: "x=41", CaptureState: true, InitialState: "cHJldg==",
	}, "", "")

	g.Expect(plane.lastPayload.InitialState).To(Equal("cHJldg=="))
	g.Expect(plane.lastPayload.CaptureState).To(BeTrue())
	g.Expect(out.Result.State).To(Equal("c2VyaWFsaXplZA=="))
}

func TestSanitizeOutput(t *testing.T) {
	g := NewWithT(t)

	g.Expect(sanitizeOutput("plain\nlines\twith\rreturns")).To(Equal("plain\nlines\twith\rreturns"))
	g.Expect(sanitizeOutput("a\x00b\x07c\x1bd\x7fe")).To(Equal("abcde"))

	long := strings.Repeat("x", maxOutputBytes+100)
	out := sanitizeOutput(long)
	g.Expect(out).To(HaveSuffix(truncationMarker))
	g.Expect(len(out)).To(Equal(maxOutputBytes + len(truncationMarker)))
}

func TestDeriveStatus(t *testing.T) {
	g := NewWithT(t)

	g.Expect(DeriveStatus(0)).To(Equal(api.StatusCompleted))
	g.Expect(DeriveStatus(124)).To(Equal(api.StatusTimeout))
	g.Expect(DeriveStatus(1)).To(Equal(api.StatusFailed))
	g.Expect(DeriveStatus(137)).To(Equal(api.StatusFailed))
}
