package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/kilnrun/kiln/api"
)

const (
	healthProbeTimeout = 3 * time.Second

	// maxErrorBody caps how much of a sidecar error response is carried
	// into logs and synthesized results.
	maxErrorBody = 4 << 10
)

// HTTPError is a non-2xx reply from a sidecar. The dispatcher turns it into
// a synthesized "Sidecar error" result.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("sidecar returned %d: %s", e.StatusCode, e.Body)
}

// SidecarClient speaks the in-pod sidecar HTTP contract: /health, /files
// and /execute. One client is shared across all pods; the pod IP comes from
// the handle on every call.
type SidecarClient struct {
	port   int
	client *http.Client
}

func NewSidecarClient(port int) *SidecarClient {
	return &SidecarClient{
		port: port,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

func (c *SidecarClient) baseURL(handle *Handle) string {
	return "http://" + net.JoinHostPort(handle.PodIP, strconv.Itoa(c.port))
}

// Health probes the sidecar with a short deadline. Any non-200 is an error.
func (c *SidecarClient) Health(ctx context.Context, handle *Handle) error {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL(handle)+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("probing sidecar: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{StatusCode: resp.StatusCode, Body: readCapped(resp.Body)}
	}
	return nil
}

// UploadFiles sends request files to the pod workspace as one multipart
// POST per call.
func (c *SidecarClient) UploadFiles(ctx context.Context, handle *Handle, files []api.RequestFile) error {
	if len(files) == 0 {
		return nil
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := w.CreateFormFile("files", f.Filename)
		if err != nil {
			return fmt.Errorf("building multipart body: %w", err)
		}
		if _, err := part.Write(f.Content); err != nil {
			return fmt.Errorf("building multipart body: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL(handle)+"/files", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploading files: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{StatusCode: resp.StatusCode, Body: readCapped(resp.Body)}
	}
	return nil
}

// Execute posts code to the sidecar and waits up to timeout for the reply.
// The timeout already includes the grace the dispatcher grants on top of
// the user-requested execution time.
func (c *SidecarClient) Execute(ctx context.Context, handle *Handle, req api.SidecarExecuteRequest, timeout time.Duration) (*api.SidecarExecuteResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding execute request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL(handle)+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: readCapped(resp.Body)}
	}

	var out api.SidecarExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding execute response: %w", err)
	}
	return &out, nil
}

func readCapped(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return string(b)
}
