package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxRemoteResponseSize = 8 << 20

// RemoteExecutor calls an executor service over HTTP. The service receives
// the Input as JSON and answers with a Result.
//
// Status mapping:
//
//	200          success
//	422          structural validation failure (body is the raw output)
//	408,429,5xx  transient
//	other        fatal
type RemoteExecutor struct {
	id       string
	endpoint string
	token    string
	client   *http.Client
	redactor Redactor
}

// Redactor scrubs credentials from text that leaves the executor.
type Redactor interface {
	Redact(string) string
}

// RemoteOption configures RemoteExecutor.
type RemoteOption func(*RemoteExecutor)

// WithHTTPClient overrides the default client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *RemoteExecutor) {
		r.client = c
	}
}

// WithBearerToken sets the Authorization header sent with each call.
func WithBearerToken(token string) RemoteOption {
	return func(r *RemoteExecutor) {
		r.token = token
	}
}

// WithRedactor scrubs response bodies quoted in errors.
func WithRedactor(rd Redactor) RemoteOption {
	return func(r *RemoteExecutor) {
		r.redactor = rd
	}
}

// NewRemoteExecutor creates an executor posting to endpoint.
func NewRemoteExecutor(id, endpoint string, opts ...RemoteOption) *RemoteExecutor {
	r := &RemoteExecutor{
		id:       id,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Minute},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Identity returns the configured id.
func (r *RemoteExecutor) Identity() string {
	return r.id
}

// Execute posts in to the endpoint.
func (r *RemoteExecutor) Execute(ctx context.Context, in Input) (*Result, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, &FatalError{Reason: "encode input", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &FatalError{Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Reason: "call " + r.id, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponseSize))
	if err != nil {
		return nil, &TransientError{Reason: "read response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, &StructuralValidationError{Reason: "executor rejected its own output", Output: data}
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, &TransientError{Reason: fmt.Sprintf("%s returned %d", r.id, resp.StatusCode)}
	default:
		return nil, &FatalError{Reason: fmt.Sprintf("%s returned %d: %s", r.id, resp.StatusCode, r.redact(truncate(data, 256)))}
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, &StructuralValidationError{Reason: "decode result envelope", Output: data, Err: err}
	}
	return &res, nil
}

func (r *RemoteExecutor) redact(s string) string {
	if r.redactor == nil {
		return s
	}
	return r.redactor.Redact(s)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
