// Package ollama is an HTTP client for a locally running Ollama server.
// It covers the tag, show, chat, generate, pull, delete, and embeddings
// endpoints, with NDJSON stream decoding for the streaming variants.
package ollama

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// ClientConfig controls client behavior.
type ClientConfig struct {
	// BaseURL of the Ollama server.
	BaseURL string

	// Timeout for non-streaming requests.
	Timeout time.Duration

	// MaxRetries for idempotent requests on connection errors.
	MaxRetries int

	// RetryDelay between attempts, scaled linearly.
	RetryDelay time.Duration
}

// DefaultConfig returns a config pointed at a stock local install.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		BaseURL:    "http://127.0.0.1:11434",
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
	}
}

// Client talks to one Ollama server. Safe for concurrent use.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	// Streaming responses can outlive any sane fixed timeout, so they
	// go through a client with no deadline and rely on the context.
	streamClient *http.Client
}

// NewClient builds a Client from cfg, filling zero fields with defaults.
func NewClient(cfg ClientConfig) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}

	return &Client{
		cfg:          cfg,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{},
	}
}

// BaseURL returns the configured server address.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// Heartbeat checks that the server is up. A refused connection maps to
// ErrNotRunning; any 2xx response counts as alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/", nil)
	if err != nil {
		return newError(ErrTypeRequestFailed, "build heartbeat request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.mapTransportError("heartbeat", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return newError(ErrTypeInvalidResponse,
			fmt.Sprintf("heartbeat returned status %d", resp.StatusCode), nil)
	}
	return nil
}

// ListModels returns the locally installed models from /api/tags.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var tags tagsResponse
	if err := c.getJSON(ctx, "/api/tags", &tags); err != nil {
		return nil, err
	}
	return tags.Models, nil
}

// ShowModel returns model card details from /api/show.
func (c *Client) ShowModel(ctx context.Context, name string) (*ShowResponse, error) {
	body := map[string]string{"model": name}
	var show ShowResponse
	if err := c.postJSON(ctx, "/api/show", body, &show); err != nil {
		return nil, err
	}
	return &show, nil
}

// DeleteModel removes a model via /api/delete.
func (c *Client) DeleteModel(ctx context.Context, name string) error {
	payload, err := json.Marshal(map[string]string{"model": name})
	if err != nil {
		return newError(ErrTypeRequestFailed, "marshal delete request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.cfg.BaseURL+"/api/delete", bytes.NewReader(payload))
	if err != nil {
		return newError(ErrTypeRequestFailed, "build delete request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.mapTransportError("delete model", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return newError(ErrTypeModelNotFound,
			fmt.Sprintf("model %q not found", name), nil)
	}
	if resp.StatusCode >= 300 {
		return c.statusError("delete model", resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Chat sends a non-streaming chat request.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	req.Stream = false
	var resp ChatResponse
	if err := c.postJSON(ctx, "/api/chat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Generate sends a non-streaming generate request.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	req.Stream = false
	var resp GenerateResponse
	if err := c.postJSON(ctx, "/api/generate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChatStream sends a streaming chat request, delivering each content
// delta to handler. Returns the final eval stats.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, handler StreamHandler) (*StreamStats, error) {
	req.Stream = true
	body, err := c.openStream(ctx, "/api/chat", req)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return NewStreamReader(body).Process(ctx, handler)
}

// GenerateStream sends a streaming generate request.
func (c *Client) GenerateStream(ctx context.Context, req GenerateRequest, handler StreamHandler) (*StreamStats, error) {
	req.Stream = true
	body, err := c.openStream(ctx, "/api/generate", req)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return NewStreamReader(body).ProcessGenerate(ctx, handler)
}

// ChatStreamChan is ChatStream with a channel interface. The returned
// channel closes when the stream ends; a stream error arrives on the
// error channel.
func (c *Client) ChatStreamChan(ctx context.Context, req ChatRequest) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		_, err := c.ChatStream(ctx, req, func(chunk StreamChunk) error {
			select {
			case chunks <- chunk:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}

// Pull downloads a model via /api/pull, reporting each progress record
// to handler. Blocks until the download completes or fails.
func (c *Client) Pull(ctx context.Context, name string, handler func(PullProgress) error) error {
	body, err := c.openStream(ctx, "/api/pull", map[string]interface{}{
		"model":  name,
		"stream": true,
	})
	if err != nil {
		return err
	}
	defer body.Close()

	r := NewStreamReader(body)
	for {
		if err := ctx.Err(); err != nil {
			return newError(ErrTypeTimeout, "pull cancelled", err)
		}

		line, readErr := r.r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var prog PullProgress
			if err := json.Unmarshal(bytes.TrimSpace(line), &prog); err == nil {
				if prog.Error != "" {
					if strings.Contains(prog.Error, "not found") {
						return newError(ErrTypeModelNotFound, prog.Error, nil)
					}
					return newError(ErrTypeRequestFailed, prog.Error, nil)
				}
				if handler != nil {
					if err := handler(prog); err != nil {
						return err
					}
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return newError(ErrTypeConnection, "pull stream read failed", readErr)
		}
	}
}

// Embeddings returns an embedding vector for prompt.
func (c *Client) Embeddings(ctx context.Context, req EmbeddingsRequest) (*EmbeddingsResponse, error) {
	var resp EmbeddingsResponse
	if err := c.postJSON(ctx, "/api/embeddings", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// getJSON issues a GET with retries on connection errors.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return newError(ErrTypeTimeout, "request cancelled", ctx.Err())
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
		if err != nil {
			return newError(ErrTypeRequestFailed, "build request", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = c.mapTransportError("GET "+path, err)
			if !isRetryable(err) {
				return lastErr
			}
			continue
		}

		return c.decodeResponse(path, resp, out)
	}
	return lastErr
}

// postJSON issues a non-streaming POST. Not retried: chat and generate
// are not idempotent.
func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return newError(ErrTypeRequestFailed, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return newError(ErrTypeRequestFailed, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.mapTransportError("POST "+path, err)
	}

	return c.decodeResponse(path, resp, out)
}

// openStream issues a streaming POST through the untimed client and
// returns the response body on 2xx.
func (c *Client) openStream(ctx context.Context, path string, in interface{}) (io.ReadCloser, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, newError(ErrTypeRequestFailed, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, newError(ErrTypeRequestFailed, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, c.mapTransportError("POST "+path, err)
	}

	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, c.statusError("POST "+path, resp)
	}
	return resp.Body, nil
}

func (c *Client) decodeResponse(path string, resp *http.Response, out interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.statusError(path, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return newError(ErrTypeConnection, "read response body", err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return newError(ErrTypeInvalidResponse, "decode response body", err)
	}
	return nil
}

// statusError converts a non-2xx response into a typed error, pulling
// Ollama's {"error": "..."} detail when present.
func (c *Client) statusError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	var detail errorResponse
	msg := strings.TrimSpace(string(data))
	if err := json.Unmarshal(data, &detail); err == nil && detail.Error != "" {
		msg = detail.Error
	}

	if resp.StatusCode == http.StatusNotFound &&
		strings.Contains(strings.ToLower(msg), "not found") {
		return newError(ErrTypeModelNotFound, msg, nil)
	}

	return newError(ErrTypeRequestFailed,
		fmt.Sprintf("%s: status %d: %s", op, resp.StatusCode, msg), nil)
}

// mapTransportError classifies network-level failures.
func (c *Client) mapTransportError(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(ErrTypeTimeout, op+" timed out", err)
	case errors.Is(err, context.Canceled):
		return newError(ErrTypeTimeout, op+" cancelled", err)
	case isConnRefused(err):
		return newError(ErrTypeNotRunning, "ollama is not reachable at "+c.cfg.BaseURL, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(ErrTypeTimeout, op+" timed out", err)
	}
	return newError(ErrTypeConnection, op+" failed", err)
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	return true
}
