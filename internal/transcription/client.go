package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync"
	"time"
)

// Result is the outcome of one transcribed utterance. Immutable after creation.
type Result struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// Config contains batch transcription client configuration.
type Config struct {
	Endpoint      string
	APIKey        string
	Model         string
	Language      string // fixed target language hint, e.g. "es"
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
}

// Client uploads complete audio buffers to the speech-to-text endpoint and
// waits for the full response. Concurrency is bounded by a semaphore so a
// burst of utterances cannot exhaust upstream quota.
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{}

	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64

	mu sync.RWMutex
}

// ClientStats represents batch client statistics.
type ClientStats struct {
	TotalRequests   uint64  `json:"total_requests"`
	SuccessRequests uint64  `json:"success_requests"`
	FailedRequests  uint64  `json:"failed_requests"`
	SuccessRate     float64 `json:"success_rate"`
	TotalRetries    uint64  `json:"total_retries"`
}

// NewClient creates a new batch transcription client.
func NewClient(config Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.APIKey == "" {
		return nil, &Error{Reason: ReasonAuth, Err: fmt.Errorf("no API key configured")}
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 2
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	if config.Model == "" {
		config.Model = "whisper-1"
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		semaphore: make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Transcribe uploads a WAV audio blob and returns the recognized text.
// Fails with reason "missing-input" before any remote call when no audio is
// supplied; retryable upstream failures are retried with exponential backoff
// and jitter.
func (c *Client) Transcribe(ctx context.Context, wavAudio []byte) (*Result, error) {
	if len(wavAudio) == 0 {
		return nil, &Error{Reason: ReasonMissingInput, Err: fmt.Errorf("no audio supplied")}
	}

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, &Error{Reason: ReasonNetwork, Err: ctx.Err()}
	}

	c.incrementTotal()

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementRetries()

			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			backoff += time.Duration(rand.Int63n(int64(500 * time.Millisecond)))

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, &Error{Reason: ReasonNetwork, Err: ctx.Err()}
			}
		}

		result, err := c.doRequest(ctx, wavAudio)
		if err == nil {
			c.incrementSuccess()
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			break
		}
	}

	c.incrementFailed()
	return nil, lastErr
}

// doRequest performs a single multipart upload to the speech-to-text endpoint.
func (c *Client) doRequest(ctx context.Context, wavAudio []byte) (*Result, error) {
	body, contentType, err := c.buildMultipartBody(wavAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to build multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Reason: ReasonNetwork, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Reason: ReasonNetwork, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			Reason: statusReason(resp.StatusCode),
			Status: resp.StatusCode,
			Err:    fmt.Errorf("speech-to-text endpoint rejected request"),
		}
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &Error{Reason: ReasonUpstreamFailure, Status: resp.StatusCode,
			Err: fmt.Errorf("malformed response JSON: %w", err)}
	}
	if result.Language == "" {
		result.Language = c.config.Language
	}

	return &result, nil
}

// buildMultipartBody packages the audio blob as a WAV-typed file part with the
// model and language hints.
func (c *Client) buildMultipartBody(wavAudio []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="utterance.wav"`)
	header.Set("Content-Type", "audio/wav")
	fileWriter, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := fileWriter.Write(wavAudio); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"model": c.config.Model,
	}
	if c.config.Language != "" {
		fields["language"] = c.config.Language
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryable reports whether a failed attempt is worth repeating. Rate limits
// and server-side failures are; auth and input errors are not.
func isRetryable(err error) bool {
	te, ok := AsError(err)
	if !ok {
		return false
	}

	switch te.Reason {
	case ReasonNetwork, ReasonRateLimited:
		return true
	case ReasonUpstreamFailure:
		return te.Status >= 500
	default:
		return false
	}
}

func (c *Client) incrementTotal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

// GetStats returns current client statistics.
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
	}
}
