package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrCredentialMissing means the route for the requested model has no API
// key configured. Operator error; never retried.
var ErrCredentialMissing = errors.New("upstream credential not configured")

// StatusError carries a non-2xx upstream status back to the caller.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Code, e.Message)
}

// ChatRequest is one streaming inference call.
type ChatRequest struct {
	Model          string
	Credential     string
	Prompt         string
	ConversationID string
	UserID         string
}

// GenerateRequest is one fixed-price media call.
type GenerateRequest struct {
	Model      string
	Credential string
	Prompt     string
	UserID     string
}

// GenerateResult is the blocking response of a media call.
type GenerateResult struct {
	URL    string `json:"url"`
	Format string `json:"format"`
}

// Client talks to the inference service. One configured instance is shared
// across requests; per-model credentials are resolved through the routing
// table built from config.
type Client struct {
	baseURL string
	keys    map[string]string
	client  *http.Client
	logger  *zap.Logger
}

// NewClient creates an upstream client with connection pooling tuned for
// long-running streamed inference.
func NewClient(baseURL string, keys map[string]string, logger *zap.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,

		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		// Headers must arrive promptly even when the body streams for
		// minutes; the overall deadline comes from the request context.
		ResponseHeaderTimeout: 30 * time.Second,

		WriteBufferSize: 4096,
		ReadBufferSize:  4096,
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		keys:    keys,
		client: &http.Client{
			// No client-level timeout: streams outlive any fixed value and
			// are bounded by the per-request context instead.
			Transport: transport,
		},
		logger: logger,
	}
}

// OpenStream issues the streaming inference call and returns the raw body
// for the relay to drain. The caller owns closing the body. Streaming calls
// are never retried: a retry after partial output would double-bill tokens
// already produced.
func (c *Client) OpenStream(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	key, ok := c.keys[req.Credential]
	if !ok || key == "" {
		return nil, fmt.Errorf("%w: route %q", ErrCredentialMissing, req.Credential)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"query":           req.Prompt,
		"inputs":          map[string]interface{}{},
		"response_mode":   "streaming",
		"conversation_id": req.ConversationID,
		"user":            req.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat-messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+key)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream call failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Message: readErrorBody(resp.Body)}
	}

	return resp.Body, nil
}

// Generate issues a blocking media-generation call. Transient failures are
// retried with backoff; unlike streams, nothing has been delivered yet so a
// retry cannot double-bill.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	key, ok := c.keys[req.Credential]
	if !ok || key == "" {
		return nil, fmt.Errorf("%w: route %q", ErrCredentialMissing, req.Credential)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"model":  req.Model,
		"prompt": req.Prompt,
		"user":   req.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode generate payload: %w", err)
	}

	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generation", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create upstream request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+key)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			lastErr = err
		} else if isRetryableStatus(resp.StatusCode) {
			lastErr = &StatusError{Code: resp.StatusCode, Message: readErrorBody(resp.Body)}
			resp.Body.Close()
		} else if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			defer resp.Body.Close()
			return nil, &StatusError{Code: resp.StatusCode, Message: readErrorBody(resp.Body)}
		} else {
			defer resp.Body.Close()
			var result GenerateResult
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return nil, fmt.Errorf("failed to decode generate response: %w", err)
			}
			return &result, nil
		}

		if attempt < maxRetries-1 {
			delay := time.Duration(attempt+1) * baseDelay
			c.logger.Debug("retrying generate request",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// readErrorBody extracts a short message from an upstream error response.
func readErrorBody(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 512))
	if err != nil || len(data) == 0 {
		return "no response body"
	}

	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}

	return strings.TrimSpace(string(data))
}
