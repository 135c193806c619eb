// Package fallback talks to the assistant over plain HTTP for environments
// where a persistent channel cannot be held open.
package fallback

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Paths served by the assistant for the fallback transport.
const (
	AskPath    = "/api/chat"
	StreamPath = "/api/chat/stream"
)

// Result types carried in the "type" discriminator.
const (
	TypeText       = "text"
	TypeChart      = "chart"
	TypeNavigation = "navigation"
)

const doneMarker = "[DONE]"

var (
	// ErrUnknownResultType is returned for a success payload with an unrecognised type.
	ErrUnknownResultType = errors.New("unknown result type")
	// ErrStreamIncomplete is returned when a stream ends before [DONE].
	ErrStreamIncomplete = errors.New("stream ended before completion marker")
)

// Request is the body of both fallback endpoints.
type Request struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	Language       string `json:"language,omitempty"`
}

// Result is a decoded success payload.
type Result struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Path    string          `json:"path,omitempty"`
}

// APIError is an error payload returned by the server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("assistant error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("assistant error %d: %s", e.Status, e.Message)
}

// Client calls the fallback endpoints.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// New creates a client with a bounded default timeout.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Logger:     slog.Default(),
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) newRequest(ctx context.Context, path string, req Request) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return httpReq, nil
}

// Ask sends one message and waits for the complete answer.
func (c *Client) Ask(ctx context.Context, req Request) (Result, error) {
	httpReq, err := c.newRequest(ctx, AskPath, req)
	if err != nil {
		return Result{}, err
	}
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("ask: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Result{}, decodeAPIError(resp)
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decode result: %w", err)
	}
	switch res.Type {
	case TypeText, TypeChart, TypeNavigation:
	case "":
		res.Type = TypeText
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownResultType, res.Type)
	}
	return res, nil
}

// Stream sends one message and reads the answer as "data: " lines, calling
// onChunk for each fragment. It returns the reassembled text.
func (c *Client) Stream(ctx context.Context, req Request, onChunk func(string)) (string, error) {
	httpReq, err := c.newRequest(ctx, StreamPath, req)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", decodeAPIError(resp)
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimPrefix(data, " ")
		if data == doneMarker {
			return full.String(), nil
		}

		chunk, err := parseChunk(data)
		if err != nil {
			return full.String(), err
		}
		if chunk == "" {
			continue
		}
		full.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("read stream: %w", err)
	}
	c.logger().Warn("[FALLBACK] Stream closed without completion marker", "received", full.Len())
	return full.String(), ErrStreamIncomplete
}

// streamFrame is the JSON form of one data line.
type streamFrame struct {
	TextChunk *string `json:"textChunk"`
	Error     string  `json:"error"`
	Code      string  `json:"code"`
}

// parseChunk accepts {"textChunk": "..."}, {"error": "..."} or bare text.
func parseChunk(data string) (string, error) {
	if !strings.HasPrefix(data, "{") {
		return data, nil
	}
	var f streamFrame
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return data, nil
	}
	if f.Error != "" {
		return "", &APIError{Status: http.StatusOK, Code: f.Code, Message: f.Error}
	}
	if f.TextChunk == nil {
		return "", nil
	}
	return *f.TextChunk, nil
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{Status: resp.StatusCode}
	var wrapped struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.Error) > 0 {
		// {"error": "text"} or {"error": {"code": ..., "message": ...}}
		var text string
		if json.Unmarshal(wrapped.Error, &text) == nil {
			apiErr.Message = text
			return apiErr
		}
		if json.Unmarshal(wrapped.Error, apiErr) == nil && apiErr.Message != "" {
			return apiErr
		}
	}
	if json.Unmarshal(body, apiErr) == nil && apiErr.Message != "" {
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
