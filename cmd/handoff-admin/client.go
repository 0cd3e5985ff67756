// ABOUTME: Minimal HTTP client for the gateway API, including the login channel event stream
// ABOUTME: Error bodies are {"error": code}; the code is surfaced as an apiError

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// apiError is a non-2xx response from the gateway.
type apiError struct {
	Status int
	Code   string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway returned status %d", e.Status)
	}
	return fmt.Sprintf("gateway error (%d): %s", e.Status, e.Code)
}

type gatewayClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newGatewayClient(baseURL, token string) *gatewayClient {
	return &gatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
	}
}

func (c *gatewayClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
func (c *gatewayClient) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errorFromResponse(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func errorFromResponse(resp *http.Response) error {
	apiErr := &apiError{Status: resp.StatusCode}
	var errResp struct {
		Error string `json:"error"`
	}
	if json.NewDecoder(resp.Body).Decode(&errResp) == nil {
		apiErr.Code = errResp.Error
	}
	return apiErr
}

// sseEvent is one server-sent event.
type sseEvent struct {
	Event string
	Data  string
}

// stream opens an event stream and calls onEvent for each event until the
// server closes the stream, onEvent returns done, or ctx ends.
func (c *gatewayClient) stream(ctx context.Context, path string, onEvent func(sseEvent) (done bool, err error)) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}
	return parseSSEStream(ctx, resp.Body, onEvent)
}

// parseSSEStream reads events from body. Comment lines (heartbeats) are skipped.
func parseSSEStream(ctx context.Context, body io.Reader, onEvent func(sseEvent) (bool, error)) error {
	scanner := bufio.NewScanner(body)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if eventType != "" && len(dataLines) > 0 {
				done, err := onEvent(sseEvent{Event: eventType, Data: strings.Join(dataLines, "\n")})
				if err != nil || done {
					return err
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	return scanner.Err()
}
