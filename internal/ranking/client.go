package ranking

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultReplicateURL = "https://api.replicate.com/v1"

// Streamer exposes one remote completion call as a lazy sequence of text
// chunks. Implementations own the per-call timeout; emit is invoked once
// per chunk in arrival order. Any transport or endpoint failure surfaces
// as a single *RemoteError, without retracting chunks already emitted.
type Streamer interface {
	Stream(ctx context.Context, prompt string, maxTokens int, emit func(chunk string) error) error
}

// ReplicateClient streams completions from Replicate's prediction API.
type ReplicateClient struct {
	apiToken    string
	model       string
	baseURL     string
	callTimeout time.Duration
	httpClient  *http.Client
}

// NewReplicateClient builds a streaming client for the given model
// (e.g. "anthropic/claude-3.5-sonnet"). callTimeout bounds each Stream
// invocation end to end; zero means 15s.
func NewReplicateClient(apiToken, model, baseURL string, callTimeout time.Duration) *ReplicateClient {
	if baseURL == "" {
		baseURL = defaultReplicateURL
	}
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	return &ReplicateClient{
		apiToken:    apiToken,
		model:       model,
		baseURL:     baseURL,
		callTimeout: callTimeout,
		httpClient:  &http.Client{},
	}
}

type predictionRequest struct {
	Input  predictionInput `json:"input"`
	Stream bool            `json:"stream"`
}

type predictionInput struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

type predictionResponse struct {
	ID   string `json:"id"`
	URLs struct {
		Stream string `json:"stream"`
	} `json:"urls"`
}

// Stream creates one prediction and relays its server-sent output events
// as raw text chunks. Exactly one outbound prediction is created per call.
func (c *ReplicateClient) Stream(ctx context.Context, prompt string, maxTokens int, emit func(chunk string) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	pred, err := c.createPrediction(ctx, prompt, maxTokens)
	if err != nil {
		return err
	}
	if pred.URLs.Stream == "" {
		return &RemoteError{Op: "create", Err: fmt.Errorf("prediction %s has no stream url", pred.ID)}
	}
	return c.consumeStream(ctx, pred.URLs.Stream, emit)
}

func (c *ReplicateClient) createPrediction(ctx context.Context, prompt string, maxTokens int) (*predictionResponse, error) {
	body, err := json.Marshal(predictionRequest{
		Input:  predictionInput{Prompt: prompt, MaxTokens: maxTokens},
		Stream: true,
	})
	if err != nil {
		return nil, &RemoteError{Op: "create", Err: fmt.Errorf("marshal: %w", err)}
	}

	url := fmt.Sprintf("%s/models/%s/predictions", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, &RemoteError{Op: "create", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RemoteError{Op: "create", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &RemoteError{Op: "create", Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))}
	}

	var pred predictionResponse
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, &RemoteError{Op: "create", Err: fmt.Errorf("decode: %w", err)}
	}
	return &pred, nil
}

// consumeStream reads the SSE feed for a prediction. "output" events
// carry text chunks, "done" terminates the stream, "error" carries a
// remote-side failure message.
func (c *ReplicateClient) consumeStream(ctx context.Context, streamURL string, emit func(chunk string) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return &RemoteError{Op: "stream", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RemoteError{Op: "stream", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RemoteError{Op: "stream", Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))}
	}

	var event string
	var data []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			switch event {
			case "output":
				// Multi-line data fields are joined with the newlines
				// the protocol stripped.
				if err := emit(strings.Join(data, "\n")); err != nil {
					return err
				}
			case "done":
				return nil
			case "error":
				return &RemoteError{Op: "stream", Err: fmt.Errorf("endpoint error: %s", strings.Join(data, " "))}
			}
			event = ""
			data = data[:0]
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return &RemoteError{Op: "stream", Err: err}
	}
	// Feed closed without a done event: treat as end of stream. Consumers
	// already tolerate truncation.
	return nil
}
