// Package upstream calls the conversational backend and turns its binary
// event stream into typed events consumed by the streaming pipeline.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pysugar/kiro-nexus/internal/classifier"
	"github.com/pysugar/kiro-nexus/internal/upstream/eventstream"
)

const (
	defaultBaseURL = "https://q.us-east-1.amazonaws.com"
	amzTarget      = "AmazonCodeWhispererStreamingService.GenerateAssistantResponse"
	contentType    = "application/x-amz-json-1.0"
	userAgent      = "KiroIDE-0.2 kiro-nexus"

	// eventBuffer bounds the producer->consumer channel; a slow SSE writer
	// applies backpressure to the upstream read instead of buffering
	// unboundedly.
	eventBuffer = 64

	readChunkSize = 32 * 1024
)

// Event is one logical upstream event. Err is set on the terminal event when
// the stream failed mid-flight.
type Event struct {
	Type    string
	Payload map[string]interface{}
	Err     error
}

// StatusError is a non-200 completion response, kept raw for classification.
type StatusError struct {
	Code       int
	Body       []byte
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Code, truncate(string(e.Body), 200))
}

// Client issues completion requests against one upstream region.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient builds a client. Empty baseURL selects the default region
// endpoint.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		// Long timeout: streaming completions can run for minutes.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// SendAssistantRequest posts a translated native request. On 200 the caller
// owns resp.Body (stream it through Events); any other status is drained and
// returned as *StatusError.
func (c *Client) SendAssistantRequest(ctx context.Context, accessToken string, body map[string]interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Amz-Target", amzTarget)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Amz-Sdk-Invocation-Id", uuid.NewString())
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		return nil, &StatusError{
			Code:       resp.StatusCode,
			Body:       data,
			RetryAfter: RetryDelayFrom(resp.Header, data),
		}
	}
	return resp, nil
}

// Events decodes resp.Body into a bounded event channel. The reader goroutine
// stops on context cancellation (client disconnect) and always closes the
// body. A stream that ends without producing anything yields one empty
// content event so downstream handlers can distinguish "empty answer" from
// "no answer".
func (c *Client) Events(ctx context.Context, resp *http.Response) <-chan Event {
	out := make(chan Event, eventBuffer)

	go func() {
		defer close(out)
		defer resp.Body.Close()

		decoder := eventstream.NewDecoder()
		buf := make([]byte, readChunkSize)
		emitted := false

		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				for _, msg := range decoder.Feed(buf[:n]) {
					ev, ok := toEvent(msg)
					if !ok {
						continue
					}
					if !send(ctx, out, ev) {
						return
					}
					emitted = true
					if ev.Err != nil {
						return
					}
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				if ctx.Err() != nil {
					// Client went away; not an upstream failure.
					return
				}
				send(ctx, out, Event{Err: fmt.Errorf("upstream read: %w", readErr)})
				return
			}
		}

		if !emitted {
			log.Printf("⚠️ Upstream stream ended without events")
			send(ctx, out, Event{Type: "assistantResponseEvent", Payload: map[string]interface{}{"content": ""}})
		}
	}()

	return out
}

func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// toEvent converts a decoded frame. Exception frames become terminal error
// events carrying the exception type and payload for classification.
func toEvent(msg eventstream.Message) (Event, bool) {
	if msg.MessageType() == "exception" || msg.ExceptionType() != "" {
		detail := fmt.Sprintf("%s: %s", msg.ExceptionType(), string(msg.Payload))
		return Event{Err: &StatusError{Code: 0, Body: []byte(detail)}}, true
	}

	eventType := msg.EventType()
	if eventType == "" {
		return Event{}, false
	}

	payload := map[string]interface{}{}
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			// Non-JSON payloads are passed through as raw content.
			payload = map[string]interface{}{"content": string(msg.Payload)}
		}
	}
	return Event{Type: eventType, Payload: payload}, true
}

// CheckStatus sends a minimal probe request and classifies the result with
// latency, for the manual account-check endpoint.
func (c *Client) CheckStatus(ctx context.Context, accessToken, modelID string) classifier.Classification {
	probe := map[string]interface{}{
		"conversationState": map[string]interface{}{
			"conversationId": uuid.NewString(),
			"history":        []interface{}{},
			"currentMessage": map[string]interface{}{
				"userInputMessage": map[string]interface{}{
					"content": "ping",
					"modelId": modelID,
					"origin":  "KIRO_CLI",
				},
			},
			"chatTriggerType": "MANUAL",
		},
	}

	start := time.Now()
	resp, err := c.SendAssistantRequest(ctx, accessToken, probe)
	latency := time.Since(start)

	var result classifier.Classification
	if err != nil {
		if statusErr, ok := err.(*StatusError); ok {
			result = classifier.Classify(statusErr.Code, statusErr.Body, nil)
		} else {
			result = classifier.Classify(0, nil, err)
		}
	} else {
		// Drain a little so the probe completes, then drop the stream.
		io.CopyN(io.Discard, resp.Body, 4096)
		resp.Body.Close()
		result = classifier.Classify(resp.StatusCode, nil, nil)
	}
	result.Latency = latency
	result.LatencyMS = latency.Milliseconds()
	return result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
