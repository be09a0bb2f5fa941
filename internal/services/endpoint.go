package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/wall-ai/internal/models"
)

// Endpoint sends chat requests to an inference endpoint speaking the Ollama /api/chat protocol and hands
// back the raw streamed body. Decoding the body is left to a Reducer.
type Endpoint struct {
	url string

	client *http.Client

	logger *slog.Logger
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type endpointError struct {
	Error string `json:"error"`
}

// NewEndpoint creates an Endpoint posting to url. The underlying client has no timeout: a reply may
// stream for as long as the model keeps generating.
func NewEndpoint(url string, logger *slog.Logger) Endpoint {
	return Endpoint{
		url:    url,
		client: &http.Client{},
		logger: logger.With(slog.String("module", "endpoint")),
	}
}

// URL returns the configured endpoint URL.
func (e Endpoint) URL() string {
	return e.url
}

// Stream posts the model name and messages, in the given order, and returns the response body. The
// caller must close the body. A response with a non 2xx status is reported as an error.
func (e Endpoint) Stream(ctx context.Context, model string, messages []models.Message) (io.ReadCloser, error) {
	req := chatRequest{
		Model:    model,
		Messages: make([]chatMessage, len(messages)),
	}
	for i, msg := range messages {
		req.Messages[i] = chatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	e.logger.Debug("Request", slog.String("url", e.url), slog.String("req", string(body)))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()

		var epErr endpointError
		if err := json.NewDecoder(resp.Body).Decode(&epErr); err == nil && epErr.Error != "" {
			return nil, fmt.Errorf("unexpected status %s: %s", resp.Status, epErr.Error)
		}
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return resp.Body, nil
}
