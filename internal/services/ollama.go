package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/ollama/ollama/api"
)

// Ollama queries the Ollama server behind the chat endpoint for information that is not part of a chat
// turn: the installed models, offered as suggestions for the model field, and the server liveness.
type Ollama struct {
	host string

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates an Ollama client for the server hosting endpointURL. Only the scheme and host of
// the URL are kept, so both a bare host and a full /api/chat URL are accepted.
func NewOllama(endpointURL string, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(endpointURL)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid endpoint url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Ollama{}, fmt.Errorf("invalid endpoint url %q: scheme and host are required", endpointURL)
	}

	base := &url.URL{Scheme: u.Scheme, Host: u.Host}

	return Ollama{
		host:   base.String(),
		client: api.NewClient(base, &http.Client{}),
		logger: logger.With(slog.String("module", "ollama")),
	}, nil
}

// Host returns the base URL the client talks to.
func (o Ollama) Host() string {
	return o.host
}

// Models returns the names of the installed models, sorted.
func (o Ollama) Models(ctx context.Context) ([]string, error) {
	res, err := o.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing models: %w", err)
	}

	names := make([]string, 0, len(res.Models))
	for _, m := range res.Models {
		names = append(names, m.Name)
	}
	slices.Sort(names)

	o.logger.Debug("Listed models", slog.Int("count", len(names)))

	return names, nil
}

// Heartbeat checks that the server is reachable.
func (o Ollama) Heartbeat(ctx context.Context) error {
	if err := o.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("error reaching %s: %w", o.host, err)
	}
	return nil
}
