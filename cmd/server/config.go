package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/MegaGrindStone/wall-ai/internal/models"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port         string       `yaml:"port"`
	Endpoint     string       `yaml:"endpoint"`
	Model        string       `yaml:"model"`
	SystemPrompt string       `yaml:"systemPrompt"`
	StorePath    string       `yaml:"storePath"`
	LogLevel     string       `yaml:"logLevel"`
	LogMode      string       `yaml:"logMode"`
	Stream       streamConfig `yaml:"stream"`
}

type streamConfig struct {
	// CarryPartialLines keeps an incomplete trailing record of a chunk for the next one, instead of
	// assuming every chunk ends on a record boundary.
	CarryPartialLines bool `yaml:"carryPartialLines"`
}

const (
	defaultPort         = "8080"
	defaultOllamaHost   = "http://localhost:11434"
	defaultModel        = "llama3.1:8b"
	defaultSystemPrompt = "Você é um assistente mal humorado e que responde em poucas palavras."

	endpointEnv   = "WALLAI_API_CHAT"
	ollamaHostEnv = "OLLAMA_HOST"
)

// decodeConfig reads a YAML config from r and fills in the defaults. An empty reader yields the defaults.
func decodeConfig(r io.Reader) (config, error) {
	cfg := config{}
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return config{}, fmt.Errorf("error decoding config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c *config) applyDefaults() {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.Endpoint == "" {
		c.Endpoint = os.Getenv(endpointEnv)
	}
	if c.Endpoint == "" {
		host := os.Getenv(ollamaHostEnv)
		if host == "" {
			host = defaultOllamaHost
		}
		if !strings.Contains(host, "://") {
			host = "http://" + host
		}
		c.Endpoint = strings.TrimSuffix(host, "/") + "/api/chat"
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogMode == "" {
		c.LogMode = "text"
	}
}

func (c config) validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid endpoint %q: scheme must be http or https", c.Endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid endpoint %q: host is required", c.Endpoint)
	}

	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}

	switch c.LogMode {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log mode: %s", c.LogMode)
	}

	return nil
}

func (c config) settings() models.Settings {
	return models.Settings{
		Model:        c.Model,
		SystemPrompt: c.SystemPrompt,
	}
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level: %s", level)
}

func (c config) newLogger(w io.Writer) *slog.Logger {
	level, _ := parseLogLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if c.LogMode == "json" {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}
