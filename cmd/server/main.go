package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	wallai "github.com/MegaGrindStone/wall-ai"
	"github.com/MegaGrindStone/wall-ai/internal/handlers"
	"github.com/MegaGrindStone/wall-ai/internal/services"
	"github.com/spf13/pflag"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "wallai")

	configFile := pflag.StringP("config", "c", filepath.Join(cfgPath, "config.yaml"), "path of the YAML config file")
	pflag.Parse()

	cfg, err := loadConfig(*configFile, pflag.CommandLine.Changed("config"))
	if err != nil {
		log.Fatal(err)
	}

	logger := cfg.newLogger(os.Stdout)

	if cfg.StorePath == "" {
		if err := os.MkdirAll(cfgPath, 0755); err != nil {
			log.Fatal(fmt.Errorf("error creating config directory: %w", err))
		}
		cfg.StorePath = filepath.Join(cfgPath, "store.db")
	}
	boltDB, err := services.NewBoltDB(cfg.StorePath)
	if err != nil {
		log.Fatal(err)
	}
	defer boltDB.Close()

	defaults := cfg.settings()
	saved, err := boltDB.Settings(context.Background())
	switch {
	case err == nil:
		logger.Info("Using saved settings", slog.String("model", saved.Model))
		defaults = saved
	case errors.Is(err, services.ErrNoSettings):
	default:
		logger.Warn("Failed to load saved settings", slog.String("err", err.Error()))
	}

	endpoint := services.NewEndpoint(cfg.Endpoint, logger)
	reducer := services.NewReducer(cfg.Stream.CarryPartialLines, logger)
	sessions := services.NewSessions(endpoint, reducer, defaults, logger)

	var catalog handlers.ModelCatalog
	ollama, err := services.NewOllama(cfg.Endpoint, logger)
	if err != nil {
		logger.Warn("Model suggestions disabled", slog.String("err", err.Error()))
	} else {
		logger.Info("Model suggestions enabled", slog.String("host", ollama.Host()))
		catalog = ollama
	}

	m, err := handlers.NewMain(sessions, catalog, boltDB, logger)
	if err != nil {
		log.Fatal(err)
	}

	// Serve static files
	staticFS, err := fs.Sub(wallai.StaticFS, "static")
	if err != nil {
		log.Fatal(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/settings", m.HandleSettings)
	mux.HandleFunc("/models", m.HandleModels)
	mux.HandleFunc("/healthz", m.HandleHealth)
	mux.HandleFunc("/sse", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("port", cfg.Port),
			slog.String("endpoint", endpoint.URL()),
			slog.String("model", sessions.Defaults().Model),
			slog.Bool("carryPartialLines", cfg.Stream.CarryPartialLines))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}

// loadConfig reads the config file at path. A missing file is only an error when required is set,
// otherwise the defaults are used.
func loadConfig(path string, required bool) (config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return decodeConfig(strings.NewReader(""))
		}
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	cfg, err := decodeConfig(f)
	if err != nil {
		return config{}, fmt.Errorf("error loading %s: %w", path, err)
	}
	return cfg, nil
}
