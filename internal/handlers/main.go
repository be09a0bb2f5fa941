package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	wallai "github.com/MegaGrindStone/wall-ai"
	"github.com/MegaGrindStone/wall-ai/internal/models"
	"github.com/MegaGrindStone/wall-ai/internal/services"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
)

// ModelCatalog lists the models available on the inference server and reports whether it is reachable.
type ModelCatalog interface {
	Models(ctx context.Context) ([]string, error)
	Heartbeat(ctx context.Context) error
}

// SettingsStore persists the chat settings chosen by the user, so they become the defaults of new chats
// across restarts.
type SettingsStore interface {
	Settings(ctx context.Context) (models.Settings, error)
	SaveSettings(ctx context.Context, settings models.Settings) error
}

// Main serves the chat page and relays the progress of every turn to the browser through server-sent
// events. It is registered as the listener of the sessions it serves.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  goldmark.Markdown

	sessions *services.Sessions
	catalog  ModelCatalog
	store    SettingsStore

	// turnCtx is the parent of every running turn and is canceled on Shutdown.
	turnCtx    context.Context
	cancelTurn context.CancelFunc

	logger *slog.Logger
}

const (
	chatsSSETopic = "chats"

	errLoggerKey = "err"
)

// NewMain creates a Main serving the given sessions. catalog and store may be nil, in which case the
// model suggestions and the persistence of settings are disabled.
func NewMain(
	sessions *services.Sessions,
	catalog ModelCatalog,
	store SettingsStore,
	logger *slog.Logger,
) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		wallai.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := Main{
		sseSrv: &sse.Server{
			OnSession: func(_ http.ResponseWriter, r *http.Request) ([]string, bool) {
				// Every client receives the sidebar updates, and the turn updates of the chat it shows.
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				chatID := r.URL.Query().Get("chat_id")
				if chatID != "" {
					topics = append(topics, chatIDTopic(chatID))
				}

				return topics, true
			},
		},
		templates:  tmpl,
		markdown:   newMarkdown(),
		sessions:   sessions,
		catalog:    catalog,
		store:      store,
		turnCtx:    ctx,
		cancelTurn: cancel,
		logger:     logger.With(slog.String("module", "main")),
	}

	sessions.SetListener(m)

	return m, nil
}

func chatIDTopic(chatID string) string {
	return fmt.Sprintf("chat-%s", chatID)
}

// Shutdown cancels the running turns and gracefully terminates the SSE server. It broadcasts a close
// message to all connected clients and waits up to 5 seconds for connections to terminate. After the
// timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.cancelTurn()

	e := &sse.Message{Type: sse.Type("closeChat")}
	// An SSE event must carry data to be dispatched
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
