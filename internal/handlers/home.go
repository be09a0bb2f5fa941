package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/MegaGrindStone/wall-ai/internal/models"
	"github.com/MegaGrindStone/wall-ai/internal/services"
)

type homePageData struct {
	CurrentChatID string
	Chats         []chat
	Messages      []message
	Pending       template.HTML
	Busy          bool
	Settings      models.Settings
	Models        []string
}

const modelsTimeout = 3 * time.Second

// HandleHome renders the chat page. Without a known chat_id query parameter a new chat is created and
// the client is redirected to it.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	sess, ok := m.sessions.Get(chatID)
	if !ok {
		if chatID != "" {
			m.logger.Warn("Unknown chat, starting a new one", slog.String("chatID", chatID))
		}
		sess = m.sessions.Create()
		http.Redirect(w, r, "/?chat_id="+url.QueryEscape(sess.ID()), http.StatusFound)
		return
	}

	msgs, err := m.messageViews(sess.Transcript())
	if err != nil {
		m.logger.Error("Failed to render messages",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	pending := sess.Pending()
	pendingHTML, err := m.renderMarkdown(pending.Text)
	if err != nil {
		m.logger.Error("Failed to render pending reply",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := homePageData{
		CurrentChatID: sess.ID(),
		Chats:         m.chatViews(sess.ID()),
		Messages:      msgs,
		Pending:       pendingHTML,
		Busy:          sess.State() != services.StateIdle,
		Settings:      sess.Settings(),
		Models:        m.models(r.Context()),
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// HandleModels writes the names of the models installed on the inference server as a JSON array. An
// unreachable server yields an empty array.
func (m Main) HandleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := writeJSON(w, m.models(r.Context())); err != nil {
		m.logger.Error("Failed to write models", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleHealth reports whether the inference server answers.
func (m Main) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if m.catalog == nil {
		fmt.Fprintln(w, "ok")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), modelsTimeout)
	defer cancel()

	if err := m.catalog.Heartbeat(ctx); err != nil {
		m.logger.Warn("Inference server unreachable", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	fmt.Fprintln(w, "ok")
}

func (m Main) models(ctx context.Context) []string {
	if m.catalog == nil {
		return []string{}
	}

	ctx, cancel := context.WithTimeout(ctx, modelsTimeout)
	defer cancel()

	names, err := m.catalog.Models(ctx)
	if err != nil {
		m.logger.Warn("Failed to list models", slog.String(errLoggerKey, err.Error()))
		return []string{}
	}
	return names
}

func (m Main) chatViews(activeID string) []chat {
	chats := m.sessions.Chats()
	views := make([]chat, len(chats))
	for i, ch := range chats {
		views[i] = chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == activeID,
		}
	}
	return views
}

func (m Main) messageViews(messages []models.Message) ([]message, error) {
	views := make([]message, len(messages))
	for i, msg := range messages {
		v, err := m.messageView(msg)
		if err != nil {
			return nil, err
		}
		views[i] = v
	}
	return views, nil
}
