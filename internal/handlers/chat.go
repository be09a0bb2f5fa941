package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/wall-ai/internal/models"
	"github.com/MegaGrindStone/wall-ai/internal/services"
	"github.com/tmaxmax/go-sse"
)

type chat struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time

	StreamingState string
}

const streamingStateEnded = "ended"

// SSE event types for real-time updates.
var (
	chatsSSEType        = sse.Type("chats")
	pendingSSEType      = sse.Type("pending")
	messagesSSEType     = sse.Type("messages")
	closeMessageSSEType = sse.Type("closeMessage")
)

// HandleChats accepts a user message through a POST form with the "message" and "chat_id" fields and
// answers 202 Accepted. The message is added to the chat transcript right away and the reply is streamed
// in the background. Both reach the page through SSE on the chat topic, in transcript order.
//
// Empty or whitespace only messages are rejected with 400 and a chat that is still streaming a reply
// with 409; in both cases nothing is sent to the inference endpoint.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	sess, ok := m.sessions.Get(chatID)
	if !ok {
		m.logger.Error("Chat not found", slog.String("chatID", chatID))
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}

	// Begin publishes the user message before returning, so it is queued ahead of any reply event.
	turn, err := sess.Begin(r.FormValue("message"))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEmptyInput):
			http.Error(w, "Message is required", http.StatusBadRequest)
		case errors.Is(err, services.ErrBusy):
			m.logger.Warn("Message rejected while streaming", slog.String("chatID", chatID))
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			m.logger.Error("Failed to begin turn",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	go turn.Run(m.turnCtx)

	w.WriteHeader(http.StatusAccepted)
}

// HandleSettings updates the model and system prompt of a chat from a POST form with the "chat_id",
// "model" and "system_prompt" fields. The values also become the defaults of new chats, and are saved
// when a settings store is configured.
func (m Main) HandleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	sess, ok := m.sessions.Get(chatID)
	if !ok {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}

	settings := models.Settings{
		Model:        strings.TrimSpace(r.FormValue("model")),
		SystemPrompt: r.FormValue("system_prompt"),
	}
	if settings.Model == "" {
		http.Error(w, "Model is required", http.StatusBadRequest)
		return
	}

	sess.UpdateSettings(settings)
	m.sessions.SetDefaults(settings)

	if m.store != nil {
		if err := m.store.SaveSettings(r.Context(), settings); err != nil {
			m.logger.Error("Failed to save settings",
				slog.String("settings", fmt.Sprintf("%+v", settings)),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	m.logger.Debug("Settings updated",
		slog.String("chatID", chatID),
		slog.String("model", settings.Model))

	w.Header().Set("Content-Type", "application/json")
	if err := writeJSON(w, settings); err != nil {
		m.logger.Error("Failed to write settings", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleSSE subscribes the client to server-sent events. The "chat_id" query parameter selects the chat
// whose turns are relayed.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// PendingChanged publishes the rendered text accumulated so far for the reply of a chat.
func (m Main) PendingChanged(chatID string, text string) {
	content, err := m.renderMarkdown(text)
	if err != nil {
		m.logger.Error("Failed to render pending reply",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: pendingSSEType,
	}
	msg.AppendData(string(content))
	m.publish(&msg, chatIDTopic(chatID))
}

// MessageAppended publishes a transcript message to the page of its chat. A user message also
// refreshes the chat list, since it may have given the chat its title.
func (m Main) MessageAppended(chatID string, msg models.Message) {
	view, err := m.messageView(msg)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("message", fmt.Sprintf("%+v", msg)),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	tmplName := "ai_message"
	if msg.Role == models.RoleUser {
		tmplName = "user_message"
	}

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, tmplName, view); err != nil {
		m.logger.Error("Failed to execute message template",
			slog.String("template", tmplName),
			slog.String("message", fmt.Sprintf("%+v", msg)),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	e := sse.Message{
		Type: messagesSSEType,
	}
	e.AppendData(sb.String())
	m.publish(&e, chatIDTopic(chatID))

	if msg.Role == models.RoleUser {
		m.publishChats(chatID)
	}
}

// TurnEnded tells the page of a chat that it may send again.
func (m Main) TurnEnded(chatID string) {
	e := sse.Message{Type: closeMessageSSEType}
	e.AppendData("bye")
	m.publish(&e, chatIDTopic(chatID))
}

func (m Main) publishChats(activeID string) {
	var sb strings.Builder
	for _, ch := range m.chatViews(activeID) {
		if err := m.templates.ExecuteTemplate(&sb, "chat_title", ch); err != nil {
			m.logger.Error("Failed to execute chat_title template",
				slog.String(errLoggerKey, err.Error()))
			return
		}
	}

	msg := sse.Message{
		Type: chatsSSEType,
	}
	msg.AppendData(sb.String())
	m.publish(&msg, chatsSSETopic)
}

func (m Main) publish(msg *sse.Message, topic string) {
	if err := m.sseSrv.Publish(msg, topic); err != nil {
		m.logger.Error("Failed to publish event",
			slog.String("topic", topic),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) messageView(msg models.Message) (message, error) {
	var content template.HTML
	if msg.Role == models.RoleAssistant {
		rendered, err := m.renderMarkdown(msg.Content)
		if err != nil {
			return message{}, fmt.Errorf("failed to render markdown: %w", err)
		}
		content = rendered
	} else {
		content = template.HTML(template.HTMLEscapeString(msg.Content)) //nolint:gosec
	}

	return message{
		ID:             msg.ID,
		Role:           string(msg.Role),
		Content:        content,
		Timestamp:      msg.Timestamp,
		StreamingState: streamingStateEnded,
	}, nil
}

func writeJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
