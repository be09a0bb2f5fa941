package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Chat represents a conversation container shown in the sidebar. It only carries identification and a
// label; the conversation itself lives in the session that owns the chat.
type Chat struct {
	ID    string
	Title string
}

// Message represents an individual entry of a conversation. A message is immutable once created: it is
// built when the user submits input or when a streamed reply finalizes, and discarded with its session.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleSystem is the role of the system prompt. It is never stored in a Transcript, it is only
	// prepended to the payload sent to the inference endpoint.
	RoleSystem Role = "system"
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents a reply of the model, or a synthesized error reply.
	RoleAssistant Role = "assistant"
)

const chatTitleMaxRunes = 40

// ErrInvalidRole is returned by NewMessage for a role outside system, user and assistant.
var ErrInvalidRole = errors.New("invalid message role")

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// NewMessage creates a message with a fresh ID and the current time.
func NewMessage(role Role, content string) (Message, error) {
	if !role.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}, nil
}

// ChatTitle derives a sidebar title from the first user message of a chat.
func ChatTitle(firstMessage string) string {
	title := strings.Join(strings.Fields(firstMessage), " ")
	if utf8.RuneCountInString(title) <= chatTitleMaxRunes {
		return title
	}
	runes := []rune(title)
	return string(runes[:chatTitleMaxRunes]) + "…"
}
