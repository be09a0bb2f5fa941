package services

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/MegaGrindStone/wall-ai/internal/models"
	"github.com/google/uuid"
)

// Sessions is the in-memory registry of the chats of the running server. Nothing in it outlives the
// process.
type Sessions struct {
	streamer Streamer
	reducer  Reducer

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	defaults models.Settings
	listener SessionListener

	logger *slog.Logger
}

// NewSessions creates an empty registry. New sessions start with defaults as their settings.
func NewSessions(streamer Streamer, reducer Reducer, defaults models.Settings, logger *slog.Logger) *Sessions {
	return &Sessions{
		streamer: streamer,
		reducer:  reducer,
		sessions: make(map[string]*Session),
		defaults: defaults,
		logger:   logger,
	}
}

// SetListener sets the listener given to sessions created from now on.
func (s *Sessions) SetListener(listener SessionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

// Defaults returns the settings new sessions start with.
func (s *Sessions) Defaults() models.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

// SetDefaults changes the settings new sessions start with. Existing sessions are not affected.
func (s *Sessions) SetDefaults(settings models.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = settings
}

// Create registers a new idle session with a fresh ID.
func (s *Sessions) Create() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	sess := NewSession(id, s.streamer, s.reducer, s.defaults, s.listener, s.logger)
	s.sessions[id] = sess
	s.order = append(s.order, id)

	s.logger.Debug("Session created", slog.String("chatID", id))

	return sess
}

// Get returns the session with the given chat ID.
func (s *Sessions) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Chats returns the chats that have at least one message, newest first.
func (s *Sessions) Chats() []models.Chat {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.order))
	for _, id := range s.order {
		sessions = append(sessions, s.sessions[id])
	}
	s.mu.RUnlock()

	chats := make([]models.Chat, 0, len(sessions))
	for _, sess := range sessions {
		title := sess.Title()
		if title == "" {
			continue
		}
		chats = append(chats, models.Chat{ID: sess.ID(), Title: title})
	}
	slices.Reverse(chats)
	return chats
}
