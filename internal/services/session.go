package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MegaGrindStone/wall-ai/internal/models"
	"github.com/qmuntal/stateless"
)

// Streamer opens the response stream of one chat request.
type Streamer interface {
	Stream(ctx context.Context, model string, messages []models.Message) (io.ReadCloser, error)
}

// SessionListener receives the changes of a session as they happen, typically to push them to a browser.
// Calls for one session are never concurrent with each other during a turn.
type SessionListener interface {
	PendingChanged(chatID string, text string)
	MessageAppended(chatID string, msg models.Message)
	TurnEnded(chatID string)
}

// Session is one conversation: its Transcript, its Pending slot and the state machine of the turn in
// flight. Only one turn runs at a time; a submission while a turn is active is rejected with ErrBusy.
type Session struct {
	id string

	streamer Streamer
	reducer  Reducer

	transcript *models.Transcript
	pending    models.Pending

	mu       sync.Mutex
	fsm      *stateless.StateMachine
	settings models.Settings
	title    string

	listener SessionListener
	logger   *slog.Logger
}

// Turn is a user submission frozen into the transcript and waiting to be streamed.
type Turn struct {
	session  *Session
	user     models.Message
	settings models.Settings
	payload  []models.Message
}

// Turn states. A turn moves Idle -> Submitted -> Streaming -> Completed or Failed, and straight back to
// Idle. Failed is also reachable from Submitted when the stream cannot be opened.
const (
	StateIdle      = "Idle"
	StateSubmitted = "Submitted"
	StateStreaming = "Streaming"
	StateCompleted = "Completed"
	StateFailed    = "Failed"
)

const (
	triggerSubmit   = "Submit"
	triggerRead     = "Read"
	triggerComplete = "Complete"
	triggerFail     = "Fail"
	triggerReset    = "Reset"
)

const errorReplyPrefix = "Erro: "

var (
	// ErrEmptyInput is returned when the submitted input is empty or only whitespace.
	ErrEmptyInput = errors.New("empty input")
	// ErrBusy is returned when a submission arrives while a reply is still streaming.
	ErrBusy = errors.New("a reply is still streaming")
)

// NewSession creates an idle session. listener may be nil.
func NewSession(
	id string,
	streamer Streamer,
	reducer Reducer,
	settings models.Settings,
	listener SessionListener,
	logger *slog.Logger,
) *Session {
	s := &Session{
		id:       id,
		streamer: streamer,
		reducer:  reducer,
		settings: settings,
		listener: listener,
		logger:   logger.With(slog.String("module", "session"), slog.String("chatID", id)),
	}
	s.transcript = models.NewTranscript(s.messageAppended)
	s.fsm = s.newStateMachine()
	return s
}

func (s *Session) newStateMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateIdle)

	logEntry := func(ctx context.Context, _ ...any) error {
		tr := stateless.GetTransition(ctx)
		s.logger.Debug("Turn state changed",
			slog.Any("from", tr.Source),
			slog.Any("to", tr.Destination),
			slog.Any("trigger", tr.Trigger))
		return nil
	}

	fsm.Configure(StateIdle).
		OnEntry(logEntry).
		Permit(triggerSubmit, StateSubmitted)

	fsm.Configure(StateSubmitted).
		OnEntry(logEntry).
		Permit(triggerRead, StateStreaming).
		Permit(triggerFail, StateFailed)

	fsm.Configure(StateStreaming).
		OnEntry(logEntry).
		Permit(triggerComplete, StateCompleted).
		Permit(triggerFail, StateFailed)

	fsm.Configure(StateCompleted).
		OnEntry(logEntry).
		Permit(triggerReset, StateIdle)

	fsm.Configure(StateFailed).
		OnEntry(logEntry).
		Permit(triggerReset, StateIdle)

	return fsm
}

func fsmState(fsm *stateless.StateMachine) string {
	st, _ := fsm.MustState().(string)
	return st
}

// ID returns the chat ID of the session.
func (s *Session) ID() string {
	return s.id
}

// Title returns the chat title, derived from the first user message.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

// State returns the state of the turn state machine.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fsmState(s.fsm)
}

// Settings returns the model and system prompt used for the next turn.
func (s *Session) Settings() models.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// UpdateSettings replaces the model and system prompt. A turn already submitted keeps the settings it
// was submitted with.
func (s *Session) UpdateSettings(settings models.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
}

// Transcript returns the ordered messages of the conversation.
func (s *Session) Transcript() []models.Message {
	return s.transcript.Snapshot()
}

// Pending returns the in-flight reply.
func (s *Session) Pending() models.PendingSnapshot {
	return s.pending.Snapshot()
}

// Begin freezes input into a user message and returns the turn to run. Empty input yields ErrEmptyInput
// and a session with a turn in flight yields ErrBusy; neither touches the transcript. The session stays
// busy until the returned turn is run.
func (s *Session) Begin(input string) (*Turn, error) {
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}

	s.mu.Lock()
	if fsmState(s.fsm) != StateIdle {
		s.mu.Unlock()
		return nil, ErrBusy
	}

	user, err := models.NewMessage(models.RoleUser, input)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.fsm.Fire(triggerSubmit); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to submit turn: %w", err)
	}

	settings := s.settings
	if s.title == "" {
		s.title = models.ChatTitle(input)
	}
	s.mu.Unlock()

	// No other turn can append while this one is not back to idle.
	history := s.transcript.Snapshot()
	s.transcript.Append(user)

	system, _ := models.NewMessage(models.RoleSystem, settings.SystemPrompt)
	payload := make([]models.Message, 0, len(history)+2)
	payload = append(payload, system)
	payload = append(payload, history...)
	payload = append(payload, user)

	return &Turn{
		session:  s,
		user:     user,
		settings: settings,
		payload:  payload,
	}, nil
}

// Submit begins a turn and runs it to completion.
func (s *Session) Submit(ctx context.Context, input string) (models.Message, error) {
	turn, err := s.Begin(input)
	if err != nil {
		return models.Message{}, err
	}
	return turn.Run(ctx), nil
}

// UserMessage returns the message the turn was created from.
func (t *Turn) UserMessage() models.Message {
	return t.user
}

// Payload returns the messages sent to the endpoint: the system message, the prior transcript and the
// user message.
func (t *Turn) Payload() []models.Message {
	return t.payload
}

// Run streams the reply and appends it to the transcript. When the stream cannot be opened or breaks,
// an assistant message describing the error is appended instead. Either way the pending slot is reset
// and the session is back to idle when Run returns.
func (t *Turn) Run(ctx context.Context) models.Message {
	s := t.session

	s.pending.Start()
	defer s.endTurn()

	content, err := t.stream(ctx)
	if err != nil {
		s.fire(triggerFail)
		s.logger.Error("Turn failed", slog.String(errLoggerKey, err.Error()))

		reply, _ := models.NewMessage(models.RoleAssistant, errorReplyPrefix+err.Error())
		s.transcript.Append(reply)
		return reply
	}

	s.fire(triggerComplete)
	reply, _ := models.NewMessage(models.RoleAssistant, content)
	s.transcript.Append(reply)
	return reply
}

func (t *Turn) stream(ctx context.Context) (string, error) {
	s := t.session

	body, err := s.streamer.Stream(ctx, t.settings.Model, t.payload)
	if err != nil {
		return "", err
	}
	defer body.Close()

	s.fire(triggerRead)

	return s.reducer.Reduce(ctx, body, func(acc string) {
		s.pending.Publish(acc)
		if s.listener != nil {
			s.listener.PendingChanged(s.id, acc)
		}
	})
}

func (s *Session) endTurn() {
	s.pending.Reset()
	s.fire(triggerReset)
	if s.listener != nil {
		s.listener.TurnEnded(s.id)
	}
}

func (s *Session) fire(trigger string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fsm.Fire(trigger); err != nil {
		s.logger.Error("Invalid turn transition",
			slog.String("trigger", trigger),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (s *Session) messageAppended(msg models.Message) {
	if s.listener != nil {
		s.listener.MessageAppended(s.id, msg)
	}
}
