package models

import (
	"slices"
	"sync"
)

// Transcript is the ordered history of a conversation. Insertion order is conversation order, and the
// sequence only ever grows for the lifetime of its session.
//
// A Transcript is safe for concurrent use. The optional change hook is called after every Append,
// outside of the lock, with the appended message.
type Transcript struct {
	mu       sync.RWMutex
	messages []Message
	onAppend func(Message)
}

// NewTranscript creates an empty transcript. onAppend may be nil.
func NewTranscript(onAppend func(Message)) *Transcript {
	return &Transcript{onAppend: onAppend}
}

// Append adds msg to the end of the transcript and notifies the change hook.
func (t *Transcript) Append(msg Message) {
	t.mu.Lock()
	t.messages = append(t.messages, msg)
	hook := t.onAppend
	t.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
}

// Snapshot returns a copy of the current sequence, safe to use while the transcript keeps growing.
func (t *Transcript) Snapshot() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.messages)
}

// Len returns the number of messages in the transcript.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}
