package models

import "sync"

// Settings are the user editable parameters of a chat. The system prompt is kept here rather than in the
// Transcript, and is prepended to every request payload.
type Settings struct {
	Model        string `json:"model"`
	SystemPrompt string `json:"systemPrompt"`
}

// PendingSnapshot is a point in time copy of a Pending slot.
type PendingSnapshot struct {
	Text      string
	Streaming bool
}

// Pending is the single in-flight slot holding the text accumulated so far for the reply being streamed.
// It exists per session; only one reply can be in flight at a time.
type Pending struct {
	mu        sync.RWMutex
	text      string
	streaming bool
}

// Start marks the slot as streaming with empty text.
func (p *Pending) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.text = ""
	p.streaming = true
}

// Publish replaces the accumulated text.
func (p *Pending) Publish(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.text = text
}

// Reset clears the text and the streaming flag.
func (p *Pending) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.text = ""
	p.streaming = false
}

// Snapshot returns the current content of the slot.
func (p *Pending) Snapshot() PendingSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PendingSnapshot{Text: p.text, Streaming: p.streaming}
}
