package chat

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Transcript is an append-only message log for one chat session.
// Messages are never edited or removed once appended; failed sends are
// surfaced to the user as banners, not by rewriting history.
type Transcript struct {
	mu        sync.RWMutex
	sessionID string
	createdAt time.Time
	messages  []Message
}

// NewTranscript creates an empty transcript with a generated session ID.
func NewTranscript() *Transcript {
	return &Transcript{
		sessionID: uuid.New().String(),
		createdAt: time.Now().UTC(),
	}
}

// SessionID returns the session identifier.
func (t *Transcript) SessionID() string {
	return t.sessionID
}

// Append validates and stores a message, filling in ID and timestamp
// when the caller left them empty. It returns the stored message.
func (t *Transcript) Append(msg Message) (Message, error) {
	if !msg.Role.Valid() {
		return Message{}, fmt.Errorf("chat: invalid role %q", msg.Role)
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	t.messages = append(t.messages, msg)
	t.mu.Unlock()

	return msg, nil
}

// Messages returns a copy of the transcript in append order.
func (t *Transcript) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of messages appended so far.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Last returns the most recent message, if any.
func (t *Transcript) Last() (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.messages) == 0 {
		return Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}

// SessionStore tracks transcripts by session ID. The server keeps one
// per chat session so the model backend sees prior turns.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Transcript
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Transcript)}
}

// Get returns the transcript for a session ID.
func (s *SessionStore) Get(sessionID string) (*Transcript, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.sessions[sessionID]
	return t, ok
}

// GetOrCreate returns the transcript for a session ID, creating one
// when the ID is unknown or empty. The returned transcript's own ID is
// authoritative; callers echo it back to stay on the same session.
func (s *SessionStore) GetOrCreate(sessionID string) *Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID != "" {
		if t, ok := s.sessions[sessionID]; ok {
			return t
		}
	}

	t := NewTranscript()
	if sessionID != "" {
		t.sessionID = sessionID
	}
	s.sessions[t.sessionID] = t
	return t
}

// Count returns the number of live sessions.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
