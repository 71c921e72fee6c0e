// Package paytoken stores single-use payment proofs keyed by the action
// they were purchased for. A proof is spent the moment it is attached to
// a request, so the store's job is to guarantee each one can be taken
// out exactly once.
//
// The store is deliberately in-memory only. A proof that survived a
// process restart could have been half-sent already, so losing them on
// restart is the safe behavior, not a limitation.
package paytoken

import (
	"sync"
	"time"
)

// Token is one payment proof bound to an action key.
type Token struct {
	// Header is the opaque proof exactly as the payment flow produced
	// it; it travels in the X-Payment request header.
	Header string

	// Hash is the identifier derived from the proof. It travels in the
	// request body and doubles as the replay and settlement key.
	Hash string

	// ActionKey names the paid action this proof was purchased for,
	// e.g. "chat" or "agent:7".
	ActionKey string

	// StoredAt records when the proof entered the store.
	StoredAt time.Time
}

// Store holds at most one token per action key.
//
// Callers share a single Store by reference; Put, Get and Consume are
// its only mutators.
type Store struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

// NewStore creates an empty token store.
func NewStore() *Store {
	return &Store{tokens: make(map[string]Token)}
}

// Put stores a token for an action key, replacing any token already
// held for that key. A fresh payment always supersedes an old one.
func (s *Store) Put(actionKey, header, hash string) Token {
	tok := Token{
		Header:    header,
		Hash:      hash,
		ActionKey: actionKey,
		StoredAt:  time.Now(),
	}

	s.mu.Lock()
	s.tokens[actionKey] = tok
	s.mu.Unlock()

	return tok
}

// Get returns the token for an action key without removing it.
func (s *Store) Get(actionKey string) (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.tokens[actionKey]
	return tok, ok
}

// Consume atomically removes and returns the token for an action key.
// After Consume returns, Get reports absent until the next Put.
// Consuming a key with no token is a no-op and reports false.
func (s *Store) Consume(actionKey string) (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[actionKey]
	if !ok {
		return Token{}, false
	}
	delete(s.tokens, actionKey)
	return tok, true
}

// Len returns the number of stored tokens.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// Clear drops every stored token. Used when the wallet disconnects;
// proofs signed by a wallet the user walked away from must not linger.
func (s *Store) Clear() {
	s.mu.Lock()
	s.tokens = make(map[string]Token)
	s.mu.Unlock()
}
