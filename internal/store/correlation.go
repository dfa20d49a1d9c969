// Package store holds the persistence contracts the engine depends on and
// the in-memory / file-backed implementations used by a single-streamer
// deployment.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Correlation patterns, ordered strongest to weakest.
const (
	PatternDirectQuote      = "direct_quote"
	PatternKeywordEcho      = "keyword_echo"
	PatternEmoteReaction    = "emote_reaction"
	PatternQuestionResponse = "question_response"
	PatternTemporalOnly     = "temporal_only"
)

// Correlation is one speech-to-chat match.
type Correlation struct {
	ID                string    `json:"id"`
	TranscriptionID   string    `json:"transcription_id"`
	TranscriptionText string    `json:"transcription_text"`
	ChatMessageID     string    `json:"chat_message_id"`
	ChatUser          string    `json:"chat_user"`
	ChatText          string    `json:"chat_text"`
	Pattern           string    `json:"pattern"`
	Confidence        float64   `json:"confidence"`
	TimeOffsetMS      int64     `json:"time_offset_ms"`
	Timestamp         time.Time `json:"timestamp"`
	SessionID         string    `json:"session_id,omitempty"`
}

// Fingerprint is the deterministic dedup key for a correlation.
func (c Correlation) Fingerprint() string {
	return c.TranscriptionID + ":" + c.ChatMessageID + ":" + c.Pattern
}

// ErrNoSession is returned by EndSession when no session is active.
var ErrNoSession = errors.New("no active session")

// CorrelationStore is the external collaborator persisting correlations.
type CorrelationStore interface {
	StartSession(ctx context.Context) (string, error)
	EndSession(ctx context.Context, sessionID string) error
	Save(ctx context.Context, c Correlation) error
}

// MemoryCorrelationStore keeps sessions and correlations in memory.
type MemoryCorrelationStore struct {
	mu           sync.Mutex
	sessions     map[string]time.Time
	ended        map[string]time.Time
	correlations []Correlation
}

// NewMemoryCorrelationStore creates an empty in-memory store.
func NewMemoryCorrelationStore() *MemoryCorrelationStore {
	return &MemoryCorrelationStore{
		sessions: make(map[string]time.Time),
		ended:    make(map[string]time.Time),
	}
}

func (s *MemoryCorrelationStore) StartSession(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.sessions[id] = time.Now()
	return id, nil
}

func (s *MemoryCorrelationStore) EndSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return ErrNoSession
	}
	delete(s.sessions, sessionID)
	s.ended[sessionID] = time.Now()
	return nil
}

func (s *MemoryCorrelationStore) Save(ctx context.Context, c Correlation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.correlations = append(s.correlations, c)
	return nil
}

// Correlations returns a copy of everything saved so far.
func (s *MemoryCorrelationStore) Correlations() []Correlation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Correlation, len(s.correlations))
	copy(out, s.correlations)
	return out
}
