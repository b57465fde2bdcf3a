package core

import (
	"encoding/json"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// SchemaVersion is the wire-format version written into every persisted
// document. Decoders reject documents with a version they do not know,
// so a schema change is detected instead of silently misread.
const SchemaVersion = 1

type wireMessage struct {
	ID            string            `json:"id"`
	Role          string            `json:"role"`
	Content       string            `json:"content"`
	Timestamp     string            `json:"timestamp"`
	ToolCalls     []json.RawMessage `json:"tool_calls,omitempty"`
	ToolResponses []json.RawMessage `json:"tool_responses,omitempty"`
}

type wireSession struct {
	Schema       int            `json:"schema"`
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	CreatedAt    string         `json:"created_at"`
	LastAccessed string         `json:"last_accessed"`
	Status       string         `json:"status"`
	History      []wireMessage  `json:"history"`
	Metadata     map[string]any `json:"metadata"`
}

type wireMemory struct {
	Schema       int      `json:"schema"`
	ID           string   `json:"id"`
	UserID       string   `json:"user_id"`
	Content      string   `json:"content"`
	MemoryType   string   `json:"memory_type"`
	Importance   float64  `json:"importance"`
	CreatedAt    string   `json:"created_at"`
	LastAccessed string   `json:"last_accessed"`
	Provenance   string   `json:"provenance"`
	Tags         []string `json:"tags,omitempty"`
	Related      []string `json:"related_memories,omitempty"`
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		// Older documents used plain RFC3339.
		t, err = time.Parse(time.RFC3339, s)
	}
	if err != nil {
		return time.Time{}, goerr.Wrap(err, "parse timestamp", goerr.V("value", s))
	}
	return t, nil
}

// EncodeSession serializes a session as a self-describing JSON document.
func EncodeSession(s *Session) ([]byte, error) {
	w := wireSession{
		Schema:       SchemaVersion,
		ID:           s.ID,
		UserID:       s.UserID,
		CreatedAt:    encodeTime(s.CreatedAt),
		LastAccessed: encodeTime(s.LastAccessed),
		Status:       string(s.Status),
		Metadata:     s.Metadata,
		History:      make([]wireMessage, 0, len(s.History)),
	}
	for _, m := range s.History {
		w.History = append(w.History, wireMessage{
			ID:            m.ID,
			Role:          string(m.Role),
			Content:       m.Content,
			Timestamp:     encodeTime(m.Timestamp),
			ToolCalls:     m.ToolCalls,
			ToolResponses: m.ToolResponses,
		})
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, goerr.Wrap(err, "marshal session", goerr.V("session_id", s.ID))
	}
	return data, nil
}

// DecodeSession parses a document produced by EncodeSession.
func DecodeSession(data []byte) (*Session, error) {
	var w wireSession
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, goerr.Wrap(err, "unmarshal session")
	}
	if w.Schema != SchemaVersion {
		return nil, goerr.Wrap(ErrSchemaVersion, "session document",
			goerr.V("schema", w.Schema), goerr.V("supported", SchemaVersion))
	}

	createdAt, err := decodeTime(w.CreatedAt)
	if err != nil {
		return nil, err
	}
	lastAccessed, err := decodeTime(w.LastAccessed)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:           w.ID,
		UserID:       w.UserID,
		CreatedAt:    createdAt,
		LastAccessed: lastAccessed,
		Status:       SessionStatus(w.Status),
		Metadata:     w.Metadata,
		History:      make([]Message, 0, len(w.History)),
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	for _, m := range w.History {
		ts, err := decodeTime(m.Timestamp)
		if err != nil {
			return nil, err
		}
		s.History = append(s.History, Message{
			ID:            m.ID,
			Role:          Role(m.Role),
			Content:       m.Content,
			Timestamp:     ts,
			ToolCalls:     m.ToolCalls,
			ToolResponses: m.ToolResponses,
		})
	}
	return s, nil
}

// EncodeMemory serializes a memory as a self-describing JSON document.
// The transient Relevance field is not persisted.
func EncodeMemory(m *Memory) ([]byte, error) {
	w := wireMemory{
		Schema:       SchemaVersion,
		ID:           m.ID,
		UserID:       m.UserID,
		Content:      m.Content,
		MemoryType:   string(m.Type),
		Importance:   m.Importance,
		CreatedAt:    encodeTime(m.CreatedAt),
		LastAccessed: encodeTime(m.LastAccessed),
		Provenance:   m.Provenance,
		Tags:         m.Tags,
		Related:      m.Related,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, goerr.Wrap(err, "marshal memory", goerr.V("memory_id", m.ID))
	}
	return data, nil
}

// DecodeMemory parses a document produced by EncodeMemory.
func DecodeMemory(data []byte) (*Memory, error) {
	var w wireMemory
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, goerr.Wrap(err, "unmarshal memory")
	}
	if w.Schema != SchemaVersion {
		return nil, goerr.Wrap(ErrSchemaVersion, "memory document",
			goerr.V("schema", w.Schema), goerr.V("supported", SchemaVersion))
	}

	createdAt, err := decodeTime(w.CreatedAt)
	if err != nil {
		return nil, err
	}
	lastAccessed, err := decodeTime(w.LastAccessed)
	if err != nil {
		return nil, err
	}

	return &Memory{
		ID:           w.ID,
		UserID:       w.UserID,
		Content:      w.Content,
		Type:         MemoryType(w.MemoryType),
		Importance:   w.Importance,
		CreatedAt:    createdAt,
		LastAccessed: lastAccessed,
		Provenance:   w.Provenance,
		Tags:         w.Tags,
		Related:      w.Related,
	}, nil
}
