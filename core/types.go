// Package core defines the shared entity types for the context-engineering
// SDK: conversation messages, sessions, and long-term memories, together
// with the versioned wire codec used by every storage backend.
package core

import (
	"encoding/json"
	"time"
)

// TimeLayout is the fixed-width, lexicographically sortable timestamp format
// used in all persisted documents. All persisted times are UTC.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ValidRole reports whether r is one of the four supported roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Message is a single entry in a session's history. Content is stored
// already redacted; a message is immutable once persisted.
type Message struct {
	ID            string
	Role          Role
	Content       string
	Timestamp     time.Time
	ToolCalls     []json.RawMessage
	ToolResponses []json.RawMessage
}

// SessionStatus is the lifecycle state of a session.
// Transitions are monotonic: active → inactive → archived.
type SessionStatus string

const (
	StatusActive   SessionStatus = "active"
	StatusInactive SessionStatus = "inactive"
	StatusArchived SessionStatus = "archived"
)

// rank orders statuses along the lifecycle; higher never goes back to lower.
func (s SessionStatus) rank() int {
	switch s {
	case StatusActive:
		return 0
	case StatusInactive:
		return 1
	case StatusArchived:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from s to next is a forward
// lifecycle transition. Self-transitions are not allowed.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	return s.rank() >= 0 && next.rank() > s.rank()
}

// Session is a bounded, per-conversation short-term transcript.
type Session struct {
	ID           string
	UserID       string
	CreatedAt    time.Time
	LastAccessed time.Time
	Status       SessionStatus
	History      []Message
	Metadata     map[string]any
}

// Clone returns a deep copy of the session. Stores hand out clones so that
// callers can never mutate cached state directly.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.History = make([]Message, len(s.History))
	copy(cp.History, s.History)
	cp.Metadata = make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// MemoryType distinguishes factual knowledge from process knowledge.
type MemoryType string

const (
	// Declarative memories capture facts ("knowing what").
	Declarative MemoryType = "declarative"
	// Procedural memories capture processes ("knowing how").
	Procedural MemoryType = "procedural"
)

// ValidMemoryType reports whether t is a supported memory type.
func ValidMemoryType(t MemoryType) bool {
	return t == Declarative || t == Procedural
}

// Memory is a single long-term fact or procedure owned by a user.
//
// Importance is always within [0, 1]. Duplicates are possible by design
// (IDs derive from generation time and owner, not content) and are resolved
// later by consolidation. A memory is never edited in place: it is kept,
// merged away, or pruned.
type Memory struct {
	ID           string
	UserID       string
	Content      string
	Type         MemoryType
	Importance   float64
	CreatedAt    time.Time
	LastAccessed time.Time
	Provenance   string
	Tags         []string
	Related      []string

	// Relevance is the retrieval-time score supplied by a search backend.
	// It is transient and never persisted.
	Relevance float64
}

// Validate rejects a memory that must not reach storage.
func (m *Memory) Validate() error {
	if m.ID == "" {
		return goerrValidation("memory id is empty")
	}
	if m.UserID == "" {
		return goerrValidation("memory owner is empty")
	}
	if !ValidMemoryType(m.Type) {
		return goerrValidation("unknown memory type: " + string(m.Type))
	}
	if m.Importance < 0 || m.Importance > 1 {
		return goerrValidation("importance out of range [0,1]")
	}
	return nil
}

// Clamp01 bounds v to [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
