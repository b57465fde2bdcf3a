package memory

import (
	"context"

	"github.com/recallkit/recall-go-sdk/core"
)

// Scored is a retrieval candidate produced by a search backend.
// Ranked marks whether Relevance carries a real backend score; unranked
// candidates are scored with a neutral relevance during blending.
type Scored struct {
	Memory    core.Memory
	Relevance float64
	Ranked    bool
}

// SearchBackend is the pluggable retrieval capability: a vector index, a
// knowledge graph, or anything else that can index memories and answer
// queries for one user. A store runs with zero or more backends; with none
// configured, retrieval falls back to scanning durable records.
type SearchBackend interface {
	// Store indexes a memory. The memory is already validated and durably
	// persisted before this is called.
	Store(ctx context.Context, mem *core.Memory) error

	// Search returns up to topK candidates for the query, most relevant
	// first. An empty result is not an error.
	Search(ctx context.Context, userID, query string, topK int) ([]Scored, error)

	// Delete drops a memory from the index. Unknown IDs are ignored.
	Delete(ctx context.Context, userID, memoryID string) error

	// All returns every indexed memory owned by userID. Consolidation
	// uses it to deindex entries whose durable record is gone.
	All(ctx context.Context, userID string) ([]core.Memory, error)

	// Close releases backend resources.
	Close() error
}

// Extractor distills the memorable part of a conversation. The default
// KeywordExtractor is a stand-in for an LLM-backed implementation such as
// the one in extractor/claude.
type Extractor interface {
	// Extract returns the content worth remembering, or "" when the
	// conversation contains nothing matching the given topics.
	Extract(ctx context.Context, conversation string, topics []string) (string, error)
}

// Similarity reports whether two memory contents describe the same thing.
// Consolidation groups memories through this capability and keeps one
// representative per group.
type Similarity func(a, b string) bool

// ConflictDetector reports whether two memories contradict each other.
// Detected conflicts are logged during consolidation; resolution is left
// to the caller's policy and is intentionally not performed here.
type ConflictDetector func(a, b *core.Memory) bool

// Embedder converts text to vector embeddings for backends that need them.
// Implementations: mock (testing), API-based embedders (production).
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// RetrieveOptions narrow a retrieval. The zero value means: top 5, any
// type, any importance, any age.
type RetrieveOptions struct {
	TopK          int
	Types         []core.MemoryType
	MinImportance float64
	MaxAgeDays    int
}

// DefaultTopics is the topic list used when the caller has no
// domain-specific definitions of what is worth remembering.
var DefaultTopics = []string{
	"personal preferences",
	"important facts",
	"user goals",
	"contact information",
	"important decisions",
}
