// Package chromem provides a vector search backend on chromem-go, a pure
// Go embedded vector database. Everything lives in process memory; the
// durable system of record stays with the memory store's KV backend.
package chromem

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	chromem "github.com/philippgille/chromem-go"

	"github.com/recallkit/recall-go-sdk/core"
	"github.com/recallkit/recall-go-sdk/memory"
)

// Backend indexes memories per user, one chromem collection each, and
// answers queries by cosine similarity over embeddings produced by the
// configured embedder.
//
// A mirror of indexed memories is kept alongside the vector index because
// chromem has no enumeration API; All and result materialization are
// served from it.
type Backend struct {
	db       *chromem.DB
	embedder memory.Embedder
	logger   *slog.Logger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	byUser      map[string]map[string]core.Memory
}

// Option configures the backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New creates a chromem-backed search backend.
func New(embedder memory.Embedder, opts ...Option) (*Backend, error) {
	if embedder == nil {
		return nil, goerr.New("chromem backend requires an embedder")
	}

	b := &Backend{
		db:          chromem.NewDB(),
		embedder:    embedder,
		logger:      slog.Default(),
		collections: make(map[string]*chromem.Collection),
		byUser:      make(map[string]map[string]core.Memory),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Store embeds the memory content and indexes it in the owner's
// collection.
func (b *Backend) Store(ctx context.Context, mem *core.Memory) error {
	embedding, err := b.embedder.Embed(ctx, mem.Content)
	if err != nil {
		return goerr.Wrap(err, "embed memory", goerr.V("memory_id", mem.ID))
	}

	col, err := b.collection(mem.UserID)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        mem.ID,
		Content:   mem.Content,
		Embedding: embedding,
		Metadata: map[string]string{
			"type":       string(mem.Type),
			"importance": strconv.FormatFloat(mem.Importance, 'g', -1, 64),
			"created_at": mem.CreatedAt.Format(time.RFC3339),
			"provenance": mem.Provenance,
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return goerr.Wrap(err, "index document", goerr.V("memory_id", mem.ID))
	}

	b.mu.Lock()
	if b.byUser[mem.UserID] == nil {
		b.byUser[mem.UserID] = make(map[string]core.Memory)
	}
	b.byUser[mem.UserID][mem.ID] = *mem
	b.mu.Unlock()
	return nil
}

// Search embeds the query and returns up to topK candidates scored by
// cosine similarity.
func (b *Backend) Search(ctx context.Context, userID, query string, topK int) ([]memory.Scored, error) {
	b.mu.RLock()
	indexed := len(b.byUser[userID])
	b.mu.RUnlock()
	if indexed == 0 {
		return nil, nil
	}

	embedding, err := b.embedder.Embed(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(err, "embed query")
	}

	col, err := b.collection(userID)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults larger than the collection.
	if topK > indexed {
		topK = indexed
	}
	results, err := col.QueryEmbedding(ctx, embedding, topK, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "query embedding", goerr.V("user_id", userID))
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	var scored []memory.Scored
	for _, result := range results {
		mem, ok := b.byUser[userID][result.ID]
		if !ok {
			b.logger.Warn("indexed document missing from mirror", "id", result.ID)
			continue
		}
		scored = append(scored, memory.Scored{
			Memory:    mem,
			Relevance: core.Clamp01(float64(result.Similarity)),
			Ranked:    true,
		})
	}
	return scored, nil
}

// Delete drops a memory from the index. Unknown IDs are ignored.
func (b *Backend) Delete(ctx context.Context, userID, memoryID string) error {
	b.mu.Lock()
	_, known := b.byUser[userID][memoryID]
	delete(b.byUser[userID], memoryID)
	b.mu.Unlock()
	if !known {
		return nil
	}

	col, err := b.collection(userID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, memoryID); err != nil {
		return goerr.Wrap(err, "delete document", goerr.V("memory_id", memoryID))
	}
	return nil
}

// All returns every indexed memory for userID in no particular order.
func (b *Backend) All(_ context.Context, userID string) ([]core.Memory, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]core.Memory, 0, len(b.byUser[userID]))
	for _, mem := range b.byUser[userID] {
		out = append(out, mem)
	}
	return out, nil
}

// Close releases nothing: chromem keeps everything in memory.
func (b *Backend) Close() error {
	return nil
}

// collection returns the per-user collection, creating it on first use.
func (b *Backend) collection(userID string) (*chromem.Collection, error) {
	b.mu.RLock()
	col, exists := b.collections[userID]
	b.mu.RUnlock()
	if exists {
		return col, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if col, exists := b.collections[userID]; exists {
		return col, nil
	}

	name := fmt.Sprintf("user_%s", userID)
	col, err := b.db.CreateCollection(name, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "create collection", goerr.V("user_id", userID))
	}
	b.collections[userID] = col
	return col, nil
}
