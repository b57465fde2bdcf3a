package memory

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallkit/recall-go-sdk/core"
	"github.com/recallkit/recall-go-sdk/storage"
)

// stubBackend serves canned search results and records deletions.
type stubBackend struct {
	results []Scored
	stored  []string
	deleted []string
}

func (b *stubBackend) Store(_ context.Context, mem *core.Memory) error {
	b.stored = append(b.stored, mem.ID)
	return nil
}

func (b *stubBackend) Search(_ context.Context, _, _ string, _ int) ([]Scored, error) {
	return b.results, nil
}

func (b *stubBackend) Delete(_ context.Context, _, memoryID string) error {
	b.deleted = append(b.deleted, memoryID)
	return nil
}

func (b *stubBackend) All(_ context.Context, _ string) ([]core.Memory, error) {
	var out []core.Memory
	for _, r := range b.results {
		out = append(out, r.Memory)
	}
	return out, nil
}

func (b *stubBackend) Close() error { return nil }

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	kv, err := storage.NewFileKV(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	s, err := New(kv, opts...)
	require.NoError(t, err)
	return s
}

func TestGenerateExtractsAndPersists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mem, err := s.Generate(ctx, "alice",
		"We discussed personal preferences: the user only drinks oat milk.", nil)
	require.NoError(t, err)
	require.NotNil(t, mem)

	assert.True(t, strings.HasPrefix(mem.ID, "mem_"))
	assert.Equal(t, "alice", mem.UserID)
	assert.Equal(t, core.Declarative, mem.Type)
	assert.Equal(t, ProvenanceConversationETL, mem.Provenance)
	assert.GreaterOrEqual(t, mem.Importance, 0.0)
	assert.LessOrEqual(t, mem.Importance, 1.0)

	got, err := s.Retrieve(ctx, "alice", "oat milk", RetrieveOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mem.ID, got[0].ID)
}

func TestGenerateNothingMemorable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mem, err := s.Generate(ctx, "alice", "ok thanks bye", nil)
	require.NoError(t, err)
	assert.Nil(t, mem)

	got, err := s.Retrieve(ctx, "alice", "anything", RetrieveOptions{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGenerateClassifiesProcedural(t *testing.T) {
	s := newTestStore(t)

	mem, err := s.Generate(context.Background(), "alice",
		"Important facts: how to restart the heating is to hold the red button.", nil)
	require.NoError(t, err)
	require.NotNil(t, mem)
	assert.Equal(t, core.Procedural, mem.Type)
}

func TestPutValidates(t *testing.T) {
	s := newTestStore(t)

	err := s.Put(context.Background(), &core.Memory{
		ID: "mem_1", UserID: "alice", Content: "x",
		Type: core.MemoryType("episodic"), Importance: 0.5,
	})
	assert.ErrorIs(t, err, core.ErrValidation)

	err = s.Put(context.Background(), &core.Memory{
		ID: "mem_2", UserID: "alice", Content: "x",
		Type: core.Declarative, Importance: 1.5,
	})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestRetrieveRanksByBlendedScore(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	same := func(id string, relevance float64) Scored {
		return Scored{
			Memory: core.Memory{
				ID: id, UserID: "alice", Content: id,
				Type: core.Declarative, Importance: 0.5, CreatedAt: now,
			},
			Relevance: relevance,
			Ranked:    true,
		}
	}
	backend := &stubBackend{results: []Scored{
		same("mem_low", 0.1), same("mem_high", 0.9), same("mem_mid", 0.5),
	}}
	s := newTestStore(t,
		WithBackends(backend),
		WithClock(func() time.Time { return now }))

	got, err := s.Retrieve(context.Background(), "alice", "q", RetrieveOptions{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "mem_high", got[0].ID)
	assert.Equal(t, "mem_mid", got[1].ID)
	assert.Equal(t, "mem_low", got[2].ID)
	assert.InDelta(t, 0.9, got[0].Relevance, 0.001)
}

func TestRetrieveNeutralRelevanceForUnranked(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	backend := &stubBackend{results: []Scored{{
		Memory: core.Memory{
			ID: "mem_a", UserID: "alice", Content: "a",
			Type: core.Declarative, Importance: 0.5, CreatedAt: now,
		},
	}}}
	s := newTestStore(t,
		WithBackends(backend),
		WithClock(func() time.Time { return now }))

	got, err := s.Retrieve(context.Background(), "alice", "q", RetrieveOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, neutralRelevance, got[0].Relevance, 0.001)
}

func TestRetrieveFilters(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	backend := &stubBackend{results: []Scored{
		{Memory: core.Memory{
			ID: "mem_weak", UserID: "alice", Content: "weak",
			Type: core.Declarative, Importance: 0.2, CreatedAt: now,
		}, Relevance: 0.9, Ranked: true},
		{Memory: core.Memory{
			ID: "mem_old", UserID: "alice", Content: "old",
			Type: core.Declarative, Importance: 0.8,
			CreatedAt: now.AddDate(0, 0, -60),
		}, Relevance: 0.9, Ranked: true},
		{Memory: core.Memory{
			ID: "mem_proc", UserID: "alice", Content: "proc",
			Type: core.Procedural, Importance: 0.8, CreatedAt: now,
		}, Relevance: 0.9, Ranked: true},
	}}
	s := newTestStore(t,
		WithBackends(backend),
		WithClock(func() time.Time { return now }))
	ctx := context.Background()

	got, err := s.Retrieve(ctx, "alice", "q", RetrieveOptions{MinImportance: 0.3})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = s.Retrieve(ctx, "alice", "q", RetrieveOptions{MaxAgeDays: 30})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = s.Retrieve(ctx, "alice", "q", RetrieveOptions{
		Types: []core.MemoryType{core.Procedural},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mem_proc", got[0].ID)
}

func TestRetrieveTopK(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := s.Generate(ctx, "alice",
			"important facts number "+strings.Repeat("x", i+1), nil)
		require.NoError(t, err)
	}

	got, err := s.Retrieve(ctx, "alice", "facts", RetrieveOptions{})
	require.NoError(t, err)
	assert.Len(t, got, 5)

	got, err = s.Retrieve(ctx, "alice", "facts", RetrieveOptions{TopK: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRetrieveIsolatesUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Generate(ctx, "alice", "important facts about alice", nil)
	require.NoError(t, err)

	got, err := s.Retrieve(ctx, "bob", "alice", RetrieveOptions{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWriteVisibleAfterCachedRetrieve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Generate(ctx, "alice", "important facts: first", nil)
	require.NoError(t, err)

	got, err := s.Retrieve(ctx, "alice", "facts", RetrieveOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Same query again after a write must see the new memory.
	_, err = s.Generate(ctx, "alice", "important facts: second", nil)
	require.NoError(t, err)

	got, err = s.Retrieve(ctx, "alice", "facts", RetrieveOptions{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRetrieveContextAppliesImportanceFloor(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	weak := &core.Memory{
		ID: "mem_weak", UserID: "alice", Content: "weak",
		Type: core.Declarative, Importance: 0.1, CreatedAt: now, LastAccessed: now,
	}
	strong := &core.Memory{
		ID: "mem_strong", UserID: "alice", Content: "strong",
		Type: core.Declarative, Importance: 0.8, CreatedAt: now, LastAccessed: now,
	}
	require.NoError(t, s.Put(ctx, weak))
	require.NoError(t, s.Put(ctx, strong))

	got, err := s.RetrieveContext(ctx, "alice", "anything", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mem_strong", got[0].ID)
}

func TestConsolidateMergesDuplicates(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	put := func(id, content string, importance float64, createdAt time.Time) {
		require.NoError(t, s.Put(ctx, &core.Memory{
			ID: id, UserID: "alice", Content: content,
			Type: core.Declarative, Importance: importance,
			CreatedAt: createdAt, LastAccessed: createdAt,
		}))
	}
	put("mem_a", "The user drinks oat milk", 0.4, now.Add(-2*time.Hour))
	put("mem_b", "the user drinks  OAT milk", 0.7, now.Add(-1*time.Hour))
	put("mem_c", "The user drinks oat milk", 0.7, now.Add(-3*time.Hour))
	put("mem_d", "The user lives in Oslo", 0.6, now)

	require.NoError(t, s.Consolidate(ctx, "alice"))

	got, err := s.Retrieve(ctx, "alice", "", RetrieveOptions{})
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, m := range got {
		ids[m.ID] = true
	}
	// mem_b wins its group on (importance, created_at); mem_d is untouched.
	assert.Equal(t, map[string]bool{"mem_b": true, "mem_d": true}, ids)
}

func TestConsolidatePrunesStaleUnimportant(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	put := func(id, content string, importance float64, age time.Duration) {
		createdAt := now.Add(-age)
		require.NoError(t, s.Put(ctx, &core.Memory{
			ID: id, UserID: "alice", Content: content,
			Type: core.Declarative, Importance: importance,
			CreatedAt: createdAt, LastAccessed: createdAt,
		}))
	}
	put("mem_stale_weak", "a", 0.1, 40*24*time.Hour)   // pruned
	put("mem_stale_strong", "b", 0.8, 40*24*time.Hour) // kept: important
	put("mem_fresh_weak", "c", 0.1, time.Hour)         // kept: fresh

	require.NoError(t, s.Consolidate(ctx, "alice"))

	got, err := s.Retrieve(ctx, "alice", "", RetrieveOptions{})
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, m := range got {
		ids[m.ID] = true
	}
	assert.Equal(t, map[string]bool{
		"mem_stale_strong": true,
		"mem_fresh_weak":   true,
	}, ids)
}

func TestConsolidateDropsOrphanedIndexEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	orphan := core.Memory{
		ID: "mem_orphan", UserID: "alice", Content: "record deleted out of band",
		Type: core.Declarative, Importance: 0.9,
		CreatedAt: now, LastAccessed: now,
	}
	backend := &stubBackend{results: []Scored{{Memory: orphan, Relevance: 0.9, Ranked: true}}}
	s := newTestStore(t,
		WithBackends(backend),
		WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &core.Memory{
		ID: "mem_kept", UserID: "alice", Content: "the user drinks oat milk",
		Type: core.Declarative, Importance: 0.7,
		CreatedAt: now, LastAccessed: now,
	}))

	require.NoError(t, s.Consolidate(ctx, "alice"))

	// The index entry with no durable record is deindexed; the live
	// memory is untouched.
	assert.Contains(t, backend.deleted, "mem_orphan")
	assert.NotContains(t, backend.deleted, "mem_kept")
}

func TestConsolidateLogsConflicts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	detected := 0
	s := newTestStore(t,
		WithClock(func() time.Time { return now }),
		WithConflictDetector(func(a, b *core.Memory) bool {
			detected++
			return true
		}))
	ctx := context.Background()

	for i, content := range []string{"lives in Oslo", "lives in Bergen"} {
		require.NoError(t, s.Put(ctx, &core.Memory{
			ID: "mem_" + string(rune('a'+i)), UserID: "alice", Content: content,
			Type: core.Declarative, Importance: 0.6,
			CreatedAt: now, LastAccessed: now,
		}))
	}

	require.NoError(t, s.Consolidate(ctx, "alice"))
	assert.Equal(t, 1, detected)

	// Detection never removes anything.
	got, err := s.Retrieve(ctx, "alice", "", RetrieveOptions{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRemoveIsIdempotent(t *testing.T) {
	backend := &stubBackend{}
	s := newTestStore(t, WithBackends(backend))
	ctx := context.Background()

	mem := &core.Memory{
		ID: "mem_x", UserID: "alice", Content: "x",
		Type: core.Declarative, Importance: 0.5,
		CreatedAt: time.Now(), LastAccessed: time.Now(),
	}
	require.NoError(t, s.Put(ctx, mem))

	require.NoError(t, s.Remove(ctx, "mem_x"))
	assert.Equal(t, []string{"mem_x"}, backend.deleted)

	// Second remove and unknown IDs are no-ops.
	require.NoError(t, s.Remove(ctx, "mem_x"))
	require.NoError(t, s.Remove(ctx, "mem_never_existed"))
	assert.Equal(t, []string{"mem_x"}, backend.deleted)
}

func TestFromTranscript(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.FromTranscript(ctx, "alice",
		"user goals for the quarter include shipping the migration", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "mem_"))

	id, err = s.FromTranscript(ctx, "alice", "hello there", nil)
	require.NoError(t, err)
	assert.Equal(t, "", id)
}
