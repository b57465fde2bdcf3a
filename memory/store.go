package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
	"github.com/oklog/ulid/v2"

	"github.com/recallkit/recall-go-sdk/core"
	"github.com/recallkit/recall-go-sdk/storage"
)

const keyPrefix = "memory/"

// Provenance recorded on memories generated from conversation transcripts.
const ProvenanceConversationETL = "conversation_etl"

// Store manages long-term memories: generation from conversations, blended
// retrieval, duplicate consolidation, and pruning. Durable records live in
// a KV backend; zero or more SearchBackends provide ranked retrieval on
// top of it.
//
// Retrieval results are cached per (user, generation, query, options). The
// generation counter is bumped on every mutation for that user, which makes
// stale cache entries unreachable instead of trying to evict them.
type Store struct {
	kv        storage.KV
	backends  []SearchBackend
	extractor Extractor
	similar   Similarity
	conflicts ConflictDetector
	cache     *ristretto.Cache
	logger    *slog.Logger
	clock     func() time.Time

	pruneImportance float64
	pruneAgeDays    int

	// Both maps grow with the number of distinct users, not with the
	// number of memories or calls. Users have no terminal state, so the
	// entries are never evicted; a counter and a mutex per user is the
	// accepted cost.
	gens  sync.Map // user id → *atomic.Uint64
	locks sync.Map // user id → *sync.Mutex, consolidation only
}

// Option configures the store.
type Option func(*Store)

// WithBackends attaches search backends. Order is preserved; candidates
// from earlier backends win relevance ties during deduplication.
func WithBackends(backends ...SearchBackend) Option {
	return func(s *Store) { s.backends = append(s.backends, backends...) }
}

// WithExtractor replaces the default KeywordExtractor.
func WithExtractor(e Extractor) Option {
	return func(s *Store) { s.extractor = e }
}

// WithSimilarity replaces the duplicate test used by Consolidate.
func WithSimilarity(sim Similarity) Option {
	return func(s *Store) { s.similar = sim }
}

// WithConflictDetector installs a conflict test. Conflicts found during
// consolidation are logged, not resolved.
func WithConflictDetector(d ConflictDetector) Option {
	return func(s *Store) { s.conflicts = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithPruning overrides the consolidation pruning thresholds. A memory is
// pruned when its importance is below minImportance and it is older than
// maxAgeDays.
func WithPruning(minImportance float64, maxAgeDays int) Option {
	return func(s *Store) {
		s.pruneImportance = minImportance
		s.pruneAgeDays = maxAgeDays
	}
}

// New creates a memory store on top of kv. Defaults: KeywordExtractor,
// normalized exact-match similarity, no conflict detector, prune below
// importance 0.3 after 30 days.
func New(kv storage.KV, opts ...Option) (*Store, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "create memory query cache")
	}

	s := &Store{
		kv:              kv,
		extractor:       KeywordExtractor{},
		similar:         DefaultSimilarity,
		cache:           cache,
		logger:          slog.Default(),
		clock:           time.Now,
		pruneImportance: 0.3,
		pruneAgeDays:    30,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes every attached backend.
func (s *Store) Close() error {
	var errs []error
	for _, b := range s.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Generate distills conversationText through the extractor and persists
// the result as a new memory for userID. Returns (nil, nil) when the
// extractor found nothing worth remembering; nothing is persisted in that
// case.
func (s *Store) Generate(ctx context.Context, userID, conversationText string, topics []string) (*core.Memory, error) {
	if userID == "" {
		return nil, goerr.Wrap(core.ErrValidation, "user id is empty")
	}
	if len(topics) == 0 {
		topics = DefaultTopics
	}

	extracted, err := s.extractor.Extract(ctx, conversationText, topics)
	if err != nil {
		return nil, goerr.Wrap(err, "extract memory content", goerr.V("user_id", userID))
	}
	if extracted == "" {
		return nil, nil
	}

	now := s.clock()
	mem := &core.Memory{
		ID:           newMemoryID(now),
		UserID:       userID,
		Content:      extracted,
		Type:         Classify(extracted),
		Importance:   Importance(extracted),
		CreatedAt:    now,
		LastAccessed: now,
		Provenance:   ProvenanceConversationETL,
	}

	if err := s.Put(ctx, mem); err != nil {
		return nil, err
	}
	s.logger.Info("generated memory",
		"memory_id", mem.ID, "user_id", userID,
		"type", mem.Type, "importance", mem.Importance)
	return mem, nil
}

// Put validates and persists a memory: durable KV record first, then every
// attached backend. Having no backends is fine; a failing backend is not.
func (s *Store) Put(ctx context.Context, mem *core.Memory) error {
	if err := mem.Validate(); err != nil {
		return err
	}

	blob, err := core.EncodeMemory(mem)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, keyPrefix+mem.ID, blob); err != nil {
		return goerr.Wrap(err, "store memory", goerr.V("memory_id", mem.ID))
	}

	for _, b := range s.backends {
		if err := b.Store(ctx, mem); err != nil {
			return goerr.Wrap(err, "index memory", goerr.V("memory_id", mem.ID))
		}
	}

	s.bumpGeneration(mem.UserID)
	return nil
}

// Retrieve returns the memories most relevant to query for userID, ranked
// by 0.4*importance + 0.4*relevance + 0.2*recency. Candidates come from
// every attached backend, deduplicated by ID; with no backends it scans
// durable records. Ties keep candidate order.
func (s *Store) Retrieve(ctx context.Context, userID, query string, opts RetrieveOptions) ([]core.Memory, error) {
	if userID == "" {
		return nil, goerr.Wrap(core.ErrValidation, "user id is empty")
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}

	cacheKey := s.queryCacheKey(userID, query, opts)
	if cached, ok := s.cache.Get(cacheKey); ok {
		return append([]core.Memory(nil), cached.([]core.Memory)...), nil
	}

	candidates, err := s.gather(ctx, userID, query, opts.TopK)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	cutoff := time.Time{}
	if opts.MaxAgeDays > 0 {
		cutoff = now.AddDate(0, 0, -opts.MaxAgeDays)
	}

	var kept []Scored
	for _, c := range candidates {
		if c.Memory.Importance < opts.MinImportance {
			continue
		}
		if len(opts.Types) > 0 && !typeAllowed(c.Memory.Type, opts.Types) {
			continue
		}
		if !cutoff.IsZero() && c.Memory.CreatedAt.Before(cutoff) {
			continue
		}
		if !c.Ranked {
			c.Relevance = neutralRelevance
		}
		c.Memory.Relevance = c.Relevance
		kept = append(kept, c)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return blendedScore(&kept[i].Memory, kept[i].Relevance, now) >
			blendedScore(&kept[j].Memory, kept[j].Relevance, now)
	})
	if len(kept) > opts.TopK {
		kept = kept[:opts.TopK]
	}

	result := make([]core.Memory, 0, len(kept))
	for _, c := range kept {
		result = append(result, c.Memory)
	}

	s.cache.Set(cacheKey, append([]core.Memory(nil), result...), 1)
	return result, nil
}

// RetrieveContext is the adapter-facing retrieval: topK results (default
// 5) above the 0.3 importance floor.
func (s *Store) RetrieveContext(ctx context.Context, userID, query string, topK int) ([]core.Memory, error) {
	return s.Retrieve(ctx, userID, query, RetrieveOptions{
		TopK:          topK,
		MinImportance: 0.3,
	})
}

// FromTranscript generates a memory from a conversation transcript and
// returns its ID, or "" when nothing was worth remembering.
func (s *Store) FromTranscript(ctx context.Context, userID, transcript string, topics []string) (string, error) {
	mem, err := s.Generate(ctx, userID, transcript, topics)
	if err != nil {
		return "", err
	}
	if mem == nil {
		return "", nil
	}
	return mem.ID, nil
}

// Consolidate merges duplicate memories and prunes stale low-importance
// ones for a single user. Duplicate groups keep the memory that wins on
// (importance, created_at); the rest are removed. Conflicting memories are
// logged when a detector is attached, never resolved. Calls for the same
// user are serialized.
func (s *Store) Consolidate(ctx context.Context, userID string) error {
	if userID == "" {
		return goerr.Wrap(core.ErrValidation, "user id is empty")
	}

	mu := s.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()

	all, err := s.allForUser(ctx, userID)
	if err != nil {
		return err
	}

	removed := 0
	var survivors []core.Memory
	for _, group := range s.groupDuplicates(all) {
		keep := 0
		for i := 1; i < len(group); i++ {
			if betterKeep(&group[i], &group[keep]) {
				keep = i
			}
		}
		for i, mem := range group {
			if i != keep {
				if err := s.removeRecord(ctx, &mem); err != nil {
					s.logger.Warn("consolidate: failed to remove duplicate",
						"memory_id", mem.ID, "err", err)
					continue
				}
				removed++
			}
		}
		survivors = append(survivors, group[keep])
	}

	now := s.clock()
	pruneCutoff := now.AddDate(0, 0, -s.pruneAgeDays)
	pruned := 0
	var remaining []core.Memory
	for _, mem := range survivors {
		if mem.Importance < s.pruneImportance && mem.CreatedAt.Before(pruneCutoff) {
			if err := s.removeRecord(ctx, &mem); err != nil {
				s.logger.Warn("consolidate: failed to prune memory",
					"memory_id", mem.ID, "err", err)
				remaining = append(remaining, mem)
				continue
			}
			pruned++
			continue
		}
		remaining = append(remaining, mem)
	}

	if s.conflicts != nil {
		for i := range remaining {
			for j := i + 1; j < len(remaining); j++ {
				if s.conflicts(&remaining[i], &remaining[j]) {
					s.logger.Warn("consolidate: conflicting memories detected",
						"user_id", userID,
						"memory_id", remaining[i].ID,
						"conflicts_with", remaining[j].ID)
				}
			}
		}
	}

	s.reconcileBackends(ctx, userID, remaining)

	s.bumpGeneration(userID)
	s.logger.Info("consolidated memories",
		"user_id", userID, "merged", removed, "pruned", pruned,
		"remaining", len(remaining))
	return nil
}

// reconcileBackends drops index entries whose durable record is gone.
// Search backends must never serve a memory that no longer exists in
// storage; consolidation is where the index is pulled back in line.
func (s *Store) reconcileBackends(ctx context.Context, userID string, durable []core.Memory) {
	if len(s.backends) == 0 {
		return
	}

	ids := make(map[string]bool, len(durable))
	for _, mem := range durable {
		ids[mem.ID] = true
	}

	for _, b := range s.backends {
		indexed, err := b.All(ctx, userID)
		if err != nil {
			s.logger.Warn("consolidate: failed to list backend index",
				"user_id", userID, "err", err)
			continue
		}
		for _, mem := range indexed {
			if ids[mem.ID] {
				continue
			}
			if err := b.Delete(ctx, userID, mem.ID); err != nil {
				s.logger.Warn("consolidate: failed to drop orphaned index entry",
					"user_id", userID, "memory_id", mem.ID, "err", err)
				continue
			}
			s.logger.Info("consolidate: dropped orphaned index entry",
				"user_id", userID, "memory_id", mem.ID)
		}
	}
}

// Remove deletes a memory from every backend and from durable storage.
// Removing an unknown ID is a no-op.
func (s *Store) Remove(ctx context.Context, memoryID string) error {
	blob, err := s.kv.Get(ctx, keyPrefix+memoryID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		return goerr.Wrap(err, "load memory", goerr.V("memory_id", memoryID))
	}
	mem, err := core.DecodeMemory(blob)
	if err != nil {
		return err
	}
	return s.removeRecord(ctx, mem)
}

func (s *Store) removeRecord(ctx context.Context, mem *core.Memory) error {
	for _, b := range s.backends {
		if err := b.Delete(ctx, mem.UserID, mem.ID); err != nil {
			return goerr.Wrap(err, "deindex memory", goerr.V("memory_id", mem.ID))
		}
	}
	if err := s.kv.Delete(ctx, keyPrefix+mem.ID); err != nil {
		return goerr.Wrap(err, "delete memory", goerr.V("memory_id", mem.ID))
	}
	s.bumpGeneration(mem.UserID)
	return nil
}

// gather collects deduplicated candidates. The first occurrence of an ID
// wins; later unranked duplicates never overwrite a ranked score.
func (s *Store) gather(ctx context.Context, userID, query string, topK int) ([]Scored, error) {
	if len(s.backends) == 0 {
		all, err := s.allForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		candidates := make([]Scored, 0, len(all))
		for _, mem := range all {
			candidates = append(candidates, Scored{Memory: mem})
		}
		return candidates, nil
	}

	var candidates []Scored
	seen := make(map[string]bool)
	for _, b := range s.backends {
		scored, err := b.Search(ctx, userID, query, topK)
		if err != nil {
			return nil, goerr.Wrap(err, "search backend", goerr.V("user_id", userID))
		}
		for _, c := range scored {
			if seen[c.Memory.ID] {
				continue
			}
			seen[c.Memory.ID] = true
			candidates = append(candidates, c)
		}
	}
	return candidates, nil
}

// allForUser scans durable records. Keys are ULID-ordered, so the result
// comes back in creation order.
func (s *Store) allForUser(ctx context.Context, userID string) ([]core.Memory, error) {
	keys, err := s.kv.List(ctx, keyPrefix)
	if err != nil {
		return nil, goerr.Wrap(err, "list memories")
	}

	var out []core.Memory
	for _, key := range keys {
		blob, err := s.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				continue
			}
			return nil, goerr.Wrap(err, "load memory", goerr.V("key", key))
		}
		mem, err := core.DecodeMemory(blob)
		if err != nil {
			s.logger.Warn("skipping undecodable memory record", "key", key, "err", err)
			continue
		}
		if mem.UserID == userID {
			out = append(out, *mem)
		}
	}
	return out, nil
}

// groupDuplicates partitions memories greedily: each memory joins the
// first group whose representative it matches, else starts a new group.
func (s *Store) groupDuplicates(all []core.Memory) [][]core.Memory {
	var groups [][]core.Memory
	for _, mem := range all {
		placed := false
		for i := range groups {
			if s.similar(groups[i][0].Content, mem.Content) {
				groups[i] = append(groups[i], mem)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []core.Memory{mem})
		}
	}
	return groups
}

// betterKeep reports whether a should be kept over b: higher importance
// wins, then later creation.
func betterKeep(a, b *core.Memory) bool {
	if a.Importance != b.Importance {
		return a.Importance > b.Importance
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func typeAllowed(t core.MemoryType, allowed []core.MemoryType) bool {
	for _, a := range allowed {
		if t == a {
			return true
		}
	}
	return false
}

func (s *Store) queryCacheKey(userID, query string, opts RetrieveOptions) string {
	var types []string
	for _, t := range opts.Types {
		types = append(types, string(t))
	}
	return fmt.Sprintf("%s:%d:%s:%d:%g:%d:%s",
		userID, s.generation(userID).Load(), query,
		opts.TopK, opts.MinImportance, opts.MaxAgeDays,
		strings.Join(types, ","))
}

func (s *Store) generation(userID string) *atomic.Uint64 {
	gen, _ := s.gens.LoadOrStore(userID, new(atomic.Uint64))
	return gen.(*atomic.Uint64)
}

func (s *Store) bumpGeneration(userID string) {
	s.generation(userID).Add(1)
}

func (s *Store) lockFor(userID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

var ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
var ulidMu sync.Mutex

// newMemoryID mints a time-ordered ID so durable keys list in creation
// order.
func newMemoryID(now time.Time) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return "mem_" + ulid.MustNew(ulid.Timestamp(now), ulidEntropy).String()
}
