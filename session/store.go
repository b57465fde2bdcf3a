// Package session owns short-term conversational state: per-conversation
// message history with a token budget, PII redaction before persistence,
// owner-scoped access control, and TTL-based expiry.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"github.com/recallkit/recall-go-sdk/core"
	"github.com/recallkit/recall-go-sdk/redact"
	"github.com/recallkit/recall-go-sdk/storage"
)

const keyPrefix = "session/"

// Store manages session lifecycle on top of a durable KV backend with an
// in-process read cache. All mutations of a single session are serialized
// through a per-session lock so the token budget and ordering invariants
// hold under concurrent turns.
type Store struct {
	kv        storage.KV
	cache     *ristretto.Cache
	logger    *slog.Logger
	clock     func() time.Time
	estimator Estimator

	maxTokenLimit int
	ttlDays       int
	redactPII     bool

	// locks holds one mutex per live session; entries are dropped when
	// the session reaches a terminal status.
	locks sync.Map // session id → *sync.Mutex
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the logger for background and sweep failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source. Intended for tests and the sweep.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithEstimator replaces the default chars/4 token estimator.
func WithEstimator(e Estimator) Option {
	return func(s *Store) { s.estimator = e }
}

// WithMaxTokenLimit sets the session history token budget.
func WithMaxTokenLimit(n int) Option {
	return func(s *Store) { s.maxTokenLimit = n }
}

// WithTTLDays sets the default inactivity TTL used by the maintenance loop.
func WithTTLDays(n int) Option {
	return func(s *Store) { s.ttlDays = n }
}

// WithRedaction toggles the PII redaction pass on appended messages.
func WithRedaction(enabled bool) Option {
	return func(s *Store) { s.redactPII = enabled }
}

// New creates a session store. Defaults: 3000-token budget, 7-day TTL,
// redaction enabled, chars/4 estimator.
func New(kv storage.KV, opts ...Option) (*Store, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "create session cache")
	}

	s := &Store{
		kv:            kv,
		cache:         cache,
		logger:        slog.Default(),
		clock:         time.Now,
		estimator:     CharEstimator{},
		maxTokenLimit: 3000,
		ttlDays:       7,
		redactPII:     true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTLDays returns the configured inactivity TTL.
func (s *Store) TTLDays() int {
	return s.ttlDays
}

// Create allocates a new active session for userID. When initialContext is
// non-empty it is seeded as a single system message.
func (s *Store) Create(ctx context.Context, userID, initialContext string) (*core.Session, error) {
	if userID == "" {
		return nil, goerr.Wrap(core.ErrValidation, "user id is empty")
	}

	now := s.clock()
	sess := &core.Session{
		ID:           "session_" + uuid.New().String(),
		UserID:       userID,
		CreatedAt:    now,
		LastAccessed: now,
		Status:       core.StatusActive,
		Metadata:     map[string]any{},
	}
	if initialContext != "" {
		sess.History = append(sess.History, core.Message{
			ID:        "msg_" + uuid.New().String(),
			Role:      core.RoleSystem,
			Content:   initialContext,
			Timestamp: now,
		})
	}

	if err := s.persist(ctx, sess); err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// Get returns the session only when it exists, is owned by userID, and is
// still active. Every other case, including a valid id queried by the
// wrong user, is core.ErrNotFound.
//
// A hit served from durable storage refreshes last_accessed and writes it
// back asynchronously; the caller never observes that write.
func (s *Store) Get(ctx context.Context, sessionID, userID string) (*core.Session, error) {
	if cached, ok := s.cache.Get(sessionID); ok {
		sess := cached.(*core.Session)
		if sess.UserID == userID && sess.Status == core.StatusActive {
			return sess.Clone(), nil
		}
		return nil, goerr.Wrap(core.ErrNotFound, "session", goerr.V("session_id", sessionID))
	}

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID || sess.Status != core.StatusActive {
		return nil, goerr.Wrap(core.ErrNotFound, "session", goerr.V("session_id", sessionID))
	}

	sess.LastAccessed = s.clock()
	s.cache.Set(sessionID, sess.Clone(), 1)

	// Detached from the request context. The write-back takes the
	// per-session lock and re-reads the durable record so it only ever
	// touches last_accessed; a stale snapshot must not clobber messages
	// appended between the read and the write.
	go s.touchLastAccessed(sessionID, sess.LastAccessed)

	return sess.Clone(), nil
}

func (s *Store) touchLastAccessed(sessionID string, accessed time.Time) {
	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	ctx := context.Background()
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			s.logger.Warn("session write-back failed",
				"session_id", sessionID, "err", err)
		}
		return
	}
	if sess.Status != core.StatusActive || !sess.LastAccessed.Before(accessed) {
		return
	}

	sess.LastAccessed = accessed
	if err := s.writeKV(ctx, sess); err != nil {
		s.logger.Warn("session write-back failed",
			"session_id", sessionID, "err", err)
	}
}

// AddMessage validates, redacts, and appends msg, then re-enforces the
// token budget and persists. Concurrent calls for the same session are
// serialized.
func (s *Store) AddMessage(ctx context.Context, sessionID, userID string, msg core.Message) error {
	if !core.ValidRole(msg.Role) {
		return goerr.Wrap(core.ErrValidation, "unknown role", goerr.V("role", msg.Role))
	}

	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.getForUpdate(ctx, sessionID, userID)
	if err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = "msg_" + uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.clock()
	}
	// Redaction happens exactly once, before first persistence.
	if s.redactPII {
		msg.Content = redact.Redact(msg.Content)
	}

	sess.History = append(sess.History, msg)
	sess.History = truncateHistory(sess.History, s.maxTokenLimit, s.estimator)
	sess.LastAccessed = s.clock()
	sess.Metadata["message_count"] = metaCount(sess.Metadata, "message_count") + 1

	return s.persist(ctx, sess)
}

// History returns the most recent limit messages, or the full history when
// limit <= 0.
func (s *Store) History(ctx context.Context, sessionID, userID string, limit int) ([]core.Message, error) {
	sess, err := s.Get(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	history := sess.History
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

// End transitions the session to inactive and evicts it from the cache.
// Inactive sessions are no longer served; the transition is one-way.
func (s *Store) End(ctx context.Context, sessionID, userID string) error {
	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.getForUpdate(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if !sess.Status.CanTransition(core.StatusInactive) {
		return goerr.Wrap(core.ErrNotFound, "session", goerr.V("session_id", sessionID))
	}

	sess.Status = core.StatusInactive
	sess.LastAccessed = s.clock()

	if err := s.writeKV(ctx, sess); err != nil {
		return err
	}
	s.cache.Del(sessionID)
	s.cache.Wait()

	// The lock entry is no longer needed: every mutator re-reads the
	// durable record under its lock and writes nothing once the status
	// is terminal. Dropping it keeps the lock table bounded by the
	// number of live sessions.
	s.locks.Delete(sessionID)
	return nil
}

// SweepExpired archives every session whose last_accessed precedes
// now - ttlDays. Individual failures are logged and never abort the sweep;
// the returned count covers successful archives only.
func (s *Store) SweepExpired(ctx context.Context, now time.Time, ttlDays int) (int, error) {
	cutoff := now.AddDate(0, 0, -ttlDays)

	keys, err := s.kv.List(ctx, keyPrefix)
	if err != nil {
		return 0, goerr.Wrap(err, "list sessions for sweep")
	}

	var archived atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(4)

	for _, key := range keys {
		key := key
		g.Go(func() error {
			id := key[len(keyPrefix):]
			if err := s.archiveIfExpired(ctx, id, cutoff); err != nil {
				if !errors.Is(err, errNotExpired) {
					s.logger.Warn("sweep: failed to archive session",
						"session_id", id, "err", err)
				}
				return nil // isolate per-session failures
			}
			archived.Add(1)
			return nil
		})
	}
	g.Wait()

	if n := archived.Load(); n > 0 {
		s.logger.Info("session sweep complete", "archived", n, "ttl_days", ttlDays)
	}
	return int(archived.Load()), nil
}

var errNotExpired = errors.New("not expired")

func (s *Store) archiveIfExpired(ctx context.Context, sessionID string, cutoff time.Time) error {
	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.LastAccessed.Before(cutoff) || !sess.Status.CanTransition(core.StatusArchived) {
		return errNotExpired
	}

	sess.Status = core.StatusArchived
	if err := s.writeKV(ctx, sess); err != nil {
		return err
	}
	s.cache.Del(sessionID)
	s.cache.Wait()
	s.locks.Delete(sessionID)
	return nil
}

// getForUpdate loads the authoritative copy for mutation under the
// per-session lock. Mutations always read through to durable storage; the
// cache only serves the read path, so a lagging cache write can never feed
// a stale copy back into a mutation.
func (s *Store) getForUpdate(ctx context.Context, sessionID, userID string) (*core.Session, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID || sess.Status != core.StatusActive {
		return nil, goerr.Wrap(core.ErrNotFound, "session", goerr.V("session_id", sessionID))
	}
	return sess, nil
}

func (s *Store) load(ctx context.Context, sessionID string) (*core.Session, error) {
	blob, err := s.kv.Get(ctx, keyPrefix+sessionID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, goerr.Wrap(core.ErrNotFound, "session", goerr.V("session_id", sessionID))
		}
		return nil, goerr.Wrap(err, "load session", goerr.V("session_id", sessionID))
	}
	return core.DecodeSession(blob)
}

func (s *Store) writeKV(ctx context.Context, sess *core.Session) error {
	blob, err := core.EncodeSession(sess)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, keyPrefix+sess.ID, blob); err != nil {
		return goerr.Wrap(err, "store session", goerr.V("session_id", sess.ID))
	}
	return nil
}

func (s *Store) persist(ctx context.Context, sess *core.Session) error {
	if err := s.writeKV(ctx, sess); err != nil {
		return err
	}
	s.cache.Set(sess.ID, sess.Clone(), 1)
	s.cache.Wait()
	return nil
}

func (s *Store) lockFor(sessionID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func metaCount(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}
