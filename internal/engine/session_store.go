package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"schoolbot/server/internal/apperrors"
	"schoolbot/server/internal/models"
	"schoolbot/server/internal/storage"
)

// ErrSessionNotFound is returned for unknown or expired sessions.
var ErrSessionNotFound = apperrors.NewNotFound("session")

// SessionStore keeps sessions. Update writes everything except the
// conversation history, which only changes through AppendHistory.
type SessionStore interface {
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, s *models.Session) error
	AppendHistory(ctx context.Context, id string, e models.ConversationEntry, max int) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*models.Session, error)
	Count(ctx context.Context) (int, error)
}

// MemorySessionStore keeps sessions in process.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*models.Session)}
}

func (m *MemorySessionStore) Create(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.SessionID]; exists {
		return apperrors.NewConflict("session already exists")
	}
	m.sessions[s.SessionID] = s.Clone()
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemorySessionStore) Update(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[s.SessionID]
	if !ok {
		return ErrSessionNotFound
	}
	updated := s.Clone()
	updated.ConversationHistory = current.ConversationHistory
	m.sessions[s.SessionID] = updated
	return nil
}

func (m *MemorySessionStore) AppendHistory(_ context.Context, id string, e models.ConversationEntry, max int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.AppendHistory(e, max)
	return nil
}

func (m *MemorySessionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemorySessionStore) List(_ context.Context) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemorySessionStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), nil
}

// Redis keys
const (
	sessionKeyPrefix = "schoolbot:session:"
	sessionIndexKey  = "schoolbot:sessions"
)

// RedisSessionStore keeps sessions in Redis: the session document as JSON and
// the conversation history as a capped list, newest first.
type RedisSessionStore struct {
	store *storage.RedisStore
	ttl   time.Duration
}

// NewRedisSessionStore creates a store whose keys expire after ttl of inactivity.
func NewRedisSessionStore(store *storage.RedisStore, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{store: store, ttl: ttl}
}

func sessionKey(id string) string { return sessionKeyPrefix + id }

func historyKey(id string) string { return sessionKeyPrefix + id + ":history" }

func (r *RedisSessionStore) Create(ctx context.Context, s *models.Session) error {
	n, err := r.store.Exists(ctx, sessionKey(s.SessionID))
	if err != nil {
		return apperrors.NewUnavailable("session store unavailable").WithCause(err)
	}
	if n > 0 {
		return apperrors.NewConflict("session already exists")
	}
	if err := r.write(ctx, s); err != nil {
		return err
	}
	for i := range s.ConversationHistory {
		if err := r.push(ctx, s.SessionID, s.ConversationHistory[i], 0); err != nil {
			return err
		}
	}
	if err := r.store.AddMember(ctx, sessionIndexKey, s.SessionID); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

func (r *RedisSessionStore) write(ctx context.Context, s *models.Session) error {
	doc := *s
	doc.ConversationHistory = nil
	if err := r.store.SetJSON(ctx, sessionKey(s.SessionID), &doc, r.ttl); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (r *RedisSessionStore) push(ctx context.Context, id string, e models.ConversationEntry, max int) error {
	if err := r.store.PushCapped(ctx, historyKey(id), e, int64(max), r.ttl); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (r *RedisSessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	found, err := r.store.GetJSON(ctx, sessionKey(id), &s)
	if err != nil {
		return nil, apperrors.NewUnavailable("session store unavailable").WithCause(err)
	}
	if !found {
		return nil, ErrSessionNotFound
	}

	raw, err := r.store.Range(ctx, historyKey(id), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	s.ConversationHistory = make([]models.ConversationEntry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e models.ConversationEntry
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			continue
		}
		s.ConversationHistory = append(s.ConversationHistory, e)
	}
	return &s, nil
}

func (r *RedisSessionStore) Update(ctx context.Context, s *models.Session) error {
	n, err := r.store.Exists(ctx, sessionKey(s.SessionID))
	if err != nil {
		return apperrors.NewUnavailable("session store unavailable").WithCause(err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	if err := r.write(ctx, s); err != nil {
		return err
	}
	if r.ttl > 0 {
		return r.store.Expire(ctx, historyKey(s.SessionID), r.ttl)
	}
	return nil
}

func (r *RedisSessionStore) AppendHistory(ctx context.Context, id string, e models.ConversationEntry, max int) error {
	n, err := r.store.Exists(ctx, sessionKey(id))
	if err != nil {
		return apperrors.NewUnavailable("session store unavailable").WithCause(err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return r.push(ctx, id, e, max)
}

func (r *RedisSessionStore) Delete(ctx context.Context, id string) error {
	if err := r.store.Del(ctx, sessionKey(id), historyKey(id)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return r.store.RemoveMember(ctx, sessionIndexKey, id)
}

// List returns live sessions, pruning index entries whose keys expired.
func (r *RedisSessionStore) List(ctx context.Context) ([]*models.Session, error) {
	ids, err := r.store.Members(ctx, sessionIndexKey)
	if err != nil {
		return nil, apperrors.NewUnavailable("session store unavailable").WithCause(err)
	}
	out := make([]*models.Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if apperrors.IsNotFound(err) {
			_ = r.store.RemoveMember(ctx, sessionIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *RedisSessionStore) Count(ctx context.Context) (int, error) {
	sessions, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}
