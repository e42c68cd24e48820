package trust

import (
	"context"
	"sync"
	"time"
)

// Store persists trust profiles.
type Store interface {
	// Get returns the profile or ErrNotFound.
	Get(ctx context.Context, userID string) (*Profile, error)
	// Update runs fn on the current profile (a fresh one if none exists) and
	// persists the result atomically.
	Update(ctx context.Context, userID string, fn func(p *Profile) error) (*Profile, error)
}

// Load returns the stored profile, or an empty one first seen now when the
// user has none.
func Load(ctx context.Context, s Store, userID string, now time.Time) (*Profile, error) {
	p, err := s.Get(ctx, userID)
	if err == ErrNotFound {
		return NewProfile(userID, now), nil
	}
	return p, err
}

// MemoryStore is an in-memory profile store for demo/development mode.
type MemoryStore struct {
	profiles map[string]*Profile
	mu       sync.Mutex
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile), now: time.Now}
}

// WithClock replaces the clock used to stamp first-seen profiles.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, userID string, fn func(p *Profile) error) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var working Profile
	if p, ok := m.profiles[userID]; ok {
		working = *p
	} else {
		working = *NewProfile(userID, m.now())
	}
	if err := fn(&working); err != nil {
		return nil, err
	}
	stored := working
	m.profiles[userID] = &stored
	return &working, nil
}

// Put replaces a profile. Used to seed fixtures.
func (m *MemoryStore) Put(p *Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.profiles[p.UserID] = &cp
}

var _ Store = (*MemoryStore)(nil)
