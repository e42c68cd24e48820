package bill

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory bill store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	bills map[string]*Bill
	audit map[string][]*AuditEntry
}

// NewMemoryStore creates a new in-memory bill store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bills: make(map[string]*Bill),
		audit: make(map[string][]*AuditEntry),
	}
}

func (m *MemoryStore) Create(_ context.Context, b *Bill, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bills[b.ID]; ok {
		return ErrStale
	}
	m.bills[b.ID] = b.Clone()
	m.appendLocked(entry)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bills[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (m *MemoryStore) Transition(_ context.Context, b *Bill, from Status, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.bills[b.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from || cur.Version != b.Version {
		return ErrStale
	}
	b.Version++
	m.bills[b.ID] = b.Clone()
	m.appendLocked(entry)
	return nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bills[entry.BillID]; !ok {
		return ErrNotFound
	}
	m.appendLocked(entry)
	return nil
}

func (m *MemoryStore) appendLocked(entry *AuditEntry) {
	if entry == nil {
		return
	}
	cp := *entry
	m.audit[entry.BillID] = append(m.audit[entry.BillID], &cp)
}

func (m *MemoryStore) Audit(_ context.Context, billID string) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.bills[billID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]*AuditEntry, 0, len(m.audit[billID]))
	for _, e := range m.audit[billID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int, opts ...ListOption) ([]*Bill, error) {
	return m.list(limit, true, applyListOpts(opts), func(b *Bill) bool { return b.IsParticipant(userID) }), nil
}

func (m *MemoryStore) ListReleasable(_ context.Context, now time.Time, limit int, opts ...ListOption) ([]*Bill, error) {
	return m.list(limit, false, applyListOpts(opts), func(b *Bill) bool {
		if b.ReviewPending {
			return false
		}
		return b.Status == StatusHoldElapsed ||
			(b.Status == StatusPaymentVerified && b.HoldElapsed(now))
	}), nil
}

func (m *MemoryStore) ListExpirable(_ context.Context, now time.Time, limit int, opts ...ListOption) ([]*Bill, error) {
	return m.list(limit, false, applyListOpts(opts), func(b *Bill) bool {
		return (b.Status == StatusFunded || b.Status == StatusClaimed) && b.Expired(now)
	}), nil
}

func (m *MemoryStore) OpenVolume(_ context.Context, makerID string, since time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, b := range m.bills {
		if b.MakerID == makerID && !b.Status.IsTerminal() && !b.CreatedAt.Before(since) {
			total = total.Add(b.Amount)
		}
	}
	return total, nil
}

// list returns matching bills ordered by (CreatedAt, ID), descending when
// newest is set, starting past o.after.
func (m *MemoryStore) list(limit int, newest bool, o listOpts, match func(*Bill) bool) []*Bill {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Bill
	for _, b := range m.bills {
		if !match(b) {
			continue
		}
		if o.after != nil {
			if newest && !o.after.Precedes(b.CreatedAt, b.ID) {
				continue
			}
			if !newest && !o.after.Follows(b.CreatedAt, b.ID) {
				continue
			}
		}
		result = append(result, b.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt) != newest
		}
		return (a.ID < b.ID) != newest
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

var _ Store = (*MemoryStore)(nil)
