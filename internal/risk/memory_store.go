package risk

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments []*Assessment
}

// NewMemoryStore creates an in-memory risk assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(_ context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assessments = append(s.assessments, copyAssessment(a))
	return nil
}

func (s *MemoryStore) ListByBill(_ context.Context, billID string) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Assessment
	for _, a := range s.assessments {
		if a.BillID == billID {
			result = append(result, copyAssessment(a))
		}
	}
	return result, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Most recent first, up to limit
	var result []*Assessment
	for i := len(s.assessments) - 1; i >= 0 && len(result) < limit; i-- {
		if s.assessments[i].UserID == userID {
			result = append(result, copyAssessment(s.assessments[i]))
		}
	}
	return result, nil
}

func copyAssessment(a *Assessment) *Assessment {
	cp := *a
	cp.Signals = append([]Signal(nil), a.Signals...)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
