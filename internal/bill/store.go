package bill

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fiatlock/releasegate/internal/pagination"
)

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	after *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// After resumes a listing past c, the (CreatedAt, ID) of the last bill seen.
func After(c *pagination.Cursor) ListOption {
	return func(o *listOpts) {
		o.after = c
	}
}

// Store persists bills and their audit log.
//
// Transition is the only way a stored bill changes: it writes b only if the
// stored row still has status from and version b.Version, bumps the version,
// and appends entry (when non-nil) in the same unit of work. On mismatch it
// returns ErrStale and writes nothing.
type Store interface {
	Create(ctx context.Context, b *Bill, entry *AuditEntry) error
	Get(ctx context.Context, id string) (*Bill, error)
	Transition(ctx context.Context, b *Bill, from Status, entry *AuditEntry) error
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	Audit(ctx context.Context, billID string) ([]*AuditEntry, error)
	// ListByUser returns bills where userID is maker or payer, newest first.
	ListByUser(ctx context.Context, userID string, limit int, opts ...ListOption) ([]*Bill, error)
	// ListReleasable returns PAYMENT_VERIFIED bills whose hold has passed
	// and HOLD_ELAPSED bills, oldest first. Bills waiting on review are
	// left out.
	ListReleasable(ctx context.Context, now time.Time, limit int, opts ...ListOption) ([]*Bill, error)
	// ListExpirable returns FUNDED and CLAIMED bills at or past expiry,
	// oldest first.
	ListExpirable(ctx context.Context, now time.Time, limit int, opts ...ListOption) ([]*Bill, error)
	// OpenVolume sums the amounts of the maker's non-terminal bills
	// created at or after since.
	OpenVolume(ctx context.Context, makerID string, since time.Time) (decimal.Decimal, error)
}
