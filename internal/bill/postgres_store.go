package bill

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fiatlock/releasegate/internal/policy"
	"github.com/fiatlock/releasegate/internal/trust"
)

// PostgresStore persists bills in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed bill store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// billColumns is the column order shared by insert, update and scan.
var billColumns = []string{
	"id", "maker_id", "payer_id",
	"amount", "currency", "fiat_amount", "fiat_currency", "exchange_rate", "fee", "method",
	"status", "disputed_from",
	"trust_level", "trust_score", "creation_risk", "verification_risk", "release_risk",
	"payment_ref", "attestation", "hold_seconds", "release_eligible_at", "liability_accepted",
	"dispute_reason", "disputed_by", "resolution", "resolved_by",
	"review_pending", "override", "settlement", "maker_rated", "payer_rated",
	"created_at", "funded_at", "claimed_at", "declared_at", "verified_at", "maker_confirmed_at",
	"hold_elapsed_at", "released_at", "disputed_at", "resolved_at", "closed_at", "expires_at",
	"updated_at", "version",
}

var (
	billSelect = `SELECT ` + strings.Join(billColumns, ", ") + ` FROM bills`
	billInsert = func() string {
		ph := make([]string, len(billColumns))
		for i := range billColumns {
			ph[i] = fmt.Sprintf("$%d", i+1)
		}
		return `INSERT INTO bills (` + strings.Join(billColumns, ", ") + `) VALUES (` + strings.Join(ph, ", ") + `)`
	}()
	// billUpdate sets every column but id; the last three placeholders are
	// id, expected status and expected version.
	billUpdate = func() string {
		sets := make([]string, 0, len(billColumns)-1)
		for i, c := range billColumns[1:] {
			sets = append(sets, fmt.Sprintf("%s = $%d", c, i+1))
		}
		n := len(billColumns) - 1
		return fmt.Sprintf(`UPDATE bills SET %s WHERE id = $%d AND status = $%d AND version = $%d`,
			strings.Join(sets, ", "), n+1, n+2, n+3)
	}()
)

func (p *PostgresStore) Create(ctx context.Context, b *Bill, entry *AuditEntry) error {
	args, err := billArgs(b)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, billInsert, args...); err != nil {
		return fmt.Errorf("insert bill: %w", err)
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Bill, error) {
	b, err := scanBill(p.db.QueryRowContext(ctx, billSelect+` WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return b, err
}

func (p *PostgresStore) Transition(ctx context.Context, b *Bill, from Status, entry *AuditEntry) error {
	next := b.Clone()
	next.Version = b.Version + 1
	args, err := billArgs(next)
	if err != nil {
		return err
	}
	args = append(args[1:], b.ID, string(from), b.Version)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, billUpdate, args...)
	if err != nil {
		return fmt.Errorf("update bill: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM bills WHERE id = $1)`, b.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStale
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	b.Version = next.Version
	return nil
}

func (p *PostgresStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func insertAudit(ctx context.Context, tx *sql.Tx, e *AuditEntry) error {
	if e == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bill_audit (id, bill_id, action, from_status, to_status, actor_id, reason, detail, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.BillID, e.Action, nullString(string(e.From)), string(e.To),
		e.ActorID, nullString(e.Reason), nullString(e.Detail), e.At,
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func (p *PostgresStore) Audit(ctx context.Context, billID string) ([]*AuditEntry, error) {
	if _, err := p.Get(ctx, billID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, bill_id, action, from_status, to_status, actor_id, reason, detail, at
		FROM bill_audit
		WHERE bill_id = $1
		ORDER BY at, seq`, billID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*AuditEntry
	for rows.Next() {
		var (
			e                    AuditEntry
			from, reason, detail sql.NullString
			to                   string
		)
		if err := rows.Scan(&e.ID, &e.BillID, &e.Action, &from, &to, &e.ActorID, &reason, &detail, &e.At); err != nil {
			return nil, err
		}
		e.From = Status(from.String)
		e.To = Status(to)
		e.Reason = reason.String
		e.Detail = detail.String
		result = append(result, &e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int, opts ...ListOption) ([]*Bill, error) {
	o := applyListOpts(opts)
	q := billSelect + ` WHERE (maker_id = $1 OR payer_id = $1)`
	args := []interface{}{userID}
	if o.after != nil {
		q += ` AND (created_at, id) < ($2, $3)`
		args = append(args, o.after.At, o.after.ID)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	return p.query(ctx, q, append(args, limit)...)
}

func (p *PostgresStore) ListReleasable(ctx context.Context, now time.Time, limit int, opts ...ListOption) ([]*Bill, error) {
	return p.sweepQuery(ctx, `
		WHERE NOT review_pending
		  AND (status = 'HOLD_ELAPSED'
		   OR (status = 'PAYMENT_VERIFIED' AND release_eligible_at <= $1))`, now, limit, opts)
}

func (p *PostgresStore) ListExpirable(ctx context.Context, now time.Time, limit int, opts ...ListOption) ([]*Bill, error) {
	return p.sweepQuery(ctx, `
		WHERE status IN ('FUNDED', 'CLAIMED')
		  AND expires_at <= $1`, now, limit, opts)
}

// sweepQuery runs a sweep filter taking now as $1, oldest first.
func (p *PostgresStore) sweepQuery(ctx context.Context, where string, now time.Time, limit int, opts []ListOption) ([]*Bill, error) {
	o := applyListOpts(opts)
	q := billSelect + where
	args := []interface{}{now}
	if o.after != nil {
		q += ` AND (created_at, id) > ($2, $3)`
		args = append(args, o.after.At, o.after.ID)
	}
	q += fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, len(args)+1)
	return p.query(ctx, q, append(args, limit)...)
}

func (p *PostgresStore) OpenVolume(ctx context.Context, makerID string, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM bills
		WHERE maker_id = $1
		  AND created_at >= $2
		  AND status NOT IN ('RELEASED', 'CANCELLED', 'EXPIRED_REFUNDED', 'RESOLVED_RELEASED', 'RESOLVED_REFUNDED')`,
		makerID, since).Scan(&total)
	return total, err
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Bill, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func billArgs(b *Bill) ([]interface{}, error) {
	creationRisk, err := jsonb(b.CreationRisk)
	if err != nil {
		return nil, err
	}
	verificationRisk, err := jsonb(b.VerificationRisk)
	if err != nil {
		return nil, err
	}
	releaseRisk, err := jsonb(b.ReleaseRisk)
	if err != nil {
		return nil, err
	}
	attestation, err := jsonb(b.Attestation)
	if err != nil {
		return nil, err
	}
	override, err := jsonb(b.Override)
	if err != nil {
		return nil, err
	}
	settled, err := jsonb(b.Settlement)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		b.ID, b.MakerID, nullString(b.PayerID),
		b.Amount, b.Currency, b.FiatAmount, nullString(b.FiatCurrency), b.ExchangeRate, b.Fee, string(b.Method),
		string(b.Status), nullString(string(b.DisputedFrom)),
		string(b.TrustLevel), b.TrustScore, creationRisk, verificationRisk, releaseRisk,
		nullString(b.PaymentRef), attestation, b.HoldSeconds, nullTime(b.ReleaseEligibleAt), b.LiabilityAccepted,
		nullString(b.DisputeReason), nullString(b.DisputedBy), nullString(b.Resolution), nullString(b.ResolvedBy),
		b.ReviewPending, override, settled, b.MakerRated, b.PayerRated,
		b.CreatedAt, nullTime(b.FundedAt), nullTime(b.ClaimedAt), nullTime(b.DeclaredAt), nullTime(b.VerifiedAt), nullTime(b.MakerConfirmedAt),
		nullTime(b.HoldElapsedAt), nullTime(b.ReleasedAt), nullTime(b.DisputedAt), nullTime(b.ResolvedAt), nullTime(b.ClosedAt), b.ExpiresAt,
		b.UpdatedAt, b.Version,
	}, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBill(s scanner) (*Bill, error) {
	b := &Bill{}
	var (
		payerID, fiatCurrency, disputedFrom, paymentRef         sql.NullString
		disputeReason, disputedBy, resolution, resolvedBy       sql.NullString
		method, status, trustLevel                              string
		creationRisk, verificationRisk, releaseRisk             []byte
		attestation, override, settled                          []byte
		releaseEligibleAt, fundedAt, claimedAt, declaredAt      sql.NullTime
		verifiedAt, makerConfirmedAt, holdElapsedAt, releasedAt sql.NullTime
		disputedAt, resolvedAt, closedAt                        sql.NullTime
	)

	err := s.Scan(
		&b.ID, &b.MakerID, &payerID,
		&b.Amount, &b.Currency, &b.FiatAmount, &fiatCurrency, &b.ExchangeRate, &b.Fee, &method,
		&status, &disputedFrom,
		&trustLevel, &b.TrustScore, &creationRisk, &verificationRisk, &releaseRisk,
		&paymentRef, &attestation, &b.HoldSeconds, &releaseEligibleAt, &b.LiabilityAccepted,
		&disputeReason, &disputedBy, &resolution, &resolvedBy,
		&b.ReviewPending, &override, &settled, &b.MakerRated, &b.PayerRated,
		&b.CreatedAt, &fundedAt, &claimedAt, &declaredAt, &verifiedAt, &makerConfirmedAt,
		&holdElapsedAt, &releasedAt, &disputedAt, &resolvedAt, &closedAt, &b.ExpiresAt,
		&b.UpdatedAt, &b.Version,
	)
	if err != nil {
		return nil, err
	}

	b.PayerID = payerID.String
	b.FiatCurrency = fiatCurrency.String
	b.Method = policy.Method(method)
	b.Status = Status(status)
	b.DisputedFrom = Status(disputedFrom.String)
	b.TrustLevel = trust.Level(trustLevel)
	b.PaymentRef = paymentRef.String
	b.DisputeReason = disputeReason.String
	b.DisputedBy = disputedBy.String
	b.Resolution = resolution.String
	b.ResolvedBy = resolvedBy.String

	for _, f := range []struct {
		raw  []byte
		dest interface{}
	}{
		{creationRisk, &b.CreationRisk},
		{verificationRisk, &b.VerificationRisk},
		{releaseRisk, &b.ReleaseRisk},
		{attestation, &b.Attestation},
		{override, &b.Override},
		{settled, &b.Settlement},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dest); err != nil {
			return nil, fmt.Errorf("bill %s: decode json column: %w", b.ID, err)
		}
	}

	b.ReleaseEligibleAt = timePtr(releaseEligibleAt)
	b.FundedAt = timePtr(fundedAt)
	b.ClaimedAt = timePtr(claimedAt)
	b.DeclaredAt = timePtr(declaredAt)
	b.VerifiedAt = timePtr(verifiedAt)
	b.MakerConfirmedAt = timePtr(makerConfirmedAt)
	b.HoldElapsedAt = timePtr(holdElapsedAt)
	b.ReleasedAt = timePtr(releasedAt)
	b.DisputedAt = timePtr(disputedAt)
	b.ResolvedAt = timePtr(resolvedAt)
	b.ClosedAt = timePtr(closedAt)
	return b, nil
}

// jsonb marshals v for a JSONB column; nil becomes SQL NULL.
func jsonb[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
