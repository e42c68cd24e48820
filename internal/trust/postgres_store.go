package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const profileColumns = `user_id, successful_trades, disputes_won, disputes_lost, failed_trades,
	fraud_reports, total_volume, positive_ratings, negative_ratings,
	email_verified, phone_verified, identity_verified,
	daily_volume, daily_trades, daily_reset_at, weekly_volume, weekly_reset_at,
	blacklisted, created_at, updated_at`

// PostgresStore persists profiles in PostgreSQL using sqlx struct scanning.
type PostgresStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewPostgresStore wraps an open *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "postgres"), now: time.Now}
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := s.db.GetContext(ctx, &p, `SELECT `+profileColumns+` FROM trust_profiles WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trust profile: %w", err)
	}
	return &p, nil
}

// Update seeds an empty row for a first-seen user, then locks the row and
// applies fn. Concurrent first updates serialize on that row.
func (s *PostgresStore) Update(ctx context.Context, userID string, fn func(p *Profile) error) (*Profile, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO trust_profiles (`+profileColumns+`)
		VALUES (:user_id, :successful_trades, :disputes_won, :disputes_lost, :failed_trades,
			:fraud_reports, :total_volume, :positive_ratings, :negative_ratings,
			:email_verified, :phone_verified, :identity_verified,
			:daily_volume, :daily_trades, :daily_reset_at, :weekly_volume, :weekly_reset_at,
			:blacklisted, :created_at, :updated_at)
		ON CONFLICT (user_id) DO NOTHING`, NewProfile(userID, s.now()))
	if err != nil {
		return nil, fmt.Errorf("seed trust profile: %w", err)
	}

	var p Profile
	if err := tx.GetContext(ctx, &p, `SELECT `+profileColumns+` FROM trust_profiles WHERE user_id = $1 FOR UPDATE`, userID); err != nil {
		return nil, fmt.Errorf("lock trust profile: %w", err)
	}

	if err := fn(&p); err != nil {
		return nil, err
	}

	_, err = tx.NamedExecContext(ctx, `
		UPDATE trust_profiles SET
			successful_trades = :successful_trades,
			disputes_won      = :disputes_won,
			disputes_lost     = :disputes_lost,
			failed_trades     = :failed_trades,
			fraud_reports     = :fraud_reports,
			total_volume      = :total_volume,
			positive_ratings  = :positive_ratings,
			negative_ratings  = :negative_ratings,
			email_verified    = :email_verified,
			phone_verified    = :phone_verified,
			identity_verified = :identity_verified,
			daily_volume      = :daily_volume,
			daily_trades      = :daily_trades,
			daily_reset_at    = :daily_reset_at,
			weekly_volume     = :weekly_volume,
			weekly_reset_at   = :weekly_reset_at,
			blacklisted       = :blacklisted,
			updated_at        = :updated_at
		WHERE user_id = :user_id`, &p)
	if err != nil {
		return nil, fmt.Errorf("update trust profile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &p, nil
}

// WithClock replaces the clock used to stamp first-seen profiles.
func (s *PostgresStore) WithClock(now func() time.Time) *PostgresStore {
	s.now = now
	return s
}

var _ Store = (*PostgresStore)(nil)
