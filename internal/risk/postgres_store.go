package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists risk assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	signalsJSON, err := json.Marshal(a.Signals)
	if err != nil {
		return fmt.Errorf("failed to marshal signals: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (id, user_id, bill_id, point, score, level, action, signals, assessed_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)
	`,
		a.ID,
		a.UserID,
		a.BillID,
		string(a.Point),
		a.Score,
		string(a.Level),
		string(a.Action),
		string(signalsJSON),
		a.AssessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByBill(ctx context.Context, billID string) ([]*Assessment, error) {
	return s.query(ctx, `
		SELECT id, user_id, COALESCE(bill_id, ''), point, score, level, action, signals, assessed_at
		FROM risk_assessments
		WHERE bill_id = $1
		ORDER BY assessed_at ASC
	`, billID)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Assessment, error) {
	return s.query(ctx, `
		SELECT id, user_id, COALESCE(bill_id, ''), point, score, level, action, signals, assessed_at
		FROM risk_assessments
		WHERE user_id = $1
		ORDER BY assessed_at DESC
		LIMIT $2
	`, userID, limit)
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var a Assessment
		var signalsJSON []byte
		if err := rows.Scan(&a.ID, &a.UserID, &a.BillID, &a.Point, &a.Score, &a.Level, &a.Action, &signalsJSON, &a.AssessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk assessment: %w", err)
		}
		if err := json.Unmarshal(signalsJSON, &a.Signals); err != nil {
			return nil, fmt.Errorf("failed to decode signals: %w", err)
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
