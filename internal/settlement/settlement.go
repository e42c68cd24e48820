// Package settlement issues the outward funds commands (lock, release to
// payer, refund to maker) to the ledger that custodies escrowed value.
//
// Every command is keyed by the bill reference and is idempotent: repeating
// a command whose effect already landed returns the original receipt and
// moves nothing. A reference that was released can never be refunded and
// vice versa.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fiatlock/releasegate/internal/metrics"
)

var (
	ErrAlreadySettled      = errors.New("settlement: reference already settled the other way")
	ErrNotLocked           = errors.New("settlement: no funds locked for reference")
	ErrInsufficientBalance = errors.New("settlement: insufficient balance")
	ErrInvalidAmount       = errors.New("settlement: invalid amount")
	ErrUnavailable         = errors.New("settlement: ledger unavailable")
)

// Command names a ledger command.
type Command string

const (
	CommandLock    Command = "lock"
	CommandRelease Command = "release"
	CommandRefund  Command = "refund"
)

// LockRequest asks the ledger to escrow a maker's value for a bill.
type LockRequest struct {
	Reference string          `json:"reference"`
	MakerID   string          `json:"makerId"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

// Receipt is the ledger's acknowledgement of a command.
type Receipt struct {
	Reference string          `json:"reference"`
	Command   Command         `json:"command"`
	TxID      string          `json:"txId"`
	Account   string          `json:"account"`
	Amount    decimal.Decimal `json:"amount"`
	// Confirmed is false for a lock the ledger accepted but has not yet
	// confirmed; a funds-locked event follows.
	Confirmed bool      `json:"confirmed"`
	Duplicate bool      `json:"duplicate"`
	At        time.Time `json:"at"`
}

// Ledger is the command surface the bill engine depends on.
type Ledger interface {
	LockFunds(ctx context.Context, req LockRequest) (*Receipt, error)
	ReleaseToPayer(ctx context.Context, reference, payerID string, amount decimal.Decimal) (*Receipt, error)
	RefundToMaker(ctx context.Context, reference, makerID string, amount decimal.Decimal) (*Receipt, error)
}

func observe(cmd Command, r *Receipt, err error) {
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case r != nil && r.Duplicate:
		result = "duplicate"
	}
	metrics.LedgerCommandsTotal.WithLabelValues(string(cmd), result).Inc()
}
