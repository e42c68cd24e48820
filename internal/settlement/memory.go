package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fiatlock/releasegate/internal/idgen"
)

// Entry is one movement recorded by the in-process ledger.
type Entry struct {
	ID        string          `json:"id"`
	Reference string          `json:"reference"`
	Command   Command         `json:"command"`
	Account   string          `json:"account"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Balance is one account's position in the in-process ledger.
type Balance struct {
	Account   string          `json:"account"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	TotalIn   decimal.Decimal `json:"totalIn"`
	TotalOut  decimal.Decimal `json:"totalOut"`
}

type refState struct {
	lock    *Receipt
	settled *Receipt
}

// MemoryLedger is an idempotent in-process ledger for development and tests.
type MemoryLedger struct {
	mu       sync.Mutex
	refs     map[string]*refState
	balances map[string]*Balance
	entries  []Entry
	strict   bool
	deferred bool
	now      func() time.Time
}

// NewMemoryLedger creates an in-process ledger that funds any lock.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		refs:     make(map[string]*refState),
		balances: make(map[string]*Balance),
		now:      time.Now,
	}
}

// WithStrictBalances makes locks debit the maker's available balance and
// fail with ErrInsufficientBalance when it is short.
func (l *MemoryLedger) WithStrictBalances() *MemoryLedger {
	l.strict = true
	return l
}

// WithDeferredConfirmation makes locks return unconfirmed receipts, as a
// ledger that confirms through a later event would.
func (l *MemoryLedger) WithDeferredConfirmation() *MemoryLedger {
	l.deferred = true
	return l
}

// Deposit credits an account's available balance.
func (l *MemoryLedger) Deposit(account string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.balance(account)
	b.Available = b.Available.Add(amount)
	b.TotalIn = b.TotalIn.Add(amount)
	return nil
}

func (l *MemoryLedger) LockFunds(_ context.Context, req LockRequest) (*Receipt, error) {
	r, err := l.lock(req)
	observe(CommandLock, r, err)
	return r, err
}

func (l *MemoryLedger) lock(req LockRequest) (*Receipt, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(req.Reference)
	if st.lock != nil {
		return duplicate(st.lock), nil
	}

	b := l.balance(req.MakerID)
	if l.strict {
		if b.Available.LessThan(req.Amount) {
			return nil, fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, req.MakerID, b.Available, req.Amount)
		}
		b.Available = b.Available.Sub(req.Amount)
	}
	b.Locked = b.Locked.Add(req.Amount)

	st.lock = l.record(req.Reference, CommandLock, req.MakerID, req.Amount)
	st.lock.Confirmed = !l.deferred
	return copyReceipt(st.lock), nil
}

func (l *MemoryLedger) ReleaseToPayer(_ context.Context, reference, payerID string, amount decimal.Decimal) (*Receipt, error) {
	r, err := l.settle(reference, CommandRelease, payerID, amount)
	observe(CommandRelease, r, err)
	return r, err
}

func (l *MemoryLedger) RefundToMaker(_ context.Context, reference, makerID string, amount decimal.Decimal) (*Receipt, error) {
	r, err := l.settle(reference, CommandRefund, makerID, amount)
	observe(CommandRefund, r, err)
	return r, err
}

func (l *MemoryLedger) settle(reference string, cmd Command, account string, amount decimal.Decimal) (*Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.refs[reference]
	if !ok || st.lock == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotLocked, reference)
	}
	if st.settled != nil {
		if st.settled.Command != cmd {
			return nil, fmt.Errorf("%w: %s was %s", ErrAlreadySettled, reference, st.settled.Command)
		}
		return duplicate(st.settled), nil
	}
	if !amount.Equal(st.lock.Amount) {
		return nil, fmt.Errorf("%w: %s locked %s, asked %s", ErrInvalidAmount, reference, st.lock.Amount, amount)
	}

	maker := l.balance(st.lock.Account)
	maker.Locked = maker.Locked.Sub(amount)
	to := l.balance(account)
	if cmd == CommandRelease || l.strict {
		to.Available = to.Available.Add(amount)
	}
	if cmd == CommandRelease {
		to.TotalIn = to.TotalIn.Add(amount)
		maker.TotalOut = maker.TotalOut.Add(amount)
	}

	st.settled = l.record(reference, cmd, account, amount)
	st.settled.Confirmed = true
	return copyReceipt(st.settled), nil
}

// Balance returns a copy of the account's balance.
func (l *MemoryLedger) Balance(account string) Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.balance(account)
}

// History returns the entries for a reference in order.
func (l *MemoryLedger) History(reference string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Reference == reference {
			out = append(out, e)
		}
	}
	return out
}

// caller holds l.mu
func (l *MemoryLedger) state(reference string) *refState {
	st, ok := l.refs[reference]
	if !ok {
		st = &refState{}
		l.refs[reference] = st
	}
	return st
}

// caller holds l.mu
func (l *MemoryLedger) balance(account string) *Balance {
	b, ok := l.balances[account]
	if !ok {
		b = &Balance{Account: account}
		l.balances[account] = b
	}
	return b
}

// caller holds l.mu
func (l *MemoryLedger) record(reference string, cmd Command, account string, amount decimal.Decimal) *Receipt {
	now := l.now()
	e := Entry{
		ID:        idgen.WithPrefix(idgen.PrefixLedgerEntry),
		Reference: reference,
		Command:   cmd,
		Account:   account,
		Amount:    amount,
		CreatedAt: now,
	}
	l.entries = append(l.entries, e)
	return &Receipt{Reference: reference, Command: cmd, TxID: e.ID, Account: account, Amount: amount, At: now}
}

func copyReceipt(r *Receipt) *Receipt {
	cp := *r
	return &cp
}

func duplicate(r *Receipt) *Receipt {
	cp := *r
	cp.Duplicate = true
	return &cp
}

var _ Ledger = (*MemoryLedger)(nil)

// ConfirmLock marks a deferred lock as confirmed and returns its receipt.
func (l *MemoryLedger) ConfirmLock(reference string) (*Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.refs[reference]
	if !ok || st.lock == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotLocked, reference)
	}
	st.lock.Confirmed = true
	return copyReceipt(st.lock), nil
}
