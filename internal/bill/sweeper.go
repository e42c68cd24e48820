package bill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fiatlock/releasegate/internal/metrics"
	"github.com/fiatlock/releasegate/internal/pagination"
)

// sweepBatch is the page size of the sweep queries.
const sweepBatch = 100

// Sweeper periodically releases bills whose hold elapsed and refunds
// expired ones. It never moves funds on its own: every action is a normal
// engine call made as the system actor.
type Sweeper struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a new sweeper.
func NewSweeper(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (w *Sweeper) Running() bool {
	return w.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (w *Sweeper) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (w *Sweeper) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SweeperRunsTotal.WithLabelValues("panic").Inc()
			w.logger.Error("panic in bill sweeper", "panic", fmt.Sprint(r))
		}
	}()
	w.Sweep(ctx)
}

// SweepResult counts what one pass did.
type SweepResult struct {
	Released int `json:"released"`
	Expired  int `json:"expired"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Sweep runs one pass over every releasable and expirable bill, paging
// through each set in batches.
func (w *Sweeper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := w.service.now()

	// 1. Release bills whose hold has elapsed
	err := w.each(ctx, func(after ListOption) ([]*Bill, error) {
		return w.store.ListReleasable(ctx, now, sweepBatch, after)
	}, func(b *Bill) {
		_, err := w.service.Release(ctx, SystemActor, b.ID, ReleaseRequest{})
		switch {
		case err == nil:
			res.Released++
			w.logger.Info("released bill", "billId", b.ID, "payer", b.PayerID, "amount", b.Amount.String())
		case errors.Is(err, ErrPolicy), errors.Is(err, ErrConflict):
			// Newly held for review, disputed, or another caller won the race.
			res.Skipped++
			w.logger.Debug("skipping bill", "billId", b.ID, "reason", err)
		default:
			res.Failed++
			w.logger.Warn("failed to release bill", "billId", b.ID, "error", err)
		}
	})
	if err != nil {
		metrics.SweeperRunsTotal.WithLabelValues("error").Inc()
		w.logger.Warn("failed to list releasable bills", "error", err)
		return res
	}

	// 2. Refund expired bills
	err = w.each(ctx, func(after ListOption) ([]*Bill, error) {
		return w.store.ListExpirable(ctx, now, sweepBatch, after)
	}, func(b *Bill) {
		_, err := w.service.Expire(ctx, SystemActor, b.ID)
		switch {
		case err == nil:
			res.Expired++
			w.logger.Info("refunded expired bill", "billId", b.ID, "maker", b.MakerID, "amount", b.Amount.String())
		case errors.Is(err, ErrConflict):
			res.Skipped++
		default:
			res.Failed++
			w.logger.Warn("failed to refund expired bill", "billId", b.ID, "error", err)
		}
	})
	if err != nil {
		metrics.SweeperRunsTotal.WithLabelValues("error").Inc()
		w.logger.Warn("failed to list expired bills", "error", err)
		return res
	}

	result := "ok"
	if res.Failed > 0 {
		result = "partial"
	}
	metrics.SweeperRunsTotal.WithLabelValues(result).Inc()
	return res
}

// each pages through list with a keyset cursor and calls fn per bill. A
// bill skipped or failed on one page never hides the ones behind it.
func (w *Sweeper) each(ctx context.Context, list func(after ListOption) ([]*Bill, error), fn func(*Bill)) error {
	var cursor *pagination.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := list(After(cursor))
		if err != nil {
			return err
		}
		for _, b := range page {
			fn(b)
		}
		if len(page) < sweepBatch {
			return nil
		}
		last := page[len(page)-1]
		cursor = pagination.At(last.CreatedAt, last.ID)
	}
}
