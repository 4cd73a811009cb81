package reconcile

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"execgate/internal/broker"
)

// DefaultInterval bounds how long an abandoned reservation can distort the
// reserved aggregate before broker truth overwrites it.
const DefaultInterval = 60 * time.Second

type ledger interface {
	SyncPosition(ctx context.Context, symbol string, actualPosition int64) error
}

type positionSource interface {
	GetPositions(ctx context.Context) ([]broker.Position, error)
}

// Reconciler periodically realigns the reservation aggregates with
// broker-reported positions. Reservation tokens expire without reversing the
// aggregate; this loop is the corrective process for that drift.
type Reconciler struct {
	broker   positionSource
	ledger   ledger
	interval time.Duration

	// watchlist symbols are synced to zero when the broker reports no
	// position for them, so a fully closed symbol does not keep a stale
	// aggregate forever.
	watchlist []string
}

// New creates a reconciler. interval <= 0 selects DefaultInterval.
func New(b positionSource, l ledger, interval time.Duration, watchlist []string) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{broker: b, ledger: l, interval: interval, watchlist: watchlist}
}

// Run loops until the context is canceled, syncing once per interval. The
// first sync happens immediately so a restarted process starts from broker
// truth, not from whatever the aggregates drifted to.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.SyncOnce(ctx); err != nil {
		logs.Errorf("reconcile: initial sync: %v", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.SyncOnce(ctx); err != nil {
				logs.Errorf("reconcile: sync: %v", err)
			}
		}
	}
}

// SyncOnce pulls broker positions and overwrites every aggregate.
func (r *Reconciler) SyncOnce(ctx context.Context) error {
	positions, err := r.broker.GetPositions(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch broker positions")
	}

	held := make(map[string]bool, len(positions))
	for _, p := range positions {
		held[p.Symbol] = true
		if err := r.ledger.SyncPosition(ctx, p.Symbol, p.Qty); err != nil {
			return errors.Wrap(err, "sync "+p.Symbol)
		}
	}

	for _, symbol := range r.watchlist {
		if held[symbol] {
			continue
		}
		if err := r.ledger.SyncPosition(ctx, symbol, 0); err != nil {
			return errors.Wrap(err, "sync "+symbol)
		}
	}
	return nil
}
