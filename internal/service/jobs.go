package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const replayBatch = 100

// Maintenance runs the background passes that keep sent transactions
// from staying sent forever: reconciliation first, so provider evidence
// beats the timeout, then the timeout sweep and the stale pending sweep, then inbox replay.
type Maintenance struct {
	Transactions *TransactionService
	Callbacks    *CallbackHandler
	Reconciler   *Reconciler
	Interval     time.Duration
	Logger       *zap.Logger
}

// RunOnce performs one pass of every job. Failures are logged and do not
// stop the other jobs.
func (m *Maintenance) RunOnce(ctx context.Context) {
	if m.Reconciler != nil {
		if _, err := m.Reconciler.Reconcile(ctx); err != nil {
			m.Logger.Error("reconcile failed", zap.Error(err))
		}
	}
	if _, err := m.Transactions.SweepTimeouts(ctx); err != nil {
		m.Logger.Error("timeout sweep failed", zap.Error(err))
	}
	if _, err := m.Transactions.FailStalePending(ctx); err != nil {
		m.Logger.Error("stale pending sweep failed", zap.Error(err))
	}
	if m.Callbacks != nil {
		if _, err := m.Callbacks.ReplayPending(ctx, replayBatch); err != nil {
			m.Logger.Error("callback replay failed", zap.Error(err))
		}
	}
}

// Run calls RunOnce every Interval until ctx is done.
func (m *Maintenance) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Logger.Info("maintenance loop started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			m.Logger.Info("maintenance loop stopped")
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}
