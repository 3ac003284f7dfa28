package services

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ExpiryWorker periodically sweeps pending payments whose deadline has
// passed and drives them through the expiry transition. The per-payment
// status CAS makes overlapping sweeps harmless.
type ExpiryWorker struct {
	engine   *PaymentEngine
	interval time.Duration
	batch    int64
	logger   *zap.Logger
}

func NewExpiryWorker(engine *PaymentEngine, interval time.Duration, logger *zap.Logger) *ExpiryWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpiryWorker{
		engine:   engine,
		interval: interval,
		batch:    100,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled. Call it from its own goroutine.
func (w *ExpiryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("expiry worker started", zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("expiry worker stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ExpiryWorker) sweep(ctx context.Context) {
	expired, err := w.engine.ExpireDuePayments(ctx, w.batch)
	if err != nil {
		w.logger.Error("expiry sweep failed", zap.Error(err))
		return
	}
	if expired > 0 {
		w.logger.Info("expired overdue payments", zap.Int("count", expired))
	}
}
