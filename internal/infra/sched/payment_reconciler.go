package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"billing-engine/internal/domain/ports/repository"
	"billing-engine/internal/usecase"
)

// PaymentReconciler periodically scans for stale pending payments and tries
// to finalize them through PaymentUseCase.Confirm. This covers deliveries the
// provider never retried and processes that crashed mid-confirm.
type PaymentReconciler struct {
	uc         usecase.PaymentUseCase
	payments   repository.PaymentRepository
	interval   time.Duration // how often to scan
	staleAfter time.Duration // how old a pending payment must be to retry
	log        *zerolog.Logger
}

func NewPaymentReconciler(uc usecase.PaymentUseCase, payments repository.PaymentRepository, interval, staleAfter time.Duration, logger *zerolog.Logger) *PaymentReconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &PaymentReconciler{uc: uc, payments: payments, interval: interval, staleAfter: staleAfter, log: logger}
}

func (w *PaymentReconciler) Start(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.tick(ctx)
		}
	}
}

func (w *PaymentReconciler) tick(ctx context.Context) {
	cutoff := time.Now().Add(-w.staleAfter)
	pending, err := w.payments.ListPendingOlderThan(ctx, nil, cutoff, 200)
	if err != nil {
		w.log.Error().Err(err).Msg("payment-reconciler: list pending failed")
		return
	}
	for _, p := range pending {
		// Payments without a provider intent have nothing to reconcile
		// against; they stay pending until cancelled or completed manually.
		if p.ExternalRef == "" {
			continue
		}
		_, outcome, err := w.uc.Confirm(ctx, p.ID)
		if !usecase.IsNoop(err) {
			w.log.Warn().Err(err).Str("payment_id", p.ID).Msg("payment-reconciler: confirm failed")
			continue
		}
		if outcome == usecase.OutcomeApplied {
			w.log.Info().Str("payment_id", p.ID).Msg("payment-reconciler: reconciled")
		}
	}
}
