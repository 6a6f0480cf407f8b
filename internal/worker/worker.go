package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ticketgate/internal/logger"
	"ticketgate/internal/metrics"
	"ticketgate/internal/models"
	"ticketgate/internal/store"
)

const (
	TickBusy       = "busy"
	TickIdle       = "idle"
	TickReconciled = "reconciled"
	TickError      = "error"
)

type Engine interface {
	Reconcile(ctx context.Context, order *models.Order) error
}

type Restocker interface {
	Trigger(ctx context.Context)
}

// Worker reconciles one order per tick. Ticks come from a timer and from new-head nudges;
// a tick that finds the previous one still running is skipped.
type Worker struct {
	Store           store.Repository
	Engine          Engine
	Reserve         Restocker
	Interval        time.Duration
	RestockInterval time.Duration
	WSEndpoint      string
	Log             *zap.Logger
	Metrics         *metrics.Metrics
	Now             func() time.Time

	busy             atomic.Bool
	lastRestockCheck time.Time
	inflight         sync.WaitGroup
}

func (w *Worker) log() *zap.Logger {
	return logger.OrNop(w.Log)
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

// Run ticks immediately, then on every interval or nudge until ctx is done. It returns after
// the in-flight tick has finished; a running reconcile is not aborted.
func (w *Worker) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	nudges := make(chan struct{}, 1)
	if w.WSEndpoint != "" {
		go w.RunWS(ctx, nudges)
	}

	work := context.WithoutCancel(ctx)
	w.spawn(work)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.inflight.Wait()
			w.log().Info("worker stopped")
			return
		case <-ticker.C:
			w.spawn(work)
		case <-nudges:
			w.spawn(work)
		}
	}
}

func (w *Worker) spawn(ctx context.Context) {
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		w.Tick(ctx)
	}()
}

// Tick runs one scheduling step and reports its outcome.
func (w *Worker) Tick(ctx context.Context) (outcome string) {
	if !w.busy.CompareAndSwap(false, true) {
		w.Metrics.Tick(TickBusy)
		return TickBusy
	}
	defer w.busy.Store(false)
	defer func() { w.Metrics.Tick(outcome) }()

	now := w.now()
	if w.Reserve != nil && (w.lastRestockCheck.IsZero() || now.Sub(w.lastRestockCheck) > w.RestockInterval) {
		w.lastRestockCheck = now
		w.Reserve.Trigger(ctx)
	}

	order, err := w.Store.NextNeedingWork(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return TickIdle
	}
	if err != nil {
		w.log().Error("select next order failed", zap.Error(err))
		return TickError
	}
	if err := w.reconcile(ctx, order); err != nil {
		return TickError
	}
	return TickReconciled
}

func (w *Worker) reconcile(ctx context.Context, order *models.Order) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err = fmt.Errorf("reconcile panic: %v", r)
		w.log().Error("reconcile panicked", zap.String("order_id", order.ID), zap.Any("panic", r))
		if touchErr := w.Store.TouchError(ctx, order.ID, err.Error(), w.now()); touchErr != nil {
			w.log().Error("stamp order error failed", zap.String("order_id", order.ID), zap.Error(touchErr))
		}
	}()
	return w.Engine.Reconcile(ctx, order)
}
