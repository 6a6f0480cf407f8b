package store

import (
	"context"
	"errors"
	"time"

	"ticketgate/internal/models"
)

var (
	ErrNotFound = errors.New("order not found")

	// ErrStaleTransition means the guarded update matched no row: the order is not in a
	// state the transition may start from.
	ErrStaleTransition = errors.New("order state changed concurrently")

	// ErrPaymentTxInUse means another order already recorded the payment tx hash.
	ErrPaymentTxInUse = errors.New("payment tx hash already used by another order")
)

// Repository is the only write path for orders. Each method touches a fixed set of fields
// and only succeeds from the statuses the lifecycle allows.
type Repository interface {
	Create(ctx context.Context, order *models.Order) error
	Get(ctx context.Context, id string) (*models.Order, error)
	// NextNeedingWork returns the oldest paid, fulfilling, or awaiting_payment-with-hash
	// order, or ErrNotFound.
	NextNeedingWork(ctx context.Context) (*models.Order, error)

	// SetPaymentTxHash records the payment evidence once. A hash held by any other order
	// yields ErrPaymentTxInUse.
	SetPaymentTxHash(ctx context.Context, id, txHash string, now time.Time) error
	MarkPaid(ctx context.Context, id, paidAmountRaw string, now time.Time) error
	MarkExpired(ctx context.Context, id string, now time.Time) error
	MarkFailed(ctx context.Context, id, reason string, now time.Time) error
	MarkFulfilling(ctx context.Context, id string, now time.Time) error
	SetFulfillTxHash(ctx context.Context, id, txHash string, now time.Time) error
	MarkFulfilled(ctx context.Context, id string, gameID uint64, now time.Time) error
	TouchError(ctx context.Context, id, message string, now time.Time) error
}

var failableStatuses = []models.OrderStatus{
	models.OrderAwaitingPayment,
	models.OrderPaid,
	models.OrderFulfilling,
}
