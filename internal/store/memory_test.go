package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ticketgate/internal/models"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, m *Memory, id string, status models.OrderStatus, created time.Time, hash *string) {
	t.Helper()
	require.NoError(t, m.Create(context.Background(), &models.Order{
		ID:            id,
		Status:        status,
		PaymentTxHash: hash,
		CreatedAt:     created,
		UpdatedAt:     created,
		ExpiresAt:     created.Add(5 * time.Minute),
	}))
}

func ptr(s string) *string { return &s }

func TestNextNeedingWorkPicksOldestEligible(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed(t, m, "a", models.OrderAwaitingPayment, t0, nil)
	seed(t, m, "b", models.OrderFulfilled, t0.Add(time.Second), nil)
	seed(t, m, "c", models.OrderFulfilling, t0.Add(3*time.Second), nil)
	seed(t, m, "d", models.OrderAwaitingPayment, t0.Add(2*time.Second), ptr("0x01"))
	seed(t, m, "e", models.OrderPaid, t0.Add(4*time.Second), nil)

	next, err := m.NextNeedingWork(ctx)
	require.NoError(t, err)
	require.Equal(t, "d", next.ID)

	require.NoError(t, m.MarkFailed(ctx, "d", "transfer_not_found", t0.Add(time.Minute)))
	next, err = m.NextNeedingWork(ctx)
	require.NoError(t, err)
	require.Equal(t, "c", next.ID)
}

func TestNextNeedingWorkEmpty(t *testing.T) {
	m := NewMemory()
	seed(t, m, "a", models.OrderAwaitingPayment, t0, nil)
	_, err := m.NextNeedingWork(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionsAreGuarded(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed(t, m, "a", models.OrderAwaitingPayment, t0, nil)

	require.ErrorIs(t, m.MarkFulfilling(ctx, "a", t0), ErrStaleTransition)
	require.NoError(t, m.SetPaymentTxHash(ctx, "a", "0x01", t0.Add(time.Second)))
	require.ErrorIs(t, m.SetPaymentTxHash(ctx, "a", "0x02", t0.Add(time.Second)), ErrStaleTransition)
	require.NoError(t, m.MarkPaid(ctx, "a", "1030000", t0.Add(2*time.Second)))
	require.ErrorIs(t, m.MarkPaid(ctx, "a", "1030000", t0.Add(2*time.Second)), ErrStaleTransition)
	require.ErrorIs(t, m.MarkExpired(ctx, "a", t0.Add(time.Hour)), ErrStaleTransition)
	require.NoError(t, m.MarkFulfilling(ctx, "a", t0.Add(3*time.Second)))
	require.NoError(t, m.SetFulfillTxHash(ctx, "a", "0xff", t0.Add(4*time.Second)))
	require.ErrorIs(t, m.SetFulfillTxHash(ctx, "a", "0xee", t0.Add(4*time.Second)), ErrStaleTransition)
	require.NoError(t, m.MarkFulfilled(ctx, "a", 42, t0.Add(5*time.Second)))
	require.ErrorIs(t, m.MarkFailed(ctx, "a", "late", t0.Add(6*time.Second)), ErrStaleTransition)

	o, err := m.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, models.OrderFulfilled, o.Status)
	require.Equal(t, "0x01", *o.PaymentTxHash)
	require.Equal(t, "0xff", *o.FulfillTxHash)
	require.Equal(t, uint64(42), *o.GameID)
	require.Equal(t, t0.Add(3*time.Second), *o.FulfillmentStartedAt)
	require.Nil(t, o.LastError)
	require.Equal(t, t0.Add(5*time.Second), o.UpdatedAt)
}

func TestPaymentTxHashIsUniqueAcrossOrders(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed(t, m, "a", models.OrderAwaitingPayment, t0, nil)
	seed(t, m, "b", models.OrderAwaitingPayment, t0, nil)
	seed(t, m, "c", models.OrderExpired, t0, ptr("0xdead"))

	require.NoError(t, m.SetPaymentTxHash(ctx, "a", "0xbeef", t0.Add(time.Second)))
	require.ErrorIs(t, m.SetPaymentTxHash(ctx, "b", "0xBEEF", t0.Add(time.Second)), ErrPaymentTxInUse)
	require.ErrorIs(t, m.SetPaymentTxHash(ctx, "b", "0xdead", t0.Add(time.Second)), ErrPaymentTxInUse)

	b, err := m.Get(ctx, "b")
	require.NoError(t, err)
	require.Nil(t, b.PaymentTxHash)
	require.Equal(t, t0, b.UpdatedAt)

	require.NoError(t, m.SetPaymentTxHash(ctx, "b", "0xcafe", t0.Add(time.Second)))
}

func TestUpdatedAtNeverMovesBackward(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed(t, m, "a", models.OrderPaid, t0, nil)

	require.NoError(t, m.TouchError(ctx, "a", "boom", t0.Add(time.Minute)))
	require.NoError(t, m.TouchError(ctx, "a", "again", t0))

	o, err := m.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, t0.Add(time.Minute), o.UpdatedAt)
	require.Equal(t, "again", *o.LastError)
	require.Equal(t, models.OrderPaid, o.Status)
}

func TestGetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed(t, m, "a", models.OrderAwaitingPayment, t0, nil)

	o, err := m.Get(ctx, "a")
	require.NoError(t, err)
	o.Status = models.OrderFulfilled

	again, err := m.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, models.OrderAwaitingPayment, again.Status)

	_, err = m.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, m.TouchError(ctx, "missing", "x", t0), ErrNotFound)
}
