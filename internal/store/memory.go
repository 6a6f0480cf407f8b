package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"ticketgate/internal/models"
)

// Memory is a non-durable Repository for local runs and tests.
type Memory struct {
	mu     sync.Mutex
	orders map[string]*models.Order
}

func NewMemory() *Memory {
	return &Memory{orders: map[string]*models.Order{}}
}

func (m *Memory) Create(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; ok {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	m.orders[order.ID] = order.Clone()
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *Memory) NextNeedingWork(ctx context.Context) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next *models.Order
	for _, o := range m.orders {
		if !o.NeedsWork() {
			continue
		}
		if next == nil || o.CreatedAt.Before(next.CreatedAt) ||
			(o.CreatedAt.Equal(next.CreatedAt) && o.ID < next.ID) {
			next = o
		}
	}
	if next == nil {
		return nil, ErrNotFound
	}
	return next.Clone(), nil
}

func (m *Memory) SetPaymentTxHash(ctx context.Context, id, txHash string, now time.Time) error {
	return m.update(id, now, []models.OrderStatus{models.OrderAwaitingPayment}, func(o *models.Order) bool {
		if o.PaymentTxHash != nil {
			return false
		}
		o.PaymentTxHash = &txHash
		return true
	}, func() error {
		for otherID, other := range m.orders {
			if otherID != id && other.PaymentTxHash != nil && strings.EqualFold(*other.PaymentTxHash, txHash) {
				return ErrPaymentTxInUse
			}
		}
		return nil
	})
}

func (m *Memory) MarkPaid(ctx context.Context, id, paidAmountRaw string, now time.Time) error {
	return m.update(id, now, []models.OrderStatus{models.OrderAwaitingPayment}, func(o *models.Order) bool {
		o.Status = models.OrderPaid
		o.PaidAmountRaw = &paidAmountRaw
		o.LastError = nil
		return true
	})
}

func (m *Memory) MarkExpired(ctx context.Context, id string, now time.Time) error {
	return m.update(id, now, []models.OrderStatus{models.OrderAwaitingPayment}, func(o *models.Order) bool {
		o.Status = models.OrderExpired
		return true
	})
}

func (m *Memory) MarkFailed(ctx context.Context, id, reason string, now time.Time) error {
	return m.update(id, now, failableStatuses, func(o *models.Order) bool {
		o.Status = models.OrderFailed
		o.LastError = &reason
		return true
	})
}

func (m *Memory) MarkFulfilling(ctx context.Context, id string, now time.Time) error {
	return m.update(id, now, []models.OrderStatus{models.OrderPaid}, func(o *models.Order) bool {
		o.Status = models.OrderFulfilling
		started := now
		o.FulfillmentStartedAt = &started
		o.LastError = nil
		return true
	})
}

func (m *Memory) SetFulfillTxHash(ctx context.Context, id, txHash string, now time.Time) error {
	return m.update(id, now, []models.OrderStatus{models.OrderFulfilling}, func(o *models.Order) bool {
		if o.FulfillTxHash != nil {
			return false
		}
		o.FulfillTxHash = &txHash
		o.LastError = nil
		return true
	})
}

func (m *Memory) MarkFulfilled(ctx context.Context, id string, gameID uint64, now time.Time) error {
	return m.update(id, now, []models.OrderStatus{models.OrderFulfilling}, func(o *models.Order) bool {
		o.Status = models.OrderFulfilled
		o.GameID = &gameID
		o.LastError = nil
		return true
	})
}

func (m *Memory) TouchError(ctx context.Context, id, message string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.LastError = &message
	bump(o, now)
	return nil
}

// update applies a guarded transition. checks run under the lock after apply accepts it.
func (m *Memory) update(id string, now time.Time, from []models.OrderStatus, apply func(o *models.Order) bool, checks ...func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(from, o.Status) {
		return ErrStaleTransition
	}
	next := o.Clone()
	if !apply(next) || next.Status.Rank() < o.Status.Rank() {
		return ErrStaleTransition
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	bump(next, now)
	m.orders[id] = next
	return nil
}

func bump(o *models.Order, now time.Time) {
	if now.After(o.UpdatedAt) {
		o.UpdatedAt = now
	}
}
