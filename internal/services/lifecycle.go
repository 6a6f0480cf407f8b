package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ticketgate/internal/chain"
	"ticketgate/internal/models"
	"ticketgate/internal/store"
)

// FulfillmentTimeout bounds how long an order may sit in fulfilling without a purchase hash.
const FulfillmentTimeout = 10 * time.Minute

const (
	ReasonInsufficientTickets = "insufficient_ticket_balance"
	ReasonFulfillmentTimeout  = "fulfillment_timeout_max_retries_exceeded"
	ReasonGameIDNotFound      = "game_id_not_found"
	ReasonMissingSigner       = "treasury signing key not configured"
)

// Reconcile advances one order by at most one step. Errors are stamped on the order as
// last_error without changing its status and returned for the caller's accounting.
func (s OrderService) Reconcile(ctx context.Context, order *models.Order) error {
	err := s.reconcile(ctx, order)
	if err == nil || errors.Is(err, store.ErrStaleTransition) {
		return nil
	}
	s.log().Warn("reconcile failed",
		zap.String("order_id", order.ID),
		zap.String("status", string(order.Status)),
		zap.Error(err),
	)
	if touchErr := s.Store.TouchError(ctx, order.ID, err.Error(), s.now()); touchErr != nil {
		s.log().Error("stamp order error failed", zap.String("order_id", order.ID), zap.Error(touchErr))
	}
	return err
}

func (s OrderService) reconcile(ctx context.Context, order *models.Order) error {
	now := s.now()
	switch order.Status {
	case models.OrderAwaitingPayment:
		if order.PaymentTxHash == nil {
			return nil
		}
		if now.After(order.ExpiresAt) {
			_, err := s.expire(ctx, order, now)
			return err
		}
		_, err := s.verifyPayment(ctx, order, now)
		return err
	case models.OrderPaid:
		return s.submitPurchase(ctx, order, now)
	case models.OrderFulfilling:
		if order.FulfillTxHash == nil {
			return s.submitPurchase(ctx, order, now)
		}
		if order.GameID == nil {
			return s.confirmPurchase(ctx, order)
		}
	}
	return nil
}

func (s OrderService) submitPurchase(ctx context.Context, order *models.Order, now time.Time) error {
	if !s.Chain.HasSigner() {
		s.log().Warn("fulfillment waiting for signing key", zap.String("order_id", order.ID))
		return s.Store.TouchError(ctx, order.ID, ReasonMissingSigner, now)
	}

	if order.Status == models.OrderFulfilling {
		started := order.UpdatedAt
		if order.FulfillmentStartedAt != nil {
			started = *order.FulfillmentStartedAt
		}
		if now.Sub(started) > FulfillmentTimeout {
			return s.fail(ctx, order, ReasonFulfillmentTimeout, now)
		}
	} else {
		if err := s.Store.MarkFulfilling(ctx, order.ID, now); err != nil {
			return err
		}
		s.Metrics.Transition(string(models.OrderFulfilling))
	}

	ok, err := s.Reserve.CanFulfillNow(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return s.fail(ctx, order, ReasonInsufficientTickets, now)
	}
	s.Reserve.Trigger(ctx)

	hash, err := s.Chain.SubmitPurchase(ctx, chain.Purchase{
		DungeonID:  order.DungeonID,
		Recipient:  order.RecipientAddress,
		PlayerName: order.PlayerName,
	})
	if err != nil {
		return fmt.Errorf("submit purchase: %w", err)
	}
	s.log().Info("purchase submitted", zap.String("order_id", order.ID), zap.String("tx_hash", hash))
	return s.Store.SetFulfillTxHash(ctx, order.ID, hash, s.now())
}

func (s OrderService) confirmPurchase(ctx context.Context, order *models.Order) error {
	r, err := s.Chain.WaitForReceipt(ctx, *order.FulfillTxHash, s.ConfirmTimeout)
	if err != nil {
		return fmt.Errorf("wait purchase receipt: %w", err)
	}
	if r == nil || r.Status == chain.StatusUnknown {
		return nil
	}
	now := s.now()
	if r.Status == chain.StatusReverted {
		return s.fail(ctx, order, r.FailureReason(), now)
	}
	gameID, ok := s.Chain.ExtractGameID(r)
	if !ok {
		return s.fail(ctx, order, ReasonGameIDNotFound, now)
	}
	if err := s.Store.MarkFulfilled(ctx, order.ID, gameID, now); err != nil {
		return err
	}
	s.Metrics.Transition(string(models.OrderFulfilled))
	s.log().Info("order fulfilled", zap.String("order_id", order.ID), zap.Uint64("game_id", gameID))
	return nil
}

func (s OrderService) fail(ctx context.Context, order *models.Order, reason string, now time.Time) error {
	if err := s.Store.MarkFailed(ctx, order.ID, reason, now); err != nil {
		return err
	}
	s.Metrics.Transition(string(models.OrderFailed))
	s.log().Info("order failed", zap.String("order_id", order.ID), zap.String("reason", reason))
	return nil
}
