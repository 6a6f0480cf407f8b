package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ticketgate/internal/amount"
	"ticketgate/internal/chain"
	"ticketgate/internal/logger"
	"ticketgate/internal/metrics"
	"ticketgate/internal/models"
	"ticketgate/internal/payments"
	"ticketgate/internal/pricing"
	"ticketgate/internal/store"
)

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidAddress   = errors.New("invalid recipient address")
	ErrQuoteUnavailable = errors.New("quote unavailable")
	ErrTxHashMismatch   = errors.New("payment_tx_hash_mismatch")
	ErrTxHashInUse      = errors.New("payment_tx_already_used")
	ErrNotFound         = errors.New("order not found")
)

type Gateway interface {
	HasSigner() bool
	Receipt(ctx context.Context, txHash string) (*chain.Receipt, error)
	WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (*chain.Receipt, error)
	SubmitPurchase(ctx context.Context, p chain.Purchase) (string, error)
	ExtractGameID(r *chain.Receipt) (uint64, bool)
}

type Quoter interface {
	QuoteBuy(ctx context.Context, sellToken, buyToken string, buyAmount *big.Int, taker string) (*pricing.Quote, error)
}

// Reserve gates fulfillment on the treasury ticket balance.
type Reserve interface {
	CanFulfillNow(ctx context.Context) (bool, error)
	Trigger(ctx context.Context)
}

type OrderService struct {
	Store   store.Repository
	Chain   Gateway
	Quotes  Quoter
	Reserve Reserve
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time

	PayTokens      []models.Token
	Ticket         models.Token
	DungeonID      string
	Treasury       string
	FeeBps         int64
	TTL            time.Duration
	ConfirmTimeout time.Duration
}

type CreateOrderRequest struct {
	DungeonID        string `json:"dungeonId" validate:"required"`
	PayToken         string `json:"payToken" validate:"required"`
	RecipientAddress string `json:"recipientAddress" validate:"required"`
	PlayerName       string `json:"playerName" validate:"required,printascii,min=1,max=31"`
}

func (r CreateOrderRequest) Validate() error {
	v := validator.New()
	return v.Struct(r)
}

// PaymentOutcome tells the caller how a payment submission left the order.
type PaymentOutcome int

const (
	PaymentAccepted PaymentOutcome = iota
	PaymentProcessing
	PaymentRejected
	PaymentExpired
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

func (s OrderService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s OrderService) log() *zap.Logger {
	return logger.OrNop(s.Log)
}

func (s OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.DungeonID != s.DungeonID {
		return nil, fmt.Errorf("%w: unknown dungeon %q", ErrInvalidRequest, req.DungeonID)
	}
	token, ok := s.payToken(req.PayToken)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported pay token %q", ErrInvalidRequest, req.PayToken)
	}
	recipient, err := chain.NormalizeAddress(req.RecipientAddress)
	if err != nil {
		return nil, ErrInvalidAddress
	}

	quote, err := s.Quotes.QuoteBuy(ctx, token.Address, s.Ticket.Address, amount.Unit(s.Ticket.Decimals), s.Treasury)
	if err != nil {
		s.log().Warn("ticket quote failed", zap.String("pay_token", token.Symbol), zap.Error(err))
		return nil, ErrQuoteUnavailable
	}
	if quote.SellAmount == nil || quote.SellAmount.Sign() <= 0 {
		return nil, ErrQuoteUnavailable
	}
	required, err := amount.ApplyFeeBps(quote.SellAmount, s.FeeBps)
	if err != nil {
		return nil, err
	}

	now := s.now()
	order := &models.Order{
		ID:                 uuid.NewString(),
		Status:             models.OrderAwaitingPayment,
		DungeonID:          s.DungeonID,
		PayToken:           token,
		RequiredAmountRaw:  required.String(),
		QuoteSellAmountRaw: quote.SellAmount.String(),
		RecipientAddress:   recipient,
		PlayerName:         req.PlayerName,
		CreatedAt:          now,
		UpdatedAt:          now,
		ExpiresAt:          now.Add(s.TTL),
	}
	if err := s.Store.Create(ctx, order); err != nil {
		return nil, err
	}
	s.Metrics.Transition(string(models.OrderAwaitingPayment))
	s.log().Info("order created",
		zap.String("order_id", order.ID),
		zap.String("pay_token", token.Symbol),
		zap.String("required_amount_raw", order.RequiredAmountRaw),
	)
	return order, nil
}

func (s OrderService) payToken(symbol string) (models.Token, bool) {
	for _, tok := range s.PayTokens {
		if strings.EqualFold(tok.Symbol, symbol) {
			return tok, true
		}
	}
	return models.Token{}, false
}

func (s OrderService) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	order, err := s.Store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return order, err
}

// SubmitPayment records the payer's claimed transaction hash and verifies it. Repeating a
// submission with the same hash is safe; a different hash once one is stored is a conflict.
func (s OrderService) SubmitPayment(ctx context.Context, id, txHash string) (*models.Order, PaymentOutcome, error) {
	txHash = strings.TrimSpace(txHash)
	if !txHashPattern.MatchString(txHash) {
		return nil, PaymentRejected, fmt.Errorf("%w: txHash must be a 0x-prefixed 32-byte hex string", ErrInvalidRequest)
	}
	txHash = strings.ToLower(txHash)

	order, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, PaymentRejected, err
	}
	now := s.now()

	if order.Status == models.OrderAwaitingPayment && now.After(order.ExpiresAt) {
		order, err = s.expire(ctx, order, now)
		if err != nil {
			return nil, PaymentRejected, err
		}
		return order, outcomeFor(order), nil
	}
	if order.Status != models.OrderAwaitingPayment {
		return order, outcomeFor(order), nil
	}
	if order.PaymentTxHash != nil && !strings.EqualFold(*order.PaymentTxHash, txHash) {
		return order, PaymentRejected, ErrTxHashMismatch
	}
	if order.PaymentTxHash == nil {
		err := s.Store.SetPaymentTxHash(ctx, order.ID, txHash, now)
		switch {
		case errors.Is(err, store.ErrPaymentTxInUse):
			s.log().Warn("payment tx hash reused", zap.String("order_id", order.ID), zap.String("tx_hash", txHash))
			return order, PaymentRejected, ErrTxHashInUse
		case err != nil && !errors.Is(err, store.ErrStaleTransition):
			return nil, PaymentRejected, err
		}
		order, err = s.GetOrder(ctx, id)
		if err != nil {
			return nil, PaymentRejected, err
		}
		if order.Status != models.OrderAwaitingPayment {
			return order, outcomeFor(order), nil
		}
		if order.PaymentTxHash == nil || !strings.EqualFold(*order.PaymentTxHash, txHash) {
			return order, PaymentRejected, ErrTxHashMismatch
		}
	}

	order, err = s.verifyPayment(ctx, order, now)
	if err != nil {
		return nil, PaymentRejected, err
	}
	return order, outcomeFor(order), nil
}

func outcomeFor(order *models.Order) PaymentOutcome {
	switch order.Status {
	case models.OrderAwaitingPayment:
		return PaymentProcessing
	case models.OrderFailed:
		return PaymentRejected
	case models.OrderExpired:
		return PaymentExpired
	}
	return PaymentAccepted
}

// verifyPayment checks the stored payment hash on chain and applies the outcome. A pending
// verification leaves the order untouched.
func (s OrderService) verifyPayment(ctx context.Context, order *models.Order, now time.Time) (*models.Order, error) {
	verifier := payments.Verifier{Receipts: s.Chain, Treasury: s.Treasury, Log: s.log()}
	v := verifier.VerifyOrderPayment(ctx, order, *order.PaymentTxHash)

	var err error
	switch v.State {
	case payments.StatePending:
		return order, nil
	case payments.StateFailed:
		err = s.Store.MarkFailed(ctx, order.ID, v.Reason, now)
		if err == nil {
			s.Metrics.Transition(string(models.OrderFailed))
			s.log().Info("payment rejected", zap.String("order_id", order.ID), zap.String("reason", v.Reason))
		}
	case payments.StateVerified:
		err = s.Store.MarkPaid(ctx, order.ID, v.PaidAmountRaw, now)
		if err == nil {
			s.Metrics.Transition(string(models.OrderPaid))
			s.log().Info("payment verified", zap.String("order_id", order.ID), zap.String("paid_amount_raw", v.PaidAmountRaw))
			if s.Reserve != nil {
				s.Reserve.Trigger(ctx)
			}
		}
	}
	if err != nil && !errors.Is(err, store.ErrStaleTransition) {
		return nil, err
	}
	return s.GetOrder(ctx, order.ID)
}

func (s OrderService) expire(ctx context.Context, order *models.Order, now time.Time) (*models.Order, error) {
	err := s.Store.MarkExpired(ctx, order.ID, now)
	switch {
	case err == nil:
		s.Metrics.Transition(string(models.OrderExpired))
		s.log().Info("order expired", zap.String("order_id", order.ID))
	case !errors.Is(err, store.ErrStaleTransition):
		return nil, err
	}
	return s.GetOrder(ctx, order.ID)
}
