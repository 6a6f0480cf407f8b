package models

import "time"

type OrderStatus string

const (
	OrderAwaitingPayment OrderStatus = "awaiting_payment"
	OrderPaid            OrderStatus = "paid"
	OrderFulfilling      OrderStatus = "fulfilling"
	OrderFulfilled       OrderStatus = "fulfilled"
	OrderFailed          OrderStatus = "failed"
	OrderExpired         OrderStatus = "expired"
)

// Terminal reports whether the worker has nothing left to do for the status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFulfilled, OrderFailed, OrderExpired:
		return true
	}
	return false
}

// Rank orders statuses along the lifecycle graph. Terminal states share the top rank.
func (s OrderStatus) Rank() int {
	switch s {
	case OrderAwaitingPayment:
		return 0
	case OrderPaid:
		return 1
	case OrderFulfilling:
		return 2
	case OrderFulfilled, OrderFailed, OrderExpired:
		return 3
	}
	return -1
}

type Token struct {
	Symbol   string `yaml:"symbol" json:"symbol"`
	Address  string `yaml:"address" json:"address"`
	Decimals int    `yaml:"decimals" json:"decimals"`
}

type Order struct {
	ID        string
	Status    OrderStatus
	DungeonID string

	PayToken           Token
	RequiredAmountRaw  string
	QuoteSellAmountRaw string

	RecipientAddress string
	PlayerName       string

	PaymentTxHash *string
	PaidAmountRaw *string

	FulfillTxHash        *string
	GameID               *uint64
	FulfillmentStartedAt *time.Time

	LastError *string

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// NeedsWork mirrors the worker selection predicate.
func (o *Order) NeedsWork() bool {
	if o.Status.Terminal() {
		return false
	}
	if o.Status == OrderAwaitingPayment {
		return o.PaymentTxHash != nil
	}
	return true
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	cp.PaymentTxHash = cloneString(o.PaymentTxHash)
	cp.PaidAmountRaw = cloneString(o.PaidAmountRaw)
	cp.FulfillTxHash = cloneString(o.FulfillTxHash)
	cp.LastError = cloneString(o.LastError)
	if o.GameID != nil {
		v := *o.GameID
		cp.GameID = &v
	}
	if o.FulfillmentStartedAt != nil {
		v := *o.FulfillmentStartedAt
		cp.FulfillmentStartedAt = &v
	}
	return &cp
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
