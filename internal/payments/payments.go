package payments

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"ticketgate/internal/amount"
	"ticketgate/internal/chain"
	"ticketgate/internal/models"
)

type State string

const (
	StatePending  State = "pending"
	StateVerified State = "verified"
	StateFailed   State = "failed"
)

const (
	ReasonTxFailed               = "payment_tx_failed"
	ReasonTransferNotFound       = "transfer_not_found"
	ReasonUnexpectedSenderPrefix = "unexpected_sender:"
	ReasonInsufficientPrefix     = "insufficient_amount:"
)

type Verification struct {
	State         State
	Reason        string
	PaidAmountRaw string
}

type Transfer struct {
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// Expectation describes the transfer an order requires.
type Expectation struct {
	Token        string
	Sender       string
	Treasury     string
	MinAmountRaw string
}

// ExtractTransfers decodes ERC20 Transfer logs emitted by token.
func ExtractTransfers(logs []*types.Log, token string) []Transfer {
	contract := common.HexToAddress(token)
	var out []Transfer
	for _, l := range logs {
		if l == nil || l.Address != contract {
			continue
		}
		if len(l.Topics) < 3 || l.Topics[0] != chain.TransferEventSignature {
			continue
		}
		out = append(out, Transfer{
			From:   common.BytesToAddress(l.Topics[1].Bytes()),
			To:     common.BytesToAddress(l.Topics[2].Bytes()),
			Amount: new(big.Int).SetBytes(l.Data),
		})
	}
	return out
}

// Verify checks a receipt against the expectation. A missing or not-yet-final receipt is
// pending, never failed.
func Verify(r *chain.Receipt, exp Expectation) Verification {
	if r == nil || r.Status == chain.StatusUnknown {
		return Verification{State: StatePending}
	}
	if r.Status == chain.StatusReverted {
		return Verification{State: StateFailed, Reason: ReasonTxFailed}
	}

	minAmount, err := amount.Parse(exp.MinAmountRaw)
	if err != nil {
		return Verification{State: StateFailed, Reason: ReasonTransferNotFound}
	}
	treasury := common.HexToAddress(exp.Treasury)
	sender := common.HexToAddress(exp.Sender)

	var toTreasury []Transfer
	for _, t := range ExtractTransfers(r.Logs, exp.Token) {
		if t.To == treasury {
			toTreasury = append(toTreasury, t)
		}
	}
	if len(toTreasury) == 0 {
		return Verification{State: StateFailed, Reason: ReasonTransferNotFound}
	}

	var short *big.Int
	for _, t := range toTreasury {
		if t.From != sender {
			continue
		}
		if t.Amount.Cmp(minAmount) >= 0 {
			return Verification{State: StateVerified, PaidAmountRaw: t.Amount.String()}
		}
		if short == nil || t.Amount.Cmp(short) > 0 {
			short = t.Amount
		}
	}
	if short != nil {
		return Verification{State: StateFailed, Reason: ReasonInsufficientPrefix + short.String()}
	}
	return Verification{State: StateFailed, Reason: ReasonUnexpectedSenderPrefix + toTreasury[0].From.Hex()}
}

type ReceiptSource interface {
	Receipt(ctx context.Context, txHash string) (*chain.Receipt, error)
}

// Verifier fetches the payment receipt and checks it against an order.
type Verifier struct {
	Receipts ReceiptSource
	Treasury string
	Log      *zap.Logger
}

func (v Verifier) VerifyOrderPayment(ctx context.Context, order *models.Order, txHash string) Verification {
	r, err := v.Receipts.Receipt(ctx, txHash)
	if err != nil {
		if v.Log != nil {
			v.Log.Warn("payment receipt lookup failed",
				zap.String("order_id", order.ID),
				zap.String("tx_hash", txHash),
				zap.Error(err),
			)
		}
		return Verification{State: StatePending}
	}
	return Verify(r, Expectation{
		Token:        order.PayToken.Address,
		Sender:       order.RecipientAddress,
		Treasury:     v.Treasury,
		MinAmountRaw: order.RequiredAmountRaw,
	})
}
