package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ticketgate/internal/amount"
	"ticketgate/internal/logger"
	"ticketgate/internal/models"
	"ticketgate/internal/services"
	"ticketgate/internal/treasury"
)

type TreasuryStatus interface {
	Status(ctx context.Context) (*treasury.Status, error)
}

type Handler struct {
	Orders   *services.OrderService
	Treasury TreasuryStatus
	Log      *zap.Logger
}

// flexibleID accepts both "1" and 1.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

type createOrderRequest struct {
	DungeonID        flexibleID `json:"dungeonId"`
	PayToken         string     `json:"payToken"`
	RecipientAddress string     `json:"recipientAddress"`
	PlayerName       string     `json:"playerName"`
}

type paymentRequest struct {
	TxHash string `json:"txHash"`
}

type orderResponse struct {
	ID                 string       `json:"id"`
	Status             string       `json:"status"`
	DungeonID          string       `json:"dungeonId"`
	CreatedAt          string       `json:"createdAt"`
	UpdatedAt          string       `json:"updatedAt"`
	ExpiresAt          string       `json:"expiresAt"`
	PayToken           models.Token `json:"payToken"`
	RequiredAmountRaw  string       `json:"requiredAmountRaw"`
	RequiredAmount     string       `json:"requiredAmount"`
	QuoteSellAmountRaw string       `json:"quoteSellAmountRaw"`
	RecipientAddress   string       `json:"recipientAddress"`
	PlayerName         string       `json:"playerName"`
	TreasuryAddress    string       `json:"treasuryAddress"`
	PaymentTxHash      *string      `json:"paymentTxHash"`
	PaidAmountRaw      *string      `json:"paidAmountRaw"`
	FulfillTxHash      *string      `json:"fulfillTxHash"`
	GameID             *uint64      `json:"gameId"`
	LastError          *string      `json:"lastError"`
}

func NewHandler(orders *services.OrderService, reserve TreasuryStatus, log *zap.Logger) *Handler {
	return &Handler{Orders: orders, Treasury: reserve, Log: logger.OrNop(log)}
}

func (h *Handler) project(order *models.Order) *orderResponse {
	return &orderResponse{
		ID:                 order.ID,
		Status:             string(order.Status),
		DungeonID:          order.DungeonID,
		CreatedAt:          order.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:          order.UpdatedAt.UTC().Format(time.RFC3339Nano),
		ExpiresAt:          order.ExpiresAt.UTC().Format(time.RFC3339Nano),
		PayToken:           order.PayToken,
		RequiredAmountRaw:  order.RequiredAmountRaw,
		RequiredAmount:     amount.Format(order.RequiredAmountRaw, order.PayToken.Decimals),
		QuoteSellAmountRaw: order.QuoteSellAmountRaw,
		RecipientAddress:   order.RecipientAddress,
		PlayerName:         order.PlayerName,
		TreasuryAddress:    h.Orders.Treasury,
		PaymentTxHash:      order.PaymentTxHash,
		PaidAmountRaw:      order.PaidAmountRaw,
		FulfillTxHash:      order.FulfillTxHash,
		GameID:             order.GameID,
		LastError:          order.LastError,
	}
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	order, err := h.Orders.CreateOrder(r.Context(), services.CreateOrderRequest{
		DungeonID:        string(req.DungeonID),
		PayToken:         req.PayToken,
		RecipientAddress: req.RecipientAddress,
		PlayerName:       req.PlayerName,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidRequest):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Details: details(err)})
		case errors.Is(err, services.ErrInvalidAddress):
			writeError(w, http.StatusBadRequest, "invalid_address")
		case errors.Is(err, services.ErrQuoteUnavailable):
			writeError(w, http.StatusServiceUnavailable, "quote_unavailable")
		default:
			h.Log.Error("create order failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "create order failed")
		}
		return
	}
	writeJSON(w, http.StatusCreated, h.project(order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.Orders.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.Log.Error("get order failed", zap.String("order_id", orderID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get order failed")
		return
	}
	writeJSON(w, http.StatusOK, h.project(order))
}

func (h *Handler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	order, outcome, err := h.Orders.SubmitPayment(r.Context(), orderID, req.TxHash)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidRequest):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Details: details(err)})
		case errors.Is(err, services.ErrNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, services.ErrTxHashMismatch):
			writeError(w, http.StatusConflict, "payment_tx_hash_mismatch")
		case errors.Is(err, services.ErrTxHashInUse):
			writeError(w, http.StatusConflict, "payment_tx_already_used")
		default:
			h.Log.Error("submit payment failed", zap.String("order_id", orderID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "submit payment failed")
		}
		return
	}

	switch outcome {
	case services.PaymentProcessing:
		writeJSON(w, http.StatusAccepted, h.project(order))
	case services.PaymentExpired:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "quote_expired", Order: h.project(order)})
	case services.PaymentRejected:
		resp := errorResponse{Error: "payment_verification_failed", Order: h.project(order)}
		if order.LastError != nil {
			resp.Details = *order.LastError
		}
		writeJSON(w, http.StatusBadRequest, resp)
	default:
		writeJSON(w, http.StatusOK, h.project(order))
	}
}

func (h *Handler) TreasuryStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Treasury.Status(r.Context())
	if err != nil {
		h.Log.Error("treasury status failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "treasury status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// details keeps the message after the sentinel prefix so clients see which field failed.
func details(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return ""
}
