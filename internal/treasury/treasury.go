// Package treasury keeps the ticket reserve the treasury spends on fulfillment. It gates
// fulfillment on a minimum reserve and restocks toward a target by swapping a held token into
// the settlement token and the settlement token into tickets.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ticketgate/internal/amount"
	"ticketgate/internal/chain"
	"ticketgate/internal/logger"
	"ticketgate/internal/metrics"
	"ticketgate/internal/models"
	"ticketgate/internal/pricing"
)

var ErrNoFundingToken = errors.New("No token with sufficient balance to acquire LORDS")

type Gateway interface {
	HasSigner() bool
	TokenBalance(ctx context.Context, token, owner string) (*big.Int, error)
	Execute(ctx context.Context, call chain.Call) (string, error)
	WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (*chain.Receipt, error)
}

type Quoter interface {
	QuoteBuy(ctx context.Context, sellToken, buyToken string, buyAmount *big.Int, taker string) (*pricing.Quote, error)
	QuoteSell(ctx context.Context, sellToken, buyToken string, sellAmount *big.Int, taker string) (*pricing.Quote, error)
	Build(ctx context.Context, q *pricing.Quote, taker string, slippage float64) (chain.Call, error)
}

type Settings struct {
	Treasury   string
	Ticket     models.Token
	Settlement models.Token
	// Sellable tokens may be swapped into Settlement to fund a restock.
	Sellable       []models.Token
	Target         int64
	Minimum        int64
	Slippage       float64
	ConfirmTimeout time.Duration
}

type RestockResult struct {
	Success       bool      `json:"success"`
	TicketsBought int64     `json:"ticketsBought"`
	TxHashes      []string  `json:"txHashes"`
	TokenUsed     string    `json:"tokenUsed,omitempty"`
	Error         string    `json:"error,omitempty"`
	FinishedAt    time.Time `json:"finishedAt"`
}

type Reserve struct {
	Target            int64          `json:"target"`
	Minimum           int64          `json:"minimum"`
	NeedsRestock      bool           `json:"needsRestock"`
	IsRestocking      bool           `json:"isRestocking"`
	LastRestockResult *RestockResult `json:"lastRestockResult"`
}

type Status struct {
	CanFulfillOrders bool    `json:"canFulfillOrders"`
	TicketBalance    int64   `json:"ticketBalance"`
	TreasuryAddress  string  `json:"treasuryAddress"`
	Reserve          Reserve `json:"reserve"`
}

// Manager owns the process-local restock state. A fresh Manager starts idle.
type Manager struct {
	gw      Gateway
	quotes  Quoter
	cfg     Settings
	unit    *big.Int
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu          sync.Mutex
	restocking  bool
	lastAttempt time.Time
	lastResult  *RestockResult

	inflight sync.WaitGroup
}

func NewManager(gw Gateway, quotes Quoter, cfg Settings, log *zap.Logger, m *metrics.Metrics) *Manager {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 3 * time.Minute
	}
	return &Manager{
		gw:      gw,
		quotes:  quotes,
		cfg:     cfg,
		unit:    amount.Unit(cfg.Ticket.Decimals),
		log:     logger.OrNop(log),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CanFulfill reports whether the balance holds strictly more whole tickets than minimum.
func CanFulfill(balanceRaw, unit *big.Int, minimum int64) bool {
	return amount.Whole(balanceRaw, unit) > minimum
}

func (m *Manager) ticketBalance(ctx context.Context) (*big.Int, error) {
	bal, err := m.gw.TokenBalance(ctx, m.cfg.Ticket.Address, m.cfg.Treasury)
	if err != nil {
		return nil, fmt.Errorf("ticket balance: %w", err)
	}
	m.metrics.TicketBalance(amount.Whole(bal, m.unit))
	return bal, nil
}

func (m *Manager) CanFulfillNow(ctx context.Context) (bool, error) {
	bal, err := m.ticketBalance(ctx)
	if err != nil {
		return false, err
	}
	return CanFulfill(bal, m.unit, m.cfg.Minimum), nil
}

// Trigger starts a restock check in the background. The result is logged and recorded;
// Wait blocks until every triggered check has returned.
func (m *Manager) Trigger(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		res := m.RestockIfNeeded(ctx)
		switch {
		case res == nil:
		case res.Success:
			m.log.Info("restock finished",
				zap.Int64("tickets_bought", res.TicketsBought),
				zap.Strings("tx_hashes", res.TxHashes),
				zap.String("token_used", res.TokenUsed),
			)
		default:
			m.log.Warn("restock failed",
				zap.String("error", res.Error),
				zap.Strings("tx_hashes", res.TxHashes),
			)
		}
	}()
}

func (m *Manager) Wait() {
	m.inflight.Wait()
}

func (m *Manager) LastResult() *RestockResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastResult
}

func (m *Manager) IsRestocking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restocking
}

func (m *Manager) LastAttempt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAttempt
}

func (m *Manager) Status(ctx context.Context) (*Status, error) {
	bal, err := m.ticketBalance(ctx)
	if err != nil {
		return nil, err
	}
	whole := amount.Whole(bal, m.unit)
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Status{
		CanFulfillOrders: CanFulfill(bal, m.unit, m.cfg.Minimum),
		TicketBalance:    whole,
		TreasuryAddress:  m.cfg.Treasury,
		Reserve: Reserve{
			Target:            m.cfg.Target,
			Minimum:           m.cfg.Minimum,
			NeedsRestock:      whole < m.cfg.Target,
			IsRestocking:      m.restocking,
			LastRestockResult: m.lastResult,
		},
	}, nil
}

func (m *Manager) acquire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restocking {
		return false
	}
	m.restocking = true
	m.lastAttempt = m.now()
	return true
}

func (m *Manager) release(res *RestockResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restocking = false
	if res != nil {
		res.FinishedAt = m.now()
		m.lastResult = res
	}
}

// RestockIfNeeded tops the reserve up to the target. It returns nil when there was nothing
// to do, another restock was running, or no signer is configured. Failures are returned as
// an unsuccessful result, never as a panic or error.
func (m *Manager) RestockIfNeeded(ctx context.Context) (res *RestockResult) {
	if !m.gw.HasSigner() {
		return nil
	}
	if !m.acquire() {
		m.log.Debug("restock already running")
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			res = &RestockResult{Error: fmt.Sprint(r)}
		}
		if res != nil {
			if res.Success {
				m.metrics.Restock("success")
			} else {
				m.metrics.Restock("failed")
			}
		}
		m.release(res)
	}()

	res = &RestockResult{TxHashes: []string{}}
	if err := m.restock(ctx, res); err != nil {
		if errors.Is(err, errAtTarget) {
			return nil
		}
		res.Error = err.Error()
		return res
	}
	res.Success = true
	return res
}

var errAtTarget = errors.New("reserve at target")

func (m *Manager) restock(ctx context.Context, res *RestockResult) error {
	bal, err := m.ticketBalance(ctx)
	if err != nil {
		return err
	}
	whole := amount.Whole(bal, m.unit)
	if whole >= m.cfg.Target {
		return errAtTarget
	}
	needed := m.cfg.Target - whole
	ticketsRaw := amount.FromWhole(needed, m.unit)

	settlement := m.cfg.Settlement
	quote, err := m.quotes.QuoteBuy(ctx, settlement.Address, m.cfg.Ticket.Address, ticketsRaw, m.cfg.Treasury)
	if err != nil {
		return fmt.Errorf("quote %s->%s: %w", settlement.Symbol, m.cfg.Ticket.Symbol, err)
	}
	settlementNeeded := quote.SellAmount

	settlementBal, err := m.gw.TokenBalance(ctx, settlement.Address, m.cfg.Treasury)
	if err != nil {
		return fmt.Errorf("%s balance: %w", settlement.Symbol, err)
	}
	if settlementBal.Cmp(settlementNeeded) < 0 {
		deficit := new(big.Int).Sub(settlementNeeded, settlementBal)
		source, fund, err := m.pickFundingToken(ctx, deficit)
		if err != nil {
			return err
		}
		res.TokenUsed = source.Symbol
		m.log.Info("funding restock",
			zap.String("token", source.Symbol),
			zap.String("sell_amount", fund.SellAmount.String()),
			zap.String("deficit", deficit.String()),
		)
		hash, err := m.swap(ctx, fund)
		if hash != "" {
			res.TxHashes = append(res.TxHashes, hash)
		}
		if err != nil {
			return err
		}
	}

	// Prices may have moved while funding.
	quote, err = m.quotes.QuoteBuy(ctx, settlement.Address, m.cfg.Ticket.Address, ticketsRaw, m.cfg.Treasury)
	if err != nil {
		return fmt.Errorf("requote %s->%s: %w", settlement.Symbol, m.cfg.Ticket.Symbol, err)
	}
	hash, err := m.swap(ctx, quote)
	if hash != "" {
		res.TxHashes = append(res.TxHashes, hash)
	}
	if err != nil {
		return err
	}
	res.TicketsBought = needed
	return nil
}

type candidate struct {
	token   models.Token
	balance *big.Int
	usd     decimal.Decimal
}

// pickFundingToken ranks held sellable tokens by the USD value of their whole balance and
// returns the first whose balance covers the quote for deficit.
func (m *Manager) pickFundingToken(ctx context.Context, deficit *big.Int) (models.Token, *pricing.Quote, error) {
	settlement := m.cfg.Settlement
	candidates := make([]*candidate, len(m.cfg.Sellable))

	g, gctx := errgroup.WithContext(ctx)
	for i, tok := range m.cfg.Sellable {
		g.Go(func() error {
			bal, err := m.gw.TokenBalance(gctx, tok.Address, m.cfg.Treasury)
			if err != nil {
				m.log.Warn("sellable balance lookup failed", zap.String("token", tok.Symbol), zap.Error(err))
				return nil
			}
			if bal.Sign() == 0 {
				return nil
			}
			c := &candidate{token: tok, balance: bal}
			q, err := m.quotes.QuoteSell(gctx, tok.Address, settlement.Address, bal, m.cfg.Treasury)
			if err != nil {
				m.log.Debug("sellable valuation failed", zap.String("token", tok.Symbol), zap.Error(err))
			} else {
				c.usd = q.SellAmountUSD
			}
			candidates[i] = c
			return nil
		})
	}
	_ = g.Wait()

	held := candidates[:0]
	for _, c := range candidates {
		if c != nil {
			held = append(held, c)
		}
	}
	sort.SliceStable(held, func(i, j int) bool {
		return held[i].usd.GreaterThan(held[j].usd)
	})

	for _, c := range held {
		q, err := m.quotes.QuoteBuy(ctx, c.token.Address, settlement.Address, deficit, m.cfg.Treasury)
		if err != nil {
			m.log.Debug("funding quote failed", zap.String("token", c.token.Symbol), zap.Error(err))
			continue
		}
		if c.balance.Cmp(q.SellAmount) >= 0 {
			return c.token, q, nil
		}
	}
	return models.Token{}, nil, ErrNoFundingToken
}

// swap executes a quote and waits for its receipt. The hash is returned even when the
// swap does not confirm.
func (m *Manager) swap(ctx context.Context, q *pricing.Quote) (string, error) {
	call, err := m.quotes.Build(ctx, q, m.cfg.Treasury, m.cfg.Slippage)
	if err != nil {
		return "", fmt.Errorf("build swap: %w", err)
	}
	hash, err := m.gw.Execute(ctx, call)
	if err != nil {
		return "", fmt.Errorf("execute swap: %w", err)
	}
	r, err := m.gw.WaitForReceipt(ctx, hash, m.cfg.ConfirmTimeout)
	if err != nil {
		return hash, fmt.Errorf("wait swap %s: %w", hash, err)
	}
	if r == nil {
		return hash, fmt.Errorf("swap %s not confirmed within %s", hash, m.cfg.ConfirmTimeout)
	}
	if r.Status != chain.StatusSucceeded {
		return hash, fmt.Errorf("swap %s failed: %s", hash, r.FailureReason())
	}
	return hash, nil
}
