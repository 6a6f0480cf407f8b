package treasury

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ticketgate/internal/amount"
	"ticketgate/internal/chain"
	"ticketgate/internal/models"
	"ticketgate/internal/pricing"
)

var (
	ticket   = models.Token{Symbol: "TICKET", Address: "0x00000000000000000000000000000000000000d0", Decimals: 18}
	lords    = models.Token{Symbol: "LORDS", Address: "0x00000000000000000000000000000000000000d1", Decimals: 18}
	usdc     = models.Token{Symbol: "USDC", Address: "0x00000000000000000000000000000000000000d2", Decimals: 6}
	eth      = models.Token{Symbol: "ETH", Address: "0x00000000000000000000000000000000000000d3", Decimals: 18}
	treasury = "0x00000000000000000000000000000000000000fe"
	oneTick  = amount.Unit(18)
)

func tickets(n int64) *big.Int { return amount.FromWhole(n, oneTick) }

type fakeGateway struct {
	mu         sync.Mutex
	signer     bool
	balances   map[string]*big.Int
	executed   []chain.Call
	status     chain.ReceiptStatus
	block      chan struct{}
	balanceErr error
}

func newGateway() *fakeGateway {
	return &fakeGateway{signer: true, balances: map[string]*big.Int{}, status: chain.StatusSucceeded}
}

func (g *fakeGateway) HasSigner() bool { return g.signer }

func (g *fakeGateway) TokenBalance(ctx context.Context, token, owner string) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.balanceErr != nil {
		return nil, g.balanceErr
	}
	if b, ok := g.balances[token]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (g *fakeGateway) Execute(ctx context.Context, call chain.Call) (string, error) {
	if g.block != nil {
		<-g.block
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.executed = append(g.executed, call)
	return fmt.Sprintf("0x%064x", len(g.executed)), nil
}

func (g *fakeGateway) WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (*chain.Receipt, error) {
	return &chain.Receipt{TxHash: txHash, Status: g.status}, nil
}

// fakeQuoter prices 1 TICKET at 2 LORDS, 1 LORDS at 1 USDC (6 decimals) and 1 LORDS at
// 0.001 ETH. USD values are set per token.
type fakeQuoter struct {
	usd     map[string]decimal.Decimal
	noQuote bool
}

func (q *fakeQuoter) price(sell, buy string, buyAmount *big.Int) *big.Int {
	switch {
	case sell == lords.Address && buy == ticket.Address:
		return new(big.Int).Mul(buyAmount, big.NewInt(2))
	case sell == usdc.Address && buy == lords.Address:
		return new(big.Int).Quo(buyAmount, big.NewInt(1e12))
	case sell == eth.Address && buy == lords.Address:
		return new(big.Int).Quo(buyAmount, big.NewInt(1000))
	}
	return nil
}

func (q *fakeQuoter) QuoteBuy(ctx context.Context, sell, buy string, buyAmount *big.Int, taker string) (*pricing.Quote, error) {
	if q.noQuote {
		return nil, pricing.ErrNoQuote
	}
	p := q.price(sell, buy, buyAmount)
	if p == nil {
		return nil, pricing.ErrNoQuote
	}
	return &pricing.Quote{ID: sell + ">" + buy, SellToken: sell, BuyToken: buy, SellAmount: p, BuyAmount: buyAmount}, nil
}

func (q *fakeQuoter) QuoteSell(ctx context.Context, sell, buy string, sellAmount *big.Int, taker string) (*pricing.Quote, error) {
	return &pricing.Quote{ID: sell + ">" + buy, SellToken: sell, BuyToken: buy, SellAmount: sellAmount, SellAmountUSD: q.usd[sell]}, nil
}

func (q *fakeQuoter) Build(ctx context.Context, quote *pricing.Quote, taker string, slippage float64) (chain.Call, error) {
	return chain.Call{To: quote.BuyToken, Data: []byte(quote.ID)}, nil
}

func newManager(gw *fakeGateway, q *fakeQuoter) *Manager {
	return NewManager(gw, q, Settings{
		Treasury:   treasury,
		Ticket:     ticket,
		Settlement: lords,
		Sellable:   []models.Token{usdc, eth},
		Target:     50,
		Minimum:    5,
		Slippage:   0.05,
	}, nil, nil)
}

func TestCanFulfill(t *testing.T) {
	cases := []struct {
		balance *big.Int
		want    bool
	}{
		{big.NewInt(0), false},
		{tickets(5), false},
		{new(big.Int).Sub(tickets(6), big.NewInt(1)), false},
		{tickets(6), true},
		{tickets(100), true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CanFulfill(tc.balance, oneTick, 5), tc.balance.String())
	}
}

func TestCanFulfillNow(t *testing.T) {
	gw := newGateway()
	gw.balances[ticket.Address] = tickets(10)
	m := newManager(gw, &fakeQuoter{})

	ok, err := m.CanFulfillNow(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	gw.balanceErr = errors.New("rpc down")
	_, err = m.CanFulfillNow(context.Background())
	require.Error(t, err)
}

func TestRestockNothingToDo(t *testing.T) {
	gw := newGateway()
	gw.balances[ticket.Address] = tickets(50)
	m := newManager(gw, &fakeQuoter{})

	require.Nil(t, m.RestockIfNeeded(context.Background()))
	require.Nil(t, m.LastResult())
	require.False(t, m.IsRestocking())
	require.Empty(t, gw.executed)
}

func TestRestockWithoutSignerIsNoop(t *testing.T) {
	gw := newGateway()
	gw.signer = false
	m := newManager(gw, &fakeQuoter{})
	require.Nil(t, m.RestockIfNeeded(context.Background()))
	require.True(t, m.LastAttempt().IsZero())
}

func TestRestockWithEnoughSettlement(t *testing.T) {
	gw := newGateway()
	gw.balances[ticket.Address] = tickets(5)
	gw.balances[lords.Address] = tickets(1000)
	m := newManager(gw, &fakeQuoter{})

	res := m.RestockIfNeeded(context.Background())
	require.NotNil(t, res)
	require.True(t, res.Success, res.Error)
	require.Equal(t, int64(45), res.TicketsBought)
	require.Len(t, res.TxHashes, 1)
	require.Empty(t, res.TokenUsed)
	require.Len(t, gw.executed, 1)
	require.Equal(t, ticket.Address, gw.executed[0].To)
	require.Same(t, res, m.LastResult())
	require.False(t, m.IsRestocking())
}

func TestRestockFundsFromBestCoveringToken(t *testing.T) {
	gw := newGateway()
	gw.balances[ticket.Address] = tickets(40)
	gw.balances[lords.Address] = tickets(5)
	// 10 tickets cost 20 LORDS, leaving a 15 LORDS deficit. ETH is worth more but 0.001 ETH
	// cannot cover the 0.015 ETH quote; 100 USDC covers 15 USDC.
	gw.balances[usdc.Address] = big.NewInt(100_000_000)
	gw.balances[eth.Address] = new(big.Int).Quo(tickets(1), big.NewInt(1000))
	q := &fakeQuoter{usd: map[string]decimal.Decimal{
		usdc.Address: decimal.NewFromInt(100),
		eth.Address:  decimal.NewFromInt(3000),
	}}
	m := newManager(gw, q)

	res := m.RestockIfNeeded(context.Background())
	require.NotNil(t, res)
	require.True(t, res.Success, res.Error)
	require.Equal(t, "USDC", res.TokenUsed)
	require.Equal(t, int64(10), res.TicketsBought)
	require.Len(t, res.TxHashes, 2)
	require.Equal(t, lords.Address, gw.executed[0].To)
	require.Equal(t, ticket.Address, gw.executed[1].To)
}

func TestRestockFailsWithoutFundingToken(t *testing.T) {
	gw := newGateway()
	gw.balances[ticket.Address] = tickets(0)
	gw.balances[usdc.Address] = big.NewInt(1)
	m := newManager(gw, &fakeQuoter{})

	res := m.RestockIfNeeded(context.Background())
	require.NotNil(t, res)
	require.False(t, res.Success)
	require.Equal(t, "No token with sufficient balance to acquire LORDS", res.Error)
	require.Empty(t, gw.executed)
	require.False(t, m.IsRestocking())
	require.Same(t, res, m.LastResult())
}

func TestRestockReportsRevertedSwap(t *testing.T) {
	gw := newGateway()
	gw.status = chain.StatusReverted
	gw.balances[ticket.Address] = tickets(0)
	gw.balances[lords.Address] = tickets(1000)
	m := newManager(gw, &fakeQuoter{})

	res := m.RestockIfNeeded(context.Background())
	require.NotNil(t, res)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "failed")
	require.Len(t, res.TxHashes, 1)
}

func TestRestockQuoteUnavailable(t *testing.T) {
	gw := newGateway()
	gw.balances[ticket.Address] = tickets(0)
	m := newManager(gw, &fakeQuoter{noQuote: true})

	res := m.RestockIfNeeded(context.Background())
	require.NotNil(t, res)
	require.False(t, res.Success)
	require.Contains(t, res.Error, pricing.ErrNoQuote.Error())
}

func TestRestockIsSingleFlight(t *testing.T) {
	gw := newGateway()
	gw.block = make(chan struct{})
	gw.balances[ticket.Address] = tickets(0)
	gw.balances[lords.Address] = tickets(1000)
	m := newManager(gw, &fakeQuoter{})

	m.Trigger(context.Background())
	require.Eventually(t, m.IsRestocking, time.Second, time.Millisecond)
	require.Nil(t, m.RestockIfNeeded(context.Background()))

	close(gw.block)
	m.Wait()
	require.False(t, m.IsRestocking())
	require.NotNil(t, m.LastResult())
	require.True(t, m.LastResult().Success)
	require.Len(t, gw.executed, 1)
}

func TestStatus(t *testing.T) {
	gw := newGateway()
	gw.balances[ticket.Address] = tickets(7)
	m := newManager(gw, &fakeQuoter{})

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	require.True(t, st.CanFulfillOrders)
	require.Equal(t, int64(7), st.TicketBalance)
	require.Equal(t, treasury, st.TreasuryAddress)
	require.Equal(t, Reserve{Target: 50, Minimum: 5, NeedsRestock: true}, st.Reserve)
}
