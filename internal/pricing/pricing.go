package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"ticketgate/internal/amount"
	"ticketgate/internal/chain"
)

var ErrNoQuote = errors.New("no quote available")

// Quote is the best route the aggregator offers for one token pair.
type Quote struct {
	ID            string
	SellToken     string
	BuyToken      string
	SellAmount    *big.Int
	BuyAmount     *big.Int
	SellAmountUSD decimal.Decimal
	BuyAmountUSD  decimal.Decimal
}

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type quoteResponse struct {
	QuoteID         string          `json:"quoteId"`
	SellAmount      string          `json:"sellAmount"`
	BuyAmount       string          `json:"buyAmount"`
	SellAmountInUSD decimal.Decimal `json:"sellAmountInUsd"`
	BuyAmountInUSD  decimal.Decimal `json:"buyAmountInUsd"`
}

type buildRequest struct {
	QuoteID  string  `json:"quoteId"`
	Taker    string  `json:"taker"`
	Slippage float64 `json:"slippage"`
}

type buildResponse struct {
	To              string `json:"to"`
	Data            string `json:"data"`
	Value           string `json:"value"`
	AllowanceTarget string `json:"allowanceTarget"`
}

// QuoteBuy prices buying exactly buyAmount of buyToken with sellToken.
func (c *Client) QuoteBuy(ctx context.Context, sellToken, buyToken string, buyAmount *big.Int, taker string) (*Quote, error) {
	return c.quote(ctx, sellToken, buyToken, "buyAmount", buyAmount, taker)
}

// QuoteSell prices selling exactly sellAmount of sellToken for buyToken.
func (c *Client) QuoteSell(ctx context.Context, sellToken, buyToken string, sellAmount *big.Int, taker string) (*Quote, error) {
	return c.quote(ctx, sellToken, buyToken, "sellAmount", sellAmount, taker)
}

func (c *Client) quote(ctx context.Context, sellToken, buyToken, side string, amt *big.Int, taker string) (*Quote, error) {
	if amt == nil || amt.Sign() <= 0 {
		return nil, fmt.Errorf("quote %s: amount must be positive", side)
	}
	values := url.Values{}
	values.Set("sellToken", sellToken)
	values.Set("buyToken", buyToken)
	values.Set(side, hexutil.EncodeBig(amt))
	if taker != "" {
		values.Set("taker", taker)
	}
	endpoint := c.baseURL + "/swap/v1/quotes?" + values.Encode()

	var resp []quoteResponse
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, ErrNoQuote
	}
	best := resp[0]
	sell, err := amount.Parse(best.SellAmount)
	if err != nil {
		return nil, fmt.Errorf("quote sellAmount: %w", err)
	}
	buy, err := amount.Parse(best.BuyAmount)
	if err != nil {
		return nil, fmt.Errorf("quote buyAmount: %w", err)
	}
	return &Quote{
		ID:            best.QuoteID,
		SellToken:     sellToken,
		BuyToken:      buyToken,
		SellAmount:    sell,
		BuyAmount:     buy,
		SellAmountUSD: best.SellAmountInUSD,
		BuyAmountUSD:  best.BuyAmountInUSD,
	}, nil
}

// Build turns a quote into a signed-ready call. The approval covers the quoted sell amount
// plus slippage so a slightly worse fill still succeeds.
func (c *Client) Build(ctx context.Context, q *Quote, taker string, slippage float64) (chain.Call, error) {
	body, err := json.Marshal(buildRequest{QuoteID: q.ID, Taker: taker, Slippage: slippage})
	if err != nil {
		return chain.Call{}, err
	}
	var resp buildResponse
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/swap/v1/build", body, &resp); err != nil {
		return chain.Call{}, err
	}
	if !common.IsHexAddress(resp.To) {
		return chain.Call{}, fmt.Errorf("build: invalid target %q", resp.To)
	}
	data, err := hexutil.Decode(resp.Data)
	if err != nil {
		return chain.Call{}, fmt.Errorf("build data: %w", err)
	}
	call := chain.Call{To: resp.To, Data: data}
	if resp.Value != "" {
		v, err := amount.Parse(resp.Value)
		if err != nil {
			return chain.Call{}, fmt.Errorf("build value: %w", err)
		}
		if v.Sign() > 0 {
			call.Value = v
		}
	}
	if common.IsHexAddress(resp.AllowanceTarget) {
		call.Approval = &chain.Approval{
			Token:   q.SellToken,
			Spender: resp.AllowanceTarget,
			Amount:  WithSlippage(q.SellAmount, slippage),
		}
	}
	return call, nil
}

// WithSlippage returns ceil(v * (1 + slippage)).
func WithSlippage(v *big.Int, slippage float64) *big.Int {
	scaled := decimal.NewFromBigInt(v, 0).Mul(decimal.NewFromFloat(1 + slippage)).Ceil()
	return scaled.BigInt()
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if msg != "" {
			return fmt.Errorf("quote http status %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("quote http status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
