package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"ticketgate/internal/logger"
)

var ErrNoSigner = errors.New("treasury signing key not configured")

type Options struct {
	Endpoints         []string
	FailoverThreshold int
	Signer            *ecdsa.PrivateKey
	DungeonContract   string
	TicketToken       string
	TicketUnit        *big.Int
	PollInterval      time.Duration
	ApprovalTimeout   time.Duration
	Logger            *zap.Logger
}

// Client is the Chain Gateway over EVM JSON-RPC.
type Client struct {
	rpc             *failover
	key             *ecdsa.PrivateKey
	from            common.Address
	dungeon         common.Address
	ticketToken     common.Address
	ticketUnit      *big.Int
	pollInterval    time.Duration
	approvalTimeout time.Duration
	log             *zap.Logger

	// serializes nonce allocation for treasury transactions
	txMu sync.Mutex
}

func Dial(ctx context.Context, opts Options) (*Client, error) {
	f, err := dialFailover(ctx, opts.Endpoints, opts.FailoverThreshold)
	if err != nil {
		return nil, err
	}
	c := &Client{
		rpc:             f,
		key:             opts.Signer,
		dungeon:         common.HexToAddress(opts.DungeonContract),
		ticketToken:     common.HexToAddress(opts.TicketToken),
		ticketUnit:      opts.TicketUnit,
		pollInterval:    opts.PollInterval,
		approvalTimeout: opts.ApprovalTimeout,
		log:             logger.OrNop(opts.Logger),
	}
	if c.key != nil {
		c.from = crypto.PubkeyToAddress(c.key.PublicKey)
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}
	if c.approvalTimeout <= 0 {
		c.approvalTimeout = 3 * time.Minute
	}
	if c.ticketUnit == nil {
		c.ticketUnit = big.NewInt(1)
	}
	return c, nil
}

func (c *Client) Close() {
	c.rpc.close()
}

func (c *Client) HasSigner() bool {
	return c.key != nil
}

// SignerAddress is the address transactions are sent from, or "" without a signer.
func (c *Client) SignerAddress() string {
	if c.key == nil {
		return ""
	}
	return c.from.Hex()
}

func (c *Client) TokenBalance(ctx context.Context, token, owner string) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	return c.callUint(ctx, common.HexToAddress(token), "balanceOf", data)
}

func (c *Client) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, err
	}
	return c.callUint(ctx, common.HexToAddress(token), "allowance", data)
}

func (c *Client) callUint(ctx context.Context, to common.Address, method string, data []byte) (*big.Int, error) {
	var out []byte
	err := c.rpc.do(ctx, func(ep *endpoint) error {
		var err error
		out, err = ep.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, to.Hex(), err)
	}
	values, err := erc20ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("decode %s: unexpected output", method)
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode %s: unexpected type %T", method, values[0])
	}
	return v, nil
}

// Receipt returns the decoded receipt, or nil when the node does not know the hash yet.
func (c *Client) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	var raw json.RawMessage
	err := c.rpc.do(ctx, func(ep *endpoint) error {
		return ep.rpc.CallContext(ctx, &raw, "eth_getTransactionReceipt", common.HexToHash(txHash))
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return DecodeReceipt(raw)
}

// WaitForReceipt polls until a receipt appears or timeout elapses. A timeout yields a nil
// receipt and nil error; only cancellation of ctx itself is reported as an error.
func (c *Client) WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		r, err := c.Receipt(waitCtx, txHash)
		if err == nil && r != nil {
			return r, nil
		}
		if err != nil && waitCtx.Err() == nil {
			c.log.Debug("receipt lookup failed", zap.String("tx_hash", txHash), zap.Error(err))
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, nil
		case <-ticker.C:
		}
	}
}

// SubmitPurchase buys a game for the player. The ticket allowance for the dungeon contract
// is topped up first when it is below one ticket.
func (c *Client) SubmitPurchase(ctx context.Context, p Purchase) (string, error) {
	dungeonID, ok := new(big.Int).SetString(p.DungeonID, 10)
	if !ok {
		return "", fmt.Errorf("invalid dungeon id %q", p.DungeonID)
	}
	if !common.IsHexAddress(p.Recipient) {
		return "", ErrInvalidAddress
	}
	if err := c.ensureAllowance(ctx, c.ticketToken, c.dungeon, c.ticketUnit); err != nil {
		return "", err
	}
	data, err := dungeonABI.Pack("buyGame", dungeonID, common.HexToAddress(p.Recipient), p.PlayerName)
	if err != nil {
		return "", err
	}
	hash, err := c.sendTx(ctx, c.dungeon, data, nil)
	if err != nil {
		return "", fmt.Errorf("submit purchase: %w", err)
	}
	return hash.Hex(), nil
}

// Execute sends a prepared call such as a swap, approving the spender first if needed.
func (c *Client) Execute(ctx context.Context, call Call) (string, error) {
	if !common.IsHexAddress(call.To) {
		return "", ErrInvalidAddress
	}
	if a := call.Approval; a != nil && a.Amount != nil && a.Amount.Sign() > 0 {
		if err := c.ensureAllowance(ctx, common.HexToAddress(a.Token), common.HexToAddress(a.Spender), a.Amount); err != nil {
			return "", err
		}
	}
	hash, err := c.sendTx(ctx, common.HexToAddress(call.To), call.Data, call.Value)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// ExtractGameID reads the minted game id from a purchase receipt.
func (c *Client) ExtractGameID(r *Receipt) (uint64, bool) {
	return ExtractGameID(r, c.dungeon.Hex())
}

func (c *Client) ensureAllowance(ctx context.Context, token, spender common.Address, need *big.Int) error {
	if c.key == nil {
		return ErrNoSigner
	}
	current, err := c.Allowance(ctx, token.Hex(), c.from.Hex(), spender.Hex())
	if err != nil {
		return err
	}
	if current.Cmp(need) >= 0 {
		return nil
	}
	data, err := erc20ABI.Pack("approve", spender, math.MaxBig256)
	if err != nil {
		return err
	}
	hash, err := c.sendTx(ctx, token, data, nil)
	if err != nil {
		return fmt.Errorf("approve %s: %w", token.Hex(), err)
	}
	c.log.Info("approval sent",
		zap.String("token", token.Hex()),
		zap.String("spender", spender.Hex()),
		zap.String("tx_hash", hash.Hex()),
	)
	r, err := c.WaitForReceipt(ctx, hash.Hex(), c.approvalTimeout)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("approval %s not confirmed", hash.Hex())
	}
	if r.Status != StatusSucceeded {
		return fmt.Errorf("approval %s failed: %s", hash.Hex(), r.FailureReason())
	}
	return nil
}

func (c *Client) sendTx(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, ErrNoSigner
	}
	c.txMu.Lock()
	defer c.txMu.Unlock()

	var hash common.Hash
	err := c.rpc.do(ctx, func(ep *endpoint) error {
		chainID, err := ep.eth.ChainID(ctx)
		if err != nil {
			return err
		}
		nonce, err := ep.eth.PendingNonceAt(ctx, c.from)
		if err != nil {
			return err
		}
		gasPrice, err := ep.eth.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		gas, err := ep.eth.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data, Value: value})
		if err != nil {
			return fmt.Errorf("estimate gas: %w", err)
		}
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    value,
			Gas:      gas + gas/5,
			GasPrice: gasPrice,
			Data:     data,
		})
		signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), c.key)
		if err != nil {
			return err
		}
		if err := ep.eth.SendTransaction(ctx, signed); err != nil {
			return err
		}
		hash = signed.Hash()
		return nil
	})
	return hash, err
}
