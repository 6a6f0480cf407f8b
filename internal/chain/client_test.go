package chain

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type fakeNode struct {
	balance  *big.Int
	receipts map[common.Hash]map[string]any
	calls    atomic.Int64
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.calls.Add(1)
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var result any
	switch req.Method {
	case "eth_call":
		result = hexutil.Encode(common.LeftPadBytes(n.balance.Bytes(), 32))
	case "eth_getTransactionReceipt":
		var hash common.Hash
		_ = json.Unmarshal(req.Params[0], &hash)
		if rec, ok := n.receipts[hash]; ok {
			result = rec
		}
	default:
		result = nil
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func dialTest(t *testing.T, urls ...string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), Options{
		Endpoints:         urls,
		FailoverThreshold: 1,
		DungeonContract:   dungeonAddr.Hex(),
		TicketToken:       tokenAddr.Hex(),
		PollInterval:      10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestClientTokenBalance(t *testing.T) {
	node := &fakeNode{balance: big.NewInt(1234)}
	srv := httptest.NewServer(node)
	defer srv.Close()

	c := dialTest(t, srv.URL)
	bal, err := c.TokenBalance(context.Background(), tokenAddr.Hex(), playerAddr.Hex())
	require.NoError(t, err)
	require.Equal(t, "1234", bal.String())
}

func TestClientReceipt(t *testing.T) {
	known := common.HexToHash("0x01")
	node := &fakeNode{balance: big.NewInt(0), receipts: map[common.Hash]map[string]any{
		known: {"transactionHash": known.Hex(), "status": "0x1", "logs": []any{}},
	}}
	srv := httptest.NewServer(node)
	defer srv.Close()
	c := dialTest(t, srv.URL)
	ctx := context.Background()

	r, err := c.Receipt(ctx, known.Hex())
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Equal(t, StatusSucceeded, r.Status)

	r, err = c.Receipt(ctx, common.HexToHash("0x02").Hex())
	require.NoError(t, err)
	require.Nil(t, r)

	r, err = c.WaitForReceipt(ctx, known.Hex(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, r)
}

func TestWaitForReceiptTimesOutWithoutError(t *testing.T) {
	node := &fakeNode{balance: big.NewInt(0)}
	srv := httptest.NewServer(node)
	defer srv.Close()
	c := dialTest(t, srv.URL)

	start := time.Now()
	r, err := c.WaitForReceipt(context.Background(), common.HexToHash("0x02").Hex(), 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, r)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Greater(t, node.calls.Load(), int64(1))
}

func TestWaitForReceiptReportsCancellation(t *testing.T) {
	node := &fakeNode{balance: big.NewInt(0)}
	srv := httptest.NewServer(node)
	defer srv.Close()
	c := dialTest(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.WaitForReceipt(ctx, common.HexToHash("0x02").Hex(), time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestClientFailsOverToNextEndpoint(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer broken.Close()
	healthy := &fakeNode{balance: big.NewInt(99)}
	srv := httptest.NewServer(healthy)
	defer srv.Close()

	c := dialTest(t, broken.URL, srv.URL)
	bal, err := c.TokenBalance(context.Background(), tokenAddr.Hex(), playerAddr.Hex())
	require.NoError(t, err)
	require.Equal(t, "99", bal.String())

	_, idx := c.rpc.current()
	require.Equal(t, 1, idx)
}

func TestSubmitWithoutSigner(t *testing.T) {
	node := &fakeNode{balance: big.NewInt(0)}
	srv := httptest.NewServer(node)
	defer srv.Close()
	c := dialTest(t, srv.URL)

	require.False(t, c.HasSigner())
	require.Equal(t, "", c.SignerAddress())
	_, err := c.SubmitPurchase(context.Background(), Purchase{DungeonID: "1", Recipient: playerAddr.Hex(), PlayerName: "hero"})
	require.ErrorIs(t, err, ErrNoSigner)
	_, err = c.SubmitPurchase(context.Background(), Purchase{DungeonID: "x", Recipient: playerAddr.Hex()})
	require.Error(t, err)
}

func TestFailoverThreshold(t *testing.T) {
	f := &failover{endpoints: []*endpoint{{url: "a"}, {url: "b"}}, failThreshold: 2}
	boom := errors.New("boom")
	var seen []string
	call := func(ep *endpoint) error {
		seen = append(seen, ep.url)
		return boom
	}

	require.ErrorIs(t, f.do(context.Background(), call), boom)
	require.Equal(t, []string{"a"}, seen)

	require.ErrorIs(t, f.do(context.Background(), call), boom)
	require.Equal(t, []string{"a", "a", "b"}, seen)

	seen = nil
	require.NoError(t, f.do(context.Background(), func(ep *endpoint) error {
		seen = append(seen, ep.url)
		return nil
	}))
	require.Equal(t, []string{"b"}, seen)
}

func TestSanitizeEndpoints(t *testing.T) {
	require.Equal(t, []string{"http://a", "http://b"}, sanitizeEndpoints([]string{" http://a/ ", "", "http://b", "http://a"}))
}
