package chain

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
)

// WSClient subscribes to new block headers over a node's websocket endpoint.
type WSClient struct {
	Endpoint string
	Conn     *websocket.Conn
}

func NewWSClient(endpoint string) *WSClient {
	return &WSClient{Endpoint: endpoint}
}

func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	c.Conn = conn
	return nil
}

func (c *WSClient) Close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

func (c *WSClient) SubscribeHeads() error {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []string{"newHeads"},
	}
	return c.Conn.WriteJSON(payload)
}

func (c *WSClient) Read() ([]byte, error) {
	_, msg, err := c.Conn.ReadMessage()
	return msg, err
}

// ParseHead extracts the block number from a newHeads notification. Subscription
// acknowledgements and other messages report ok=false.
func ParseHead(msg []byte) (uint64, bool, error) {
	var env struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Number string `json:"number"`
			} `json:"result"`
		} `json:"params"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return 0, false, err
	}
	if env.Error != nil {
		return 0, false, errors.New(env.Error.Message)
	}
	if env.Method != "eth_subscription" || env.Params.Result.Number == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(env.Params.Result.Number, "0x"), 16, 64)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}
