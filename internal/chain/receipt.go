package chain

import (
	"encoding/json"
	"errors"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

type ReceiptStatus int

const (
	StatusUnknown ReceiptStatus = iota
	StatusSucceeded
	StatusReverted
)

func (s ReceiptStatus) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusReverted:
		return "reverted"
	}
	return "unknown"
}

var TransferEventSignature = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Receipt is the gateway's view of a transaction outcome, independent of which field
// names the node used.
type Receipt struct {
	TxHash       string
	Status       ReceiptStatus
	Finality     string
	RevertReason string
	BlockNumber  uint64
	Logs         []*types.Log
}

// Field aliases, highest priority first. The first alias present wins.
var (
	txHashAliases   = []string{"transactionHash", "transaction_hash"}
	statusAliases   = []string{"executionStatus", "execution_status", "status"}
	finalityAliases = []string{"finalityStatus", "finality_status", "blockStatus"}
	revertAliases   = []string{"revertReason", "revert_reason", "revertError"}
	blockAliases    = []string{"blockNumber", "block_number"}
)

type rawLog struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

// DecodeReceipt adapts a receipt payload from any of the known node dialects.
func DecodeReceipt(raw []byte) (*Receipt, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("empty receipt")
	}

	r := &Receipt{
		TxHash:       firstField(fields, txHashAliases),
		Status:       parseStatus(firstField(fields, statusAliases)),
		Finality:     firstField(fields, finalityAliases),
		RevertReason: firstField(fields, revertAliases),
	}
	if bn := firstField(fields, blockAliases); bn != "" {
		r.BlockNumber = parseUint(bn)
	}
	if logs, ok := fields["logs"]; ok && string(logs) != "null" {
		var decoded []rawLog
		if err := json.Unmarshal(logs, &decoded); err != nil {
			return nil, err
		}
		for _, l := range decoded {
			r.Logs = append(r.Logs, &types.Log{Address: l.Address, Topics: l.Topics, Data: l.Data})
		}
	}
	return r, nil
}

func firstField(fields map[string]json.RawMessage, aliases []string) string {
	for _, key := range aliases {
		v, ok := fields[key]
		if !ok || string(v) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return strings.TrimSpace(s)
		}
		return strings.TrimSpace(string(v))
	}
	return ""
}

func parseStatus(v string) ReceiptStatus {
	switch strings.ToUpper(v) {
	case "0X1", "1", "TRUE", "SUCCEEDED", "SUCCESS", "ACCEPTED_ON_L2", "ACCEPTED_ON_L1":
		return StatusSucceeded
	case "0X0", "0", "FALSE", "REVERTED", "FAILED", "REJECTED":
		return StatusReverted
	}
	return StatusUnknown
}

func parseUint(v string) uint64 {
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		n, err := strconv.ParseUint(v[2:], 16, 64)
		if err != nil {
			return 0
		}
		return n
	}
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || !n.IsUint64() {
		return 0
	}
	return n.Uint64()
}

// FailureReason describes why a receipt did not succeed.
func (r *Receipt) FailureReason() string {
	if r.RevertReason != "" {
		return r.RevertReason
	}
	return "execution_status:" + r.Status.String()
}

// ExtractGameID returns the id from the first GameMinted log emitted by dungeon.
func ExtractGameID(r *Receipt, dungeon string) (uint64, bool) {
	if r == nil || !common.IsHexAddress(dungeon) {
		return 0, false
	}
	contract := common.HexToAddress(dungeon)
	for _, l := range r.Logs {
		if l == nil || l.Address != contract || len(l.Topics) < 2 {
			continue
		}
		if l.Topics[0] != gameMintedEventID {
			continue
		}
		id := new(big.Int).SetBytes(l.Topics[1].Bytes())
		if !id.IsUint64() {
			return 0, false
		}
		return id.Uint64(), true
	}
	return 0, false
}
