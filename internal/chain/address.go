package chain

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidAddress = errors.New("invalid address")

// NormalizeAddress validates a 20-byte hex address and returns its checksummed form.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return "", ErrInvalidAddress
	}
	if !common.IsHexAddress(addr) {
		return "", ErrInvalidAddress
	}
	a := common.HexToAddress(addr)
	if a == (common.Address{}) {
		return "", ErrInvalidAddress
	}
	return a.Hex(), nil
}

// SameAddress compares two hex addresses ignoring case and checksum.
func SameAddress(a, b string) bool {
	if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}
