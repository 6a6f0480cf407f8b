package chain

import "math/big"

// Call is a contract call the treasury signs, with an optional ERC20 approval sent first.
type Call struct {
	To       string
	Data     []byte
	Value    *big.Int
	Approval *Approval
}

type Approval struct {
	Token   string
	Spender string
	Amount  *big.Int
}

// Purchase buys one game for Recipient, paid from the treasury ticket reserve.
type Purchase struct {
	DungeonID  string
	Recipient  string
	PlayerName string
}
