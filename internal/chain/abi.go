package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

const dungeonABIJSON = `[
	{"type":"function","name":"buyGame","stateMutability":"nonpayable",
	 "inputs":[{"name":"dungeonId","type":"uint256"},{"name":"player","type":"address"},{"name":"name","type":"string"}],
	 "outputs":[{"name":"gameId","type":"uint256"}]},
	{"type":"event","name":"GameMinted","anonymous":false,
	 "inputs":[{"name":"gameId","type":"uint256","indexed":true},{"name":"player","type":"address","indexed":true}]}
]`

var (
	erc20ABI   = mustABI(erc20ABIJSON)
	dungeonABI = mustABI(dungeonABIJSON)

	gameMintedEventID = dungeonABI.Events["GameMinted"].ID
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
