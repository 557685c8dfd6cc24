package clients

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Minimal USDT (EIP-20) ABI: the four entry points the adapters touch.
const usdtABI = `
[
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [ { "name": "owner", "type": "address" } ],
    "outputs": [ { "name": "", "type": "uint256" } ]
  },
  {
    "name": "allowance",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      { "name": "owner", "type": "address" },
      { "name": "spender", "type": "address" }
    ],
    "outputs": [ { "name": "", "type": "uint256" } ]
  },
  {
    "name": "approve",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "spender", "type": "address" },
      { "name": "value", "type": "uint256" }
    ],
    "outputs": []
  },
  {
    "name": "transferFrom",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "from", "type": "address" },
      { "name": "to", "type": "address" },
      { "name": "value", "type": "uint256" }
    ],
    "outputs": []
  }
]
`

var erc20ABI = mustParseABI(usdtABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("clients: bad embedded ABI: " + err.Error())
	}
	return parsed
}

// EVMApprovalPayload is the chain-native authorization payload for EVM
// networks: a transaction skeleton the payer signs and submits themselves.
type EVMApprovalPayload struct {
	ChainID int64  `json:"chainId"`
	To      string `json:"to"`
	Data    string `json:"data"`
	Value   string `json:"value"`
}
