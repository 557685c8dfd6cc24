package types

// Network represents supported blockchain networks.
type Network string

const (
	// EVM networks
	NetworkEthereum Network = "ethereum"
	NetworkSepolia  Network = "sepolia" // testnet
	NetworkBSC      Network = "bsc"
	NetworkBSCTest  Network = "bsc-testnet" // testnet

	// TRON networks
	NetworkTron     Network = "tron"
	NetworkTronNile Network = "tron-nile" // testnet
)

// EVMChainIDs maps EVM networks to their chain IDs. Static so adapters
// never need a network round-trip to sign.
var EVMChainIDs = map[Network]int64{
	NetworkEthereum: 1,
	NetworkSepolia:  11155111,
	NetworkBSC:      56,
	NetworkBSCTest:  97,
}

// USDTToken describes the USDT deployment on one network. Decimals differ
// per chain: 6 on Ethereum and TRON, 18 on BSC.
type USDTToken struct {
	Contract string
	Decimals int32
}

var usdtTokens = map[Network]USDTToken{
	NetworkEthereum: {Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
	NetworkSepolia:  {Contract: "0x7169D38820dfd117C3FA1f22a697dBA58d90BA06", Decimals: 6},
	NetworkBSC:      {Contract: "0x55d398326f99059fF775485246999027B3197955", Decimals: 18},
	NetworkBSCTest:  {Contract: "0x337610d27c682E347C9cD60BD4b3b107C9d34dDd", Decimals: 18},
	NetworkTron:     {Contract: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", Decimals: 6},
	NetworkTronNile: {Contract: "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf", Decimals: 6},
}

// USDT returns the USDT deployment for the network.
func (n Network) USDT() (USDTToken, bool) {
	t, ok := usdtTokens[n]
	return t, ok
}

func (n Network) IsEVM() bool {
	return n == NetworkEthereum || n == NetworkSepolia || n == NetworkBSC || n == NetworkBSCTest
}

func (n Network) IsTron() bool {
	return n == NetworkTron || n == NetworkTronNile
}

func (n Network) IsTestnet() bool {
	return n == NetworkSepolia || n == NetworkBSCTest || n == NetworkTronNile
}

// Known reports whether the network belongs to the closed supported set.
func (n Network) Known() bool {
	return n.IsEVM() || n.IsTron()
}

func (n Network) String() string {
	return string(n)
}
