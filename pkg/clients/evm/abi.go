package evm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

const registryAbiJSON = `[
	{"type":"function","name":"sessions","stateMutability":"view",
	 "inputs":[{"name":"sessionId","type":"bytes32"}],
	 "outputs":[
		{"name":"trader","type":"address"},
		{"name":"relayer","type":"address"},
		{"name":"relayerSetRoot","type":"bytes32"},
		{"name":"expiry","type":"uint64"},
		{"name":"maxNotionalPerTrade","type":"uint256"},
		{"name":"maxNotionalPerSession","type":"uint256"},
		{"name":"sessionNotionalUsed","type":"uint256"},
		{"name":"methodsBitmap","type":"uint256"},
		{"name":"revoked","type":"bool"}]},
	{"type":"function","name":"allowedOrderbook","stateMutability":"view",
	 "inputs":[{"name":"orderBook","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"isRelayerAllowed","stateMutability":"view",
	 "inputs":[{"name":"relayer","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"remoteAppByDomain","stateMutability":"view",
	 "inputs":[{"name":"domain","type":"uint32"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"createSession","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"trader","type":"address"},
		{"name":"relayer","type":"address"},
		{"name":"salt","type":"bytes32"},
		{"name":"relayerSetRoot","type":"bytes32"},
		{"name":"expiry","type":"uint64"},
		{"name":"maxNotionalPerTrade","type":"uint256"},
		{"name":"maxNotionalPerSession","type":"uint256"},
		{"name":"methodsBitmap","type":"uint256"},
		{"name":"signature","type":"bytes"}],
	 "outputs":[{"name":"sessionId","type":"bytes32"}]},
	{"type":"function","name":"execute","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"sessionId","type":"bytes32"},
		{"name":"orderBook","type":"address"},
		{"name":"method","type":"uint8"},
		{"name":"data","type":"bytes"},
		{"name":"notional","type":"uint256"},
		{"name":"relayerProof","type":"bytes32[]"}],
	 "outputs":[]}
]`

const vaultAbiJSON = `[
	{"type":"function","name":"marketSettled","stateMutability":"view",
	 "inputs":[{"name":"marketId","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"getAvailableCollateral","stateMutability":"view",
	 "inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"marketToOrderBook","stateMutability":"view",
	 "inputs":[{"name":"marketId","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"hasRole","stateMutability":"view",
	 "inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

const outboxAbiJSON = `[
	{"type":"function","name":"sendDeposit","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"depositId","type":"bytes32"},
		{"name":"user","type":"address"},
		{"name":"token","type":"address"},
		{"name":"amount","type":"uint256"}],
	 "outputs":[]},
	{"type":"function","name":"hasRole","stateMutability":"view",
	 "inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"error","name":"AlreadySent","inputs":[{"name":"depositId","type":"bytes32"}]}
]`

const inboxAbiJSON = `[
	{"type":"function","name":"receiveMessage","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"srcDomain","type":"uint32"},
		{"name":"sender","type":"address"},
		{"name":"message","type":"bytes"}],
	 "outputs":[]},
	{"type":"function","name":"hasRole","stateMutability":"view",
	 "inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"error","name":"AlreadyProcessed","inputs":[{"name":"depositId","type":"bytes32"}]}
]`

const erc20AbiJSON = `[
	{"type":"event","name":"Transfer","anonymous":false,
	 "inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"value","type":"uint256"}]}
]`

const orderBookAbiJSON = `[
	{"type":"function","name":"placeLimitOrder","stateMutability":"nonpayable",
	 "inputs":[{"name":"price","type":"uint256"},{"name":"size","type":"uint256"},{"name":"isBuy","type":"bool"}],"outputs":[]},
	{"type":"function","name":"placeMarketOrder","stateMutability":"nonpayable",
	 "inputs":[{"name":"size","type":"uint256"},{"name":"isBuy","type":"bool"},{"name":"limitPrice","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"cancelOrder","stateMutability":"nonpayable",
	 "inputs":[{"name":"orderId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"closePosition","stateMutability":"nonpayable",
	 "inputs":[{"name":"size","type":"uint256"},{"name":"limitPrice","type":"uint256"}],"outputs":[]}
]`

var (
	RegistryABI  = mustParseABI("registry", registryAbiJSON)
	VaultABI     = mustParseABI("vault", vaultAbiJSON)
	OutboxABI    = mustParseABI("outbox", outboxAbiJSON)
	InboxABI     = mustParseABI("inbox", inboxAbiJSON)
	ERC20ABI     = mustParseABI("erc20", erc20AbiJSON)
	OrderBookABI = mustParseABI("orderbook", orderBookAbiJSON)

	TransferEventID = ERC20ABI.Events["Transfer"].ID
	RELAYER_ROLE    = crypto.Keccak256Hash([]byte("RELAYER_ROLE"))
)

func mustParseABI(name string, def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid %s abi: %v", name, err))
	}
	return parsed
}
