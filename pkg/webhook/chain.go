package webhook

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/scalarorg/session-relayer/config"
)

type OriginSource string

const (
	OriginExplicit OriginSource = "payload"
	OriginSecret   OriginSource = "secret"
	OriginAddress  OriginSource = "address"
	OriginFallback OriginSource = "fallback"
)

// Network names used by the address-activity notifier.
var notifierNetworks = map[string]uint64{
	"ETH_MAINNET":   1,
	"ETH_SEPOLIA":   11155111,
	"ETH_HOLESKY":   17000,
	"MATIC_MAINNET": 137,
	"MATIC_AMOY":    80002,
	"ARB_MAINNET":   42161,
	"ARB_SEPOLIA":   421614,
	"OPT_MAINNET":   10,
	"OPT_SEPOLIA":   11155420,
	"BASE_MAINNET":  8453,
	"BASE_SEPOLIA":  84532,
	"BNB_MAINNET":   56,
	"AVAX_MAINNET":  43114,
}

type Origin struct {
	ChainID uint64
	Source  OriginSource
	//Candidates lists every chain the addresses matched when the match was ambiguous
	Candidates []uint64
}

type ChainResolver struct {
	chains   []config.ChainConfig
	fallback uint64
}

func NewChainResolver(chains []config.ChainConfig, fallbackChainID uint64) *ChainResolver {
	return &ChainResolver{chains: chains, fallback: fallbackChainID}
}

func (r *ChainResolver) configured(chainID uint64) bool {
	for _, chain := range r.chains {
		if chain.ChainID == chainID {
			return true
		}
	}
	return false
}

func (r *ChainResolver) byNetwork(network string) uint64 {
	if network == "" {
		return 0
	}
	for _, chain := range r.chains {
		if chain.Network != "" && strings.EqualFold(chain.Network, network) {
			return chain.ChainID
		}
	}
	return notifierNetworks[strings.ToUpper(network)]
}

// Resolve applies, in order: chain id or network in the payload, the matched secret's chain,
// a unique token/vault address match, then the fallback chain. ok is false when nothing,
// including the fallback, applies.
func (r *ChainResolver) Resolve(hint TransferHint, secret *config.WebhookSecret) (Origin, bool) {
	if hint.ChainHint != 0 && r.configured(hint.ChainHint) {
		return Origin{ChainID: hint.ChainHint, Source: OriginExplicit}, true
	}
	if id := r.byNetwork(hint.Network); id != 0 && r.configured(id) {
		return Origin{ChainID: id, Source: OriginExplicit}, true
	}
	if secret != nil && secret.ChainID != 0 && r.configured(secret.ChainID) {
		return Origin{ChainID: secret.ChainID, Source: OriginSecret}, true
	}
	matches := r.matchAddresses(hint)
	if len(matches) == 1 {
		return Origin{ChainID: matches[0], Source: OriginAddress}, true
	}
	if r.fallback != 0 {
		return Origin{ChainID: r.fallback, Source: OriginFallback, Candidates: matches}, true
	}
	return Origin{Candidates: matches}, false
}

func (r *ChainResolver) matchAddresses(hint TransferHint) []uint64 {
	var matches []uint64
	for _, chain := range r.chains {
		if matchesChain(chain, hint) {
			matches = append(matches, chain.ChainID)
		}
	}
	return matches
}

func matchesChain(chain config.ChainConfig, hint TransferHint) bool {
	if chain.Vault != "" && hint.To != (common.Address{}) && common.HexToAddress(chain.Vault) == hint.To {
		return true
	}
	if hint.Token == (common.Address{}) {
		return false
	}
	for _, token := range chain.Tokens {
		if common.HexToAddress(token) == hint.Token {
			return true
		}
	}
	return false
}
