package relayer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/session-relayer/config"
	"github.com/scalarorg/session-relayer/pkg/clients/evm"
	"github.com/scalarorg/session-relayer/pkg/keypool"
)

// CheckIssue is one on-chain misconfiguration found at startup.
type CheckIssue struct {
	ChainID uint64
	Message string
}

// RunStartupChecks compares the configured keys and addresses with on-chain state. Every
// mismatch is logged and returned; none of them stops the relayer since the contracts
// enforce the same rules on every call.
func RunStartupChecks(ctx context.Context, cfg *config.Config, chains map[uint64]*evm.EvmClient, pools *keypool.Registry) []CheckIssue {
	var issues []CheckIssue
	report := func(chainID uint64, format string, args ...any) {
		issue := CheckIssue{ChainID: chainID, Message: fmt.Sprintf(format, args...)}
		log.Warn().Uint64("chainId", chainID).Msgf("[Relayer] [StartupCheck] %s", issue.Message)
		issues = append(issues, issue)
	}

	hubCfg := cfg.HubChain()
	hub := chains[cfg.Bridge.HubChainID]
	if hubCfg == nil || hub == nil {
		report(cfg.Bridge.HubChainID, "hub chain %d is not configured", cfg.Bridge.HubChainID)
		return issues
	}

	var registry *evm.Registry
	if hubCfg.Registry != "" {
		registry = evm.NewRegistry(common.HexToAddress(hubCfg.Registry), hub)
	}
	if registry != nil && cfg.Server.TradePool != "" {
		if addresses, err := pools.AddressesOf(cfg.Server.TradePool); err == nil {
			for _, address := range addresses {
				allowed, err := registry.IsRelayerAllowed(ctx, address)
				if err != nil {
					report(hubCfg.ChainID, "cannot read isRelayerAllowed(%s): %v", address.Hex(), err)
				} else if !allowed {
					report(hubCfg.ChainID, "trade relayer %s is not allowed by registry %s", address.Hex(), hubCfg.Registry)
				}
			}
		}
		if hubCfg.Vault != "" {
			vault := evm.NewVault(common.HexToAddress(hubCfg.Vault), hub)
			granted, err := vault.HasRole(ctx, evm.RELAYER_ROLE, registry.Address)
			if err != nil {
				report(hubCfg.ChainID, "cannot read vault hasRole for registry: %v", err)
			} else if !granted {
				report(hubCfg.ChainID, "registry %s lacks RELAYER_ROLE on vault %s", hubCfg.Registry, hubCfg.Vault)
			}
		}
	}

	bridgeKeys, err := pools.AddressesOf(cfg.Bridge.BridgePool)
	if err != nil {
		report(hubCfg.ChainID, "bridge pool %q is not configured", cfg.Bridge.BridgePool)
		return issues
	}
	if hubCfg.Inbox != "" {
		checkRoles(ctx, hubCfg.ChainID, evm.NewInbox(common.HexToAddress(hubCfg.Inbox), hub), "inbox", bridgeKeys, report)
	}
	for _, spokeCfg := range cfg.SpokeChains() {
		spoke := chains[spokeCfg.ChainID]
		if spoke == nil {
			continue
		}
		outbox := common.HexToAddress(spokeCfg.Outbox)
		checkRoles(ctx, spokeCfg.ChainID, evm.NewOutbox(outbox, spoke), "outbox", bridgeKeys, report)
		if registry == nil {
			continue
		}
		remote, err := registry.RemoteAppByDomain(ctx, spokeCfg.Domain)
		if err != nil {
			report(spokeCfg.ChainID, "cannot read remoteAppByDomain(%d): %v", spokeCfg.Domain, err)
		} else if remote != outbox {
			report(spokeCfg.ChainID, "registry maps domain %d to %s, expected outbox %s", spokeCfg.Domain, remote.Hex(), outbox.Hex())
		}
	}
	return issues
}

type roleReader interface {
	HasRole(ctx context.Context, role [32]byte, account common.Address) (bool, error)
}

func checkRoles(ctx context.Context, chainID uint64, contract roleReader, name string, keys []common.Address,
	report func(chainID uint64, format string, args ...any)) {
	for _, key := range keys {
		granted, err := contract.HasRole(ctx, evm.RELAYER_ROLE, key)
		if err != nil {
			report(chainID, "cannot read %s hasRole(%s): %v", name, key.Hex(), err)
		} else if !granted {
			report(chainID, "bridge relayer %s lacks RELAYER_ROLE on %s", key.Hex(), name)
		}
	}
}
