// Package finality decides whether a block is deep enough to act on.
package finality

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/session-relayer/pkg/types"
)

// HeadReader returns the current chain head. *evm.EvmClient satisfies it and falls back
// to its secondary provider when the primary is unavailable.
type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

type Depth struct {
	Head     uint64
	Depth    uint64
	Required uint64
}

type chainHead struct {
	reader   HeadReader
	required uint64
}

// Gate never blocks: a non-final block is reported and left for a later cycle.
type Gate struct {
	chains map[uint64]chainHead
}

func NewGate() *Gate {
	return &Gate{chains: make(map[uint64]chainHead)}
}

// Register must be called before serving; the map is not guarded.
func (g *Gate) Register(chainID uint64, reader HeadReader, requiredConfirmations uint64) *Gate {
	g.chains[chainID] = chainHead{reader: reader, required: requiredConfirmations}
	return g
}

// IsFinal reports head >= block && head-block >= required confirmations.
func (g *Gate) IsFinal(ctx context.Context, chainID uint64, blockNumber uint64) (bool, Depth, error) {
	chain, ok := g.chains[chainID]
	if !ok {
		return false, Depth{}, types.NewConfigError("chains", "no finality settings for chain %d", chainID)
	}
	head, err := chain.reader.BlockNumber(ctx)
	if err != nil {
		return false, Depth{Required: chain.required}, fmt.Errorf("failed to read head of chain %d: %w", chainID, err)
	}
	depth := Depth{Head: head, Required: chain.required}
	if head < blockNumber {
		log.Debug().Uint64("chainId", chainID).Uint64("head", head).Uint64("block", blockNumber).
			Msg("[FinalityGate] [IsFinal] block ahead of head")
		return false, depth, nil
	}
	depth.Depth = head - blockNumber
	return depth.Depth >= chain.required, depth, nil
}
