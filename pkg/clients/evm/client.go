package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/session-relayer/config"
)

const (
	COMPONENT_NAME = "EvmClient"
	DIAL_RETRIES   = 3
)

// Backend is the subset of ethclient used by the relayer. *ethclient.Client satisfies it.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EvmClient talks to one chain through a primary RPC and an optional fallback. Reads fall
// back on any primary error; writes fall back only when the primary could not be reached.
type EvmClient struct {
	ChainID  uint64
	Name     string
	Config   *config.ChainConfig
	primary  Backend
	fallback Backend
	timeout  time.Duration
}

var _ Backend = (*EvmClient)(nil)

func NewEvmClients(cfg *config.Config) (map[uint64]*EvmClient, error) {
	clients := make(map[uint64]*EvmClient, len(cfg.Chains))
	for i := range cfg.Chains {
		chainCfg := &cfg.Chains[i]
		client, err := NewEvmClient(chainCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create evm client for %s: %w", chainCfg.Name, err)
		}
		clients[chainCfg.ChainID] = client
	}
	return clients, nil
}

func NewEvmClient(chainCfg *config.ChainConfig) (*EvmClient, error) {
	log.Info().Str("name", chainCfg.Name).Uint64("chainId", chainCfg.ChainID).
		Msg("[EvmClient] [NewEvmClient] connecting to EVM network")
	primary, err := dial(chainCfg.RPCUrl, chainCfg.RPCTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to EVM network %s: %w", chainCfg.Name, err)
	}
	var fallback Backend
	if chainCfg.FallbackRPCUrl != "" {
		client, err := dial(chainCfg.FallbackRPCUrl, chainCfg.RPCTimeout)
		if err != nil {
			log.Warn().Err(err).Str("name", chainCfg.Name).Msg("[EvmClient] [NewEvmClient] fallback rpc unavailable")
		} else {
			fallback = client
		}
	}
	return NewEvmClientWithBackends(chainCfg, primary, fallback), nil
}

func NewEvmClientWithBackends(chainCfg *config.ChainConfig, primary Backend, fallback Backend) *EvmClient {
	timeout := chainCfg.RPCTimeout
	if timeout == 0 {
		timeout = config.DEFAULT_RPC_TIMEOUT
	}
	return &EvmClient{
		ChainID:  chainCfg.ChainID,
		Name:     chainCfg.Name,
		Config:   chainCfg,
		primary:  primary,
		fallback: fallback,
		timeout:  timeout,
	}
}

func dial(url string, timeout time.Duration) (*ethclient.Client, error) {
	if timeout == 0 {
		timeout = config.DEFAULT_RPC_TIMEOUT
	}
	var client *ethclient.Client
	operation := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		rpcClient, err := rpc.DialContext(ctx, url)
		if err != nil {
			return err
		}
		c := ethclient.NewClient(rpcClient)
		if _, err := c.ChainID(ctx); err != nil {
			c.Close()
			return err
		}
		client = c
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), DIAL_RETRIES)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *EvmClient) HasFallback() bool {
	return c.fallback != nil
}

func readWithFallback[T any](c *EvmClient, ctx context.Context, method string, fn func(ctx context.Context, b Backend) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	result, err := fn(callCtx, c.primary)
	cancel()
	if err == nil || c.fallback == nil || errors.Is(err, ethereum.NotFound) || isExecutionError(err) {
		return result, err
	}
	log.Warn().Err(err).Str("chain", c.Name).Str("method", method).
		Msg("[EvmClient] primary rpc failed, using fallback")
	callCtx, cancel = context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return fn(callCtx, c.fallback)
}

// isExecutionError reports node-side rejections (reverts, txpool errors) that a second
// provider would answer the same way.
func isExecutionError(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

func (c *EvmClient) BlockNumber(ctx context.Context) (uint64, error) {
	return readWithFallback(c, ctx, "BlockNumber", func(ctx context.Context, b Backend) (uint64, error) {
		return b.BlockNumber(ctx)
	})
}

func (c *EvmClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return readWithFallback(c, ctx, "HeaderByNumber", func(ctx context.Context, b Backend) (*types.Header, error) {
		return b.HeaderByNumber(ctx, number)
	})
}

func (c *EvmClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return readWithFallback(c, ctx, "PendingNonceAt", func(ctx context.Context, b Backend) (uint64, error) {
		return b.PendingNonceAt(ctx, account)
	})
}

func (c *EvmClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return readWithFallback(c, ctx, "SuggestGasPrice", func(ctx context.Context, b Backend) (*big.Int, error) {
		return b.SuggestGasPrice(ctx)
	})
}

func (c *EvmClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return readWithFallback(c, ctx, "SuggestGasTipCap", func(ctx context.Context, b Backend) (*big.Int, error) {
		return b.SuggestGasTipCap(ctx)
	})
}

func (c *EvmClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return readWithFallback(c, ctx, "EstimateGas", func(ctx context.Context, b Backend) (uint64, error) {
		return b.EstimateGas(ctx, call)
	})
}

func (c *EvmClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return readWithFallback(c, ctx, "CallContract", func(ctx context.Context, b Backend) ([]byte, error) {
		return b.CallContract(ctx, call, blockNumber)
	})
}

func (c *EvmClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return readWithFallback(c, ctx, "TransactionReceipt", func(ctx context.Context, b Backend) (*types.Receipt, error) {
		return b.TransactionReceipt(ctx, txHash)
	})
}

func (c *EvmClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	_, err := readWithFallback(c, ctx, "SendTransaction", func(ctx context.Context, b Backend) (struct{}, error) {
		return struct{}{}, b.SendTransaction(ctx, tx)
	})
	return err
}

// ReceiptStatus returns (nil, nil) while the transaction is not mined yet.
func (c *EvmClient) ReceiptStatus(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := c.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return receipt, nil
}
