// Package evmtest provides an in-memory evm.Backend for package tests.
package evmtest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/scalarorg/session-relayer/pkg/clients/evm"
)

type CallHandler func(from common.Address, data []byte) ([]byte, error)

// FakeBackend records sent transactions and answers reads from its fields.
// A nil BaseFee makes the chain look pre-London.
type FakeBackend struct {
	mu sync.Mutex

	ChainID  *big.Int
	Head     uint64
	HeadErr  error
	BaseFee  *big.Int
	TipCap   *big.Int
	GasPrice *big.Int
	FeeErr   error

	Gas         uint64
	EstimateErr error

	//AutoMine stores a successful receipt for every accepted transaction
	AutoMine bool
	//SendHook runs before a transaction is accepted; a non-nil error rejects it
	SendHook func(tx *types.Transaction, attempt int) error

	nonces   map[common.Address]uint64
	contract map[common.Address]CallHandler
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	attempts int
}

var _ evm.Backend = (*FakeBackend)(nil)

func NewFakeBackend(chainID uint64) *FakeBackend {
	return &FakeBackend{
		ChainID:  new(big.Int).SetUint64(chainID),
		BaseFee:  big.NewInt(10_000_000_000),
		TipCap:   big.NewInt(1_000_000_000),
		GasPrice: big.NewInt(20_000_000_000),
		Gas:      100_000,
		AutoMine: true,
		nonces:   make(map[common.Address]uint64),
		contract: make(map[common.Address]CallHandler),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *FakeBackend) SetNonce(account common.Address, nonce uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonces[account] = nonce
}

func (f *FakeBackend) OnCall(to common.Address, handler CallHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contract[to] = handler
}

func (f *FakeBackend) SetReceipt(receipt *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[receipt.TxHash] = receipt
}

func (f *FakeBackend) SetHead(head uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Head = head
}

func (f *FakeBackend) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

// SentTo returns accepted transactions addressed to the given contract.
func (f *FakeBackend) SentTo(to common.Address) []*types.Transaction {
	var txs []*types.Transaction
	for _, tx := range f.Sent() {
		if tx.To() != nil && *tx.To() == to {
			txs = append(txs, tx)
		}
	}
	return txs
}

func (f *FakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Head, f.HeadErr
}

func (f *FakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HeadErr != nil {
		return nil, f.HeadErr
	}
	header := &types.Header{Number: new(big.Int).SetUint64(f.Head)}
	if f.BaseFee != nil {
		header.BaseFee = new(big.Int).Set(f.BaseFee)
	}
	return header, nil
}

func (f *FakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[account], nil
}

func (f *FakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if f.FeeErr != nil {
		return nil, f.FeeErr
	}
	return new(big.Int).Set(f.GasPrice), nil
}

func (f *FakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	if f.FeeErr != nil {
		return nil, f.FeeErr
	}
	return new(big.Int).Set(f.TipCap), nil
}

func (f *FakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if f.EstimateErr != nil {
		return 0, f.EstimateErr
	}
	if call.To != nil {
		if _, err := f.CallContract(ctx, call, nil); err != nil {
			return 0, err
		}
	}
	return f.Gas, nil
}

func (f *FakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if call.To == nil {
		return nil, fmt.Errorf("contract creation is not supported")
	}
	f.mu.Lock()
	handler, ok := f.contract[*call.To]
	f.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return handler(call.From, call.Data)
}

func (f *FakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	f.attempts++
	attempt := f.attempts
	hook := f.SendHook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(tx, attempt); err != nil {
			return err
		}
	}
	sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx.Nonce() < f.nonces[sender] {
		return fmt.Errorf("nonce too low: address %s, tx: %d state: %d", sender.Hex(), tx.Nonce(), f.nonces[sender])
	}
	f.nonces[sender] = tx.Nonce() + 1
	f.sent = append(f.sent, tx)
	if f.AutoMine {
		f.receipts[tx.Hash()] = &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			TxHash:      tx.Hash(),
			BlockNumber: new(big.Int).SetUint64(f.Head),
			GasUsed:     tx.Gas(),
		}
	}
	return nil
}

func (f *FakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}
