package keypool

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/session-relayer/config"
	"github.com/scalarorg/session-relayer/pkg/types"
)

const (
	ENV_POOL_KEYS_PREFIX   = "RELAYER_KEYS_"
	ENV_FALLBACK_KEY       = "RELAYER_PRIVATE_KEY"
	DEFAULT_DERIVATION_FMT = "m/44'/60'/0'/0/%d"
)

// RelayerKey is an operator signing key. Immutable after load.
type RelayerKey struct {
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
	Pool       string
	ChainIDs   []uint64 //Empty means every configured chain
}

func (k *RelayerKey) Serves(chainID uint64) bool {
	if len(k.ChainIDs) == 0 {
		return true
	}
	for _, id := range k.ChainIDs {
		if id == chainID {
			return true
		}
	}
	return false
}

// Pool is the deduplicated key set of one named relayer pool.
type Pool struct {
	Name string
	keys []*RelayerKey
}

// LoadPool decodes every configured secret of the pool. chainHint, when non-zero,
// restricts the pool to keys serving that chain.
func LoadPool(cfg config.PoolConfig, chainHint uint64) (*Pool, error) {
	secrets, err := collectSecrets(cfg)
	if err != nil {
		return nil, err
	}
	pool := &Pool{Name: cfg.Name}
	seen := make(map[common.Address]bool)
	for i, secret := range secrets {
		privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(secret), "0x"))
		if err != nil {
			return nil, types.NewConfigError("pools."+cfg.Name, "key #%d is not a valid secp256k1 secret: %v", i, err)
		}
		address := crypto.PubkeyToAddress(privateKey.PublicKey)
		if seen[address] {
			log.Debug().Str("pool", cfg.Name).Str("address", address.Hex()).Msg("[KeyPool] [LoadPool] skip duplicated key")
			continue
		}
		seen[address] = true
		key := &RelayerKey{
			Address:    address,
			PrivateKey: privateKey,
			Pool:       cfg.Name,
			ChainIDs:   append([]uint64(nil), cfg.Chains...),
		}
		if chainHint != 0 && !key.Serves(chainHint) {
			continue
		}
		pool.keys = append(pool.keys, key)
	}
	if len(pool.keys) == 0 {
		return nil, types.NewConfigError("pools."+cfg.Name, "pool is empty and no fallback key is configured")
	}
	log.Info().Str("pool", cfg.Name).Int("keys", len(pool.keys)).Msg("[KeyPool] [LoadPool] relayer pool loaded")
	return pool, nil
}

// collectSecrets returns the pool secrets in priority order: JSON list, mnemonic derivation,
// then the single-key fallback.
func collectSecrets(cfg config.PoolConfig) ([]string, error) {
	var secrets []string
	secrets = append(secrets, cfg.Keys...)
	keysJSON := cfg.KeysJSON
	if keysJSON == "" {
		keysJSON = os.Getenv(ENV_POOL_KEYS_PREFIX + strings.ToUpper(cfg.Name))
	}
	if keysJSON != "" {
		var list []string
		if err := json.Unmarshal([]byte(keysJSON), &list); err != nil {
			return nil, types.NewConfigError("pools."+cfg.Name+".keys_json", "expect a JSON list of hex keys: %v", err)
		}
		secrets = append(secrets, list...)
	}
	if cfg.Mnemonic != "" {
		derived, err := deriveFromMnemonic(cfg.Mnemonic, cfg.WalletIndexes)
		if err != nil {
			return nil, types.NewConfigError("pools."+cfg.Name+".mnemonic", "%v", err)
		}
		secrets = append(secrets, derived...)
	}
	if len(secrets) == 0 {
		fallback := cfg.PrivateKey
		if fallback == "" {
			fallback = os.Getenv(ENV_FALLBACK_KEY)
		}
		if fallback != "" {
			log.Warn().Str("pool", cfg.Name).Msg("[KeyPool] [LoadPool] using single-key fallback")
			secrets = append(secrets, fallback)
		}
	}
	return secrets, nil
}

func deriveFromMnemonic(mnemonic string, indexes []uint32) ([]string, error) {
	wallet, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet from mnemonic: %w", err)
	}
	if len(indexes) == 0 {
		indexes = []uint32{0}
	}
	secrets := make([]string, 0, len(indexes))
	for _, index := range indexes {
		path, err := hdwallet.ParseDerivationPath(fmt.Sprintf(DEFAULT_DERIVATION_FMT, index))
		if err != nil {
			return nil, fmt.Errorf("invalid derivation index %d: %w", index, err)
		}
		account, err := wallet.Derive(path, false)
		if err != nil {
			return nil, fmt.Errorf("failed to derive account %d: %w", index, err)
		}
		privateKeyHex, err := wallet.PrivateKeyHex(account)
		if err != nil {
			return nil, fmt.Errorf("failed to get private key %d: %w", index, err)
		}
		secrets = append(secrets, privateKeyHex)
	}
	return secrets, nil
}

func (p *Pool) Size() int {
	return len(p.keys)
}

// KeysFor returns the keys serving chainID in load order.
func (p *Pool) KeysFor(chainID uint64) []*RelayerKey {
	keys := make([]*RelayerKey, 0, len(p.keys))
	for _, key := range p.keys {
		if key.Serves(chainID) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (p *Pool) Key(address common.Address) (*RelayerKey, bool) {
	for _, key := range p.keys {
		if key.Address == address {
			return key, true
		}
	}
	return nil, false
}

// Addresses returns the pool addresses sorted ascending. This is the Merkle set input and
// must match whatever root was published on-chain.
func (p *Pool) Addresses() []common.Address {
	addresses := make([]common.Address, 0, len(p.keys))
	for _, key := range p.keys {
		addresses = append(addresses, key.Address)
	}
	sort.Slice(addresses, func(i, j int) bool {
		return bytes.Compare(addresses[i][:], addresses[j][:]) < 0
	})
	return addresses
}

// Registry holds every loaded pool by name.
type Registry struct {
	pools map[string]*Pool
}

func NewRegistry(pools ...*Pool) *Registry {
	r := &Registry{pools: make(map[string]*Pool, len(pools))}
	for _, pool := range pools {
		r.pools[pool.Name] = pool
	}
	return r
}

// LoadRegistry loads every configured pool; any failing pool is a startup ConfigError.
func LoadRegistry(cfg *config.Config) (*Registry, error) {
	pools := make([]*Pool, 0, len(cfg.Pools))
	for _, poolCfg := range cfg.Pools {
		pool, err := LoadPool(poolCfg, 0)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	return NewRegistry(pools...), nil
}

func (r *Registry) Pool(name string) (*Pool, error) {
	pool, ok := r.pools[name]
	if !ok {
		return nil, types.NewConfigError("pools", "pool %q is not configured", name)
	}
	return pool, nil
}

func (r *Registry) AddressesOf(name string) ([]common.Address, error) {
	pool, err := r.Pool(name)
	if err != nil {
		return nil, err
	}
	return pool.Addresses(), nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
