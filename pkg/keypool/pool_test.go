package keypool_test

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/scalarorg/session-relayer/config"
	"github.com/scalarorg/session-relayer/pkg/keypool"
	"github.com/scalarorg/session-relayer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const TEST_MNEMONIC = "tag volcano eight thank tide danger coast health above argue embrace heavy"

func newSecret(t *testing.T) (string, common.Address) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hex.EncodeToString(crypto.FromECDSA(key)), crypto.PubkeyToAddress(key.PublicKey)
}

func TestLoadPoolDeduplicates(t *testing.T) {
	secretA, addrA := newSecret(t)
	secretB, addrB := newSecret(t)
	pool, err := keypool.LoadPool(config.PoolConfig{
		Name: "trade",
		Keys: []string{secretA, "0x" + secretB, secretA},
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Size())
	_, ok := pool.Key(addrA)
	assert.True(t, ok)
	_, ok = pool.Key(addrB)
	assert.True(t, ok)
}

func TestLoadPoolKeysJSON(t *testing.T) {
	secretA, _ := newSecret(t)
	secretB, _ := newSecret(t)
	list, err := json.Marshal([]string{secretA, secretB})
	require.NoError(t, err)
	t.Setenv("RELAYER_KEYS_BRIDGE", string(list))

	pool, err := keypool.LoadPool(config.PoolConfig{Name: "bridge"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Size())
}

func TestLoadPoolErrors(t *testing.T) {
	t.Setenv("RELAYER_PRIVATE_KEY", "")
	tests := []struct {
		name string
		cfg  config.PoolConfig
	}{
		{name: "empty pool", cfg: config.PoolConfig{Name: "empty"}},
		{name: "invalid secret", cfg: config.PoolConfig{Name: "bad", Keys: []string{"0xnothex"}}},
		{name: "invalid json", cfg: config.PoolConfig{Name: "json", KeysJSON: "{not a list"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := keypool.LoadPool(tt.cfg, 0)
			require.Error(t, err)
			assert.True(t, types.IsConfigError(err))
		})
	}
}

func TestLoadPoolSingleKeyFallback(t *testing.T) {
	secret, addr := newSecret(t)
	t.Setenv("RELAYER_PRIVATE_KEY", "0x"+secret)
	pool, err := keypool.LoadPool(config.PoolConfig{Name: "solo"}, 0)
	require.NoError(t, err)
	require.Equal(t, []common.Address{addr}, pool.Addresses())
}

func TestLoadPoolMnemonic(t *testing.T) {
	pool, err := keypool.LoadPool(config.PoolConfig{
		Name:          "hd",
		Mnemonic:      TEST_MNEMONIC,
		WalletIndexes: []uint32{0, 1},
	}, 0)
	require.NoError(t, err)
	require.Equal(t, 2, pool.Size())
	_, ok := pool.Key(common.HexToAddress("0xC49926C4124cEe1cbA0Ea94Ea31a6c12318df947"))
	assert.True(t, ok)
	_, ok = pool.Key(common.HexToAddress("0x8230645aC28A4EdD1b0B53E7Cd8019744E9dD559"))
	assert.True(t, ok)
}

func TestPoolChainBinding(t *testing.T) {
	secret, _ := newSecret(t)
	pool, err := keypool.LoadPool(config.PoolConfig{Name: "bridge", Keys: []string{secret}, Chains: []uint64{137}}, 0)
	require.NoError(t, err)
	assert.Len(t, pool.KeysFor(137), 1)
	assert.Empty(t, pool.KeysFor(1))

	_, err = keypool.LoadPool(config.PoolConfig{Name: "bridge", Keys: []string{secret}, Chains: []uint64{137}}, 1)
	assert.True(t, types.IsConfigError(err))
}

func TestAddressesSortedAndStable(t *testing.T) {
	secrets := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		secret, _ := newSecret(t)
		secrets = append(secrets, secret)
	}
	poolA, err := keypool.LoadPool(config.PoolConfig{Name: "a", Keys: secrets}, 0)
	require.NoError(t, err)
	reversed := make([]string, len(secrets))
	for i, s := range secrets {
		reversed[len(secrets)-1-i] = s
	}
	poolB, err := keypool.LoadPool(config.PoolConfig{Name: "b", Keys: reversed}, 0)
	require.NoError(t, err)
	assert.Equal(t, poolA.Addresses(), poolB.Addresses())

	registry := keypool.NewRegistry(poolA, poolB)
	addrs, err := registry.AddressesOf("a")
	require.NoError(t, err)
	assert.Len(t, addrs, 5)
	_, err = registry.Pool("missing")
	assert.True(t, types.IsConfigError(err))
}
