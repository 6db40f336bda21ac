package dispatch

import (
	"context"
	"math/big"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/session-relayer/config"
	"github.com/scalarorg/session-relayer/pkg/clients/evm"
	"github.com/shopspring/decimal"
)

// Fees carries either dynamic fee fields or a legacy gas price.
type Fees struct {
	TipCap   *big.Int
	FeeCap   *big.Int
	GasPrice *big.Int
}

func (f *Fees) Legacy() bool {
	return f.GasPrice != nil
}

// Bump raises every fee field by percent, at least by one wei.
func (f *Fees) Bump(percent int64) *Fees {
	bump := func(v *big.Int) *big.Int {
		if v == nil {
			return nil
		}
		bumped := new(big.Int).Mul(v, big.NewInt(100+percent))
		bumped.Div(bumped, big.NewInt(100))
		if bumped.Cmp(v) <= 0 {
			bumped.Add(v, big.NewInt(1))
		}
		return bumped
	}
	return &Fees{TipCap: bump(f.TipCap), FeeCap: bump(f.FeeCap), GasPrice: bump(f.GasPrice)}
}

func GweiToWei(gwei float64) *big.Int {
	return decimal.NewFromFloat(gwei).Shift(9).Truncate(0).BigInt()
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// SuggestFees computes tip = max(suggested, floor) and feeCap = 2*baseFee + tip. When fee
// data is unavailable both fields fall back to the chain's default gas price.
func SuggestFees(ctx context.Context, chain *evm.EvmClient) *Fees {
	cfg := chain.Config
	if cfg == nil {
		cfg = &config.ChainConfig{DefaultGasPriceGwei: config.DEFAULT_GAS_PRICE_GWEI}
	}
	minTip := GweiToWei(cfg.MinTipGwei)
	minFeeCap := GweiToWei(cfg.MinFeeCapGwei)
	defaultPrice := GweiToWei(cfg.DefaultGasPriceGwei)
	if defaultPrice.Sign() == 0 {
		defaultPrice = GweiToWei(config.DEFAULT_GAS_PRICE_GWEI)
	}
	fallback := func(err error) *Fees {
		log.Warn().Err(err).Str("chain", chain.Name).Str("gasPrice", defaultPrice.String()).
			Msg("[Dispatcher] [SuggestFees] fee data unavailable, using default gas price")
		return &Fees{TipCap: new(big.Int).Set(defaultPrice), FeeCap: new(big.Int).Set(defaultPrice)}
	}

	header, err := chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return fallback(err)
	}
	if header.BaseFee == nil {
		price, err := chain.SuggestGasPrice(ctx)
		if err != nil {
			return &Fees{GasPrice: defaultPrice}
		}
		return &Fees{GasPrice: maxBig(price, minFeeCap)}
	}
	tip, err := chain.SuggestGasTipCap(ctx)
	if err != nil {
		return fallback(err)
	}
	tip = maxBig(tip, minTip)
	feeCap := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	feeCap = maxBig(feeCap, minFeeCap)
	return &Fees{TipCap: tip, FeeCap: feeCap}
}
