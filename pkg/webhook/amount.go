package webhook

import (
	"fmt"
	"math/big"
	"strings"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

const (
	AMOUNT_FROM_LOG     = "receipt_log"
	AMOUNT_FROM_DECODED = "decoded_value"
	AMOUNT_FROM_RAW     = "raw_value"
	AMOUNT_FROM_HUMAN   = "human_value"
)

// ResolveAmount returns the transfer amount in base units and where it came from, in
// priority order: receipt log data, decoded value, raw value, human value scaled by decimals.
func ResolveAmount(log *ethtypes.Log, hint TransferHint) (*big.Int, string, error) {
	if log != nil && len(log.Data) >= 32 {
		return new(big.Int).SetBytes(log.Data[:32]), AMOUNT_FROM_LOG, nil
	}
	if amount, ok := parseInteger(hint.DecodedValue); ok {
		return amount, AMOUNT_FROM_DECODED, nil
	}
	if amount, ok := parseInteger(hint.RawValue); ok {
		return amount, AMOUNT_FROM_RAW, nil
	}
	if hint.HumanValue != "" && hint.Decimals != nil {
		amount, err := scaleHuman(hint.HumanValue, *hint.Decimals)
		if err != nil {
			return nil, "", err
		}
		return amount, AMOUNT_FROM_HUMAN, nil
	}
	return nil, "", fmt.Errorf("no amount source for transfer %s", hint.TxHash.Hex())
}

// parseInteger accepts 0x-prefixed hex or base-10 integers.
func parseInteger(value string) (*big.Int, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, false
	}
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		if len(value) == 2 {
			return new(big.Int), true
		}
		return new(big.Int).SetString(value[2:], 16)
	}
	return new(big.Int).SetString(value, 10)
}

func scaleHuman(value string, decimals int32) (*big.Int, error) {
	human, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("invalid human amount %q: %w", value, err)
	}
	scaled := human.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimals", value, decimals)
	}
	if scaled.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", value)
	}
	return scaled.BigInt(), nil
}
