package session

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/scalarorg/session-relayer/pkg/clients/evm"
)

// Method is the trading action kind; its value is the bit index in methodsBitmap.
type Method uint8

const (
	MethodPlaceLimitOrder Method = iota
	MethodPlaceMarketOrder
	MethodCancelOrder
	MethodClosePosition
)

var methodNames = map[Method]string{
	MethodPlaceLimitOrder:  "placeLimitOrder",
	MethodPlaceMarketOrder: "placeMarketOrder",
	MethodCancelOrder:      "cancelOrder",
	MethodClosePosition:    "closePosition",
}

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("method(%d)", uint8(m))
}

func ParseMethod(name string) (Method, error) {
	for method, methodName := range methodNames {
		if methodName == name {
			return method, nil
		}
	}
	return 0, fmt.Errorf("unknown trade method %q", name)
}

// TradeParams holds 18-decimal fixed point values.
type TradeParams struct {
	Price      *hexutil.Big `json:"price"`
	Size       *hexutil.Big `json:"size"`
	LimitPrice *hexutil.Big `json:"limitPrice"`
	OrderID    *hexutil.Big `json:"orderId"`
	IsBuy      bool         `json:"isBuy"`
}

var WAD = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Notional is price*size/1e18. Market orders and closes are priced at their limit price;
// cancels carry no notional.
func Notional(method Method, params TradeParams) *big.Int {
	var price *big.Int
	switch method {
	case MethodPlaceLimitOrder:
		price = bigOf(params.Price)
	case MethodPlaceMarketOrder, MethodClosePosition:
		price = bigOf(params.LimitPrice)
	default:
		return new(big.Int)
	}
	notional := new(big.Int).Mul(price, bigOf(params.Size))
	return notional.Div(notional, WAD)
}

// Unpriced reports an order whose price is zero, so Notional cannot bound what it fills.
// A market order or close without a limit price is the usual case.
func Unpriced(method Method, params TradeParams) bool {
	switch method {
	case MethodPlaceLimitOrder:
		return bigOf(params.Price).Sign() == 0
	case MethodPlaceMarketOrder, MethodClosePosition:
		return bigOf(params.LimitPrice).Sign() == 0
	}
	return false
}

// EncodeCall packs the order book call forwarded through registry.execute.
func EncodeCall(method Method, params TradeParams) ([]byte, error) {
	switch method {
	case MethodPlaceLimitOrder:
		return evm.OrderBookABI.Pack("placeLimitOrder", bigOf(params.Price), bigOf(params.Size), params.IsBuy)
	case MethodPlaceMarketOrder:
		return evm.OrderBookABI.Pack("placeMarketOrder", bigOf(params.Size), params.IsBuy, bigOf(params.LimitPrice))
	case MethodCancelOrder:
		return evm.OrderBookABI.Pack("cancelOrder", bigOf(params.OrderID))
	case MethodClosePosition:
		return evm.OrderBookABI.Pack("closePosition", bigOf(params.Size), bigOf(params.LimitPrice))
	}
	return nil, fmt.Errorf("unsupported trade method %s", method)
}

func methodAllowed(bitmap *big.Int, method Method) bool {
	return bitmap != nil && bitmap.Bit(int(method)) == 1
}
