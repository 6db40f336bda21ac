// Package webhook turns notifier deliveries into deposit records.
package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/scalarorg/session-relayer/pkg/clients/evm"
)

type Shape string

const (
	ShapeAddressActivity Shape = "address_activity"
	ShapeStream          Shape = "stream"
	ShapeUnknown         Shape = "unknown"
)

// TransferHint is what a notifier claims about one token transfer. It only points at a
// receipt; amounts and addresses are re-read from the chain.
type TransferHint struct {
	ChainHint    uint64
	Network      string
	TxHash       common.Hash
	LogIndex     *uint
	Token        common.Address
	From         common.Address
	To           common.Address
	RawValue     string
	DecodedValue string
	HumanValue   string
	Decimals     *int32
	Data         string
}

// Payload is one of AddressActivityPayload, StreamPayload or UnknownPayload.
type Payload interface {
	Shape() Shape
	Hints() []TransferHint
}

// AddressActivityPayload is the address-activity notification: event.network plus a list
// of activity entries, optionally carrying the raw log.
type AddressActivityPayload struct {
	WebhookID string `json:"webhookId"`
	ID        string `json:"id"`
	CreatedAt string `json:"createdAt"`
	Type      string `json:"type"`
	Event     struct {
		Network  string     `json:"network"`
		Activity []Activity `json:"activity"`
	} `json:"event"`
}

type Activity struct {
	FromAddress string      `json:"fromAddress"`
	ToAddress   string      `json:"toAddress"`
	BlockNum    string      `json:"blockNum"`
	Hash        string      `json:"hash"`
	Value       json.Number `json:"value"`
	Asset       string      `json:"asset"`
	Category    string      `json:"category"`
	RawContract struct {
		RawValue string `json:"rawValue"`
		Address  string `json:"address"`
		Decimals *int32 `json:"decimals"`
	} `json:"rawContract"`
	Log *ActivityLog `json:"log"`
}

type ActivityLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	LogIndex        string   `json:"logIndex"`
	TransactionHash string   `json:"transactionHash"`
}

func (p *AddressActivityPayload) Shape() Shape { return ShapeAddressActivity }

func (p *AddressActivityPayload) Hints() []TransferHint {
	var hints []TransferHint
	for _, activity := range p.Event.Activity {
		if !common.IsHexAddress(activity.RawContract.Address) && activity.Log == nil {
			continue
		}
		hint := TransferHint{
			Network:    p.Event.Network,
			TxHash:     common.HexToHash(activity.Hash),
			Token:      common.HexToAddress(activity.RawContract.Address),
			From:       common.HexToAddress(activity.FromAddress),
			To:         common.HexToAddress(activity.ToAddress),
			RawValue:   activity.RawContract.RawValue,
			HumanValue: activity.Value.String(),
			Decimals:   activity.RawContract.Decimals,
		}
		if log := activity.Log; log != nil {
			hint.LogIndex = parseIndex(log.LogIndex)
			hint.Data = log.Data
			if common.IsHexAddress(log.Address) {
				hint.Token = common.HexToAddress(log.Address)
			}
			if log.TransactionHash != "" {
				hint.TxHash = common.HexToHash(log.TransactionHash)
			}
		}
		hints = append(hints, hint)
	}
	return hints
}

// StreamPayload is the stream notification: hex chainId, decoded erc20Transfers and raw logs.
type StreamPayload struct {
	Confirmed bool   `json:"confirmed"`
	ChainID   string `json:"chainId"`
	StreamID  string `json:"streamId"`
	Tag       string `json:"tag"`
	Block     struct {
		Number string `json:"number"`
		Hash   string `json:"hash"`
	} `json:"block"`
	Logs           []StreamLog      `json:"logs"`
	ERC20Transfers []StreamTransfer `json:"erc20Transfers"`
}

type StreamLog struct {
	LogIndex        string `json:"logIndex"`
	TransactionHash string `json:"transactionHash"`
	Address         string `json:"address"`
	Data            string `json:"data"`
	Topic0          string `json:"topic0"`
	Topic1          string `json:"topic1"`
	Topic2          string `json:"topic2"`
}

type StreamTransfer struct {
	TransactionHash   string `json:"transactionHash"`
	LogIndex          string `json:"logIndex"`
	Contract          string `json:"contract"`
	From              string `json:"from"`
	To                string `json:"to"`
	Value             string `json:"value"`
	ValueWithDecimals string `json:"valueWithDecimals"`
	TokenDecimals     string `json:"tokenDecimals"`
}

func (p *StreamPayload) Shape() Shape { return ShapeStream }

func (p *StreamPayload) chainID() uint64 {
	if p.ChainID == "" {
		return 0
	}
	if index := parseIndex(p.ChainID); index != nil {
		return uint64(*index)
	}
	return 0
}

// Hints merges decoded transfers with raw logs of the same (tx, logIndex).
func (p *StreamPayload) Hints() []TransferHint {
	chainID := p.chainID()
	var hints []TransferHint
	byKey := make(map[string]int)
	key := func(tx string, index string) string {
		return strings.ToLower(tx) + "/" + index
	}
	for _, transfer := range p.ERC20Transfers {
		hint := TransferHint{
			ChainHint:    chainID,
			TxHash:       common.HexToHash(transfer.TransactionHash),
			LogIndex:     parseIndex(transfer.LogIndex),
			Token:        common.HexToAddress(transfer.Contract),
			From:         common.HexToAddress(transfer.From),
			To:           common.HexToAddress(transfer.To),
			DecodedValue: transfer.Value,
			HumanValue:   transfer.ValueWithDecimals,
		}
		if decimals, err := strconv.ParseInt(transfer.TokenDecimals, 10, 32); err == nil {
			d := int32(decimals)
			hint.Decimals = &d
		}
		byKey[key(transfer.TransactionHash, transfer.LogIndex)] = len(hints)
		hints = append(hints, hint)
	}
	for _, log := range p.Logs {
		if !strings.EqualFold(log.Topic0, evm.TransferEventID.Hex()) {
			continue
		}
		if idx, ok := byKey[key(log.TransactionHash, log.LogIndex)]; ok {
			hints[idx].Data = log.Data
			continue
		}
		hints = append(hints, TransferHint{
			ChainHint: chainID,
			TxHash:    common.HexToHash(log.TransactionHash),
			LogIndex:  parseIndex(log.LogIndex),
			Token:     common.HexToAddress(log.Address),
			From:      common.BytesToAddress(common.FromHex(log.Topic1)),
			To:        common.BytesToAddress(common.FromHex(log.Topic2)),
			Data:      log.Data,
		})
	}
	return hints
}

// UnknownPayload keeps bodies of any other shape for the archive.
type UnknownPayload struct {
	Raw json.RawMessage
}

func (p *UnknownPayload) Shape() Shape { return ShapeUnknown }

func (p *UnknownPayload) Hints() []TransferHint { return nil }

type payloadKeys struct {
	Event *struct {
		Activity json.RawMessage `json:"activity"`
	} `json:"event"`
	ChainID        *string         `json:"chainId"`
	ERC20Transfers json.RawMessage `json:"erc20Transfers"`
	Logs           json.RawMessage `json:"logs"`
}

// ParsePayload picks the payload variant from its top-level keys.
func ParsePayload(raw []byte) (Payload, error) {
	var keys payloadKeys
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}
	switch {
	case keys.Event != nil && len(keys.Event.Activity) > 0:
		var payload AddressActivityPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("malformed address activity payload: %w", err)
		}
		return &payload, nil
	case keys.ChainID != nil || len(keys.ERC20Transfers) > 0 || len(keys.Logs) > 0:
		var payload StreamPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("malformed stream payload: %w", err)
		}
		return &payload, nil
	}
	return &UnknownPayload{Raw: append(json.RawMessage(nil), raw...)}, nil
}

// parseIndex accepts hex ("0x1a") and decimal ("26") numbers.
func parseIndex(value string) *uint {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	var index uint64
	var err error
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		index, err = strconv.ParseUint(value[2:], 16, 64)
	} else {
		index, err = strconv.ParseUint(value, 10, 64)
	}
	if err != nil {
		return nil
	}
	result := uint(index)
	return &result
}
