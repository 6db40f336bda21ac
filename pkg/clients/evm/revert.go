package evm

import (
	"bytes"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	REVERT_PREFIX      = "execution reverted"
	REVERT_ERROR_CODE  = 3
	ALREADY_SENT       = "AlreadySent"
	ALREADY_PROCESSED  = "AlreadyProcessed"
	PHRASE_SENT        = "already sent"
	PHRASE_PROCESSED   = "already processed"
	PHRASE_PROCESSED_2 = "already delivered"
)

// RevertError is the shape of a node-side revert: eth_call and eth_estimateGas return
// JSON-RPC error code 3 with the revert payload in the data field.
type RevertError struct {
	Message string
	Data    []byte
}

var (
	_ rpc.Error     = (*RevertError)(nil)
	_ rpc.DataError = (*RevertError)(nil)
)

func (e *RevertError) Error() string {
	if e.Message == "" {
		return REVERT_PREFIX
	}
	return e.Message
}

func (e *RevertError) ErrorCode() int { return REVERT_ERROR_CODE }

func (e *RevertError) ErrorData() interface{} { return hexutil.Encode(e.Data) }

// RevertData extracts the raw revert payload carried by an RPC error, if any.
func RevertData(err error) []byte {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil
	}
	switch data := dataErr.ErrorData().(type) {
	case string:
		decoded, decodeErr := hexutil.Decode(data)
		if decodeErr != nil {
			return nil
		}
		return decoded
	case []byte:
		return data
	}
	return nil
}

// IsRevert separates contract reverts from transport failures.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == REVERT_ERROR_CODE {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), REVERT_PREFIX)
}

// RevertReason decodes Error(string), known custom errors, or falls back to the node message.
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	data := RevertData(err)
	if len(data) >= 4 {
		if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
			return reason
		}
		if name, ok := customErrorName(data); ok {
			return name
		}
		return hexutil.Encode(data[:4])
	}
	msg := err.Error()
	if idx := strings.Index(msg, REVERT_PREFIX+": "); idx >= 0 {
		return msg[idx+len(REVERT_PREFIX)+2:]
	}
	return msg
}

func customErrorName(data []byte) (string, bool) {
	for _, contractAbi := range []*abi.ABI{&OutboxABI, &InboxABI} {
		for name, abiErr := range contractAbi.Errors {
			if bytes.Equal(abiErr.ID[:4], data[:4]) {
				return name, true
			}
		}
	}
	return "", false
}

// IsAlreadySent reports an outbox revert for a deposit that was already emitted.
func IsAlreadySent(err error) bool {
	return matchesRevert(err, ALREADY_SENT, PHRASE_SENT)
}

// IsAlreadyProcessed reports an inbox revert for a message that was already consumed.
func IsAlreadyProcessed(err error) bool {
	return matchesRevert(err, ALREADY_PROCESSED, PHRASE_PROCESSED, PHRASE_PROCESSED_2)
}

func matchesRevert(err error, errorName string, phrases ...string) bool {
	if err == nil {
		return false
	}
	reason := RevertReason(err)
	if reason == errorName {
		return true
	}
	lower := strings.ToLower(reason + " " + err.Error())
	for _, phrase := range phrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
