package types

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrNotFinal         = errors.New("block not final")
	ErrNoRelayer        = errors.New("no relayer key available")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrStageConflict    = errors.New("deposit stage changed concurrently")
)

// ConfigError is returned for missing or invalid keys, addresses and chain settings.
type ConfigError struct {
	Field string
	Err   error
}

func NewConfigError(field string, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config error: %v", e.Err)
	}
	return fmt.Sprintf("config error [%s]: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

type DenyReason string

const (
	DenySessionNotFound     DenyReason = "session_not_found"
	DenyTraderMismatch      DenyReason = "trader_mismatch"
	DenySessionRevoked      DenyReason = "session_revoked"
	DenySessionExpired      DenyReason = "session_expired"
	DenyOrderbookNotAllowed DenyReason = "orderbook_not_allowed"
	DenyRelayerNotInSet     DenyReason = "relayer_not_in_set"
	DenyMethodNotAllowed    DenyReason = "method_not_allowed"
	DenyPerTradeCap         DenyReason = "per_trade_cap_exceeded"
	DenySessionCap          DenyReason = "session_cap_exceeded"
	DenyUnpricedOrder       DenyReason = "unpriced_order"
	DenyBadSignature        DenyReason = "bad_permit_signature"
	DenyMarketSettled       DenyReason = "market_settled"
)

// AuthDenied is a session authorization failure. Never retried automatically.
type AuthDenied struct {
	Reason DenyReason
	Detail string
}

func Deny(reason DenyReason, format string, args ...any) *AuthDenied {
	return &AuthDenied{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func (e *AuthDenied) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("authorization denied: %s", e.Reason)
	}
	return fmt.Sprintf("authorization denied: %s: %s", e.Reason, e.Detail)
}

// SimulateFailed is a dry-run revert. The attempt is aborted and state left for the next cycle.
type SimulateFailed struct {
	Label  string
	Reason string
	Err    error
}

func (e *SimulateFailed) Error() string {
	return fmt.Sprintf("simulate %s failed: %s", e.Label, e.Reason)
}

func (e *SimulateFailed) Unwrap() error { return e.Err }

// DispatchTransient means the retry budget for nonce/fee conflicts was exhausted.
type DispatchTransient struct {
	Attempts int
	Err      error
}

func (e *DispatchTransient) Error() string {
	return fmt.Sprintf("dispatch failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *DispatchTransient) Unwrap() error { return e.Err }

// DispatchFatal is any non-retryable submission failure.
type DispatchFatal struct {
	Label string
	Err   error
}

func (e *DispatchFatal) Error() string {
	return fmt.Sprintf("dispatch %s failed: %v", e.Label, e.Err)
}

func (e *DispatchFatal) Unwrap() error { return e.Err }

// AlreadyProcessed is an idempotency short-circuit and counts as success.
type AlreadyProcessed struct {
	DepositID string
	Source    string
}

func (e *AlreadyProcessed) Error() string {
	return fmt.Sprintf("deposit %s already processed (%s)", e.DepositID, e.Source)
}

func IsAlreadyProcessed(err error) bool {
	var target *AlreadyProcessed
	return errors.As(err, &target)
}

func IsAuthDenied(err error) bool {
	var target *AuthDenied
	return errors.As(err, &target)
}

func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}
