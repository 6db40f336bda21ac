package dispatch

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/txpool"
	"github.com/scalarorg/session-relayer/config"
)

type ErrorClass int

const (
	ClassFatal ErrorClass = iota
	//node already has this nonce: refetch and move past it
	ClassNonceConflict
	//node refused the fee: bump and keep the nonce
	ClassUnderpriced
	//another pending tx owns the nonce slot: bump and move past it
	ClassReplacementUnderpriced
	//node already holds this signed tx: it was accepted, never re-sign
	ClassAlreadyKnown
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNonceConflict:
		return "nonce_conflict"
	case ClassUnderpriced:
		return "underpriced"
	case ClassReplacementUnderpriced:
		return "replacement_underpriced"
	case ClassAlreadyKnown:
		return "already_known"
	default:
		return "fatal"
	}
}

// RetryPolicy is shared by every submission path.
type RetryPolicy struct {
	MaxAttempts    int
	FeeBumpPercent int64
	Backoff        time.Duration
	Classify       func(error) ErrorClass
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    config.DEFAULT_MAX_ATTEMPTS,
		FeeBumpPercent: config.DEFAULT_FEE_BUMP_PERCENT,
		Backoff:        500 * time.Millisecond,
		Classify:       ClassifySendError,
	}
}

func NewRetryPolicy(cfg config.DispatchConfig) RetryPolicy {
	policy := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.FeeBumpPercent > 0 {
		policy.FeeBumpPercent = cfg.FeeBumpPercent
	}
	if cfg.Backoff > 0 {
		policy.Backoff = cfg.Backoff
	}
	return policy
}

func (p RetryPolicy) classify(err error) ErrorClass {
	if p.Classify == nil {
		return ClassifySendError(err)
	}
	return p.Classify(err)
}

// newBackOff caps the wait at four times the base interval.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	if p.Backoff <= 0 {
		return &backoff.ZeroBackOff{}
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Backoff
	exp.MaxInterval = 4 * p.Backoff
	exp.MaxElapsedTime = 0
	exp.Reset()
	return exp
}

// ClassifySendError maps eth_sendRawTransaction rejections. Nodes return these as plain
// JSON-RPC messages, so the txpool sentinels are matched by text as well.
func ClassifySendError(err error) ErrorClass {
	if err == nil {
		return ClassFatal
	}
	msg := strings.ToLower(err.Error())
	has := func(target error) bool {
		return errors.Is(err, target) || strings.Contains(msg, target.Error())
	}
	switch {
	case has(txpool.ErrReplaceUnderpriced):
		return ClassReplacementUnderpriced
	case has(txpool.ErrAlreadyKnown), strings.Contains(msg, "known transaction"):
		return ClassAlreadyKnown
	case has(core.ErrNonceTooLow), strings.Contains(msg, "nonce conflict"):
		return ClassNonceConflict
	case has(txpool.ErrUnderpriced), has(core.ErrFeeCapTooLow), strings.Contains(msg, "underpriced"):
		return ClassUnderpriced
	}
	return ClassFatal
}

var txHashPattern = regexp.MustCompile(`0x[0-9a-fA-F]{64}`)

// IsKnownTx reports whether an already-known rejection refers to sent. The txpool looks
// transactions up by hash, so a message without a hash can only mean this one; some
// clients name the hash ("known transaction: 0x...") and it must match.
func IsKnownTx(err error, sent common.Hash) bool {
	if ClassifySendError(err) != ClassAlreadyKnown {
		return false
	}
	match := txHashPattern.FindString(err.Error())
	return match == "" || common.HexToHash(match) == sent
}
