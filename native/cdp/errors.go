package cdp

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "usq/native/common"
)

// ErrorKind classifies engine failures so callers can tell user mistakes,
// solvency rejections, lifecycle conflicts and price-feed outages apart.
type ErrorKind uint8

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindSolvency
	KindState
	KindOracle
	KindPermission
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSolvency:
		return "solvency"
	case KindState:
		return "state"
	case KindOracle:
		return "oracle"
	case KindPermission:
		return "permission"
	default:
		return "internal"
	}
}

// Validation errors.
var (
	ErrInvalidAmount        = errors.New("cdp: amount must be positive")
	ErrZeroAddress          = errors.New("cdp: zero address")
	ErrInvalidThreshold     = errors.New("cdp: liquidation threshold out of range")
	ErrInvalidDebtCeiling   = errors.New("cdp: debt ceiling out of range")
	ErrInvalidFeeRate       = errors.New("cdp: stability fee rate out of range")
	ErrInvalidConfig        = errors.New("cdp: invalid configuration")
	ErrInsufficientBalance  = errors.New("cdp: insufficient collateral balance")
	ErrLiquidationTooLarge  = errors.New("cdp: debt to cover exceeds liquidatable maximum")
	ErrSelfLiquidation      = errors.New("cdp: liquidator cannot target own position")
	ErrArithmeticOverflow   = errors.New("cdp: arithmetic overflow")
	ErrArithmeticUnderflow  = errors.New("cdp: arithmetic underflow")
	ErrDivisionByZero       = errors.New("cdp: division by zero")
	ErrUnknownRateLimitKind = errors.New("cdp: unknown rate limit kind")
)

// Solvency errors.
var (
	ErrUnhealthyPosition   = errors.New("cdp: position health factor below 1")
	ErrNotLiquidatable     = errors.New("cdp: position not eligible for liquidation")
	ErrDebtCeilingExceeded = errors.New("cdp: collateral debt ceiling exceeded")
	ErrGlobalCeiling       = errors.New("cdp: global debt ceiling exceeded")
	ErrNoDebt              = errors.New("cdp: no outstanding debt")
)

// State errors.
var (
	ErrCollateralDisabled = errors.New("cdp: collateral not enabled")
	ErrCollateralExists   = errors.New("cdp: collateral already enabled")
	ErrUnknownCollateral  = errors.New("cdp: unknown collateral")
	ErrShutdownActive     = errors.New("cdp: emergency shutdown active")
	ErrShutdownInactive   = errors.New("cdp: emergency shutdown not active")
	ErrReentrantCall      = errors.New("cdp: reentrant call rejected")
	ErrRateLimited        = errors.New("cdp: rate limit window exhausted")
	ErrSameSlot           = errors.New("cdp: action already performed in this slot")
)

// Oracle errors.
var (
	ErrStalePrice        = errors.New("cdp: oracle price stale")
	ErrOracleUnavailable = errors.New("cdp: oracle unavailable")
)

// Internal errors.
var (
	ErrCommitFailed      = errors.New("cdp: state commit failed")
	ErrInteractionFailed = errors.New("cdp: external transfer failed")
)

// Permission errors.
var ErrUnauthorized = errors.New("cdp: caller lacks capability")

var errorKinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInvalidAmount, KindValidation},
	{ErrZeroAddress, KindValidation},
	{ErrInvalidThreshold, KindValidation},
	{ErrInvalidDebtCeiling, KindValidation},
	{ErrInvalidFeeRate, KindValidation},
	{ErrInvalidConfig, KindValidation},
	{ErrInsufficientBalance, KindValidation},
	{ErrLiquidationTooLarge, KindValidation},
	{ErrSelfLiquidation, KindValidation},
	{ErrArithmeticOverflow, KindInternal},
	{ErrArithmeticUnderflow, KindInternal},
	{ErrDivisionByZero, KindInternal},
	{ErrUnknownRateLimitKind, KindValidation},
	{ErrUnhealthyPosition, KindSolvency},
	{ErrNotLiquidatable, KindSolvency},
	{ErrDebtCeilingExceeded, KindSolvency},
	{ErrGlobalCeiling, KindSolvency},
	{ErrNoDebt, KindSolvency},
	{ErrCollateralDisabled, KindState},
	{ErrCollateralExists, KindState},
	{ErrUnknownCollateral, KindState},
	{ErrShutdownActive, KindState},
	{ErrShutdownInactive, KindState},
	{ErrReentrantCall, KindState},
	{ErrRateLimited, KindState},
	{ErrSameSlot, KindState},
	{ErrCommitFailed, KindInternal},
	{ErrInteractionFailed, KindInternal},
	{nativecommon.ErrModulePaused, KindState},
	{ErrStalePrice, KindOracle},
	{ErrOracleUnavailable, KindOracle},
	{ErrUnauthorized, KindPermission},
}

// KindOf walks the wrapped error chain and reports the kind of the first
// engine sentinel found. Errors that originate outside the engine are
// reported as KindInternal.
func KindOf(err error) ErrorKind {
	if kind, ok := kindOf(err); ok {
		return kind
	}
	return KindInternal
}

func kindOf(err error) (ErrorKind, bool) {
	if err == nil {
		return KindInternal, false
	}
	for _, entry := range errorKinds {
		if err == entry.err {
			return entry.kind, true
		}
	}
	switch wrapped := err.(type) {
	case interface{ Unwrap() error }:
		return kindOf(wrapped.Unwrap())
	case interface{ Unwrap() []error }:
		for _, inner := range wrapped.Unwrap() {
			if kind, ok := kindOf(inner); ok {
				return kind, true
			}
		}
	}
	return KindInternal, false
}

// OpError annotates a failure with the operation, user and collateral it
// concerned so operators can route alerts without parsing messages.
type OpError struct {
	Op         string
	User       common.Address
	Collateral common.Address
	Err        error
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.User != (common.Address{}) {
		msg += " user=" + e.User.Hex()
	}
	if e.Collateral != (common.Address{}) {
		msg += " collateral=" + e.Collateral.Hex()
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Kind reports the classification of the wrapped error.
func (e *OpError) Kind() ErrorKind { return KindOf(e.Err) }

func opError(op string, user, collateral common.Address, err error) error {
	if err == nil {
		return nil
	}
	var existing *OpError
	if errors.As(err, &existing) {
		return err
	}
	return &OpError{Op: op, User: user, Collateral: collateral, Err: err}
}
