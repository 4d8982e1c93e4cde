package cdp

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	nativecommon "usq/native/common"
)

func (e *Engine) windowLimit(kind RateLimitKind) (nativecommon.WindowLimit, error) {
	limit := nativecommon.WindowLimit{Period: e.cfg.RateLimitWindowSeconds}
	switch kind {
	case RateLimitMint:
		limit.Cap = e.cfg.DailyMintCap
	case RateLimitWithdraw:
		limit.Cap = e.cfg.DailyWithdrawCapUSD
	default:
		return limit, ErrUnknownRateLimitKind
	}
	return limit, nil
}

// consumeWindow charges amount against the user's rolling window of kind.
// A window older than the period restarts at the transaction time first.
func (tx *txn) consumeWindow(user common.Address, kind RateLimitKind, amount *uint256.Int) error {
	limit, err := tx.engine.windowLimit(kind)
	if err != nil {
		return err
	}
	var prev nativecommon.Window
	if stored, ok := tx.state.windows[windowKey{user: user, kind: kind}]; ok {
		prev = nativecommon.Window{Used: copyOrZero(stored.AmountUsedInWindow), ResetTime: stored.WindowResetTime}
	}
	next, err := nativecommon.CheckWindow(limit, tx.now.Time, prev, amount)
	switch {
	case errors.Is(err, nativecommon.ErrWindowCapExceeded):
		return ErrRateLimited
	case errors.Is(err, nativecommon.ErrWindowCounterOverflow):
		return ErrArithmeticOverflow
	case err != nil:
		return err
	}
	tx.setWindow(user, kind, RateLimitWindow{AmountUsedInWindow: next.Used, WindowResetTime: next.ResetTime})
	return nil
}

// RateWindow reports the stored window for a user and the cap it is held to.
// A lapsed window is reported as empty.
func (e *Engine) RateWindow(user common.Address, kind RateLimitKind) (RateLimitWindow, *uint256.Int, error) {
	now := e.clock.Now().Time
	limit, err := e.windowLimit(kind)
	if err != nil {
		return RateLimitWindow{}, nil, err
	}
	stored, ok := e.state.windows[windowKey{user: user, kind: kind}]
	if !ok {
		return RateLimitWindow{AmountUsedInWindow: zero()}, copyOrZero(limit.Cap), nil
	}
	window := nativecommon.Window{Used: stored.AmountUsedInWindow, ResetTime: stored.WindowResetTime}
	if window.Expired(limit, now) {
		return RateLimitWindow{AmountUsedInWindow: zero(), WindowResetTime: now}, copyOrZero(limit.Cap), nil
	}
	return RateLimitWindow{
		AmountUsedInWindow: copyOrZero(stored.AmountUsedInWindow),
		WindowResetTime:    stored.WindowResetTime,
	}, copyOrZero(limit.Cap), nil
}
