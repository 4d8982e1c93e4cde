package common

import (
	"errors"

	"github.com/holiman/uint256"
)

var (
	ErrWindowCapExceeded     = errors.New("window cap exceeded")
	ErrWindowCounterOverflow = errors.New("window counter overflow")
)

// Window captures the usage accumulated since ResetTime.
type Window struct {
	Used      *uint256.Int
	ResetTime uint64
}

// WindowLimit bounds the usage allowed within a rolling period.
type WindowLimit struct {
	Cap    *uint256.Int
	Period uint64
}

// Expired reports whether the window has lapsed at now and must restart.
func (w Window) Expired(limit WindowLimit, now uint64) bool {
	if w.Used == nil && w.ResetTime == 0 {
		return true
	}
	return now > w.ResetTime+limit.Period
}

// CheckWindow verifies whether amount fits in the rolling window. A lapsed
// window restarts at now before the amount is applied. On denial prev is
// returned unchanged. A nil cap disables the limit.
func CheckWindow(limit WindowLimit, now uint64, prev Window, amount *uint256.Int) (Window, error) {
	next := Window{Used: new(uint256.Int), ResetTime: prev.ResetTime}
	if prev.Used != nil {
		next.Used.Set(prev.Used)
	}
	if prev.Expired(limit, now) {
		next = Window{Used: new(uint256.Int), ResetTime: now}
	}
	if amount != nil {
		if _, overflow := next.Used.AddOverflow(next.Used, amount); overflow {
			return prev, ErrWindowCounterOverflow
		}
	}
	if limit.Cap != nil && next.Used.Gt(limit.Cap) {
		return prev, ErrWindowCapExceeded
	}
	return next, nil
}
