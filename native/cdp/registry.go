package cdp

import (
	"context"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	MinLiquidationThresholdPct = 110
	MaxLiquidationThresholdPct = 200
	MaxStabilityFeeRateBps     = 1_000
)

var (
	// MinDebtCeiling is 10 thousand whole units.
	MinDebtCeiling = wad(10_000)
	// MaxDebtCeiling is one billion whole units.
	MaxDebtCeiling = wad(1_000_000_000)
)

func validateThreshold(pct uint64) error {
	if pct < MinLiquidationThresholdPct || pct > MaxLiquidationThresholdPct {
		return ErrInvalidThreshold
	}
	return nil
}

func validateDebtCeiling(ceiling *uint256.Int) error {
	if ceiling == nil || ceiling.Lt(MinDebtCeiling) || ceiling.Gt(MaxDebtCeiling) {
		return ErrInvalidDebtCeiling
	}
	return nil
}

func validateFeeRate(bps uint64) error {
	if bps > MaxStabilityFeeRateBps {
		return ErrInvalidFeeRate
	}
	return nil
}

// AddCollateral registers a collateral type or re-enables a removed one.
// Re-enabling keeps the running debt total and fee index.
func (e *Engine) AddCollateral(ctx context.Context, token common.Address, thresholdPct uint64, debtCeiling *uint256.Int, feeRateBps uint64) error {
	return e.execute(ctx, opScope{name: "add_collateral", collateral: token}, func(ctx context.Context, tx *txn) error {
		if err := e.authorize(ctx, CapGovernance); err != nil {
			return err
		}
		if token == (common.Address{}) {
			return ErrZeroAddress
		}
		if err := validateThreshold(thresholdPct); err != nil {
			return err
		}
		if err := validateDebtCeiling(debtCeiling); err != nil {
			return err
		}
		if err := validateFeeRate(feeRateBps); err != nil {
			return err
		}
		ct, exists := tx.state.collateral(token)
		var next *CollateralType
		if exists {
			if ct.Enabled {
				return ErrCollateralExists
			}
			if err := tx.accrue(ctx, token); err != nil {
				return err
			}
			current, _ := tx.state.collateral(token)
			if debtCeiling.Lt(current.TotalDebtMinted) {
				return ErrInvalidDebtCeiling
			}
			next = current.Clone()
		} else {
			next = &CollateralType{
				Token:           token,
				TotalDebtMinted: zero(),
				FeeAccumulator:  new(uint256.Int).Set(Precision),
			}
		}
		next.LiquidationThresholdPct = thresholdPct
		next.DebtCeiling = new(uint256.Int).Set(debtCeiling)
		next.StabilityFeeRateBps = feeRateBps
		next.LastFeeAccrualTime = tx.now.Time
		next.Enabled = true
		tx.putCollateral(next)
		tx.addToken(token)
		tx.emit(EventTypeCollateralAdded, map[string]string{
			"collateral":  token.Hex(),
			"threshold":   strconv.FormatUint(thresholdPct, 10),
			"debtCeiling": debtCeiling.Dec(),
			"feeRateBps":  strconv.FormatUint(feeRateBps, 10),
		})
		return nil
	})
}

// RemoveCollateral disables a collateral type. Existing balances stay
// withdrawable and liquidatable but no longer count towards valuations.
func (e *Engine) RemoveCollateral(ctx context.Context, token common.Address) error {
	return e.execute(ctx, opScope{name: "remove_collateral", collateral: token}, func(ctx context.Context, tx *txn) error {
		if err := e.authorize(ctx, CapGovernance); err != nil {
			return err
		}
		ct, ok := tx.state.collateral(token)
		if !ok {
			return ErrUnknownCollateral
		}
		if !ct.Enabled {
			return ErrCollateralDisabled
		}
		if err := tx.accrue(ctx, token); err != nil {
			return err
		}
		current, _ := tx.state.collateral(token)
		next := current.Clone()
		next.Enabled = false
		tx.putCollateral(next)
		tx.removeToken(token)
		tx.emit(EventTypeCollateralRemoved, map[string]string{"collateral": token.Hex()})
		return nil
	})
}

// SetDebtCeiling updates the per-collateral debt cap. The cap may not drop
// below the debt already minted against the collateral.
func (e *Engine) SetDebtCeiling(ctx context.Context, token common.Address, ceiling *uint256.Int) error {
	return e.execute(ctx, opScope{name: "set_debt_ceiling", collateral: token}, func(ctx context.Context, tx *txn) error {
		if err := e.authorize(ctx, CapGovernance); err != nil {
			return err
		}
		if err := validateDebtCeiling(ceiling); err != nil {
			return err
		}
		if _, ok := tx.state.collateral(token); !ok {
			return ErrUnknownCollateral
		}
		if err := tx.accrue(ctx, token); err != nil {
			return err
		}
		current, _ := tx.state.collateral(token)
		if ceiling.Lt(current.TotalDebtMinted) {
			return ErrInvalidDebtCeiling
		}
		next := current.Clone()
		next.DebtCeiling = new(uint256.Int).Set(ceiling)
		tx.putCollateral(next)
		tx.emit(EventTypeParamsUpdated, map[string]string{
			"collateral":  token.Hex(),
			"debtCeiling": ceiling.Dec(),
		})
		return nil
	})
}

// SetStabilityFeeRate changes the annual fee rate after settling fees owed
// at the previous rate.
func (e *Engine) SetStabilityFeeRate(ctx context.Context, token common.Address, feeRateBps uint64) error {
	return e.execute(ctx, opScope{name: "set_fee_rate", collateral: token}, func(ctx context.Context, tx *txn) error {
		if err := e.authorize(ctx, CapGovernance); err != nil {
			return err
		}
		if err := validateFeeRate(feeRateBps); err != nil {
			return err
		}
		if _, ok := tx.state.collateral(token); !ok {
			return ErrUnknownCollateral
		}
		if err := tx.accrue(ctx, token); err != nil {
			return err
		}
		current, _ := tx.state.collateral(token)
		next := current.Clone()
		next.StabilityFeeRateBps = feeRateBps
		next.LastFeeAccrualTime = tx.now.Time
		tx.putCollateral(next)
		tx.emit(EventTypeParamsUpdated, map[string]string{
			"collateral": token.Hex(),
			"feeRateBps": strconv.FormatUint(feeRateBps, 10),
		})
		return nil
	})
}

// SetGlobalDebtCeiling updates the system-wide debt cap.
func (e *Engine) SetGlobalDebtCeiling(ctx context.Context, ceiling *uint256.Int) error {
	return e.execute(ctx, opScope{name: "set_global_ceiling"}, func(ctx context.Context, tx *txn) error {
		if err := e.authorize(ctx, CapGovernance); err != nil {
			return err
		}
		if isZero(ceiling) || ceiling.Lt(tx.state.global.TotalDebtIssued) {
			return ErrInvalidDebtCeiling
		}
		global := tx.state.global.Clone()
		global.GlobalDebtCeiling = new(uint256.Int).Set(ceiling)
		tx.setGlobal(global)
		tx.emit(EventTypeParamsUpdated, map[string]string{"globalDebtCeiling": ceiling.Dec()})
		return nil
	})
}

// SetPaused halts or resumes user-facing mutations.
func (e *Engine) SetPaused(ctx context.Context, paused bool) error {
	return e.execute(ctx, opScope{name: "set_paused"}, func(ctx context.Context, tx *txn) error {
		if err := e.authorize(ctx, CapGovernance); err != nil {
			return err
		}
		global := tx.state.global.Clone()
		global.Paused = paused
		tx.setGlobal(global)
		tx.emit(EventTypeParamsUpdated, map[string]string{"paused": strconv.FormatBool(paused)})
		return nil
	})
}
