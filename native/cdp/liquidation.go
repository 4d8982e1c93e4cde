package cdp

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// liquidationBonus returns base + urgency(hf) + size(debtToCover), each
// component capped by its configured maximum.
func (c Config) liquidationBonus(hf, debtToCover *uint256.Int) (*uint256.Int, error) {
	bonus := copyOrZero(c.BaseBonus)
	if hf.Lt(c.UrgencyThreshold) {
		urgency, err := mulDiv(new(uint256.Int).Sub(c.UrgencyThreshold, hf), c.UrgencySlope, Precision)
		if err != nil {
			return nil, err
		}
		if bonus, err = add(bonus, minOf(urgency, copyOrZero(c.MaxUrgencyBonus))); err != nil {
			return nil, err
		}
	}
	if debtToCover.Gt(c.SizeBonusFloor) {
		size, err := mulDiv(new(uint256.Int).Sub(debtToCover, c.SizeBonusFloor), c.SizeBonusSlope, Precision)
		if err != nil {
			return nil, err
		}
		if bonus, err = add(bonus, minOf(size, copyOrZero(c.MaxSizeBonus))); err != nil {
			return nil, err
		}
	}
	return bonus, nil
}

// Liquidate repays debtToCover of user's debt on behalf of liquidator in
// exchange for token collateral at a premium. When the user's balance of
// token cannot cover the premium-adjusted amount, the whole balance is
// seized and coverage is clipped to its value. If that was the user's last
// collateral, the uncovered remainder is written off the user's debt and
// recorded as bad debt.
func (e *Engine) Liquidate(ctx context.Context, liquidator, user, token common.Address, debtToCover *uint256.Int) (*LiquidationResult, error) {
	var result *LiquidationResult
	err := e.execute(ctx, opScope{name: "liquidate", user: user, collateral: token}, func(ctx context.Context, tx *txn) error {
		if user == (common.Address{}) || liquidator == (common.Address{}) {
			return ErrZeroAddress
		}
		if liquidator == user {
			return ErrSelfLiquidation
		}
		if isZero(debtToCover) {
			return ErrInvalidAmount
		}
		if err := e.requireOperational(); err != nil {
			return err
		}
		if _, ok := tx.state.collateral(token); !ok {
			return ErrUnknownCollateral
		}
		debt := tx.state.debt(user)
		if debt.IsZero() {
			return ErrNotLiquidatable
		}
		if err := tx.accrue(ctx, token); err != nil {
			return err
		}

		price, err := e.oracle.UpdateAndGetUSDValue(ctx, token, Precision)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
		}
		if price.IsZero() {
			return ErrOracleUnavailable
		}
		holdings := tx.state.holdings(user)
		others := make([]TokenAmount, 0, len(holdings))
		for _, holding := range holdings {
			if holding.Token != token {
				others = append(others, holding)
			}
		}
		if err := e.requireFresh(ctx, others); err != nil {
			return err
		}
		current, err := e.valuate(ctx, holdings)
		if err != nil {
			return err
		}
		hf, err := healthFactor(current, debt)
		if err != nil {
			return err
		}
		liquidatable := hf.Lt(Precision)
		e.metrics.RecordHealthCheck(!liquidatable)
		if !liquidatable {
			return ErrNotLiquidatable
		}
		maxLiquidatable, err := mulDiv(debt, e.cfg.MaxLiquidationFraction, Precision)
		if err != nil {
			return err
		}
		if debtToCover.Gt(maxLiquidatable) {
			return ErrLiquidationTooLarge
		}

		bonus, err := e.cfg.liquidationBonus(hf, debtToCover)
		if err != nil {
			return err
		}
		premium, err := add(Precision, bonus)
		if err != nil {
			return err
		}
		required, err := mulDiv(debtToCover, premium, price)
		if err != nil {
			return err
		}
		available := tx.state.balance(user, token)
		if available.IsZero() {
			return ErrInsufficientBalance
		}
		seized, covered := required, new(uint256.Int).Set(debtToCover)
		shortfall := new(uint256.Int)
		if required.Gt(available) {
			seized = available
			if covered, err = mulDiv(available, price, premium); err != nil {
				return err
			}
			covered = minOf(covered, debtToCover)
			// Only the user's last holding writes off the uncovered part.
			if len(others) == 0 {
				shortfall.Sub(debtToCover, covered)
			}
		}
		if covered.IsZero() && shortfall.IsZero() {
			return ErrInsufficientBalance
		}

		cleared, err := add(covered, shortfall)
		if err != nil {
			return err
		}
		tx.setDebt(user, new(uint256.Int).Sub(debt, cleared))
		if err := tx.releaseDebt(token, cleared); err != nil {
			return err
		}
		held, err := sub(tx.state.heldOf(token), seized)
		if err != nil {
			return err
		}
		tx.setBalance(user, token, new(uint256.Int).Sub(available, seized))
		tx.setHeld(token, held)
		if !shortfall.IsZero() {
			global := tx.state.global.Clone()
			if global.TotalBadDebt, err = add(global.TotalBadDebt, shortfall); err != nil {
				return err
			}
			tx.setGlobal(global)
		}
		tx.invalidateCache(user)

		if !covered.IsZero() {
			burned := new(uint256.Int).Set(covered)
			tx.interact("burn", func(ctx context.Context) error {
				return e.token.Burn(ctx, liquidator, burned)
			}, func(ctx context.Context) error {
				return e.token.Mint(ctx, liquidator, burned)
			})
		}
		if !seized.IsZero() {
			paid := new(uint256.Int).Set(seized)
			tx.interact("transfer_out", func(ctx context.Context) error {
				return e.vault.TransferOut(ctx, token, liquidator, paid)
			}, func(ctx context.Context) error {
				return e.vault.TransferIn(ctx, token, liquidator, paid)
			})
			tx.notifyRewards(user, token, paid, true)
		}

		result = &LiquidationResult{
			User:             user,
			Liquidator:       liquidator,
			Collateral:       token,
			DebtRequested:    new(uint256.Int).Set(debtToCover),
			DebtCovered:      covered,
			CollateralSeized: new(uint256.Int).Set(seized),
			Bonus:            bonus,
			Price:            price,
			HealthFactor:     hf,
			BadDebt:          shortfall,
		}
		tx.emit(EventTypeLiquidation, map[string]string{
			"user":         user.Hex(),
			"liquidator":   liquidator.Hex(),
			"collateral":   token.Hex(),
			"debtCovered":  covered.Dec(),
			"seized":       seized.Dec(),
			"bonus":        bonus.Dec(),
			"price":        price.Dec(),
			"healthFactor": hf.Dec(),
		})
		if !shortfall.IsZero() {
			tx.emit(EventTypeBadDebt, map[string]string{
				"user":       user.Hex(),
				"collateral": token.Hex(),
				"shortfall":  shortfall.Dec(),
			})
			recorded := new(uint256.Int).Set(shortfall)
			tx.advise(func(context.Context) {
				e.metrics.RecordBadDebt(recorded)
				e.logger.Error("cdp bad debt recognised",
					"user", user.Hex(),
					"collateral", token.Hex(),
					"shortfall", recorded.Dec())
			})
		}
		tx.advise(func(context.Context) { e.metrics.RecordLiquidation(token.Hex()) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
