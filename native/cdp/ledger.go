package cdp

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Deposit moves amount of an enabled collateral from user into engine
// custody.
func (e *Engine) Deposit(ctx context.Context, user, token common.Address, amount *uint256.Int) error {
	return e.execute(ctx, opScope{name: "deposit", user: user, collateral: token}, func(ctx context.Context, tx *txn) error {
		if user == (common.Address{}) {
			return ErrZeroAddress
		}
		if isZero(amount) {
			return ErrInvalidAmount
		}
		if err := e.requireOperational(); err != nil {
			return err
		}
		if err := requireEnabled(tx.state, token); err != nil {
			return err
		}
		if e.oracle.IsStale(ctx, token) {
			return ErrStalePrice
		}
		if err := tx.requireSlot(user); err != nil {
			return err
		}
		if err := tx.accrue(ctx, token); err != nil {
			return err
		}

		balance, err := add(tx.state.balance(user, token), amount)
		if err != nil {
			return err
		}
		held, err := add(tx.state.heldOf(token), amount)
		if err != nil {
			return err
		}
		tx.setBalance(user, token, balance)
		tx.setHeld(token, held)
		tx.invalidateCache(user)
		tx.markSlot(user)

		moved := new(uint256.Int).Set(amount)
		tx.interact("transfer_in", func(ctx context.Context) error {
			return e.vault.TransferIn(ctx, token, user, moved)
		}, func(ctx context.Context) error {
			return e.vault.TransferOut(ctx, token, user, moved)
		})
		tx.notifyRewards(user, token, moved, false)
		tx.emit(EventTypeDeposit, map[string]string{
			"user":       user.Hex(),
			"collateral": token.Hex(),
			"amount":     amount.Dec(),
			"balance":    balance.Dec(),
		})
		return nil
	})
}

// Withdraw returns amount of collateral to user. A user carrying debt must
// remain healthy on the remaining collateral; the USD value withdrawn counts
// towards the daily withdraw window.
func (e *Engine) Withdraw(ctx context.Context, user, token common.Address, amount *uint256.Int) error {
	return e.execute(ctx, opScope{name: "withdraw", user: user, collateral: token}, func(ctx context.Context, tx *txn) error {
		if user == (common.Address{}) {
			return ErrZeroAddress
		}
		if isZero(amount) {
			return ErrInvalidAmount
		}
		if err := e.requireOperational(); err != nil {
			return err
		}
		if _, ok := tx.state.collateral(token); !ok {
			return ErrUnknownCollateral
		}
		balance := tx.state.balance(user, token)
		if balance.Lt(amount) {
			return ErrInsufficientBalance
		}
		if e.oracle.IsStale(ctx, token) {
			return ErrStalePrice
		}
		if err := tx.requireSlot(user); err != nil {
			return err
		}
		if err := tx.accrue(ctx, token); err != nil {
			return err
		}

		remaining := new(uint256.Int).Sub(balance, amount)
		if debt := tx.state.debt(user); !debt.IsZero() {
			holdings := withBalance(tx.state.holdings(user), token, remaining)
			if err := e.requireFresh(ctx, holdings); err != nil {
				return err
			}
			after, err := e.valuate(ctx, holdings)
			if err != nil {
				return err
			}
			if err := e.requireHealthy(after, debt); err != nil {
				return err
			}
		}
		usd, err := e.oracle.USDValue(ctx, token, amount)
		if err != nil {
			return ErrOracleUnavailable
		}
		if err := tx.consumeWindow(user, RateLimitWithdraw, usd); err != nil {
			return err
		}

		held, err := sub(tx.state.heldOf(token), amount)
		if err != nil {
			return err
		}
		tx.setBalance(user, token, remaining)
		tx.setHeld(token, held)
		tx.invalidateCache(user)
		tx.markSlot(user)

		moved := new(uint256.Int).Set(amount)
		tx.interact("transfer_out", func(ctx context.Context) error {
			return e.vault.TransferOut(ctx, token, user, moved)
		}, func(ctx context.Context) error {
			return e.vault.TransferIn(ctx, token, user, moved)
		})
		tx.notifyRewards(user, token, moved, true)
		tx.emit(EventTypeWithdraw, map[string]string{
			"user":       user.Hex(),
			"collateral": token.Hex(),
			"amount":     amount.Dec(),
			"usd":        usd.Dec(),
			"balance":    remaining.Dec(),
		})
		return nil
	})
}

// Mint issues amount of the synthetic asset to user against token's debt
// ceiling.
func (e *Engine) Mint(ctx context.Context, user, token common.Address, amount *uint256.Int) error {
	return e.execute(ctx, opScope{name: "mint", user: user, collateral: token}, func(ctx context.Context, tx *txn) error {
		if user == (common.Address{}) {
			return ErrZeroAddress
		}
		if isZero(amount) {
			return ErrInvalidAmount
		}
		if err := e.requireOperational(); err != nil {
			return err
		}
		if err := requireEnabled(tx.state, token); err != nil {
			return err
		}
		if err := tx.requireSlot(user); err != nil {
			return err
		}
		if err := tx.accrue(ctx, token); err != nil {
			return err
		}

		ct, _ := tx.state.collateral(token)
		minted, err := add(ct.TotalDebtMinted, amount)
		if err != nil {
			return err
		}
		if minted.Gt(ct.DebtCeiling) {
			return ErrDebtCeilingExceeded
		}
		global := tx.state.global.Clone()
		issued, err := add(global.TotalDebtIssued, amount)
		if err != nil {
			return err
		}
		if issued.Gt(global.GlobalDebtCeiling) {
			return ErrGlobalCeiling
		}
		if err := tx.consumeWindow(user, RateLimitMint, amount); err != nil {
			return err
		}
		if err := e.requireFresh(ctx, tx.state.holdings(user)); err != nil {
			return err
		}
		debt, err := add(tx.state.debt(user), amount)
		if err != nil {
			return err
		}
		current, err := e.valuationOf(ctx, user, tx.now.Time)
		if err != nil {
			return err
		}
		if err := e.requireHealthy(current, debt); err != nil {
			return err
		}

		next := ct.Clone()
		next.TotalDebtMinted = minted
		global.TotalDebtIssued = issued
		tx.putCollateral(next)
		tx.setGlobal(global)
		tx.setDebt(user, debt)
		tx.invalidateCache(user)
		tx.markSlot(user)

		issuedAmount := new(uint256.Int).Set(amount)
		tx.interact("mint", func(ctx context.Context) error {
			return e.token.Mint(ctx, user, issuedAmount)
		}, func(ctx context.Context) error {
			return e.token.Burn(ctx, user, issuedAmount)
		})
		tx.emit(EventTypeMint, map[string]string{
			"user":       user.Hex(),
			"collateral": token.Hex(),
			"amount":     amount.Dec(),
			"debt":       debt.Dec(),
		})
		return nil
	})
}

// Repay burns up to amount of the synthetic asset from user and retires the
// same amount of debt. Amounts above the outstanding debt are clipped.
func (e *Engine) Repay(ctx context.Context, user, token common.Address, amount *uint256.Int) (*uint256.Int, error) {
	var repaid *uint256.Int
	err := e.execute(ctx, opScope{name: "repay", user: user, collateral: token}, func(ctx context.Context, tx *txn) error {
		if user == (common.Address{}) {
			return ErrZeroAddress
		}
		if isZero(amount) {
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
			return ErrNoDebt
		}
		if err := tx.accrue(ctx, token); err != nil {
			return err
		}

		repaid = minOf(amount, debt)
		tx.setDebt(user, new(uint256.Int).Sub(debt, repaid))
		if err := tx.releaseDebt(token, repaid); err != nil {
			return err
		}
		tx.invalidateCache(user)

		burned := new(uint256.Int).Set(repaid)
		tx.interact("burn", func(ctx context.Context) error {
			return e.token.Burn(ctx, user, burned)
		}, func(ctx context.Context) error {
			return e.token.Mint(ctx, user, burned)
		})
		tx.emit(EventTypeRepay, map[string]string{
			"user":       user.Hex(),
			"collateral": token.Hex(),
			"amount":     repaid.Dec(),
			"debt":       new(uint256.Int).Sub(debt, repaid).Dec(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repaid, nil
}

func requireEnabled(state *ledger, token common.Address) error {
	ct, ok := state.collateral(token)
	if !ok {
		return ErrUnknownCollateral
	}
	if !ct.Enabled {
		return ErrCollateralDisabled
	}
	return nil
}

// notifyRewards reports the USD value of a collateral change to the reward
// manager after commit. Failures are logged and ignored.
func (tx *txn) notifyRewards(user, token common.Address, amount *uint256.Int, negative bool) {
	e := tx.engine
	if e.rewards == nil {
		return
	}
	tx.advise(func(ctx context.Context) {
		usd, err := e.oracle.USDValue(ctx, token, amount)
		if err != nil {
			e.logger.Warn("cdp reward notification skipped",
				"user", user.Hex(),
				"collateral", token.Hex(),
				"error", err)
			return
		}
		delta := usd.ToBig()
		if negative {
			delta.Neg(delta)
		}
		if err := e.rewards.HandleCollateralChange(ctx, user, delta); err != nil {
			e.logger.Warn("cdp reward notification failed",
				"user", user.Hex(),
				"collateral", token.Hex(),
				"error", err)
		}
	})
}
