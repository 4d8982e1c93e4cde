package cdp

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// InitiateShutdown freezes normal operation and snapshots the collateral held
// by the engine together with the outstanding debt. Settlement shares are
// derived from that snapshot so the order in which users settle does not
// change what each receives.
func (e *Engine) InitiateShutdown(ctx context.Context) error {
	return e.execute(ctx, opScope{name: "shutdown"}, func(ctx context.Context, tx *txn) error {
		if err := e.authorize(ctx, CapEmergency); err != nil {
			return err
		}
		if tx.state.emergency.ShutdownActive {
			return ErrShutdownActive
		}
		if err := tx.accrueAll(ctx); err != nil {
			return err
		}

		totalUSD := zero()
		var snapshot []TokenAmount
		for _, token := range tx.state.registered() {
			held := tx.state.heldOf(token)
			if held.IsZero() {
				continue
			}
			usd, err := e.oracle.USDValue(ctx, token, held)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrOracleUnavailable, token.Hex(), err)
			}
			if totalUSD, err = add(totalUSD, usd); err != nil {
				return err
			}
			snapshot = append(snapshot, TokenAmount{Token: token, Amount: held})
		}
		totalDebt := copyOrZero(tx.state.global.TotalDebtIssued)
		price := copyOrZero(e.cfg.FallbackSettlementPrice)
		if !totalDebt.IsZero() {
			var err error
			if price, err = mulDiv(totalUSD, Precision, totalDebt); err != nil {
				return err
			}
		}
		tx.setEmergency(EmergencyState{
			ShutdownActive:       true,
			SettlementPrice:      price,
			SettlementTime:       tx.now.Time,
			TotalDebtAtShutdown:  totalDebt,
			CollateralAtShutdown: snapshot,
		})
		tx.advise(func(context.Context) {
			e.metrics.SetShutdown(true)
			e.logger.Error("cdp emergency shutdown initiated",
				"settlementPrice", price.Dec(),
				"totalDebt", totalDebt.Dec(),
				"collateralUSD", totalUSD.Dec())
		})
		tx.emit(EventTypeShutdown, map[string]string{
			"settlementPrice": price.Dec(),
			"totalDebt":       totalDebt.Dec(),
			"collateralUSD":   totalUSD.Dec(),
			"collaterals":     strconv.Itoa(len(snapshot)),
		})
		return nil
	})
}

// SettlePosition burns the user's entire debt and pays out, for every
// collateral held at shutdown, snapshot · userDebt / debtAtShutdown, clipped
// to what the engine still holds. A user settles once; afterwards their debt
// is zero and a repeated claim fails with ErrNoDebt.
func (e *Engine) SettlePosition(ctx context.Context, user common.Address) (*SettlementResult, error) {
	var result *SettlementResult
	err := e.execute(ctx, opScope{name: "settle", user: user}, func(ctx context.Context, tx *txn) error {
		if user == (common.Address{}) {
			return ErrZeroAddress
		}
		emergency := tx.state.emergency
		if !emergency.ShutdownActive {
			return ErrShutdownInactive
		}
		debt := tx.state.debt(user)
		if debt.IsZero() {
			return ErrNoDebt
		}
		if isZero(emergency.TotalDebtAtShutdown) {
			return ErrNoDebt
		}

		result = &SettlementResult{User: user, DebtBurned: new(uint256.Int).Set(debt)}
		for _, entry := range emergency.CollateralAtShutdown {
			share, err := mulDiv(entry.Amount, debt, emergency.TotalDebtAtShutdown)
			if err != nil {
				return err
			}
			held := tx.state.heldOf(entry.Token)
			share = minOf(share, held)
			if share.IsZero() {
				continue
			}
			tx.setHeld(entry.Token, new(uint256.Int).Sub(held, share))
			result.Payouts = append(result.Payouts, TokenAmount{Token: entry.Token, Amount: share})

			token, paid := entry.Token, new(uint256.Int).Set(share)
			tx.interact("transfer_out", func(ctx context.Context) error {
				return e.vault.TransferOut(ctx, token, user, paid)
			}, func(ctx context.Context) error {
				return e.vault.TransferIn(ctx, token, user, paid)
			})
		}
		tx.setDebt(user, zero())
		if err := tx.releaseDebt(common.Address{}, debt); err != nil {
			return err
		}
		tx.invalidateCache(user)

		burned := new(uint256.Int).Set(debt)
		tx.interact("burn", func(ctx context.Context) error {
			return e.token.Burn(ctx, user, burned)
		}, func(ctx context.Context) error {
			return e.token.Mint(ctx, user, burned)
		})
		tx.emit(EventTypeSettlement, map[string]string{
			"user":    user.Hex(),
			"debt":    debt.Dec(),
			"payouts": strconv.Itoa(len(result.Payouts)),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// WithdrawRevenue pays amount of accrued protocol revenue to recipient.
func (e *Engine) WithdrawRevenue(ctx context.Context, recipient common.Address, amount *uint256.Int) error {
	return e.execute(ctx, opScope{name: "withdraw_revenue", user: recipient}, func(ctx context.Context, tx *txn) error {
		if err := e.authorize(ctx, CapGovernance); err != nil {
			return err
		}
		if recipient == (common.Address{}) {
			return ErrZeroAddress
		}
		if isZero(amount) {
			return ErrInvalidAmount
		}
		global := tx.state.global.Clone()
		remaining, err := sub(global.ProtocolRevenue, amount)
		if err != nil {
			return ErrInsufficientBalance
		}
		global.ProtocolRevenue = remaining
		tx.setGlobal(global)

		paid := new(uint256.Int).Set(amount)
		if sink := e.cfg.RevenueSink; sink != (common.Address{}) {
			tx.interact("burn_revenue", func(ctx context.Context) error {
				return e.token.Burn(ctx, sink, paid)
			}, func(ctx context.Context) error {
				return e.token.Mint(ctx, sink, paid)
			})
		}
		tx.interact("mint_revenue", func(ctx context.Context) error {
			return e.token.Mint(ctx, recipient, paid)
		}, func(ctx context.Context) error {
			return e.token.Burn(ctx, recipient, paid)
		})
		tx.emit(EventTypeRevenueWithdrawn, map[string]string{
			"recipient": recipient.Hex(),
			"amount":    amount.Dec(),
			"remaining": remaining.Dec(),
		})
		return nil
	})
}
