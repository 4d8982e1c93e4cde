package cdp

import (
	"context"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// feeRateFor returns the 1e18-scaled simple rate accrued over elapsed
// seconds at an annual rate expressed in basis points.
func feeRateFor(rateBps, elapsed uint64) (*uint256.Int, error) {
	numerator, err := mul(uint256.NewInt(rateBps), uint256.NewInt(elapsed))
	if err != nil {
		return nil, err
	}
	return mulDiv(numerator, Precision, uint256.NewInt(bpsDenominator*secondsPerYear))
}

// accrue brings the fee index of token up to the transaction time and books
// the fee owed on its outstanding debt as protocol revenue. Calling it again
// within the same second is a no-op. Accrual stops once shutdown is active.
func (tx *txn) accrue(ctx context.Context, token common.Address) error {
	ct, ok := tx.state.collateral(token)
	if !ok {
		return ErrUnknownCollateral
	}
	if tx.state.emergency.ShutdownActive {
		return nil
	}
	now := tx.now.Time
	if now <= ct.LastFeeAccrualTime || ct.StabilityFeeRateBps == 0 {
		return nil
	}
	rate, err := feeRateFor(ct.StabilityFeeRateBps, now-ct.LastFeeAccrualTime)
	if err != nil {
		return err
	}
	growth, err := add(Precision, rate)
	if err != nil {
		return err
	}
	oldIndex := copyOrZero(ct.FeeAccumulator)
	if oldIndex.IsZero() {
		oldIndex = new(uint256.Int).Set(Precision)
	}
	newIndex, err := mulDiv(oldIndex, growth, Precision)
	if err != nil {
		return err
	}
	delta, err := sub(newIndex, oldIndex)
	if err != nil {
		return err
	}
	fee, err := mulDiv(ct.TotalDebtMinted, delta, oldIndex)
	if err != nil {
		return err
	}

	global := tx.state.global.Clone()
	// Fees never push a total past its ceiling; the index still advances.
	fee = minOf(fee, subFloor(ct.DebtCeiling, ct.TotalDebtMinted))
	fee = minOf(fee, subFloor(global.GlobalDebtCeiling, global.TotalDebtIssued))

	next := ct.Clone()
	next.FeeAccumulator = newIndex
	next.LastFeeAccrualTime = now
	if fee.IsZero() {
		tx.putCollateral(next)
		return nil
	}
	if next.TotalDebtMinted, err = add(next.TotalDebtMinted, fee); err != nil {
		return err
	}
	if global.TotalDebtIssued, err = add(global.TotalDebtIssued, fee); err != nil {
		return err
	}
	if global.ProtocolRevenue, err = add(global.ProtocolRevenue, fee); err != nil {
		return err
	}
	tx.putCollateral(next)
	tx.setGlobal(global)

	if sink := tx.engine.cfg.RevenueSink; sink != (common.Address{}) {
		amount := new(uint256.Int).Set(fee)
		tx.interact("mint_fee", func(ctx context.Context) error {
			return tx.engine.token.Mint(ctx, sink, amount)
		}, func(ctx context.Context) error {
			return tx.engine.token.Burn(ctx, sink, amount)
		})
	}
	tx.emit(EventTypeFeeAccrued, map[string]string{
		"collateral": token.Hex(),
		"fee":        fee.Dec(),
		"index":      newIndex.Dec(),
		"elapsed":    strconv.FormatUint(now-ct.LastFeeAccrualTime, 10),
	})
	return nil
}

// accrueAll accrues every registered collateral type.
func (tx *txn) accrueAll(ctx context.Context) error {
	for _, token := range tx.state.registered() {
		if err := tx.accrue(ctx, token); err != nil {
			return err
		}
	}
	return nil
}

// releaseDebt retires amount from the per-type totals, starting with token
// and spilling over to the remaining types, and from the global total.
func (tx *txn) releaseDebt(token common.Address, amount *uint256.Int) error {
	if isZero(amount) {
		return nil
	}
	remaining := new(uint256.Int).Set(amount)
	order := make([]common.Address, 0, len(tx.state.collaterals))
	if _, ok := tx.state.collateral(token); ok {
		order = append(order, token)
	}
	for _, candidate := range tx.state.tokens.list() {
		if candidate != token {
			order = append(order, candidate)
		}
	}
	for _, candidate := range tx.state.registered() {
		if candidate != token && !tx.state.tokens.contains(candidate) {
			order = append(order, candidate)
		}
	}
	for _, candidate := range order {
		if remaining.IsZero() {
			break
		}
		ct, _ := tx.state.collateral(candidate)
		if isZero(ct.TotalDebtMinted) {
			continue
		}
		take := minOf(ct.TotalDebtMinted, remaining)
		next := ct.Clone()
		next.TotalDebtMinted = new(uint256.Int).Sub(next.TotalDebtMinted, take)
		tx.putCollateral(next)
		remaining.Sub(remaining, take)
	}
	if !remaining.IsZero() {
		return ErrArithmeticUnderflow
	}
	global := tx.state.global.Clone()
	issued, err := sub(global.TotalDebtIssued, amount)
	if err != nil {
		return err
	}
	global.TotalDebtIssued = issued
	tx.setGlobal(global)
	return nil
}

// Accrue settles stability fees for token up to the current time. It is
// callable by anyone and idempotent within a second.
func (e *Engine) Accrue(ctx context.Context, token common.Address) error {
	return e.execute(ctx, opScope{name: "accrue", collateral: token}, func(ctx context.Context, tx *txn) error {
		return tx.accrue(ctx, token)
	})
}
