package cdp

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func pct(v uint64) *uint256.Int {
	// v is expressed in basis points of 1e18.
	return new(uint256.Int).Mul(uint256.NewInt(v), uint256.NewInt(100_000_000_000_000))
}

func setupUnderwater(t *testing.T, price *uint256.Int) *fixture {
	t.Helper()
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	f.deposit(t, alice, tokenA, units(1_000))
	f.mint(t, alice, tokenA, units(600))
	f.token.balances[keeper] = units(1_000)
	f.oracle.setPrice(tokenA, price)
	return f
}

func TestLiquidateWithUrgencyBonus(t *testing.T) {
	f := setupUnderwater(t, pct(7_200))
	ctx := context.Background()

	hf, err := f.engine.HealthFactor(ctx, alice)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if !hf.Eq(pct(8_000)) {
		t.Fatalf("expected health factor 0.8, got %s", hf)
	}

	res, err := f.engine.Liquidate(ctx, keeper, alice, tokenA, units(300))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if want := pct(875); !res.Bonus.Eq(want) {
		t.Fatalf("unexpected bonus: got %s want %s", res.Bonus, want)
	}
	wantSeized := mustDecimal(t, "453125000000000000000")
	if !res.CollateralSeized.Eq(wantSeized) {
		t.Fatalf("unexpected seized amount: got %s want %s", res.CollateralSeized, wantSeized)
	}
	if got := f.vault.walletOf(tokenA, keeper); !got.Eq(wantSeized) {
		t.Fatalf("liquidator received %s, want %s", got, wantSeized)
	}
	if got := f.engine.Position(alice).Debt; !got.Eq(units(300)) {
		t.Fatalf("expected debt halved, got %s", got)
	}
	if got := f.token.balanceOf(keeper); !got.Eq(units(700)) {
		t.Fatalf("liquidator payment not burned: %s", got)
	}
	if !res.BadDebt.IsZero() || !f.engine.Global().TotalBadDebt.IsZero() {
		t.Fatalf("unexpected bad debt")
	}
	wantBalance := new(uint256.Int).Sub(units(1_000), wantSeized)
	if got := f.engine.Position(alice).Balances[tokenA]; !got.Eq(wantBalance) {
		t.Fatalf("unexpected remaining collateral: %s", got)
	}
	if f.oracle.freshReads != 1 {
		t.Fatalf("expected one forced-fresh price read, got %d", f.oracle.freshReads)
	}
	if len(f.rewards.deltas) != 2 || f.rewards.deltas[1].Sign() >= 0 {
		t.Fatalf("expected negative reward delta, got %v", f.rewards.deltas)
	}
	f.checkInvariants(t)
}

func TestLiquidateRecordsBadDebt(t *testing.T) {
	f := setupUnderwater(t, pct(3_000))
	ctx := context.Background()

	res, err := f.engine.Liquidate(ctx, keeper, alice, tokenA, units(300))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !res.CollateralSeized.Eq(units(1_000)) {
		t.Fatalf("expected full balance seized, got %s", res.CollateralSeized)
	}
	wantCovered := mustDecimal(t, "272727272727272727272")
	if !res.DebtCovered.Eq(wantCovered) {
		t.Fatalf("unexpected covered debt: got %s want %s", res.DebtCovered, wantCovered)
	}
	shortfall := new(uint256.Int).Sub(units(300), wantCovered)
	if !res.BadDebt.Eq(shortfall) || !f.engine.Global().TotalBadDebt.Eq(shortfall) {
		t.Fatalf("bad debt %s / %s does not equal shortfall %s", res.BadDebt, f.engine.Global().TotalBadDebt, shortfall)
	}
	if got := f.engine.Position(alice).Debt; !got.Eq(units(300)) {
		t.Fatalf("expected covered debt and shortfall cleared, got %s", got)
	}
	if got := f.engine.Global().TotalDebtIssued; !got.Eq(units(300)) {
		t.Fatalf("written-off debt still outstanding: %s", got)
	}
	if f.sink.count(EventTypeBadDebt) != 1 {
		t.Fatalf("expected bad debt event")
	}
	f.checkInvariants(t)

	for i := 0; i < 3; i++ {
		if _, err := f.engine.Liquidate(ctx, keeper, alice, tokenA, units(150)); !errors.Is(err, ErrInsufficientBalance) {
			t.Fatalf("expected ErrInsufficientBalance on empty balance, got %v", err)
		}
	}
	if got := f.engine.Global().TotalBadDebt; !got.Eq(shortfall) {
		t.Fatalf("repeated liquidation grew bad debt to %s", got)
	}
	if got := f.engine.Position(alice).Debt; !got.Eq(units(300)) {
		t.Fatalf("repeated liquidation changed debt: %s", got)
	}
	if f.sink.count(EventTypeBadDebt) != 1 {
		t.Fatalf("unexpected extra bad debt events")
	}
}

func TestLiquidateCollateralUserDoesNotHold(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	f.addCollateral(t, tokenB, 150, 0)
	f.deposit(t, alice, tokenA, units(1_000))
	f.mint(t, alice, tokenA, units(600))
	f.token.balances[keeper] = units(1_000)
	f.oracle.setPrice(tokenA, pct(8_000))

	_, err := f.engine.Liquidate(context.Background(), keeper, alice, tokenB, units(300))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if !f.engine.Global().TotalBadDebt.IsZero() {
		t.Fatalf("bad debt recorded without seizure: %s", f.engine.Global().TotalBadDebt)
	}
	if got := f.engine.Position(alice).Debt; !got.Eq(units(600)) {
		t.Fatalf("debt changed: %s", got)
	}
	if !f.token.balanceOf(keeper).Eq(units(1_000)) {
		t.Fatalf("liquidator charged for a rejected liquidation")
	}
}

func TestLiquidateClipsWithoutBadDebtWhileOtherCollateralRemains(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	f.addCollateral(t, tokenB, 150, 0)
	f.deposit(t, alice, tokenA, units(1_000))
	f.deposit(t, alice, tokenB, units(100))
	f.mint(t, alice, tokenA, units(600))
	f.token.balances[keeper] = units(1_000)
	f.oracle.setPrice(tokenA, pct(6_000))
	ctx := context.Background()

	res, err := f.engine.Liquidate(ctx, keeper, alice, tokenB, units(300))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !res.CollateralSeized.Eq(units(100)) {
		t.Fatalf("expected whole B balance seized, got %s", res.CollateralSeized)
	}
	if res.DebtCovered.IsZero() || !res.DebtCovered.Lt(units(100)) {
		t.Fatalf("coverage not clipped to seized value: %s", res.DebtCovered)
	}
	if !res.BadDebt.IsZero() || !f.engine.Global().TotalBadDebt.IsZero() {
		t.Fatalf("bad debt recorded while collateral remains")
	}
	if got := f.engine.Position(alice).Debt; !got.Eq(new(uint256.Int).Sub(units(600), res.DebtCovered)) {
		t.Fatalf("unexpected remaining debt: %s", got)
	}
	if got := f.engine.Position(alice).Balances[tokenA]; !got.Eq(units(1_000)) {
		t.Fatalf("other collateral touched: %s", got)
	}
	if f.sink.count(EventTypeBadDebt) != 0 {
		t.Fatalf("unexpected bad debt event")
	}
	f.checkInvariants(t)
}

func TestLiquidateRejectsHealthyPosition(t *testing.T) {
	f := setupUnderwater(t, units(1))
	_, err := f.engine.Liquidate(context.Background(), keeper, alice, tokenA, units(100))
	if !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}
}

func TestLiquidateBounds(t *testing.T) {
	f := setupUnderwater(t, pct(7_200))
	ctx := context.Background()

	if _, err := f.engine.Liquidate(ctx, keeper, alice, tokenA, units(301)); !errors.Is(err, ErrLiquidationTooLarge) {
		t.Fatalf("expected ErrLiquidationTooLarge, got %v", err)
	}
	if _, err := f.engine.Liquidate(ctx, keeper, alice, tokenA, new(uint256.Int)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := f.engine.Liquidate(ctx, alice, alice, tokenA, units(1)); !errors.Is(err, ErrSelfLiquidation) {
		t.Fatalf("expected ErrSelfLiquidation, got %v", err)
	}
	if _, err := f.engine.Liquidate(ctx, keeper, bob, tokenA, units(1)); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable for debt-free user, got %v", err)
	}
}

func TestLiquidateRefusedWhenOracleFails(t *testing.T) {
	f := setupUnderwater(t, pct(7_200))
	f.oracle.failFresh = true

	_, err := f.engine.Liquidate(context.Background(), keeper, alice, tokenA, units(100))
	if !errors.Is(err, ErrOracleUnavailable) || KindOf(err) != KindOracle {
		t.Fatalf("expected oracle failure, got %v", err)
	}
	if got := f.engine.Position(alice).Debt; !got.Eq(units(600)) {
		t.Fatalf("state changed after refused liquidation: %s", got)
	}
}

func TestLiquidateBurnFailureRollsBack(t *testing.T) {
	f := setupUnderwater(t, pct(7_200))
	f.token.balances[keeper] = units(10)

	_, err := f.engine.Liquidate(context.Background(), keeper, alice, tokenA, units(300))
	if !errors.Is(err, errInsufficientSynthetic) {
		t.Fatalf("expected burn failure, got %v", err)
	}
	pos := f.engine.Position(alice)
	if !pos.Debt.Eq(units(600)) || !pos.Balances[tokenA].Eq(units(1_000)) {
		t.Fatalf("state changed after failed liquidation: %+v", pos)
	}
	if !f.vault.walletOf(tokenA, keeper).IsZero() {
		t.Fatalf("collateral paid despite failure")
	}
}

func TestLiquidationBonusComponents(t *testing.T) {
	cfg := DefaultConfig()

	bonus, err := cfg.liquidationBonus(units(1), units(1_000))
	if err != nil || !bonus.Eq(cfg.BaseBonus) {
		t.Fatalf("expected base bonus only, got %s (%v)", bonus, err)
	}
	bonus, _ = cfg.liquidationBonus(pct(1_000), units(1_000))
	if want := pct(1_000); !bonus.Eq(want) {
		t.Fatalf("urgency bonus not capped: got %s want %s", bonus, want)
	}
	bonus, _ = cfg.liquidationBonus(units(1), units(1_100_000))
	if want := pct(600); !bonus.Eq(want) {
		t.Fatalf("unexpected size bonus: got %s want %s", bonus, want)
	}
	bonus, _ = cfg.liquidationBonus(units(1), units(10_000_000))
	if want := pct(700); !bonus.Eq(want) {
		t.Fatalf("size bonus not capped: got %s want %s", bonus, want)
	}
}
