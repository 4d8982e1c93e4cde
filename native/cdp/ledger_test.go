package cdp

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func TestMintUpToHealthFactorOne(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	f.deposit(t, alice, tokenA, units(1_000))
	ctx := context.Background()

	capacity, err := f.engine.MaxMintable(ctx, alice)
	if err != nil {
		t.Fatalf("max mintable: %v", err)
	}
	want := mustDecimal(t, "666666666666666666666")
	if !capacity.Eq(want) {
		t.Fatalf("unexpected max mintable: got %s want %s", capacity, want)
	}

	err = f.engine.Mint(ctx, alice, tokenA, units(667))
	if !errors.Is(err, ErrUnhealthyPosition) {
		t.Fatalf("expected ErrUnhealthyPosition, got %v", err)
	}
	if KindOf(err) != KindSolvency {
		t.Fatalf("expected solvency kind, got %s", KindOf(err))
	}
	if !f.engine.Position(alice).Debt.IsZero() {
		t.Fatalf("failed mint left debt behind")
	}

	if err := f.engine.Mint(ctx, alice, tokenA, want); err != nil {
		t.Fatalf("mint at capacity: %v", err)
	}
	hf, err := f.engine.HealthFactor(ctx, alice)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if !hf.Eq(Precision) {
		t.Fatalf("expected health factor 1.0, got %s", hf)
	}
	if !f.token.balanceOf(alice).Eq(want) {
		t.Fatalf("synthetic not minted to user: %s", f.token.balanceOf(alice))
	}
	f.checkInvariants(t)
}

func TestDepositSameSlotRejected(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	ctx := context.Background()
	f.vault.fund(tokenA, alice, units(20))

	if err := f.engine.Deposit(ctx, alice, tokenA, units(10)); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	err := f.engine.Deposit(ctx, alice, tokenA, units(10))
	if !errors.Is(err, ErrSameSlot) {
		t.Fatalf("expected ErrSameSlot, got %v", err)
	}
	if got := f.engine.Position(alice).Balances[tokenA]; !got.Eq(units(10)) {
		t.Fatalf("second deposit leaked state: %s", got)
	}

	f.clock.advance(1)
	if err := f.engine.Deposit(ctx, alice, tokenA, units(10)); err != nil {
		t.Fatalf("deposit in next slot: %v", err)
	}
	if got := f.engine.Position(alice).Balances[tokenA]; !got.Eq(units(20)) {
		t.Fatalf("unexpected balance: %s", got)
	}
}

func TestSameSlotGuardSpansActions(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	ctx := context.Background()
	f.vault.fund(tokenA, alice, units(100))

	if err := f.engine.Deposit(ctx, alice, tokenA, units(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.engine.Mint(ctx, alice, tokenA, units(10)); !errors.Is(err, ErrSameSlot) {
		t.Fatalf("expected ErrSameSlot for mint, got %v", err)
	}
	if err := f.engine.Withdraw(ctx, alice, tokenA, units(10)); !errors.Is(err, ErrSameSlot) {
		t.Fatalf("expected ErrSameSlot for withdraw, got %v", err)
	}
	pos := f.engine.Position(alice)
	if !pos.Debt.IsZero() || !pos.Balances[tokenA].Eq(units(100)) {
		t.Fatalf("same-slot calls leaked state: %+v", pos)
	}

	f.clock.advance(1)
	if err := f.engine.Mint(ctx, alice, tokenA, units(10)); err != nil {
		t.Fatalf("mint in next slot: %v", err)
	}
}

func TestWithdrawRejectsStalePrice(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	f.deposit(t, alice, tokenA, units(100))
	f.oracle.stale[tokenA] = true

	err := f.engine.Withdraw(context.Background(), alice, tokenA, units(10))
	if !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	if got := f.engine.Position(alice).Balances[tokenA]; !got.Eq(units(100)) {
		t.Fatalf("stale withdraw changed balance: %s", got)
	}
	if !f.vault.walletOf(tokenA, alice).IsZero() {
		t.Fatalf("collateral returned despite stale price")
	}
}

func TestDepositValidation(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	ctx := context.Background()

	if err := f.engine.Deposit(ctx, alice, tokenA, new(uint256.Int)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := f.engine.Deposit(ctx, alice, tokenB, units(1)); !errors.Is(err, ErrUnknownCollateral) {
		t.Fatalf("expected ErrUnknownCollateral, got %v", err)
	}
	f.oracle.stale[tokenA] = true
	err := f.engine.Deposit(ctx, alice, tokenA, units(1))
	if !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	if KindOf(err) != KindOracle {
		t.Fatalf("expected oracle kind, got %s", KindOf(err))
	}
	f.oracle.stale[tokenA] = false
	if err := f.engine.RemoveCollateral(ctx, tokenA); err != nil {
		t.Fatalf("remove collateral: %v", err)
	}
	if err := f.engine.Deposit(ctx, alice, tokenA, units(1)); !errors.Is(err, ErrCollateralDisabled) {
		t.Fatalf("expected ErrCollateralDisabled, got %v", err)
	}
}

func TestWithdrawRejectsUnhealthyResult(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	f.deposit(t, alice, tokenA, units(1_000))
	f.mint(t, alice, tokenA, units(500))
	ctx := context.Background()

	if err := f.engine.Withdraw(ctx, alice, tokenA, units(300)); !errors.Is(err, ErrUnhealthyPosition) {
		t.Fatalf("expected ErrUnhealthyPosition, got %v", err)
	}
	if got := f.engine.Position(alice).Balances[tokenA]; !got.Eq(units(1_000)) {
		t.Fatalf("rejected withdraw changed balance: %s", got)
	}
	if err := f.engine.Withdraw(ctx, alice, tokenA, units(1_001)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	if err := f.engine.Withdraw(ctx, alice, tokenA, units(200)); err != nil {
		t.Fatalf("healthy withdraw: %v", err)
	}
	if got := f.vault.walletOf(tokenA, alice); !got.Eq(units(200)) {
		t.Fatalf("collateral not returned: %s", got)
	}
	if got := f.engine.HeldCollateral(tokenA); !got.Eq(units(800)) {
		t.Fatalf("unexpected held collateral: %s", got)
	}
	if len(f.rewards.deltas) != 2 || f.rewards.deltas[1].Sign() >= 0 {
		t.Fatalf("expected negative reward delta, got %v", f.rewards.deltas)
	}
}

func TestWithdrawWindowCapsUSDValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DailyWithdrawCapUSD = units(100)
	f := newFixtureWithConfig(t, cfg)
	f.addCollateral(t, tokenA, 150, 0)
	f.oracle.setPrice(tokenA, units(2))
	f.deposit(t, alice, tokenA, units(1_000))
	ctx := context.Background()

	if err := f.engine.Withdraw(ctx, alice, tokenA, units(30)); err != nil {
		t.Fatalf("withdraw within cap: %v", err)
	}
	f.clock.advance(60)
	err := f.engine.Withdraw(ctx, alice, tokenA, units(25))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	window, limit, err := f.engine.RateWindow(alice, RateLimitWithdraw)
	if err != nil {
		t.Fatalf("rate window: %v", err)
	}
	if !window.AmountUsedInWindow.Eq(units(60)) || !limit.Eq(units(100)) {
		t.Fatalf("unexpected window %s / %s", window.AmountUsedInWindow, limit)
	}

	f.clock.advance(cfg.RateLimitWindowSeconds)
	if err := f.engine.Withdraw(ctx, alice, tokenA, units(25)); err != nil {
		t.Fatalf("withdraw after window reset: %v", err)
	}
	window, _, _ = f.engine.RateWindow(alice, RateLimitWithdraw)
	if !window.AmountUsedInWindow.Eq(units(50)) {
		t.Fatalf("window not reset: %s", window.AmountUsedInWindow)
	}
}

func TestWithdrawTransferFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	f.deposit(t, alice, tokenA, units(100))
	f.vault.failOut = errors.New("custody offline")

	err := f.engine.Withdraw(context.Background(), alice, tokenA, units(40))
	if !errors.Is(err, ErrInteractionFailed) {
		t.Fatalf("expected ErrInteractionFailed, got %v", err)
	}
	pos := f.engine.Position(alice)
	if !pos.Balances[tokenA].Eq(units(100)) {
		t.Fatalf("balance changed after failed transfer: %s", pos.Balances[tokenA])
	}
	if pos.LastSlot == f.clock.now.Slot {
		t.Fatalf("slot marked by failed withdraw")
	}
	window, _, _ := f.engine.RateWindow(alice, RateLimitWithdraw)
	if !window.AmountUsedInWindow.IsZero() {
		t.Fatalf("window charged by failed withdraw: %s", window.AmountUsedInWindow)
	}
}

func TestRepayClipsAndReleasesDebt(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	f.deposit(t, alice, tokenA, units(1_000))
	f.mint(t, alice, tokenA, units(100))

	repaid, err := f.engine.Repay(context.Background(), alice, tokenA, units(1_000))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if !repaid.Eq(units(100)) {
		t.Fatalf("expected repay clipped to 100, got %s", repaid)
	}
	if !f.engine.Position(alice).Debt.IsZero() {
		t.Fatalf("debt not cleared")
	}
	if !f.token.balanceOf(alice).IsZero() {
		t.Fatalf("synthetic not burned: %s", f.token.balanceOf(alice))
	}
	if !f.engine.Global().TotalDebtIssued.IsZero() {
		t.Fatalf("global debt not released")
	}
	if _, err := f.engine.Repay(context.Background(), alice, tokenA, units(1)); !errors.Is(err, ErrNoDebt) {
		t.Fatalf("expected ErrNoDebt, got %v", err)
	}
	f.checkInvariants(t)
}

func TestRepayBurnFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	f.deposit(t, alice, tokenA, units(1_000))
	f.mint(t, alice, tokenA, units(100))
	f.token.balances[alice] = units(10)

	_, err := f.engine.Repay(context.Background(), alice, tokenA, units(50))
	if !errors.Is(err, errInsufficientSynthetic) {
		t.Fatalf("expected burn failure, got %v", err)
	}
	if got := f.engine.Position(alice).Debt; !got.Eq(units(100)) {
		t.Fatalf("debt changed after failed burn: %s", got)
	}
	ct, _ := f.engine.Collateral(tokenA)
	if !ct.TotalDebtMinted.Eq(units(100)) {
		t.Fatalf("collateral total changed after failed burn: %s", ct.TotalDebtMinted)
	}
}

func TestRepaySpillsAcrossCollateralTypes(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	f.addCollateral(t, tokenB, 150, 0)
	f.deposit(t, alice, tokenA, units(1_000))
	f.mint(t, alice, tokenA, units(100))
	f.mint(t, alice, tokenB, units(50))

	if _, err := f.engine.Repay(context.Background(), alice, tokenB, units(120)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	a, _ := f.engine.Collateral(tokenA)
	b, _ := f.engine.Collateral(tokenB)
	if !b.TotalDebtMinted.IsZero() || !a.TotalDebtMinted.Eq(units(30)) {
		t.Fatalf("unexpected totals after spill: a=%s b=%s", a.TotalDebtMinted, b.TotalDebtMinted)
	}
	f.checkInvariants(t)
}

func TestMintRespectsCeilings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalDebtCeiling = units(15_000)
	f := newFixtureWithConfig(t, cfg)
	ctx := context.Background()
	if err := f.engine.AddCollateral(ctx, tokenA, 110, units(10_000), 0); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	f.addCollateral(t, tokenB, 110, 0)
	f.deposit(t, alice, tokenA, units(100_000))

	if err := f.engine.Mint(ctx, alice, tokenA, units(10_001)); !errors.Is(err, ErrDebtCeilingExceeded) {
		t.Fatalf("expected ErrDebtCeilingExceeded, got %v", err)
	}
	f.mint(t, alice, tokenA, units(10_000))
	if err := f.engine.Mint(ctx, alice, tokenB, units(5_001)); !errors.Is(err, ErrGlobalCeiling) {
		t.Fatalf("expected ErrGlobalCeiling, got %v", err)
	}
	f.mint(t, alice, tokenB, units(5_000))
	f.checkInvariants(t)
}

func TestMintWindowResetsAfterPeriod(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DailyMintCap = units(100)
	f := newFixtureWithConfig(t, cfg)
	f.addCollateral(t, tokenA, 150, 0)
	f.deposit(t, alice, tokenA, units(10_000))
	ctx := context.Background()

	f.mint(t, alice, tokenA, units(60))
	if err := f.engine.Mint(ctx, alice, tokenA, units(41)); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	f.mint(t, alice, tokenA, units(40))

	f.clock.advance(cfg.RateLimitWindowSeconds)
	f.mint(t, alice, tokenA, units(100))
	window, _, _ := f.engine.RateWindow(alice, RateLimitMint)
	if !window.AmountUsedInWindow.Eq(units(100)) {
		t.Fatalf("expected fresh window at cap, got %s", window.AmountUsedInWindow)
	}
}

func TestMintRequiresFreshPrices(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	f.addCollateral(t, tokenB, 150, 0)
	f.deposit(t, alice, tokenA, units(1_000))
	f.deposit(t, alice, tokenB, units(1_000))
	f.oracle.stale[tokenB] = true

	if err := f.engine.Mint(context.Background(), alice, tokenA, units(10)); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
}

func TestRewardFailureDoesNotBlockDeposit(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	f.rewards.err = errors.New("rewards offline")

	f.deposit(t, alice, tokenA, units(10))
	if len(f.rewards.deltas) != 1 || f.rewards.deltas[0].Cmp(units(10).ToBig()) != 0 {
		t.Fatalf("unexpected reward deltas: %v", f.rewards.deltas)
	}
	if f.sink.count(EventTypeDeposit) != 1 {
		t.Fatalf("deposit event not emitted")
	}
}

func TestReentrantCallRejected(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	f.deposit(t, alice, tokenA, units(1_000))

	var nested error
	f.token.onMint = func(ctx context.Context) error {
		nested = f.engine.Deposit(ctx, alice, tokenA, units(1))
		return nested
	}
	err := f.engine.Mint(context.Background(), alice, tokenA, units(10))
	if !errors.Is(nested, ErrReentrantCall) {
		t.Fatalf("expected nested ErrReentrantCall, got %v", nested)
	}
	if !errors.Is(err, ErrReentrantCall) {
		t.Fatalf("expected outer failure to carry ErrReentrantCall, got %v", err)
	}
	if !f.engine.Position(alice).Debt.IsZero() {
		t.Fatalf("mint applied despite failed interaction")
	}

	f.token.onMint = nil
	if err := f.engine.Mint(context.Background(), alice, tokenA, units(10)); err != nil {
		t.Fatalf("guard not released after failure: %v", err)
	}
}

func TestRewardCallbackCannotReenter(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	var nested error
	f.rewards.hook = func(ctx context.Context) error {
		nested = f.engine.Withdraw(ctx, alice, tokenA, units(1))
		return nil
	}
	f.deposit(t, alice, tokenA, units(10))
	if !errors.Is(nested, ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall from reward callback, got %v", nested)
	}
	if got := f.engine.Position(alice).Balances[tokenA]; !got.Eq(units(10)) {
		t.Fatalf("unexpected balance: %s", got)
	}
}

func TestPauseBlocksUserMutations(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	ctx := context.Background()
	if err := f.engine.SetPaused(ctx, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	f.vault.fund(tokenA, alice, units(1))
	err := f.engine.Deposit(ctx, alice, tokenA, units(1))
	if KindOf(err) != KindState {
		t.Fatalf("expected paused state error, got %v", err)
	}
	if err := f.engine.SetPaused(ctx, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if err := f.engine.Deposit(ctx, alice, tokenA, units(1)); err != nil {
		t.Fatalf("deposit after unpause: %v", err)
	}
}

func TestCommitFailureCompensatesTransfers(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	store := &memoryStore{fail: errors.New("disk full")}
	f.engine.SetStore(store)
	f.vault.fund(tokenA, alice, units(5))

	err := f.engine.Deposit(context.Background(), alice, tokenA, units(5))
	if !errors.Is(err, ErrCommitFailed) {
		t.Fatalf("expected ErrCommitFailed, got %v", err)
	}
	if got := f.vault.walletOf(tokenA, alice); !got.Eq(units(5)) {
		t.Fatalf("transfer not compensated: %s", got)
	}
	if !f.engine.HeldCollateral(tokenA).IsZero() {
		t.Fatalf("held collateral leaked")
	}
	if f.sink.count(EventTypeDeposit) != 0 {
		t.Fatalf("event emitted for failed deposit")
	}
}
