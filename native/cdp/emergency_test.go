package cdp

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func TestShutdownAndProRataSettlement(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	f.addCollateral(t, tokenB, 150, 0)
	f.deposit(t, alice, tokenA, units(1_000))
	f.deposit(t, bob, tokenB, units(1_000))
	f.mint(t, alice, tokenA, units(300))
	f.mint(t, bob, tokenB, units(100))
	ctx := context.Background()

	if _, err := f.engine.SettlePosition(ctx, alice); !errors.Is(err, ErrShutdownInactive) {
		t.Fatalf("expected ErrShutdownInactive, got %v", err)
	}
	if err := f.engine.InitiateShutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	emergency := f.engine.Emergency()
	if !emergency.ShutdownActive || !emergency.SettlementPrice.Eq(units(5)) {
		t.Fatalf("unexpected emergency state: %+v", emergency)
	}
	if err := f.engine.InitiateShutdown(ctx); !errors.Is(err, ErrShutdownActive) {
		t.Fatalf("expected ErrShutdownActive, got %v", err)
	}

	if err := f.engine.Deposit(ctx, alice, tokenA, units(1)); !errors.Is(err, ErrShutdownActive) {
		t.Fatalf("deposit during shutdown: %v", err)
	}
	if err := f.engine.Mint(ctx, alice, tokenA, units(1)); !errors.Is(err, ErrShutdownActive) {
		t.Fatalf("mint during shutdown: %v", err)
	}
	if err := f.engine.Withdraw(ctx, alice, tokenA, units(1)); !errors.Is(err, ErrShutdownActive) {
		t.Fatalf("withdraw during shutdown: %v", err)
	}
	if _, err := f.engine.Liquidate(ctx, keeper, alice, tokenA, units(1)); !errors.Is(err, ErrShutdownActive) {
		t.Fatalf("liquidate during shutdown: %v", err)
	}

	// Settle in reverse order of debt size; shares must not depend on order.
	bobRes, err := f.engine.SettlePosition(ctx, bob)
	if err != nil {
		t.Fatalf("settle bob: %v", err)
	}
	aliceRes, err := f.engine.SettlePosition(ctx, alice)
	if err != nil {
		t.Fatalf("settle alice: %v", err)
	}
	expect := map[string]*uint256.Int{
		"alice/A": units(750), "alice/B": units(750),
		"bob/A": units(250), "bob/B": units(250),
	}
	check := func(name string, res *SettlementResult) {
		for _, payout := range res.Payouts {
			key := name + "/A"
			if payout.Token == tokenB {
				key = name + "/B"
			}
			if !payout.Amount.Eq(expect[key]) {
				t.Fatalf("%s: got %s want %s", key, payout.Amount, expect[key])
			}
		}
	}
	check("alice", aliceRes)
	check("bob", bobRes)

	for _, token := range []struct {
		name string
		held *uint256.Int
		paid *uint256.Int
	}{
		{"A", units(1_000), new(uint256.Int).Add(f.vault.walletOf(tokenA, alice), f.vault.walletOf(tokenA, bob))},
		{"B", units(1_000), new(uint256.Int).Add(f.vault.walletOf(tokenB, alice), f.vault.walletOf(tokenB, bob))},
	} {
		if token.paid.Gt(token.held) {
			t.Fatalf("payouts of %s exceed held collateral: %s > %s", token.name, token.paid, token.held)
		}
	}
	if !f.token.balanceOf(alice).IsZero() || !f.token.balanceOf(bob).IsZero() {
		t.Fatalf("settled debt not burned")
	}
	if _, err := f.engine.SettlePosition(ctx, alice); !errors.Is(err, ErrNoDebt) {
		t.Fatalf("expected second settlement to fail with ErrNoDebt, got %v", err)
	}
	if !f.engine.Global().TotalDebtIssued.IsZero() {
		t.Fatalf("global debt not retired: %s", f.engine.Global().TotalDebtIssued)
	}
	if f.sink.count(EventTypeSettlement) != 2 || f.sink.count(EventTypeShutdown) != 1 {
		t.Fatalf("unexpected event counts")
	}
}

func TestShutdownWithoutDebtUsesFallbackPrice(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	f.deposit(t, alice, tokenA, units(10))
	if err := f.engine.InitiateShutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := f.engine.Emergency().SettlementPrice; !got.Eq(Precision) {
		t.Fatalf("expected fallback price, got %s", got)
	}
}

func TestShutdownRequiresEmergencyCapability(t *testing.T) {
	f := newFixture(t)
	f.engine.SetAuthorizer(AuthorizerFunc(func(_ context.Context, capability Capability) error {
		if capability == CapGovernance {
			return nil
		}
		return ErrUnauthorized
	}))
	if err := f.engine.InitiateShutdown(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if f.engine.Emergency().ShutdownActive {
		t.Fatalf("shutdown activated without capability")
	}
}

func TestSettlementBurnFailureKeepsClaim(t *testing.T) {
	f := newFixture(t)
	f.addCollateral(t, tokenA, 150, 0)
	f.deposit(t, alice, tokenA, units(1_000))
	f.mint(t, alice, tokenA, units(100))
	ctx := context.Background()
	if err := f.engine.InitiateShutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	f.token.balances[alice] = units(1)

	if _, err := f.engine.SettlePosition(ctx, alice); !errors.Is(err, errInsufficientSynthetic) {
		t.Fatalf("expected burn failure, got %v", err)
	}
	if !f.engine.Position(alice).Debt.Eq(units(100)) {
		t.Fatalf("debt cleared despite failed burn")
	}
	if !f.vault.walletOf(tokenA, alice).IsZero() {
		t.Fatalf("payout not compensated: %s", f.vault.walletOf(tokenA, alice))
	}
	if !f.engine.HeldCollateral(tokenA).Eq(units(1_000)) {
		t.Fatalf("held collateral changed: %s", f.engine.HeldCollateral(tokenA))
	}
}
