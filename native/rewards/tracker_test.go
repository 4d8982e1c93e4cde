package rewards

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice = common.HexToAddress("0x0000000000000000000000000000000000001001")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000001002")
)

func newTestTracker() (*Tracker, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	tracker := NewTracker()
	tracker.SetClock(func() time.Time { return now })
	return tracker, &now
}

func TestWeightFollowsDeltas(t *testing.T) {
	tracker, _ := newTestTracker()
	ctx := context.Background()

	if err := tracker.HandleCollateralChange(ctx, alice, big.NewInt(1_000)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := tracker.HandleCollateralChange(ctx, alice, big.NewInt(-400)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if got := tracker.Account(alice).Weight; got.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("expected weight 600, got %s", got)
	}
	if err := tracker.HandleCollateralChange(ctx, alice, big.NewInt(-1_000)); err != nil {
		t.Fatalf("over-debit: %v", err)
	}
	if got := tracker.Account(alice).Weight; got.Sign() != 0 {
		t.Fatalf("expected weight clamped at zero, got %s", got)
	}
	if tracker.TotalWeight().Sign() != 0 {
		t.Fatalf("expected total weight zero, got %s", tracker.TotalWeight())
	}
	if err := tracker.HandleCollateralChange(ctx, alice, nil); !errors.Is(err, ErrNilDelta) {
		t.Fatalf("expected ErrNilDelta, got %v", err)
	}
}

func TestPointsAccrueOverTime(t *testing.T) {
	tracker, now := newTestTracker()
	ctx := context.Background()

	_ = tracker.HandleCollateralChange(ctx, alice, big.NewInt(100))
	*now = now.Add(10 * time.Second)
	_ = tracker.HandleCollateralChange(ctx, bob, big.NewInt(300))
	*now = now.Add(10 * time.Second)

	accounts := tracker.Accounts()
	if len(accounts) != 2 || accounts[0].Address != alice {
		t.Fatalf("unexpected account listing: %+v", accounts)
	}
	if accounts[0].Points.Cmp(big.NewInt(2_000)) != 0 || accounts[1].Points.Cmp(big.NewInt(3_000)) != 0 {
		t.Fatalf("unexpected points: alice=%s bob=%s", accounts[0].Points, accounts[1].Points)
	}

	payouts := tracker.Distribute(big.NewInt(1_000))
	if payouts[alice].Cmp(big.NewInt(400)) != 0 || payouts[bob].Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("unexpected payouts: %v", payouts)
	}
	if tracker.Account(alice).Points.Sign() != 0 {
		t.Fatalf("expected points reset after distribution")
	}
}
