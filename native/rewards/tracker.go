package rewards

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"usq/native/cdp"
)

var ErrNilDelta = errors.New("rewards: delta required")

// Account is a participant's liquidity-mining standing.
type Account struct {
	Address common.Address
	// Weight is the USD value of collateral currently credited.
	Weight *big.Int
	// Points is weight integrated over seconds up to UpdatedAt.
	Points    *big.Int
	UpdatedAt time.Time
}

func (a *Account) clone() Account {
	return Account{
		Address:   a.Address,
		Weight:    new(big.Int).Set(a.Weight),
		Points:    new(big.Int).Set(a.Points),
		UpdatedAt: a.UpdatedAt,
	}
}

// Tracker credits users with weight proportional to their deposited
// collateral value and accumulates weight-seconds as reward points.
type Tracker struct {
	mu       sync.Mutex
	accounts map[common.Address]*Account
	total    *big.Int
	now      func() time.Time
}

var _ cdp.RewardManager = (*Tracker)(nil)

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		accounts: make(map[common.Address]*Account),
		total:    big.NewInt(0),
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	if t == nil || now == nil {
		return
	}
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// HandleCollateralChange applies a signed USD delta to the user's weight.
// Withdrawals priced above the credited weight clamp it at zero.
func (t *Tracker) HandleCollateralChange(ctx context.Context, user common.Address, usdDelta *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if usdDelta == nil {
		return ErrNilDelta
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	acct := t.accountLocked(user, now)
	settle(acct, now)

	next := new(big.Int).Add(acct.Weight, usdDelta)
	if next.Sign() < 0 {
		next.SetInt64(0)
	}
	t.total.Sub(t.total, acct.Weight)
	t.total.Add(t.total, next)
	acct.Weight = next
	return nil
}

func (t *Tracker) accountLocked(user common.Address, now time.Time) *Account {
	acct, ok := t.accounts[user]
	if !ok {
		acct = &Account{Address: user, Weight: big.NewInt(0), Points: big.NewInt(0), UpdatedAt: now}
		t.accounts[user] = acct
	}
	return acct
}

// settle folds the weight held since the last update into points.
func settle(acct *Account, now time.Time) {
	elapsed := int64(now.Sub(acct.UpdatedAt) / time.Second)
	if elapsed > 0 && acct.Weight.Sign() > 0 {
		earned := new(big.Int).Mul(acct.Weight, big.NewInt(elapsed))
		acct.Points.Add(acct.Points, earned)
	}
	if now.After(acct.UpdatedAt) {
		acct.UpdatedAt = now
	}
}

// Account returns the user's standing with points settled to now.
func (t *Tracker) Account(user common.Address) Account {
	t.mu.Lock()
	defer t.mu.Unlock()
	acct, ok := t.accounts[user]
	if !ok {
		return Account{Address: user, Weight: big.NewInt(0), Points: big.NewInt(0)}
	}
	settle(acct, t.now())
	return acct.clone()
}

// TotalWeight returns the sum of all credited weights.
func (t *Tracker) TotalWeight() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.total)
}

// Accounts returns every participant ordered by address.
func (t *Tracker) Accounts() []Account {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]Account, 0, len(t.accounts))
	for _, acct := range t.accounts {
		settle(acct, now)
		out = append(out, acct.clone())
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0 })
	return out
}

// Distribute splits pool across participants pro rata to their points and
// resets the points of everyone paid. Rounding dust stays undistributed.
func (t *Tracker) Distribute(pool *big.Int) map[common.Address]*big.Int {
	payouts := make(map[common.Address]*big.Int)
	if pool == nil || pool.Sign() <= 0 {
		return payouts
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	totalPoints := big.NewInt(0)
	for _, acct := range t.accounts {
		settle(acct, now)
		totalPoints.Add(totalPoints, acct.Points)
	}
	if totalPoints.Sign() == 0 {
		return payouts
	}
	for addr, acct := range t.accounts {
		if acct.Points.Sign() == 0 {
			continue
		}
		share := new(big.Int).Mul(pool, acct.Points)
		share.Quo(share, totalPoints)
		if share.Sign() > 0 {
			payouts[addr] = share
		}
		acct.Points = big.NewInt(0)
	}
	return payouts
}
