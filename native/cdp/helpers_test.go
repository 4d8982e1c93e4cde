package cdp

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	tokenA     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenB     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	alice      = common.HexToAddress("0x0000000000000000000000000000000000001001")
	bob        = common.HexToAddress("0x0000000000000000000000000000000000001002")
	keeper     = common.HexToAddress("0x0000000000000000000000000000000000002001")
	revenueBox = common.HexToAddress("0x0000000000000000000000000000000000003001")
)

var errInsufficientSynthetic = errors.New("fake token: insufficient balance")

func units(v uint64) *uint256.Int { return wad(v) }

func mustDecimal(t *testing.T, s string) *uint256.Int {
	t.Helper()
	v, err := uint256.FromDecimal(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

type fakeOracle struct {
	prices     map[common.Address]*uint256.Int
	stale      map[common.Address]bool
	failFresh  bool
	freshReads int
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{prices: make(map[common.Address]*uint256.Int), stale: make(map[common.Address]bool)}
}

func (o *fakeOracle) setPrice(token common.Address, price *uint256.Int) {
	o.prices[token] = new(uint256.Int).Set(price)
}

func (o *fakeOracle) USDValue(_ context.Context, token common.Address, amount *uint256.Int) (*uint256.Int, error) {
	price, ok := o.prices[token]
	if !ok {
		return nil, errors.New("fake oracle: no price")
	}
	return new(uint256.Int).Div(new(uint256.Int).Mul(amount, price), Precision), nil
}

func (o *fakeOracle) UpdateAndGetUSDValue(ctx context.Context, token common.Address, amount *uint256.Int) (*uint256.Int, error) {
	o.freshReads++
	if o.failFresh {
		return nil, errors.New("fake oracle: feed down")
	}
	return o.USDValue(ctx, token, amount)
}

func (o *fakeOracle) IsStale(_ context.Context, token common.Address) bool {
	return o.stale[token]
}

type fakeToken struct {
	balances map[common.Address]*uint256.Int
	supply   *uint256.Int
	onMint   func(ctx context.Context) error
}

func newFakeToken() *fakeToken {
	return &fakeToken{balances: make(map[common.Address]*uint256.Int), supply: new(uint256.Int)}
}

func (f *fakeToken) balanceOf(addr common.Address) *uint256.Int {
	return copyOrZero(f.balances[addr])
}

func (f *fakeToken) Mint(ctx context.Context, to common.Address, amount *uint256.Int) error {
	if f.onMint != nil {
		if err := f.onMint(ctx); err != nil {
			return err
		}
	}
	f.balances[to] = new(uint256.Int).Add(f.balanceOf(to), amount)
	f.supply = new(uint256.Int).Add(f.supply, amount)
	return nil
}

func (f *fakeToken) Burn(_ context.Context, from common.Address, amount *uint256.Int) error {
	bal := f.balanceOf(from)
	if bal.Lt(amount) {
		return errInsufficientSynthetic
	}
	f.balances[from] = new(uint256.Int).Sub(bal, amount)
	f.supply = new(uint256.Int).Sub(f.supply, amount)
	return nil
}

type vaultKey struct {
	token common.Address
	owner common.Address
}

type fakeVault struct {
	wallets map[vaultKey]*uint256.Int
	custody map[common.Address]*uint256.Int
	failOut error
}

func newFakeVault() *fakeVault {
	return &fakeVault{wallets: make(map[vaultKey]*uint256.Int), custody: make(map[common.Address]*uint256.Int)}
}

func (v *fakeVault) fund(token, owner common.Address, amount *uint256.Int) {
	key := vaultKey{token: token, owner: owner}
	v.wallets[key] = new(uint256.Int).Add(copyOrZero(v.wallets[key]), amount)
}

func (v *fakeVault) walletOf(token, owner common.Address) *uint256.Int {
	return copyOrZero(v.wallets[vaultKey{token: token, owner: owner}])
}

func (v *fakeVault) TransferIn(_ context.Context, token, from common.Address, amount *uint256.Int) error {
	key := vaultKey{token: token, owner: from}
	bal := copyOrZero(v.wallets[key])
	if bal.Lt(amount) {
		return errors.New("fake vault: insufficient wallet balance")
	}
	v.wallets[key] = new(uint256.Int).Sub(bal, amount)
	v.custody[token] = new(uint256.Int).Add(copyOrZero(v.custody[token]), amount)
	return nil
}

func (v *fakeVault) TransferOut(_ context.Context, token, to common.Address, amount *uint256.Int) error {
	if v.failOut != nil {
		return v.failOut
	}
	held := copyOrZero(v.custody[token])
	if held.Lt(amount) {
		return errors.New("fake vault: insufficient custody")
	}
	v.custody[token] = new(uint256.Int).Sub(held, amount)
	v.fund(token, to, amount)
	return nil
}

type fakeRewards struct {
	deltas []*big.Int
	err    error
	hook   func(ctx context.Context) error
}

func (r *fakeRewards) HandleCollateralChange(ctx context.Context, _ common.Address, delta *big.Int) error {
	if r.hook != nil {
		if err := r.hook(ctx); err != nil {
			return err
		}
	}
	r.deltas = append(r.deltas, new(big.Int).Set(delta))
	return r.err
}

type fakeClock struct {
	now Moment
}

func (c *fakeClock) Now() Moment { return c.now }

func (c *fakeClock) advance(seconds uint64) {
	c.now.Time += seconds
	c.now.Slot++
}

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Emit(_ context.Context, event Event) {
	s.events = append(s.events, event)
}

func (s *recordingSink) count(eventType string) int {
	n := 0
	for _, ev := range s.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type memoryStore struct {
	commits []*ChangeSet
	state   *ChangeSet
	fail    error
}

func (m *memoryStore) Load(context.Context) (*ChangeSet, error) {
	if m.state == nil {
		return &ChangeSet{}, nil
	}
	return m.state, nil
}

func (m *memoryStore) Commit(_ context.Context, changes *ChangeSet) error {
	if m.fail != nil {
		return m.fail
	}
	m.commits = append(m.commits, changes)
	return nil
}

type fixture struct {
	engine  *Engine
	oracle  *fakeOracle
	token   *fakeToken
	vault   *fakeVault
	rewards *fakeRewards
	clock   *fakeClock
	sink    *recordingSink
}

func allowAll() Authorizer {
	return AuthorizerFunc(func(context.Context, Capability) error { return nil })
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RevenueSink = revenueBox
	return newFixtureWithConfig(t, cfg)
}

func newFixtureWithConfig(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		oracle:  newFakeOracle(),
		token:   newFakeToken(),
		vault:   newFakeVault(),
		rewards: &fakeRewards{},
		clock:   &fakeClock{now: Moment{Slot: 100, Time: 1_700_000_000}},
		sink:    &recordingSink{},
	}
	engine, err := NewEngine(cfg, f.oracle, f.token, f.vault)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetClock(f.clock)
	engine.SetRewardManager(f.rewards)
	engine.SetAuthorizer(allowAll())
	engine.SetEventSink(f.sink)
	f.engine = engine
	f.oracle.setPrice(tokenA, units(1))
	f.oracle.setPrice(tokenB, units(1))
	return f
}

// addCollateral registers token with a 150% threshold and no stability fee.
func (f *fixture) addCollateral(t *testing.T, token common.Address, thresholdPct, feeBps uint64) {
	t.Helper()
	if err := f.engine.AddCollateral(context.Background(), token, thresholdPct, units(1_000_000), feeBps); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
}

func (f *fixture) deposit(t *testing.T, user, token common.Address, amount *uint256.Int) {
	t.Helper()
	f.vault.fund(token, user, amount)
	if err := f.engine.Deposit(context.Background(), user, token, amount); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.clock.advance(1)
}

func (f *fixture) mint(t *testing.T, user, token common.Address, amount *uint256.Int) {
	t.Helper()
	if err := f.engine.Mint(context.Background(), user, token, amount); err != nil {
		t.Fatalf("mint: %v", err)
	}
	f.clock.advance(1)
}

// checkInvariants asserts ceilings hold and per-type totals sum to the
// global total.
func (f *fixture) checkInvariants(t *testing.T) {
	t.Helper()
	sum := new(uint256.Int)
	for _, ct := range f.engine.Collaterals() {
		if ct.TotalDebtMinted.Gt(ct.DebtCeiling) {
			t.Fatalf("collateral %s over ceiling: %s > %s", ct.Token.Hex(), ct.TotalDebtMinted, ct.DebtCeiling)
		}
		sum.Add(sum, ct.TotalDebtMinted)
	}
	global := f.engine.Global()
	if !sum.Eq(global.TotalDebtIssued) {
		t.Fatalf("per-type totals %s do not match global %s", sum, global.TotalDebtIssued)
	}
	if global.TotalDebtIssued.Gt(global.GlobalDebtCeiling) {
		t.Fatalf("global debt %s over ceiling %s", global.TotalDebtIssued, global.GlobalDebtCeiling)
	}
}
