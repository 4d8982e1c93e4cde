package bank

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"usq/core/state"
	"usq/native/cdp"
)

var (
	ErrInvalidAmount       = errors.New("bank: amount must be positive")
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrSupplyOverflow      = errors.New("bank: supply overflow")
	ErrMintPaused          = errors.New("bank: minting paused")
)

type balanceKey struct {
	asset   common.Address
	account common.Address
}

// Ledger tracks fungible balances per asset. When backed by a state manager
// every change is written through so balances survive restarts.
type Ledger struct {
	mu       sync.Mutex
	manager  *state.Manager
	balances map[balanceKey]*uint256.Int
	supply   map[common.Address]*uint256.Int
}

// NewLedger returns an in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[balanceKey]*uint256.Int),
		supply:   make(map[common.Address]*uint256.Int),
	}
}

// NewPersistentLedger returns a ledger that reads through and writes through
// the provided state manager.
func NewPersistentLedger(manager *state.Manager) *Ledger {
	ledger := NewLedger()
	ledger.manager = manager
	return ledger
}

func supplyKey(asset common.Address) []byte {
	return append([]byte("bank/supply/"), asset.Bytes()...)
}

func (l *Ledger) balanceLocked(asset, account common.Address) (*uint256.Int, error) {
	key := balanceKey{asset: asset, account: account}
	if bal, ok := l.balances[key]; ok {
		return bal, nil
	}
	bal := new(uint256.Int)
	if l.manager != nil {
		stored, err := l.manager.Balance(account, asset.Hex())
		if err != nil {
			return nil, err
		}
		if overflow := bal.SetFromBig(stored); overflow {
			return nil, fmt.Errorf("bank: stored balance of %s overflows", account.Hex())
		}
	}
	l.balances[key] = bal
	return bal, nil
}

func (l *Ledger) supplyLocked(asset common.Address) (*uint256.Int, error) {
	if total, ok := l.supply[asset]; ok {
		return total, nil
	}
	total := new(uint256.Int)
	if l.manager != nil {
		var stored uint256.Int
		ok, err := l.manager.KVGet(supplyKey(asset), &stored)
		if err != nil {
			return nil, err
		}
		if ok {
			total.Set(&stored)
		}
	}
	l.supply[asset] = total
	return total, nil
}

type write struct {
	key    balanceKey
	amount *uint256.Int
}

// applyLocked persists the writes before publishing them in memory, so a
// failed write leaves the cached balances unchanged.
func (l *Ledger) applyLocked(writes []write, asset common.Address, supply *uint256.Int) error {
	if l.manager != nil {
		for _, w := range writes {
			if err := l.manager.SetBalance(w.key.account, w.key.asset.Hex(), w.amount.ToBig()); err != nil {
				return err
			}
		}
		if supply != nil {
			if err := l.manager.KVPut(supplyKey(asset), supply); err != nil {
				return err
			}
		}
	}
	for _, w := range writes {
		l.balances[w.key] = w.amount
	}
	if supply != nil {
		l.supply[asset] = supply
	}
	return nil
}

// BalanceOf returns a copy of the account's balance.
func (l *Ledger) BalanceOf(asset, account common.Address) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, err := l.balanceLocked(asset, account)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(bal), nil
}

// TotalSupply returns the issued amount of an asset created through Issue.
func (l *Ledger) TotalSupply(asset common.Address) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	total, err := l.supplyLocked(asset)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(total), nil
}

// Issue creates new units of asset for account.
func (l *Ledger) Issue(asset, account common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, err := l.balanceLocked(asset, account)
	if err != nil {
		return err
	}
	total, err := l.supplyLocked(asset)
	if err != nil {
		return err
	}
	nextTotal, overflow := new(uint256.Int).AddOverflow(total, amount)
	if overflow {
		return ErrSupplyOverflow
	}
	next := new(uint256.Int).Add(bal, amount)
	return l.applyLocked([]write{{key: balanceKey{asset, account}, amount: next}}, asset, nextTotal)
}

// Retire destroys units of asset held by account.
func (l *Ledger) Retire(asset, account common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, err := l.balanceLocked(asset, account)
	if err != nil {
		return err
	}
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, account.Hex(), bal.Dec(), amount.Dec())
	}
	total, err := l.supplyLocked(asset)
	if err != nil {
		return err
	}
	nextTotal := new(uint256.Int)
	if total.Gt(amount) {
		nextTotal.Sub(total, amount)
	}
	next := new(uint256.Int).Sub(bal, amount)
	return l.applyLocked([]write{{key: balanceKey{asset, account}, amount: next}}, asset, nextTotal)
}

// Transfer moves amount of asset between two accounts.
func (l *Ledger) Transfer(asset, from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	if from == to {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	src, err := l.balanceLocked(asset, from)
	if err != nil {
		return err
	}
	if src.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from.Hex(), src.Dec(), amount.Dec())
	}
	dst, err := l.balanceLocked(asset, to)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(dst, amount)
	if overflow {
		return ErrSupplyOverflow
	}
	return l.applyLocked([]write{
		{key: balanceKey{asset, from}, amount: new(uint256.Int).Sub(src, amount)},
		{key: balanceKey{asset, to}, amount: credited},
	}, asset, nil)
}

// Synthetic is the pegged asset. Only the holder of this value can mint or
// burn, so the daemon hands it to the engine alone.
type Synthetic struct {
	ledger *Ledger
	asset  common.Address

	mu     sync.RWMutex
	paused bool
}

var _ cdp.SyntheticToken = (*Synthetic)(nil)

// NewSynthetic binds the synthetic asset identifier to a ledger.
func NewSynthetic(ledger *Ledger, asset common.Address) *Synthetic {
	return &Synthetic{ledger: ledger, asset: asset}
}

// Asset returns the synthetic asset identifier.
func (s *Synthetic) Asset() common.Address { return s.asset }

// SetMintPaused toggles issuance. Burns stay available while paused.
func (s *Synthetic) SetMintPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
}

func (s *Synthetic) Mint(ctx context.Context, to common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	paused := s.paused
	s.mu.RUnlock()
	if paused {
		return ErrMintPaused
	}
	return s.ledger.Issue(s.asset, to, amount)
}

func (s *Synthetic) Burn(ctx context.Context, from common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.ledger.Retire(s.asset, from, amount)
}

// BalanceOf returns the synthetic balance of account.
func (s *Synthetic) BalanceOf(account common.Address) (*uint256.Int, error) {
	return s.ledger.BalanceOf(s.asset, account)
}

// TotalSupply returns the circulating synthetic supply.
func (s *Synthetic) TotalSupply() (*uint256.Int, error) {
	return s.ledger.TotalSupply(s.asset)
}

// Vault keeps deposited collateral under a custody account.
type Vault struct {
	ledger  *Ledger
	custody common.Address
}

var _ cdp.CollateralVault = (*Vault)(nil)

// NewVault returns a vault holding collateral in the custody account.
func NewVault(ledger *Ledger, custody common.Address) *Vault {
	return &Vault{ledger: ledger, custody: custody}
}

// Custody returns the account holding deposited collateral.
func (v *Vault) Custody() common.Address { return v.custody }

func (v *Vault) TransferIn(ctx context.Context, token, from common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return v.ledger.Transfer(token, from, v.custody, amount)
}

func (v *Vault) TransferOut(ctx context.Context, token, to common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return v.ledger.Transfer(token, v.custody, to, amount)
}
