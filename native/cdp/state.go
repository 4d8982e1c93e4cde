package cdp

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type balanceKey struct {
	user  common.Address
	token common.Address
}

type windowKey struct {
	user common.Address
	kind RateLimitKind
}

// tokenSet is an unordered set of enabled collateral tokens backed by a dense
// slice and a position index. Removal swaps with the last element.
type tokenSet struct {
	items []common.Address
	index map[common.Address]int
}

func newTokenSet(items []common.Address) tokenSet {
	set := tokenSet{index: make(map[common.Address]int, len(items))}
	for _, item := range items {
		set.add(item)
	}
	return set
}

func (s *tokenSet) contains(token common.Address) bool {
	_, ok := s.index[token]
	return ok
}

func (s *tokenSet) add(token common.Address) bool {
	if s.contains(token) {
		return false
	}
	s.index[token] = len(s.items)
	s.items = append(s.items, token)
	return true
}

func (s *tokenSet) remove(token common.Address) bool {
	idx, ok := s.index[token]
	if !ok {
		return false
	}
	last := len(s.items) - 1
	moved := s.items[last]
	s.items[idx] = moved
	s.index[moved] = idx
	s.items = s.items[:last]
	delete(s.index, token)
	return true
}

func (s *tokenSet) list() []common.Address {
	out := make([]common.Address, len(s.items))
	copy(out, s.items)
	return out
}

func (s *tokenSet) clone() tokenSet {
	return newTokenSet(s.items)
}

// ledger is the in-memory engine state. Values stored in the maps are never
// mutated in place; writers replace them through a txn so rollback can
// restore the previous pointer.
type ledger struct {
	collaterals map[common.Address]*CollateralType
	tokens      tokenSet
	balances    map[balanceKey]*uint256.Int
	debts       map[common.Address]*uint256.Int
	held        map[common.Address]*uint256.Int
	windows     map[windowKey]*RateLimitWindow
	cache       map[common.Address]*CachedValuation
	lastSlot    map[common.Address]uint64
	global      GlobalState
	emergency   EmergencyState
}

func newLedger(cfg Config) *ledger {
	return &ledger{
		collaterals: make(map[common.Address]*CollateralType),
		tokens:      newTokenSet(nil),
		balances:    make(map[balanceKey]*uint256.Int),
		debts:       make(map[common.Address]*uint256.Int),
		held:        make(map[common.Address]*uint256.Int),
		windows:     make(map[windowKey]*RateLimitWindow),
		cache:       make(map[common.Address]*CachedValuation),
		lastSlot:    make(map[common.Address]uint64),
		global: GlobalState{
			TotalDebtIssued:   zero(),
			GlobalDebtCeiling: copyOrZero(cfg.GlobalDebtCeiling),
			TotalBadDebt:      zero(),
			ProtocolRevenue:   zero(),
		},
		emergency: EmergencyState{
			SettlementPrice:     zero(),
			TotalDebtAtShutdown: zero(),
		},
	}
}

func (l *ledger) balance(user, token common.Address) *uint256.Int {
	return copyOrZero(l.balances[balanceKey{user: user, token: token}])
}

func (l *ledger) debt(user common.Address) *uint256.Int {
	return copyOrZero(l.debts[user])
}

func (l *ledger) heldOf(token common.Address) *uint256.Int {
	return copyOrZero(l.held[token])
}

func (l *ledger) collateral(token common.Address) (*CollateralType, bool) {
	ct, ok := l.collaterals[token]
	return ct, ok
}

// registered returns every known collateral token, enabled or not, in
// address order.
func (l *ledger) registered() []common.Address {
	out := make([]common.Address, 0, len(l.collaterals))
	for token := range l.collaterals {
		out = append(out, token)
	}
	sortAddresses(out)
	return out
}

// holdings returns the user's nonzero balances across every registered
// collateral in address order.
func (l *ledger) holdings(user common.Address) []TokenAmount {
	var out []TokenAmount
	for _, token := range l.registered() {
		if bal := l.balance(user, token); !bal.IsZero() {
			out = append(out, TokenAmount{Token: token, Amount: bal})
		}
	}
	return out
}

func (l *ledger) window(user common.Address, kind RateLimitKind) RateLimitWindow {
	w, ok := l.windows[windowKey{user: user, kind: kind}]
	if !ok {
		return RateLimitWindow{AmountUsedInWindow: zero()}
	}
	return RateLimitWindow{AmountUsedInWindow: copyOrZero(w.AmountUsedInWindow), WindowResetTime: w.WindowResetTime}
}

func sortAddresses(items []common.Address) {
	sort.Slice(items, func(i, j int) bool { return bytes.Compare(items[i][:], items[j][:]) < 0 })
}
