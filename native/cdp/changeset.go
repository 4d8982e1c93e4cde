package cdp

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BalanceRecord is a user's deposited amount of one collateral.
type BalanceRecord struct {
	User   common.Address
	Token  common.Address
	Amount *uint256.Int
}

// DebtRecord is a user's aggregate synthetic debt.
type DebtRecord struct {
	User   common.Address
	Amount *uint256.Int
}

// WindowRecord is one rolling rate-limit window.
type WindowRecord struct {
	User   common.Address
	Kind   RateLimitKind
	Window RateLimitWindow
}

// CacheRecord is a cached valuation. Cleared marks an invalidated entry.
type CacheRecord struct {
	User      common.Address
	Valuation CachedValuation
	Cleared   bool
}

// SlotRecord is the slot of a user's last restricted action.
type SlotRecord struct {
	User common.Address
	Slot uint64
}

// ChangeSet lists the records written by one committed operation. Load
// returns a ChangeSet holding the complete state.
type ChangeSet struct {
	Collaterals   []CollateralType
	Tokens        []common.Address
	TokensChanged bool
	Balances      []BalanceRecord
	Debts         []DebtRecord
	Held          []TokenAmount
	Windows       []WindowRecord
	Cache         []CacheRecord
	Slots         []SlotRecord
	Global        *GlobalState
	Emergency     *EmergencyState
}

// Empty reports whether the change set carries no records.
func (c *ChangeSet) Empty() bool {
	return c == nil || (len(c.Collaterals) == 0 && !c.TokensChanged && len(c.Balances) == 0 &&
		len(c.Debts) == 0 && len(c.Held) == 0 && len(c.Windows) == 0 && len(c.Cache) == 0 &&
		len(c.Slots) == 0 && c.Global == nil && c.Emergency == nil)
}

func (tx *txn) changeSet() *ChangeSet {
	l := tx.state
	out := &ChangeSet{}
	for token := range tx.dirty.collaterals {
		out.Collaterals = append(out.Collaterals, *l.collaterals[token].Clone())
	}
	sort.Slice(out.Collaterals, func(i, j int) bool {
		return bytes.Compare(out.Collaterals[i].Token[:], out.Collaterals[j].Token[:]) < 0
	})
	if tx.dirty.tokens {
		out.Tokens = l.tokens.list()
		out.TokensChanged = true
	}
	for key := range tx.dirty.balances {
		out.Balances = append(out.Balances, BalanceRecord{User: key.user, Token: key.token, Amount: l.balance(key.user, key.token)})
	}
	sortBalances(out.Balances)
	for user := range tx.dirty.debts {
		out.Debts = append(out.Debts, DebtRecord{User: user, Amount: l.debt(user)})
	}
	sortDebts(out.Debts)
	for token := range tx.dirty.held {
		out.Held = append(out.Held, TokenAmount{Token: token, Amount: l.heldOf(token)})
	}
	sortTokenAmounts(out.Held)
	for key := range tx.dirty.windows {
		out.Windows = append(out.Windows, WindowRecord{User: key.user, Kind: key.kind, Window: l.window(key.user, key.kind)})
	}
	sortWindows(out.Windows)
	for user := range tx.dirty.cache {
		out.Cache = append(out.Cache, l.cacheRecord(user))
	}
	sortCache(out.Cache)
	for user := range tx.dirty.slots {
		out.Slots = append(out.Slots, SlotRecord{User: user, Slot: l.lastSlot[user]})
	}
	sort.Slice(out.Slots, func(i, j int) bool { return bytes.Compare(out.Slots[i].User[:], out.Slots[j].User[:]) < 0 })
	if tx.dirty.global {
		global := l.global.Clone()
		out.Global = &global
	}
	if tx.dirty.emergency {
		emergency := l.emergency.Clone()
		out.Emergency = &emergency
	}
	return out
}

func (l *ledger) cacheRecord(user common.Address) CacheRecord {
	entry, ok := l.cache[user]
	if !ok {
		return CacheRecord{User: user, Cleared: true}
	}
	return CacheRecord{User: user, Valuation: CachedValuation{
		Value:             copyOrZero(entry.Value),
		ThresholdWeighted: copyOrZero(entry.ThresholdWeighted),
		Timestamp:         entry.Timestamp,
	}}
}

// snapshot exports the complete ledger.
func (l *ledger) snapshot() *ChangeSet {
	out := &ChangeSet{Tokens: l.tokens.list(), TokensChanged: true}
	for _, token := range l.registered() {
		out.Collaterals = append(out.Collaterals, *l.collaterals[token].Clone())
	}
	for key, amount := range l.balances {
		out.Balances = append(out.Balances, BalanceRecord{User: key.user, Token: key.token, Amount: copyOrZero(amount)})
	}
	sortBalances(out.Balances)
	for user, amount := range l.debts {
		out.Debts = append(out.Debts, DebtRecord{User: user, Amount: copyOrZero(amount)})
	}
	sortDebts(out.Debts)
	for token, amount := range l.held {
		out.Held = append(out.Held, TokenAmount{Token: token, Amount: copyOrZero(amount)})
	}
	sortTokenAmounts(out.Held)
	for key := range l.windows {
		out.Windows = append(out.Windows, WindowRecord{User: key.user, Kind: key.kind, Window: l.window(key.user, key.kind)})
	}
	sortWindows(out.Windows)
	for user := range l.cache {
		out.Cache = append(out.Cache, l.cacheRecord(user))
	}
	sortCache(out.Cache)
	for user, slot := range l.lastSlot {
		out.Slots = append(out.Slots, SlotRecord{User: user, Slot: slot})
	}
	sort.Slice(out.Slots, func(i, j int) bool { return bytes.Compare(out.Slots[i].User[:], out.Slots[j].User[:]) < 0 })
	global := l.global.Clone()
	out.Global = &global
	emergency := l.emergency.Clone()
	out.Emergency = &emergency
	return out
}

// apply overlays a change set onto the ledger.
func (l *ledger) apply(changes *ChangeSet) {
	if changes == nil {
		return
	}
	for i := range changes.Collaterals {
		ct := changes.Collaterals[i]
		l.collaterals[ct.Token] = ct.Clone()
	}
	if changes.TokensChanged {
		l.tokens = newTokenSet(changes.Tokens)
	}
	for _, rec := range changes.Balances {
		l.balances[balanceKey{user: rec.User, token: rec.Token}] = copyOrZero(rec.Amount)
	}
	for _, rec := range changes.Debts {
		l.debts[rec.User] = copyOrZero(rec.Amount)
	}
	for _, rec := range changes.Held {
		l.held[rec.Token] = copyOrZero(rec.Amount)
	}
	for _, rec := range changes.Windows {
		l.windows[windowKey{user: rec.User, kind: rec.Kind}] = &RateLimitWindow{
			AmountUsedInWindow: copyOrZero(rec.Window.AmountUsedInWindow),
			WindowResetTime:    rec.Window.WindowResetTime,
		}
	}
	for _, rec := range changes.Cache {
		if rec.Cleared {
			delete(l.cache, rec.User)
			continue
		}
		l.cache[rec.User] = &CachedValuation{
			Value:             copyOrZero(rec.Valuation.Value),
			ThresholdWeighted: copyOrZero(rec.Valuation.ThresholdWeighted),
			Timestamp:         rec.Valuation.Timestamp,
		}
	}
	for _, rec := range changes.Slots {
		l.lastSlot[rec.User] = rec.Slot
	}
	if changes.Global != nil {
		l.global = changes.Global.Clone()
	}
	if changes.Emergency != nil {
		l.emergency = changes.Emergency.Clone()
	}
}

func sortBalances(items []BalanceRecord) {
	sort.Slice(items, func(i, j int) bool {
		if c := bytes.Compare(items[i].User[:], items[j].User[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(items[i].Token[:], items[j].Token[:]) < 0
	})
}

func sortDebts(items []DebtRecord) {
	sort.Slice(items, func(i, j int) bool { return bytes.Compare(items[i].User[:], items[j].User[:]) < 0 })
}

func sortTokenAmounts(items []TokenAmount) {
	sort.Slice(items, func(i, j int) bool { return bytes.Compare(items[i].Token[:], items[j].Token[:]) < 0 })
}

func sortWindows(items []WindowRecord) {
	sort.Slice(items, func(i, j int) bool {
		if c := bytes.Compare(items[i].User[:], items[j].User[:]); c != 0 {
			return c < 0
		}
		return items[i].Kind < items[j].Kind
	})
}

func sortCache(items []CacheRecord) {
	sort.Slice(items, func(i, j int) bool { return bytes.Compare(items[i].User[:], items[j].User[:]) < 0 })
}
