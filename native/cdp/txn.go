package cdp

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// interaction is an external value transfer performed after all bookkeeping
// is final. undo compensates a completed do when a later step fails.
type interaction struct {
	name string
	do   func(ctx context.Context) error
	undo func(ctx context.Context) error
}

type dirtySet struct {
	collaterals map[common.Address]struct{}
	tokens      bool
	balances    map[balanceKey]struct{}
	debts       map[common.Address]struct{}
	held        map[common.Address]struct{}
	windows     map[windowKey]struct{}
	cache       map[common.Address]struct{}
	slots       map[common.Address]struct{}
	global      bool
	emergency   bool
}

// txn journals every write against the ledger so a failed operation leaves
// no trace. Effects apply immediately; interactions, persistence and events
// run only once the operation body has succeeded.
type txn struct {
	engine       *Engine
	state        *ledger
	now          Moment
	undo         []func()
	dirty        dirtySet
	interactions []interaction
	advisories   []func(ctx context.Context)
	events       []Event
}

func (e *Engine) begin() *txn {
	return &txn{
		engine: e,
		state:  e.state,
		now:    e.clock.Now(),
		dirty: dirtySet{
			collaterals: make(map[common.Address]struct{}),
			balances:    make(map[balanceKey]struct{}),
			debts:       make(map[common.Address]struct{}),
			held:        make(map[common.Address]struct{}),
			windows:     make(map[windowKey]struct{}),
			cache:       make(map[common.Address]struct{}),
			slots:       make(map[common.Address]struct{}),
		},
	}
}

func journalPut[K comparable, V any](tx *txn, m map[K]V, key K, value V) {
	prev, existed := m[key]
	tx.undo = append(tx.undo, func() {
		if existed {
			m[key] = prev
			return
		}
		delete(m, key)
	})
	m[key] = value
}

func journalDelete[K comparable, V any](tx *txn, m map[K]V, key K) {
	prev, existed := m[key]
	if !existed {
		return
	}
	tx.undo = append(tx.undo, func() { m[key] = prev })
	delete(m, key)
}

func (tx *txn) putCollateral(ct *CollateralType) {
	journalPut(tx, tx.state.collaterals, ct.Token, ct.Clone())
	tx.dirty.collaterals[ct.Token] = struct{}{}
}

func (tx *txn) saveTokens() {
	if tx.dirty.tokens {
		return
	}
	saved := tx.state.tokens.clone()
	tx.undo = append(tx.undo, func() { tx.state.tokens = saved })
	tx.dirty.tokens = true
}

func (tx *txn) addToken(token common.Address) {
	tx.saveTokens()
	tx.state.tokens.add(token)
}

func (tx *txn) removeToken(token common.Address) {
	tx.saveTokens()
	tx.state.tokens.remove(token)
}

func (tx *txn) setBalance(user, token common.Address, amount *uint256.Int) {
	key := balanceKey{user: user, token: token}
	journalPut(tx, tx.state.balances, key, copyOrZero(amount))
	tx.dirty.balances[key] = struct{}{}
}

func (tx *txn) setDebt(user common.Address, amount *uint256.Int) {
	journalPut(tx, tx.state.debts, user, copyOrZero(amount))
	tx.dirty.debts[user] = struct{}{}
}

func (tx *txn) setHeld(token common.Address, amount *uint256.Int) {
	journalPut(tx, tx.state.held, token, copyOrZero(amount))
	tx.dirty.held[token] = struct{}{}
}

func (tx *txn) setWindow(user common.Address, kind RateLimitKind, window RateLimitWindow) {
	key := windowKey{user: user, kind: kind}
	journalPut(tx, tx.state.windows, key, &RateLimitWindow{
		AmountUsedInWindow: copyOrZero(window.AmountUsedInWindow),
		WindowResetTime:    window.WindowResetTime,
	})
	tx.dirty.windows[key] = struct{}{}
}

func (tx *txn) setCache(user common.Address, valuation CachedValuation) {
	journalPut(tx, tx.state.cache, user, &CachedValuation{
		Value:             copyOrZero(valuation.Value),
		ThresholdWeighted: copyOrZero(valuation.ThresholdWeighted),
		Timestamp:         valuation.Timestamp,
	})
	tx.dirty.cache[user] = struct{}{}
}

func (tx *txn) invalidateCache(user common.Address) {
	journalDelete(tx, tx.state.cache, user)
	tx.dirty.cache[user] = struct{}{}
}

func (tx *txn) markSlot(user common.Address) {
	journalPut(tx, tx.state.lastSlot, user, tx.now.Slot)
	tx.dirty.slots[user] = struct{}{}
}

func (tx *txn) setGlobal(global GlobalState) {
	prev := tx.state.global
	tx.undo = append(tx.undo, func() { tx.state.global = prev })
	tx.state.global = global.Clone()
	tx.dirty.global = true
}

func (tx *txn) setEmergency(emergency EmergencyState) {
	prev := tx.state.emergency
	tx.undo = append(tx.undo, func() { tx.state.emergency = prev })
	tx.state.emergency = emergency.Clone()
	tx.dirty.emergency = true
}

func (tx *txn) interact(name string, do, undo func(ctx context.Context) error) {
	tx.interactions = append(tx.interactions, interaction{name: name, do: do, undo: undo})
}

// advise queues a best-effort notification delivered after commit. Failures
// are logged and never affect the operation.
func (tx *txn) advise(fn func(ctx context.Context)) {
	tx.advisories = append(tx.advisories, fn)
}

func (tx *txn) emit(eventType string, attrs map[string]string) {
	tx.events = append(tx.events, Event{
		ID:         uuid.New(),
		Type:       eventType,
		Time:       tx.now.Time,
		Attributes: attrs,
	})
}

func (tx *txn) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.interactions = nil
	tx.advisories = nil
	tx.events = nil
}

// commit runs the queued interactions in order and persists the change set.
// Completed interactions are compensated in reverse when a later one or the
// store fails. The caller rolls back ledger effects on error.
func (tx *txn) commit(ctx context.Context) error {
	for i, step := range tx.interactions {
		if err := step.do(ctx); err != nil {
			tx.compensate(ctx, i)
			return fmt.Errorf("%s: %w: %w", step.name, err, ErrInteractionFailed)
		}
	}
	if store := tx.engine.store; store != nil {
		if err := store.Commit(ctx, tx.changeSet()); err != nil {
			tx.compensate(ctx, len(tx.interactions))
			return fmt.Errorf("%w: %w", ErrCommitFailed, err)
		}
	}
	return nil
}

func (tx *txn) compensate(ctx context.Context, completed int) {
	for i := completed - 1; i >= 0; i-- {
		step := tx.interactions[i]
		if step.undo == nil {
			continue
		}
		if err := step.undo(ctx); err != nil {
			tx.engine.logger.Error("cdp compensation failed",
				"interaction", step.name,
				"error", err)
		}
	}
}

// publish delivers advisories and events once the operation is durable.
func (tx *txn) publish(ctx context.Context) {
	for _, fn := range tx.advisories {
		fn(ctx)
	}
	for _, event := range tx.events {
		tx.engine.events.Emit(ctx, event)
	}
}
