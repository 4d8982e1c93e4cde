package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"usq/native/cdp"
	"usq/storage"
)

var (
	cdpCollateralPrefix = []byte("cdp/collateral/")
	cdpBalancePrefix    = []byte("cdp/balance/")
	cdpDebtPrefix       = []byte("cdp/debt/")
	cdpHeldPrefix       = []byte("cdp/held/")
	cdpWindowPrefix     = []byte("cdp/window/")
	cdpCachePrefix      = []byte("cdp/cache/")
	cdpSlotPrefix       = []byte("cdp/slot/")
	cdpTokensKey        = []byte("cdp/tokens")
	cdpGlobalKey        = []byte("cdp/global")
	cdpEmergencyKey     = []byte("cdp/emergency")
)

// Record keys are a readable prefix followed by the Keccak-256 of the record
// identity. Records carry their identity so prefix scans can rebuild state.

func CollateralKey(token common.Address) []byte {
	return prefixed(cdpCollateralPrefix, ethcrypto.Keccak256(token.Bytes()))
}

func PositionBalanceKey(user, token common.Address) []byte {
	return prefixed(cdpBalancePrefix, ethcrypto.Keccak256(user.Bytes(), token.Bytes()))
}

func DebtKey(user common.Address) []byte {
	return prefixed(cdpDebtPrefix, ethcrypto.Keccak256(user.Bytes()))
}

func HeldKey(token common.Address) []byte {
	return prefixed(cdpHeldPrefix, ethcrypto.Keccak256(token.Bytes()))
}

func WindowKey(user common.Address, kind cdp.RateLimitKind) []byte {
	return prefixed(cdpWindowPrefix, ethcrypto.Keccak256(user.Bytes(), []byte{byte(kind)}))
}

func CacheKey(user common.Address) []byte {
	return prefixed(cdpCachePrefix, ethcrypto.Keccak256(user.Bytes()))
}

func SlotKey(user common.Address) []byte {
	return prefixed(cdpSlotPrefix, ethcrypto.Keccak256(user.Bytes()))
}

// Store persists engine change sets. Each commit is written as one batch.
type Store struct {
	manager *Manager
}

var _ cdp.Store = (*Store)(nil)

// NewStore binds an engine store to the manager's database.
func NewStore(manager *Manager) *Store {
	return &Store{manager: manager}
}

// Commit writes every record of the change set atomically. Zero balances,
// zero debts and cleared cache entries are deleted.
func (s *Store) Commit(ctx context.Context, changes *cdp.ChangeSet) error {
	if s == nil || s.manager == nil {
		return fmt.Errorf("state: store unavailable")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if changes.Empty() {
		return nil
	}
	batch := s.manager.db.NewBatch()
	if err := writeChangeSet(batch, changes); err != nil {
		return err
	}
	return batch.Write()
}

func writeChangeSet(batch storage.Batch, changes *cdp.ChangeSet) error {
	for i := range changes.Collaterals {
		ct := normalizeCollateral(changes.Collaterals[i])
		if err := putRLP(batch, CollateralKey(ct.Token), &ct); err != nil {
			return err
		}
	}
	if changes.TokensChanged {
		tokens := changes.Tokens
		if tokens == nil {
			tokens = []common.Address{}
		}
		if err := putRLP(batch, cdpTokensKey, tokens); err != nil {
			return err
		}
	}
	for _, rec := range changes.Balances {
		key := PositionBalanceKey(rec.User, rec.Token)
		if rec.Amount == nil || rec.Amount.IsZero() {
			batch.Delete(key)
			continue
		}
		if err := putRLP(batch, key, &rec); err != nil {
			return err
		}
	}
	for _, rec := range changes.Debts {
		key := DebtKey(rec.User)
		if rec.Amount == nil || rec.Amount.IsZero() {
			batch.Delete(key)
			continue
		}
		if err := putRLP(batch, key, &rec); err != nil {
			return err
		}
	}
	for _, rec := range changes.Held {
		rec.Amount = orZero(rec.Amount)
		if err := putRLP(batch, HeldKey(rec.Token), &rec); err != nil {
			return err
		}
	}
	for _, rec := range changes.Windows {
		rec.Window.AmountUsedInWindow = orZero(rec.Window.AmountUsedInWindow)
		if err := putRLP(batch, WindowKey(rec.User, rec.Kind), &rec); err != nil {
			return err
		}
	}
	for _, rec := range changes.Cache {
		key := CacheKey(rec.User)
		if rec.Cleared {
			batch.Delete(key)
			continue
		}
		rec.Valuation.Value = orZero(rec.Valuation.Value)
		rec.Valuation.ThresholdWeighted = orZero(rec.Valuation.ThresholdWeighted)
		if err := putRLP(batch, key, &rec); err != nil {
			return err
		}
	}
	for _, rec := range changes.Slots {
		if err := putRLP(batch, SlotKey(rec.User), &rec); err != nil {
			return err
		}
	}
	if changes.Global != nil {
		global := normalizeGlobal(*changes.Global)
		if err := putRLP(batch, cdpGlobalKey, &global); err != nil {
			return err
		}
	}
	if changes.Emergency != nil {
		emergency := normalizeEmergency(*changes.Emergency)
		if err := putRLP(batch, cdpEmergencyKey, &emergency); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the complete engine state. An empty database yields a change
// set with no records, which leaves a fresh engine untouched.
func (s *Store) Load(ctx context.Context) (*cdp.ChangeSet, error) {
	if s == nil || s.manager == nil {
		return nil, fmt.Errorf("state: store unavailable")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db := s.manager.db
	out := &cdp.ChangeSet{}

	if err := scan(db, cdpCollateralPrefix, func(ct *cdp.CollateralType) { out.Collaterals = append(out.Collaterals, *ct) }); err != nil {
		return nil, fmt.Errorf("state: load collaterals: %w", err)
	}
	var tokens []common.Address
	ok, err := getRLP(db, cdpTokensKey, &tokens)
	if err != nil {
		return nil, fmt.Errorf("state: load token list: %w", err)
	}
	if ok {
		out.Tokens = tokens
		out.TokensChanged = true
	}
	if err := scan(db, cdpBalancePrefix, func(rec *cdp.BalanceRecord) { out.Balances = append(out.Balances, *rec) }); err != nil {
		return nil, fmt.Errorf("state: load balances: %w", err)
	}
	if err := scan(db, cdpDebtPrefix, func(rec *cdp.DebtRecord) { out.Debts = append(out.Debts, *rec) }); err != nil {
		return nil, fmt.Errorf("state: load debts: %w", err)
	}
	if err := scan(db, cdpHeldPrefix, func(rec *cdp.TokenAmount) { out.Held = append(out.Held, *rec) }); err != nil {
		return nil, fmt.Errorf("state: load held collateral: %w", err)
	}
	if err := scan(db, cdpWindowPrefix, func(rec *cdp.WindowRecord) { out.Windows = append(out.Windows, *rec) }); err != nil {
		return nil, fmt.Errorf("state: load rate windows: %w", err)
	}
	if err := scan(db, cdpCachePrefix, func(rec *cdp.CacheRecord) { out.Cache = append(out.Cache, *rec) }); err != nil {
		return nil, fmt.Errorf("state: load valuation cache: %w", err)
	}
	if err := scan(db, cdpSlotPrefix, func(rec *cdp.SlotRecord) { out.Slots = append(out.Slots, *rec) }); err != nil {
		return nil, fmt.Errorf("state: load slots: %w", err)
	}
	global := new(cdp.GlobalState)
	if ok, err := getRLP(db, cdpGlobalKey, global); err != nil {
		return nil, fmt.Errorf("state: load global: %w", err)
	} else if ok {
		out.Global = global
	}
	emergency := new(cdp.EmergencyState)
	if ok, err := getRLP(db, cdpEmergencyKey, emergency); err != nil {
		return nil, fmt.Errorf("state: load emergency: %w", err)
	} else if ok {
		out.Emergency = emergency
	}
	return out, nil
}

func putRLP(batch storage.Batch, key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	batch.Put(key, encoded)
	return nil
}

func getRLP(db storage.Database, key []byte, out interface{}) (bool, error) {
	data, err := db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// scan decodes every record under prefix into a fresh T.
func scan[T any](db storage.Database, prefix []byte, fn func(*T)) error {
	var decodeErr error
	err := db.Iterate(prefix, func(key, value []byte) bool {
		item := new(T)
		if err := rlp.DecodeBytes(value, item); err != nil {
			decodeErr = fmt.Errorf("decode %x: %w", key, err)
			return false
		}
		fn(item)
		return true
	})
	if err != nil {
		return err
	}
	return decodeErr
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

func normalizeCollateral(ct cdp.CollateralType) cdp.CollateralType {
	ct.DebtCeiling = orZero(ct.DebtCeiling)
	ct.TotalDebtMinted = orZero(ct.TotalDebtMinted)
	ct.FeeAccumulator = orZero(ct.FeeAccumulator)
	return ct
}

func normalizeGlobal(g cdp.GlobalState) cdp.GlobalState {
	g.TotalDebtIssued = orZero(g.TotalDebtIssued)
	g.GlobalDebtCeiling = orZero(g.GlobalDebtCeiling)
	g.TotalBadDebt = orZero(g.TotalBadDebt)
	g.ProtocolRevenue = orZero(g.ProtocolRevenue)
	return g
}

func normalizeEmergency(s cdp.EmergencyState) cdp.EmergencyState {
	s.SettlementPrice = orZero(s.SettlementPrice)
	s.TotalDebtAtShutdown = orZero(s.TotalDebtAtShutdown)
	snapshot := make([]cdp.TokenAmount, len(s.CollateralAtShutdown))
	for i, entry := range s.CollateralAtShutdown {
		snapshot[i] = cdp.TokenAmount{Token: entry.Token, Amount: orZero(entry.Amount)}
	}
	s.CollateralAtShutdown = snapshot
	return s
}
