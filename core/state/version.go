package state

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"usq/native/cdp"
	"usq/storage"
)

// StateVersion identifies the expected on-disk schema layout. Increment this
// constant whenever breaking changes are made to the stored structure.
// Version 2 persists the collateral iteration list under cdp/tokens.
const StateVersion uint32 = 2

var (
	stateVersionKey = []byte("state/version")
	// ErrStateVersionMismatch indicates the stored schema version does not
	// match the version supported by the current binary.
	ErrStateVersionMismatch = errors.New("state: schema version mismatch")
	// ErrNoMigration is returned when no upgrade step exists for a version.
	ErrNoMigration = errors.New("state: no migration path")
)

// SetStateVersion records the provided schema version in state. Callers should
// invoke this after performing any required migrations.
func (m *Manager) SetStateVersion(version uint32) error {
	if m == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	return m.KVPut(stateVersionKey, uint64(version))
}

// StateVersion returns the stored schema version and a boolean indicating
// whether the value was present.
func (m *Manager) StateVersion() (uint32, bool, error) {
	if m == nil {
		return 0, false, fmt.Errorf("state: manager unavailable")
	}
	var stored uint64
	ok, err := m.KVGet(stateVersionKey, &stored)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	if stored > uint64(math.MaxUint32) {
		return 0, false, fmt.Errorf("state: schema version overflow: %d", stored)
	}
	return uint32(stored), true, nil
}

// EnsureStateVersion verifies that the on-disk state version matches the
// version supported by this binary. A database with no records at all is
// stamped with the current version. When allowMigrate is true, mismatches are
// tolerated so operators can run Migrate.
func EnsureStateVersion(db storage.Database, allowMigrate bool) error {
	if db == nil {
		return fmt.Errorf("state: database must not be nil")
	}
	manager := NewManager(db)
	version, ok, err := manager.StateVersion()
	if err != nil {
		return err
	}
	if !ok {
		empty, err := isEmpty(db)
		if err != nil {
			return err
		}
		if empty {
			return manager.SetStateVersion(StateVersion)
		}
		version = 0
	}
	if version == StateVersion {
		return nil
	}
	if allowMigrate {
		return nil
	}
	return fmt.Errorf("%w: on-disk=%d expected=%d", ErrStateVersionMismatch, version, StateVersion)
}

// migration upgrades the schema from version to version+1.
type migration func(m *Manager) error

var migrations = map[uint32]migration{
	0: func(m *Manager) error { return nil },
	1: rebuildTokenList,
}

// Migrate applies every pending upgrade step in order and returns the
// version found on disk before migrating.
func Migrate(db storage.Database) (uint32, error) {
	manager := NewManager(db)
	from, ok, err := manager.StateVersion()
	if err != nil {
		return 0, err
	}
	if !ok {
		from = 0
	}
	if from > StateVersion {
		return from, fmt.Errorf("%w: on-disk=%d is newer than %d", ErrStateVersionMismatch, from, StateVersion)
	}
	for version := from; version < StateVersion; version++ {
		step, ok := migrations[version]
		if !ok {
			return from, fmt.Errorf("%w: %d -> %d", ErrNoMigration, version, version+1)
		}
		if err := step(manager); err != nil {
			return from, fmt.Errorf("state: migrate %d -> %d: %w", version, version+1, err)
		}
		if err := manager.SetStateVersion(version + 1); err != nil {
			return from, err
		}
	}
	return from, nil
}

// rebuildTokenList derives the iteration list from the enabled collateral
// records, ordered by address.
func rebuildTokenList(m *Manager) error {
	var tokens []common.Address
	err := scan(m.db, cdpCollateralPrefix, func(ct *cdp.CollateralType) {
		if ct.Enabled {
			tokens = append(tokens, ct.Token)
		}
	})
	if err != nil {
		return err
	}
	sort.Slice(tokens, func(i, j int) bool { return bytes.Compare(tokens[i][:], tokens[j][:]) < 0 })
	if tokens == nil {
		tokens = []common.Address{}
	}
	batch := m.db.NewBatch()
	if err := putRLP(batch, cdpTokensKey, tokens); err != nil {
		return err
	}
	return batch.Write()
}

func isEmpty(db storage.Database) (bool, error) {
	empty := true
	err := db.Iterate(nil, func([]byte, []byte) bool {
		empty = false
		return false
	})
	return empty, err
}
