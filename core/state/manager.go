package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"usq/storage"
)

// Manager reads and writes RLP-encoded records in a key-value database.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Database exposes the backing store.
func (m *Manager) Database() storage.Database {
	if m == nil {
		return nil
	}
	return m.db
}

var (
	kvPrefix      = []byte("kv/")
	balancePrefix = []byte("balance:")
)

func kvKey(key []byte) []byte {
	return prefixed(kvPrefix, ethcrypto.Keccak256(key))
}

func prefixed(prefix []byte, suffix []byte) []byte {
	buf := make([]byte, len(prefix)+len(suffix))
	copy(buf, prefix)
	copy(buf[len(prefix):], suffix)
	return buf
}

func balanceKey(addr common.Address, asset string) []byte {
	buf := make([]byte, 0, len(balancePrefix)+len(asset)+1+common.AddressLength)
	buf = append(buf, balancePrefix...)
	buf = append(buf, asset...)
	buf = append(buf, ':')
	buf = append(buf, addr.Bytes()...)
	return prefixed(balancePrefix, ethcrypto.Keccak256(buf))
}

// SetBalance stores an account balance of the named asset. A zero or nil
// amount removes the record.
func (m *Manager) SetBalance(addr common.Address, asset string, amount *big.Int) error {
	if m == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	key := balanceKey(addr, asset)
	if amount == nil || amount.Sign() == 0 {
		return m.db.Delete(key)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative balance for %s", addr.Hex())
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// Balance returns the stored balance or zero.
func (m *Manager) Balance(addr common.Address, asset string) (*big.Int, error) {
	if m == nil {
		return nil, fmt.Errorf("state: manager unavailable")
	}
	data, err := m.db.Get(balanceKey(addr, asset))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	out := new(big.Int)
	if err := rlp.DecodeBytes(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// KVPut stores an arbitrary RLP-encodable value under the supplied key. The
// key is hashed prior to insertion.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.db.Get(kvKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under the supplied key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.db.Delete(kvKey(key))
}
