package state

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"nhbmarket/storage"
)

// Manager is the reference ledger. Writes land in an in-memory overlay that is
// journaled so callers can snapshot and roll back; Commit flushes the overlay
// to storage in a single batch.
//
// Manager is not safe for concurrent use.
type Manager struct {
	db          storage.Database
	dirty       map[string]dirtyEntry
	journal     []journalEntry
	rentDeposit *big.Int
}

type dirtyEntry struct {
	value   []byte
	deleted bool
}

type journalEntry struct {
	key     string
	prev    dirtyEntry
	existed bool
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:          db,
		dirty:       make(map[string]dirtyEntry),
		rentDeposit: big.NewInt(0),
	}
}

// SetRentDeposit configures the flat deposit charged per allocated account.
func (m *Manager) SetRentDeposit(amount *big.Int) {
	if amount == nil || amount.Sign() < 0 {
		m.rentDeposit = big.NewInt(0)
		return
	}
	m.rentDeposit = new(big.Int).Set(amount)
}

// RentDeposit returns the configured per-account deposit.
func (m *Manager) RentDeposit() *big.Int {
	return new(big.Int).Set(m.rentDeposit)
}

func kvKey(prefix []byte, parts ...[]byte) []byte {
	buf := append([]byte(nil), prefix...)
	for _, part := range parts {
		buf = append(buf, part...)
	}
	return ethcrypto.Keccak256(buf)
}

func (m *Manager) get(key []byte) ([]byte, bool, error) {
	if entry, ok := m.dirty[string(key)]; ok {
		if entry.deleted {
			return nil, false, nil
		}
		return append([]byte(nil), entry.value...), true, nil
	}
	value, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (m *Manager) record(key string) {
	prev, existed := m.dirty[key]
	m.journal = append(m.journal, journalEntry{key: key, prev: prev, existed: existed})
}

func (m *Manager) set(key, value []byte) {
	k := string(key)
	m.record(k)
	m.dirty[k] = dirtyEntry{value: append([]byte(nil), value...)}
}

func (m *Manager) del(key []byte) {
	k := string(key)
	m.record(k)
	m.dirty[k] = dirtyEntry{deleted: true}
}

// KVPut RLP-encodes value under key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.set(key, encoded)
	return nil
}

// KVGet decodes the value stored under key into out.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	data, ok, err := m.get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("state: decode %x: %w", key, err)
	}
	return true, nil
}

// KVDelete removes key.
func (m *Manager) KVDelete(key []byte) {
	m.del(key)
}

// Snapshot returns an identifier for the current overlay revision.
func (m *Manager) Snapshot() int {
	return len(m.journal)
}

// RevertToSnapshot undoes every write made after the snapshot was taken.
func (m *Manager) RevertToSnapshot(id int) {
	if id < 0 || id > len(m.journal) {
		return
	}
	for i := len(m.journal) - 1; i >= id; i-- {
		entry := m.journal[i]
		if entry.existed {
			m.dirty[entry.key] = entry.prev
		} else {
			delete(m.dirty, entry.key)
		}
	}
	m.journal = m.journal[:id]
}

// Pending returns the number of keys modified since the last commit.
func (m *Manager) Pending() int {
	return len(m.dirty)
}

// Commit persists the overlay atomically and clears the journal.
func (m *Manager) Commit() error {
	if len(m.dirty) == 0 {
		return nil
	}
	batch := m.db.NewBatch()
	for key, entry := range m.dirty {
		if entry.deleted {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), entry.value)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	m.Discard()
	return nil
}

// Discard drops every uncommitted write.
func (m *Manager) Discard() {
	m.dirty = make(map[string]dirtyEntry)
	m.journal = nil
}
