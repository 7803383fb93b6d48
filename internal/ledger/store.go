package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrClosed          = errors.New("ledger store closed")
)

// Account is one versioned ledger record. Slot is the commit slot of the last
// write to the account.
type Account struct {
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
	Slot     uint64
}

func (a *Account) clone() *Account {
	out := &Account{
		Owner:    a.Owner,
		Lamports: a.Lamports,
		Slot:     a.Slot,
	}
	if a.Data != nil {
		out.Data = make([]byte, len(a.Data))
		copy(out.Data, a.Data)
	}
	return out
}

type KeyedAccount struct {
	Pubkey  solana.PublicKey
	Account *Account
}

// Memcmp filters Scan results on raw account data, mirroring the RPC filter
// shape used against real cluster nodes.
type Memcmp struct {
	Offset int
	Bytes  []byte
}

func (f Memcmp) matches(data []byte) bool {
	if f.Offset < 0 || f.Offset+len(f.Bytes) > len(data) {
		return false
	}
	return bytes.Equal(data[f.Offset:f.Offset+len(f.Bytes)], f.Bytes)
}

var (
	accountKeyPrefix = []byte("a:")
	slotKey          = []byte("m:slot")
)

// Store is the execution substrate: durable account records with atomic,
// all-or-nothing state transitions. A single commit lock serializes updates;
// every successful Update advances the slot by one and stamps it on each
// written account.
type Store struct {
	mu     sync.RWMutex
	db     *pebble.DB
	slot   uint64
	closed bool
}

// Open opens (or creates) a ledger at path.
func Open(path string) (*Store, error) {
	return open(path, nil)
}

// OpenInMemory backs the ledger with an in-memory filesystem. Used by tests
// and throwaway local environments.
func OpenInMemory() (*Store, error) {
	return open("", vfs.NewMem())
}

func open(path string, fs vfs.FS) (*Store, error) {
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
		path = "ledger"
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger at %q: %w", path, err)
	}

	store := &Store{db: db}
	if err := store.loadSlot(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) loadSlot() error {
	value, closer, err := s.db.Get(slotKey)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			s.slot = 0
			return nil
		}
		return fmt.Errorf("load ledger slot: %w", err)
	}
	defer closer.Close()
	if len(value) != 8 {
		return fmt.Errorf("corrupt ledger slot record (%d bytes)", len(value))
	}
	s.slot = binary.LittleEndian.Uint64(value)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Slot returns the ledger's current commit slot.
func (s *Store) Slot() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slot
}

// Account returns a copy of the record at key, or ErrAccountNotFound.
func (s *Store) Account(key solana.PublicKey) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.getAccountLocked(key)
}

func (s *Store) getAccountLocked(key solana.PublicKey) (*Account, error) {
	value, closer, err := s.db.Get(accountKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account %s: %w", key, err)
	}
	defer closer.Close()
	return decodeAccount(value)
}

// Scan returns every account owned by program whose data matches all filters.
// Order across accounts is unspecified; callers must not depend on it.
func (s *Store) Scan(program solana.PublicKey, filters []Memcmp) ([]KeyedAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: accountKeyPrefix,
		UpperBound: keyUpperBound(accountKeyPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger iterator: %w", err)
	}
	defer iter.Close()

	var out []KeyedAccount
scan:
	for iter.First(); iter.Valid(); iter.Next() {
		account, err := decodeAccount(iter.Value())
		if err != nil {
			return nil, err
		}
		if !account.Owner.Equals(program) {
			continue
		}
		for _, filter := range filters {
			if !filter.matches(account.Data) {
				continue scan
			}
		}
		pubkey, err := pubkeyFromAccountKey(iter.Key())
		if err != nil {
			return nil, err
		}
		out = append(out, KeyedAccount{Pubkey: pubkey, Account: account})
	}
	return out, iter.Error()
}

// Tx stages account writes for one atomic transition. Reads observe staged
// state, so a handler sees its own writes. Nothing reaches the ledger until
// the enclosing Update returns nil.
type Tx struct {
	store  *Store
	staged map[solana.PublicKey]*Account
	slot   uint64
}

// Slot is the slot this transaction will commit at.
func (tx *Tx) Slot() uint64 {
	return tx.slot
}

func (tx *Tx) Account(key solana.PublicKey) (*Account, error) {
	if staged, ok := tx.staged[key]; ok {
		if staged == nil {
			return nil, ErrAccountNotFound
		}
		return staged.clone(), nil
	}
	return tx.store.getAccountLocked(key)
}

func (tx *Tx) Put(key solana.PublicKey, account *Account) {
	account.Slot = tx.slot
	tx.staged[key] = account
}

// Delete stages removal of the account (used when a vault is drained and
// closed in the same transition that finalizes its position).
func (tx *Tx) Delete(key solana.PublicKey) {
	tx.staged[key] = nil
}

// Update runs fn against a staged transaction and commits all of its writes
// in one synced pebble batch, or none of them if fn fails. Returns the commit
// slot on success.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	tx := &Tx{
		store:  s,
		staged: make(map[solana.PublicKey]*Account),
		slot:   s.slot + 1,
	}
	if err := fn(tx); err != nil {
		return 0, err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for key, account := range tx.staged {
		if account == nil {
			if err := batch.Delete(accountKey(key), nil); err != nil {
				return 0, fmt.Errorf("stage delete %s: %w", key, err)
			}
			continue
		}
		encoded, err := encodeAccount(account)
		if err != nil {
			return 0, fmt.Errorf("encode account %s: %w", key, err)
		}
		if err := batch.Set(accountKey(key), encoded, nil); err != nil {
			return 0, fmt.Errorf("stage write %s: %w", key, err)
		}
	}
	slotValue := make([]byte, 8)
	binary.LittleEndian.PutUint64(slotValue, tx.slot)
	if err := batch.Set(slotKey, slotValue, nil); err != nil {
		return 0, fmt.Errorf("stage slot write: %w", err)
	}

	if err := s.db.Apply(batch, pebble.Sync); err != nil {
		return 0, fmt.Errorf("commit ledger batch: %w", err)
	}
	s.slot = tx.slot
	return tx.slot, nil
}

func accountKey(key solana.PublicKey) []byte {
	out := make([]byte, 0, len(accountKeyPrefix)+32)
	out = append(out, accountKeyPrefix...)
	return append(out, key[:]...)
}

func pubkeyFromAccountKey(raw []byte) (solana.PublicKey, error) {
	if len(raw) != len(accountKeyPrefix)+32 {
		return solana.PublicKey{}, fmt.Errorf("corrupt account key (%d bytes)", len(raw))
	}
	return solana.PublicKeyFromBytes(raw[len(accountKeyPrefix):]), nil
}

func keyUpperBound(prefix []byte) []byte {
	out := make([]byte, len(prefix))
	copy(out, prefix)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			return out[:i+1]
		}
	}
	return nil
}

// Record layout: owner(32) | lamports(8 LE) | slot(8 LE) | data.
func encodeAccount(account *Account) ([]byte, error) {
	out := make([]byte, 0, 48+len(account.Data))
	out = append(out, account.Owner[:]...)
	out = binary.LittleEndian.AppendUint64(out, account.Lamports)
	out = binary.LittleEndian.AppendUint64(out, account.Slot)
	return append(out, account.Data...), nil
}

func decodeAccount(raw []byte) (*Account, error) {
	if len(raw) < 48 {
		return nil, fmt.Errorf("corrupt account record (%d bytes)", len(raw))
	}
	account := &Account{
		Owner:    solana.PublicKeyFromBytes(raw[:32]),
		Lamports: binary.LittleEndian.Uint64(raw[32:40]),
		Slot:     binary.LittleEndian.Uint64(raw[40:48]),
	}
	if len(raw) > 48 {
		account.Data = make([]byte, len(raw)-48)
		copy(account.Data, raw[48:])
	}
	return account, nil
}
