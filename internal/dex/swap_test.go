package dex

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/pyrolabs/pyroswap/backend/internal/anchor/pyroswap"
	"github.com/pyrolabs/pyroswap/backend/internal/ledger"
)

func testKey(seed byte) solana.PublicKey {
	var key solana.PublicKey
	for i := range key {
		key[i] = seed
	}
	return key
}

var (
	mintA   = testKey(0x0A)
	mintB   = testKey(0x0B)
	poolKey = testKey(0x10)
)

func newTestStore(t *testing.T) *ledger.Store {
	store, err := ledger.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func seedTestPool(t *testing.T, store *ledger.Store, pool PoolState) {
	t.Helper()
	if _, err := store.Update(context.Background(), func(tx *ledger.Tx) error {
		return pool.SeedPool(tx, poolKey, pyroswap.DexType_Raydium)
	}); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
}

func TestQuoteConstantProduct(t *testing.T) {
	pool := &PoolState{
		MintA:    mintA,
		MintB:    mintB,
		ReserveA: 1_000_000_000,
		ReserveB: 2_000_000_000,
		FeeBps:   30,
	}

	// effectiveIn = 100_000_000 * 9970 / 10000 = 99_700_000
	// out = 2_000_000_000 * 99_700_000 / (1_000_000_000 + 99_700_000)
	out, err := Quote(pool, mintA, 100_000_000)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	want := uint64(181_322_178)
	if out != want {
		t.Errorf("quote %d, want %d", out, want)
	}

	// The reverse direction quotes against the other reserve.
	reverse, err := Quote(pool, mintB, 100_000_000)
	if err != nil {
		t.Fatalf("reverse quote: %v", err)
	}
	if reverse >= out {
		t.Errorf("reverse quote %d should be cheaper than %d", reverse, out)
	}

	if _, err := Quote(pool, testKey(0xFF), 100); err == nil {
		t.Errorf("expected error for foreign mint")
	}
	if _, err := Quote(&PoolState{MintA: mintA, MintB: mintB}, mintA, 100); err == nil {
		t.Errorf("expected error for empty reserves")
	}
}

func TestExecuteSwapMutatesReserves(t *testing.T) {
	store := newTestStore(t)
	pool := PoolState{MintA: mintA, MintB: mintB, ReserveA: 1_000_000_000, ReserveB: 2_000_000_000, FeeBps: 30}
	seedTestPool(t, store, pool)

	route := solana.AccountMetaSlice{
		solana.Meta(RaydiumProgramID),
		solana.Meta(poolKey).WRITE(),
	}

	expected, err := Quote(&pool, mintA, 100_000_000)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}

	var out uint64
	if _, err := store.Update(context.Background(), func(tx *ledger.Tx) error {
		out, err = ExecuteSwap(tx, pyroswap.DexType_Raydium, route, mintA, 100_000_000, expected)
		return err
	}); err != nil {
		t.Fatalf("execute swap: %v", err)
	}
	if out != expected {
		t.Errorf("swap output %d, want %d", out, expected)
	}

	account, err := store.Account(poolKey)
	if err != nil {
		t.Fatalf("pool account: %v", err)
	}
	updated, err := ParsePoolState(account.Data)
	if err != nil {
		t.Fatalf("parse pool: %v", err)
	}
	if updated.ReserveA != pool.ReserveA+100_000_000 {
		t.Errorf("reserve A %d, want %d", updated.ReserveA, pool.ReserveA+100_000_000)
	}
	if updated.ReserveB != pool.ReserveB-out {
		t.Errorf("reserve B %d, want %d", updated.ReserveB, pool.ReserveB-out)
	}
}

func TestExecuteSwapSlippageRejectionLeavesStateUnchanged(t *testing.T) {
	store := newTestStore(t)
	pool := PoolState{MintA: mintA, MintB: mintB, ReserveA: 1_000_000_000, ReserveB: 2_000_000_000, FeeBps: 30}
	seedTestPool(t, store, pool)
	slotBefore := store.Slot()

	route := solana.AccountMetaSlice{
		solana.Meta(RaydiumProgramID),
		solana.Meta(poolKey).WRITE(),
	}

	_, err := store.Update(context.Background(), func(tx *ledger.Tx) error {
		_, err := ExecuteSwap(tx, pyroswap.DexType_Raydium, route, mintA, 100_000_000, ^uint64(0))
		return err
	})
	if !errors.Is(err, ErrRouteRejected) {
		t.Fatalf("got %v, want ErrRouteRejected", err)
	}

	if store.Slot() != slotBefore {
		t.Errorf("rejected swap advanced the slot")
	}
	account, err := store.Account(poolKey)
	if err != nil {
		t.Fatalf("pool account: %v", err)
	}
	unchanged, err := ParsePoolState(account.Data)
	if err != nil {
		t.Fatalf("parse pool: %v", err)
	}
	if unchanged.ReserveA != pool.ReserveA || unchanged.ReserveB != pool.ReserveB {
		t.Errorf("reserves changed after rejection: %+v", unchanged)
	}
}

func TestExecuteSwapRejectsReserveOverflow(t *testing.T) {
	store := newTestStore(t)
	// The quote discounts the 30 bps fee, so reserveIn + effectiveIn stays
	// below the u64 ceiling while reserveIn + amountIn would wrap.
	pool := PoolState{
		MintA:    mintA,
		MintB:    mintB,
		ReserveA: ^uint64(0) - 999_999,
		ReserveB: 2_000_000_000_000_000_000,
		FeeBps:   30,
	}
	seedTestPool(t, store, pool)

	route := solana.AccountMetaSlice{
		solana.Meta(RaydiumProgramID),
		solana.Meta(poolKey).WRITE(),
	}

	if _, err := Quote(&pool, mintA, 1_000_000); err != nil {
		t.Fatalf("quote should still price the swap: %v", err)
	}

	_, err := store.Update(context.Background(), func(tx *ledger.Tx) error {
		_, err := ExecuteSwap(tx, pyroswap.DexType_Raydium, route, mintA, 1_000_000, 0)
		return err
	})
	if !errors.Is(err, ErrRouteRejected) {
		t.Fatalf("got %v, want ErrRouteRejected", err)
	}

	account, err := store.Account(poolKey)
	if err != nil {
		t.Fatalf("pool account: %v", err)
	}
	unchanged, err := ParsePoolState(account.Data)
	if err != nil {
		t.Fatalf("parse pool: %v", err)
	}
	if unchanged.ReserveA != pool.ReserveA || unchanged.ReserveB != pool.ReserveB {
		t.Errorf("reserves changed after overflow rejection: %+v", unchanged)
	}
}

func TestExecuteSwapRejectsWrongVenue(t *testing.T) {
	store := newTestStore(t)
	seedTestPool(t, store, PoolState{MintA: mintA, MintB: mintB, ReserveA: 1_000_000, ReserveB: 1_000_000, FeeBps: 30})

	// The pool is a Raydium pool, but the route claims Orca.
	route := solana.AccountMetaSlice{
		solana.Meta(OrcaProgramID),
		solana.Meta(poolKey).WRITE(),
	}
	_, err := store.Update(context.Background(), func(tx *ledger.Tx) error {
		_, err := ExecuteSwap(tx, pyroswap.DexType_Orca, route, mintA, 1000, 0)
		return err
	})
	if !errors.Is(err, ErrRouteRejected) {
		t.Errorf("got %v, want ErrRouteRejected", err)
	}
}
