package dex

import (
	"bytes"
	"fmt"

	ag_binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/pyrolabs/pyroswap/backend/internal/anchor/pyroswap"
	"github.com/pyrolabs/pyroswap/backend/internal/ledger"
)

// Venue program IDs. Pool accounts are owned by the program of the venue
// that hosts them, which is how ExecuteSwap validates a route.
var (
	RaydiumProgramID = solana.MustPublicKeyFromBase58("675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8")
	OrcaProgramID    = solana.MustPublicKeyFromBase58("whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc")
	MeteoraProgramID = solana.MustPublicKeyFromBase58("LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo")
)

func VenueProgramID(dexType pyroswap.DexType) (solana.PublicKey, error) {
	switch dexType {
	case pyroswap.DexType_Raydium:
		return RaydiumProgramID, nil
	case pyroswap.DexType_Orca:
		return OrcaProgramID, nil
	case pyroswap.DexType_Meteora:
		return MeteoraProgramID, nil
	}
	return solana.PublicKey{}, fmt.Errorf("unknown dex type %d", uint8(dexType))
}

// PoolState is the constant-product pool account shared by all three venues.
// Reserves are denominated in the pool's own mints; FeeBps is taken from the
// input side before the swap.
type PoolState struct {
	MintA    solana.PublicKey
	MintB    solana.PublicKey
	ReserveA uint64
	ReserveB uint64
	FeeBps   uint16
}

func ParsePoolState(data []byte) (*PoolState, error) {
	pool := new(PoolState)
	if err := ag_binary.NewBorshDecoder(data).Decode(pool); err != nil {
		return nil, fmt.Errorf("decode pool state: %w", err)
	}
	return pool, nil
}

func (p *PoolState) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := ag_binary.NewBorshEncoder(buf).Encode(p); err != nil {
		return nil, fmt.Errorf("encode pool state: %w", err)
	}
	return buf.Bytes(), nil
}

// SeedPool writes a pool account owned by the venue program. Used at
// bootstrap and in tests to stand up liquidity.
func (p *PoolState) SeedPool(tx *ledger.Tx, address solana.PublicKey, dexType pyroswap.DexType) error {
	program, err := VenueProgramID(dexType)
	if err != nil {
		return err
	}
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	tx.Put(address, &ledger.Account{Owner: program, Data: data})
	return nil
}
