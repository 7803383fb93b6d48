package pyroswap

import (
	"crypto/sha256"
	"fmt"

	ag_binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// ProgramID is the settlement program this package binds to. Overridden from
// config before any instruction is built or account parsed.
var ProgramID = solana.MustPublicKeyFromBase58("GC2uAgNLinafxsPP8KNBkM4HZcu1jTZUgGfgV7DUhjnt")

const (
	// PriceScale is the fixed-point scale shared by entry prices and oracle
	// prices: 1 unit of price = 1e-6 output tokens per input token.
	PriceScale = uint64(1_000_000)

	BpsDenominator = uint64(10_000)

	MaxProtocolFeeBps   = uint16(500)
	MaxReferralShareBps = uint16(5_000)
	MinExecutionFee     = uint64(5_000_000)
	MaxStopLossBps      = uint16(5_000)
	MinTakeProfitBps    = uint16(100)
	MaxTakeProfitBps    = uint16(10_000)
)

type DexType ag_binary.BorshEnum

const (
	DexType_Raydium DexType = iota
	DexType_Orca
	DexType_Meteora
)

func (d DexType) String() string {
	switch d {
	case DexType_Raydium:
		return "Raydium"
	case DexType_Orca:
		return "Orca"
	case DexType_Meteora:
		return "Meteora"
	}
	return fmt.Sprintf("DexType(%d)", uint8(d))
}

func DexTypeFromString(raw string) (DexType, error) {
	switch raw {
	case "Raydium", "raydium":
		return DexType_Raydium, nil
	case "Orca", "orca":
		return DexType_Orca, nil
	case "Meteora", "meteora":
		return DexType_Meteora, nil
	}
	return 0, fmt.Errorf("unknown dex type %q", raw)
}

type PositionStatus ag_binary.BorshEnum

const (
	PositionStatus_Active PositionStatus = iota
	PositionStatus_Executed
	PositionStatus_Cancelled
)

func (s PositionStatus) String() string {
	switch s {
	case PositionStatus_Active:
		return "Active"
	case PositionStatus_Executed:
		return "Executed"
	case PositionStatus_Cancelled:
		return "Cancelled"
	}
	return fmt.Sprintf("PositionStatus(%d)", uint8(s))
}

// Terminal reports whether the status admits no further transition.
func (s PositionStatus) Terminal() bool {
	switch s {
	case PositionStatus_Active:
		return false
	case PositionStatus_Executed:
		return true
	case PositionStatus_Cancelled:
		return true
	}
	return false
}

// StatusByteOffset is the byte offset of the status tag within serialized
// Position account data, counted from the leading discriminator. Scans for
// active positions memcmp a single 0x00 byte here.
const StatusByteOffset = 230

func accountDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

func instructionDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}
