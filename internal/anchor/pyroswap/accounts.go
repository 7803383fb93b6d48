package pyroswap

import (
	"bytes"
	"encoding/binary"
	"fmt"

	ag_binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	Account_GlobalConfig = accountDiscriminator("GlobalConfig")
	Account_Position     = accountDiscriminator("Position")
)

// GlobalConfig is the protocol-wide fee policy record. A single instance
// lives at the global_config PDA and is only ever written by `initialize`.
type GlobalConfig struct {
	Admin                 solana.PublicKey
	FeeDestination        solana.PublicKey
	ProtocolFeeBps        uint16
	ReferralFeeShareBps   uint16
	TotalPositionsCreated uint64
	TotalVolume           uint64
	Bump                  uint8
}

// Position is one escrowed conditional order. The wire layout is fixed width:
// both options are serialized as flag byte plus full-size value, so every
// position account is exactly PositionDataSize bytes and the status tag lands
// at StatusByteOffset regardless of whether a referrer is set. Memcmp scans
// depend on that.
type Position struct {
	Owner              solana.PublicKey
	Vault              solana.PublicKey
	InputMint          solana.PublicKey
	OutputMint         solana.PublicKey
	Referrer           *solana.PublicKey
	AmountIn           uint64
	SlBps              uint16
	TpBps              uint16
	EntryPrice         uint64
	ExecutionFeeEscrow uint64
	OraclePriceFeed    solana.PublicKey
	PreferredDex       DexType
	Status             PositionStatus
	CreatedAt          int64
	ExecutedAt         *int64
	Bump               uint8
}

// PositionDataSize is the full serialized size including the discriminator.
const PositionDataSize = 249

// TriggerPrices returns the take-profit and stop-loss thresholds derived from
// the entry price, in the position's fixed-point price scale.
func (p *Position) TriggerPrices() (tpPrice uint64, slPrice uint64, err error) {
	tpPrice, err = MulDivFloor(p.EntryPrice, BpsDenominator+uint64(p.TpBps), BpsDenominator)
	if err != nil {
		return 0, 0, err
	}
	slPrice, err = MulDivFloor(p.EntryPrice, BpsDenominator-uint64(p.SlBps), BpsDenominator)
	if err != nil {
		return 0, 0, err
	}
	return tpPrice, slPrice, nil
}

// ShouldExecute reports whether currentPrice crosses either threshold.
// Off-ledger trigger arithmetic is the authority; the settlement program only
// verifies the oracle account identity and freshness.
func (p *Position) ShouldExecute(currentPrice uint64) bool {
	if p.Status != PositionStatus_Active {
		return false
	}
	return p.IsTakeProfitTriggered(currentPrice) || p.IsStopLossTriggered(currentPrice)
}

func (p *Position) IsTakeProfitTriggered(currentPrice uint64) bool {
	tpPrice, err := MulDivFloor(p.EntryPrice, BpsDenominator+uint64(p.TpBps), BpsDenominator)
	if err != nil {
		return false
	}
	return currentPrice >= tpPrice
}

func (p *Position) IsStopLossTriggered(currentPrice uint64) bool {
	slPrice, err := MulDivFloor(p.EntryPrice, BpsDenominator-uint64(p.SlBps), BpsDenominator)
	if err != nil {
		return false
	}
	return currentPrice <= slPrice
}

func ParseAccount_GlobalConfig(data []byte) (*GlobalConfig, error) {
	out := new(GlobalConfig)
	if err := parseAccount(Account_GlobalConfig, data, out); err != nil {
		return nil, fmt.Errorf("parse GlobalConfig: %w", err)
	}
	return out, nil
}

func ParseAccount_Position(data []byte) (*Position, error) {
	if len(data) != PositionDataSize {
		return nil, fmt.Errorf("parse Position: data is %d bytes, want %d", len(data), PositionDataSize)
	}
	if !bytes.Equal(data[:8], Account_Position[:]) {
		return nil, fmt.Errorf("parse Position: discriminator mismatch")
	}

	out := new(Position)
	copy(out.Owner[:], data[8:40])
	copy(out.Vault[:], data[40:72])
	copy(out.InputMint[:], data[72:104])
	copy(out.OutputMint[:], data[104:136])
	if data[136] != 0 {
		referrer := solana.PublicKeyFromBytes(data[137:169])
		out.Referrer = &referrer
	}
	out.AmountIn = binary.LittleEndian.Uint64(data[169:177])
	out.SlBps = binary.LittleEndian.Uint16(data[177:179])
	out.TpBps = binary.LittleEndian.Uint16(data[179:181])
	out.EntryPrice = binary.LittleEndian.Uint64(data[181:189])
	out.ExecutionFeeEscrow = binary.LittleEndian.Uint64(data[189:197])
	copy(out.OraclePriceFeed[:], data[197:229])
	out.PreferredDex = DexType(data[229])
	out.Status = PositionStatus(data[StatusByteOffset])
	out.CreatedAt = int64(binary.LittleEndian.Uint64(data[231:239]))
	if data[239] != 0 {
		executedAt := int64(binary.LittleEndian.Uint64(data[240:248]))
		out.ExecutedAt = &executedAt
	}
	out.Bump = data[248]
	return out, nil
}

func (c *GlobalConfig) Marshal() ([]byte, error) {
	return marshalAccount(Account_GlobalConfig, c)
}

func (p *Position) Marshal() ([]byte, error) {
	data := make([]byte, PositionDataSize)
	copy(data[:8], Account_Position[:])
	copy(data[8:40], p.Owner[:])
	copy(data[40:72], p.Vault[:])
	copy(data[72:104], p.InputMint[:])
	copy(data[104:136], p.OutputMint[:])
	if p.Referrer != nil {
		data[136] = 1
		copy(data[137:169], p.Referrer[:])
	}
	binary.LittleEndian.PutUint64(data[169:177], p.AmountIn)
	binary.LittleEndian.PutUint16(data[177:179], p.SlBps)
	binary.LittleEndian.PutUint16(data[179:181], p.TpBps)
	binary.LittleEndian.PutUint64(data[181:189], p.EntryPrice)
	binary.LittleEndian.PutUint64(data[189:197], p.ExecutionFeeEscrow)
	copy(data[197:229], p.OraclePriceFeed[:])
	data[229] = byte(p.PreferredDex)
	data[StatusByteOffset] = byte(p.Status)
	binary.LittleEndian.PutUint64(data[231:239], uint64(p.CreatedAt))
	if p.ExecutedAt != nil {
		data[239] = 1
		binary.LittleEndian.PutUint64(data[240:248], uint64(*p.ExecutedAt))
	}
	data[248] = p.Bump
	return data, nil
}

func parseAccount(discriminator [8]byte, data []byte, out any) error {
	if len(data) < len(discriminator) {
		return fmt.Errorf("data too short (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:8], discriminator[:]) {
		return fmt.Errorf("discriminator mismatch")
	}
	decoder := ag_binary.NewBorshDecoder(data[8:])
	return decoder.Decode(out)
}

func marshalAccount(discriminator [8]byte, in any) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(discriminator[:])
	encoder := ag_binary.NewBorshEncoder(buf)
	if err := encoder.Encode(in); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
