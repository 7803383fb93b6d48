package pyroswap

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/gagliardetto/solana-go"
)

func testPubkey(seed byte) solana.PublicKey {
	var key solana.PublicKey
	for i := range key {
		key[i] = seed
	}
	return key
}

func samplePosition() *Position {
	return &Position{
		Owner:              testPubkey(0x01),
		Vault:              testPubkey(0x02),
		InputMint:          testPubkey(0x03),
		OutputMint:         testPubkey(0x04),
		AmountIn:           500_000_000,
		SlBps:              500,
		TpBps:              1000,
		EntryPrice:         100_000_000,
		ExecutionFeeEscrow: MinExecutionFee,
		OraclePriceFeed:    testPubkey(0x05),
		PreferredDex:       DexType_Orca,
		Status:             PositionStatus_Active,
		CreatedAt:          1_700_000_000,
		Bump:               254,
	}
}

func TestPositionWireLayout(t *testing.T) {
	position := samplePosition()
	data, err := position.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(data) != PositionDataSize {
		t.Fatalf("serialized size %d, want %d", len(data), PositionDataSize)
	}
	if !bytes.Equal(data[:8], Account_Position[:]) {
		t.Errorf("missing account discriminator prefix")
	}
	if data[StatusByteOffset] != byte(PositionStatus_Active) {
		t.Errorf("status byte at offset %d is %d, want %d", StatusByteOffset, data[StatusByteOffset], PositionStatus_Active)
	}

	// The status offset must not move when optional fields are set.
	referrer := testPubkey(0x06)
	executedAt := int64(1_700_000_100)
	position.Referrer = &referrer
	position.Status = PositionStatus_Executed
	position.ExecutedAt = &executedAt
	data, err = position.Marshal()
	if err != nil {
		t.Fatalf("marshal with options: %v", err)
	}
	if len(data) != PositionDataSize {
		t.Fatalf("serialized size with options %d, want %d", len(data), PositionDataSize)
	}
	if data[StatusByteOffset] != byte(PositionStatus_Executed) {
		t.Errorf("status byte moved when optional fields were set")
	}
}

func TestPositionRoundTrip(t *testing.T) {
	referrer := testPubkey(0x06)
	executedAt := int64(1_700_000_100)

	cases := []struct {
		name   string
		mutate func(*Position)
	}{
		{name: "minimal", mutate: func(*Position) {}},
		{name: "with referrer", mutate: func(p *Position) { p.Referrer = &referrer }},
		{name: "executed", mutate: func(p *Position) {
			p.Referrer = &referrer
			p.Status = PositionStatus_Executed
			p.ExecutedAt = &executedAt
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			position := samplePosition()
			tc.mutate(position)

			data, err := position.Marshal()
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			decoded, err := ParseAccount_Position(data)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}

			if decoded.Owner != position.Owner || decoded.Vault != position.Vault {
				t.Errorf("owner/vault mismatch after round trip")
			}
			if decoded.AmountIn != position.AmountIn || decoded.EntryPrice != position.EntryPrice {
				t.Errorf("amounts mismatch after round trip")
			}
			if decoded.SlBps != position.SlBps || decoded.TpBps != position.TpBps {
				t.Errorf("bps mismatch after round trip")
			}
			if decoded.Status != position.Status || decoded.PreferredDex != position.PreferredDex {
				t.Errorf("enums mismatch after round trip")
			}
			if (decoded.Referrer == nil) != (position.Referrer == nil) {
				t.Fatalf("referrer presence mismatch")
			}
			if position.Referrer != nil && !decoded.Referrer.Equals(*position.Referrer) {
				t.Errorf("referrer mismatch after round trip")
			}
			if (decoded.ExecutedAt == nil) != (position.ExecutedAt == nil) {
				t.Fatalf("executedAt presence mismatch")
			}
			if position.ExecutedAt != nil && *decoded.ExecutedAt != *position.ExecutedAt {
				t.Errorf("executedAt mismatch after round trip")
			}
			if decoded.Bump != position.Bump {
				t.Errorf("bump mismatch after round trip")
			}
		})
	}
}

func TestParsePositionRejectsBadData(t *testing.T) {
	position := samplePosition()
	data, err := position.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if _, err := ParseAccount_Position(data[:100]); err == nil {
		t.Errorf("expected error on truncated data")
	}

	corrupted := make([]byte, len(data))
	copy(corrupted, data)
	corrupted[0] ^= 0xff
	if _, err := ParseAccount_Position(corrupted); err == nil {
		t.Errorf("expected error on discriminator mismatch")
	}
}

func TestGlobalConfigRoundTrip(t *testing.T) {
	config := &GlobalConfig{
		Admin:                 testPubkey(0x10),
		FeeDestination:        testPubkey(0x11),
		ProtocolFeeBps:        50,
		ReferralFeeShareBps:   5000,
		TotalPositionsCreated: 42,
		TotalVolume:           1_000_000_000,
		Bump:                  253,
	}
	data, err := config.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := ParseAccount_GlobalConfig(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if *decoded != *config {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, config)
	}
}

func TestDiscriminators(t *testing.T) {
	cases := []struct {
		name string
		got  [8]byte
		seed string
	}{
		{"GlobalConfig account", Account_GlobalConfig, "account:GlobalConfig"},
		{"Position account", Account_Position, "account:Position"},
		{"initialize", Instruction_Initialize, "global:initialize"},
		{"open_position", Instruction_OpenPosition, "global:open_position"},
		{"execute_position", Instruction_ExecutePosition, "global:execute_position"},
		{"cancel_position", Instruction_CancelPosition, "global:cancel_position"},
	}
	for _, tc := range cases {
		hash := sha256.Sum256([]byte(tc.seed))
		if !bytes.Equal(tc.got[:], hash[:8]) {
			t.Errorf("%s discriminator mismatch", tc.name)
		}
	}
}

func TestTriggerPrices(t *testing.T) {
	position := samplePosition()

	tpPrice, slPrice, err := position.TriggerPrices()
	if err != nil {
		t.Fatalf("trigger prices: %v", err)
	}
	if tpPrice != 110_000_000 {
		t.Errorf("tp price %d, want 110000000", tpPrice)
	}
	if slPrice != 95_000_000 {
		t.Errorf("sl price %d, want 95000000", slPrice)
	}
}

func TestShouldExecute(t *testing.T) {
	position := samplePosition()

	cases := []struct {
		price uint64
		want  bool
	}{
		{111_000_000, true},  // above take profit
		{110_000_000, true},  // exactly take profit
		{102_000_000, false}, // between thresholds
		{95_000_000, true},   // exactly stop loss
		{94_000_000, true},   // below stop loss
	}
	for _, tc := range cases {
		if got := position.ShouldExecute(tc.price); got != tc.want {
			t.Errorf("ShouldExecute(%d) = %v, want %v", tc.price, got, tc.want)
		}
	}
}

func TestShouldExecuteIgnoresTerminalPositions(t *testing.T) {
	position := samplePosition()
	position.Status = PositionStatus_Executed
	if position.ShouldExecute(200_000_000) {
		t.Errorf("executed position must not trigger again")
	}
	position.Status = PositionStatus_Cancelled
	if position.ShouldExecute(1) {
		t.Errorf("cancelled position must not trigger")
	}
}

func TestMulDivFloor(t *testing.T) {
	cases := []struct {
		a, b, d uint64
		want    uint64
	}{
		{1000, 50, 10_000, 5},
		{5, 5000, 10_000, 2},
		{100_000_000, 10_500, 10_000, 105_000_000},
		{^uint64(0), 1, 1, ^uint64(0)},
		{7, 3, 2, 10},
	}
	for _, tc := range cases {
		got, err := MulDivFloor(tc.a, tc.b, tc.d)
		if err != nil {
			t.Fatalf("MulDivFloor(%d, %d, %d): %v", tc.a, tc.b, tc.d, err)
		}
		if got != tc.want {
			t.Errorf("MulDivFloor(%d, %d, %d) = %d, want %d", tc.a, tc.b, tc.d, got, tc.want)
		}
	}

	if _, err := MulDivFloor(1, 1, 0); err == nil {
		t.Errorf("expected error on zero denominator")
	}
	if _, err := MulDivFloor(^uint64(0), 2, 1); err == nil {
		t.Errorf("expected error on overflow")
	}
}
