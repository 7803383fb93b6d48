package oracle

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/pyrolabs/pyroswap/backend/internal/ledger"
)

func testUpdate() *PriceUpdateV2 {
	update := &PriceUpdateV2{
		VerificationLevel: verificationLevelFull,
		Price:             100_000_000,
		Conf:              50_000,
		Exponent:          -6,
		PublishTime:       1_700_000_000,
		PostedSlot:        12345,
	}
	for i := range update.FeedID {
		update.FeedID[i] = byte(i)
	}
	return update
}

func TestDecodePriceUpdateRoundTrip(t *testing.T) {
	update := testUpdate()
	account, err := EncodePriceUpdate(update)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !account.Owner.Equals(PythPushOracleProgramID) {
		t.Errorf("account owner %s, want pyth push oracle", account.Owner)
	}

	snapshot, err := DecodePriceUpdate(account)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snapshot.Price != 100_000_000 {
		t.Errorf("price %d, want 100000000", snapshot.Price)
	}
	if snapshot.Conf != 50_000 {
		t.Errorf("conf %d, want 50000", snapshot.Conf)
	}
	if snapshot.PublishTime != update.PublishTime {
		t.Errorf("publish time %d, want %d", snapshot.PublishTime, update.PublishTime)
	}
	if snapshot.FeedID != update.FeedID {
		t.Errorf("feed id mismatch")
	}
}

func TestDecodePriceUpdateRescales(t *testing.T) {
	cases := []struct {
		name     string
		price    int64
		exponent int32
		want     uint64
	}{
		{"expo -8", 10_000_000_000, -8, 100_000_000},
		{"expo -6", 100_000_000, -6, 100_000_000},
		{"expo -2", 10_000, -2, 100_000_000},
		{"expo 0", 100, 0, 100_000_000},
		{"expo 2", 1, 2, 100_000_000},
		{"floors remainder", 123_456_789, -8, 1_234_567},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			update := testUpdate()
			update.Price = tc.price
			update.Exponent = tc.exponent
			account, err := EncodePriceUpdate(update)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			snapshot, err := DecodePriceUpdate(account)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if snapshot.Price != tc.want {
				t.Errorf("price %d, want %d", snapshot.Price, tc.want)
			}
		})
	}
}

func TestDecodePriceUpdateRejections(t *testing.T) {
	t.Run("wrong owner", func(t *testing.T) {
		account, err := EncodePriceUpdate(testUpdate())
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		account.Owner = solana.SystemProgramID
		if _, err := DecodePriceUpdate(account); !errors.Is(err, ErrNotPriceUpdate) {
			t.Errorf("got %v, want ErrNotPriceUpdate", err)
		}
	})

	t.Run("bad discriminator", func(t *testing.T) {
		account, err := EncodePriceUpdate(testUpdate())
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		account.Data[0] ^= 0xff
		if _, err := DecodePriceUpdate(account); !errors.Is(err, ErrNotPriceUpdate) {
			t.Errorf("got %v, want ErrNotPriceUpdate", err)
		}
	})

	t.Run("partially verified", func(t *testing.T) {
		update := testUpdate()
		update.VerificationLevel = verificationLevelPartial
		account, err := EncodePriceUpdate(update)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if _, err := DecodePriceUpdate(account); !errors.Is(err, ErrUnverifiedUpdate) {
			t.Errorf("got %v, want ErrUnverifiedUpdate", err)
		}
	})

	t.Run("non-positive price", func(t *testing.T) {
		update := testUpdate()
		update.Price = 0
		account, err := EncodePriceUpdate(update)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if _, err := DecodePriceUpdate(account); !errors.Is(err, ErrNonPositivePrice) {
			t.Errorf("got %v, want ErrNonPositivePrice", err)
		}
	})

	t.Run("empty account", func(t *testing.T) {
		account := &ledger.Account{Owner: PythPushOracleProgramID}
		if _, err := DecodePriceUpdate(account); !errors.Is(err, ErrNotPriceUpdate) {
			t.Errorf("got %v, want ErrNotPriceUpdate", err)
		}
	})
}

func TestCheckFresh(t *testing.T) {
	snapshot := &Snapshot{PublishTime: 1_700_000_000}

	if err := snapshot.CheckFresh(1_700_000_030, 60); err != nil {
		t.Errorf("fresh snapshot rejected: %v", err)
	}
	if err := snapshot.CheckFresh(1_700_000_060, 60); err != nil {
		t.Errorf("snapshot at exactly max age rejected: %v", err)
	}
	if err := snapshot.CheckFresh(1_700_000_061, 60); !errors.Is(err, ErrStalePrice) {
		t.Errorf("got %v, want ErrStalePrice", err)
	}
}

func TestCheckConfidence(t *testing.T) {
	snapshot := &Snapshot{Price: 100_000_000, Conf: 1_000_000}

	// 1_000_000 is exactly 100 bps of the price.
	if err := snapshot.CheckConfidence(100); err != nil {
		t.Errorf("confidence at the bound rejected: %v", err)
	}
	if err := snapshot.CheckConfidence(99); !errors.Is(err, ErrConfidenceTooWide) {
		t.Errorf("got %v, want ErrConfidenceTooWide", err)
	}
}
