package oracle

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	ag_binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/pyrolabs/pyroswap/backend/internal/anchor/pyroswap"
	"github.com/pyrolabs/pyroswap/backend/internal/ledger"
)

// PythPushOracleProgramID owns every price-update account the engine and
// keeper will accept.
var PythPushOracleProgramID = solana.MustPublicKeyFromBase58("pythWSnswVUd12oZpeFP8e9CVaEqJg25g1Vtc2biRsT")

var priceUpdateV2Discriminator = [8]byte{34, 241, 35, 99, 157, 126, 244, 205}

const (
	verificationLevelPartial = 0
	verificationLevelFull    = 1
)

var (
	ErrNotPriceUpdate    = errors.New("oracle: account is not a pyth price update")
	ErrUnverifiedUpdate  = errors.New("oracle: price update not fully verified")
	ErrNonPositivePrice  = errors.New("oracle: non-positive price")
	ErrPriceOutOfRange   = errors.New("oracle: price out of range at target scale")
	ErrStalePrice        = errors.New("oracle: price too old")
	ErrConfidenceTooWide = errors.New("oracle: confidence interval too wide")
)

// PriceUpdateV2 is the pyth push-oracle account body, wire order.
type PriceUpdateV2 struct {
	WriteAuthority    solana.PublicKey
	VerificationLevel uint8
	FeedID            [32]byte
	Price             int64
	Conf              uint64
	Exponent          int32
	PublishTime       int64
	PrevPublishTime   int64
	EmaPrice          int64
	EmaConf           uint64
	PostedSlot        uint64
}

// Snapshot is a decoded, rescaled price observation. Price and Conf are
// fixed-point with six decimals, matching position entry prices.
type Snapshot struct {
	FeedID      [32]byte
	Price       uint64
	Conf        uint64
	PublishTime int64
}

// DecodePriceUpdate validates ownership, discriminator, and verification
// level, then rescales the price and confidence to six decimals.
func DecodePriceUpdate(account *ledger.Account) (*Snapshot, error) {
	if !account.Owner.Equals(PythPushOracleProgramID) {
		return nil, fmt.Errorf("%w: owned by %s", ErrNotPriceUpdate, account.Owner)
	}
	if len(account.Data) < 8 || !bytes.Equal(account.Data[:8], priceUpdateV2Discriminator[:]) {
		return nil, fmt.Errorf("%w: bad discriminator", ErrNotPriceUpdate)
	}

	update := new(PriceUpdateV2)
	if err := ag_binary.NewBorshDecoder(account.Data[8:]).Decode(update); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPriceUpdate, err)
	}
	if update.VerificationLevel != verificationLevelFull {
		return nil, fmt.Errorf("%w: level %d", ErrUnverifiedUpdate, update.VerificationLevel)
	}
	if update.Price <= 0 {
		return nil, ErrNonPositivePrice
	}

	price, err := rescale(update.Price, update.Exponent)
	if err != nil {
		return nil, err
	}
	conf, err := rescaleUnsigned(update.Conf, update.Exponent)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		FeedID:      update.FeedID,
		Price:       price,
		Conf:        conf,
		PublishTime: update.PublishTime,
	}, nil
}

// CheckFresh rejects snapshots older than maxAge seconds relative to now.
func (s *Snapshot) CheckFresh(now int64, maxAge int64) error {
	if s.PublishTime+maxAge < now {
		return fmt.Errorf("%w: published %d, now %d", ErrStalePrice, s.PublishTime, now)
	}
	return nil
}

// CheckConfidence rejects snapshots whose confidence interval exceeds
// maxConfBps of the price.
func (s *Snapshot) CheckConfidence(maxConfBps uint64) error {
	limit, err := pyroswap.MulDivFloor(s.Price, maxConfBps, pyroswap.BpsDenominator)
	if err != nil {
		return err
	}
	if s.Conf > limit {
		return fmt.Errorf("%w: conf %d exceeds %d bps of price %d", ErrConfidenceTooWide, s.Conf, maxConfBps, s.Price)
	}
	return nil
}

// EncodePriceUpdate builds a full price-update account. The publisher and
// tests use it to materialize oracle state in the ledger.
func EncodePriceUpdate(update *PriceUpdateV2) (*ledger.Account, error) {
	buf := new(bytes.Buffer)
	buf.Write(priceUpdateV2Discriminator[:])
	if err := ag_binary.NewBorshEncoder(buf).Encode(update); err != nil {
		return nil, fmt.Errorf("encode price update: %w", err)
	}
	return &ledger.Account{Owner: PythPushOracleProgramID, Data: buf.Bytes()}, nil
}

// rescale converts a positive pyth mantissa at the feed's exponent to
// six-decimal fixed point, flooring.
func rescale(price int64, exponent int32) (uint64, error) {
	if price <= 0 {
		return 0, ErrNonPositivePrice
	}
	return rescaleUnsigned(uint64(price), exponent)
}

func rescaleUnsigned(value uint64, exponent int32) (uint64, error) {
	shift := int64(exponent) + 6
	scaled := new(big.Int).SetUint64(value)
	if shift >= 0 {
		scaled.Mul(scaled, new(big.Int).Exp(big.NewInt(10), big.NewInt(shift), nil))
	} else {
		scaled.Quo(scaled, new(big.Int).Exp(big.NewInt(10), big.NewInt(-shift), nil))
	}
	if !scaled.IsUint64() {
		return 0, ErrPriceOutOfRange
	}
	return scaled.Uint64(), nil
}
