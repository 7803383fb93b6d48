package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/pyrolabs/pyroswap/backend/internal/anchor/pyroswap"
	"github.com/pyrolabs/pyroswap/backend/internal/config"
	"github.com/pyrolabs/pyroswap/backend/internal/dex"
	"github.com/pyrolabs/pyroswap/backend/internal/engine"
	"github.com/pyrolabs/pyroswap/backend/internal/ledger"
	"github.com/pyrolabs/pyroswap/backend/internal/oracle"
)

func testKey(seed byte) solana.PublicKey {
	var key solana.PublicKey
	for i := range key {
		key[i] = seed
	}
	return key
}

var (
	adminKey        = testKey(0x01)
	feeDestKey      = testKey(0x02)
	ownerKey        = testKey(0x03)
	inputMint       = testKey(0x0A)
	outputMint      = testKey(0x0B)
	oracleFeedKey   = testKey(0x0C)
	poolKey         = testKey(0x0D)
	ownerInputToken = testKey(0x0E)
)

func writeTestKeypair(t *testing.T) string {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	data, err := json.Marshal(ints)
	if err != nil {
		t.Fatalf("marshal keypair: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keeper.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write keypair: %v", err)
	}
	return path
}

type keeperHarness struct {
	t       *testing.T
	store   *ledger.Store
	engine  *engine.Engine
	service *Service
}

func newKeeperHarness(t *testing.T) *keeperHarness {
	store, err := ledger.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(store, engine.Config{
		ProgramID:        pyroswap.ProgramID,
		OracleMaxAge:     60,
		OracleMaxConfBps: 100,
	}, logger)

	router := dex.NewRouter(store, []dex.RouteConfig{
		{Dex: pyroswap.DexType_Raydium, InputMint: inputMint, OutputMint: outputMint, Pool: poolKey},
	}, logger)

	cfg := config.KeeperConfig{
		ProgramID:           pyroswap.ProgramID,
		KeypairPath:         writeTestKeypair(t),
		PollInterval:        time.Second,
		MaxPositionsPerTick: 10,
		OracleMaxAgeSec:     60,
		OracleMaxConfBps:    100,
		SlippageBps:         100,
		SubmitTimeout:       5 * time.Second,
	}
	service, err := New(cfg, store, eng, router, logger)
	if err != nil {
		t.Fatalf("new keeper: %v", err)
	}

	return &keeperHarness{t: t, store: store, engine: eng, service: service}
}

func (h *keeperHarness) seed() {
	h.t.Helper()
	ctx := context.Background()

	configKey, _, err := dex.DeriveGlobalConfigPDA(pyroswap.ProgramID)
	if err != nil {
		h.t.Fatalf("derive config PDA: %v", err)
	}
	initIx, err := pyroswap.NewInitializeInstruction(pyroswap.InitializeArgs{
		ProtocolFeeBps:      50,
		ReferralFeeShareBps: 5000,
	}, configKey, adminKey, feeDestKey)
	if err != nil {
		h.t.Fatalf("build initialize: %v", err)
	}
	if _, err := h.engine.Submit(ctx, initIx); err != nil {
		h.t.Fatalf("initialize: %v", err)
	}

	if _, err := h.store.Update(ctx, func(tx *ledger.Tx) error {
		tx.Put(ownerKey, &ledger.Account{Owner: solana.SystemProgramID, Lamports: 100_000_000})
		if err := ledger.CreditToken(tx, ownerInputToken, inputMint, ownerKey, 1_000_000_000); err != nil {
			return err
		}
		pool := dex.PoolState{MintA: inputMint, MintB: outputMint, ReserveA: 1_000_000_000, ReserveB: 2_000_000_000, FeeBps: 30}
		return pool.SeedPool(tx, poolKey, pyroswap.DexType_Raydium)
	}); err != nil {
		h.t.Fatalf("seed ledger: %v", err)
	}
}

func (h *keeperHarness) publishPrice(price uint64, publishTime int64) {
	h.t.Helper()
	h.publishPriceWithConf(price, price/1000, publishTime)
}

func (h *keeperHarness) publishPriceWithConf(price uint64, conf uint64, publishTime int64) {
	h.t.Helper()
	account, err := oracle.EncodePriceUpdate(&oracle.PriceUpdateV2{
		VerificationLevel: 1,
		Price:             int64(price),
		Conf:              conf,
		Exponent:          -6,
		PublishTime:       publishTime,
	})
	if err != nil {
		h.t.Fatalf("encode price update: %v", err)
	}
	if _, err := h.store.Update(context.Background(), func(tx *ledger.Tx) error {
		tx.Put(oracleFeedKey, account)
		return nil
	}); err != nil {
		h.t.Fatalf("publish price: %v", err)
	}
}

func (h *keeperHarness) openPosition() solana.PublicKey {
	h.t.Helper()
	positionKey := dex.MustDerivePositionPDA(pyroswap.ProgramID, ownerKey, inputMint)
	vaultKey := dex.MustDeriveVaultPDA(pyroswap.ProgramID, positionKey)
	configKey, _, err := dex.DeriveGlobalConfigPDA(pyroswap.ProgramID)
	if err != nil {
		h.t.Fatalf("derive config PDA: %v", err)
	}
	ix, err := pyroswap.NewOpenPositionInstruction(pyroswap.OpenPositionArgs{
		AmountIn:     100_000_000,
		SlBps:        500,
		TpBps:        1000,
		EntryPrice:   100_000_000,
		ExecutionFee: pyroswap.MinExecutionFee,
		PreferredDex: pyroswap.DexType_Raydium,
	}, positionKey, vaultKey, ownerKey, ownerInputToken, inputMint, outputMint, oracleFeedKey, configKey)
	if err != nil {
		h.t.Fatalf("build open_position: %v", err)
	}
	if _, err := h.engine.Submit(context.Background(), ix); err != nil {
		h.t.Fatalf("open position: %v", err)
	}
	return positionKey
}

func (h *keeperHarness) positionStatus(key solana.PublicKey) pyroswap.PositionStatus {
	h.t.Helper()
	account, err := h.store.Account(key)
	if err != nil {
		h.t.Fatalf("position account: %v", err)
	}
	position, err := pyroswap.ParseAccount_Position(account.Data)
	if err != nil {
		h.t.Fatalf("parse position: %v", err)
	}
	return position.Status
}

func TestTickExecutesTriggeredPosition(t *testing.T) {
	h := newKeeperHarness(t)
	h.seed()
	h.publishPrice(100_000_000, time.Now().Unix())
	positionKey := h.openPosition()

	// At the entry price nothing fires.
	if err := h.service.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := h.positionStatus(positionKey); got != pyroswap.PositionStatus_Active {
		t.Fatalf("position %s after untriggered tick, want Active", got)
	}

	// Crossing take profit settles it end to end.
	h.publishPrice(111_000_000, time.Now().Unix())
	if err := h.service.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := h.positionStatus(positionKey); got != pyroswap.PositionStatus_Executed {
		t.Fatalf("position %s after triggered tick, want Executed", got)
	}

	// The executor received the bounty.
	executor := h.service.signer.PublicKey()
	account, err := h.store.Account(executor)
	if err != nil {
		t.Fatalf("executor account: %v", err)
	}
	if account.Lamports != pyroswap.MinExecutionFee {
		t.Errorf("executor bounty %d, want %d", account.Lamports, pyroswap.MinExecutionFee)
	}
}

func TestTickSkipsStaleOracle(t *testing.T) {
	h := newKeeperHarness(t)
	h.seed()
	h.publishPrice(100_000_000, time.Now().Unix())
	positionKey := h.openPosition()

	// A triggering price that is too old must not settle anything.
	h.publishPrice(111_000_000, time.Now().Unix()-300)
	if err := h.service.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := h.positionStatus(positionKey); got != pyroswap.PositionStatus_Active {
		t.Errorf("position %s after stale-oracle tick, want Active", got)
	}
}

func TestTickSkipsWideConfidence(t *testing.T) {
	h := newKeeperHarness(t)
	h.seed()
	h.publishPrice(100_000_000, time.Now().Unix())
	positionKey := h.openPosition()

	// A fresh, trigger-crossing price with a confidence interval far wider
	// than the allowed bound must be held back before any submission.
	h.publishPriceWithConf(111_000_000, 50_000_000, time.Now().Unix())

	candidates, err := h.service.fetchActivePositions()
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("active positions %d, want 1", len(candidates))
	}
	fired, err := h.service.evaluate(candidates[0])
	if fired {
		t.Errorf("wide-confidence price fired the trigger")
	}
	if !errors.Is(err, errSkipPosition) {
		t.Errorf("evaluate returned %v, want skip", err)
	}

	if err := h.service.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := h.positionStatus(positionKey); got != pyroswap.PositionStatus_Active {
		t.Errorf("position %s after wide-confidence tick, want Active", got)
	}

	// If the spread widens between evaluate and submit, the engine's own
	// rejection is a benign race loss, not a fault.
	if err := h.service.execute(context.Background(), candidates[0]); !errors.Is(err, errSkipPosition) {
		t.Errorf("execute returned %v, want skip", err)
	}

	// Once the spread narrows the same price settles normally.
	h.publishPrice(111_000_000, time.Now().Unix())
	if err := h.service.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := h.positionStatus(positionKey); got != pyroswap.PositionStatus_Executed {
		t.Errorf("position %s after narrow-confidence tick, want Executed", got)
	}
}

func TestTickExecutesStopLoss(t *testing.T) {
	h := newKeeperHarness(t)
	h.seed()
	h.publishPrice(100_000_000, time.Now().Unix())
	positionKey := h.openPosition()

	h.publishPrice(94_000_000, time.Now().Unix())
	if err := h.service.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := h.positionStatus(positionKey); got != pyroswap.PositionStatus_Executed {
		t.Errorf("position %s after stop-loss tick, want Executed", got)
	}
}

func TestFetchActivePositionsFiltersTerminal(t *testing.T) {
	h := newKeeperHarness(t)
	h.seed()
	h.publishPrice(100_000_000, time.Now().Unix())
	positionKey := h.openPosition()

	h.publishPrice(111_000_000, time.Now().Unix())
	if err := h.service.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := h.positionStatus(positionKey); got != pyroswap.PositionStatus_Executed {
		t.Fatalf("setup: position %s, want Executed", got)
	}

	candidates, err := h.service.fetchActivePositions()
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("executed position still scanned as active")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newKeeperHarness(t)
	h.seed()
	h.publishPrice(100_000_000, time.Now().Unix())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.service.Run(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("keeper did not stop on cancel")
	}
}
