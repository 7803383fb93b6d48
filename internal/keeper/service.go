package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/pyrolabs/pyroswap/backend/internal/anchor/pyroswap"
	"github.com/pyrolabs/pyroswap/backend/internal/config"
	"github.com/pyrolabs/pyroswap/backend/internal/dex"
	"github.com/pyrolabs/pyroswap/backend/internal/ledger"
	"github.com/pyrolabs/pyroswap/backend/internal/oracle"
)

// errSkipPosition marks per-position failures that are expected during
// normal operation: stale oracle, missing route, lost execution race.
// Skipped positions are retried on the next tick, never in a tight loop.
var errSkipPosition = errors.New("skip position")

// Submitter is the settlement submission transport. The engine satisfies
// it; the returned identifier is the commit slot.
type Submitter interface {
	Submit(ctx context.Context, instruction solana.Instruction) (uint64, error)
}

// Service is one keeper: it scans active positions every poll interval,
// evaluates triggers against the oracle, and hands triggered positions to
// the executor. Multiple keepers may run against the same ledger without
// coordination; the engine's atomic status check makes races benign.
type Service struct {
	cfg       config.KeeperConfig
	store     *ledger.Store
	submitter Submitter
	router    *dex.Router
	signer    solana.PrivateKey
	logger    *slog.Logger
}

type activePosition struct {
	pubkey   solana.PublicKey
	position *pyroswap.Position
}

func New(cfg config.KeeperConfig, store *ledger.Store, submitter Submitter, router *dex.Router, logger *slog.Logger) (*Service, error) {
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", cfg.KeypairPath, err)
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		submitter: submitter,
		router:    router,
		signer:    signer,
		logger:    logger.With("component", "keeper"),
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("keeper started",
		"executor", s.signer.PublicKey(),
		"program", s.cfg.ProgramID,
		"poll_interval", s.cfg.PollInterval.String(),
	)

	if err := s.tick(ctx); err != nil {
		s.logger.Error("keeper tick failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("keeper stopped")
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Error("keeper tick failed", "err", err)
			}
		}
	}
}

func (s *Service) tick(ctx context.Context) error {
	candidates, err := s.fetchActivePositions()
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].position.CreatedAt < candidates[j].position.CreatedAt
	})

	limit := s.cfg.MaxPositionsPerTick
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}

	// Positions are independent; one slow oracle read or submission must
	// not stall the rest of the scan.
	var executed, triggered, skipped atomic.Int64
	var wg sync.WaitGroup
	for idx := 0; idx < limit; idx++ {
		if ctx.Err() != nil {
			break
		}
		candidate := candidates[idx]
		wg.Add(1)
		go func() {
			defer wg.Done()

			fired, err := s.evaluate(candidate)
			if err != nil {
				skipped.Add(1)
				s.logger.Warn("position skipped", "position", candidate.pubkey, "reason", err)
				return
			}
			if !fired {
				return
			}
			triggered.Add(1)

			if err := s.execute(ctx, candidate); err != nil {
				skipped.Add(1)
				if errors.Is(err, errSkipPosition) {
					s.logger.Info("execution yielded", "position", candidate.pubkey, "reason", err)
				} else {
					s.logger.Warn("execution failed", "position", candidate.pubkey, "err", err)
				}
				return
			}
			executed.Add(1)
		}()
	}
	wg.Wait()

	s.logger.Info(
		"keeper tick complete",
		"active_positions", len(candidates),
		"attempted", limit,
		"triggered", triggered.Load(),
		"executed", executed.Load(),
		"skipped", skipped.Load(),
	)
	return ctx.Err()
}

// fetchActivePositions scans program accounts for position records whose
// status byte is Active. The status filter is a single-byte memcmp at the
// record's status offset.
func (s *Service) fetchActivePositions() ([]activePosition, error) {
	accounts, err := s.store.Scan(s.cfg.ProgramID, []ledger.Memcmp{
		{Offset: 0, Bytes: pyroswap.Account_Position[:]},
		{Offset: pyroswap.StatusByteOffset, Bytes: []byte{byte(pyroswap.PositionStatus_Active)}},
	})
	if err != nil {
		return nil, fmt.Errorf("scan positions: %w", err)
	}

	candidates := make([]activePosition, 0, len(accounts))
	for _, item := range accounts {
		position, err := pyroswap.ParseAccount_Position(item.Account.Data)
		if err != nil {
			s.logger.Warn("failed to parse position account", "pubkey", item.Pubkey, "err", err)
			continue
		}
		if position.Status != pyroswap.PositionStatus_Active {
			continue
		}
		candidates = append(candidates, activePosition{pubkey: item.Pubkey, position: position})
	}
	return candidates, nil
}

// evaluate reads the position's oracle feed and applies the trigger
// arithmetic: fire when current price reaches the take-profit threshold or
// falls to the stop-loss threshold. Oracle trouble is a skip, not a fault.
func (s *Service) evaluate(candidate activePosition) (bool, error) {
	feedAccount, err := s.store.Account(candidate.position.OraclePriceFeed)
	if err != nil {
		return false, fmt.Errorf("%w: oracle feed %s: %v", errSkipPosition, candidate.position.OraclePriceFeed, err)
	}
	snapshot, err := oracle.DecodePriceUpdate(feedAccount)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errSkipPosition, err)
	}
	if err := snapshot.CheckFresh(time.Now().Unix(), s.cfg.OracleMaxAgeSec); err != nil {
		return false, fmt.Errorf("%w: %v", errSkipPosition, err)
	}
	if err := snapshot.CheckConfidence(s.cfg.OracleMaxConfBps); err != nil {
		return false, fmt.Errorf("%w: %v", errSkipPosition, err)
	}

	if !candidate.position.ShouldExecute(snapshot.Price) {
		return false, nil
	}

	tpPrice, slPrice, err := candidate.position.TriggerPrices()
	if err != nil {
		return false, err
	}
	s.logger.Info("trigger crossed",
		"position", candidate.pubkey,
		"price", snapshot.Price,
		"tp_price", tpPrice,
		"sl_price", slPrice,
	)
	return true, nil
}
