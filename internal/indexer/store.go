package indexer

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			id BIGINT PRIMARY KEY CHECK (id = 1),
			last_slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS positions (
			pubkey TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			vault TEXT NOT NULL,
			input_mint TEXT NOT NULL,
			output_mint TEXT NOT NULL,
			referrer TEXT,
			amount_in TEXT NOT NULL,
			sl_bps INTEGER NOT NULL,
			tp_bps INTEGER NOT NULL,
			entry_price TEXT NOT NULL,
			execution_fee TEXT NOT NULL,
			oracle_feed TEXT NOT NULL,
			preferred_dex TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			executed_at BIGINT,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_owner_status ON positions(owner, status);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);`,
		`CREATE TABLE IF NOT EXISTS settlements (
			id BIGSERIAL PRIMARY KEY,
			position_pubkey TEXT NOT NULL UNIQUE,
			owner TEXT NOT NULL,
			input_mint TEXT NOT NULL,
			output_mint TEXT NOT NULL,
			amount_in TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			preferred_dex TEXT NOT NULL,
			outcome TEXT NOT NULL,
			settled_at BIGINT NOT NULL,
			slot BIGINT NOT NULL,
			recorded_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_settlements_owner_time ON settlements(owner, settled_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_settlements_outcome_time ON settlements(outcome, settled_at DESC);`,
		`CREATE TABLE IF NOT EXISTS global_config (
			id BIGINT PRIMARY KEY CHECK (id = 1),
			admin TEXT NOT NULL,
			fee_destination TEXT NOT NULL,
			protocol_fee_bps INTEGER NOT NULL,
			referral_fee_share_bps INTEGER NOT NULL,
			total_positions_created TEXT NOT NULL,
			total_volume TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) LastSyncedSlot(ctx context.Context) (uint64, error) {
	var slot int64
	err := s.db.QueryRowContext(ctx, `SELECT last_slot FROM sync_state WHERE id = 1`).Scan(&slot)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sync state: %w", err)
	}
	return uint64(slot), nil
}

func (tx *Tx) SetLastSyncedSlot(ctx context.Context, slot uint64, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_slot, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET last_slot = EXCLUDED.last_slot, updated_at = EXCLUDED.updated_at
	`, int64(slot), now)
	if err != nil {
		return fmt.Errorf("update sync state: %w", err)
	}
	return nil
}

type PositionRow struct {
	Pubkey       string  `json:"pubkey"`
	Owner        string  `json:"owner"`
	Vault        string  `json:"vault"`
	InputMint    string  `json:"input_mint"`
	OutputMint   string  `json:"output_mint"`
	Referrer     *string `json:"referrer,omitempty"`
	AmountIn     string  `json:"amount_in"`
	SlBps        int32   `json:"sl_bps"`
	TpBps        int32   `json:"tp_bps"`
	EntryPrice   string  `json:"entry_price"`
	ExecutionFee string  `json:"execution_fee"`
	OracleFeed   string  `json:"oracle_feed"`
	PreferredDex string  `json:"preferred_dex"`
	Status       string  `json:"status"`
	CreatedAt    int64   `json:"created_at"`
	ExecutedAt   *int64  `json:"executed_at,omitempty"`
	Slot         int64   `json:"slot"`
	UpdatedAt    int64   `json:"updated_at"`
}

func (tx *Tx) UpsertPosition(ctx context.Context, row PositionRow) (previousStatus string, err error) {
	// Read-then-write inside the same transaction: the previous status drives
	// settlement detection.
	err = tx.QueryRowContext(ctx, `SELECT status FROM positions WHERE pubkey = ?`, row.Pubkey).Scan(&previousStatus)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("read position %s: %w", row.Pubkey, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (
			pubkey, owner, vault, input_mint, output_mint, referrer,
			amount_in, sl_bps, tp_bps, entry_price, execution_fee,
			oracle_feed, preferred_dex, status, created_at, executed_at,
			slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pubkey) DO UPDATE SET
			owner = EXCLUDED.owner,
			vault = EXCLUDED.vault,
			input_mint = EXCLUDED.input_mint,
			output_mint = EXCLUDED.output_mint,
			referrer = EXCLUDED.referrer,
			amount_in = EXCLUDED.amount_in,
			sl_bps = EXCLUDED.sl_bps,
			tp_bps = EXCLUDED.tp_bps,
			entry_price = EXCLUDED.entry_price,
			execution_fee = EXCLUDED.execution_fee,
			oracle_feed = EXCLUDED.oracle_feed,
			preferred_dex = EXCLUDED.preferred_dex,
			status = EXCLUDED.status,
			created_at = EXCLUDED.created_at,
			executed_at = EXCLUDED.executed_at,
			slot = EXCLUDED.slot,
			updated_at = EXCLUDED.updated_at
	`,
		row.Pubkey, row.Owner, row.Vault, row.InputMint, row.OutputMint, row.Referrer,
		row.AmountIn, row.SlBps, row.TpBps, row.EntryPrice, row.ExecutionFee,
		row.OracleFeed, row.PreferredDex, row.Status, row.CreatedAt, row.ExecutedAt,
		row.Slot, row.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("upsert position %s: %w", row.Pubkey, err)
	}
	return previousStatus, nil
}

type SettlementRow struct {
	PositionPubkey string `json:"position_pubkey"`
	Owner          string `json:"owner"`
	InputMint      string `json:"input_mint"`
	OutputMint     string `json:"output_mint"`
	AmountIn       string `json:"amount_in"`
	EntryPrice     string `json:"entry_price"`
	PreferredDex   string `json:"preferred_dex"`
	Outcome        string `json:"outcome"`
	SettledAt      int64  `json:"settled_at"`
	Slot           int64  `json:"slot"`
	RecordedAt     int64  `json:"recorded_at"`
}

func (tx *Tx) InsertSettlement(ctx context.Context, row SettlementRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO settlements (
			position_pubkey, owner, input_mint, output_mint, amount_in,
			entry_price, preferred_dex, outcome, settled_at, slot, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (position_pubkey) DO NOTHING
	`,
		row.PositionPubkey, row.Owner, row.InputMint, row.OutputMint, row.AmountIn,
		row.EntryPrice, row.PreferredDex, row.Outcome, row.SettledAt, row.Slot, row.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert settlement %s: %w", row.PositionPubkey, err)
	}
	return nil
}

type GlobalConfigRow struct {
	Admin                 string `json:"admin"`
	FeeDestination        string `json:"fee_destination"`
	ProtocolFeeBps        int32  `json:"protocol_fee_bps"`
	ReferralFeeShareBps   int32  `json:"referral_fee_share_bps"`
	TotalPositionsCreated string `json:"total_positions_created"`
	TotalVolume           string `json:"total_volume"`
	Slot                  int64  `json:"slot"`
	UpdatedAt             int64  `json:"updated_at"`
}

func (tx *Tx) UpsertGlobalConfig(ctx context.Context, row GlobalConfigRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO global_config (
			id, admin, fee_destination, protocol_fee_bps, referral_fee_share_bps,
			total_positions_created, total_volume, slot, updated_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			admin = EXCLUDED.admin,
			fee_destination = EXCLUDED.fee_destination,
			protocol_fee_bps = EXCLUDED.protocol_fee_bps,
			referral_fee_share_bps = EXCLUDED.referral_fee_share_bps,
			total_positions_created = EXCLUDED.total_positions_created,
			total_volume = EXCLUDED.total_volume,
			slot = EXCLUDED.slot,
			updated_at = EXCLUDED.updated_at
	`,
		row.Admin, row.FeeDestination, row.ProtocolFeeBps, row.ReferralFeeShareBps,
		row.TotalPositionsCreated, row.TotalVolume, row.Slot, row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert global config: %w", err)
	}
	return nil
}
