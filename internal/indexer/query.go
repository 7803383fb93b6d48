package indexer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type PositionFilter struct {
	Owner  string
	Status string
	Limit  int
	Offset int
}

func (s *Store) ListPositions(ctx context.Context, filter PositionFilter) ([]PositionRow, int, int, error) {
	var (
		where []string
		args  []any
	)
	if owner := strings.TrimSpace(filter.Owner); owner != "" {
		where = append(where, "owner = ?")
		args = append(args, owner)
	}
	if status := strings.TrimSpace(filter.Status); status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}

	query := `
		SELECT pubkey, owner, vault, input_mint, output_mint, referrer,
			amount_in, sl_bps, tp_bps, entry_price, execution_fee,
			oracle_feed, preferred_dex, status, created_at, executed_at,
			slot, updated_at
		FROM positions
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, pubkey LIMIT ? OFFSET ?"
	limit, offset := clampPage(filter.Limit, filter.Offset)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	out := make([]PositionRow, 0, limit)
	for rows.Next() {
		var row PositionRow
		if err := rows.Scan(
			&row.Pubkey, &row.Owner, &row.Vault, &row.InputMint, &row.OutputMint, &row.Referrer,
			&row.AmountIn, &row.SlBps, &row.TpBps, &row.EntryPrice, &row.ExecutionFee,
			&row.OracleFeed, &row.PreferredDex, &row.Status, &row.CreatedAt, &row.ExecutedAt,
			&row.Slot, &row.UpdatedAt,
		); err != nil {
			return nil, 0, 0, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, row)
	}
	return out, limit, offset, rows.Err()
}

func (s *Store) GetPosition(ctx context.Context, pubkey string) (*PositionRow, error) {
	var row PositionRow
	err := s.db.QueryRowContext(ctx, `
		SELECT pubkey, owner, vault, input_mint, output_mint, referrer,
			amount_in, sl_bps, tp_bps, entry_price, execution_fee,
			oracle_feed, preferred_dex, status, created_at, executed_at,
			slot, updated_at
		FROM positions WHERE pubkey = ?
	`, pubkey).Scan(
		&row.Pubkey, &row.Owner, &row.Vault, &row.InputMint, &row.OutputMint, &row.Referrer,
		&row.AmountIn, &row.SlBps, &row.TpBps, &row.EntryPrice, &row.ExecutionFee,
		&row.OracleFeed, &row.PreferredDex, &row.Status, &row.CreatedAt, &row.ExecutedAt,
		&row.Slot, &row.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", pubkey, err)
	}
	return &row, nil
}

type SettlementFilter struct {
	Owner   string
	Outcome string
	Limit   int
	Offset  int
}

func (s *Store) ListSettlements(ctx context.Context, filter SettlementFilter) ([]SettlementRow, int, int, error) {
	var (
		where []string
		args  []any
	)
	if owner := strings.TrimSpace(filter.Owner); owner != "" {
		where = append(where, "owner = ?")
		args = append(args, owner)
	}
	if outcome := strings.TrimSpace(filter.Outcome); outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, outcome)
	}

	query := `
		SELECT position_pubkey, owner, input_mint, output_mint, amount_in,
			entry_price, preferred_dex, outcome, settled_at, slot, recorded_at
		FROM settlements
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY settled_at DESC, id DESC LIMIT ? OFFSET ?"
	limit, offset := clampPage(filter.Limit, filter.Offset)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("list settlements: %w", err)
	}
	defer rows.Close()

	out := make([]SettlementRow, 0, limit)
	for rows.Next() {
		var row SettlementRow
		if err := rows.Scan(
			&row.PositionPubkey, &row.Owner, &row.InputMint, &row.OutputMint, &row.AmountIn,
			&row.EntryPrice, &row.PreferredDex, &row.Outcome, &row.SettledAt, &row.Slot, &row.RecordedAt,
		); err != nil {
			return nil, 0, 0, fmt.Errorf("scan settlement: %w", err)
		}
		out = append(out, row)
	}
	return out, limit, offset, rows.Err()
}

func (s *Store) GetGlobalConfig(ctx context.Context) (*GlobalConfigRow, error) {
	var row GlobalConfigRow
	err := s.db.QueryRowContext(ctx, `
		SELECT admin, fee_destination, protocol_fee_bps, referral_fee_share_bps,
			total_positions_created, total_volume, slot, updated_at
		FROM global_config WHERE id = 1
	`).Scan(
		&row.Admin, &row.FeeDestination, &row.ProtocolFeeBps, &row.ReferralFeeShareBps,
		&row.TotalPositionsCreated, &row.TotalVolume, &row.Slot, &row.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get global config: %w", err)
	}
	return &row, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
