package clickhouse

import (
	"context"
	"fmt"
	"math/big"

	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/storage"
)

// FeeAccrualStore implements storage.FeeAccrualStore using ClickHouse.
type FeeAccrualStore struct {
	conn *Conn
}

// NewFeeAccrualStore creates a new FeeAccrualStore.
func NewFeeAccrualStore(conn *Conn) *FeeAccrualStore {
	return &FeeAccrualStore{conn: conn}
}

// Compile-time interface check.
var _ storage.FeeAccrualStore = (*FeeAccrualStore)(nil)

// InsertBulk adds multiple points. Fails entire batch on duplicate (fund, timestamp).
func (s *FeeAccrualStore) InsertBulk(ctx context.Context, points []*domain.FeeAccrualPoint) error {
	if len(points) == 0 {
		return nil
	}

	// Check for intra-batch duplicates
	type key struct {
		fund      string
		timestamp int64
	}
	seen := make(map[key]struct{})
	for _, p := range points {
		if p == nil || p.Fund == "" {
			return storage.ErrInvalidInput
		}
		k := key{p.Fund, p.Timestamp}
		if _, exists := seen[k]; exists {
			return storage.ErrDuplicateKey
		}
		seen[k] = struct{}{}
	}

	// Check for duplicates against existing rows
	for _, p := range points {
		exists, err := s.exists(ctx, p.Fund, p.Timestamp)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO fee_accruals (
			fund, timestamp, elapsed, scaled_total_supply, dao_fee_shares,
			recipients_fee_shares, dao_pending_after, recipients_pending_after
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, p := range points {
		values := make([]any, 0, 8)
		values = append(values, p.Fund, p.Timestamp, p.Elapsed)
		for _, s := range []string{
			p.ScaledTotalSupply, p.DAOFeeShares, p.RecipientsFeeShares,
			p.DAOPendingAfter, p.RecipientsPendingAfter,
		} {
			v, err := toUInt256(s)
			if err != nil {
				return err
			}
			values = append(values, v)
		}
		if err := batch.Append(values...); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByTimeRange retrieves points of a fund within [start, end] (inclusive).
func (s *FeeAccrualStore) GetByTimeRange(ctx context.Context, fund string, start, end int64) ([]*domain.FeeAccrualPoint, error) {
	query := `
		SELECT fund, timestamp, elapsed, scaled_total_supply, dao_fee_shares,
			recipients_fee_shares, dao_pending_after, recipients_pending_after
		FROM fee_accruals FINAL
		WHERE fund = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`

	rows, err := s.conn.Query(ctx, query, fund, start, end)
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	var points []*domain.FeeAccrualPoint
	for rows.Next() {
		var p domain.FeeAccrualPoint
		var total, dao, recipients, daoAfter, recipientsAfter big.Int

		err := rows.Scan(&p.Fund, &p.Timestamp, &p.Elapsed, &total, &dao, &recipients, &daoAfter, &recipientsAfter)
		if err != nil {
			return nil, fmt.Errorf("scan fee accrual row: %w", err)
		}

		p.ScaledTotalSupply = fromUInt256(&total)
		p.DAOFeeShares = fromUInt256(&dao)
		p.RecipientsFeeShares = fromUInt256(&recipients)
		p.DAOPendingAfter = fromUInt256(&daoAfter)
		p.RecipientsPendingAfter = fromUInt256(&recipientsAfter)
		points = append(points, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fee accrual rows: %w", err)
	}

	return points, nil
}

// exists checks if a point with the given key exists.
func (s *FeeAccrualStore) exists(ctx context.Context, fund string, timestamp int64) (bool, error) {
	query := `
		SELECT count(*) FROM fee_accruals
		WHERE fund = ? AND timestamp = ?
	`

	var count uint64
	err := s.conn.QueryRow(ctx, query, fund, timestamp).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
