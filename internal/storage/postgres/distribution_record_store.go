package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/storage"
)

// DistributionRecordStore implements storage.DistributionRecordStore using PostgreSQL.
type DistributionRecordStore struct {
	pool *Pool
}

// NewDistributionRecordStore creates a new DistributionRecordStore.
func NewDistributionRecordStore(pool *Pool) *DistributionRecordStore {
	return &DistributionRecordStore{pool: pool}
}

// Compile-time interface check.
var _ storage.DistributionRecordStore = (*DistributionRecordStore)(nil)

// Insert adds a record. Returns ErrDuplicateKey if (fund, index) exists.
func (s *DistributionRecordStore) Insert(ctx context.Context, r *domain.DistributionRecord) error {
	if r == nil || r.Fund == "" {
		return storage.ErrInvalidInput
	}
	amount, dust := r.RecipientsAmount, r.Dust
	if amount == "" {
		amount = "0"
	}
	if dust == "" {
		dust = "0"
	}

	query := `
		INSERT INTO distribution_records (
			fund, index, dao_minted, recipients_amount, dust, timestamp
		) VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6)
	`

	_, err := s.pool.Exec(ctx, query,
		r.Fund,
		u64Param(r.Index),
		u64Param(r.DAOMinted),
		amount,
		dust,
		r.Timestamp,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert distribution record: %w", err)
	}
	return nil
}

// GetByFund retrieves all records of a fund ordered by index.
func (s *DistributionRecordStore) GetByFund(ctx context.Context, fund string) ([]*domain.DistributionRecord, error) {
	query := `
		SELECT fund, index::text, dao_minted::text, recipients_amount::text, dust::text, timestamp
		FROM distribution_records
		WHERE fund = $1
		ORDER BY index ASC
	`

	rows, err := s.pool.Query(ctx, query, fund)
	if err != nil {
		return nil, fmt.Errorf("get distribution records by fund: %w", err)
	}
	defer rows.Close()

	return scanDistributionRecords(rows)
}

func scanDistributionRecords(rows pgx.Rows) ([]*domain.DistributionRecord, error) {
	var records []*domain.DistributionRecord
	for rows.Next() {
		var r domain.DistributionRecord
		var index, minted string

		err := rows.Scan(&r.Fund, &index, &minted, &r.RecipientsAmount, &r.Dust, &r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("scan distribution record: %w", err)
		}
		if r.Index, err = parseU64(index); err != nil {
			return nil, err
		}
		if r.DAOMinted, err = parseU64(minted); err != nil {
			return nil, err
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate distribution records: %w", err)
	}

	return records, nil
}
