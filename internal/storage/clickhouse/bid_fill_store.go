package clickhouse

import (
	"context"
	"fmt"
	"math/big"

	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/storage"
)

// BidFillStore implements storage.BidFillStore using ClickHouse.
type BidFillStore struct {
	conn *Conn
}

// NewBidFillStore creates a new BidFillStore.
func NewBidFillStore(conn *Conn) *BidFillStore {
	return &BidFillStore{conn: conn}
}

// Compile-time interface check.
var _ storage.BidFillStore = (*BidFillStore)(nil)

const bidFillColumns = `
	fund, auction_id, nonce, bidder, sell_mint, buy_mint, sell_amount, buy_amount,
	price, sell_presence, buy_presence, closed_early, used_callback, timestamp
`

// InsertBulk adds multiple fills in one batch.
func (s *BidFillStore) InsertBulk(ctx context.Context, fills []*domain.BidFill) error {
	if len(fills) == 0 {
		return nil
	}
	for _, f := range fills {
		if f == nil || f.Fund == "" {
			return storage.ErrInvalidInput
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO bid_fills (`+bidFillColumns+`)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, f := range fills {
		price, err := toUInt256(f.Price)
		if err != nil {
			return err
		}
		sellPresence, err := toUInt256(f.SellPresence)
		if err != nil {
			return err
		}
		buyPresence, err := toUInt256(f.BuyPresence)
		if err != nil {
			return err
		}

		err = batch.Append(
			f.Fund, f.AuctionID, f.Nonce, f.Bidder, f.SellMint, f.BuyMint,
			f.SellAmount, f.BuyAmount, price, sellPresence, buyPresence,
			boolToUInt8(f.ClosedEarly), boolToUInt8(f.UsedCallback), f.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByFund retrieves all fills of a fund, ordered by timestamp ASC.
func (s *BidFillStore) GetByFund(ctx context.Context, fund string) ([]*domain.BidFill, error) {
	query := `SELECT ` + bidFillColumns + `
		FROM bid_fills
		WHERE fund = ?
		ORDER BY timestamp ASC, auction_id ASC
	`

	rows, err := s.conn.Query(ctx, query, fund)
	if err != nil {
		return nil, fmt.Errorf("query by fund: %w", err)
	}
	defer rows.Close()

	return scanBidFills(rows)
}

// GetByTimeRange retrieves fills of a fund within [start, end] (inclusive).
func (s *BidFillStore) GetByTimeRange(ctx context.Context, fund string, start, end int64) ([]*domain.BidFill, error) {
	query := `SELECT ` + bidFillColumns + `
		FROM bid_fills
		WHERE fund = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC, auction_id ASC
	`

	rows, err := s.conn.Query(ctx, query, fund, start, end)
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanBidFills(rows)
}

func scanBidFills(rows chRows) ([]*domain.BidFill, error) {
	var fills []*domain.BidFill

	for rows.Next() {
		var f domain.BidFill
		var price, sellPresence, buyPresence big.Int
		var closedEarly, usedCallback uint8

		err := rows.Scan(
			&f.Fund, &f.AuctionID, &f.Nonce, &f.Bidder, &f.SellMint, &f.BuyMint,
			&f.SellAmount, &f.BuyAmount, &price, &sellPresence, &buyPresence,
			&closedEarly, &usedCallback, &f.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan bid fill row: %w", err)
		}

		f.Price = fromUInt256(&price)
		f.SellPresence = fromUInt256(&sellPresence)
		f.BuyPresence = fromUInt256(&buyPresence)
		f.ClosedEarly = closedEarly == 1
		f.UsedCallback = usedCallback == 1
		fills = append(fills, &f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bid fill rows: %w", err)
	}

	return fills, nil
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
