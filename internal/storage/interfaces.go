package storage

import (
	"context"

	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/token"
)

// Ledger runs operations against the engine's records atomically.
type Ledger interface {
	// WithTx runs fn inside one transaction. Every record and token change
	// made through the Tx commits when fn returns nil and is discarded
	// otherwise. Transactions on the same ledger are serialized.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx provides access to records inside a transaction. Getters return copies;
// changes become visible to the transaction only after the matching Put.
type Tx interface {
	// Fund retrieves a fund by address. Returns ErrNotFound if not exists.
	Fund(ctx context.Context, addr string) (*domain.Fund, error)
	// PutFund inserts or replaces a fund.
	PutFund(ctx context.Context, f *domain.Fund) error

	// Basket retrieves a basket by address. Returns ErrNotFound if not exists.
	Basket(ctx context.Context, addr string) (*domain.Basket, error)
	// PutBasket inserts or replaces a basket.
	PutBasket(ctx context.Context, b *domain.Basket) error

	// RebalanceEpoch retrieves a rebalance epoch by address. Returns ErrNotFound if not exists.
	RebalanceEpoch(ctx context.Context, addr string) (*domain.RebalanceEpoch, error)
	// PutRebalanceEpoch inserts or replaces a rebalance epoch.
	PutRebalanceEpoch(ctx context.Context, r *domain.RebalanceEpoch) error

	// Auction retrieves an auction by address. Returns ErrNotFound if not exists.
	Auction(ctx context.Context, addr string) (*domain.Auction, error)
	// InsertAuction adds a new auction. Returns ErrDuplicateKey if the address exists.
	InsertAuction(ctx context.Context, a *domain.Auction) error
	// PutAuction replaces an existing auction. Returns ErrNotFound if not exists.
	PutAuction(ctx context.Context, a *domain.Auction) error

	// AuctionEnds retrieves a pair end record by address. Returns ErrNotFound if not exists.
	AuctionEnds(ctx context.Context, addr string) (*domain.AuctionEnds, error)
	// PutAuctionEnds inserts or replaces a pair end record.
	PutAuctionEnds(ctx context.Context, e *domain.AuctionEnds) error

	// FeeRecipients retrieves fee recipients by address. Returns ErrNotFound if not exists.
	FeeRecipients(ctx context.Context, addr string) (*domain.FeeRecipients, error)
	// PutFeeRecipients inserts or replaces fee recipients.
	PutFeeRecipients(ctx context.Context, r *domain.FeeRecipients) error

	// FeeDistribution retrieves a distribution by address. Returns ErrNotFound if not exists.
	FeeDistribution(ctx context.Context, addr string) (*domain.FeeDistribution, error)
	// InsertFeeDistribution adds a distribution. Returns ErrDuplicateKey if the address exists.
	InsertFeeDistribution(ctx context.Context, d *domain.FeeDistribution) error
	// PutFeeDistribution replaces an existing distribution. Returns ErrNotFound if not exists.
	PutFeeDistribution(ctx context.Context, d *domain.FeeDistribution) error
	// DeleteFeeDistribution removes a distribution. Returns ErrNotFound if not exists.
	DeleteFeeDistribution(ctx context.Context, addr string) error

	// Tokens returns the token ledger bound to this transaction.
	Tokens() token.Ledger
}

// BidFillStore provides access to the executed bid log.
type BidFillStore interface {
	// InsertBulk adds multiple fills atomically.
	InsertBulk(ctx context.Context, fills []*domain.BidFill) error

	// GetByFund retrieves all fills of a fund, ordered by timestamp ASC.
	GetByFund(ctx context.Context, fund string) ([]*domain.BidFill, error)

	// GetByTimeRange retrieves fills of a fund within [start, end] (inclusive).
	GetByTimeRange(ctx context.Context, fund string, start, end int64) ([]*domain.BidFill, error)
}

// FeeAccrualStore provides access to the fee accrual time series.
type FeeAccrualStore interface {
	// InsertBulk adds multiple points. Fails entire batch on duplicate (fund, timestamp).
	InsertBulk(ctx context.Context, points []*domain.FeeAccrualPoint) error

	// GetByTimeRange retrieves points of a fund within [start, end] (inclusive).
	GetByTimeRange(ctx context.Context, fund string, start, end int64) ([]*domain.FeeAccrualPoint, error)
}

// DistributionRecordStore provides access to fee distribution outcomes.
type DistributionRecordStore interface {
	// Insert adds a record. Returns ErrDuplicateKey if (fund, index) exists.
	Insert(ctx context.Context, r *domain.DistributionRecord) error

	// GetByFund retrieves all records of a fund, ordered by index ASC.
	GetByFund(ctx context.Context, fund string) ([]*domain.DistributionRecord, error)
}
