package reporting

import (
	"time"

	"github.com/shopspring/decimal"
)

// Report summarizes a fund's recorded activity over a time range.
type Report struct {
	GeneratedAt time.Time
	Fund        string
	RangeStart  int64 // unix seconds, inclusive
	RangeEnd    int64 // unix seconds, inclusive

	Summary Summary

	// Volumes per (sell mint, buy mint) pair, sorted by pair.
	Volumes []VolumeRow

	// Fills in execution order.
	Fills []FillRow

	Accruals AccrualSummary

	// Distributions sorted by index.
	Distributions []DistributionRow
}

// Summary holds headline counts.
type Summary struct {
	TotalFills    int
	Auctions      int // distinct (nonce, auction id) pairs with fills
	ClosedEarly   int
	Callbacks     int
	Distributions int
	DAOMinted     uint64 // raw index token units over all distributions
}

// VolumeRow aggregates fills of one token pair.
type VolumeRow struct {
	SellMint   string
	BuyMint    string
	Fills      int
	SellAmount uint64
	BuyAmount  uint64
	AvgPrice   decimal.Decimal // BuyAmount / SellAmount
}

// FillRow is one executed bid.
type FillRow struct {
	Timestamp    int64
	AuctionID    uint64
	Nonce        uint64
	Bidder       string
	SellMint     string
	BuyMint      string
	SellAmount   uint64
	BuyAmount    uint64
	Price        decimal.Decimal // buy units per sell unit
	ClosedEarly  bool
	UsedCallback bool
}

// AccrualSummary totals the fee accrual series. Share amounts are in raw
// index token units.
type AccrualSummary struct {
	Points              int
	Elapsed             int64
	DAOFeeShares        decimal.Decimal
	RecipientsFeeShares decimal.Decimal
	DAOPending          decimal.Decimal // after the last point
	RecipientsPending   decimal.Decimal
}

// DistributionRow is one fee distribution.
type DistributionRow struct {
	Index            uint64
	Timestamp        int64
	DAOMinted        uint64
	RecipientsAmount decimal.Decimal // raw index token units
	Dust             decimal.Decimal
}
