package domain

// BidFill records one executed bid. Amounts are raw token units; Price and
// presences are D18 values rendered as decimal strings.
type BidFill struct {
	Fund         string
	AuctionID    uint64
	Nonce        uint64
	Bidder       string
	SellMint     string
	BuyMint      string
	SellAmount   uint64
	BuyAmount    uint64
	Price        string
	SellPresence string
	BuyPresence  string
	ClosedEarly  bool
	UsedCallback bool
	Timestamp    int64 // unix seconds
}

// FeeAccrualPoint records the shares added by one accrual.
type FeeAccrualPoint struct {
	Fund                   string
	Timestamp              int64
	Elapsed                int64
	ScaledTotalSupply      string
	DAOFeeShares           string
	RecipientsFeeShares    string
	DAOPendingAfter        string
	RecipientsPendingAfter string
}

// DistributionRecord records the outcome of one fee distribution.
type DistributionRecord struct {
	Fund             string
	Index            uint64
	DAOMinted        uint64 // raw units minted to the DAO recipient
	RecipientsAmount string // scaled units recorded for fee recipients
	Dust             string // scaled units moved to the DAO accumulator
	Timestamp        int64
}
