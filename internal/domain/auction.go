package domain

import "github.com/holiman/uint256"

// AuctionStatus is the lifecycle state of an auction at a point in time.
type AuctionStatus string

const (
	AuctionPending AuctionStatus = "PENDING"
	AuctionOpen    AuctionStatus = "OPEN"
	AuctionClosed  AuctionStatus = "CLOSED"
)

// CurveKind selects the price curve an auction decays along.
type CurveKind string

const (
	CurveLinear      CurveKind = "linear"
	CurveExponential CurveKind = "exponential"
)

// Auction offers the fund's SellMint in exchange for BuyMint at a price that
// decays from StartPrice to EndPrice over [StartTime, EndTime].
type Auction struct {
	Address string // derived from ("auction", Fund, ID)
	Fund    string
	ID      uint64
	Nonce   uint64 // rebalance nonce at creation

	SellMint string
	BuyMint  string

	StartTime int64
	EndTime   int64

	SellLimit uint256.Int // minimum sell-mint presence per share to keep (D18)
	BuyLimit  uint256.Int // buy-mint presence per share to reach (D18)

	StartPrice uint256.Int // buy units per sell unit (D18)
	EndPrice   uint256.Int
	Curve      CurveKind
}

// Status reports the auction state at now. Open iff StartTime <= now < EndTime.
func (a *Auction) Status(now int64) AuctionStatus {
	switch {
	case now < a.StartTime:
		return AuctionPending
	case now < a.EndTime:
		return AuctionOpen
	default:
		return AuctionClosed
	}
}

// Close ends the auction one tick before now. EndTime never increases.
func (a *Auction) Close(now int64) {
	if end := now - 1; end < a.EndTime {
		a.EndTime = end
	}
}

// Clone returns a deep copy.
func (a *Auction) Clone() *Auction {
	c := *a
	return &c
}

// AuctionEnds tracks the end time of the latest auction for a token pair
// within one rebalance. Mint1 < Mint2.
type AuctionEnds struct {
	Address        string // derived from ("auction_ends", Fund, RebalanceNonce, Mint1, Mint2)
	Fund           string
	RebalanceNonce uint64
	Mint1          string
	Mint2          string
	EndTime        int64
}

// SortedPair orders two mints the way AuctionEnds stores them.
func SortedPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

// Close moves EndTime back to now-1, never forward.
func (e *AuctionEnds) Close(now int64) {
	if end := now - 1; end < e.EndTime {
		e.EndTime = end
	}
}

// Clone returns a deep copy.
func (e *AuctionEnds) Clone() *AuctionEnds {
	c := *e
	return &c
}

// TokenLimits are the per-share presence bounds configured for a mint in a rebalance.
type TokenLimits struct {
	Mint      string
	SellLimit uint256.Int
	BuyLimit  uint256.Int
}

// RebalanceEpoch identifies the current rebalancing round. Bumping Nonce
// invalidates every auction created under an earlier nonce.
type RebalanceEpoch struct {
	Address        string // derived from ("rebalance", Fund)
	Fund           string
	Nonce          uint64
	StartedAt      int64
	AvailableUntil int64
	Limits         []TokenLimits
}

// LimitsFor returns the configured limits for mint.
func (r *RebalanceEpoch) LimitsFor(mint string) (TokenLimits, bool) {
	for _, l := range r.Limits {
		if l.Mint == mint {
			return l, true
		}
	}
	return TokenLimits{}, false
}

// Clone returns a deep copy.
func (r *RebalanceEpoch) Clone() *RebalanceEpoch {
	c := *r
	c.Limits = append([]TokenLimits(nil), r.Limits...)
	return &c
}
