package reporting

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/storage"
)

// scaleDecimals converts scaled share amounts to raw index token units.
const scaleDecimals = 9

// Generator produces reports from stored data.
type Generator struct {
	fillStore         storage.BidFillStore
	accrualStore      storage.FeeAccrualStore
	distributionStore storage.DistributionRecordStore
	now               func() time.Time // Injectable clock for deterministic output
}

// NewGenerator creates a new report generator. Any store may be nil; its
// section is left empty.
func NewGenerator(
	fills storage.BidFillStore,
	accruals storage.FeeAccrualStore,
	distributions storage.DistributionRecordStore,
) *Generator {
	return &Generator{
		fillStore:         fills,
		accrualStore:      accruals,
		distributionStore: distributions,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets a custom clock function for deterministic output.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate builds the report of fund within [start, end].
func (g *Generator) Generate(ctx context.Context, fund string, start, end int64) (*Report, error) {
	if start > end {
		return nil, fmt.Errorf("invalid range [%d, %d]", start, end)
	}
	r := &Report{
		GeneratedAt: g.now(),
		Fund:        fund,
		RangeStart:  start,
		RangeEnd:    end,
	}

	if g.fillStore != nil {
		fills, err := g.fillStore.GetByTimeRange(ctx, fund, start, end)
		if err != nil {
			return nil, fmt.Errorf("load fills: %w", err)
		}
		if err := r.addFills(fills); err != nil {
			return nil, err
		}
	}

	if g.accrualStore != nil {
		points, err := g.accrualStore.GetByTimeRange(ctx, fund, start, end)
		if err != nil {
			return nil, fmt.Errorf("load accruals: %w", err)
		}
		if r.Accruals, err = summarizeAccruals(points); err != nil {
			return nil, err
		}
	}

	if g.distributionStore != nil {
		records, err := g.distributionStore.GetByFund(ctx, fund)
		if err != nil {
			return nil, fmt.Errorf("load distributions: %w", err)
		}
		if err := r.addDistributions(records, start, end); err != nil {
			return nil, err
		}
	}

	return r, nil
}

type pairKey struct {
	sell, buy string
}

// addFills fills the fill rows, volumes and fill counters.
func (r *Report) addFills(fills []*domain.BidFill) error {
	volumes := make(map[pairKey]*VolumeRow)
	auctions := make(map[[2]uint64]struct{})

	for _, f := range fills {
		price, err := decimal.NewFromString(f.Price)
		if err != nil {
			return fmt.Errorf("fill price %q: %w", f.Price, err)
		}
		r.Fills = append(r.Fills, FillRow{
			Timestamp:    f.Timestamp,
			AuctionID:    f.AuctionID,
			Nonce:        f.Nonce,
			Bidder:       f.Bidder,
			SellMint:     f.SellMint,
			BuyMint:      f.BuyMint,
			SellAmount:   f.SellAmount,
			BuyAmount:    f.BuyAmount,
			Price:        price.Shift(-18),
			ClosedEarly:  f.ClosedEarly,
			UsedCallback: f.UsedCallback,
		})

		key := pairKey{f.SellMint, f.BuyMint}
		v, ok := volumes[key]
		if !ok {
			v = &VolumeRow{SellMint: f.SellMint, BuyMint: f.BuyMint}
			volumes[key] = v
		}
		v.Fills++
		v.SellAmount += f.SellAmount
		v.BuyAmount += f.BuyAmount

		auctions[[2]uint64{f.Nonce, f.AuctionID}] = struct{}{}
		if f.ClosedEarly {
			r.Summary.ClosedEarly++
		}
		if f.UsedCallback {
			r.Summary.Callbacks++
		}
	}
	r.Summary.TotalFills = len(fills)
	r.Summary.Auctions = len(auctions)

	for _, v := range volumes {
		if v.SellAmount > 0 {
			v.AvgPrice = fromUint64(v.BuyAmount).Div(fromUint64(v.SellAmount)).Round(9)
		}
		r.Volumes = append(r.Volumes, *v)
	}
	sort.Slice(r.Volumes, func(i, j int) bool {
		if r.Volumes[i].SellMint != r.Volumes[j].SellMint {
			return r.Volumes[i].SellMint < r.Volumes[j].SellMint
		}
		return r.Volumes[i].BuyMint < r.Volumes[j].BuyMint
	})
	return nil
}

func summarizeAccruals(points []*domain.FeeAccrualPoint) (AccrualSummary, error) {
	var s AccrualSummary
	s.Points = len(points)
	for _, p := range points {
		dao, err := rawShares(p.DAOFeeShares)
		if err != nil {
			return s, err
		}
		recipients, err := rawShares(p.RecipientsFeeShares)
		if err != nil {
			return s, err
		}
		s.Elapsed += p.Elapsed
		s.DAOFeeShares = s.DAOFeeShares.Add(dao)
		s.RecipientsFeeShares = s.RecipientsFeeShares.Add(recipients)
	}
	if len(points) > 0 {
		last := points[len(points)-1]
		var err error
		if s.DAOPending, err = rawShares(last.DAOPendingAfter); err != nil {
			return s, err
		}
		if s.RecipientsPending, err = rawShares(last.RecipientsPendingAfter); err != nil {
			return s, err
		}
	}
	return s, nil
}

func (r *Report) addDistributions(records []*domain.DistributionRecord, start, end int64) error {
	for _, rec := range records {
		if rec.Timestamp < start || rec.Timestamp > end {
			continue
		}
		amount, err := rawShares(rec.RecipientsAmount)
		if err != nil {
			return err
		}
		dust, err := rawShares(rec.Dust)
		if err != nil {
			return err
		}
		r.Distributions = append(r.Distributions, DistributionRow{
			Index:            rec.Index,
			Timestamp:        rec.Timestamp,
			DAOMinted:        rec.DAOMinted,
			RecipientsAmount: amount,
			Dust:             dust,
		})
		r.Summary.DAOMinted += rec.DAOMinted
	}
	sort.Slice(r.Distributions, func(i, j int) bool {
		return r.Distributions[i].Index < r.Distributions[j].Index
	})
	r.Summary.Distributions = len(r.Distributions)
	return nil
}

// rawShares parses a scaled share amount into raw index token units.
func rawShares(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("share amount %q: %w", s, err)
	}
	return d.Shift(-scaleDecimals), nil
}

func fromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
