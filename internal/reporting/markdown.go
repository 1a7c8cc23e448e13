package reporting

import (
	"fmt"
	"strings"
	"time"
)

// RenderMarkdown renders report as Markdown string.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder

	// Header
	sb.WriteString("# Fund Activity Report\n\n")
	sb.WriteString(fmt.Sprintf("Fund: `%s`\n\n", r.Fund))
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Range: %s to %s\n\n",
		time.Unix(r.RangeStart, 0).UTC().Format(time.RFC3339),
		time.Unix(r.RangeEnd, 0).UTC().Format(time.RFC3339)))

	// Summary
	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Fills | %d |\n", r.Summary.TotalFills))
	sb.WriteString(fmt.Sprintf("| Auctions Filled | %d |\n", r.Summary.Auctions))
	sb.WriteString(fmt.Sprintf("| Closed Early | %d |\n", r.Summary.ClosedEarly))
	sb.WriteString(fmt.Sprintf("| Callback Bids | %d |\n", r.Summary.Callbacks))
	sb.WriteString(fmt.Sprintf("| Distributions | %d |\n", r.Summary.Distributions))
	sb.WriteString(fmt.Sprintf("| DAO Minted | %d |\n", r.Summary.DAOMinted))
	sb.WriteString("\n")

	// Volumes
	sb.WriteString("## Volume by Pair\n\n")
	if len(r.Volumes) > 0 {
		sb.WriteString("| Sell Mint | Buy Mint | Fills | Sold | Bought | Avg Price |\n")
		sb.WriteString("|-----------|----------|-------|------|--------|-----------|\n")
		for _, v := range r.Volumes {
			sb.WriteString(fmt.Sprintf("| %s | %s | %d | %d | %d | %s |\n",
				v.SellMint, v.BuyMint, v.Fills, v.SellAmount, v.BuyAmount, v.AvgPrice.String()))
		}
	} else {
		sb.WriteString("No fills in range.\n")
	}
	sb.WriteString("\n")

	// Fills
	sb.WriteString("## Fills\n\n")
	if len(r.Fills) > 0 {
		sb.WriteString("| Time | Nonce | Auction | Bidder | Sold | Bought | Price | Flags |\n")
		sb.WriteString("|------|-------|---------|--------|------|--------|-------|-------|\n")
		for _, f := range r.Fills {
			sb.WriteString(fmt.Sprintf("| %d | %d | %d | %s | %d | %d | %s | %s |\n",
				f.Timestamp, f.Nonce, f.AuctionID, f.Bidder,
				f.SellAmount, f.BuyAmount, f.Price.String(), fillFlags(f)))
		}
	} else {
		sb.WriteString("No fills in range.\n")
	}
	sb.WriteString("\n")

	// Accruals
	sb.WriteString("## Fee Accrual\n\n")
	if r.Accruals.Points > 0 {
		a := r.Accruals
		sb.WriteString("| Metric | Value |\n")
		sb.WriteString("|--------|-------|\n")
		sb.WriteString(fmt.Sprintf("| Accrual Points | %d |\n", a.Points))
		sb.WriteString(fmt.Sprintf("| Seconds Accrued | %d |\n", a.Elapsed))
		sb.WriteString(fmt.Sprintf("| DAO Fee Shares | %s |\n", a.DAOFeeShares.StringFixed(9)))
		sb.WriteString(fmt.Sprintf("| Recipients Fee Shares | %s |\n", a.RecipientsFeeShares.StringFixed(9)))
		sb.WriteString(fmt.Sprintf("| DAO Pending | %s |\n", a.DAOPending.StringFixed(9)))
		sb.WriteString(fmt.Sprintf("| Recipients Pending | %s |\n", a.RecipientsPending.StringFixed(9)))
	} else {
		sb.WriteString("No accrual data available.\n")
	}
	sb.WriteString("\n")

	// Distributions
	sb.WriteString("## Fee Distributions\n\n")
	if len(r.Distributions) > 0 {
		sb.WriteString("| Index | Time | DAO Minted | Recipients | Dust |\n")
		sb.WriteString("|-------|------|------------|------------|------|\n")
		for _, d := range r.Distributions {
			sb.WriteString(fmt.Sprintf("| %d | %d | %d | %s | %s |\n",
				d.Index, d.Timestamp, d.DAOMinted,
				d.RecipientsAmount.StringFixed(9), d.Dust.StringFixed(9)))
		}
	} else {
		sb.WriteString("No distributions in range.\n")
	}
	sb.WriteString("\n")

	return sb.String()
}

func fillFlags(f FillRow) string {
	var flags []string
	if f.ClosedEarly {
		flags = append(flags, "closed")
	}
	if f.UsedCallback {
		flags = append(flags, "callback")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}
