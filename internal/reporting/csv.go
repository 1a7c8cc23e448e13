package reporting

import (
	"fmt"
	"strings"
)

// RenderCSV renders fills as CSV string.
func RenderCSV(fills []FillRow) string {
	var sb strings.Builder

	// Header
	sb.WriteString("timestamp,nonce,auction_id,bidder,sell_mint,buy_mint,")
	sb.WriteString("sell_amount,buy_amount,price,closed_early,used_callback\n")

	// Rows
	for _, f := range fills {
		sb.WriteString(fmt.Sprintf("%d,%d,%d,%s,%s,%s,%d,%d,%s,%t,%t\n",
			f.Timestamp,
			f.Nonce,
			f.AuctionID,
			f.Bidder,
			f.SellMint,
			f.BuyMint,
			f.SellAmount,
			f.BuyAmount,
			f.Price.String(),
			f.ClosedEarly,
			f.UsedCallback,
		))
	}

	return sb.String()
}
