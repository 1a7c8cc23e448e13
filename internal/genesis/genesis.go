// Package genesis seeds a ledger with mints, funds and balances described in
// a JSON document. Funds can't be created through the engine's operations,
// so servers and simulations bootstrap from here.
package genesis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"index-fund-engine/internal/address"
	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/fixed"
	"index-fund-engine/internal/storage"
	"index-fund-engine/internal/token"
)

// LabelPrefix marks a key given as a label rather than base58, e.g.
// "label:usdc". The address is address.KeyFromLabel of the rest.
const LabelPrefix = "label:"

// Genesis is the initial ledger state.
type Genesis struct {
	Mints    []Mint    `json:"mints"`
	Funds    []Fund    `json:"funds"`
	Balances []Balance `json:"balances"`
}

// Mint is a basket token.
type Mint struct {
	Address   string `json:"address"`
	Authority string `json:"authority"`
	Decimals  uint8  `json:"decimals"`
}

// Fund is an index fund together with its index token mint.
type Fund struct {
	IndexMint     string         `json:"index_mint"`
	Decimals      uint8          `json:"decimals"`
	TVLFee        string         `json:"tvl_fee"` // per-second rate, e.g. "0.000000001"
	Basket        []BasketEntry  `json:"basket"`
	FeeRecipients []FeeRecipient `json:"fee_recipients"`
}

// BasketEntry is minted to the fund and recorded in its basket.
type BasketEntry struct {
	Mint   string `json:"mint"`
	Amount uint64 `json:"amount"`
}

// FeeRecipient is one entry of a fund's fee split.
type FeeRecipient struct {
	Recipient  string `json:"recipient"`
	PortionBps uint64 `json:"portion_bps"`
}

// Balance is minted to Owner by the mint's authority. Index token balances
// make up the fund's supply.
type Balance struct {
	Mint   string `json:"mint"`
	Owner  string `json:"owner"`
	Amount uint64 `json:"amount"`
}

// MintCreator registers a mint with a ledger.
type MintCreator func(ctx context.Context, m token.Mint) error

// SeededFund reports the addresses a fund was created at.
type SeededFund struct {
	Fund      string
	IndexMint string
	Basket    string
}

// Load reads a genesis document from path.
func Load(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse genesis %s: %w", path, err)
	}
	return &g, nil
}

// ResolveKey turns a base58 key or a "label:" key into an address.
func ResolveKey(key string) (string, error) {
	if label, ok := strings.CutPrefix(key, LabelPrefix); ok {
		if label == "" {
			return "", fmt.Errorf("empty label: %w", address.ErrInvalidKey)
		}
		return address.KeyFromLabel(label), nil
	}
	if _, err := address.Decode(key); err != nil {
		return "", err
	}
	return key, nil
}

// Seed creates every mint, then writes funds and balances in one transaction.
// Mints are created outside the transaction, so a failed Seed may leave them.
func Seed(ctx context.Context, ledger storage.Ledger, createMint MintCreator, g *Genesis, now int64) ([]SeededFund, error) {
	authorities := make(map[string]string)

	for _, m := range g.Mints {
		addr, err := ResolveKey(m.Address)
		if err != nil {
			return nil, fmt.Errorf("mint: %w", err)
		}
		authority, err := ResolveKey(m.Authority)
		if err != nil {
			return nil, fmt.Errorf("mint %s authority: %w", m.Address, err)
		}
		if err := createMint(ctx, token.Mint{Address: addr, Authority: authority, Decimals: m.Decimals}); err != nil {
			return nil, fmt.Errorf("create mint %s: %w", m.Address, err)
		}
		authorities[addr] = authority
	}

	type pending struct {
		fund       *domain.Fund
		seeded     SeededFund
		basket     []BasketEntry
		recipients []domain.FeeRecipient
	}
	funds := make([]pending, 0, len(g.Funds))

	for _, fs := range g.Funds {
		mint, err := ResolveKey(fs.IndexMint)
		if err != nil {
			return nil, fmt.Errorf("index mint: %w", err)
		}
		fundAddr, bump, err := address.Fund(mint)
		if err != nil {
			return nil, fmt.Errorf("derive fund of %s: %w", fs.IndexMint, err)
		}
		basketAddr, err := address.Basket(fundAddr)
		if err != nil {
			return nil, fmt.Errorf("derive basket of %s: %w", fs.IndexMint, err)
		}
		tvlFee, err := fixed.FromDecimal(orZero(fs.TVLFee), 18)
		if err != nil {
			return nil, fmt.Errorf("fund %s tvl fee: %w", fs.IndexMint, err)
		}
		fund, err := domain.NewFund(fundAddr, mint, bump, tvlFee, now)
		if err != nil {
			return nil, fmt.Errorf("fund %s: %w", fs.IndexMint, err)
		}

		recipients := make([]domain.FeeRecipient, 0, len(fs.FeeRecipients))
		for _, r := range fs.FeeRecipients {
			addr, err := ResolveKey(r.Recipient)
			if err != nil {
				return nil, fmt.Errorf("fund %s fee recipient: %w", fs.IndexMint, err)
			}
			recipients = append(recipients, domain.FeeRecipient{Recipient: addr, PortionBps: r.PortionBps})
		}

		// The fund is the index token's mint authority.
		if err := createMint(ctx, token.Mint{Address: mint, Authority: fundAddr, Decimals: fs.Decimals}); err != nil {
			return nil, fmt.Errorf("create index mint %s: %w", fs.IndexMint, err)
		}
		authorities[mint] = fundAddr

		funds = append(funds, pending{
			fund:       fund,
			seeded:     SeededFund{Fund: fundAddr, IndexMint: mint, Basket: basketAddr},
			basket:     fs.Basket,
			recipients: recipients,
		})
	}

	err := ledger.WithTx(ctx, func(tx storage.Tx) error {
		tokens := tx.Tokens()
		for _, p := range funds {
			basket := domain.NewBasket(p.seeded.Basket, p.seeded.Fund)
			for _, e := range p.basket {
				mint, err := ResolveKey(e.Mint)
				if err != nil {
					return fmt.Errorf("basket mint: %w", err)
				}
				authority, ok := authorities[mint]
				if !ok {
					return fmt.Errorf("basket mint %s not declared: %w", e.Mint, domain.ErrInvalidMint)
				}
				if err := tokens.MintTo(ctx, mint, authority, p.seeded.Fund, e.Amount); err != nil {
					return fmt.Errorf("fund basket %s: %w", e.Mint, err)
				}
				if err := basket.Add(mint, e.Amount); err != nil {
					return fmt.Errorf("basket %s: %w", e.Mint, err)
				}
			}

			recipientsAddr, err := address.FeeRecipients(p.seeded.Fund)
			if err != nil {
				return fmt.Errorf("derive fee recipients: %w", err)
			}
			recipients := &domain.FeeRecipients{Address: recipientsAddr, Fund: p.seeded.Fund, Recipients: p.recipients}
			if err := recipients.Validate(); err != nil {
				return err
			}

			if err := tx.PutFund(ctx, p.fund); err != nil {
				return fmt.Errorf("store fund: %w", err)
			}
			if err := tx.PutBasket(ctx, basket); err != nil {
				return fmt.Errorf("store basket: %w", err)
			}
			if err := tx.PutFeeRecipients(ctx, recipients); err != nil {
				return fmt.Errorf("store fee recipients: %w", err)
			}
		}

		for _, b := range g.Balances {
			mint, err := ResolveKey(b.Mint)
			if err != nil {
				return fmt.Errorf("balance mint: %w", err)
			}
			owner, err := ResolveKey(b.Owner)
			if err != nil {
				return fmt.Errorf("balance owner: %w", err)
			}
			authority, ok := authorities[mint]
			if !ok {
				return fmt.Errorf("balance mint %s not declared: %w", b.Mint, domain.ErrInvalidMint)
			}
			if err := tokens.MintTo(ctx, mint, authority, owner, b.Amount); err != nil {
				return fmt.Errorf("mint %d %s to %s: %w", b.Amount, b.Mint, b.Owner, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	seeded := make([]SeededFund, len(funds))
	for i, p := range funds {
		seeded[i] = p.seeded
	}
	return seeded, nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
