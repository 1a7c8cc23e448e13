package genesis

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"index-fund-engine/internal/address"
	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/storage"
	"index-fund-engine/internal/storage/memory"
	"index-fund-engine/internal/token"
)

func memoryCreator(l *memory.Ledger) MintCreator {
	return func(_ context.Context, m token.Mint) error { return l.CreateMint(m) }
}

func TestSeed_FromFile(t *testing.T) {
	g, err := Load(filepath.Join("testdata", "genesis.json"))
	require.NoError(t, err)

	ctx := context.Background()
	ledger := memory.NewLedger()
	seeded, err := Seed(ctx, ledger, memoryCreator(ledger), g, 1_700_000_000)
	require.NoError(t, err)
	require.Len(t, seeded, 1)

	indexMint := address.KeyFromLabel("index")
	usdc := address.KeyFromLabel("usdc")
	wantFund, _, err := address.Fund(indexMint)
	require.NoError(t, err)
	assert.Equal(t, wantFund, seeded[0].Fund)
	assert.Equal(t, indexMint, seeded[0].IndexMint)

	err = ledger.WithTx(ctx, func(tx storage.Tx) error {
		f, err := tx.Fund(ctx, wantFund)
		require.NoError(t, err)
		assert.Equal(t, "1000000000", f.TVLFee.Dec())
		assert.Equal(t, int64(1_700_000_000), f.LastAccrualTime)

		b, err := tx.Basket(ctx, seeded[0].Basket)
		require.NoError(t, err)
		assert.Equal(t, uint64(1_000_000), b.Amount(usdc))

		bal, err := tx.Tokens().Balance(ctx, usdc, wantFund)
		require.NoError(t, err)
		assert.Equal(t, uint64(1_000_000), bal)

		supply, err := tx.Tokens().Supply(ctx, indexMint)
		require.NoError(t, err)
		assert.Equal(t, uint64(10_000), supply)

		recipientsAddr, err := address.FeeRecipients(wantFund)
		require.NoError(t, err)
		r, err := tx.FeeRecipients(ctx, recipientsAddr)
		require.NoError(t, err)
		assert.Len(t, r.Recipients, 2)
		return nil
	})
	require.NoError(t, err)
}

func TestSeed_Errors(t *testing.T) {
	tests := []struct {
		name    string
		g       Genesis
		wantErr error
	}{
		{
			name:    "bad key",
			g:       Genesis{Mints: []Mint{{Address: "not-base58-0OIl", Authority: "label:a"}}},
			wantErr: address.ErrInvalidKey,
		},
		{
			name: "undeclared basket mint",
			g: Genesis{Funds: []Fund{{
				IndexMint: "label:index",
				Basket:    []BasketEntry{{Mint: "label:ghost", Amount: 1}},
			}}},
			wantErr: domain.ErrInvalidMint,
		},
		{
			name:    "tvl fee of 100%",
			g:       Genesis{Funds: []Fund{{IndexMint: "label:index", TVLFee: "1"}}},
			wantErr: domain.ErrInvalidFeeConfig,
		},
		{
			name:    "tvl fee above 10% a year",
			g:       Genesis{Funds: []Fund{{IndexMint: "label:index", TVLFee: "0.000000004"}}},
			wantErr: domain.ErrInvalidFeeConfig,
		},
		{
			name: "portions short of 100%",
			g: Genesis{Funds: []Fund{{
				IndexMint:     "label:index",
				FeeRecipients: []FeeRecipient{{Recipient: "label:alice", PortionBps: 5000}},
			}}},
			wantErr: domain.ErrInvalidFeeRecipients,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := memory.NewLedger()
			_, err := Seed(context.Background(), ledger, memoryCreator(ledger), &tt.g, 0)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestResolveKey(t *testing.T) {
	key, err := ResolveKey("label:x")
	require.NoError(t, err)
	assert.Equal(t, address.KeyFromLabel("x"), key)

	same, err := ResolveKey(key)
	require.NoError(t, err)
	assert.Equal(t, key, same)

	_, err = ResolveKey("label:")
	assert.ErrorIs(t, err, address.ErrInvalidKey)
}
