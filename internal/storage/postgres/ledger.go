package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/storage"
	"index-fund-engine/internal/token"
)

// maxTxAttempts bounds retries of a transaction that lost a serialization race.
const maxTxAttempts = 3

// Ledger implements storage.Ledger on PostgreSQL. Every transaction runs at
// SERIALIZABLE isolation and locks the rows it reads.
type Ledger struct {
	pool *Pool
}

// NewLedger creates a new Ledger.
func NewLedger(pool *Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Compile-time interface check.
var _ storage.Ledger = (*Ledger)(nil)

// WithTx runs fn in a transaction, committing if fn returns nil. fn is run
// again when the commit loses a serialization race.
func (l *Ledger) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = l.runTx(ctx, fn)
		if err == nil || !isRetryableError(err) {
			return err
		}
	}
	return err
}

func (l *Ledger) runTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	pgTx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = pgTx.Rollback(ctx) }()

	if err := fn(&ledgerTx{tx: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// CreateMint registers a mint. Returns ErrDuplicateKey if the address exists.
func (l *Ledger) CreateMint(ctx context.Context, m token.Mint) error {
	if m.Address == "" {
		return storage.ErrInvalidInput
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO token_mints (address, authority, decimals, supply)
		VALUES ($1, $2, $3, $4::numeric)
	`, m.Address, m.Authority, int16(m.Decimals), u64Param(m.Supply))
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert mint: %w", err)
	}
	return nil
}

// ledgerTx implements storage.Tx over a pgx transaction.
type ledgerTx struct {
	tx pgx.Tx
}

var _ storage.Tx = (*ledgerTx)(nil)

func (t *ledgerTx) Fund(ctx context.Context, addr string) (*domain.Fund, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT address, mint, bump, circulating_supply_scale::text, tvl_fee::text,
			dao_pending_fee_shares::text, fee_recipients_pending_fee_shares::text,
			fee_recipients_pending_fee_shares_to_be_minted::text, last_accrual_time
		FROM funds
		WHERE address = $1
		FOR UPDATE
	`, addr)

	var f domain.Fund
	var bump int16
	var scale, tvlFee, dao, recipients, toBeMinted string
	err := row.Scan(&f.Address, &f.Mint, &bump, &scale, &tvlFee, &dao, &recipients, &toBeMinted, &f.LastAccrualTime)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get fund: %w", err)
	}
	f.Bump = uint8(bump)

	if err := errors.Join(
		parseU256(scale, &f.CirculatingSupplyScale),
		parseU256(tvlFee, &f.TVLFee),
		parseU256(dao, &f.DAOPendingFeeShares),
		parseU256(recipients, &f.FeeRecipientsPendingFeeShares),
		parseU256(toBeMinted, &f.FeeRecipientsPendingFeeSharesToBeMinted),
	); err != nil {
		return nil, fmt.Errorf("fund %s: %w", addr, err)
	}
	return &f, nil
}

func (t *ledgerTx) PutFund(ctx context.Context, f *domain.Fund) error {
	if f == nil || f.Address == "" {
		return storage.ErrInvalidInput
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO funds (
			address, mint, bump, circulating_supply_scale, tvl_fee, dao_pending_fee_shares,
			fee_recipients_pending_fee_shares, fee_recipients_pending_fee_shares_to_be_minted,
			last_accrual_time
		) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9)
		ON CONFLICT (address) DO UPDATE SET
			circulating_supply_scale = EXCLUDED.circulating_supply_scale,
			tvl_fee = EXCLUDED.tvl_fee,
			dao_pending_fee_shares = EXCLUDED.dao_pending_fee_shares,
			fee_recipients_pending_fee_shares = EXCLUDED.fee_recipients_pending_fee_shares,
			fee_recipients_pending_fee_shares_to_be_minted = EXCLUDED.fee_recipients_pending_fee_shares_to_be_minted,
			last_accrual_time = EXCLUDED.last_accrual_time,
			updated_at = EXTRACT(EPOCH FROM NOW())::BIGINT
	`,
		f.Address,
		f.Mint,
		int16(f.Bump),
		u256Param(&f.CirculatingSupplyScale),
		u256Param(&f.TVLFee),
		u256Param(&f.DAOPendingFeeShares),
		u256Param(&f.FeeRecipientsPendingFeeShares),
		u256Param(&f.FeeRecipientsPendingFeeSharesToBeMinted),
		f.LastAccrualTime,
	)
	if err != nil {
		return fmt.Errorf("put fund: %w", err)
	}
	return nil
}

func (t *ledgerTx) Basket(ctx context.Context, addr string) (*domain.Basket, error) {
	var fund string
	err := t.tx.QueryRow(ctx, `SELECT fund FROM baskets WHERE address = $1 FOR UPDATE`, addr).Scan(&fund)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get basket: %w", err)
	}

	rows, err := t.tx.Query(ctx, `
		SELECT slot, mint, amount::text
		FROM basket_tokens
		WHERE basket = $1
		ORDER BY slot ASC
	`, addr)
	if err != nil {
		return nil, fmt.Errorf("get basket tokens: %w", err)
	}
	defer rows.Close()

	b := domain.NewBasket(addr, fund)
	for rows.Next() {
		var slot int16
		var mint, amount string
		if err := rows.Scan(&slot, &mint, &amount); err != nil {
			return nil, fmt.Errorf("scan basket token: %w", err)
		}
		if slot < 0 || int(slot) >= domain.MaxBasketTokens {
			return nil, fmt.Errorf("basket %s slot %d out of range", addr, slot)
		}
		v, err := parseU64(amount)
		if err != nil {
			return nil, err
		}
		b.Tokens[slot] = domain.BasketToken{Mint: mint, Amount: v}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate basket tokens: %w", err)
	}
	return b, nil
}

func (t *ledgerTx) PutBasket(ctx context.Context, b *domain.Basket) error {
	if b == nil || b.Address == "" {
		return storage.ErrInvalidInput
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO baskets (address, fund) VALUES ($1, $2)
		ON CONFLICT (address) DO NOTHING
	`, b.Address, b.Fund)
	if err != nil {
		return fmt.Errorf("put basket: %w", err)
	}

	if _, err := t.tx.Exec(ctx, `DELETE FROM basket_tokens WHERE basket = $1`, b.Address); err != nil {
		return fmt.Errorf("clear basket tokens: %w", err)
	}
	for slot, tok := range b.Tokens {
		if tok.Mint == domain.EmptyKey || tok.Amount == 0 {
			continue
		}
		_, err := t.tx.Exec(ctx, `
			INSERT INTO basket_tokens (basket, slot, mint, amount)
			VALUES ($1, $2, $3, $4::numeric)
		`, b.Address, int16(slot), tok.Mint, u64Param(tok.Amount))
		if err != nil {
			return fmt.Errorf("put basket token %s: %w", tok.Mint, err)
		}
	}
	return nil
}

// limitJSON is the JSONB form of domain.TokenLimits.
type limitJSON struct {
	Mint      string `json:"mint"`
	SellLimit string `json:"sell_limit"`
	BuyLimit  string `json:"buy_limit"`
}

func (t *ledgerTx) RebalanceEpoch(ctx context.Context, addr string) (*domain.RebalanceEpoch, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT address, fund, nonce::text, started_at, available_until, limits::text
		FROM rebalance_epochs
		WHERE address = $1
		FOR UPDATE
	`, addr)

	var r domain.RebalanceEpoch
	var nonce, limits string
	if err := row.Scan(&r.Address, &r.Fund, &nonce, &r.StartedAt, &r.AvailableUntil, &limits); err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get rebalance epoch: %w", err)
	}

	var err error
	if r.Nonce, err = parseU64(nonce); err != nil {
		return nil, err
	}

	var decoded []limitJSON
	if err := json.Unmarshal([]byte(limits), &decoded); err != nil {
		return nil, fmt.Errorf("decode limits: %w", err)
	}
	for _, l := range decoded {
		tl := domain.TokenLimits{Mint: l.Mint}
		if err := parseU256(l.SellLimit, &tl.SellLimit); err != nil {
			return nil, err
		}
		if err := parseU256(l.BuyLimit, &tl.BuyLimit); err != nil {
			return nil, err
		}
		r.Limits = append(r.Limits, tl)
	}
	return &r, nil
}

func (t *ledgerTx) PutRebalanceEpoch(ctx context.Context, r *domain.RebalanceEpoch) error {
	if r == nil || r.Address == "" {
		return storage.ErrInvalidInput
	}
	encoded := make([]limitJSON, 0, len(r.Limits))
	for i := range r.Limits {
		l := &r.Limits[i]
		encoded = append(encoded, limitJSON{Mint: l.Mint, SellLimit: l.SellLimit.Dec(), BuyLimit: l.BuyLimit.Dec()})
	}
	limits, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("encode limits: %w", err)
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO rebalance_epochs (address, fund, nonce, started_at, available_until, limits)
		VALUES ($1, $2, $3::numeric, $4, $5, $6::jsonb)
		ON CONFLICT (address) DO UPDATE SET
			nonce = EXCLUDED.nonce,
			started_at = EXCLUDED.started_at,
			available_until = EXCLUDED.available_until,
			limits = EXCLUDED.limits
	`, r.Address, r.Fund, u64Param(r.Nonce), r.StartedAt, r.AvailableUntil, string(limits))
	if err != nil {
		return fmt.Errorf("put rebalance epoch: %w", err)
	}
	return nil
}

const auctionColumns = `
	address, fund, id::text, nonce::text, sell_mint, buy_mint, start_time, end_time,
	sell_limit::text, buy_limit::text, start_price::text, end_price::text, curve
`

func (t *ledgerTx) Auction(ctx context.Context, addr string) (*domain.Auction, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE address = $1 FOR UPDATE`, addr)
	a, err := scanAuction(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get auction: %w", err)
	}
	return a, nil
}

func (t *ledgerTx) InsertAuction(ctx context.Context, a *domain.Auction) error {
	if a == nil || a.Address == "" {
		return storage.ErrInvalidInput
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO auctions (
			address, fund, id, nonce, sell_mint, buy_mint, start_time, end_time,
			sell_limit, buy_limit, start_price, end_price, curve
		) VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7, $8,
			$9::numeric, $10::numeric, $11::numeric, $12::numeric, $13)
	`,
		a.Address,
		a.Fund,
		u64Param(a.ID),
		u64Param(a.Nonce),
		a.SellMint,
		a.BuyMint,
		a.StartTime,
		a.EndTime,
		u256Param(&a.SellLimit),
		u256Param(&a.BuyLimit),
		u256Param(&a.StartPrice),
		u256Param(&a.EndPrice),
		string(a.Curve),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert auction: %w", err)
	}
	return nil
}

// PutAuction updates the mutable fields of an existing auction.
func (t *ledgerTx) PutAuction(ctx context.Context, a *domain.Auction) error {
	if a == nil || a.Address == "" {
		return storage.ErrInvalidInput
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE auctions SET start_time = $2, end_time = $3
		WHERE address = $1
	`, a.Address, a.StartTime, a.EndTime)
	if err != nil {
		return fmt.Errorf("put auction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanAuction(row pgx.Row) (*domain.Auction, error) {
	var a domain.Auction
	var id, nonce, sellLimit, buyLimit, startPrice, endPrice, curve string

	err := row.Scan(
		&a.Address, &a.Fund, &id, &nonce, &a.SellMint, &a.BuyMint, &a.StartTime, &a.EndTime,
		&sellLimit, &buyLimit, &startPrice, &endPrice, &curve,
	)
	if err != nil {
		return nil, err
	}

	if a.ID, err = parseU64(id); err != nil {
		return nil, err
	}
	if a.Nonce, err = parseU64(nonce); err != nil {
		return nil, err
	}
	if err := errors.Join(
		parseU256(sellLimit, &a.SellLimit),
		parseU256(buyLimit, &a.BuyLimit),
		parseU256(startPrice, &a.StartPrice),
		parseU256(endPrice, &a.EndPrice),
	); err != nil {
		return nil, err
	}
	a.Curve = domain.CurveKind(curve)
	return &a, nil
}

func (t *ledgerTx) AuctionEnds(ctx context.Context, addr string) (*domain.AuctionEnds, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT address, fund, rebalance_nonce::text, mint1, mint2, end_time
		FROM auction_ends
		WHERE address = $1
		FOR UPDATE
	`, addr)

	var e domain.AuctionEnds
	var nonce string
	if err := row.Scan(&e.Address, &e.Fund, &nonce, &e.Mint1, &e.Mint2, &e.EndTime); err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get auction ends: %w", err)
	}
	var err error
	if e.RebalanceNonce, err = parseU64(nonce); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *ledgerTx) PutAuctionEnds(ctx context.Context, e *domain.AuctionEnds) error {
	if e == nil || e.Address == "" {
		return storage.ErrInvalidInput
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO auction_ends (address, fund, rebalance_nonce, mint1, mint2, end_time)
		VALUES ($1, $2, $3::numeric, $4, $5, $6)
		ON CONFLICT (address) DO UPDATE SET end_time = EXCLUDED.end_time
	`, e.Address, e.Fund, u64Param(e.RebalanceNonce), e.Mint1, e.Mint2, e.EndTime)
	if err != nil {
		return fmt.Errorf("put auction ends: %w", err)
	}
	return nil
}

// recipientJSON is the JSONB form of fee recipient entries.
type recipientJSON struct {
	Recipient  string `json:"recipient"`
	PortionBps uint64 `json:"portion_bps"`
	Claimed    bool   `json:"claimed,omitempty"`
}

func (t *ledgerTx) FeeRecipients(ctx context.Context, addr string) (*domain.FeeRecipients, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT address, fund, distribution_index::text, recipients::text
		FROM fee_recipients
		WHERE address = $1
		FOR UPDATE
	`, addr)

	var r domain.FeeRecipients
	var index, recipients string
	if err := row.Scan(&r.Address, &r.Fund, &index, &recipients); err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get fee recipients: %w", err)
	}
	var err error
	if r.DistributionIndex, err = parseU64(index); err != nil {
		return nil, err
	}

	var decoded []recipientJSON
	if err := json.Unmarshal([]byte(recipients), &decoded); err != nil {
		return nil, fmt.Errorf("decode fee recipients: %w", err)
	}
	for _, e := range decoded {
		r.Recipients = append(r.Recipients, domain.FeeRecipient{Recipient: e.Recipient, PortionBps: e.PortionBps})
	}
	return &r, nil
}

func (t *ledgerTx) PutFeeRecipients(ctx context.Context, r *domain.FeeRecipients) error {
	if r == nil || r.Address == "" {
		return storage.ErrInvalidInput
	}
	encoded := make([]recipientJSON, 0, len(r.Recipients))
	for _, e := range r.Recipients {
		encoded = append(encoded, recipientJSON{Recipient: e.Recipient, PortionBps: e.PortionBps})
	}
	recipients, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("encode fee recipients: %w", err)
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO fee_recipients (address, fund, distribution_index, recipients)
		VALUES ($1, $2, $3::numeric, $4::jsonb)
		ON CONFLICT (address) DO UPDATE SET
			distribution_index = EXCLUDED.distribution_index,
			recipients = EXCLUDED.recipients
	`, r.Address, r.Fund, u64Param(r.DistributionIndex), string(recipients))
	if err != nil {
		return fmt.Errorf("put fee recipients: %w", err)
	}
	return nil
}

func (t *ledgerTx) FeeDistribution(ctx context.Context, addr string) (*domain.FeeDistribution, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT address, fund, index::text, cranker, amount_to_distribute::text, recipients::text, created_at
		FROM fee_distributions
		WHERE address = $1
		FOR UPDATE
	`, addr)

	var d domain.FeeDistribution
	var index, amount, recipients string
	if err := row.Scan(&d.Address, &d.Fund, &index, &d.Cranker, &amount, &recipients, &d.CreatedAt); err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get fee distribution: %w", err)
	}

	var err error
	if d.Index, err = parseU64(index); err != nil {
		return nil, err
	}
	if err := parseU256(amount, &d.AmountToDistribute); err != nil {
		return nil, err
	}

	var decoded []recipientJSON
	if err := json.Unmarshal([]byte(recipients), &decoded); err != nil {
		return nil, fmt.Errorf("decode distribution entries: %w", err)
	}
	for _, e := range decoded {
		d.Recipients = append(d.Recipients, domain.DistributionEntry{
			Recipient:  e.Recipient,
			PortionBps: e.PortionBps,
			Claimed:    e.Claimed,
		})
	}
	return &d, nil
}

func encodeEntries(entries []domain.DistributionEntry) (string, error) {
	encoded := make([]recipientJSON, 0, len(entries))
	for _, e := range entries {
		encoded = append(encoded, recipientJSON{Recipient: e.Recipient, PortionBps: e.PortionBps, Claimed: e.Claimed})
	}
	b, err := json.Marshal(encoded)
	if err != nil {
		return "", fmt.Errorf("encode distribution entries: %w", err)
	}
	return string(b), nil
}

func (t *ledgerTx) InsertFeeDistribution(ctx context.Context, d *domain.FeeDistribution) error {
	if d == nil || d.Address == "" {
		return storage.ErrInvalidInput
	}
	entries, err := encodeEntries(d.Recipients)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO fee_distributions (address, fund, index, cranker, amount_to_distribute, recipients, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5::numeric, $6::jsonb, $7)
	`, d.Address, d.Fund, u64Param(d.Index), d.Cranker, u256Param(&d.AmountToDistribute), entries, d.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert fee distribution: %w", err)
	}
	return nil
}

func (t *ledgerTx) PutFeeDistribution(ctx context.Context, d *domain.FeeDistribution) error {
	if d == nil || d.Address == "" {
		return storage.ErrInvalidInput
	}
	entries, err := encodeEntries(d.Recipients)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE fee_distributions SET amount_to_distribute = $2::numeric, recipients = $3::jsonb
		WHERE address = $1
	`, d.Address, u256Param(&d.AmountToDistribute), entries)
	if err != nil {
		return fmt.Errorf("put fee distribution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *ledgerTx) DeleteFeeDistribution(ctx context.Context, addr string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM fee_distributions WHERE address = $1`, addr)
	if err != nil {
		return fmt.Errorf("delete fee distribution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *ledgerTx) Tokens() token.Ledger {
	return &tokenLedger{tx: t.tx}
}
