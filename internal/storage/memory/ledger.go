package memory

import (
	"context"
	"sync"

	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/storage"
	"index-fund-engine/internal/token"
)

// state is the full record set of a memory ledger.
type state struct {
	funds         map[string]*domain.Fund
	baskets       map[string]*domain.Basket
	epochs        map[string]*domain.RebalanceEpoch
	auctions      map[string]*domain.Auction
	auctionEnds   map[string]*domain.AuctionEnds
	recipients    map[string]*domain.FeeRecipients
	distributions map[string]*domain.FeeDistribution
	mints         map[string]*token.Mint
	balances      map[balanceKey]uint64
}

type balanceKey struct {
	mint  string
	owner string
}

func newState() *state {
	return &state{
		funds:         make(map[string]*domain.Fund),
		baskets:       make(map[string]*domain.Basket),
		epochs:        make(map[string]*domain.RebalanceEpoch),
		auctions:      make(map[string]*domain.Auction),
		auctionEnds:   make(map[string]*domain.AuctionEnds),
		recipients:    make(map[string]*domain.FeeRecipients),
		distributions: make(map[string]*domain.FeeDistribution),
		mints:         make(map[string]*token.Mint),
		balances:      make(map[balanceKey]uint64),
	}
}

// clone deep-copies every record so a transaction can be discarded.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.funds {
		c.funds[k] = v.Clone()
	}
	for k, v := range s.baskets {
		c.baskets[k] = v.Clone()
	}
	for k, v := range s.epochs {
		c.epochs[k] = v.Clone()
	}
	for k, v := range s.auctions {
		c.auctions[k] = v.Clone()
	}
	for k, v := range s.auctionEnds {
		c.auctionEnds[k] = v.Clone()
	}
	for k, v := range s.recipients {
		c.recipients[k] = v.Clone()
	}
	for k, v := range s.distributions {
		c.distributions[k] = v.Clone()
	}
	for k, v := range s.mints {
		m := *v
		c.mints[k] = &m
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	return c
}

// Ledger is an in-memory implementation of storage.Ledger.
// Transactions are serialized; each one works on a copy of the state that
// replaces the live state only when the transaction succeeds.
type Ledger struct {
	mu    sync.Mutex
	state *state
}

// NewLedger creates an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{state: newState()}
}

// WithTx runs fn against a copy of the state and commits it if fn returns nil.
func (l *Ledger) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	working := l.state.clone()
	if err := fn(&tx{state: working}); err != nil {
		return err
	}
	l.state = working
	return nil
}

// CreateMint registers a mint outside of any transaction. Used to seed fixtures.
func (l *Ledger) CreateMint(m token.Mint) error {
	if m.Address == "" {
		return storage.ErrInvalidInput
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.state.mints[m.Address]; exists {
		return storage.ErrDuplicateKey
	}
	l.state.mints[m.Address] = &m
	return nil
}

// tx implements storage.Tx over a working copy of the state.
type tx struct {
	state *state
}

func (t *tx) Fund(_ context.Context, addr string) (*domain.Fund, error) {
	f, ok := t.state.funds[addr]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return f.Clone(), nil
}

func (t *tx) PutFund(_ context.Context, f *domain.Fund) error {
	if f == nil || f.Address == "" {
		return storage.ErrInvalidInput
	}
	t.state.funds[f.Address] = f.Clone()
	return nil
}

func (t *tx) Basket(_ context.Context, addr string) (*domain.Basket, error) {
	b, ok := t.state.baskets[addr]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return b.Clone(), nil
}

func (t *tx) PutBasket(_ context.Context, b *domain.Basket) error {
	if b == nil || b.Address == "" {
		return storage.ErrInvalidInput
	}
	t.state.baskets[b.Address] = b.Clone()
	return nil
}

func (t *tx) RebalanceEpoch(_ context.Context, addr string) (*domain.RebalanceEpoch, error) {
	r, ok := t.state.epochs[addr]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return r.Clone(), nil
}

func (t *tx) PutRebalanceEpoch(_ context.Context, r *domain.RebalanceEpoch) error {
	if r == nil || r.Address == "" {
		return storage.ErrInvalidInput
	}
	t.state.epochs[r.Address] = r.Clone()
	return nil
}

func (t *tx) Auction(_ context.Context, addr string) (*domain.Auction, error) {
	a, ok := t.state.auctions[addr]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return a.Clone(), nil
}

func (t *tx) InsertAuction(_ context.Context, a *domain.Auction) error {
	if a == nil || a.Address == "" {
		return storage.ErrInvalidInput
	}
	if _, exists := t.state.auctions[a.Address]; exists {
		return storage.ErrDuplicateKey
	}
	t.state.auctions[a.Address] = a.Clone()
	return nil
}

func (t *tx) PutAuction(_ context.Context, a *domain.Auction) error {
	if a == nil || a.Address == "" {
		return storage.ErrInvalidInput
	}
	if _, exists := t.state.auctions[a.Address]; !exists {
		return storage.ErrNotFound
	}
	t.state.auctions[a.Address] = a.Clone()
	return nil
}

func (t *tx) AuctionEnds(_ context.Context, addr string) (*domain.AuctionEnds, error) {
	e, ok := t.state.auctionEnds[addr]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e.Clone(), nil
}

func (t *tx) PutAuctionEnds(_ context.Context, e *domain.AuctionEnds) error {
	if e == nil || e.Address == "" {
		return storage.ErrInvalidInput
	}
	t.state.auctionEnds[e.Address] = e.Clone()
	return nil
}

func (t *tx) FeeRecipients(_ context.Context, addr string) (*domain.FeeRecipients, error) {
	r, ok := t.state.recipients[addr]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return r.Clone(), nil
}

func (t *tx) PutFeeRecipients(_ context.Context, r *domain.FeeRecipients) error {
	if r == nil || r.Address == "" {
		return storage.ErrInvalidInput
	}
	t.state.recipients[r.Address] = r.Clone()
	return nil
}

func (t *tx) FeeDistribution(_ context.Context, addr string) (*domain.FeeDistribution, error) {
	d, ok := t.state.distributions[addr]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return d.Clone(), nil
}

func (t *tx) InsertFeeDistribution(_ context.Context, d *domain.FeeDistribution) error {
	if d == nil || d.Address == "" {
		return storage.ErrInvalidInput
	}
	if _, exists := t.state.distributions[d.Address]; exists {
		return storage.ErrDuplicateKey
	}
	t.state.distributions[d.Address] = d.Clone()
	return nil
}

func (t *tx) PutFeeDistribution(_ context.Context, d *domain.FeeDistribution) error {
	if d == nil || d.Address == "" {
		return storage.ErrInvalidInput
	}
	if _, exists := t.state.distributions[d.Address]; !exists {
		return storage.ErrNotFound
	}
	t.state.distributions[d.Address] = d.Clone()
	return nil
}

func (t *tx) DeleteFeeDistribution(_ context.Context, addr string) error {
	if _, exists := t.state.distributions[addr]; !exists {
		return storage.ErrNotFound
	}
	delete(t.state.distributions, addr)
	return nil
}

func (t *tx) Tokens() token.Ledger {
	return &tokenLedger{state: t.state}
}

// Verify interface compliance at compile time.
var (
	_ storage.Ledger = (*Ledger)(nil)
	_ storage.Tx     = (*tx)(nil)
)
