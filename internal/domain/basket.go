package domain

import "fmt"

// MaxBasketTokens is the number of constituent slots in a basket.
const MaxBasketTokens = 16

// BasketToken is one (mint, amount) slot. A slot holding EmptyKey is free.
type BasketToken struct {
	Mint   string
	Amount uint64 // raw token units held by the fund
}

// Basket holds the constituent amounts backing the index token.
// Mints are unique across slots; a slot whose amount reaches zero is freed.
type Basket struct {
	Address string // derived from ("basket", Fund)
	Fund    string
	Tokens  [MaxBasketTokens]BasketToken
}

// NewBasket creates a basket with every slot free.
func NewBasket(address, fund string) *Basket {
	b := &Basket{Address: address, Fund: fund}
	for i := range b.Tokens {
		b.Tokens[i].Mint = EmptyKey
	}
	return b
}

func (b *Basket) find(mint string) int {
	for i := range b.Tokens {
		if b.Tokens[i].Mint == mint {
			return i
		}
	}
	return -1
}

// Amount returns the amount held for mint, zero if the mint is absent.
func (b *Basket) Amount(mint string) uint64 {
	if i := b.find(mint); i >= 0 && mint != EmptyKey {
		return b.Tokens[i].Amount
	}
	return 0
}

// Contains reports whether mint occupies a slot.
func (b *Basket) Contains(mint string) bool {
	return mint != EmptyKey && b.find(mint) >= 0
}

// Add credits amount to mint, claiming a free slot if the mint is new.
func (b *Basket) Add(mint string, amount uint64) error {
	if mint == "" || mint == EmptyKey {
		return ErrInvalidMint
	}
	if amount == 0 {
		return nil
	}
	if i := b.find(mint); i >= 0 {
		sum := b.Tokens[i].Amount + amount
		if sum < b.Tokens[i].Amount {
			return fmt.Errorf("basket add %s: %w", mint, ErrMathOverflow)
		}
		b.Tokens[i].Amount = sum
		return nil
	}
	free := b.find(EmptyKey)
	if free < 0 {
		return ErrBasketFull
	}
	b.Tokens[free] = BasketToken{Mint: mint, Amount: amount}
	return nil
}

// Remove debits amount from mint. The slot is freed when the balance hits zero.
func (b *Basket) Remove(mint string, amount uint64) error {
	i := -1
	if mint != EmptyKey {
		i = b.find(mint)
	}
	if i < 0 {
		return fmt.Errorf("basket remove %s: %w", mint, ErrMintNotInBasket)
	}
	if amount > b.Tokens[i].Amount {
		return fmt.Errorf("basket remove %s: %w", mint, ErrMathUnderflow)
	}
	b.Tokens[i].Amount -= amount
	if b.Tokens[i].Amount == 0 {
		b.Tokens[i] = BasketToken{Mint: EmptyKey}
	}
	return nil
}

// Mints returns the occupied mints in slot order.
func (b *Basket) Mints() []string {
	var mints []string
	for _, t := range b.Tokens {
		if t.Mint != EmptyKey {
			mints = append(mints, t.Mint)
		}
	}
	return mints
}

// Clone returns a deep copy.
func (b *Basket) Clone() *Basket {
	c := *b
	return &c
}
