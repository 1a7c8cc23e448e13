package address

import (
	"crypto/sha256"
	"encoding/binary"
)

// Seed prefixes of every record kind.
const (
	SeedFund            = "fund"
	SeedBasket          = "basket"
	SeedRebalance       = "rebalance"
	SeedAuction         = "auction"
	SeedAuctionEnds     = "auction_ends"
	SeedFeeRecipients   = "fee_recipients"
	SeedFeeDistribution = "fee_distribution"
)

// ProgramID is the address the engine derives its records under.
var ProgramID = KeyFromLabel("index-fund-engine/program")

// KeyFromLabel computes a deterministic address using SHA256.
// Formula: base58(SHA256(label)). Used for test fixtures and tool-created mints.
func KeyFromLabel(label string) string {
	hash := sha256.Sum256([]byte(label))
	return Encode(hash[:])
}

// U64Seed encodes v the way numeric seeds are laid out: little endian.
func U64Seed(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func keySeed(key string) ([]byte, error) {
	return Decode(key)
}

// Fund derives the fund address for an index token mint.
func Fund(mint string) (string, uint8, error) {
	m, err := keySeed(mint)
	if err != nil {
		return "", 0, err
	}
	return FindProgramAddress(ProgramID, []byte(SeedFund), m)
}

// Basket derives the basket address of a fund.
func Basket(fund string) (string, error) {
	return derive1(SeedBasket, fund)
}

// Rebalance derives the rebalance epoch address of a fund.
func Rebalance(fund string) (string, error) {
	return derive1(SeedRebalance, fund)
}

// FeeRecipients derives the fee recipients address of a fund.
func FeeRecipients(fund string) (string, error) {
	return derive1(SeedFeeRecipients, fund)
}

// Auction derives the address of auction id of a fund.
func Auction(fund string, id uint64) (string, error) {
	f, err := keySeed(fund)
	if err != nil {
		return "", err
	}
	addr, _, err := FindProgramAddress(ProgramID, []byte(SeedAuction), f, U64Seed(id))
	return addr, err
}

// AuctionEnds derives the per-pair auction end record of a rebalance.
// The mints are ordered before hashing so (a, b) and (b, a) share a record.
func AuctionEnds(fund string, nonce uint64, mintA, mintB string) (string, error) {
	if mintB < mintA {
		mintA, mintB = mintB, mintA
	}
	f, err := keySeed(fund)
	if err != nil {
		return "", err
	}
	a, err := keySeed(mintA)
	if err != nil {
		return "", err
	}
	b, err := keySeed(mintB)
	if err != nil {
		return "", err
	}
	addr, _, err := FindProgramAddress(ProgramID, []byte(SeedAuctionEnds), f, U64Seed(nonce), a, b)
	return addr, err
}

// FeeDistribution derives the distribution record of a fund at index.
func FeeDistribution(fund string, index uint64) (string, error) {
	f, err := keySeed(fund)
	if err != nil {
		return "", err
	}
	addr, _, err := FindProgramAddress(ProgramID, []byte(SeedFeeDistribution), f, U64Seed(index))
	return addr, err
}

func derive1(prefix, key string) (string, error) {
	k, err := keySeed(key)
	if err != nil {
		return "", err
	}
	addr, _, err := FindProgramAddress(ProgramID, []byte(prefix), k)
	return addr, err
}
