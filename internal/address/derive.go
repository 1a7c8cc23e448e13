// Package address derives the deterministic record addresses of the engine.
// Every record lives at a program derived address computed from fixed seeds,
// so a presented record can be checked against the address it must have.
package address

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// KeyLength is the byte length of an address.
const KeyLength = 32

const (
	maxSeeds      = 16
	maxSeedLength = 32
	pdaMarker     = "ProgramDerivedAddress"
)

var (
	// ErrInvalidKey is returned when a string is not a base58 32-byte key.
	ErrInvalidKey = errors.New("invalid address")

	// ErrInvalidSeeds is returned when seeds exceed the derivation limits.
	ErrInvalidSeeds = errors.New("invalid seeds")

	// ErrNoViableBump is returned when every bump yields an on-curve point.
	ErrNoViableBump = errors.New("unable to find a viable bump seed")

	// ErrOnCurve is returned when a (seeds, bump) pair hashes onto the curve.
	ErrOnCurve = errors.New("derived address is on the ed25519 curve")
)

// Decode parses a base58 address into its raw bytes.
func Decode(key string) ([]byte, error) {
	raw, err := base58.Decode(key)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", key, ErrInvalidKey)
	}
	if len(raw) != KeyLength {
		return nil, fmt.Errorf("decode %q: %d bytes: %w", key, len(raw), ErrInvalidKey)
	}
	return raw, nil
}

// Encode renders raw key bytes as base58.
func Encode(raw []byte) string {
	return base58.Encode(raw)
}

// CreateProgramAddress computes the address for seeds plus an explicit bump.
// Formula: SHA256(seeds... | bump | program_id | "ProgramDerivedAddress"),
// rejected when the hash is a valid ed25519 point.
func CreateProgramAddress(programID string, bump uint8, seeds ...[]byte) (string, error) {
	program, err := Decode(programID)
	if err != nil {
		return "", err
	}
	if len(seeds) > maxSeeds {
		return "", fmt.Errorf("%d seeds: %w", len(seeds), ErrInvalidSeeds)
	}

	data := make([]byte, 0, 64+len(seeds)*maxSeedLength)
	for _, seed := range seeds {
		if len(seed) > maxSeedLength {
			return "", fmt.Errorf("seed of %d bytes: %w", len(seed), ErrInvalidSeeds)
		}
		data = append(data, seed...)
	}
	data = append(data, bump)
	data = append(data, program...)
	data = append(data, []byte(pdaMarker)...)

	hash := sha256.Sum256(data)
	if isOnCurve(hash[:]) {
		return "", ErrOnCurve
	}
	return base58.Encode(hash[:]), nil
}

// FindProgramAddress searches bumps from 255 downwards and returns the first
// off-curve address together with its bump.
func FindProgramAddress(programID string, seeds ...[]byte) (string, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		addr, err := CreateProgramAddress(programID, uint8(bump), seeds...)
		if errors.Is(err, ErrOnCurve) {
			continue
		}
		if err != nil {
			return "", 0, err
		}
		return addr, uint8(bump), nil
	}
	return "", 0, ErrNoViableBump
}

// Verify checks that addr is the canonical derived address for seeds.
func Verify(programID, addr string, seeds ...[]byte) error {
	want, _, err := FindProgramAddress(programID, seeds...)
	if err != nil {
		return err
	}
	if want != addr {
		return fmt.Errorf("address %s, expected %s", addr, want)
	}
	return nil
}

func isOnCurve(point []byte) bool {
	if len(point) != KeyLength {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}
