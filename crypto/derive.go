package crypto

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// MaxSeeds bounds the number of seeds accepted by the derivation.
	MaxSeeds = 16
	// MaxSeedLength bounds each individual seed.
	MaxSeedLength = 32
)

var derivedMarker = []byte("DerivedAuthority")

var (
	ErrMaxSeedLength      = errors.New("crypto: derivation seed too long")
	ErrTooManySeeds       = errors.New("crypto: too many derivation seeds")
	ErrInvalidDerivation  = errors.New("crypto: derived address lies on the curve")
	ErrNoViableDerivation = errors.New("crypto: unable to find a viable bump")
)

// CreateDerivedAddress hashes the seeds, the bump and the owning program into a
// 20-byte identity. The result is rejected when the digest is a valid
// secp256k1 x-coordinate, which guarantees no private key controls it.
func CreateDerivedAddress(seeds [][]byte, bump uint8, program [20]byte) ([20]byte, error) {
	var out [20]byte
	if len(seeds) > MaxSeeds {
		return out, ErrTooManySeeds
	}
	parts := make([][]byte, 0, len(seeds)+3)
	for _, seed := range seeds {
		if len(seed) > MaxSeedLength {
			return out, ErrMaxSeedLength
		}
		parts = append(parts, seed)
	}
	parts = append(parts, []byte{bump}, program[:], derivedMarker)
	digest := crypto.Keccak256(parts...)
	if onCurve(digest) {
		return out, ErrInvalidDerivation
	}
	copy(out[:], digest[12:])
	return out, nil
}

// FindDerivedAddress walks bumps from 255 downwards and returns the first
// viable derived address together with its bump.
func FindDerivedAddress(seeds [][]byte, program [20]byte) ([20]byte, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		addr, err := CreateDerivedAddress(seeds, uint8(bump), program)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, ErrInvalidDerivation) {
			return [20]byte{}, 0, err
		}
	}
	return [20]byte{}, 0, ErrNoViableDerivation
}

// onCurve reports whether x has a matching y on y^2 = x^3 + 7 (mod p).
func onCurve(x []byte) bool {
	p := crypto.S256().Params().P
	xi := new(big.Int).SetBytes(x)
	if xi.Cmp(p) >= 0 {
		return false
	}
	rhs := new(big.Int).Exp(xi, big.NewInt(3), p)
	rhs.Add(rhs, big.NewInt(7))
	rhs.Mod(rhs, p)
	return new(big.Int).ModSqrt(rhs, p) != nil
}
