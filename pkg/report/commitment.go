package report

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// CommitmentSize is the digest width in bytes.
const CommitmentSize = sha256.Size

// Commitment is the SHA-256 digest of a report's canonical serialization.
// It binds the report without revealing it.
type Commitment [CommitmentSize]byte

// Commit computes the commitment of a bug report.
//
// The preimage is Canonical(r), so two reports with identical canonical
// bytes always commit to the same value.
func Commit(r BugReport) Commitment {
	return sha256.Sum256(r.Canonical())
}

// Hex returns the 64-character lowercase hex digest without prefix.
func (c Commitment) Hex() string {
	return hex.EncodeToString(c[:])
}

// PrefixedHex returns the digest with a 0x prefix.
func (c Commitment) PrefixedHex() string {
	return "0x" + c.Hex()
}

func (c Commitment) String() string {
	return c.Hex()
}

// BigInt interprets the digest as a big-endian unsigned integer, the form
// used for on-chain storage.
func (c Commitment) BigInt() *big.Int {
	return new(big.Int).SetBytes(c[:])
}

// Limbs splits the digest into Hi and Lo 128-bit limbs.
// A full 256-bit digest can exceed the BN254 scalar field, so circuits
// consume it as two limbs instead of a single element.
func (c Commitment) Limbs() (hi, lo *big.Int) {
	hi = new(big.Int).SetBytes(c[:16])
	lo = new(big.Int).SetBytes(c[16:])
	return hi, lo
}

// IsZero reports whether c is the zero value.
func (c Commitment) IsZero() bool {
	return c == Commitment{}
}

// ParseCommitment decodes a hex digest with or without a 0x prefix.
func ParseCommitment(s string) (Commitment, error) {
	var c Commitment
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != CommitmentSize*2 {
		return c, fmt.Errorf("%w: want %d hex chars, have %d", ErrCommitmentWidth, CommitmentSize*2, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("invalid commitment hex: %w", err)
	}
	copy(c[:], raw)
	return c, nil
}

// CommitmentFromBytes copies a 32-byte digest into a Commitment.
func CommitmentFromBytes(b []byte) (Commitment, error) {
	var c Commitment
	if len(b) != CommitmentSize {
		return c, fmt.Errorf("%w: want %d bytes, have %d", ErrCommitmentWidth, CommitmentSize, len(b))
	}
	copy(c[:], b)
	return c, nil
}

// MarshalText encodes the commitment as unprefixed hex.
func (c Commitment) MarshalText() ([]byte, error) {
	return []byte(c.Hex()), nil
}

// UnmarshalText accepts prefixed or unprefixed hex.
func (c *Commitment) UnmarshalText(text []byte) error {
	parsed, err := ParseCommitment(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
