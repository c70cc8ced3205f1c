package bugproof

import (
	"crypto/sha256"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// DSTLabel is hashed into the domain separation tag of the public signal.
const DSTLabel = "BOUNTY_ZK_BUGPROOF_V1"

// dst is SHA256(DSTLabel) reduced into the BN254 scalar field.
var dst = func() *big.Int {
	sum := sha256.Sum256([]byte(DSTLabel))
	var e fr.Element
	e.SetBytes(sum[:])
	return e.BigInt(new(big.Int))
}()

// Circuit proves knowledge of a report digest d such that:
// Signal = MiMC(DST, d_hi, d_lo)
//
// The digest is the SHA-256 commitment of the report, so the report text
// itself never enters the circuit.
//
// Hardening:
//  1. d is split into two 128-bit limbs since a 32-byte digest can exceed
//     the BN254 scalar field modulus
//  2. each limb is range checked, so a witness for one digest cannot be
//     reused against another digest that aliases it modulo r
type Circuit struct {
	// Public Inputs
	// Signal is the MiMC binding of the digest, the only value the
	// on-chain verifier sees
	Signal frontend.Variable `gnark:",public"`

	// Secret Witness: digest split into two 128-bit limbs
	DigestHi frontend.Variable
	DigestLo frontend.Variable
}

func (c *Circuit) Define(api frontend.API) error {
	// Range check limbs
	api.ToBinary(c.DigestHi, 128)
	api.ToBinary(c.DigestLo, 128)

	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}

	// Hash: DST || d_hi || d_lo
	h.Write(dst)
	h.Write(c.DigestHi)
	h.Write(c.DigestLo)

	api.AssertIsEqual(h.Sum(), c.Signal)

	return nil
}
