package bugproof

import (
	"errors"
	"fmt"
	"math/big"

	fp "github.com/consensys/gnark-crypto/ecc/bn254/fp"
	"github.com/consensys/gnark/backend/groth16"
	groth16_bn254 "github.com/consensys/gnark/backend/groth16/bn254"
)

// Proof is a Groth16 proof in the snarkjs JSON layout: affine points with
// decimal coordinates and a trailing projective "1".
type Proof struct {
	PiA           [3]string    `json:"pi_a"`
	PiB           [3][2]string `json:"pi_b"`
	PiC           [3]string    `json:"pi_c"`
	Protocol      string       `json:"protocol"`
	Curve         string       `json:"curve"`
	PublicSignals []string     `json:"-"`
}

// ErrMalformedProof is returned when proof coordinates cannot be decoded.
var ErrMalformedProof = errors.New("malformed proof")

func newProof(p groth16.Proof, signal *big.Int) (*Proof, error) {
	bp, ok := p.(*groth16_bn254.Proof)
	if !ok {
		return nil, fmt.Errorf("unexpected proof type %T", p)
	}

	return &Proof{
		PiA: [3]string{bp.Ar.X.String(), bp.Ar.Y.String(), "1"},
		PiB: [3][2]string{
			{bp.Bs.X.A0.String(), bp.Bs.X.A1.String()},
			{bp.Bs.Y.A0.String(), bp.Bs.Y.A1.String()},
			{"1", "0"},
		},
		PiC:           [3]string{bp.Krs.X.String(), bp.Krs.Y.String(), "1"},
		Protocol:      "groth16",
		Curve:         "bn128",
		PublicSignals: []string{signalString(signal)},
	}, nil
}

// SolidityArgs returns (a, b, c, input) ordered for a Groth16 verifier
// contract. G2 coordinates are swapped to (A1, A0) as the pairing
// precompile expects.
func (p *Proof) SolidityArgs() (a [2]*big.Int, b [2][2]*big.Int, c [2]*big.Int, input [1]*big.Int, err error) {
	dec := func(s string) *big.Int {
		if err != nil {
			return nil
		}
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			err = fmt.Errorf("%w: %q is not a decimal coordinate", ErrMalformedProof, s)
		}
		return v
	}

	a = [2]*big.Int{dec(p.PiA[0]), dec(p.PiA[1])}
	b = [2][2]*big.Int{
		{dec(p.PiB[0][1]), dec(p.PiB[0][0])},
		{dec(p.PiB[1][1]), dec(p.PiB[1][0])},
	}
	c = [2]*big.Int{dec(p.PiC[0]), dec(p.PiC[1])}
	if len(p.PublicSignals) != 1 {
		return a, b, c, input, fmt.Errorf("%w: want 1 public signal, have %d", ErrMalformedProof, len(p.PublicSignals))
	}
	input = [1]*big.Int{dec(p.PublicSignals[0])}
	return a, b, c, input, err
}

// toGnark rebuilds the curve points so proofs that travelled as JSON can
// be verified.
func (p *Proof) toGnark() (groth16.Proof, error) {
	var out groth16_bn254.Proof

	coords := []struct {
		dst *fp.Element
		src string
	}{
		{&out.Ar.X, p.PiA[0]},
		{&out.Ar.Y, p.PiA[1]},
		{&out.Bs.X.A0, p.PiB[0][0]},
		{&out.Bs.X.A1, p.PiB[0][1]},
		{&out.Bs.Y.A0, p.PiB[1][0]},
		{&out.Bs.Y.A1, p.PiB[1][1]},
		{&out.Krs.X, p.PiC[0]},
		{&out.Krs.Y, p.PiC[1]},
	}
	for _, c := range coords {
		if _, err := c.dst.SetString(c.src); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
		}
	}

	if !out.Ar.IsOnCurve() || !out.Bs.IsOnCurve() || !out.Krs.IsOnCurve() {
		return nil, fmt.Errorf("%w: point not on curve", ErrMalformedProof)
	}

	return &out, nil
}
