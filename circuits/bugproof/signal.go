package bugproof

import (
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"

	"bounty-zk/pkg/report"
)

// PublicSignal computes Signal = MiMC(DST, d_hi, d_lo) natively.
// This must match what the circuit computes.
func PublicSignal(c report.Commitment) *big.Int {
	hi, lo := c.Limbs()

	var dstFe, hiFe, loFe fr.Element
	dstFe.SetBigInt(dst)
	hiFe.SetBigInt(hi)
	loFe.SetBigInt(lo)

	h := mimc.NewMiMC()
	h.Write(dstFe.Marshal())
	h.Write(hiFe.Marshal())
	h.Write(loFe.Marshal())

	return new(big.Int).SetBytes(h.Sum(nil))
}
