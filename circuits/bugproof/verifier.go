package bugproof

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"

	"bounty-zk/pkg/report"
)

// ErrSignalMismatch means the proof carries a public signal that does not
// belong to the commitment it is checked against.
var ErrSignalMismatch = errors.New("public signal does not match commitment")

// Verify checks proof against the commitment using vk.
//
// Proofs are randomized, so validity is the only meaningful check. Two
// valid proofs for the same commitment are never compared by bytes.
func Verify(vk groth16.VerifyingKey, proof *Proof, c report.Commitment) error {
	signal := PublicSignal(c)

	if len(proof.PublicSignals) > 0 && proof.PublicSignals[0] != signalString(signal) {
		return ErrSignalMismatch
	}

	gp, err := proof.toGnark()
	if err != nil {
		return err
	}

	publicWitness := &Circuit{
		Signal: signal,
	}

	pubWitness, err := frontend.NewWitness(publicWitness, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("public witness creation failed: %w", err)
	}

	if err := groth16.Verify(gp, vk, pubWitness); err != nil {
		return fmt.Errorf("proof verification failed: %w", err)
	}

	return nil
}

// CircuitID is the first 16 hex chars of the VK hash. Clients compare it
// with the ID compiled into the on-chain verifier.
func CircuitID(keys *ProvingKeys) (string, error) {
	vkBytes, err := GetVerifyingKeyBytes(keys)
	if err != nil {
		return "", err
	}
	return ComputeVKHash(vkBytes)[:16], nil
}

// ValidateCircuitID checks if the given circuit ID matches the loaded VK
func ValidateCircuitID(keys *ProvingKeys, circuitID string) error {
	want, err := CircuitID(keys)
	if err != nil {
		return err
	}
	if circuitID != want {
		return fmt.Errorf("circuit ID mismatch: got %s, expected %s", circuitID, want)
	}
	return nil
}

// ComputeVKHash computes the SHA256 hash of raw VK bytes
func ComputeVKHash(vkBytes []byte) string {
	hash := sha256.Sum256(vkBytes)
	return hex.EncodeToString(hash[:])
}

// ExportSolidity writes the on-chain verifier contract for the loaded VK.
func ExportSolidity(keys *ProvingKeys) ([]byte, error) {
	if keys == nil {
		return nil, ErrKeysNotReady
	}
	var buf bytes.Buffer
	if err := keys.VK.ExportSolidity(&buf); err != nil {
		return nil, fmt.Errorf("solidity export failed: %w", err)
	}
	return buf.Bytes(), nil
}
