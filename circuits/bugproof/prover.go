package bugproof

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"

	"bounty-zk/pkg/report"
)

// ProverResult contains proving metrics and the proof artifact
type ProverResult struct {
	Proof       *Proof
	ProvingTime time.Duration
	Constraints int
}

// ProvingKeys holds Groth16 keys for the bug proof circuit.
// Keys are read-only after construction and safe to share between
// concurrent provers.
type ProvingKeys struct {
	PK  groth16.ProvingKey
	VK  groth16.VerifyingKey
	CCS constraint.ConstraintSystem
}

// Key material errors
var (
	ErrKeyMaterial  = errors.New("proving key material unavailable")
	ErrInputWidth   = errors.New("witness digest must be 32 bytes")
	ErrKeysNotReady = errors.New("proving keys not loaded")
)

var (
	cachedKeys *ProvingKeys
	keysMutex  sync.Mutex
)

// Compile compiles the circuit to R1CS.
func Compile() (constraint.ConstraintSystem, error) {
	var c Circuit
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &c)
	if err != nil {
		return nil, fmt.Errorf("bugproof circuit compilation failed: %w", err)
	}
	return ccs, nil
}

// Setup performs an in-process development setup (cached).
// Production deployments load keys produced by the keygen tool instead,
// since the on-chain verifier is generated from a fixed verifying key.
func Setup() (*ProvingKeys, error) {
	keysMutex.Lock()
	defer keysMutex.Unlock()

	if cachedKeys != nil {
		return cachedKeys, nil
	}

	ccs, err := Compile()
	if err != nil {
		return nil, err
	}

	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("groth16 setup failed: %w", err)
	}

	cachedKeys = &ProvingKeys{
		PK:  pk,
		VK:  vk,
		CCS: ccs,
	}

	return cachedKeys, nil
}

// LoadKeys compiles the circuit and reads the proving and verifying keys
// written by WriteKeys. Any failure is wrapped in ErrKeyMaterial.
func LoadKeys(pkPath, vkPath string) (*ProvingKeys, error) {
	ccs, err := Compile()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}

	pk := groth16.NewProvingKey(ecc.BN254)
	if err := readKey(pkPath, pk); err != nil {
		return nil, err
	}

	vk := groth16.NewVerifyingKey(ecc.BN254)
	if err := readKey(vkPath, vk); err != nil {
		return nil, err
	}

	if got, want := vk.NbPublicWitness(), 1; got != want {
		return nil, fmt.Errorf("%w: verifying key expects %d public inputs, circuit has %d", ErrKeyMaterial, got, want)
	}

	return &ProvingKeys{PK: pk, VK: vk, CCS: ccs}, nil
}

func readKey(path string, dst io.ReaderFrom) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	defer f.Close()

	if _, err := dst.ReadFrom(f); err != nil {
		return fmt.Errorf("%w: failed to deserialize %s: %v", ErrKeyMaterial, path, err)
	}
	return nil
}

// WriteKeys serializes the proving and verifying keys to disk.
func WriteKeys(keys *ProvingKeys, pkPath, vkPath string) error {
	if err := writeKey(pkPath, keys.PK); err != nil {
		return err
	}
	return writeKey(vkPath, keys.VK)
}

func writeKey(path string, src io.WriterTo) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := src.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to serialize %s: %w", path, err)
	}
	return f.Close()
}

// WitnessInput contains the values for proof generation
type WitnessInput struct {
	// Secret witness: SHA-256 digest of the report (32 bytes)
	Digest []byte
}

// Prove generates a proof of knowledge of the digest behind the signal.
// Groth16 proofs are randomized: two proofs for the same digest differ in
// bytes but both verify.
func Prove(keys *ProvingKeys, input *WitnessInput) (*ProverResult, error) {
	startTime := time.Now()

	if keys == nil {
		return nil, ErrKeysNotReady
	}

	c, err := report.CommitmentFromBytes(input.Digest)
	if err != nil {
		return nil, fmt.Errorf("%w: have %d bytes", ErrInputWidth, len(input.Digest))
	}

	hi, lo := c.Limbs()
	signal := PublicSignal(c)

	// Build witness
	witness := &Circuit{
		Signal:   signal,
		DigestHi: hi,
		DigestLo: lo,
	}

	fullWitness, err := frontend.NewWitness(witness, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("witness creation failed: %w", err)
	}

	proof, err := groth16.Prove(keys.CCS, keys.PK, fullWitness)
	if err != nil {
		return nil, fmt.Errorf("proof generation failed: %w", err)
	}

	out, err := newProof(proof, signal)
	if err != nil {
		return nil, err
	}

	return &ProverResult{
		Proof:       out,
		ProvingTime: time.Since(startTime),
		Constraints: keys.CCS.GetNbConstraints(),
	}, nil
}

// GetVerifyingKeyBytes returns the serialized verifying key
func GetVerifyingKeyBytes(keys *ProvingKeys) ([]byte, error) {
	if keys == nil {
		return nil, ErrKeysNotReady
	}

	var buf bytes.Buffer
	if _, err := keys.VK.WriteTo(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// signalString renders a field element in decimal, as public signals are
// exchanged.
func signalString(v *big.Int) string {
	return v.Text(10)
}
