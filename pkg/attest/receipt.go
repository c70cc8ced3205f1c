// Package attest issues BIP-340 Schnorr signed receipts for accepted
// submissions. A hunter can later show the receipt to prove the service
// accepted a given commitment in a given transaction.
package attest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Domain separation tag
const receiptDST = "BOUNTY_ZK_RECEIPT_V1"

// ErrBadSignature is returned when a receipt fails verification.
var ErrBadSignature = errors.New("receipt signature verification failed")

// Receipt binds a commitment to the transaction that recorded it.
type Receipt struct {
	AttemptID   string `json:"attemptId"`
	Commitment  string `json:"commitment"`
	Company     string `json:"company"`
	Submitter   string `json:"submitter"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	IssuedAt    int64  `json:"issuedAt"`

	// PublicKey is the 32-byte x-only key, hex encoded
	PublicKey string `json:"publicKey"`
	// Signature is the 64-byte BIP-340 signature (R || s), hex encoded
	Signature string `json:"signature"`
}

// Digest computes SHA256(DST || len-prefixed fields). Length prefixes keep
// field boundaries unambiguous.
func (r Receipt) Digest() [32]byte {
	h := sha256.New()
	h.Write([]byte(receiptDST))

	for _, f := range []string{r.AttemptID, strings.ToLower(r.Commitment), strings.ToLower(r.Company), strings.ToLower(r.Submitter), strings.ToLower(r.TxHash)} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(f)))
		h.Write(n[:])
		h.Write([]byte(f))
	}

	var nums [16]byte
	binary.BigEndian.PutUint64(nums[:8], r.BlockNumber)
	binary.BigEndian.PutUint64(nums[8:], uint64(r.IssuedAt))
	h.Write(nums[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Signer signs receipts with a secp256k1 key.
type Signer struct {
	key *btcec.PrivateKey
}

// NewSigner parses a 32-byte hex private key.
func NewSigner(hexKey string) (*Signer, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid receipt key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("receipt key must be 32 bytes, got %d", len(raw))
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return &Signer{key: key}, nil
}

// GenerateSigner creates a Signer with a random key.
func GenerateSigner() (*Signer, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &Signer{key: key}, nil
}

// PublicKey returns the hex x-only public key.
func (s *Signer) PublicKey() string {
	return hex.EncodeToString(schnorr.SerializePubKey(s.key.PubKey()))
}

// Sign fills PublicKey and Signature of r.
func (s *Signer) Sign(r Receipt) (Receipt, error) {
	r.PublicKey = s.PublicKey()
	digest := r.Digest()

	sig, err := schnorr.Sign(s.key, digest[:])
	if err != nil {
		return r, fmt.Errorf("schnorr sign failed: %w", err)
	}
	r.Signature = hex.EncodeToString(sig.Serialize())
	return r, nil
}

// Verify checks the receipt signature against its embedded public key.
// Callers must also check PublicKey is the service key they trust.
func Verify(r Receipt) error {
	pkBytes, err := hex.DecodeString(r.PublicKey)
	if err != nil {
		return fmt.Errorf("invalid public key encoding: %w", err)
	}
	pubKey, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}

	sigBytes, err := hex.DecodeString(r.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sigBytes) != schnorr.SignatureSize {
		return fmt.Errorf("invalid signature size: %d", len(sigBytes))
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("invalid signature format: %w", err)
	}

	digest := r.Digest()
	if !sig.Verify(digest[:], pubKey) {
		return ErrBadSignature
	}
	return nil
}
