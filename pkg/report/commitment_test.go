package report

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestCanonicalSerialization pins the preimage layout byte for byte.
func TestCanonicalSerialization(t *testing.T) {
	r := BugReport{
		Description:  "Null pointer deref",
		ErrorMessage: "NPE at line 5",
		CodeSnippet:  "foo.bar()",
	}

	want := "Null pointer deref\nNPE at line 5\nfoo.bar()"
	if got := string(r.Canonical()); got != want {
		t.Fatalf("canonical mismatch:\n got %q\nwant %q", got, want)
	}

	sum := sha256.Sum256([]byte(want))
	c := Commit(r)
	if c.Hex() != hex.EncodeToString(sum[:]) {
		t.Fatalf("commitment mismatch: got %s", c.Hex())
	}
	if len(c.Hex()) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(c.Hex()))
	}
	t.Logf("Commitment: %s", c.PrefixedHex())
}

// TestCommitDeterministic checks that identical input yields identical output.
func TestCommitDeterministic(t *testing.T) {
	r := BugReport{"a", "b", "c"}
	if Commit(r) != Commit(r) {
		t.Fatal("Commit is not deterministic")
	}

	// A copy built independently must commit identically
	r2 := BugReport{Description: "a", ErrorMessage: "b", CodeSnippet: "c"}
	if Commit(r) != Commit(r2) {
		t.Fatal("equal reports produced different commitments")
	}
}

// TestCommitCollisionSpotCheck hashes many random reports and requires
// distinct digests.
func TestCommitCollisionSpotCheck(t *testing.T) {
	const n = 2000
	seen := make(map[Commitment]BugReport, n)

	for i := 0; i < n; i++ {
		r := BugReport{
			Description:  randomText(t, 12),
			ErrorMessage: randomText(t, 8),
			CodeSnippet:  randomText(t, 16),
		}
		c := Commit(r)
		if prev, ok := seen[c]; ok && prev != r {
			t.Fatalf("collision between %+v and %+v", prev, r)
		}
		seen[c] = r
	}

	// Moving a byte between fields changes the canonical form
	a := Commit(BugReport{"ab", "c", "d"})
	b := Commit(BugReport{"a", "bc", "d"})
	if a == b {
		t.Fatal("field boundary shift did not change commitment")
	}
}

func TestCommitmentEncodings(t *testing.T) {
	c := Commit(BugReport{"x", "y", "z"})

	parsed, err := ParseCommitment(c.PrefixedHex())
	if err != nil {
		t.Fatalf("ParseCommitment(prefixed) failed: %v", err)
	}
	if parsed != c {
		t.Fatal("prefixed round trip mismatch")
	}

	parsed, err = ParseCommitment(c.Hex())
	if err != nil || parsed != c {
		t.Fatalf("unprefixed round trip failed: %v", err)
	}

	if _, err := ParseCommitment("abcd"); !errors.Is(err, ErrCommitmentWidth) {
		t.Fatalf("expected ErrCommitmentWidth, got %v", err)
	}
	if _, err := ParseCommitment(strings.Repeat("zz", 32)); err == nil {
		t.Fatal("expected error for non-hex input")
	}

	// BigInt matches the hex digest read as a number
	if fmt.Sprintf("%064x", c.BigInt()) != c.Hex() {
		t.Fatal("BigInt does not match hex digest")
	}

	// Limbs recombine to the full value
	hi, lo := c.Limbs()
	recombined := hi.Lsh(hi, 128)
	recombined.Add(recombined, lo)
	if recombined.Cmp(c.BigInt()) != 0 {
		t.Fatal("limbs do not recombine to the digest")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		report  BugReport
		wantErr bool
	}{
		{"complete", BugReport{"desc", "err", "code"}, false},
		{"empty description", BugReport{"", "err", "code"}, true},
		{"whitespace error message", BugReport{"desc", "  \n", "code"}, true},
		{"empty snippet", BugReport{"desc", "err", ""}, true},
		{"oversized snippet", BugReport{"desc", "err", strings.Repeat("a", MaxFieldBytes+1)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.report.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidReport) {
				t.Fatalf("expected ErrInvalidReport, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}

	// Invalid reports are still hashable
	_ = Commit(BugReport{})
}

func TestNewEmbeddingRecord(t *testing.T) {
	bounty := uint64(7)
	rec := SubmissionRecord{
		BountyID:         &bounty,
		Commitment:       Commit(BugReport{"a", "b", "c"}),
		SubmitterAddress: "0xhunter",
		Company:          "0xABC",
		ApprovalState:    Pending,
		EmbeddingVector:  []float32{1, 0},
		RawReportText:    "a\nb\nc",
	}

	er := NewEmbeddingRecord(rec, "0xtx")
	if er.ID != rec.Commitment.Hex() {
		t.Fatalf("record id should be commitment hex, got %s", er.ID)
	}
	if er.Metadata.Kind != KindBounty || er.Metadata.TxHash != "0xtx" {
		t.Fatalf("unexpected metadata: %+v", er.Metadata)
	}

	rec.BountyID = nil
	if NewEmbeddingRecord(rec, "").Metadata.Kind != KindUnsolicited {
		t.Fatal("nil bounty id should be unsolicited")
	}
}

func randomText(t *testing.T, n int) string {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read failed: %v", err)
	}
	return hex.EncodeToString(b)
}
