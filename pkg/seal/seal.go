// Package seal encrypts raw report text before it is written to the
// similarity index, so index operators only see ciphertext.
package seal

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"

	"bounty-zk/pkg/report"
)

// ErrNotSealed is returned when Open is given text without an age armor header.
var ErrNotSealed = errors.New("text is not an armored age file")

// Sealer encrypts to a set of recipients and decrypts with the service
// identity.
type Sealer struct {
	identity   *age.X25519Identity
	recipients []age.Recipient
}

// New builds a Sealer from an AGE-SECRET-KEY identity. Extra recipients
// (age1... public keys, e.g. a company's offline key) can also decrypt
// sealed reports.
func New(identity string, extraRecipients ...string) (*Sealer, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("invalid seal identity: %w", err)
	}

	recipients := []age.Recipient{id.Recipient()}
	for _, r := range extraRecipients {
		rcp, err := age.ParseX25519Recipient(strings.TrimSpace(r))
		if err != nil {
			return nil, fmt.Errorf("invalid seal recipient %q: %w", r, err)
		}
		recipients = append(recipients, rcp)
	}

	return &Sealer{identity: id, recipients: recipients}, nil
}

// Generate creates a Sealer with a fresh identity. It returns the
// identity string so it can be persisted.
func Generate() (*Sealer, string, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, "", err
	}
	s, err := New(id.String())
	return s, id.String(), err
}

// Recipient returns the public key of the service identity.
func (s *Sealer) Recipient() string {
	return s.identity.Recipient().String()
}

// Seal encrypts plaintext and returns ASCII armored ciphertext.
func (s *Sealer) Seal(plaintext string) (string, error) {
	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)

	w, err := age.Encrypt(aw, s.recipients...)
	if err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	if err := aw.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Open decrypts armored ciphertext produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	br := bufio.NewReader(strings.NewReader(sealed))
	if peek, _ := br.Peek(len(armor.Header)); string(peek) != armor.Header {
		return "", ErrNotSealed
	}

	r, err := age.Decrypt(armor.NewReader(br), s.identity)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// SealRecord moves the report text of rec into SealedReport.
func (s *Sealer) SealRecord(rec *report.EmbeddingRecord) error {
	if rec.Metadata.Report == "" {
		return nil
	}
	sealed, err := s.Seal(rec.Metadata.Report)
	if err != nil {
		return err
	}
	rec.Metadata.SealedReport = sealed
	rec.Metadata.Report = ""
	return nil
}

// ReportText returns the plaintext report of a stored record, opening it
// if sealed.
func (s *Sealer) ReportText(_ context.Context, rec report.EmbeddingRecord) (string, error) {
	if rec.Metadata.Report != "" || rec.Metadata.SealedReport == "" {
		return rec.Metadata.Report, nil
	}
	return s.Open(rec.Metadata.SealedReport)
}
