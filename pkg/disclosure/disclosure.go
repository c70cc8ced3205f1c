// Package disclosure time-locks report text to a future drand round.
//
// When a company neither approves nor rejects a submission before its
// disclosure window closes, anyone holding the capsule can decrypt it once
// the round's beacon is published. No key escrow is involved.
package disclosure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"filippo.io/age/armor"
	"github.com/drand/tlock"
	tlockHttp "github.com/drand/tlock/networks/http"
	"github.com/sirupsen/logrus"
)

// Errors
var (
	ErrNoEndpoints = errors.New("no drand endpoints provided")
	ErrBadCapsule  = errors.New("malformed disclosure capsule")
	ErrTooEarly    = errors.New("disclosure round not yet reached")
)

// NetworkFactory opens a drand network client for one endpoint.
type NetworkFactory func(endpoint, chainHash string) (tlock.Network, error)

// HTTPNetwork is the default factory.
func HTTPNetwork(endpoint, chainHash string) (tlock.Network, error) {
	return tlockHttp.NewNetwork(endpoint, chainHash)
}

// Capsule is a time-locked report.
type Capsule struct {
	Round     uint64    `json:"round"`
	ChainHash string    `json:"chainHash"`
	OpensAt   time.Time `json:"opensAt"`
	Armored   string    `json:"armored"`
}

// Sealer encrypts to future rounds of one drand network.
type Sealer struct {
	network Network
	window  time.Duration
	open    NetworkFactory
	log     *logrus.Entry
}

// NewSealer builds a Sealer. window is how long after submission the
// report becomes public.
func NewSealer(n Network, window time.Duration, factory NetworkFactory, log *logrus.Entry) (*Sealer, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	if window <= 0 {
		return nil, fmt.Errorf("disclosure: window must be positive")
	}
	if factory == nil {
		factory = HTTPNetwork
	}
	return &Sealer{
		network: n,
		window:  window,
		open:    factory,
		log:     log.WithField("component", "disclosure"),
	}, nil
}

// Window returns the disclosure delay.
func (s *Sealer) Window() time.Duration {
	return s.window
}

// connect tries endpoints in order and returns the first that answers.
func (s *Sealer) connect(ctx context.Context) (*tlock.Tlock, error) {
	var errs []error
	for _, ep := range s.network.Endpoints {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		network, err := s.open(ep, s.network.ChainHash)
		if err != nil {
			s.log.WithError(err).WithField("endpoint", ep).Warn("drand endpoint unavailable")
			errs = append(errs, fmt.Errorf("%s: %w", ep, err))
			continue
		}
		client := tlock.New(network).Strict()
		return &client, nil
	}
	return nil, fmt.Errorf("failed to reach any drand endpoint: %w", errors.Join(errs...))
}

// Seal encrypts text to the round published window after now.
func (s *Sealer) Seal(ctx context.Context, text string, now time.Time) (*Capsule, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	round := s.network.TimeToRound(now.Add(s.window))

	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	if err := client.Encrypt(aw, strings.NewReader(text), round); err != nil {
		return nil, fmt.Errorf("tlock encryption failed: %w", err)
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}

	return &Capsule{
		Round:     round,
		ChainHash: s.network.ChainHash,
		OpensAt:   s.network.RoundToTime(round).UTC(),
		Armored:   buf.String(),
	}, nil
}

// Open decrypts a capsule once its round has been published.
func (s *Sealer) Open(ctx context.Context, c *Capsule, now time.Time) (string, error) {
	round, chainHash, err := Inspect(c.Armored)
	if err != nil {
		return "", err
	}
	if chainHash != s.network.ChainHash {
		return "", fmt.Errorf("%w: chain hash %s does not match network", ErrBadCapsule, chainHash)
	}
	if opens := s.network.RoundToTime(round); now.Before(opens) {
		return "", fmt.Errorf("%w: opens at %s", ErrTooEarly, opens.UTC().Format(time.RFC3339))
	}

	client, err := s.connect(ctx)
	if err != nil {
		return "", err
	}

	var out bytes.Buffer
	if err := client.Decrypt(&out, armor.NewReader(strings.NewReader(c.Armored))); err != nil {
		if errors.Is(err, tlock.ErrTooEarly) {
			return "", ErrTooEarly
		}
		return "", fmt.Errorf("tlock decryption failed: %w", err)
	}
	plain, err := io.ReadAll(&out)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
