package disclosure

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Network holds the timing parameters of a drand chain.
type Network struct {
	ChainHash   string
	GenesisTime int64 // unix time of round 1
	Period      int64 // seconds between rounds
	Endpoints   []string
}

// DefaultQuicknet returns the drand quicknet chain (3 second rounds,
// unchained BLS signatures on G1).
func DefaultQuicknet() Network {
	return Network{
		ChainHash:   "52db9ba70e0cc0f6eaf7803dd07447a1f5477735fd3f661792ba94600c84e971",
		GenesisTime: 1692803367,
		Period:      3,
		Endpoints:   []string{"https://api.drand.sh", "https://drand.cloudflare.com"},
	}
}

// Validate checks the network parameters.
func (n Network) Validate() error {
	raw, err := hex.DecodeString(n.ChainHash)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("disclosure: chain hash must be 32 hex bytes")
	}
	if n.Period <= 0 {
		return errors.New("disclosure: period must be positive")
	}
	if len(n.Endpoints) == 0 {
		return ErrNoEndpoints
	}
	return nil
}

// TimeToRound returns the first round published at or after t.
func (n Network) TimeToRound(t time.Time) uint64 {
	unix := t.Unix()
	if unix <= n.GenesisTime {
		return 1
	}

	elapsed := unix - n.GenesisTime
	round := uint64(elapsed / n.Period)
	if elapsed%n.Period != 0 {
		round++
	}
	return round + 1
}

// RoundToTime returns when round is published.
func (n Network) RoundToTime(round uint64) time.Time {
	if round <= 1 {
		return time.Unix(n.GenesisTime, 0)
	}
	return time.Unix(n.GenesisTime+int64(round-1)*n.Period, 0)
}
