// Package stat7 implements the 7-dimension coordinate codec. A coordinate is
// serialized to a canonical JSON form (fixed ASCII key order, lowercase keys)
// and hashed with SHA-256; the digest is the instance's canonical address.
package stat7

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// AddressSize is the length of a canonical address in bytes.
const AddressSize = 32

// Address is the SHA-256 digest of a coordinate's canonical serialization.
type Address [AddressSize]byte

// Zero is the all-zero address. It never corresponds to a registered instance.
var Zero Address

// String returns the address as 64 lowercase hex characters.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// IsZero reports whether the address is all zeroes.
func (a Address) IsZero() bool {
	return a == Zero
}

// MarshalText implements encoding.TextMarshaler so addresses render as hex in JSON.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress decodes a 64-hex-character address string.
func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) != AddressSize*2 {
		return a, fmt.Errorf("stat7: address must be %d hex characters, got %d", AddressSize*2, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("stat7: invalid address encoding: %w", err)
	}
	copy(a[:], raw)
	return a, nil
}

// Equal reports whether two addresses are byte-identical.
func Equal(a, b Address) bool {
	return a == b
}

// Horizon lifecycle vocabulary (closed set).
const (
	HorizonGenesis         = "genesis"
	HorizonEmergence       = "emergence"
	HorizonPeak            = "peak"
	HorizonDecay           = "decay"
	HorizonCrystallization = "crystallization"
	HorizonArchived        = "archived"
)

var horizons = map[string]struct{}{
	HorizonGenesis:         {},
	HorizonEmergence:       {},
	HorizonPeak:            {},
	HorizonDecay:           {},
	HorizonCrystallization: {},
	HorizonArchived:        {},
}

// ValidHorizon reports whether h belongs to the horizon vocabulary.
func ValidHorizon(h string) bool {
	_, ok := horizons[h]
	return ok
}

// Horizons returns the horizon vocabulary in lifecycle order.
func Horizons() []string {
	return []string{
		HorizonGenesis, HorizonEmergence, HorizonPeak,
		HorizonDecay, HorizonCrystallization, HorizonArchived,
	}
}

const maxRealmIDLen = 64

// Coordinate locates a game instance in the 7-dimensional coordinate space.
// All fields except Horizon are immutable after registration.
type Coordinate struct {
	RealmID   string `json:"realm_id" mapstructure:"realm_id"`
	RealmType string `json:"realm_type" mapstructure:"realm_type"`
	Adjacency string `json:"adjacency" mapstructure:"adjacency"`
	Resonance string `json:"resonance" mapstructure:"resonance"`
	Density   int    `json:"density" mapstructure:"density"`
	Lineage   int    `json:"lineage" mapstructure:"lineage"`
	Horizon   string `json:"horizon" mapstructure:"horizon"`
}

// Validate checks field constraints without encoding.
func (c Coordinate) Validate() error {
	if c.RealmID == "" {
		return fmt.Errorf("stat7: realm_id is required")
	}
	if len(c.RealmID) > maxRealmIDLen {
		return fmt.Errorf("stat7: realm_id exceeds %d characters", maxRealmIDLen)
	}
	for i := 0; i < len(c.RealmID); i++ {
		if c.RealmID[i] > 127 {
			return fmt.Errorf("stat7: realm_id must be ASCII")
		}
	}
	if c.Density < 0 {
		return fmt.Errorf("stat7: density must be >= 0, got %d", c.Density)
	}
	if c.Lineage < 0 {
		return fmt.Errorf("stat7: lineage must be >= 0, got %d", c.Lineage)
	}
	if !ValidHorizon(c.Horizon) {
		return fmt.Errorf("stat7: horizon %q not in vocabulary", c.Horizon)
	}
	return nil
}

// canonicalCoordinate fixes the key order of the canonical form. encoding/json
// emits struct fields in declaration order, so the fields below are declared
// in ASCII order of their lowercase keys.
type canonicalCoordinate struct {
	Adjacency string `json:"adjacency"`
	Density   int    `json:"density"`
	Horizon   string `json:"horizon"`
	Lineage   int    `json:"lineage"`
	RealmID   string `json:"realm_id"`
	RealmType string `json:"realm_type"`
	Resonance string `json:"resonance"`
}

// Encode validates the coordinate and returns its canonical address together
// with the canonical bytes that were hashed. Encoding is pure: identical field
// sets always produce identical bytes across processes.
func Encode(c Coordinate) (Address, []byte, error) {
	if err := c.Validate(); err != nil {
		return Address{}, nil, err
	}
	canonical, err := json.Marshal(canonicalCoordinate{
		Adjacency: c.Adjacency,
		Density:   c.Density,
		Horizon:   c.Horizon,
		Lineage:   c.Lineage,
		RealmID:   c.RealmID,
		RealmType: c.RealmType,
		Resonance: c.Resonance,
	})
	if err != nil {
		return Address{}, nil, fmt.Errorf("stat7: canonical encode: %w", err)
	}
	return Address(sha256.Sum256(canonical)), canonical, nil
}

// NormalizeFloat renders a float dimension to 8 decimal places using banker's
// rounding. No current dimension is a float; future coordinate revisions must
// serialize floats through this to keep addresses stable across platforms.
func NormalizeFloat(f float64) string {
	scaled := f * 1e8
	floor := float64(int64(scaled))
	frac := scaled - floor
	rounded := int64(scaled)
	switch {
	case frac > 0.5:
		rounded++
	case frac == 0.5 && rounded%2 != 0:
		rounded++
	case frac < -0.5:
		rounded--
	case frac == -0.5 && rounded%2 != 0:
		rounded--
	}
	return strconv.FormatFloat(float64(rounded)/1e8, 'f', 8, 64)
}
