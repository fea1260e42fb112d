package stat7

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCoordinate() Coordinate {
	return Coordinate{
		RealmID:   "sol_1",
		RealmType: "sol_system",
		Adjacency: "cluster_0",
		Resonance: "narrative_prime",
		Density:   0,
		Lineage:   0,
		Horizon:   HorizonGenesis,
	}
}

func TestEncode_Deterministic(t *testing.T) {
	t.Parallel()

	a1, b1, err := Encode(validCoordinate())
	require.NoError(t, err)
	a2, b2, err := Encode(validCoordinate())
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.Equal(t, b1, b2)
	assert.True(t, Equal(a1, a2))
	assert.Len(t, a1.String(), 64)
}

func TestEncode_FieldSensitivity(t *testing.T) {
	t.Parallel()

	base, _, err := Encode(validCoordinate())
	require.NoError(t, err)

	mutations := map[string]func(*Coordinate){
		"realm_id":   func(c *Coordinate) { c.RealmID = "sol_2" },
		"realm_type": func(c *Coordinate) { c.RealmType = "nebula" },
		"adjacency":  func(c *Coordinate) { c.Adjacency = "cluster_1" },
		"resonance":  func(c *Coordinate) { c.Resonance = "narrative_alt" },
		"density":    func(c *Coordinate) { c.Density = 1 },
		"lineage":    func(c *Coordinate) { c.Lineage = 2 },
		"horizon":    func(c *Coordinate) { c.Horizon = HorizonPeak },
	}
	for name, mutate := range mutations {
		c := validCoordinate()
		mutate(&c)
		addr, _, err := Encode(c)
		require.NoError(t, err, name)
		assert.NotEqual(t, base, addr, "mutating %s must change the address", name)
	}
}

func TestEncode_CanonicalKeyOrder(t *testing.T) {
	t.Parallel()

	_, canonical, err := Encode(validCoordinate())
	require.NoError(t, err)

	s := string(canonical)
	keys := []string{"adjacency", "density", "horizon", "lineage", "realm_id", "realm_type", "resonance"}
	last := -1
	for _, k := range keys {
		idx := strings.Index(s, `"`+k+`"`)
		require.GreaterOrEqual(t, idx, 0, "canonical form missing key %s", k)
		assert.Greater(t, idx, last, "key %s out of order", k)
		last = idx
	}

	// Canonical bytes must themselves be valid JSON.
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(canonical, &decoded))
	assert.Len(t, decoded, 7)
}

func TestEncode_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Coordinate)
	}{
		{"empty realm_id", func(c *Coordinate) { c.RealmID = "" }},
		{"oversized realm_id", func(c *Coordinate) { c.RealmID = strings.Repeat("x", 65) }},
		{"non-ascii realm_id", func(c *Coordinate) { c.RealmID = "sòl" }},
		{"negative density", func(c *Coordinate) { c.Density = -1 }},
		{"negative lineage", func(c *Coordinate) { c.Lineage = -1 }},
		{"unknown horizon", func(c *Coordinate) { c.Horizon = "ascended" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validCoordinate()
			tc.mutate(&c)
			_, _, err := Encode(c)
			assert.Error(t, err)
		})
	}
}

func TestParseAddress_RoundTrip(t *testing.T) {
	t.Parallel()

	addr, _, err := Encode(validCoordinate())
	require.NoError(t, err)

	parsed, err := ParseAddress(addr.String())
	require.NoError(t, err)
	assert.Equal(t, addr, parsed)

	_, err = ParseAddress("not-hex")
	assert.Error(t, err)
	_, err = ParseAddress(strings.Repeat("zz", 32))
	assert.Error(t, err)
}

func TestAddress_TextMarshaling(t *testing.T) {
	t.Parallel()

	addr, _, err := Encode(validCoordinate())
	require.NoError(t, err)

	out, err := json.Marshal(addr)
	require.NoError(t, err)
	assert.Equal(t, `"`+addr.String()+`"`, string(out))

	var back Address
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, addr, back)
}

func TestZeroAddress(t *testing.T) {
	t.Parallel()

	assert.True(t, Zero.IsZero())
	addr, _, err := Encode(validCoordinate())
	require.NoError(t, err)
	assert.False(t, addr.IsZero())
}

func TestNormalizeFloat_FixedWidth(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "1.50000000", NormalizeFloat(1.5))
	assert.Equal(t, "0.50000000", NormalizeFloat(0.5))
	assert.Equal(t, "0.12345679", NormalizeFloat(0.123456789))
	assert.Equal(t, NormalizeFloat(0.1), NormalizeFloat(0.1))
}
