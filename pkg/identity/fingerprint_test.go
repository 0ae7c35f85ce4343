package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobID_Deterministic(t *testing.T) {
	seed := Seed{
		Parent:    "asset-042",
		Variant:   "a",
		Algorithm: "mesh_v2",
		Inputs:    []string{"scans/042/front.png", "scans/042/side.png"},
	}

	first, err := JobID(seed)
	require.NoError(t, err)
	second, err := JobID(seed)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 12)
}

func TestJobID_OrderSensitive(t *testing.T) {
	a, err := JobID(Seed{Parent: "p", Algorithm: "alg", Inputs: []string{"x.png", "y.png"}})
	require.NoError(t, err)
	b, err := JobID(Seed{Parent: "p", Algorithm: "alg", Inputs: []string{"y.png", "x.png"}})
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "input order is part of identity")
}

func TestJobID_DistinguishesSemanticFields(t *testing.T) {
	base := Seed{Parent: "p", Variant: "a", Algorithm: "alg", Inputs: []string{"x.png"}}

	baseID, err := JobID(base)
	require.NoError(t, err)

	variants := []Seed{
		{Parent: "q", Variant: "a", Algorithm: "alg", Inputs: []string{"x.png"}},
		{Parent: "p", Variant: "b", Algorithm: "alg", Inputs: []string{"x.png"}},
		{Parent: "p", Variant: "a", Algorithm: "other", Inputs: []string{"x.png"}},
		{Parent: "p", Variant: "a", Algorithm: "alg", Inputs: []string{"z.png"}},
	}
	for _, v := range variants {
		id, err := JobID(v)
		require.NoError(t, err)
		assert.NotEqual(t, baseID, id, "seed %+v must not collide with base", v)
	}
}

func TestJobID_Validation(t *testing.T) {
	_, err := JobID(Seed{Algorithm: "alg", Inputs: []string{"x"}})
	require.Error(t, err)

	_, err = JobID(Seed{Parent: "p", Inputs: []string{"x"}})
	require.Error(t, err)

	_, err = JobID(Seed{Parent: "p", Algorithm: "alg"})
	require.Error(t, err)
}

func TestInputSetFingerprint_NormalizesSeparators(t *testing.T) {
	a, err := InputSetFingerprint([]string{"scans/042/front.png"})
	require.NoError(t, err)
	b, err := InputSetFingerprint([]string{`scans\042\front.png`})
	require.NoError(t, err)
	// Backslash normalization only applies where it is the separator;
	// on unix the second form is a literal filename. The fingerprints
	// must still both be stable.
	assert.Len(t, a, 12)
	assert.Len(t, b, 12)
}
