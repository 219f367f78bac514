package canonicalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	b, err := JCS(map[string]any{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_StructTagsAndNesting(t *testing.T) {
	type inner struct {
		Y string `json:"y"`
		X string `json:"x"`
	}
	type outer struct {
		Z inner `json:"z"`
		A int   `json:"a"`
	}
	b, err := JCS(outer{Z: inner{Y: "foo", X: "<bar>"}, A: 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"<bar>","y":"foo"}}`, string(b))
}

func TestCanonicalHash_OrderIndependent(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"agent": "a", "score": 9})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"score": 9, "agent": "a"})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.True(t, strings.HasPrefix(h1, HashPrefix))
	assert.Len(t, h1, len(HashPrefix)+64)
}

func TestDigestLength(t *testing.T) {
	d, err := Digest([]string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, d, 32)
}

func TestNormalizeText(t *testing.T) {
	// "é" composed vs decomposed.
	composed, err := NormalizeText("  caf\u00e9 ")
	require.NoError(t, err)
	decomposed, err := NormalizeText("cafe\u0301")
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
	assert.Equal(t, "caf\u00e9", composed)

	_, err = NormalizeText(string([]byte{0xff, 0xfe}))
	assert.Error(t, err)
}
