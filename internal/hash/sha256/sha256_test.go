package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherDigestsPageBodies(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)

	other, err := h.Hash([]byte("hello world!"))
	require.NoError(t, err)
	require.NotEqual(t, got, other)
	require.Len(t, other, 64)
}
