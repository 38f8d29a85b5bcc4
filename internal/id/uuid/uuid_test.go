package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewIDIsV7AndOrdered(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
	require.LessOrEqual(t, id1[:8], id2[:8])
}

func TestCanonical(t *testing.T) {
	t.Parallel()

	got, err := Canonical("0190A5C2-7D3B-7C4E-9F00-1234567890AB")
	require.NoError(t, err)
	require.Equal(t, "0190a5c2-7d3b-7c4e-9f00-1234567890ab", got)

	_, err = Canonical("not-a-uuid")
	require.Error(t, err)
}
