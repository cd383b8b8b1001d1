package uuid

import (
	"sort"
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewIDIsVersion7(t *testing.T) {
	t.Parallel()

	id, err := New().NewID()
	require.NoError(t, err)

	parsed, err := goUUID.Parse(id)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
	require.True(t, Valid(id))
}

// Run ids created in sequence keep their creation order when sorted as text.
func TestGeneratorNewIDSortsByCreation(t *testing.T) {
	t.Parallel()

	gen := New()
	ids := make([]string, 0, 50)
	for range 50 {
		id, err := gen.NewID()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.True(t, sort.StringsAreSorted(ids))
}

func TestValid(t *testing.T) {
	t.Parallel()

	require.False(t, Valid("run-1"))
	require.False(t, Valid(""))
	require.True(t, Valid("018f5a3c-7d2e-7b1a-9c4d-2e8f6a1b3c5d"))
}
