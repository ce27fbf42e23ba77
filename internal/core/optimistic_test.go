package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureUnchanged(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 30, 0, 0, time.UTC)

	t.Run("matching timestamp passes", func(t *testing.T) {
		assert.NoError(t, EnsureUnchanged(now, &now))
	})

	t.Run("equal instant in another zone passes", func(t *testing.T) {
		shifted := now.In(time.FixedZone("IST", 5*3600+1800))
		assert.NoError(t, EnsureUnchanged(now, &shifted))
	})

	t.Run("stale timestamp conflicts", func(t *testing.T) {
		stale := now.Add(-time.Second)
		err := EnsureUnchanged(now, &stale)
		require.Error(t, err)
		var cErr *ConflictError
		assert.ErrorAs(t, err, &cErr)
	})

	t.Run("missing expectation conflicts on stamped record", func(t *testing.T) {
		err := EnsureUnchanged(now, nil)
		require.Error(t, err)
		var cErr *ConflictError
		assert.ErrorAs(t, err, &cErr)
	})

	t.Run("missing expectation passes on unstamped record", func(t *testing.T) {
		assert.NoError(t, EnsureUnchanged(time.Time{}, nil))
	})
}
