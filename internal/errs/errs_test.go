package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferTooSmallWrapsCapacity(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("tokenize: %w", &BufferTooSmallError{Required: 12, Available: 4})

	assert.ErrorIs(t, err, ErrCapacityExceeded)
	n, ok := Required(err)
	require.True(t, ok)
	assert.Equal(t, 12, n)
	assert.Contains(t, err.Error(), "need 12, have 4")

	_, ok = Required(errors.New("other"))
	assert.False(t, ok)
}

func TestBatchCapacityError(t *testing.T) {
	t.Parallel()
	err := error(&BatchCapacityError{Capacity: 8})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.NotErrorIs(t, err, ErrCacheSlotUnavailable)
}

func TestCorruptStateError(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("restore: %w", Corrupt("n_ctx", 512, 256))
	require.ErrorIs(t, err, ErrCorruptState)

	var cs *CorruptStateError
	require.ErrorAs(t, err, &cs)
	assert.Equal(t, "n_ctx", cs.Field)
	assert.Equal(t, "corrupt state: n_ctx: expected 512, got 256", cs.Error())
	assert.Equal(t, "corrupt state: checksum", Corrupt("checksum", nil, nil).Error())
}
