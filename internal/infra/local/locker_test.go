package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockerSerializesSameName(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	first, err := l.Lock(ctx, "lane")
	require.NoError(t, err)

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(timeoutCtx, "lane")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(ctx, "other-lane")
	require.NoError(t, err, "different names do not contend")
	require.NoError(t, other.Unlock(ctx))

	require.NoError(t, first.Unlock(ctx))
	require.NoError(t, first.Unlock(ctx), "unlock is idempotent")

	second, err := l.Lock(ctx, "lane")
	require.NoError(t, err)
	require.NoError(t, second.Unlock(ctx))
}
