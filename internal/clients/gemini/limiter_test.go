package gemini

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPMLimiterAllowsUpToLimit(t *testing.T) {
	l := NewRPMLimiter(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		start := time.Now()
		require.NoError(t, l.Wait(ctx))
		assert.Less(t, time.Since(start), 50*time.Millisecond)
	}
}

func TestRPMLimiterBlocksWhenWindowFull(t *testing.T) {
	l := NewRPMLimiter(2)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))

	wait := l.tryAcquire()
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Minute)
}

func TestRPMLimiterWaitHonorsContext(t *testing.T) {
	l := NewRPMLimiter(1)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRPMLimiterDefaultsInvalidLimit(t *testing.T) {
	l := NewRPMLimiter(0)
	assert.Equal(t, 10, l.limit)
}

func TestRPMLimiterSlidesWindow(t *testing.T) {
	l := NewRPMLimiter(2)
	l.window = 30 * time.Millisecond

	require.Zero(t, l.tryAcquire())
	require.Zero(t, l.tryAcquire())
	require.NotZero(t, l.tryAcquire())

	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, l.tryAcquire())
}
