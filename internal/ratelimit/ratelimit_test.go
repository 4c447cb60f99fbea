package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowWithoutRedis(t *testing.T) {
	limiter := NewLimiter(nil, zerolog.Nop())

	for i := 0; i < RegisterLimit.Requests*2; i++ {
		retryAfter, err := limiter.Allow(context.Background(), "register", "1.2.3.4", RegisterLimit)
		require.NoError(t, err)
		assert.Equal(t, 0, retryAfter)
	}
}

func TestAllowNilLimiter(t *testing.T) {
	var limiter *Limiter
	retryAfter, err := limiter.Allow(context.Background(), "token", "1.2.3.4", TokenLimit)
	require.NoError(t, err)
	assert.Equal(t, 0, retryAfter)
}

func TestAllowFailsOpenOnRedisError(t *testing.T) {
	// Nothing listens here; every command errors and must be allowed through.
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })

	limiter := NewLimiter(client, zerolog.Nop())
	retryAfter, err := limiter.Allow(context.Background(), "keys", "1.2.3.4", BundleLimit)
	require.NoError(t, err)
	assert.Equal(t, 0, retryAfter)
}
