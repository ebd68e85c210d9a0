//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/workspace-activity/internal/infrastructure/config"
	"github.com/davidleathers/workspace-activity/internal/testutil/containers"
)

func TestRedisCache_RealServer(t *testing.T) {
	server := containers.StartRedis(t)
	ctx := context.Background()

	addr, err := server.Addr(ctx)
	require.NoError(t, err)

	for _, url := range []string{server.ConnectionString, addr} {
		c, err := NewRedisCache(ctx, config.RedisConfig{URL: url, TTL: time.Minute}, zaptest.NewLogger(t))
		require.NoError(t, err)

		require.NoError(t, c.Set(ctx, "digest", map[string]int{"alerts": 3}))
		var got map[string]int
		hit, err := c.Get(ctx, "digest", &got)
		require.NoError(t, err)
		assert.True(t, hit)
		assert.Equal(t, 3, got["alerts"])

		require.NoError(t, c.Delete(ctx, "digest"))
		require.NoError(t, c.Close())
	}
}
