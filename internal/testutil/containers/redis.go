package containers

import (
	"context"
	"fmt"
	"testing"

	"github.com/docker/go-connections/nat"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// RedisContainer wraps the testcontainers redis module
type RedisContainer struct {
	*tcredis.RedisContainer
	ConnectionString string
}

// NewRedisContainer starts an empty Redis 7 server
func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	c, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	connStr, err := c.ConnectionString(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}
	return &RedisContainer{RedisContainer: c, ConnectionString: connStr}, nil
}

// Addr returns the host:port the server is reachable on
func (r *RedisContainer) Addr(ctx context.Context) (string, error) {
	return hostPort(ctx, r.Host, r.MappedPort, "6379/tcp")
}

// StartRedis starts a container for the test and terminates it on cleanup.
// The test is skipped when no container runtime is available.
func StartRedis(t *testing.T) *RedisContainer {
	t.Helper()

	ctx := context.Background()
	r, err := NewRedisContainer(ctx)
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = r.Terminate(context.Background())
	})
	return r
}

func hostPort(
	ctx context.Context,
	host func(context.Context) (string, error),
	mapped func(context.Context, nat.Port) (nat.Port, error),
	port nat.Port,
) (string, error) {
	h, err := host(ctx)
	if err != nil {
		return "", err
	}
	p, err := mapped(ctx, port)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", h, p.Port()), nil
}
