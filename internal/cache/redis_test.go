package cache

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"material-market/internal/models"
)

func TestDecodeFills(t *testing.T) {
	good, err := json.Marshal(&models.Fill{ID: "f-1", Material: "lead", Price: 3, Quantity: 2, TotalCost: 6})
	require.NoError(t, err)

	fills := decodeFills([]string{string(good), "{broken"}, zap.NewNop())
	require.Len(t, fills, 1)
	assert.Equal(t, "f-1", fills[0].ID)
	assert.Equal(t, int64(6), fills[0].TotalCost)
}

// Requires a disposable Redis; set REDIS_TEST_ADDR (e.g. localhost:6379) to run.
func TestRedisCache_RecentFills(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(ctx).Err())

	c := newRedisCache(client, 3, nil)
	defer c.Close()
	require.NoError(t, client.Del(ctx, fillsKey("lead")).Err())

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, c.RecordFill(ctx, &models.Fill{ID: id, Material: "lead", Price: 1, Quantity: 1, TotalCost: 1}))
	}

	fills, err := c.RecentFills(ctx, "lead", 10)
	require.NoError(t, err)
	ids := make([]string, len(fills))
	for i, f := range fills {
		ids[i] = f.ID
	}
	assert.Equal(t, []string{"d", "c", "b"}, ids)

	fills, err = c.RecentFills(ctx, "lead", 1)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "d", fills[0].ID)
}
