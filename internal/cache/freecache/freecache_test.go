package freecache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hubward/jobd/internal/cache"
)

func TestFreeCache_PutGet(t *testing.T) {
	ctx := context.Background()
	c := NewFreeCache(1024*1024, 5)

	tests := []struct {
		name      string
		key       string
		value     []byte
		expectErr bool
	}{
		{"empty key should fail", "", []byte("value"), true},
		{"value round-trips", "pull:https://example.org/data.csv", []byte("a,b,c"), false},
		{"empty value round-trips", "pull:https://example.org/empty", []byte{}, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := c.Put(ctx, tt.key, tt.value)
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			got, err := c.Get(ctx, tt.key)
			require.NoError(t, err)
			require.Equal(t, tt.value, got)
		})
	}
}

func TestFreeCache_Miss(t *testing.T) {
	ctx := context.Background()
	c := NewFreeCache(1024*1024, 5)

	_, err := c.Get(ctx, "absent")
	require.ErrorIs(t, err, cache.ErrMiss)
}

func TestFreeCache_TTL(t *testing.T) {
	ctx := context.Background()
	c := NewFreeCache(1024*1024, 1)

	require.NoError(t, c.Put(ctx, "short", []byte("temp")))
	time.Sleep(2 * time.Second)

	_, err := c.Get(ctx, "short")
	require.ErrorIs(t, err, cache.ErrMiss)
}
