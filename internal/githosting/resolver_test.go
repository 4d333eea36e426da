package githosting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerbot/peerbot/internal/common/logger"
)

func TestNormalizeUsername(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice", "alice"},
		{"Alice Smith", "alice-smith"},
		{"alice..smith", "alice-smith"},
		{"  Bob--Jones  ", "bob-jones"},
		{"alice.", "alice"},
		{"42cats", "user-42cats"},
		{"---", "user-unknown"},
		{"", "user-unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeUsername(tt.in), "input %q", tt.in)
	}
}

type countingResolver struct {
	calls int
	url   string
	err   error
}

func (c *countingResolver) ResolveRepository(_ context.Context, username string) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	return c.url + username, nil
}

func TestCachedResolverCachesHits(t *testing.T) {
	inner := &countingResolver{url: "https://git.example.com/"}
	r := NewCachedResolver(inner, time.Minute, logger.Default())
	ctx := context.Background()

	first, err := r.ResolveRepository(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "https://git.example.com/alice", first)

	// Different spellings of the same normalized name share one entry.
	second, err := r.ResolveRepository(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls)
}

func TestCachedResolverExpires(t *testing.T) {
	inner := &countingResolver{url: "https://git.example.com/"}
	r := NewCachedResolver(inner, 10*time.Millisecond, logger.Default())
	ctx := context.Background()

	_, err := r.ResolveRepository(ctx, "alice")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = r.ResolveRepository(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedResolverDoesNotCacheFailures(t *testing.T) {
	inner := &countingResolver{err: errors.New("boom")}
	r := NewCachedResolver(inner, time.Minute, logger.Default())
	ctx := context.Background()

	_, err := r.ResolveRepository(ctx, "alice")
	require.Error(t, err)

	inner.err = nil
	inner.url = "https://git.example.com/"
	url, err := r.ResolveRepository(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "https://git.example.com/alice", url)
}

func TestStaticResolver(t *testing.T) {
	s := &StaticResolver{Template: "https://git.example.com/org/{username}.git"}
	url, err := s.ResolveRepository(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "https://git.example.com/org/alice.git", url)
}
