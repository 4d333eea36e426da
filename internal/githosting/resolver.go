// Package githosting resolves the repository a user's worker clones. The
// hosting API stays behind the RepositoryResolver interface; the package adds
// username normalization and response caching on top.
package githosting

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peerbot/peerbot/internal/common/logger"
)

// RepositoryResolver maps a chat username to the clone URL of that user's
// repository.
type RepositoryResolver interface {
	ResolveRepository(ctx context.Context, username string) (string, error)
}

// NormalizeUsername converts a chat display name into the hosting account
// form: lower-case, runs of non-alphanumerics collapsed into single dashes.
// Names that end up empty or starting with a dash get a "user-" prefix.
func NormalizeUsername(username string) string {
	lowered := strings.ToLower(strings.TrimSpace(username))

	var b strings.Builder
	b.Grow(len(lowered))
	lastDash := true // suppress leading dash
	for _, r := range lowered {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
		} else if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	name := strings.TrimRight(b.String(), "-")

	if name == "" {
		return "user-unknown"
	}
	if name[0] >= '0' && name[0] <= '9' {
		return "user-" + name
	}
	return name
}

type cacheEntry struct {
	url       string
	expiresAt time.Time
}

// CachedResolver wraps a resolver with a TTL cache so repeated messages in
// the same thread do not hit the hosting API.
type CachedResolver struct {
	inner  RepositoryResolver
	ttl    time.Duration
	cache  map[string]cacheEntry
	mu     sync.Mutex
	logger *logger.Logger
}

// NewCachedResolver creates a caching resolver. A non-positive TTL defaults
// to five minutes.
func NewCachedResolver(inner RepositoryResolver, ttl time.Duration, log *logger.Logger) *CachedResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedResolver{
		inner:  inner,
		ttl:    ttl,
		cache:  make(map[string]cacheEntry),
		logger: log.WithFields(zap.String("component", "repo-resolver")),
	}
}

// ResolveRepository returns the cached URL or delegates to the inner
// resolver. Failures are not cached.
func (r *CachedResolver) ResolveRepository(ctx context.Context, username string) (string, error) {
	normalized := NormalizeUsername(username)

	r.mu.Lock()
	if entry, ok := r.cache[normalized]; ok && time.Now().Before(entry.expiresAt) {
		r.mu.Unlock()
		return entry.url, nil
	}
	r.mu.Unlock()

	url, err := r.inner.ResolveRepository(ctx, normalized)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[normalized] = cacheEntry{url: url, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	r.logger.Debug("repository resolved",
		zap.String("username", normalized),
		zap.String("repository", url))
	return url, nil
}

// StaticResolver resolves every username against a fixed URL template where
// "{username}" is replaced. Useful for dev setups with per-user repos under
// one organization.
type StaticResolver struct {
	Template string
}

func (s *StaticResolver) ResolveRepository(_ context.Context, username string) (string, error) {
	return strings.ReplaceAll(s.Template, "{username}", username), nil
}
