package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"viewer-relay/internal/status"
)

// AccessLimiter enforces a minimum interval between requests from one client
// address. The last allowed access is shared by every endpoint; each endpoint
// supplies its own interval.
type AccessLimiter interface {
	Allow(ctx context.Context, key string, interval time.Duration) (bool, error)
}

// MemoryAccessLimiter keeps last access times in process memory.
type MemoryAccessLimiter struct {
	mu        sync.Mutex
	last      map[string]time.Time
	retention time.Duration
	nextSweep time.Time
	now       func() time.Time
}

func NewMemoryAccessLimiter() *MemoryAccessLimiter {
	return NewMemoryAccessLimiterWithNow(time.Now)
}

func NewMemoryAccessLimiterWithNow(now func() time.Time) *MemoryAccessLimiter {
	return &MemoryAccessLimiter{
		last:      make(map[string]time.Time),
		retention: time.Minute,
		now:       now,
	}
}

func (l *MemoryAccessLimiter) Allow(_ context.Context, key string, interval time.Duration) (bool, error) {
	if interval <= 0 {
		return true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if interval > l.retention {
		l.retention = interval
	}
	if now.After(l.nextSweep) {
		for k, at := range l.last {
			if now.Sub(at) > l.retention {
				delete(l.last, k)
			}
		}
		l.nextSweep = now.Add(l.retention)
	}

	if at, ok := l.last[key]; ok && now.Sub(at) < interval {
		return false, nil
	}
	l.last[key] = now
	return true, nil
}

// accessScript allows a request when no access is recorded for KEYS[1] or
// the recorded one is at least ARGV[2] ms older than ARGV[1], and records
// ARGV[1] with a TTL of ARGV[3] ms.
var accessScript = redis.NewScript(`
local now_ms = tonumber(ARGV[1])
local interval_ms = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])
local last = redis.call("GET", KEYS[1])
if last and (now_ms - tonumber(last)) < interval_ms then
  return 0
end
redis.call("SET", KEYS[1], tostring(now_ms), "PX", ttl_ms)
return 1
`)

// RedisAccessLimiter shares last access times between relay instances.
type RedisAccessLimiter struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

func NewRedisAccessLimiter(client redis.UniversalClient, prefix string) *RedisAccessLimiter {
	if prefix == "" {
		prefix = "access"
	}
	return &RedisAccessLimiter{client: client, prefix: prefix, retention: time.Minute, now: time.Now}
}

func (l *RedisAccessLimiter) Allow(ctx context.Context, key string, interval time.Duration) (bool, error) {
	if interval <= 0 {
		return true, nil
	}
	if l.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	ttl := l.retention
	if interval > ttl {
		ttl = interval
	}
	n, err := accessScript.Run(ctx, l.client,
		[]string{l.prefix + ":" + key},
		l.now().UnixMilli(), interval.Milliseconds(), ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Allowlist holds client addresses exempt from throttling.
type Allowlist map[string]struct{}

// ParseAllowlist reads a comma separated address list.
func ParseAllowlist(csv string) Allowlist {
	out := Allowlist{}
	for _, addr := range strings.Split(csv, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out[addr] = struct{}{}
		}
	}
	return out
}

func (a Allowlist) Contains(addr string) bool {
	_, ok := a[addr]
	return ok
}

// Throttle builds per-endpoint access middleware over one limiter.
type Throttle struct {
	Limiter   AccessLimiter
	Allowlist Allowlist
	Logger    *slog.Logger
}

// Require rejects a client that accessed any throttled endpoint less than
// interval ago with IP_RESTRICT. A limiter backend failure lets the request
// through.
func (t *Throttle) Require(interval time.Duration) gin.HandlerFunc {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		addr := c.ClientIP()
		if t.Limiter == nil || t.Allowlist.Contains(addr) {
			c.Next()
			return
		}
		ok, err := t.Limiter.Allow(c.Request.Context(), addr, interval)
		if err != nil {
			logger.WarnContext(c.Request.Context(), "access limiter unavailable, allowing request", "addr", addr, "error", err)
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusOK, gin.H{"status": status.IPRestrict})
			return
		}
		c.Next()
	}
}
