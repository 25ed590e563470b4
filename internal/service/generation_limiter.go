package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// GenerationLimiter acota cuantas generaciones remotas puede pedir un usuario por ventana.
// Denegar no es error: el resolver usa el generador local.
type GenerationLimiter interface {
	Allow(ctx context.Context, key string) bool
}

const redisGenerationAllowScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`

type redisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type redisGenerationLimiter struct {
	client   redisEvaler
	fallback GenerationLimiter
	window   time.Duration
	max      int
	prefix   string
}

// NewRedisGenerationLimiter comparte el limite entre instancias; si Redis falla usa el limitador en memoria.
func NewRedisGenerationLimiter(client *redis.Client, window time.Duration, limit int) GenerationLimiter {
	if client == nil {
		return NewMemoryGenerationLimiter(window, limit)
	}
	window, limit = normalizeLimit(window, limit)
	return &redisGenerationLimiter{
		client:   client,
		fallback: NewMemoryGenerationLimiter(window, limit),
		window:   window,
		max:      limit,
		prefix:   "ai:gen:rl:",
	}
}

func (l *redisGenerationLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil || l.client == nil {
		return true
	}
	normalizedKey := strings.ToLower(strings.TrimSpace(key))
	if normalizedKey == "" {
		normalizedKey = "anonymous"
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	seconds := int(l.window.Seconds())
	if seconds <= 0 {
		seconds = 60
	}
	count, err := l.client.Eval(ctx, redisGenerationAllowScript, []string{l.prefix + normalizedKey}, seconds).Int()
	if err != nil {
		return l.fallback.Allow(ctx, normalizedKey)
	}
	return count <= l.max
}

type memoryGenerationLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
}

// NewMemoryGenerationLimiter usa un token bucket por usuario: limit tokens que se reponen a lo largo de window.
func NewMemoryGenerationLimiter(window time.Duration, limit int) GenerationLimiter {
	window, limit = normalizeLimit(window, limit)
	return &memoryGenerationLimiter{
		limiters: make(map[string]*rate.Limiter),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
	}
}

func (l *memoryGenerationLimiter) Allow(_ context.Context, key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func normalizeLimit(window time.Duration, limit int) (time.Duration, int) {
	if window <= 0 {
		window = time.Hour
	}
	if limit <= 0 {
		limit = 1
	}
	return window, limit
}
