package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// sweepAt bounds the tracked clients; stale entries are dropped past it.
const sweepAt = 10000

// RateLimiter admits one request per interval per client. A client is the
// authenticated user when Auth ran first, otherwise the remote IP.
type RateLimiter struct {
	clients map[string]time.Time
	mu      sync.Mutex
	limit   time.Duration
	now     func() time.Time
}

func NewRateLimiter(limit time.Duration) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]time.Time),
		limit:   limit,
		now:     time.Now,
	}
}

// Allow records a request from client and reports whether it is admitted.
func (r *RateLimiter) Allow(client string) bool {
	if r.limit <= 0 {
		return true
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.clients[client]; ok && now.Sub(last) < r.limit {
		return false
	}
	if len(r.clients) >= sweepAt {
		for k, last := range r.clients {
			if now.Sub(last) >= r.limit {
				delete(r.clients, k)
			}
		}
	}
	r.clients[client] = now
	return true
}

func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := UserID(c)
		if client == "" {
			client = c.ClientIP()
		}
		if !r.Allow(client) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
