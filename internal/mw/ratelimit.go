package mw

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"roomchat/internal/metrics"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc 决定一个请求落进哪个令牌桶。
type KeyFunc func(c *gin.Context) string

// ByClientRoute 按 客户端 IP + 路由 分桶。
func ByClientRoute(c *gin.Context) string {
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	return clientIP(c.Request.RemoteAddr) + "|" + route
}

// ByChatUser 在 IP + 路由 之外再按 username 分桶，同一出口 IP 后的多个聊天用户互不挤占。
// 请求里没有 username 时退化为 ByClientRoute。
func ByChatUser(c *gin.Context) string {
	base := ByClientRoute(c)
	if u := strings.TrimSpace(c.Query("username")); u != "" {
		return base + "|" + u
	}
	return base
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter 为每个 key 维护一个令牌桶，空闲超过 ttl 的桶会被回收。
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	r       rate.Limit
	burst   int
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once
}

func NewLimiter(r rate.Limit, burst int, ttl time.Duration) *Limiter {
	return &Limiter{buckets: make(map[string]*bucket), r: r, burst: burst, ttl: ttl, stop: make(chan struct{})}
}

func (l *Limiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.r, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// sweep 删除在 now 之前空闲超过 ttl 的桶，返回剩余数量。
func (l *Limiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if now.Sub(b.seen) > l.ttl {
			delete(l.buckets, k)
		}
	}
	return len(l.buckets)
}

func (l *Limiter) run(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

// Stop 停止回收 goroutine，可重复调用。
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Middleware 超限时返回 429，并按路由计数。
func (l *Limiter) Middleware(key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(key(c), time.Now()) {
			route := c.FullPath()
			if route == "" {
				route = "unmatched"
			}
			metrics.RateLimitedTotal.WithLabelValues(route).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"code": "TOO_MANY_REQUESTS", "message": "too many requests"})
			return
		}
		c.Next()
	}
}

// RateLimit 创建限速器并启动回收，桶空闲两分钟后释放。
func RateLimit(r rate.Limit, burst int, key KeyFunc) gin.HandlerFunc {
	l := NewLimiter(r, burst, 2*time.Minute)
	go l.run(30 * time.Second)
	return l.Middleware(key)
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
