// Package ratelimit 按调用者限流
package ratelimit

import (
	"strconv"
	"sync"
	"time"

	"eventchat/config"
	"eventchat/pkg/apperr"
	"eventchat/pkg/jwt"
	"eventchat/pkg/response"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// DefaultIdleTTL 令牌桶闲置多久后可以被回收
const DefaultIdleTTL = 10 * time.Minute

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Pool 每个键一个令牌桶，闲置的桶由 Sweep 回收
type Pool struct {
	mu  sync.Mutex
	m   map[string]*entry
	cfg config.RateLimitConfig
	now func() time.Time
}

func NewPool(cfg config.RateLimitConfig) *Pool {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	return &Pool{m: make(map[string]*entry), cfg: cfg, now: time.Now}
}

func (p *Pool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.lim
	}
	rps := p.cfg.RPS
	if rps <= 0 {
		rps = 5
	}
	burst := p.cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	p.m[key] = &entry{lim: l, lastSeen: now}
	return l
}

// Allow 是否允许本次请求
func (p *Pool) Allow(key string) bool {
	return p.get(key).AllowN(p.now(), 1)
}

// Sweep 回收闲置超过 IdleTTL 且令牌已回满的桶，返回回收数量
// 令牌未回满的桶保留，避免重建后获得额外的突发容量
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	removed := 0
	for key, e := range p.m {
		if now.Sub(e.lastSeen) < p.cfg.IdleTTL {
			continue
		}
		if e.lim.TokensAt(now) < float64(e.lim.Burst()) {
			continue
		}
		delete(p.m, key)
		removed++
	}
	return removed
}

// Len 当前持有的桶数量
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// Middleware 按认证用户限流，需挂在认证中间件之后
func (p *Pool) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if userID := jwt.GetUserID(c); userID != 0 {
			key = "user:" + strconv.FormatUint(uint64(userID), 10)
		}
		if !p.Allow(key) {
			response.FromError(c, apperr.RateLimited("too many requests"))
			c.Abort()
			return
		}
		c.Next()
	}
}
