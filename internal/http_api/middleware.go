package http_api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/blockspeak/orchestrator/internal/metrics"
	"github.com/blockspeak/orchestrator/internal/models"
)

const (
	sessionCookie = "bs_session"
	nonceCookie   = "bs_nonce"
	sessionKey    = "session"

	limiterIdleTTL = 10 * time.Minute
)

// corsMiddleware adds CORS headers for the configured origins. Credentials
// are allowed, so the origin is echoed rather than wildcarded.
func corsMiddleware(allowed []string) gin.HandlerFunc {
	origins := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		origins[strings.TrimRight(o, "/")] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if _, ok := origins[origin]; ok {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
			c.Writer.Header().Add("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		done := metrics.RequestStarted()
		c.Next()
		done(c.Request.Method, c.FullPath(), c.Writer.Status())
	}
}

// ipLimiter keeps one token bucket per client IP.
type ipLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(rps, burst int) *ipLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &ipLimiter{
		limit:     limit,
		burst:     burst,
		clients:   make(map[string]*clientLimiter),
		lastSweep: time.Now(),
	}
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > time.Minute {
		for key, client := range l.clients {
			if now.Sub(client.lastSeen) > limiterIdleTTL {
				delete(l.clients, key)
			}
		}
		l.lastSweep = now
	}

	client, ok := l.clients[ip]
	if !ok {
		client = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = client
	}
	client.lastSeen = now
	return client.limiter.AllowN(now, 1)
}

func (s *HTTPServer) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.allow(c.ClientIP(), time.Now()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "Too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}

// requireSession resolves the session cookie (or a bearer token) and
// stores the session in the request context.
func (s *HTTPServer) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := sessionToken(c)
		if token == "" {
			abortWithError(c, models.ErrAuthInvalid)
			return
		}
		session, err := s.auth.Session(token)
		if err != nil {
			abortWithError(c, models.ErrAuthInvalid)
			return
		}
		c.Set(sessionKey, session)
		c.Next()
	}
}

// requireSubscription lets through wallets on a paid plan. The tier is read
// from the reconciler, so a payment confirmed mid-session counts at once.
func (s *HTTPServer) requireSubscription() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := currentSession(c)
		tier, err := s.payments.Tier(c.Request.Context(), session.Address)
		if err != nil {
			s.logger.Error("Failed to read subscription tier", "address", session.Address, "error", err)
			abortWithError(c, err)
			return
		}
		if !tier.Paid() {
			abortWithError(c, models.ErrSubscriptionRequired)
			return
		}
		c.Next()
	}
}

func sessionToken(c *gin.Context) string {
	if token, err := c.Cookie(sessionCookie); err == nil && token != "" {
		return token
	}
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

func currentSession(c *gin.Context) *models.Session {
	return c.MustGet(sessionKey).(*models.Session)
}

func (s *HTTPServer) setCookie(c *gin.Context, name, value string, ttl time.Duration) {
	c.SetSameSite(s.sameSite())
	c.SetCookie(name, value, int(ttl.Seconds()), "/", "", s.opts.CookieSecure, true)
}

func (s *HTTPServer) clearCookie(c *gin.Context, name string) {
	c.SetSameSite(s.sameSite())
	c.SetCookie(name, "", -1, "/", "", s.opts.CookieSecure, true)
}

func (s *HTTPServer) sameSite() http.SameSite {
	if s.opts.CookieSameSite == 0 || s.opts.CookieSameSite == http.SameSiteDefaultMode {
		return http.SameSiteLaxMode
	}
	return s.opts.CookieSameSite
}
