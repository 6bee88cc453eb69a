// Package monitoring exposes the gateway's read-only HTTP status surface:
// a liveness probe and a snapshot of connection state, bot slots, named-lock
// queue depths and reconciliation history. It never accepts a mutating
// request — every write path into the gateway goes through the control
// channels, not HTTP.
package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"gatewaycore/internal/namedlock"
	"gatewaycore/internal/reconcile"
	"gatewaycore/internal/registry"
	"gatewaycore/internal/router"
)

// ipLimiters holds one token-bucket limiter per client IP, 20 req/s with a
// burst of 50, matching how busy a single polling dashboard or health check
// can legitimately be.
var (
	ipLimiters = make(map[string]*rate.Limiter)
	ipLimitMu  sync.RWMutex
)

func getIPLimiter(ip string) *rate.Limiter {
	ipLimitMu.RLock()
	limiter, exists := ipLimiters[ip]
	ipLimitMu.RUnlock()
	if exists {
		return limiter
	}

	ipLimitMu.Lock()
	defer ipLimitMu.Unlock()
	if limiter, exists = ipLimiters[ip]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(20), 50)
	ipLimiters[ip] = limiter
	return limiter
}

func rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !getIPLimiter(c.ClientIP()).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Server is the gateway's monitoring HTTP surface.
type Server struct {
	engine *gin.Engine

	router    *router.Router
	bots      *registry.Registry
	locks     *namedlock.Registry
	reconcile *reconcile.Service
}

// New wires routes against the gateway's live collaborators.
func New(r *router.Router, bots *registry.Registry, locks *namedlock.Registry, reconcileSvc *reconcile.Service) *Server {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery())
	e.Use(rateLimitMiddleware())

	s := &Server{engine: e, router: r, bots: bots, locks: locks, reconcile: reconcileSvc}
	e.GET("/healthz", s.healthz)
	e.GET("/status", s.status)
	return s
}

// Run starts the HTTP listener; it blocks until the server stops or errors.
func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":           s.router.State(),
		"slots":           s.bots.Snapshot(),
		"lockQueueDepths": s.locks.QueueDepths(),
		"reconciliation": gin.H{
			"stats":   s.reconcile.Stats(),
			"history": s.reconcile.History(),
		},
		"serverTime": time.Now().UTC(),
	})
}
