package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"recoengine/internal/admission"
	"recoengine/internal/auth"
	"recoengine/internal/chain"
	"recoengine/internal/events"
	"recoengine/internal/gate"
	"recoengine/internal/lifecycle"
	"recoengine/internal/priceconn"
	"recoengine/internal/query"
	"recoengine/internal/runtimeconfig"
	"recoengine/internal/store"
)

// ServerConfig configures the HTTP transport. Grounded on the teacher's
// ServerConfig{Port, Host, ProductionMode}.
type ServerConfig struct {
	Host           string
	Port           int
	ProductionMode bool

	RateLimitRPS   float64
	RateLimitBurst int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{Host: "0.0.0.0", Port: 8080, RateLimitRPS: 10, RateLimitBurst: 20}
}

// Server is the HTTP boundary described by §6: it wires the admission
// controller, lifecycle tracker, query service, decision-chain replay and
// the runtime config store behind a gin router, guarded by a single Bearer
// JWT issued to the one configured operator.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig

	st            *store.Store
	auth          *auth.Service
	authEnabled   bool
	admission     *admission.Controller
	query         *query.Service
	lifecycle     *lifecycle.Tracker
	cfg           *runtimeconfig.Store
	bus           *events.Bus
	feed          *priceconn.Feed
	chains        *chain.Monitor
	gates         []gate.Gate
	testOverrides *testOverrideStore

	wsHub *wsHub

	limiterMu sync.RWMutex
	limiters  map[string]*rate.Limiter
}

// Dependencies bundles everything NewServer needs. Named rather than
// positional since the list is long and still growing with §6.
type Dependencies struct {
	Store        *store.Store
	Auth         *auth.Service
	AuthEnabled  bool
	Admission    *admission.Controller
	Query        *query.Service
	Lifecycle    *lifecycle.Tracker
	Config       *runtimeconfig.Store
	Bus          *events.Bus
	Feed         *priceconn.Feed
	Chains       *chain.Monitor
	Gates        []gate.Gate
}

func NewServer(cfg ServerConfig, deps Dependencies) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:        cfg,
		st:            deps.Store,
		auth:          deps.Auth,
		authEnabled:   deps.AuthEnabled,
		admission:     deps.Admission,
		query:         deps.Query,
		lifecycle:     deps.Lifecycle,
		cfg:           deps.Config,
		bus:           deps.Bus,
		feed:          deps.Feed,
		chains:        deps.Chains,
		gates:         deps.Gates,
		testOverrides: newTestOverrideStore(),
		limiters:      make(map[string]*rate.Limiter),
	}

	s.wsHub = initWebSocket(deps.Bus)
	s.router = s.newRouter()
	return s
}

func (s *Server) newRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(s.rateLimitMiddleware())

	router.GET("/health", s.handleHealth)
	router.GET("/ws", s.handleWebSocket)

	api := router.Group("/api")
	{
		api.POST("/auth/login", s.handleLogin)
		api.GET("/auth/status", s.handleAuthStatus)
	}

	authed := api.Group("")
	if s.authEnabled {
		authed.Use(auth.Middleware(s.auth.JWTManager()))
	}
	{
		authed.POST("/recommendations", s.handleCreateRecommendation)
		authed.GET("/recommendations", s.handleQueryRecommendations)
		authed.GET("/active-recommendations", s.handleListActive)
		authed.GET("/recommendations/:id", s.handleGetRecommendation)
		authed.PUT("/recommendations/:id/close", s.handleCloseRecommendation)
		authed.POST("/recommendations/:id/expire", s.handleExpireRecommendation)

		authed.POST("/tracker/start", s.handleTrackerStart)
		authed.POST("/tracker/stop", s.handleTrackerStop)
		authed.GET("/status", s.handleStatus)

		authed.GET("/config", s.handleGetConfig)
		authed.POST("/config", s.handleUpdateConfig)

		authed.POST("/testing/price-override", s.handleSetPriceOverride)
		authed.POST("/testing/price-override/clear", s.handleClearPriceOverride)
		authed.POST("/testing/fgi-override", s.handleSetFGIOverride)
		authed.POST("/testing/fgi-override/clear", s.handleClearFGIOverride)
		authed.POST("/testing/funding-override/:symbol", s.handleSetFundingOverride)
		authed.POST("/testing/funding-override/clear", s.handleClearFundingOverride)

		authed.GET("/stats", s.handleStats)
		authed.GET("/monitoring/ev-metrics", s.handleEVMetrics)

		authed.GET("/decision-chains", s.handleListDecisionChains)
		authed.GET("/decision-chains/:id", s.handleGetDecisionChain)
		authed.POST("/decision-chains/:id/replay", s.handleReplayDecisionChain)
		authed.POST("/decision-chains/batch-replay", s.handleBatchReplay)
	}

	return router
}

// rateLimitMiddleware enforces a per-IP token bucket, replacing the
// teacher's hand-rolled sliding-window RateLimiter with x/time/rate.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	rps := s.config.RateLimitRPS
	if rps <= 0 {
		rps = 10
	}
	burst := s.config.RateLimitBurst
	if burst <= 0 {
		burst = 20
	}

	return func(c *gin.Context) {
		ip := c.ClientIP()

		s.limiterMu.Lock()
		lim, ok := s.limiters[ip]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(rps), burst)
			s.limiters[ip] = lim
		}
		s.limiterMu.Unlock()

		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "RATE_LIMITED",
				"message": "too many requests",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
