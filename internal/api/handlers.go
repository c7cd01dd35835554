package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"recoengine/internal/admission"
	"recoengine/internal/auth"
	"recoengine/internal/chain"
	"recoengine/internal/engineerr"
	"recoengine/internal/query"
	"recoengine/internal/store"
)

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": data})
}

// fail writes the §6 rejection envelope: error is the machine-readable
// code as a flat string, and every detail field (matchedIds, remainingMs,
// …) sits top-level alongside it, not nested under an "error" object.
func fail(c *gin.Context, status int, code, message string, details map[string]interface{}) {
	body := gin.H{"success": false, "error": code}
	if message != "" {
		body["message"] = message
	}
	for k, v := range details {
		body[k] = v
	}
	c.JSON(status, body)
}

// statusForGateError maps a gate rejection code to an HTTP status, per §6:
// VALIDATION is a malformed request (400); COOLDOWN_ACTIVE and the hourly
// caps are rate-limit-shaped (429); everything else is a conflict with
// current admission state (409).
func statusForGateError(code engineerr.Code) int {
	switch code {
	case engineerr.CodeValidation:
		return http.StatusBadRequest
	case engineerr.CodeCooldownActive:
		return http.StatusTooManyRequests
	default:
		return http.StatusConflict
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.st.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "store": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	resp, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		fail(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", err.Error(), nil)
		return
	}
	ok(c, resp)
}

func (s *Server) handleAuthStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"auth_enabled": s.authEnabled})
}

// multiTFConsistencyInput is the nested metadata.multiTFConsistency payload
// per §6.
type multiTFConsistencyInput struct {
	Agreement         *float64         `json:"agreement"`
	DominantDirection *store.Direction `json:"dominantDirection"`
}

type recommendationMetadata struct {
	MultiTFConsistency *multiTFConsistencyInput `json:"multiTFConsistency"`
}

// createRecommendationRequest is the POST /recommendations body, the wire
// shape of admission.Proposal.
type createRecommendationRequest struct {
	Symbol       string          `json:"symbol" binding:"required"`
	Direction    store.Direction `json:"direction" binding:"required"`
	EntryPrice   float64         `json:"entry_price" binding:"required"`
	Leverage     float64         `json:"leverage" binding:"required"`
	PositionSize float64         `json:"position_size" binding:"required"`
	Confidence   float64         `json:"confidence"`

	StopLossPrice   *float64 `json:"stop_loss_price"`
	TakeProfitPrice *float64 `json:"take_profit_price"`

	ATRValue          *float64 `json:"atr_value"`
	ATRPeriod         *int     `json:"atr_period"`
	ATRStopMultiplier *float64 `json:"atr_stop_multiplier"`
	ATRTakeMultiplier *float64 `json:"atr_take_multiplier"`

	Metadata *recommendationMetadata `json:"metadata"`

	EV          *float64 `json:"ev"`
	EVThreshold *float64 `json:"ev_threshold"`

	Source       string  `json:"source"`
	StrategyType *string `json:"strategy_type"`
	ABGroup      *string `json:"ab_group"`
	ExperimentID *string `json:"experiment_id"`
	DedupeKey    *string `json:"dedupe_key"`

	BypassCooldown bool `json:"bypassCooldown"`
}

func (s *Server) handleCreateRecommendation(c *gin.Context) {
	var req createRecommendationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	var mtfAgreement *float64
	var mtfDominantDirection *store.Direction
	if req.Metadata != nil && req.Metadata.MultiTFConsistency != nil {
		mtfAgreement = req.Metadata.MultiTFConsistency.Agreement
		mtfDominantDirection = req.Metadata.MultiTFConsistency.DominantDirection
	}

	p := admission.Proposal{
		Symbol: req.Symbol, Direction: req.Direction, EntryPrice: req.EntryPrice,
		Leverage: req.Leverage, PositionSize: req.PositionSize, Confidence: req.Confidence,
		StopLossPrice: req.StopLossPrice, TakeProfitPrice: req.TakeProfitPrice,
		ATRValue: req.ATRValue, ATRPeriod: req.ATRPeriod,
		ATRStopMultiplier: req.ATRStopMultiplier, ATRTakeMultiplier: req.ATRTakeMultiplier,
		MTFAgreement: mtfAgreement, MTFDominantDirection: mtfDominantDirection,
		EV: req.EV, EVThreshold: req.EVThreshold,
		Source: req.Source, StrategyType: req.StrategyType, ABGroup: req.ABGroup,
		ExperimentID: req.ExperimentID, DedupeKey: req.DedupeKey,
		BypassCooldown: req.BypassCooldown,
	}

	rec, err := s.admission.Admit(c.Request.Context(), p)
	if err != nil {
		if gateErr, isGate := err.(*engineerr.GateError); isGate {
			fail(c, statusForGateError(gateErr.Code), string(gateErr.Code), gateErr.Reason, gateErr.Details)
			return
		}
		fail(c, http.StatusInternalServerError, "STORE_FAILURE", err.Error(), nil)
		return
	}
	created(c, rec)
}

func (s *Server) handleGetRecommendation(c *gin.Context) {
	rec, err := s.query.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
		return
	}
	ok(c, rec)
}

func (s *Server) handleListActive(c *gin.Context) {
	filter := store.ActiveFilter{Symbol: c.Query("symbol"), Direction: store.Direction(c.Query("direction"))}
	list, err := s.query.ListActive(c.Request.Context(), filter)
	if err != nil {
		fail(c, http.StatusInternalServerError, "STORE_FAILURE", err.Error(), nil)
		return
	}
	ok(c, list)
}

func (s *Server) handleQueryRecommendations(c *gin.Context) {
	filter := store.QueryFilter{
		Symbol:  c.Query("symbol"),
		Status:  store.Status(c.Query("status")),
		ABGroup: c.Query("ab_group"),
	}
	if start := c.Query("start"); start != "" {
		if t, err := time.Parse(time.RFC3339, start); err == nil {
			filter.Start = &t
		}
	}
	if end := c.Query("end"); end != "" {
		if t, err := time.Parse(time.RFC3339, end); err == nil {
			filter.End = &t
		}
	}
	page := intQuery(c, "page", 1)
	limit := intQuery(c, "limit", 50)

	result, err := s.query.Query(c.Request.Context(), filter, page, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, "STORE_FAILURE", err.Error(), nil)
		return
	}
	ok(c, result)
}

type closeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCloseRecommendation(c *gin.Context) {
	var req closeRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual close"
	}

	if err := s.lifecycle.CloseManual(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		mapStoreErr(c, err)
		return
	}
	rec, err := s.query.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, http.StatusInternalServerError, "STORE_FAILURE", err.Error(), nil)
		return
	}
	ok(c, rec)
}

type expireRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleExpireRecommendation(c *gin.Context) {
	var req expireRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "expired"
	}

	if err := s.lifecycle.Expire(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		mapStoreErr(c, err)
		return
	}
	ok(c, gin.H{"id": c.Param("id"), "status": store.StatusClosed})
}

func mapStoreErr(c *gin.Context, err error) {
	switch {
	case engineerr.Is(err, engineerr.ErrRecommendationNotFound):
		fail(c, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case engineerr.Is(err, engineerr.ErrNotActive):
		fail(c, http.StatusConflict, "NOT_ACTIVE", err.Error(), nil)
	default:
		fail(c, http.StatusInternalServerError, "STORE_FAILURE", err.Error(), nil)
	}
}

func (s *Server) handleTrackerStart(c *gin.Context) {
	s.lifecycle.Start(c.Request.Context())
	ok(c, gin.H{"is_running": s.lifecycle.IsRunning()})
}

func (s *Server) handleTrackerStop(c *gin.Context) {
	s.lifecycle.Stop()
	ok(c, gin.H{"is_running": s.lifecycle.IsRunning()})
}

func (s *Server) handleStatus(c *gin.Context) {
	ok(c, gin.H{"tracker": gin.H{"is_running": s.lifecycle.IsRunning()}})
}

func (s *Server) handleGetConfig(c *gin.Context) {
	ok(c, s.cfg.Snapshot())
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	current := s.cfg.Snapshot()
	if err := c.ShouldBindJSON(&current); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	if err := s.cfg.Update(current); err != nil {
		fail(c, http.StatusInternalServerError, "CONFIG_FAILURE", err.Error(), nil)
		return
	}
	s.bus.PublishConfigUpdated()
	ok(c, s.cfg.Snapshot())
}

type priceOverrideRequest struct {
	Symbol string  `json:"symbol" binding:"required"`
	Price  float64 `json:"price" binding:"required"`
	TTLMs  int64   `json:"ttlMs"`
}

func (s *Server) handleSetPriceOverride(c *gin.Context) {
	var req priceOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	ttl := overrideTTL(req.TTLMs)
	cfg := s.cfg.Snapshot()
	if err := s.feed.Override(c.Request.Context(), req.Symbol, req.Price, ttl, cfg.Testing.AllowPriceOverride); err != nil {
		fail(c, http.StatusForbidden, "TESTING_DISALLOWED", err.Error(), nil)
		return
	}
	s.bus.PublishPriceOverrideSet(req.Symbol, req.Price, time.Now().Add(ttl))
	ok(c, gin.H{"symbol": req.Symbol, "price": req.Price, "expires_at": time.Now().Add(ttl)})
}

type clearOverrideRequest struct {
	Symbol string `json:"symbol"`
}

func (s *Server) handleClearPriceOverride(c *gin.Context) {
	var req clearOverrideRequest
	_ = c.ShouldBindJSON(&req)
	s.feed.Clear(req.Symbol)
	ok(c, gin.H{"cleared": true, "symbol": req.Symbol})
}

type auxOverrideRequest struct {
	Value float64 `json:"value" binding:"required"`
	TTLMs int64   `json:"ttlMs"`
}

// handleSetFGIOverride and handleSetFundingOverride hold a single
// process-wide test value each, the same shape as the price override but
// without a backing feed — no gate currently consumes FGI or funding
// rate, so this is a pure test hook per §6's "analogous" wording.
func (s *Server) handleSetFGIOverride(c *gin.Context) {
	var req auxOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	cfg := s.cfg.Snapshot()
	if !cfg.Testing.AllowFGIOverride {
		fail(c, http.StatusForbidden, "TESTING_DISALLOWED", "fgi override not permitted by runtime config", nil)
		return
	}
	s.testOverrides.setFGI(req.Value, overrideTTL(req.TTLMs))
	ok(c, gin.H{"fgi": req.Value})
}

func (s *Server) handleClearFGIOverride(c *gin.Context) {
	s.testOverrides.clearFGI()
	ok(c, gin.H{"cleared": true})
}

func (s *Server) handleSetFundingOverride(c *gin.Context) {
	symbol := c.Param("symbol")
	var req auxOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	cfg := s.cfg.Snapshot()
	if !cfg.Testing.AllowFundingOverride {
		fail(c, http.StatusForbidden, "TESTING_DISALLOWED", "funding override not permitted by runtime config", nil)
		return
	}
	s.testOverrides.setFunding(symbol, req.Value, overrideTTL(req.TTLMs))
	ok(c, gin.H{"symbol": symbol, "funding_rate": req.Value})
}

func (s *Server) handleClearFundingOverride(c *gin.Context) {
	s.testOverrides.clearFunding(c.Query("symbol"))
	ok(c, gin.H{"cleared": true})
}

func overrideTTL(ms int64) time.Duration {
	if ms <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Server) handleStats(c *gin.Context) {
	filter := query.StatsFilter{BinMode: query.BinMode(c.DefaultQuery("bin_mode", "quantile"))}
	filter.Bins = intQuery(c, "bins", 4)
	if start := c.Query("start"); start != "" {
		if t, err := time.Parse(time.RFC3339, start); err == nil {
			filter.Start = &t
		}
	}
	if end := c.Query("end"); end != "" {
		if t, err := time.Parse(time.RFC3339, end); err == nil {
			filter.End = &t
		}
	}
	filter.ABGroups = c.QueryArray("ab_group")

	stats, err := s.query.Stats(c.Request.Context(), filter)
	if err != nil {
		fail(c, http.StatusInternalServerError, "STORE_FAILURE", err.Error(), nil)
		return
	}
	ok(c, stats)
}

func (s *Server) handleEVMetrics(c *gin.Context) {
	var start, end *time.Time
	if v := c.Query("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = &t
		}
	}
	if v := c.Query("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = &t
		}
	}
	m, err := s.query.EVMetrics(c.Request.Context(), start, end)
	if err != nil {
		fail(c, http.StatusInternalServerError, "STORE_FAILURE", err.Error(), nil)
		return
	}
	ok(c, m)
}

func (s *Server) handleListDecisionChains(c *gin.Context) {
	filter := store.ChainFilter{Symbol: c.Query("symbol"), Status: store.ChainDecision(c.Query("status"))}
	page := intQuery(c, "page", 1)
	limit := intQuery(c, "limit", 50)

	chains, err := s.query.DecisionChains(c.Request.Context(), filter, page, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, "STORE_FAILURE", err.Error(), nil)
		return
	}
	ok(c, chains)
}

func (s *Server) handleGetDecisionChain(c *gin.Context) {
	dc, err := s.query.DecisionChain(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
		return
	}
	ok(c, dc)
}

func (s *Server) handleReplayDecisionChain(c *gin.Context) {
	result, err := s.chains.Replay(c.Param("id"), s.gates)
	if err != nil {
		fail(c, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
		return
	}
	ok(c, result)
}

type batchReplayRequest struct {
	IDs             []string `json:"ids" binding:"required"`
	MaxConcurrency  int      `json:"max_concurrency"`
	IncludeAnalysis bool     `json:"include_analysis"`
}

func (s *Server) handleBatchReplay(c *gin.Context) {
	var req batchReplayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	result := s.chains.BatchReplay(req.IDs, s.gates, chain.BatchReplayOptions{MaxConcurrency: req.MaxConcurrency})
	ok(c, result)
}

func intQuery(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
