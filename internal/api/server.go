// Package api exposes the operator status surface: health, positions,
// portfolio, advice history and on-demand backtests over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/config"
	"github.com/Superandyfre/Openclaw-stock/internal/asset"
	"github.com/Superandyfre/Openclaw-stock/internal/backtest"
	"github.com/Superandyfre/Openclaw-stock/internal/market"
	"github.com/Superandyfre/Openclaw-stock/internal/pipeline"
	"github.com/Superandyfre/Openclaw-stock/internal/position"
)

// Deps are the subsystems the API reads from. Tracker is required; the rest
// degrade to 503 on their endpoints when absent.
type Deps struct {
	Tracker    *position.Tracker
	History    *pipeline.History
	Aliases    *asset.Aliases
	Fetcher    market.Fetcher
	Backtester *backtest.Engine
	Risk       config.RiskConfig
}

// Server is the gin HTTP front end.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	router *gin.Engine
	http   *http.Server
	logger zerolog.Logger
	start  time.Time
}

func NewServer(cfg config.ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if cfg.AllowedOrigins == "*" || cfg.AllowedOrigins == "" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsCfg))

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: router,
		logger: logger.With().Str("component", "api").Logger(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	api.Use(s.authMiddleware())
	{
		api.GET("/positions", s.handlePositions)
		api.GET("/portfolio", s.handlePortfolio)
		api.GET("/trades", s.handleTrades)
		api.GET("/advice/:asset", s.handleAdvice)
		api.POST("/backtest", s.handleBacktest)
	}
}

// Run serves until ctx is cancelled, then drains within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.http.Addr).Msg("api server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.http.Shutdown(sctx)
	}
}

// authMiddleware validates HS256 bearer tokens. An empty secret disables
// auth, for local runs only.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.JWTSecret == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.start).Seconds()),
		"open_positions": s.deps.Tracker.OpenCount(),
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	var filter *asset.Asset
	if id := c.Query("asset"); id != "" && s.deps.Aliases != nil {
		if a, ok := s.deps.Aliases.Resolve(id); ok {
			filter = &a
		}
	}
	views := s.deps.Tracker.Query(filter)

	out := make([]gin.H, 0, len(views))
	for _, v := range views {
		out = append(out, gin.H{
			"id":             v.ID,
			"asset":          v.Asset.ID,
			"class":          v.Asset.Class,
			"side":           v.Side,
			"quantity":       v.QuantityRem,
			"entry_price":    v.EntryPrice,
			"mark_price":     v.MarkPrice,
			"stop_loss":      v.StopLossPrice,
			"take_profit":    v.TakeProfitPrice,
			"unrealized_pnl": v.UnrealizedPnL,
			"unrealized_pct": v.UnrealizedPct,
			"held_seconds":   int(v.HeldFor.Seconds()),
		})
	}
	c.JSON(http.StatusOK, gin.H{"positions": out})
}

func (s *Server) handlePortfolio(c *gin.Context) {
	snap := s.deps.Tracker.Portfolio()
	byClass := make(map[string]gin.H, len(snap.ByClass))
	for class, sum := range snap.ByClass {
		byClass[string(class)] = gin.H{
			"open_count":     sum.OpenCount,
			"notional":       sum.Notional,
			"unrealized_pnl": sum.UnrealizedPnL,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"by_class":     byClass,
		"realized_pnl": snap.TotalPnL,
		"closed_count": snap.ClosedCount,
		"win_rate":     snap.WinRate,
	})
}

func (s *Server) handleTrades(c *gin.Context) {
	trades := s.deps.Tracker.Trades()
	out := make([]gin.H, 0, len(trades))
	for _, t := range trades {
		out = append(out, gin.H{
			"time":         t.Time,
			"position_id":  t.PositionID,
			"asset":        t.Asset.ID,
			"side":         t.Side,
			"kind":         t.Kind,
			"quantity":     t.Quantity,
			"price":        t.Price,
			"cause":        t.Cause,
			"realized_pnl": t.RealizedPnL,
			"fees":         t.Fees,
		})
	}
	c.JSON(http.StatusOK, gin.H{"trades": out})
}

func (s *Server) handleAdvice(c *gin.Context) {
	if s.deps.History == nil || s.deps.Aliases == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "advice history not available"})
		return
	}
	a, ok := s.deps.Aliases.Resolve(c.Param("asset"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown asset"})
		return
	}
	advice, ok := s.deps.History.Latest(a)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no recent advice"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"asset":        advice.Asset.ID,
		"action":       advice.Action,
		"confidence":   advice.Confidence,
		"entry":        advice.Entry,
		"stop_loss":    advice.StopLoss,
		"take_profit":  advice.TakeProfitTiers,
		"reasoning":    advice.Reasoning,
		"source":       advice.Source,
		"strategy":     advice.Strategy,
		"generated_at": advice.GeneratedAt,
	})
}

type backtestRequest struct {
	Asset    string  `json:"asset" binding:"required"`
	Days     int     `json:"days"`
	Capital  float64 `json:"capital"`
	Strategy string  `json:"strategy"`
}

func (s *Server) handleBacktest(c *gin.Context) {
	if s.deps.Backtester == nil || s.deps.Fetcher == nil || s.deps.Aliases == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backtesting not available"})
		return
	}
	var req backtestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, ok := s.deps.Aliases.Resolve(req.Asset)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown asset"})
		return
	}
	if req.Days <= 0 {
		req.Days = 30
	}
	if req.Capital <= 0 {
		req.Capital = 10000
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	series, err := s.deps.Fetcher.Series(ctx, a, market.Width1h, req.Days*24)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("historical data unavailable: %v", err)})
		return
	}

	strategy := pickStrategy(req.Strategy)
	signals := backtest.StrategySignals(series, strategy)
	res, err := s.deps.Backtester.Run(backtest.Input{
		InitialCapital: req.Capital,
		Series:         map[string]market.Series{a.Key(): series},
		Signals:        signals,
		Risk:           s.deps.Risk,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"asset":        a.ID,
		"strategy":     strategy.Name,
		"days":         req.Days,
		"summary":      backtest.Describe(res),
		"final_equity": res.FinalEquity,
		"total_return": res.TotalReturn,
		"win_rate":     res.WinRate,
		"trade_count":  res.TradeCount,
		"sharpe":       res.Sharpe,
		"max_drawdown": res.MaxDrawdown,
		"exit_causes":  res.ExitCauses,
	})
}

func pickStrategy(name string) pipeline.Strategy {
	strategies := pipeline.DefaultStrategies(nil)
	for _, st := range strategies {
		if strings.EqualFold(st.Name, name) {
			return st
		}
	}
	return strategies[0]
}
