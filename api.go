package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// APIServer handles HTTP requests for route preparation and voting
type APIServer struct {
	service *SafetyService
	store   RecordStore
	config  *Config
	router  *gin.Engine
}

// SimplifyRequest represents a route simplification request
type SimplifyRequest struct {
	Polyline          []Point  `json:"polyline" binding:"required"`
	Profile           string   `json:"profile"`
	DistanceThreshold *float64 `json:"distanceThreshold"`
	AngleThreshold    *float64 `json:"angleThreshold"`
	Radius            float64  `json:"radius"`
	Enrich            bool     `json:"enrich"`
}

// VoteRequest represents a single vote
type VoteRequest struct {
	Lat  *float64 `json:"lat" binding:"required"`
	Lng  *float64 `json:"lng" binding:"required"`
	Vote string   `json:"vote" binding:"required"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error      string   `json:"error"`
	Step       string   `json:"step,omitempty"`
	CreatedIDs []string `json:"createdIds,omitempty"`
	GeometryID string   `json:"geometryId,omitempty"`
}

// NewAPIServer creates a new API server
func NewAPIServer(service *SafetyService, store RecordStore, config *Config) *APIServer {
	s := &APIServer{
		service: service,
		store:   store,
		config:  config,
	}
	s.router = s.routes()
	return s
}

func (s *APIServer) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(MetricsHandler()))

	api := r.Group("/api")
	api.POST("/routes/simplify", s.handleSimplify)
	api.POST("/votes", s.handleVote)
	api.GET("/score", s.handleScore)
	api.GET("/nearby", s.handleNearby)
	api.GET("/overlay", s.handleOverlay)
	api.GET("/verify", s.handleVerify)

	return r
}

// Handler returns the HTTP handler for the API
func (s *APIServer) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is cancelled
func (s *APIServer) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting API server", "port", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down API server: %w", err)
		}
		s.service.Wait()
		return nil
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// handleHealth handles GET /health
func (s *APIServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"store":  s.config.Service.Store,
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleSimplify handles POST /api/routes/simplify
func (s *APIServer) handleSimplify(c *gin.Context) {
	var req SimplifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	plan, err := s.service.PrepareRoute(c.Request.Context(), RouteRequest{
		Polyline:          req.Polyline,
		Profile:           req.Profile,
		DistanceThreshold: req.DistanceThreshold,
		AngleThreshold:    req.AngleThreshold,
		Radius:            req.Radius,
		Enrich:            req.Enrich,
	})
	if err != nil {
		var unknown *UnknownProfileError
		if errors.As(err, &unknown) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		slog.Error("route preparation failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, plan)
}

// handleVote handles POST /api/votes
func (s *APIServer) handleVote(c *gin.Context) {
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	vote, err := ParseVoteDirection(req.Vote)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	location := Point{Lat: *req.Lat, Lng: *req.Lng}
	if err := location.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	result, err := s.service.Vote(c.Request.Context(), location, vote)
	if err != nil {
		writeVoteError(c, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

func writeVoteError(c *gin.Context, err error) {
	var inconsistent *LookupInconsistencyError
	var partial *PartialCreateError

	switch {
	case errors.As(err, &inconsistent):
		slog.Warn("vote dropped", "error", err)
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:      err.Error(),
			GeometryID: inconsistent.GeometryID,
		})
	case errors.As(err, &partial):
		slog.Error("vote location partially created", "step", partial.Step, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:      err.Error(),
			Step:       partial.Step,
			CreatedIDs: partial.CreatedIDs(),
		})
	default:
		slog.Error("vote failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

// handleScore handles GET /api/score?lat=&lng=
func (s *APIServer) handleScore(c *gin.Context) {
	location, ok := queryPoint(c)
	if !ok {
		return
	}

	score, err := s.service.CurrentScore(c.Request.Context(), location)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"location": location,
		"score":    score,
		"color":    ColorHex(ScoreColor(score)),
	})
}

// handleNearby handles GET /api/nearby?lat=&lng=&radius=
func (s *APIServer) handleNearby(c *gin.Context) {
	location, ok := queryPoint(c)
	if !ok {
		return
	}
	var radius float64
	if raw := c.Query("radius"); raw != "" {
		r, err := strconv.ParseFloat(raw, 64)
		if err != nil || r <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "radius must be a positive number"})
			return
		}
		radius = r
	}

	ctx := c.Request.Context()
	segments, err := s.service.Nearby(ctx, location, radius)
	if err != nil {
		var fetchErr *EnrichmentFetchError
		if errors.As(err, &fetchErr) {
			c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	score, err := s.service.CurrentScore(ctx, location)
	if err != nil {
		slog.Warn("score lookup failed, colouring as neutral", "location", location, "error", err)
		score = 0
	}
	c.JSON(http.StatusOK, SegmentFeatures(segments, score))
}

// handleOverlay handles GET /api/overlay
func (s *APIServer) handleOverlay(c *gin.Context) {
	fc, err := s.service.Overlay(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, fc)
}

// handleVerify handles GET /api/verify
func (s *APIServer) handleVerify(c *gin.Context) {
	report, err := VerifyStore(c.Request.Context(), s.store, s.config.Service.PerPage, s.config.Service.MaxPages)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func queryPoint(c *gin.Context) (Point, bool) {
	p, err := ParsePoint(c.Query("lat") + "," + c.Query("lng"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return Point{}, false
	}
	return p, true
}
