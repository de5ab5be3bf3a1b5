// Package api exposes the marketplace over HTTP. Authentication happens
// upstream; the caller's user id arrives in the X-User-ID header.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AkshatSharma555/EngiVerse-App-sub000/internal/marketplace"
	"github.com/AkshatSharma555/EngiVerse-App-sub000/internal/query"
	"github.com/AkshatSharma555/EngiVerse-App-sub000/pkg/market"
)

// UserHeader carries the authenticated caller's user id.
const UserHeader = "X-User-ID"

const userKey = "user_id"

// Handler serves the marketplace API
type Handler struct {
	engine *marketplace.Engine
	tasks  *marketplace.TaskManager
	offers *marketplace.OfferManager
	query  *query.Service
	events *marketplace.Broadcaster
	health func(ctx context.Context) error
}

// NewHandler creates a new API handler. health reports whether the store is
// reachable; events may be nil when no stream is offered.
func NewHandler(engine *marketplace.Engine, queries *query.Service, events *marketplace.Broadcaster, health func(ctx context.Context) error) *Handler {
	return &Handler{
		engine: engine,
		tasks:  marketplace.NewTaskManager(engine),
		offers: marketplace.NewOfferManager(engine),
		query:  queries,
		events: events,
		health: health,
	}
}

// Router builds a gin engine with every route registered.
func (h *Handler) Router(debug bool) *gin.Engine {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers API routes
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/tasks", h.handleListOpenTasks)
	api.GET("/tasks/:id", h.handleGetTask)
	api.GET("/tasks/:id/offers", h.handleListOffers)
	api.GET("/events", h.handleEvents)
	api.GET("/stats", h.handleStats)

	authed := api.Group("", requireUser())
	authed.POST("/tasks", h.handleCreateTask)
	authed.POST("/tasks/:id/offers", h.handleSubmitOffer)
	authed.POST("/tasks/:id/accept", h.handleAcceptOffer)
	authed.POST("/tasks/:id/complete", h.handleCompleteTask)
	authed.GET("/me/tasks", h.handleMyTasks)
	authed.GET("/me/wallet", h.handleWallet)
}

type createTaskRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Skills      []string `json:"skills"`
	Bounty      int64    `json:"bounty"`
}

type submitOfferRequest struct {
	Message string `json:"message"`
}

type acceptOfferRequest struct {
	OfferID string `json:"offer_id"`
}

func (h *Handler) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	// Posters get a wallet on first use, so an unfunded poster is told to
	// deposit rather than that they do not exist.
	posterID := c.GetString(userKey)
	if err := h.engine.Ledger().OpenAccount(c.Request.Context(), posterID); err != nil {
		writeError(c, err)
		return
	}

	task, err := h.tasks.CreateTask(c.Request.Context(), posterID, market.TaskDraft{
		Title:       req.Title,
		Description: req.Description,
		Skills:      req.Skills,
		Bounty:      market.Coins(req.Bounty),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, task)
}

func (h *Handler) handleListOpenTasks(c *gin.Context) {
	limit, ok := intQuery(c, "limit")
	if !ok {
		return
	}

	page, err := h.query.OpenTasks(c.Request.Context(), limit, c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

func (h *Handler) handleGetTask(c *gin.Context) {
	task, err := h.query.Task(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, task)
}

func (h *Handler) handleSubmitOffer(c *gin.Context) {
	var req submitOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	offer, err := h.offers.SubmitOffer(c.Request.Context(), c.Param("id"), c.GetString(userKey), req.Message)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, offer)
}

func (h *Handler) handleListOffers(c *gin.Context) {
	var (
		offers []*market.Offer
		err    error
	)
	if c.Query("fresh") == "true" {
		offers, err = h.query.OffersFresh(c.Request.Context(), c.Param("id"))
	} else {
		offers, err = h.query.Offers(c.Request.Context(), c.Param("id"))
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"offers": offers})
}

func (h *Handler) handleAcceptOffer(c *gin.Context) {
	var req acceptOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.OfferID == "" {
		writeError(c, fmt.Errorf("offer_id is required: %w", marketplace.ErrValidation))
		return
	}

	task, err := h.engine.AcceptOffer(c.Request.Context(), c.Param("id"), c.GetString(userKey), req.OfferID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, task)
}

func (h *Handler) handleCompleteTask(c *gin.Context) {
	completion, err := h.engine.CompleteTask(c.Request.Context(), c.Param("id"), c.GetString(userKey))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, completion)
}

func (h *Handler) handleMyTasks(c *gin.Context) {
	mine, err := h.query.MyTasks(c.Request.Context(), c.GetString(userKey))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, mine)
}

func (h *Handler) handleWallet(c *gin.Context) {
	limit, ok := intQuery(c, "limit")
	if !ok {
		return
	}

	wallet, err := h.query.Wallet(c.Request.Context(), c.GetString(userKey), limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, wallet)
}

func (h *Handler) handleStats(c *gin.Context) {
	stats, err := h.query.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (h *Handler) handleHealth(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// handleEvents streams marketplace events via SSE
func (h *Handler) handleEvents(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusNotFound, errorBody("not_found", "event stream not configured"))
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch, history, cleanup := h.events.Subscribe()
	defer cleanup()

	// Send history
	for _, event := range history {
		if err := writeEvent(w, event); err != nil {
			return
		}
	}
	w.Flush()

	// Create a ticker to keep connection alive
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, event); err != nil {
				return
			}
			w.Flush()
		case <-ticker.C:
			// Keepalive comment
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				return
			}
			w.Flush()
		}
	}
}

func writeEvent(w gin.ResponseWriter, event market.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}

func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(UserHeader)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthenticated", UserHeader+" header is required"))
			return
		}
		c.Set(userKey, userID)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"user_id", c.GetString(userKey),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func intQuery(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, errorBody("validation", fmt.Sprintf("%s must be a non-negative integer", key)))
		return 0, false
	}
	return n, true
}
