package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mr1hm/go-rescue-dispatch/internal/collector"
	"github.com/mr1hm/go-rescue-dispatch/internal/escalation"
	"github.com/mr1hm/go-rescue-dispatch/internal/events"
	"github.com/mr1hm/go-rescue-dispatch/internal/models"
	"github.com/mr1hm/go-rescue-dispatch/internal/repository"
)

// IncidentService is the slice of the escalation engine the API drives.
type IncidentService interface {
	OpenIncident(ctx context.Context, inc *models.Incident) error
	Cancel(ctx context.Context, incidentID, reason string) error
	MarkInProgress(ctx context.Context, incidentID string) error
	Resolve(ctx context.Context, incidentID string) error
}

// ResponseService records classified responder replies.
type ResponseService interface {
	RecordResponse(ctx context.Context, incidentID, responderID string, ch models.Channel, outcome collector.Outcome) (collector.Result, error)
}

type Store interface {
	repository.IncidentRepository
	repository.ResponderRepository
	repository.AttemptRepository
	repository.AuditRepository
}

type Handler struct {
	store       Store
	engine      IncidentService
	responses   ResponseService
	broadcaster *events.Broadcaster
}

func NewHandler(store Store, engine IncidentService, responses ResponseService, broadcaster *events.Broadcaster) *Handler {
	return &Handler{
		store:       store,
		engine:      engine,
		responses:   responses,
		broadcaster: broadcaster,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/api/incidents", h.createIncident)
	r.GET("/api/incidents", h.listIncidents)
	r.GET("/api/incidents/:id", h.getIncident)
	r.POST("/api/incidents/:id/cancel", h.cancelIncident)
	r.POST("/api/incidents/:id/responses", h.recordResponse)
	r.POST("/api/incidents/:id/progress", h.updateProgress)
	r.GET("/api/incidents/:id/attempts", h.listAttempts)
	r.GET("/api/incidents/:id/audit", h.listAudit)
	r.POST("/api/responders", h.createResponder)
	r.GET("/health", h.health)
	r.GET("/ws/events", h.streamEvents)
}

type createIncidentRequest struct {
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Capabilities []string `json:"capabilities"`
	Urgency      string   `json:"urgency"`
}

func (h *Handler) createIncident(c *gin.Context) {
	var req createIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Latitude < -90 || req.Latitude > 90 || req.Longitude < -180 || req.Longitude > 180 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid coordinates"})
		return
	}
	urgency := models.Urgency(req.Urgency)
	if urgency == "" {
		urgency = models.UrgencyMedium
	}
	if !urgency.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid urgency"})
		return
	}
	if len(req.Capabilities) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one capability required"})
		return
	}

	inc := &models.Incident{
		ID:           uuid.NewString(),
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		Capabilities: req.Capabilities,
		Urgency:      urgency,
		CreatedAt:    time.Now(),
	}
	if err := h.engine.OpenIncident(c.Request.Context(), inc); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create incident"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":     inc.ID,
		"status": inc.Status,
		"level":  inc.Level,
	})
}

func (h *Handler) listIncidents(c *gin.Context) {
	filter := repository.IncidentFilter{
		Limit: 100,
	}

	if s := c.Query("status"); s != "" {
		status := models.IncidentStatus(s)
		filter.Status = &status
	}
	if u := c.Query("urgency"); u != "" {
		urgency := models.Urgency(u)
		if urgency.Valid() {
			filter.Urgency = &urgency
		}
	}
	if s := c.Query("since"); s != "" {
		if t, err := time.Parse("2006-01-02", s); err == nil {
			filter.Since = &t
		}
	}
	if l := c.Query("limit"); l != "" {
		if lim, err := strconv.Atoi(l); err == nil && lim > 0 && lim <= 500 {
			filter.Limit = lim
		}
	}
	if a := c.Query("assigned"); a != "" {
		if assigned, err := strconv.ParseBool(a); err == nil {
			filter.Assigned = &assigned
		}
	}

	incidents, err := h.store.ListIncidents(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch incidents"})
		return
	}

	fc := toGeoJSON(incidents)
	c.Header("Content-Type", "application/geo+json")
	c.JSON(http.StatusOK, fc)
}

func (h *Handler) getIncident(c *gin.Context) {
	inc, err := h.store.GetIncident(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch incident"})
		return
	}
	c.JSON(http.StatusOK, inc)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelIncident(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	err := h.engine.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
	case errors.Is(err, escalation.ErrTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": "incident already ended"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel incident"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": models.IncidentCancelled})
	}
}

type responseRequest struct {
	ResponderID string `json:"responder_id"`
	Channel     string `json:"channel"`
	Outcome     string `json:"outcome"`
}

func (h *Handler) recordResponse(c *gin.Context) {
	var req responseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ch := models.Channel(req.Channel)
	if !ch.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel"})
		return
	}
	outcome := collector.Outcome(req.Outcome)
	if !outcome.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "outcome must be accept or reject"})
		return
	}
	if req.ResponderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "responder_id required"})
		return
	}

	result, err := h.responses.RecordResponse(c.Request.Context(), c.Param("id"), req.ResponderID, ch, outcome)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record response"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

type progressRequest struct {
	Status string `json:"status"`
}

func (h *Handler) updateProgress(c *gin.Context) {
	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var err error
	switch models.IncidentStatus(req.Status) {
	case models.IncidentInProgress:
		err = h.engine.MarkInProgress(c.Request.Context(), c.Param("id"))
	case models.IncidentResolved:
		err = h.engine.Resolve(c.Request.Context(), c.Param("id"))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be in_progress or resolved"})
		return
	}
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

func (h *Handler) listAttempts(c *gin.Context) {
	attempts, err := h.store.ListAttemptsByIncident(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch attempts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

func (h *Handler) listAudit(c *gin.Context) {
	trail, err := h.store.ListAuditByIncident(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch audit trail"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": trail})
}

type createResponderRequest struct {
	Name            string                  `json:"name"`
	Latitude        float64                 `json:"latitude"`
	Longitude       float64                 `json:"longitude"`
	Capabilities    []string                `json:"capabilities"`
	ServiceRadiusKm float64                 `json:"service_radius_km"`
	Score           float64                 `json:"score"`
	Channels        []models.ContactChannel `json:"channels"`
	QuietStart      string                  `json:"quiet_start"`
	QuietEnd        string                  `json:"quiet_end"`
}

func (h *Handler) createResponder(c *gin.Context) {
	var req createResponderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Name == "" || len(req.Capabilities) == 0 || len(req.Channels) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name, capabilities and channels required"})
		return
	}
	for _, contact := range req.Channels {
		if !contact.Channel.Valid() || contact.Address == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contact channel"})
			return
		}
	}

	r := &models.Responder{
		ID:              uuid.NewString(),
		Name:            req.Name,
		Latitude:        req.Latitude,
		Longitude:       req.Longitude,
		Capabilities:    req.Capabilities,
		ServiceRadiusKm: req.ServiceRadiusKm,
		Score:           req.Score,
		Active:          true,
		Channels:        req.Channels,
		QuietStart:      req.QuietStart,
		QuietEnd:        req.QuietEnd,
		CreatedAt:       time.Now(),
	}
	if err := h.store.AddResponder(c.Request.Context(), r); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create responder"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": r.ID})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
