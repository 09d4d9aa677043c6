package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nandanugg/marker-tracker/module/core/domain"
	"github.com/nandanugg/marker-tracker/module/core/service"
)

type markerService interface {
	ListMarkers(ctx context.Context) ([]domain.Marker, error)
	GetMarker(ctx context.Context, id int64) (*domain.Marker, error)
	CreateMarker(ctx context.Context, in service.CreateMarkerInput) (*domain.Marker, error)
	UpdateMarker(ctx context.Context, id int64, upd domain.MarkerUpdate) (*domain.Marker, error)
	DeleteMarker(ctx context.Context, id int64) error
	ListImages(ctx context.Context, markerID int64) ([]domain.MarkerImage, error)
	AddImage(ctx context.Context, markerID int64, uri string) (*domain.MarkerImage, error)
	UploadImage(ctx context.Context, markerID int64, name string, r io.Reader, size int64, contentType string) (*domain.MarkerImage, error)
	DeleteImage(ctx context.Context, markerID, imageID int64) error
}

type proximityController interface {
	States() []domain.ProximityState
	Status() service.SupervisorStatus
	Resubscribe() (bool, error)
}

type createMarkerRequest struct {
	Latitude    *float64 `json:"latitude" binding:"required"`
	Longitude   *float64 `json:"longitude" binding:"required"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
}

type updateMarkerRequest struct {
	Title       *string  `json:"title"`
	Description *string  `json:"description"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
}

type addImageRequest struct {
	URI string `json:"uri" binding:"required"`
}

type markerResponse struct {
	ID          int64   `json:"id"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Address     string  `json:"address"`
	CreatedAt   int64   `json:"created_at"`
}

type proximityResponse struct {
	MarkerID       int64   `json:"marker_id"`
	Active         bool    `json:"active"`
	DistanceMeters float64 `json:"distance_m"`
	LastNotifiedAt int64   `json:"last_notified_at,omitempty"`
}

type subscriptionResponse struct {
	State     service.SupervisorState `json:"state"`
	LastError string                  `json:"last_error,omitempty"`
}

type MarkerHandler struct {
	markerSvc markerService
	proximity proximityController
}

func NewMarkerHandler(markerSvc markerService, proximity proximityController) *MarkerHandler {
	return &MarkerHandler{markerSvc: markerSvc, proximity: proximity}
}

func (h *MarkerHandler) Register(r *gin.RouterGroup) {
	r.GET("/markers", h.ListMarkers)
	r.POST("/markers", h.CreateMarker)
	r.GET("/markers/:id", h.GetMarker)
	r.PUT("/markers/:id", h.UpdateMarker)
	r.DELETE("/markers/:id", h.DeleteMarker)
	r.GET("/markers/:id/images", h.ListImages)
	r.POST("/markers/:id/images", h.AddImage)
	r.DELETE("/markers/:id/images/:image_id", h.DeleteImage)
	r.GET("/proximity", h.GetProximity)
	r.GET("/proximity/subscription", h.GetSubscription)
	r.POST("/proximity/subscribe", h.Resubscribe)
}

func (h *MarkerHandler) ListMarkers(c *gin.Context) {
	markers, err := h.markerSvc.ListMarkers(c.Request.Context())
	if err != nil {
		writeError(c, err, "failed to fetch markers")
		return
	}

	results := make([]markerResponse, len(markers))
	for i := range markers {
		results[i] = toMarkerResponse(&markers[i])
	}
	c.JSON(http.StatusOK, results)
}

func (h *MarkerHandler) GetMarker(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	m, err := h.markerSvc.GetMarker(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, "failed to fetch marker")
		return
	}
	c.JSON(http.StatusOK, toMarkerResponse(m))
}

func (h *MarkerHandler) CreateMarker(c *gin.Context) {
	var req createMarkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	m, err := h.markerSvc.CreateMarker(c.Request.Context(), service.CreateMarkerInput{
		Latitude:    *req.Latitude,
		Longitude:   *req.Longitude,
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		writeError(c, err, "failed to create marker")
		return
	}
	c.JSON(http.StatusCreated, toMarkerResponse(m))
}

func (h *MarkerHandler) UpdateMarker(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req updateMarkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	m, err := h.markerSvc.UpdateMarker(c.Request.Context(), id, domain.MarkerUpdate{
		Title:       req.Title,
		Description: req.Description,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
	})
	if err != nil {
		writeError(c, err, "failed to update marker")
		return
	}
	c.JSON(http.StatusOK, toMarkerResponse(m))
}

func (h *MarkerHandler) DeleteMarker(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.markerSvc.DeleteMarker(c.Request.Context(), id); err != nil {
		writeError(c, err, "failed to delete marker")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MarkerHandler) ListImages(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	images, err := h.markerSvc.ListImages(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, "failed to fetch images")
		return
	}
	c.JSON(http.StatusOK, images)
}

// AddImage accepts either a JSON body with an existing uri or a multipart
// upload in the "file" field.
func (h *MarkerHandler) AddImage(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		h.uploadImage(c, id)
		return
	}

	var req addImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	img, err := h.markerSvc.AddImage(c.Request.Context(), id, req.URI)
	if err != nil {
		writeError(c, err, "failed to add image")
		return
	}
	c.JSON(http.StatusCreated, img)
}

func (h *MarkerHandler) uploadImage(c *gin.Context, markerID int64) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer func() { _ = f.Close() }()

	img, err := h.markerSvc.UploadImage(c.Request.Context(), markerID, fh.Filename, f, fh.Size, fh.Header.Get("Content-Type"))
	if err != nil {
		writeError(c, err, "failed to upload image")
		return
	}
	c.JSON(http.StatusCreated, img)
}

func (h *MarkerHandler) DeleteImage(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	imageID, ok := pathID(c, "image_id")
	if !ok {
		return
	}

	if err := h.markerSvc.DeleteImage(c.Request.Context(), id, imageID); err != nil {
		writeError(c, err, "failed to delete image")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MarkerHandler) GetProximity(c *gin.Context) {
	states := h.proximity.States()

	results := make([]proximityResponse, len(states))
	for i, st := range states {
		results[i] = proximityResponse{
			MarkerID:       st.MarkerID,
			Active:         st.Active,
			DistanceMeters: st.LastDistance,
		}
		if !st.LastNotifiedAt.IsZero() {
			results[i].LastNotifiedAt = st.LastNotifiedAt.Unix()
		}
	}
	c.JSON(http.StatusOK, results)
}

func (h *MarkerHandler) GetSubscription(c *gin.Context) {
	c.JSON(http.StatusOK, toSubscriptionResponse(h.proximity.Status()))
}

// Resubscribe asks for location access again after a refusal. It answers 202
// when a new attempt was started and 200 when alerts are already running.
func (h *MarkerHandler) Resubscribe(c *gin.Context) {
	started, err := h.proximity.Resubscribe()
	if errors.Is(err, service.ErrProximityStopped) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		writeError(c, err, "failed to resubscribe")
		return
	}

	status := http.StatusOK
	if started {
		status = http.StatusAccepted
	}
	c.JSON(status, toSubscriptionResponse(h.proximity.Status()))
}

func toSubscriptionResponse(st service.SupervisorStatus) subscriptionResponse {
	return subscriptionResponse{State: st.State, LastError: st.LastError}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name + " parameter"})
		return 0, false
	}
	return id, true
}

func writeError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, domain.ErrInvalidMarker):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUploadDisabled):
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
	default:
		slog.Error(msg, "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

func toMarkerResponse(m *domain.Marker) markerResponse {
	return markerResponse{
		ID:          m.ID,
		Latitude:    m.Latitude,
		Longitude:   m.Longitude,
		Title:       m.Title,
		Description: m.Description,
		Address:     m.Address,
		CreatedAt:   m.CreatedAt.Unix(),
	}
}
