package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/fleet-relay/internal/audit"
	"github.com/xela07ax/fleet-relay/internal/domain"
	"github.com/xela07ax/fleet-relay/internal/engine"
)

// DeploymentService операции оркестратора, нужные API
type DeploymentService interface {
	Create(ctx context.Context, req engine.CreateRequest) (*domain.Deployment, error)
	Get(ctx context.Context, id string) (*domain.Deployment, error)
	List(ctx context.Context, limit int) ([]domain.Deployment, error)
	GetProgress(ctx context.Context, id string) (*engine.Progress, error)
	RetryFailed(ctx context.Context, id string, deviceIDs []string) ([]string, error)
}

// EventLog журнал попыток
type EventLog interface {
	ListEvents(ctx context.Context, deploymentID string) ([]audit.Event, error)
}

type DeploymentHandler struct {
	service DeploymentService
	events  EventLog
	logger  *zap.Logger
}

func NewDeploymentHandler(s DeploymentService, events EventLog, logger *zap.Logger) *DeploymentHandler {
	return &DeploymentHandler{service: s, events: events, logger: logger.Named("deployments")}
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type createResponse struct {
	DeploymentID string   `json:"deployment_id"`
	Devices      []string `json:"target_device_ids"`
}

type retryRequest struct {
	DeviceIDs []string `json:"device_ids"`
}

type retryResponse struct {
	DeploymentID string   `json:"deployment_id"`
	Retried      []string `json:"retried"`
}

// Create POST /v1/deployments
func (h *DeploymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	d, err := h.service.Create(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{DeploymentID: d.ID, Devices: d.TargetDeviceIDs})
}

// List GET /v1/deployments?limit=
func (h *DeploymentHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	list, err := h.service.List(r.Context(), limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if list == nil {
		list = []domain.Deployment{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Get GET /v1/deployments/{id}
func (h *DeploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Progress GET /v1/deployments/{id}/progress
func (h *DeploymentHandler) Progress(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetProgress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Retry POST /v1/deployments/{id}/retry, тело опционально: {device_ids: [...]}
func (h *DeploymentHandler) Retry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		if err := decodeBody(r.Body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
			return
		}
	}

	id := chi.URLParam(r, "id")
	retried, err := h.service.RetryFailed(r.Context(), id, req.DeviceIDs)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, retryResponse{DeploymentID: id, Retried: retried})
}

// Events GET /v1/deployments/{id}/events
func (h *DeploymentHandler) Events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.service.Get(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	events, err := h.events.ListEvents(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// decodeBody пустое тело допустимо
func decodeBody(body io.Reader, v interface{}) error {
	err := jsonDecode(body, v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
