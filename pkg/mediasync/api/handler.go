// Package api exposes the media pipeline over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/tendant/simple-media-sync/pkg/mediasync"
	"github.com/tendant/simple-media-sync/pkg/mediasync/progress"
	"github.com/tendant/simple-media-sync/pkg/mediasync/worker"
	"go.uber.org/zap"
)

const defaultJobLimit = 50

// Handler serves owner, job and conflict endpoints
type Handler struct {
	service mediasync.Service
	logger  *zap.Logger
}

func NewHandler(service mediasync.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service: service,
		logger:  logger.Named("api"),
	}
}

// Routes returns the router for the media sync endpoints
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(h.logger))
	r.Use(RecoveryMiddleware(h.logger))
	r.Use(RequestSizeLimitMiddleware(maxBodyBytes))

	r.Get("/destinations", h.ListDestinations)
	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{job_id}", h.GetJob)
	r.Post("/assets/{asset_id}/verify/{shop_id}", h.VerifySync)
	r.Route("/owners/{owner_type}/{owner_id}", func(r chi.Router) {
		r.Get("/assets", h.ListAssets)
		r.Put("/primary/{asset_id}", h.SetPrimary)
		r.Post("/intake", h.Intake)
		r.Post("/push/{shop_id}", h.Push)
		r.Post("/pull/{shop_id}", h.Pull)
		r.Get("/conflict", h.GetConflict)
		r.Post("/conflict/resolve", h.ResolveConflict)
	})
	return r
}

// IntakeBody is the request body of the intake endpoint
type IntakeBody struct {
	JobID    string   `json:"job_id,omitempty"`
	TempKeys []string `json:"temp_keys"`
	ActorID  string   `json:"actor_id,omitempty"`
}

// PushBody is the request body of the push endpoint
type PushBody struct {
	JobID    string   `json:"job_id,omitempty"`
	AssetIDs []string `json:"asset_ids,omitempty"`
}

// PullBody is the request body of the pull endpoint
type PullBody struct {
	JobID string `json:"job_id,omitempty"`
}

// JobAccepted is returned when a stage has been queued
type JobAccepted struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
}

type owner struct {
	Type string
	ID   uuid.UUID
}

func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (owner, bool) {
	ownerType := chi.URLParam(r, "owner_type")
	ownerID, err := uuid.Parse(chi.URLParam(r, "owner_id"))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "Invalid owner ID")
		return owner{}, false
	}
	return owner{Type: ownerType, ID: ownerID}, true
}

// decode reads an optional JSON body; an empty body leaves v untouched
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// runInline reports whether the caller asked to wait for the stage result
func runInline(r *http.Request) bool {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return wait
}

// Intake persists uploaded temp files for an owner
func (h *Handler) Intake(w http.ResponseWriter, r *http.Request) {
	o, ok := h.owner(w, r)
	if !ok {
		return
	}
	var body IntakeBody
	if err := decode(r, &body); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.TempKeys) == 0 {
		h.writeError(w, r, http.StatusBadRequest, "temp_keys is required")
		return
	}
	req := mediasync.IntakeRequest{
		JobID:     body.JobID,
		OwnerType: o.Type,
		OwnerID:   o.ID,
		TempKeys:  body.TempKeys,
		ActorID:   body.ActorID,
	}

	if runInline(r) {
		result, err := h.service.RunIntake(r.Context(), req)
		if err != nil {
			h.writeServiceError(w, r, "intake", err)
			return
		}
		render.JSON(w, r, result)
		return
	}
	jobID, err := h.service.ScheduleIntake(r.Context(), req)
	h.accepted(w, r, "intake", jobID, err)
}

// Push sends an owner's assets to a shop
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	o, ok := h.owner(w, r)
	if !ok {
		return
	}
	var body PushBody
	if err := decode(r, &body); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req := mediasync.PushRequest{
		JobID:         body.JobID,
		OwnerType:     o.Type,
		OwnerID:       o.ID,
		DestinationID: mediasync.DestinationID(chi.URLParam(r, "shop_id")),
	}
	for _, s := range body.AssetIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "Invalid asset ID: "+s)
			return
		}
		req.AssetIDs = append(req.AssetIDs, id)
	}

	if runInline(r) {
		result, err := h.service.RunPush(r.Context(), req)
		if err != nil {
			h.writeServiceError(w, r, "push", err)
			return
		}
		render.JSON(w, r, result)
		return
	}
	jobID, err := h.service.SchedulePush(r.Context(), req)
	h.accepted(w, r, "push", jobID, err)
}

// Pull imports an owner's images from a shop
func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	o, ok := h.owner(w, r)
	if !ok {
		return
	}
	var body PullBody
	if err := decode(r, &body); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req := mediasync.PullRequest{
		JobID:         body.JobID,
		OwnerType:     o.Type,
		OwnerID:       o.ID,
		DestinationID: mediasync.DestinationID(chi.URLParam(r, "shop_id")),
	}

	if runInline(r) {
		result, err := h.service.RunPull(r.Context(), req)
		if err != nil {
			h.writeServiceError(w, r, "pull", err)
			return
		}
		render.JSON(w, r, result)
		return
	}
	jobID, err := h.service.SchedulePull(r.Context(), req)
	h.accepted(w, r, "pull", jobID, err)
}

func (h *Handler) accepted(w http.ResponseWriter, r *http.Request, op, jobID string, err error) {
	if err != nil {
		h.writeServiceError(w, r, op, err)
		return
	}
	h.logger.Info("job queued", zap.String("op", op), zap.String("job_id", jobID))
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, JobAccepted{JobID: jobID, Status: "queued"})
}

// ListAssets returns an owner's active assets in display order
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	o, ok := h.owner(w, r)
	if !ok {
		return
	}
	assets, err := h.service.ListAssets(r.Context(), o.Type, o.ID)
	if err != nil {
		h.writeServiceError(w, r, "list_assets", err)
		return
	}
	render.JSON(w, r, assets)
}

// SetPrimary makes one asset the owner's primary image
func (h *Handler) SetPrimary(w http.ResponseWriter, r *http.Request) {
	o, ok := h.owner(w, r)
	if !ok {
		return
	}
	assetID, err := uuid.Parse(chi.URLParam(r, "asset_id"))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "Invalid asset ID")
		return
	}
	if err := h.service.SetPrimary(r.Context(), o.Type, o.ID, assetID); err != nil {
		h.writeServiceError(w, r, "set_primary", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VerifySync checks an asset's remote image against the shop
func (h *Handler) VerifySync(w http.ResponseWriter, r *http.Request) {
	assetID, err := uuid.Parse(chi.URLParam(r, "asset_id"))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "Invalid asset ID")
		return
	}
	result, err := h.service.VerifySync(r.Context(), assetID, mediasync.DestinationID(chi.URLParam(r, "shop_id")))
	if err != nil {
		h.writeServiceError(w, r, "verify_sync", err)
		return
	}
	render.JSON(w, r, result)
}

// GetConflict returns the owner's recorded shop conflict
func (h *Handler) GetConflict(w http.ResponseWriter, r *http.Request) {
	o, ok := h.owner(w, r)
	if !ok {
		return
	}
	conflict, err := h.service.GetConflict(r.Context(), o.Type, o.ID)
	if err != nil {
		h.writeServiceError(w, r, "get_conflict", err)
		return
	}
	render.JSON(w, r, conflict)
}

// ResolveConflict marks the owner's conflict as resolved
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	o, ok := h.owner(w, r)
	if !ok {
		return
	}
	conflict, err := h.service.ResolveConflict(r.Context(), o.Type, o.ID)
	if err != nil {
		h.writeServiceError(w, r, "resolve_conflict", err)
		return
	}
	render.JSON(w, r, conflict)
}

// GetJob returns one progress record
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.GetProgress(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		h.writeServiceError(w, r, "get_job", err)
		return
	}
	render.JSON(w, r, record)
}

// ListJobs returns recent progress records, newest first
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.writeError(w, r, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	records, err := h.service.ListJobs(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, "list_jobs", err)
		return
	}
	if records == nil {
		records = []*progress.Record{}
	}
	render.JSON(w, r, records)
}

// ListDestinations returns the registered shops
func (h *Handler) ListDestinations(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.Destinations())
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("op", op), zap.Int("status", status), zap.Error(err))
	}
	h.writeError(w, r, status, err.Error())
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, mediasync.ErrOwnerNotFound),
		errors.Is(err, mediasync.ErrDestinationNotFound),
		errors.Is(err, mediasync.ErrAssetNotFound),
		errors.Is(err, mediasync.ErrConflictNotFound),
		errors.Is(err, progress.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, mediasync.ErrOwnerNotMapped),
		errors.Is(err, mediasync.ErrDestinationInactive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, worker.ErrQueueFull),
		errors.Is(err, worker.ErrPoolClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
