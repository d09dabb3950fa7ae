// Package server exposes the provisioning API: node enrollment, deploy
// start, the ramdisk deploy callback and teardown, plus health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"metaldeployd/internal/metrics"
	"metaldeployd/internal/nodestore"
	"metaldeployd/internal/provision"
)

// Handler serves the node provisioning API.
type Handler struct {
	store *nodestore.Store
	coord *provision.Coordinator
	log   zerolog.Logger
}

func NewHandler(store *nodestore.Store, coord *provision.Coordinator, log zerolog.Logger) *Handler {
	return &Handler{
		store: store,
		coord: coord,
		log:   log.With().Str("component", "api").Logger(),
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(zerologMiddleware(h.log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"ok": true, "version": metrics.Version})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/nodes", func(r chi.Router) {
		r.Post("/", h.EnrollNode)
		r.Get("/", h.ListNodes)
		r.Get("/{uuid}", h.GetNode)
		r.Delete("/{uuid}", h.TearDownNode)
		r.Post("/{uuid}/deploy", h.StartDeploy)
		r.Post("/{uuid}/deploy-callback", h.DeployCallback)
	})

	return r
}

type enrollRequest struct {
	UUID     string                 `json:"uuid"`
	MAC      string                 `json:"mac"`
	Instance nodestore.InstanceInfo `json:"instance"`
	Driver   nodestore.DriverInfo   `json:"driver"`
}

type nodeResponse struct {
	UUID           string                 `json:"uuid"`
	MAC            string                 `json:"mac"`
	ProvisionState string                 `json:"provision_state"`
	PowerState     string                 `json:"power_state"`
	LastError      string                 `json:"last_error,omitempty"`
	Instance       nodestore.InstanceInfo `json:"instance"`
	Driver         nodestore.DriverInfo   `json:"driver"`
}

func toResponse(n *nodestore.Node) nodeResponse {
	return nodeResponse{
		UUID:           n.UUID,
		MAC:            n.MAC,
		ProvisionState: string(n.ProvisionState),
		PowerState:     string(n.PowerState),
		LastError:      n.LastError,
		Instance:       n.Instance,
		Driver:         n.Driver,
	}
}

func (h *Handler) EnrollNode(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "malformed JSON body")
		return
	}
	if req.UUID == "" {
		req.UUID = uuid.NewString()
	} else if _, err := uuid.Parse(req.UUID); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_uuid", "uuid is not a valid UUID")
		return
	}
	n := &nodestore.Node{
		UUID:           req.UUID,
		MAC:            req.MAC,
		ProvisionState: nodestore.StateAvailable,
		PowerState:     nodestore.PowerOff,
		Instance:       req.Instance,
		Driver:         req.Driver,
	}
	if err := h.store.Create(n); err != nil {
		h.log.Error().Err(err).Str("node", n.UUID).Msg("enrolling node")
		respondError(w, http.StatusConflict, "enroll_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, toResponse(n))
}

func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	uuids, err := h.store.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if uuids == nil {
		uuids = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"nodes": uuids})
}

func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.Get(chi.URLParam(r, "uuid"))
	if errors.Is(err, nodestore.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", "no such node")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, toResponse(n))
}

// StartDeploy stages the node's boot artifacts and parks it waiting for the
// ramdisk callback. The staging can download images, so the work runs in the
// background and the request returns immediately.
func (h *Handler) StartDeploy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	if _, err := h.store.Get(id); errors.Is(err, nodestore.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", "no such node")
		return
	} else if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	// Detached from the request context; the staging must outlive it.
	go func() {
		if err := h.coord.Deploy(context.Background(), id); err != nil {
			h.log.Error().Err(err).Str("node", id).Msg("deploy preparation failed")
		}
	}()
	respondJSON(w, http.StatusAccepted, map[string]any{"uuid": id, "status": "deploying"})
}

func (h *Handler) DeployCallback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	var params provision.CallbackParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "malformed JSON body")
		return
	}

	err := h.coord.ContinueDeploy(r.Context(), id, params)
	var ipe *provision.InvalidParameterError
	switch {
	case errors.Is(err, nodestore.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", "no such node")
	case errors.As(err, &ipe):
		respondError(w, http.StatusBadRequest, "invalid_parameter", ipe.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, "deploy_failed", err.Error())
	default:
		respondJSON(w, http.StatusOK, map[string]any{"uuid": id, "status": "ok"})
	}
}

func (h *Handler) TearDownNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	err := h.coord.TearDown(r.Context(), id)
	if errors.Is(err, nodestore.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", "no such node")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "teardown_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"uuid": id, "status": "deleted"})
}
