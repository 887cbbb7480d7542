package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fitpay/internal/core"
	"fitpay/internal/dunning"
	"fitpay/internal/types"
)

// DunningHandler exposes the staff-facing dunning operations: escalation,
// manual resolution and the recovery rate metric.
type DunningHandler struct {
	engine    *dunning.Engine
	repo      dunning.Repo
	validator *core.Validator
	logger    *slog.Logger
}

func NewDunningHandler(engine *dunning.Engine, repo dunning.Repo, validator *core.Validator, logger *slog.Logger) *DunningHandler {
	return &DunningHandler{
		engine:    engine,
		repo:      repo,
		validator: validator,
		logger:    logger,
	}
}

func (h *DunningHandler) RegisterRoutes(r chi.Router) {
	r.Route("/v1/dunning", func(r chi.Router) {
		r.Get("/stats", h.Stats)
		r.Get("/{sequenceID}", h.Get)
		r.Post("/{sequenceID}/escalate", h.Escalate)
		r.Post("/{sequenceID}/resolve", h.Resolve)
	})
}

func (h *DunningHandler) sequenceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "sequenceID"))
	if err != nil {
		core.Error(w, h.logger, types.NewAppError(types.ErrCodeValidationInvalidField, "invalid sequence id", err))
		return uuid.Nil, false
	}
	return id, true
}

func (h *DunningHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sequenceID(w, r)
	if !ok {
		return
	}
	seq, err := h.repo.FindByID(r.Context(), id)
	if err != nil {
		core.Error(w, h.logger, err)
		return
	}
	core.JSON(w, http.StatusOK, seq)
}

type escalateRequest struct {
	CSMUserID uuid.UUID `json:"csm_user_id" validate:"required"`
}

func (h *DunningHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sequenceID(w, r)
	if !ok {
		return
	}
	var req escalateRequest
	if err := core.DecodeJSON(r, &req); err != nil {
		core.Error(w, h.logger, err)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		core.Error(w, h.logger, err)
		return
	}

	seq, err := h.engine.EscalateToCSM(r.Context(), id, req.CSMUserID)
	if err != nil {
		core.Error(w, h.logger, err)
		return
	}
	core.JSON(w, http.StatusOK, seq)
}

type resolveRequest struct {
	Notes string `json:"notes,omitempty" validate:"max=2000"`
}

func (h *DunningHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sequenceID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := core.DecodeJSON(r, &req); err != nil {
		core.Error(w, h.logger, err)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		core.Error(w, h.logger, err)
		return
	}

	seq, err := h.engine.ResolveManually(r.Context(), id, req.Notes)
	if err != nil {
		core.Error(w, h.logger, err)
		return
	}
	core.JSON(w, http.StatusOK, seq)
}

func (h *DunningHandler) Stats(w http.ResponseWriter, r *http.Request) {
	rate, total, err := h.engine.RecoveryRate(r.Context())
	if err != nil {
		core.Error(w, h.logger, err)
		return
	}
	core.JSON(w, http.StatusOK, map[string]any{
		"total_sequences": total,
		"recovery_rate":   rate,
	})
}
