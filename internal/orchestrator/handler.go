package orchestrator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"vision-orchestrator/internal/pipeline"
	"vision-orchestrator/internal/platform/metrics"
	"vision-orchestrator/internal/telemetry"

	"github.com/go-chi/chi/v5"
)

// Handler exposes orchestrator HTTP endpoints using go-chi.
type Handler struct {
	orch    *Orchestrator
	sampler *telemetry.Sampler
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler over the given Orchestrator, Sampler, Logger,
// and optional Metrics. Metrics may be nil to disable metric recording
// (e.g. in tests).
func NewHandler(orch *Orchestrator, sampler *telemetry.Sampler, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{orch: orch, sampler: sampler, log: log, metrics: m}
}

type selectRequest struct {
	Pipeline string `json:"pipeline"`
}

// SelectPipeline handles PUT /slots/{slot}/pipeline.
// Body: { "pipeline": "pose-detection" }; an empty name clears the slot.
func (h *Handler) SelectPipeline(w http.ResponseWriter, r *http.Request) {
	slot, err := pipeline.ParseSlot(chi.URLParam(r, "slot"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid selection body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.orch.Select(slot, pipeline.ID(req.Pipeline)); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrUnknownTemplate):
			h.log.Info("selection rejected unknown pipeline",
				slog.String("slot", slot.String()),
				slog.String("pipeline", req.Pipeline))
			w.WriteHeader(http.StatusNotFound)
			return
		case errors.Is(err, pipeline.ErrGeometryMismatch):
			h.log.Info("selection rejected geometry mismatch",
				slog.String("slot", slot.String()),
				slog.String("pipeline", req.Pipeline),
				slog.String("error", err.Error()))
			w.WriteHeader(http.StatusConflict)
			return
		default:
			h.log.Error("selection failed", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	h.log.Debug("pipeline selected",
		slog.String("slot", slot.String()),
		slog.String("pipeline", req.Pipeline))
	w.WriteHeader(http.StatusOK)
	if h.metrics != nil && req.Pipeline != "" {
		h.metrics.IncPipelineStarts()
	}
}

// ClearPipeline handles DELETE /slots/{slot}/pipeline.
func (h *Handler) ClearPipeline(w http.ResponseWriter, r *http.Request) {
	slot, err := pipeline.ParseSlot(chi.URLParam(r, "slot"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.orch.Select(slot, ""); err != nil {
		h.log.Error("clear failed", slog.String("slot", slot.String()), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h.log.Debug("slot cleared", slog.String("slot", slot.String()))
	w.WriteHeader(http.StatusOK)
}

// GetSlots handles GET /slots.
func (h *Handler) GetSlots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.orch.Status())
}

type pipelineInfo struct {
	Name string `json:"name"`
	Dual bool   `json:"dual"`
}

// GetPipelines handles GET /pipelines.
func (h *Handler) GetPipelines(w http.ResponseWriter, r *http.Request) {
	reg := h.orch.Registry()
	out := make([]pipelineInfo, 0)
	for _, id := range reg.IDs() {
		out = append(out, pipelineInfo{Name: string(id), Dual: reg.IsDual(id)})
	}
	writeJSON(w, out)
}

// GetTelemetry handles GET /telemetry: the smoothed current reading per
// channel. With ?channel=<name>&history=1, the stored samples for one
// channel instead.
func (h *Handler) GetTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("history") != "" {
		ch := telemetry.Channel(r.URL.Query().Get("channel"))
		if !telemetry.ValidChannel(ch) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{
			"channel": ch,
			"samples": h.sampler.History(ch),
		})
		return
	}
	writeJSON(w, h.sampler.Snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

