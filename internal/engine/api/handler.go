package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ukleadgen/leadgen-backend/internal/engine"
	"github.com/ukleadgen/leadgen-backend/internal/engine/monitor"
	"github.com/ukleadgen/leadgen-backend/pkg/logging"
)

type handler struct {
	engine  *engine.Engine
	monitor *monitor.Monitor
	logger  logging.Logger
}

func newHandler(eng *engine.Engine, mon *monitor.Monitor, logger logging.Logger) *handler {
	return &handler{engine: eng, monitor: mon, logger: logger}
}

func (h *handler) EngineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *handler) CampaignStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, ok := h.engine.CampaignStatus(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown campaign "+id)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Pause(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(engine.StatePaused)})
}

func (h *handler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Resume(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(engine.StateRunning)})
}

func (h *handler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Stop(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(engine.StateStopped)})
}

func (h *handler) MonitorExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := h.monitor.ExportJSON(w); err != nil {
		h.logger.Error("monitor export failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
