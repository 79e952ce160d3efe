package hedge

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/oddsline/hedge-engine/internal/config"
	"github.com/oddsline/hedge-engine/internal/model"
	"github.com/oddsline/hedge-engine/internal/settle"
	"github.com/oddsline/hedge-engine/internal/store"
)

// API bundles the HTTP surface: hedge execution, settlement, risk views,
// and dynamic config administration.
type API struct {
	executor *Executor
	settler  *settle.Engine
	store    store.Store
	loader   *config.Loader
	hub      *Hub
}

func NewAPI(executor *Executor, settler *settle.Engine, st store.Store, loader *config.Loader, hub *Hub) *API {
	return &API{executor: executor, settler: settler, store: st, loader: loader, hub: hub}
}

// Routes mounts the API under the given router.
func (a *API) Routes(r chi.Router) {
	r.Post("/hedge", a.ExecuteHedge)
	r.Post("/settle", a.SettleEvent)
	r.Post("/positions/close", a.ClosePosition)
	r.Get("/positions/{userID}", a.GetPositions)
	r.Get("/risk/exposure", a.GetRiskExposure)
	r.Get("/risk/snapshots", a.ListRiskSnapshots)
	r.Put("/admin/config", a.SetConfig)
	r.Get("/admin/config", a.GetConfig)
	r.Get("/ws", a.hub.HandleWS)
}

// ExecuteHedge handles POST /api/v1/hedge
func (a *API) ExecuteHedge(w http.ResponseWriter, r *http.Request) {
	var req model.HedgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.EventID == "" {
		writeError(w, "event_id is required", http.StatusBadRequest)
		return
	}
	if req.Option == "" {
		writeError(w, "option is required", http.StatusBadRequest)
		return
	}
	if req.USDAmount.LessThanOrEqual(decimal.Zero) {
		writeError(w, "usd_amount must be positive", http.StatusBadRequest)
		return
	}

	result := a.executor.HedgeAndExecute(r.Context(), &req)

	status := http.StatusOK
	if !result.Success {
		switch result.ErrorCode {
		case model.CodeValidation, model.CodeMapping:
			status = http.StatusUnprocessableEntity
		case model.CodeCircuitOpen, model.CodeDisabled:
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, result, status)
}

// SettleEvent handles POST /api/v1/settle
func (a *API) SettleEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID       string `json:"event_id"`
		WinningOption string `json:"winning_option"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.EventID == "" || req.WinningOption == "" {
		writeError(w, "event_id and winning_option are required", http.StatusBadRequest)
		return
	}

	result, err := a.settler.SettleEvent(r.Context(), req.EventID, req.WinningOption)
	if err != nil {
		writeError(w, "settlement failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, result, http.StatusOK)
}

// ClosePosition handles POST /api/v1/positions/close
func (a *API) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string `json:"user_id"`
		EventID string `json:"event_id"`
		Option  string `json:"option"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.EventID == "" || req.Option == "" {
		writeError(w, "user_id, event_id and option are required", http.StatusBadRequest)
		return
	}

	result, err := a.settler.ClosePosition(r.Context(), req.UserID, req.EventID, req.Option)
	if err != nil {
		if errors.Is(err, settle.ErrPositionNotFound) {
			writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeError(w, "close failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, result, http.StatusOK)
}

// GetPositions handles GET /api/v1/positions/{userID}
// Returns the user's open hedge positions across active events.
func (a *API) GetPositions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	positions, err := a.store.GetUserPositions(r.Context(), userID)
	if err != nil {
		writeError(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, positions, http.StatusOK)
}

// GetRiskExposure handles GET /api/v1/risk/exposure
func (a *API) GetRiskExposure(w http.ResponseWriter, r *http.Request) {
	exposure, err := a.executor.GetRiskExposure(r.Context())
	if err != nil {
		writeError(w, "exposure lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, exposure, http.StatusOK)
}

// ListRiskSnapshots handles GET /api/v1/risk/snapshots?limit=N
func (a *API) ListRiskSnapshots(w http.ResponseWriter, r *http.Request) {
	limit := 24
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	snaps, err := a.store.ListRiskSnapshots(r.Context(), limit)
	if err != nil {
		writeError(w, "snapshot lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, snaps, http.StatusOK)
}

// SetConfig handles PUT /api/v1/admin/config
// Accepts {"key": ..., "value": ...}; the key must be a known tunable and
// the value must parse, otherwise nothing is written.
func (a *API) SetConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.loader.Set(r.Context(), req.Key, req.Value); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"key": req.Key, "value": req.Value}, http.StatusOK)
}

// GetConfig handles GET /api/v1/admin/config
// Returns the effective config snapshot (defaults merged with overrides).
func (a *API) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.loader.Snapshot(r.Context()), http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
