package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"chanlink/internal/domain"
	"chanlink/internal/engine"
)

type API struct {
	Engine  *engine.Manager
	Notices *NoticeLog
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/tenants/{tenant}/channels/{channel}/toggle", a.handleToggle).Methods(http.MethodPost)
	r.HandleFunc("/v1/tenants/{tenant}/channels/{channel}/pairing", a.handleRequestPairing).Methods(http.MethodPost)
	r.HandleFunc("/v1/tenants/{tenant}/channels/{channel}/pairing", a.handleClosePairing).Methods(http.MethodDelete)
	r.HandleFunc("/v1/tenants/{tenant}/channels/{channel}/restart", a.handleRestart).Methods(http.MethodPost)
	r.HandleFunc("/v1/tenants/{tenant}/channels/{channel}/status", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/tenants/{tenant}/channels/{channel}/notices", a.handleNotices).Methods(http.MethodGet)
	r.HandleFunc("/v1/tenants/{tenant}/channels/{channel}/session", a.handleEndSession).Methods(http.MethodDelete)
}

// session resolves the live session for the request's tenant and
// channel. The tenant slug rides on the body for commands and on a
// query parameter for reads; it falls back to the tenant id.
func (a *API) session(w http.ResponseWriter, r *http.Request, slug string) (*engine.Session, bool) {
	vars := mux.Vars(r)
	tenantID := vars["tenant"]
	if tenantID == "" {
		http.Error(w, ErrMissingTenant, http.StatusBadRequest)
		return nil, false
	}
	channel, err := domain.ParseChannel(vars["channel"])
	if err != nil {
		http.Error(w, ErrBadChannel, http.StatusBadRequest)
		return nil, false
	}
	if slug == "" {
		slug = r.URL.Query().Get("slug")
	}
	if slug == "" {
		slug = tenantID
	}

	s, err := a.Engine.Session(r.Context(), tenantID, slug, channel)
	if err != nil {
		slog.Error("session load failed", "tenant_id", tenantID, "channel", channel, "err", err)
		writeEngineError(w, err)
		return nil, false
	}
	return s, true
}

type toggleRequest struct {
	Enabled    bool   `json:"enabled"`
	TenantSlug string `json:"tenantSlug,omitempty"`
}

func (a *API) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	s, ok := a.session(w, r, req.TenantSlug)
	if !ok {
		return
	}

	if err := s.Toggle(r.Context(), req.Enabled); err != nil {
		slog.Error("toggle failed",
			"tenant_id", s.TenantID,
			"channel", s.Channel,
			"enabled", req.Enabled,
			"err", err,
		)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

type pairingResponse struct {
	Artifact string          `json:"artifact,omitempty"`
	Snapshot engine.Snapshot `json:"snapshot"`
}

func (a *API) handleRequestPairing(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	// Body is optional here; an empty one means defaults.
	_ = json.NewDecoder(r.Body).Decode(&req)
	s, ok := a.session(w, r, req.TenantSlug)
	if !ok {
		return
	}

	artifact, err := s.RequestPairing(r.Context())
	if err != nil {
		slog.Error("pairing request failed", "tenant_id", s.TenantID, "channel", s.Channel, "err", err)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pairingResponse{Artifact: artifact, Snapshot: s.Snapshot()})
}

func (a *API) handleClosePairing(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r, "")
	if !ok {
		return
	}
	s.ClosePairingSurface()
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (a *API) handleRestart(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r, "")
	if !ok {
		return
	}
	if err := s.RestartInstance(r.Context()); err != nil {
		slog.Error("restart failed", "tenant_id", s.TenantID, "channel", s.Channel, "err", err)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r, "")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (a *API) handleNotices(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID := vars["tenant"]
	channel, err := domain.ParseChannel(vars["channel"])
	if err != nil {
		http.Error(w, ErrBadChannel, http.StatusBadRequest)
		return
	}
	notices := a.Notices.Recent(tenantID, channel)
	if notices == nil {
		notices = []domain.Notice{}
	}
	writeJSON(w, http.StatusOK, notices)
}

func (a *API) handleEndSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID := vars["tenant"]
	channel, err := domain.ParseChannel(vars["channel"])
	if err != nil {
		http.Error(w, ErrBadChannel, http.StatusBadRequest)
		return
	}
	a.Engine.CloseSession(tenantID, channel)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrSecurityViolation):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrProviderUnavailable),
		errors.Is(err, domain.ErrProvisioning),
		errors.Is(err, domain.ErrPersistence):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, ErrDependency, http.StatusInternalServerError)
	}
}
