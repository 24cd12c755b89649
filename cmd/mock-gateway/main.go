// mock-gateway is a scriptable stand-in for an Evolution-style instance
// gateway, used for local development and end-to-end poking. A created
// instance walks close -> connecting -> open over a configurable number
// of connectionState checks after connect is requested, which is enough
// to exercise the whole pairing flow without a real device.
package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
)

type config struct {
	Port   string `envconfig:"PORT" default:"8081"`
	APIKey string `envconfig:"MOCK_API_KEY" default:"test-key"`

	// Scripted progression, measured in connectionState calls after a
	// connect request: scan "happens" at ScanAfterChecks, the link
	// completes at ConnectAfterChecks.
	ScanAfterChecks    int  `envconfig:"MOCK_SCAN_AFTER_CHECKS" default:"4"`
	ConnectAfterChecks int  `envconfig:"MOCK_CONNECT_AFTER_CHECKS" default:"8"`
	FailConnect        bool `envconfig:"MOCK_FAIL_CONNECT" default:"false"`
	DelayMs            int  `envconfig:"MOCK_DELAY_MS" default:"0"`
}

type instance struct {
	name          string
	connectCalled bool
	checks        int
}

func (i *instance) state(cfg config) string {
	if !i.connectCalled {
		return "close"
	}
	if i.checks >= cfg.ConnectAfterChecks {
		return "open"
	}
	if i.checks >= cfg.ScanAfterChecks {
		return "connecting"
	}
	return "close"
}

type server struct {
	cfg config

	mu        sync.Mutex
	instances map[string]*instance
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))

	s := &server{cfg: cfg, instances: make(map[string]*instance)}

	router := mux.NewRouter()
	router.Use(s.auth)
	router.HandleFunc("/instance/create", s.handleCreate).Methods(http.MethodPost)
	router.HandleFunc("/instance/connect/{name}", s.handleConnect).Methods(http.MethodGet)
	router.HandleFunc("/instance/connectionState/{name}", s.handleState).Methods(http.MethodGet)
	router.HandleFunc("/instance/logout/{name}", s.handleLogout).Methods(http.MethodDelete)
	router.HandleFunc("/instance/delete/{name}", s.handleDelete).Methods(http.MethodDelete)
	router.HandleFunc("/instance/restart/{name}", s.handleRestart).Methods(http.MethodPut)
	router.HandleFunc("/instance/fetchInstances", s.handleFetch).Methods(http.MethodGet)

	slog.Info("mock gateway listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		slog.Error("mock gateway server failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != s.cfg.APIKey {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "invalid api key"})
			return
		}
		if s.cfg.DelayMs > 0 {
			time.Sleep(time.Duration(s.cfg.DelayMs) * time.Millisecond)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceName string `json:"instanceName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InstanceName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "instanceName required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[req.InstanceName]; ok {
		writeJSON(w, http.StatusForbidden, map[string]any{"message": "This name is already in use"})
		return
	}
	s.instances[req.InstanceName] = &instance{name: req.InstanceName}
	slog.Info("instance created", "instance", req.InstanceName)
	writeJSON(w, http.StatusCreated, map[string]any{
		"instance": map[string]any{"instanceName": req.InstanceName, "status": "close"},
	})
}

func (s *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if s.cfg.FailConnect {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "connect unavailable"})
		return
	}

	name := mux.Vars(r)["name"]
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "instance not found"})
		return
	}
	if inst.state(s.cfg) == "open" {
		// Already linked; no artifact to hand out.
		writeJSON(w, http.StatusOK, map[string]any{"instance": map[string]any{"state": "open"}})
		return
	}
	inst.connectCalled = true
	inst.checks = 0
	writeJSON(w, http.StatusOK, map[string]any{
		"base64": "data:image/png;base64,bW9jay1xcg==",
		"code":   "2@mock-" + name,
	})
}

func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "instance not found"})
		return
	}
	if inst.connectCalled {
		inst.checks++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance": map[string]any{"instanceName": name, "state": inst.state(s.cfg)},
	})
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "instance not found"})
		return
	}
	inst.connectCalled = false
	inst.checks = 0
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged out"})
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "instance not found"})
		return
	}
	if inst.state(s.cfg) == "open" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"message": "The instance needs to be disconnected",
		})
		return
	}
	delete(s.instances, name)
	slog.Info("instance deleted", "instance", name)
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

func (s *server) handleRestart(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "instance not found"})
		return
	}
	inst.connectCalled = false
	inst.checks = 0
	writeJSON(w, http.StatusOK, map[string]any{"status": "restarted"})
}

func (s *server) handleFetch(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, map[string]any{
			"name":             inst.name,
			"connectionStatus": inst.state(s.cfg),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
