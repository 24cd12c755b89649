package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chanlink/internal/observability"
)

// Config carries the credentials for one gateway endpoint. It is a plain
// value handed to every client, so per-tenant credentials never leak
// through a shared mutable singleton.
type Config struct {
	BaseURL string
	APIKey  string
}

func (c Config) baseURL() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// Client talks to an Evolution-style instance gateway. Construct one per
// operation from the tenant's stored credentials; it holds no state
// beyond the shared http.Client.
type Client struct {
	Config Config
	HTTP   *http.Client
}

// InstanceSummary is one entry of the gateway's instance listing.
type InstanceSummary struct {
	Name                    string `json:"name"`
	ConnectionStatus        string `json:"connectionStatus"`
	DisconnectionReasonCode int    `json:"disconnectionReasonCode"`
}

// Info is the detailed instance payload used by deep checks. The gateway
// has shipped several shapes over time, so state lives in one of three
// places: State, Status, or the Connected flag.
type Info struct {
	State     string
	Status    string
	Connected bool
	QRCode    string
}

// StateHint resolves the most specific state the payload carries,
// falling back through state, status, then the connected boolean.
func (i Info) StateHint() string {
	if i.State != "" {
		return i.State
	}
	if i.Status != "" {
		return i.Status
	}
	if i.Connected {
		return "connected"
	}
	return ""
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("gateway error %d", e.Status)
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any) (map[string]any, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Config.baseURL()+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.Config.APIKey)

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	observability.GatewayLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.GatewayCalls.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		observability.GatewayCalls.WithLabelValues(op, "ok").Inc()
		return map[string]any{}, nil
	}

	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.GatewayCalls.WithLabelValues(op, "error").Inc()
		msg := ""
		if out != nil {
			msg = firstString(out, "error", "message")
		}
		return out, &apiError{Status: resp.StatusCode, Message: msg}
	}

	observability.GatewayCalls.WithLabelValues(op, "ok").Inc()
	if out == nil {
		// Some endpoints answer with a bare string (the artifact itself).
		text := strings.TrimSpace(string(raw))
		if text != "" {
			return map[string]any{"raw": strings.Trim(text, `"`)}, nil
		}
		out = map[string]any{}
	}
	return out, nil
}

// CreateInstance registers a named instance with the gateway. The
// instance is created disconnected; pairing starts it later.
func (c *Client) CreateInstance(ctx context.Context, name string) error {
	payload := map[string]any{
		"instanceName":  name,
		"integration":   "WHATSAPP-BAILEYS",
		"qrcode":        false,
		"reject_call":   true,
		"groups_ignore": true,
		"always_online": true,
		"events":        []string{"CONNECTION_UPDATE", "QRCODE_UPDATED"},
	}
	_, err := c.do(ctx, "create", http.MethodPost, "/instance/create", payload)
	return err
}

// Connect starts the instance's connection attempt and returns the
// pairing artifact if the gateway issued one. The artifact has shown up
// under several keys across gateway versions.
func (c *Client) Connect(ctx context.Context, name string) (string, error) {
	out, err := c.do(ctx, "connect", http.MethodGet, "/instance/connect/"+name, nil)
	if err != nil {
		return "", err
	}
	return extractArtifact(out), nil
}

// ConnectionState returns the coarse status string for an instance.
func (c *Client) ConnectionState(ctx context.Context, name string) (string, error) {
	out, err := c.do(ctx, "state", http.MethodGet, "/instance/connectionState/"+name, nil)
	if err != nil {
		return "", err
	}
	return parseInstanceState(out), nil
}

// InstanceInfo fetches the detailed payload for deep checks.
func (c *Client) InstanceInfo(ctx context.Context, name string) (Info, error) {
	out, err := c.do(ctx, "info", http.MethodGet, "/instance/connectionState/"+name, nil)
	if err != nil {
		return Info{}, err
	}
	inst, ok := out["instance"].(map[string]any)
	if !ok {
		return Info{}, errors.New("no instance payload")
	}
	info := Info{
		State:  stringAt(inst, "state"),
		Status: stringAt(inst, "status"),
		QRCode: stringAt(inst, "qrcode"),
	}
	switch v := inst["connected"].(type) {
	case bool:
		info.Connected = v
	case string:
		info.Connected = strings.EqualFold(v, "true")
	}
	return info, nil
}

// Disconnect logs the instance out without deleting it.
func (c *Client) Disconnect(ctx context.Context, name string) error {
	_, err := c.do(ctx, "disconnect", http.MethodDelete, "/instance/logout/"+name, nil)
	return err
}

// Delete removes the instance. The gateway refuses to delete a live
// session, so a "needs to be disconnected" answer triggers one
// logout-then-retry round before giving up.
func (c *Client) Delete(ctx context.Context, name string) error {
	_, err := c.do(ctx, "delete", http.MethodDelete, "/instance/delete/"+name, nil)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "needs to be disconnected") {
		return err
	}

	slog.Info("instance needs disconnect before delete", "instance", name)
	if derr := c.Disconnect(ctx, name); derr != nil {
		slog.Warn("pre-delete disconnect failed", "instance", name, "err", derr)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
	}
	_, err = c.do(ctx, "delete", http.MethodDelete, "/instance/delete/"+name, nil)
	return err
}

// Restart bounces the instance, useful after a dropped session.
func (c *Client) Restart(ctx context.Context, name string) error {
	_, err := c.do(ctx, "restart", http.MethodPut, "/instance/restart/"+name, nil)
	return err
}

// FetchInstances lists all instances known to the gateway. Older
// gateways answer a bare array, newer ones wrap it in {"data": [...]}.
func (c *Client) FetchInstances(ctx context.Context) ([]InstanceSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Config.baseURL()+"/instance/fetchInstances", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.Config.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		observability.GatewayCalls.WithLabelValues("fetch", "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.GatewayCalls.WithLabelValues("fetch", "error").Inc()
		return nil, &apiError{Status: resp.StatusCode}
	}
	observability.GatewayCalls.WithLabelValues("fetch", "ok").Inc()

	var list []InstanceSummary
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Data []InstanceSummary `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		return wrapped.Data, nil
	}
	return nil, errors.New("unrecognized instance listing")
}

// FindInstanceByPrefix locates a reusable instance whose name contains
// the tenant slug. Instances the gateway marked auth-dead (401/403) are
// skipped; they cannot be revived and must be recreated.
func (c *Client) FindInstanceByPrefix(ctx context.Context, slug string) (InstanceSummary, bool, error) {
	list, err := c.FetchInstances(ctx)
	if err != nil {
		return InstanceSummary{}, false, err
	}
	slug = strings.ToLower(slug)
	for _, inst := range list {
		name := strings.ToLower(inst.Name)
		if name != slug && !strings.Contains(name, slug) {
			continue
		}
		if inst.DisconnectionReasonCode == 401 || inst.DisconnectionReasonCode == 403 {
			slog.Warn("skipping auth-dead instance",
				"instance", inst.Name,
				"reason_code", inst.DisconnectionReasonCode,
			)
			continue
		}
		return inst, true, nil
	}
	return InstanceSummary{}, false, nil
}

// ManageResult is the outcome of a generic lifecycle action.
type ManageResult struct {
	Success bool
	QRCode  string
	Error   string
}

// Manage runs a coarse lifecycle action against whatever instances exist
// for a tenant slug. It is deliberately forgiving: deactivation uses the
// disconnect action as a catch-all after targeted cleanup, and partial
// failures are reported, not raised.
func (c *Client) Manage(ctx context.Context, slug, action string) ManageResult {
	switch action {
	case "create":
		if _, found, err := c.FindInstanceByPrefix(ctx, slug); err == nil && found {
			return ManageResult{Success: true}
		}
		if err := c.CreateInstance(ctx, slug); err != nil {
			return ManageResult{Error: err.Error()}
		}
		return ManageResult{Success: true}

	case "connect":
		inst, found, err := c.FindInstanceByPrefix(ctx, slug)
		if err != nil || !found {
			return ManageResult{Error: "instance not found"}
		}
		artifact, err := c.Connect(ctx, inst.Name)
		if err != nil {
			return ManageResult{Error: err.Error()}
		}
		return ManageResult{Success: true, QRCode: artifact}

	case "disconnect":
		inst, found, err := c.FindInstanceByPrefix(ctx, slug)
		if err != nil {
			return ManageResult{Error: err.Error()}
		}
		if !found {
			return ManageResult{Success: true}
		}
		if err := c.Disconnect(ctx, inst.Name); err != nil {
			slog.Warn("catch-all disconnect failed", "instance", inst.Name, "err", err)
		}
		if err := c.Delete(ctx, inst.Name); err != nil {
			slog.Warn("catch-all delete failed", "instance", inst.Name, "err", err)
			return ManageResult{Success: true, Error: err.Error()}
		}
		return ManageResult{Success: true}
	}
	return ManageResult{Error: "unknown action: " + action}
}

func parseInstanceState(out map[string]any) string {
	inst, ok := out["instance"]
	if !ok {
		return "disconnected"
	}
	switch v := inst.(type) {
	case string:
		return v
	case map[string]any:
		if s := stringAt(v, "state"); s != "" {
			return s
		}
		if s := stringAt(v, "status"); s != "" {
			return s
		}
		switch c := v["connected"].(type) {
		case bool:
			if c {
				return "connected"
			}
		case string:
			if strings.EqualFold(c, "true") {
				return "connected"
			}
		}
	}
	return "disconnected"
}

func extractArtifact(out map[string]any) string {
	for _, key := range []string{"base64", "qrcode", "pairingCode", "code", "raw"} {
		if s := stringAt(out, key); s != "" {
			return s
		}
	}
	if data, ok := out["data"].(map[string]any); ok {
		if s := stringAt(data, "qrcode"); s != "" {
			return s
		}
	}
	if inst, ok := out["instance"].(map[string]any); ok {
		if s := stringAt(inst, "qrcode"); s != "" {
			return s
		}
	}
	// Last resort: any value that looks like an image, pairing code, or
	// wa.me link.
	for _, v := range out {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if strings.HasPrefix(s, "data:image") || strings.Contains(s, "base64") ||
			strings.HasPrefix(s, "1@") || strings.HasPrefix(s, "2@") ||
			strings.HasPrefix(s, "https://wa.me/") {
			return s
		}
	}
	return ""
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringAt(m, k); s != "" {
			return s
		}
	}
	return ""
}

func stringAt(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
