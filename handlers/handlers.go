// ABOUTME: HTTP handlers for the bridge's local API
// ABOUTME: Serves health, cached device snapshots, and device messaging

package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/one2track/bridge/config"
	"github.com/one2track/bridge/coordinator"
	"github.com/one2track/bridge/models"
	"github.com/one2track/bridge/services"
)

type Handler struct {
	cfg   *config.Config
	coord *coordinator.Coordinator
}

func NewHandler(cfg *config.Config, coord *coordinator.Coordinator) *Handler {
	return &Handler{cfg: cfg, coord: coord}
}

// Health returns the bridge status including session and poll state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.coord.Status()
	_, hasSnapshot := h.coord.Snapshot()

	resp := map[string]interface{}{
		"status":             "ok",
		"poller":             status,
		"snapshot_available": hasSnapshot,
	}
	if status.ReauthRequired {
		resp["status"] = "reauth_required"
	}

	writeJSON(w, http.StatusOK, resp)
}

// Devices returns the latest device snapshot. A cache miss, or an explicit
// ?refresh=true, runs (or joins) a poll cycle.
func (h *Handler) Devices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	forceRefresh := strings.EqualFold(r.URL.Query().Get("refresh"), "true")
	if !forceRefresh {
		if snapshot, ok := h.coord.Snapshot(); ok {
			writeJSON(w, http.StatusOK, snapshot)
			return
		}
	}

	snapshot, err := h.coord.Refresh(r.Context())
	if err != nil {
		slog.Error("on-demand refresh failed", "error", err)
		if services.CredentialsRejected(err) {
			writeError(w, "one2track credentials rejected, re-configure the bridge", http.StatusUnauthorized)
			return
		}
		writeError(w, "Failed to retrieve device data", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

// Message sends a text message to one device.
func (h *Handler) Message(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.DeviceID == "" || req.Message == "" {
		writeError(w, "device_id and message are required", http.StatusBadRequest)
		return
	}

	if err := h.coord.SendMessage(r.Context(), req.DeviceID, req.Message, req.Title); err != nil {
		slog.Error("message send failed", "device_id", req.DeviceID, "error", err)
		if services.CredentialsRejected(err) {
			writeError(w, "one2track credentials rejected, re-configure the bridge", http.StatusUnauthorized)
			return
		}
		if services.IsAuthenticationError(err) {
			writeError(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeError(w, "Failed to send message", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "sent", "device_id": req.DeviceID})
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
