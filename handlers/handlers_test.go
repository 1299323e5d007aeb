package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/one2track/bridge/cache"
	"github.com/one2track/bridge/config"
	"github.com/one2track/bridge/coordinator"
	"github.com/one2track/bridge/models"
	"github.com/one2track/bridge/services"
)

const loginPage = `<html><head><meta name="csrf-token" content="tok" /></head></html>`

type fixture struct {
	handler *Handler
	coord   *coordinator.Coordinator

	loginStatus  int
	deviceStatus int
	deviceBody   string
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		loginStatus:  http.StatusFound,
		deviceStatus: http.StatusOK,
		deviceBody:   `[{"device":{"uuid":"u1","name":"Watch"}}]`,
	}

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/auth/users/sign_in" && r.Method == http.MethodGet:
			w.Header().Add("Set-Cookie", "_iadmin=abc; Path=/")
			w.Write([]byte(loginPage))
		case r.URL.Path == "/auth/users/sign_in" && r.Method == http.MethodPost:
			if f.loginStatus == http.StatusFound {
				w.Header().Add("Set-Cookie", "_iadmin=def; Path=/")
				w.Header().Set("Location", server.URL+"/users/7/home")
			}
			w.WriteHeader(f.loginStatus)
		case r.URL.Path == "/":
			w.Header().Set("Location", server.URL+"/users/7/devices")
			w.WriteHeader(http.StatusFound)
		case r.URL.Path == "/users/7/devices":
			w.WriteHeader(f.deviceStatus)
			w.Write([]byte(f.deviceBody))
		case r.URL.Path == "/devices/dev-1/messages" && r.Method == http.MethodGet:
			w.Write([]byte(loginPage))
		case r.URL.Path == "/devices/dev-1/messages" && r.Method == http.MethodPost:
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	client := services.NewTrackerClient(server.URL, "user@example.com", "secret", "")
	c := cache.New(5 * time.Minute)
	t.Cleanup(c.Stop)

	f.coord = coordinator.New(client, c, time.Hour, nil)
	f.handler = NewHandler(&config.Config{}, f.coord)
	return f
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.handler.Health(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", resp["status"])
	}
	if resp["snapshot_available"] != false {
		t.Error("Expected no snapshot before the first cycle")
	}

	if _, err := f.coord.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	w = httptest.NewRecorder()
	f.handler.Health(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	resp = map[string]interface{}{}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["snapshot_available"] != true {
		t.Error("Expected snapshot_available after a cycle")
	}
}

func TestHealth_ReauthRequired(t *testing.T) {
	f := newFixture(t)
	f.loginStatus = http.StatusOK // credentials rejected

	f.coord.Refresh(context.Background())

	w := httptest.NewRecorder()
	f.handler.Health(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	var resp map[string]interface{}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["status"] != "reauth_required" {
		t.Errorf("Expected status reauth_required, got %v", resp["status"])
	}
}

func TestDevices_ServesCachedSnapshot(t *testing.T) {
	f := newFixture(t)

	if _, err := f.coord.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Break the vendor; the cached snapshot must still be served.
	f.deviceStatus = http.StatusInternalServerError

	w := httptest.NewRecorder()
	f.handler.Devices(w, httptest.NewRequest(http.MethodGet, "/api/devices", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var snapshot models.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snapshot); err != nil {
		t.Fatal(err)
	}
	if !snapshot.Cached {
		t.Error("Expected the snapshot to be marked cached")
	}
	if len(snapshot.Devices) != 1 || snapshot.Devices[0].UUID != "u1" {
		t.Errorf("Unexpected devices: %+v", snapshot.Devices)
	}
}

func TestDevices_CacheMissTriggersRefresh(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.handler.Devices(w, httptest.NewRequest(http.MethodGet, "/api/devices", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var snapshot models.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snapshot); err != nil {
		t.Fatal(err)
	}
	if len(snapshot.Devices) != 1 {
		t.Errorf("Expected 1 device, got %d", len(snapshot.Devices))
	}
}

func TestDevices_ForceRefreshBypassesCache(t *testing.T) {
	f := newFixture(t)

	if _, err := f.coord.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.deviceBody = `[{"device":{"uuid":"u2","name":"Other"}}]`

	w := httptest.NewRecorder()
	f.handler.Devices(w, httptest.NewRequest(http.MethodGet, "/api/devices?refresh=true", nil))

	var snapshot models.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snapshot); err != nil {
		t.Fatal(err)
	}
	if len(snapshot.Devices) != 1 || snapshot.Devices[0].UUID != "u2" {
		t.Errorf("Expected the forced refresh to return u2, got %+v", snapshot.Devices)
	}
}

func TestDevices_Errors(t *testing.T) {
	t.Run("method not allowed", func(t *testing.T) {
		f := newFixture(t)
		w := httptest.NewRecorder()
		f.handler.Devices(w, httptest.NewRequest(http.MethodPost, "/api/devices", nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("Expected 405, got %d", w.Code)
		}
	})

	t.Run("vendor failure with empty cache", func(t *testing.T) {
		f := newFixture(t)
		f.deviceStatus = http.StatusInternalServerError
		w := httptest.NewRecorder()
		f.handler.Devices(w, httptest.NewRequest(http.MethodGet, "/api/devices", nil))
		if w.Code != http.StatusBadGateway {
			t.Errorf("Expected 502, got %d", w.Code)
		}
	})

	t.Run("credentials rejected", func(t *testing.T) {
		f := newFixture(t)
		f.loginStatus = http.StatusOK
		w := httptest.NewRecorder()
		f.handler.Devices(w, httptest.NewRequest(http.MethodGet, "/api/devices", nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", w.Code)
		}
	})
}

func TestMessage(t *testing.T) {
	f := newFixture(t)

	body := strings.NewReader(`{"device_id":"dev-1","message":"come home"}`)
	w := httptest.NewRecorder()
	f.handler.Message(w, httptest.NewRequest(http.MethodPost, "/api/message", body))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["status"] != "sent" || resp["device_id"] != "dev-1" {
		t.Errorf("Unexpected response: %v", resp)
	}
}

func TestMessage_Validation(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		body     string
		wantCode int
	}{
		{"rejects GET", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"rejects invalid json", http.MethodPost, "{not json", http.StatusBadRequest},
		{"requires device_id", http.MethodPost, `{"message":"hi"}`, http.StatusBadRequest},
		{"requires message", http.MethodPost, `{"device_id":"dev-1"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := httptest.NewRecorder()
			f.handler.Message(w, httptest.NewRequest(tt.method, "/api/message", strings.NewReader(tt.body)))
			if w.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d", tt.wantCode, w.Code)
			}
		})
	}
}
