package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/one2track/bridge/cache"
	"github.com/one2track/bridge/services"
)

const loginPage = `<html><head><meta name="csrf-token" content="tok" /></head></html>`

// fakeVendor is a minimal one2track stand-in whose login and device
// responses can be flipped between test steps.
type fakeVendor struct {
	server *httptest.Server

	loginStatus  int
	deviceStatus int
	deviceBody   string
}

func newFakeVendor(t *testing.T) *fakeVendor {
	f := &fakeVendor{
		loginStatus:  http.StatusFound,
		deviceStatus: http.StatusOK,
		deviceBody:   `[{"device":{"uuid":"u1","name":"Watch"}}]`,
	}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/auth/users/sign_in" && r.Method == http.MethodGet:
			w.Header().Add("Set-Cookie", "_iadmin=abc; Path=/")
			w.Write([]byte(loginPage))
		case r.URL.Path == "/auth/users/sign_in" && r.Method == http.MethodPost:
			if f.loginStatus == http.StatusFound {
				w.Header().Add("Set-Cookie", "_iadmin=def; Path=/")
				w.Header().Set("Location", f.server.URL+"/users/7/home")
			}
			w.WriteHeader(f.loginStatus)
		case r.URL.Path == "/":
			w.Header().Set("Location", f.server.URL+"/users/7/devices")
			w.WriteHeader(http.StatusFound)
		case r.URL.Path == "/users/7/devices":
			w.WriteHeader(f.deviceStatus)
			w.Write([]byte(f.deviceBody))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeVendor) coordinator(t *testing.T, onAuthFailure func(error)) *Coordinator {
	client := services.NewTrackerClient(f.server.URL, "user@example.com", "secret", "")
	c := cache.New(5 * time.Minute)
	t.Cleanup(c.Stop)
	return New(client, c, time.Hour, onAuthFailure)
}

func TestRefresh_StoresSnapshot(t *testing.T) {
	f := newFakeVendor(t)
	coord := f.coordinator(t, nil)

	snapshot, err := coord.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(snapshot.Devices) != 1 || snapshot.Devices[0].UUID != "u1" {
		t.Fatalf("Unexpected devices: %+v", snapshot.Devices)
	}
	if snapshot.Cached {
		t.Error("A fresh refresh result must not be marked cached")
	}

	cached, ok := coord.Snapshot()
	if !ok {
		t.Fatal("Expected the snapshot to be cached")
	}
	if !cached.Cached {
		t.Error("Cached snapshot must be marked cached")
	}
	if len(cached.Devices) != 1 {
		t.Errorf("Expected 1 cached device, got %d", len(cached.Devices))
	}

	status := coord.Status()
	if !status.Authenticated {
		t.Error("Status should report authenticated after a good cycle")
	}
	if status.AccountID != "7" {
		t.Errorf("Expected account id 7, got %q", status.AccountID)
	}
	if status.LastError != "" {
		t.Errorf("Expected empty last error, got %q", status.LastError)
	}
}

func TestRefresh_FailureKeepsPriorSnapshot(t *testing.T) {
	f := newFakeVendor(t)
	coord := f.coordinator(t, nil)

	if _, err := coord.Refresh(context.Background()); err != nil {
		t.Fatalf("Priming refresh failed: %v", err)
	}

	// The vendor starts returning garbage.
	f.deviceBody = "<html>maintenance</html>"
	if _, err := coord.Refresh(context.Background()); err == nil {
		t.Fatal("Expected an error for unreadable device data")
	}

	cached, ok := coord.Snapshot()
	if !ok {
		t.Fatal("Prior snapshot must survive a failed cycle")
	}
	if len(cached.Devices) != 1 {
		t.Errorf("Expected the prior devices to remain, got %d", len(cached.Devices))
	}
	if coord.Status().LastError == "" {
		t.Error("Status should carry the failure reason")
	}

	// Recovery clears the error.
	f.deviceBody = `[{"device":{"uuid":"u1","name":"Watch"}}]`
	if _, err := coord.Refresh(context.Background()); err != nil {
		t.Fatalf("Expected recovery, got %v", err)
	}
	if coord.Status().LastError != "" {
		t.Error("Recovery should clear the last error")
	}
}

func TestRefresh_SessionRejectedRecoversNextCycle(t *testing.T) {
	f := newFakeVendor(t)
	coord := f.coordinator(t, nil)

	if _, err := coord.Refresh(context.Background()); err != nil {
		t.Fatalf("Priming refresh failed: %v", err)
	}

	f.deviceStatus = http.StatusUnauthorized
	if _, err := coord.Refresh(context.Background()); err == nil {
		t.Fatal("Expected an error for a rejected session")
	}
	if coord.Status().Authenticated {
		t.Error("A rejected session must show as unauthenticated")
	}

	f.deviceStatus = http.StatusOK
	if _, err := coord.Refresh(context.Background()); err != nil {
		t.Fatalf("Expected the next cycle to re-authenticate, got %v", err)
	}
	if !coord.Status().Authenticated {
		t.Error("Recovered cycle should report authenticated")
	}
}

func TestRefresh_CredentialRejectionSignalsOperator(t *testing.T) {
	f := newFakeVendor(t)
	f.loginStatus = http.StatusOK // login re-renders the form

	var signaled error
	coord := f.coordinator(t, func(err error) { signaled = err })

	if _, err := coord.Refresh(context.Background()); err == nil {
		t.Fatal("Expected an error for rejected credentials")
	}
	if signaled == nil {
		t.Fatal("Expected the auth-failure callback to fire")
	}
	if !services.CredentialsRejected(signaled) {
		t.Errorf("Callback error should be a definitive rejection, got %v", signaled)
	}
	if !coord.Status().ReauthRequired {
		t.Error("Status should flag that re-authentication is required")
	}
}

func TestStartStop(t *testing.T) {
	f := newFakeVendor(t)
	coord := f.coordinator(t, nil)

	coord.Start()

	// The first cycle runs immediately; wait for its snapshot.
	deadline := time.After(5 * time.Second)
	for {
		if _, ok := coord.Snapshot(); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for the first poll cycle")
		case <-time.After(10 * time.Millisecond):
		}
	}

	coord.Stop()
	coord.Stop() // idempotent
}
