package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewCloudForwarder_RequiresBaseURLAndToken(t *testing.T) {
	if _, err := NewCloudForwarder(ForwarderConfig{Token: "t"}); err == nil {
		t.Fatalf("expected error for missing base url")
	}
	if _, err := NewCloudForwarder(ForwarderConfig{BaseURL: "http://localhost"}); err == nil {
		t.Fatalf("expected error for missing token")
	}
}

func TestForward_SendsRecordAndAuthHeader(t *testing.T) {
	var gotAuth string
	var gotRecord logRecord

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotRecord)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f, err := NewCloudForwarder(ForwarderConfig{BaseURL: srv.URL, Token: "secret-token", Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewCloudForwarder error: %v", err)
	}

	if err := f.Forward(LevelWarn, "retry exhausted", map[string]any{"mapping": "orders"}); err != nil {
		t.Fatalf("Forward error: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("expected bearer token header, got %q", gotAuth)
	}
	if gotRecord.Message != "retry exhausted" || gotRecord.Level != LevelWarn {
		t.Fatalf("unexpected record: %+v", gotRecord)
	}
}

func TestForward_RetriesOn5xxThenFails(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, err := NewCloudForwarder(ForwarderConfig{BaseURL: srv.URL, Token: "t", Timeout: time.Second, Retries: 2})
	if err != nil {
		t.Fatalf("NewCloudForwarder error: %v", err)
	}
	if err := f.Forward(LevelError, "boom", nil); err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", calls)
	}
}
