package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewTestServer(t *testing.T) {
	server, ing := NewTestServer("secret")
	if server == nil {
		t.Fatal("NewTestServer returned nil")
	}
	if ing == nil {
		t.Fatal("NewTestServer returned nil ingester")
	}
}

func TestCapturingIngester(t *testing.T) {
	ing := &CapturingIngester{}
	if err := ing.Ingest(nil, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if ing.Count() != 1 {
		t.Errorf("expected 1 captured payload, got %d", ing.Count())
	}
	if string(ing.Payloads[0]) != `{"a":1}` {
		t.Errorf("unexpected captured payload: %s", ing.Payloads[0])
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/webhook", map[string]string{"from": "5511999999999"})
	if req.Method != http.MethodPost {
		t.Errorf("expected POST, got %s", req.Method)
	}
	if ct := req.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}
}

func TestAssertJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Body.WriteString(`{"status":"ok","message":"healthy"}`)
	resp := AssertJSONResponse(t, rr, "ok")
	if resp["message"] != "healthy" {
		t.Errorf("expected message 'healthy', got %v", resp["message"])
	}
}
