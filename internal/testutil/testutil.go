// Package testutil provides common test utilities and helpers for ZapMentor tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ZapMentor/ZapMentor/internal/api"
	"github.com/ZapMentor/ZapMentor/internal/metrics"
)

// CapturingIngester records every payload handed to Ingest and returns a
// configurable error.
type CapturingIngester struct {
	mu       sync.Mutex
	Payloads [][]byte
	Err      error
}

// Ingest implements api.Ingester.
func (c *CapturingIngester) Ingest(_ context.Context, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := make([]byte, len(raw))
	copy(copied, raw)
	c.Payloads = append(c.Payloads, copied)
	return c.Err
}

// Count returns how many payloads were ingested.
func (c *CapturingIngester) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Payloads)
}

// NewTestServer creates an API server over a capturing ingester.
func NewTestServer(verifyToken string) (*api.Server, *CapturingIngester) {
	ing := &CapturingIngester{}
	srv := api.NewServer(ing, metrics.NewRecorder(), api.WithVerifyToken(verifyToken))
	return srv, ing
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON response envelope and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with an optional JSON body.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, url, reqBody)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}
