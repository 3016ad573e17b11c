package api_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/ZapMentor/ZapMentor/internal/testutil"
	"github.com/tidwall/gjson"
)

func TestWebhookVerificationSuccess(t *testing.T) {
	srv, _ := testutil.NewTestServer("verify-me")

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "verification")
	if rr.Body.String() != "12345" {
		t.Errorf("expected challenge echoed, got %q", rr.Body.String())
	}
}

func TestWebhookVerificationRejected(t *testing.T) {
	srv, _ := testutil.NewTestServer("verify-me")

	cases := []string{
		"/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1",
		"/webhook?hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=1",
		"/webhook",
	}
	for _, target := range cases {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, target)
	}
}

func TestWebhookPostIngests(t *testing.T) {
	srv, ing := testutil.NewTestServer("verify-me")

	payload := `{"entry":[{"changes":[{"value":{"messages":[{"id":"wamid.1","from":"5511999999999","type":"text","text":{"body":"oi"}}]}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "webhook post")
	testutil.AssertJSONResponse(t, rr, "ok")
	if ing.Count() != 1 {
		t.Fatalf("expected one ingested payload, got %d", ing.Count())
	}
	if string(ing.Payloads[0]) != payload {
		t.Error("payload should reach the processor unmodified")
	}
}

func TestWebhookPostIngestFailure(t *testing.T) {
	srv, ing := testutil.NewTestServer("verify-me")
	ing.Err = errors.New("store unavailable")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	// 500 tells the provider to redeliver.
	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "failed ingest")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestTwilioWebhookReshapesForm(t *testing.T) {
	srv, ing := testutil.NewTestServer("verify-me")

	form := url.Values{}
	form.Set("From", "whatsapp:+5511999999999")
	form.Set("Body", "/ajuda")
	form.Set("MessageSid", "SM123")

	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "twilio webhook")
	if ct := rr.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("expected TwiML content type, got %q", ct)
	}
	if ing.Count() != 1 {
		t.Fatalf("expected one ingested payload, got %d", ing.Count())
	}

	got := string(ing.Payloads[0])
	if gjson.Get(got, "From").String() != "whatsapp:+5511999999999" {
		t.Errorf("From lost in reshape: %s", got)
	}
	if gjson.Get(got, "Body").String() != "/ajuda" {
		t.Errorf("Body lost in reshape: %s", got)
	}
	if gjson.Get(got, "MessageSid").String() != "SM123" {
		t.Errorf("MessageSid lost in reshape: %s", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testutil.NewTestServer("")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	testutil.AssertJSONResponse(t, rr, "ok")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := testutil.NewTestServer("")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if _, ok := resp["result"]; !ok {
		t.Error("metrics response missing result payload")
	}
}
