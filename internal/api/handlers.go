// Package api provides HTTP handlers for ZapMentor endpoints.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/ZapMentor/ZapMentor/internal/models"
)

// maxWebhookBody bounds webhook payload reads.
const maxWebhookBody = 1 << 20

// verifyWebhookHandler answers the Cloud API subscription handshake: it echoes
// hub.challenge as plain text when the mode and verify token match.
func (s *Server) verifyWebhookHandler(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode != "subscribe" || s.verifyToken == "" || token != s.verifyToken {
		slog.Warn("Server.verifyWebhookHandler: verification rejected", "mode", mode)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	slog.Info("Server.verifyWebhookHandler: webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(challenge)); err != nil {
		slog.Error("Server.verifyWebhookHandler: failed to write challenge", "error", err)
	}
}

// webhookHandler accepts Cloud API webhook deliveries. Payloads that carry no
// user message are acknowledged with 200 so the provider stops redelivering;
// a processing failure returns 500 so the provider retries.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		slog.Warn("Server.webhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("failed to read request body"))
		return
	}

	if err := s.processor.Ingest(r.Context(), raw); err != nil {
		slog.Error("Server.webhookHandler: ingest failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to process webhook"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// twilioWebhookHandler accepts Twilio's form-encoded webhook deliveries and
// re-shapes them into the JSON form the normalizer understands.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}

	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("failed to parse form body"))
		return
	}

	payload, err := json.Marshal(map[string]string{
		"From":       r.PostFormValue("From"),
		"Body":       r.PostFormValue("Body"),
		"MessageSid": r.PostFormValue("MessageSid"),
	})
	if err != nil {
		slog.Error("Server.twilioWebhookHandler: failed to marshal payload", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to process webhook"))
		return
	}

	if err := s.processor.Ingest(r.Context(), payload); err != nil {
		slog.Error("Server.twilioWebhookHandler: ingest failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to process webhook"))
		return
	}

	// Empty TwiML keeps Twilio from sending an auto-reply.
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)); err != nil {
		slog.Error("Server.twilioWebhookHandler: failed to write response", "error", err)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.rec.Snapshot()))
}
