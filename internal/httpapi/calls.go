package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/callrelay/internal/calls"
	"github.com/antoniostano/callrelay/internal/policy"
	"github.com/antoniostano/callrelay/internal/reliability"
	"github.com/antoniostano/callrelay/internal/twilio"
)

var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

type outboundCallRequest struct {
	To string `json:"to"`
}

type outboundCallResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	CallSID string `json:"call_sid"`
}

// handleInboundCall answers the provider's call webhook with TwiML that
// connects the call audio to the media stream endpoint.
func (s *Server) handleInboundCall(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	callSID := strings.TrimSpace(r.FormValue("CallSid"))

	twiml, err := twilio.StreamTwiML(s.streamURL(r), nil)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "twiml_failed", err.Error())
		return
	}

	if callSID != "" {
		status := strings.TrimSpace(r.FormValue("CallStatus"))
		if status == "" {
			status = twilio.CallStatusRinging
		}
		record := calls.Record{
			CallSID:   callSID,
			Direction: calls.DirectionInbound,
			From:      r.FormValue("From"),
			To:        r.FormValue("To"),
			Status:    status,
		}
		if err := s.calls.SaveCall(r.Context(), record); err != nil {
			s.log.Warn().Err(err).Str("call_sid", callSID).Msg("record inbound call failed")
		}
	}
	s.log.Info().
		Str("call_sid", callSID).
		Str("from", policy.MaskPhone(r.FormValue("From"))).
		Msg("inbound call answered")

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(twiml))
}

func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_form", err.Error())
		return
	}
	callSID := strings.TrimSpace(r.FormValue("CallSid"))
	status := strings.TrimSpace(r.FormValue("CallStatus"))
	if callSID == "" || status == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "CallSid and CallStatus are required")
		return
	}

	err := s.calls.UpdateStatus(r.Context(), callSID, status)
	if errors.Is(err, calls.ErrNotFound) {
		err = s.calls.SaveCall(r.Context(), calls.Record{
			CallSID:   callSID,
			Direction: directionFromProvider(r.FormValue("Direction")),
			From:      r.FormValue("From"),
			To:        r.FormValue("To"),
			Status:    status,
		})
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	s.log.Debug().Str("call_sid", callSID).Str("status", status).Msg("call status updated")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	var req outboundCallRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "missing_body", "request body is required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	to := strings.TrimSpace(req.To)
	if to == "" {
		respondError(w, http.StatusBadRequest, "missing_to", "destination phone number is required")
		return
	}
	if s.provider == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "telephony provider not configured")
		return
	}

	twiml, err := twilio.StreamTwiML(s.streamURL(r), nil)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "twiml_failed", err.Error())
		return
	}

	call, err := s.provider.MakeCall(r.Context(), twilio.MakeCallParams{
		To:                  to,
		From:                s.cfg.TwilioPhoneNumber,
		Twiml:               twiml,
		StatusCallback:      s.callbackURL(r, "/twilio/status"),
		StatusCallbackEvent: statusCallbackEvents,
	})
	if err != nil {
		s.metrics.ObserveOutboundCall("error")
		message := err.Error()
		status := 0
		var providerErr *twilio.Error
		if errors.As(err, &providerErr) {
			if providerErr.Message != "" {
				message = providerErr.Message
			}
			status = providerErr.Status
		}
		s.metrics.ObserveProviderError("twilio", reliability.ClassifyHTTPStatus(status))
		s.log.Error().Err(err).
			Str("to", policy.MaskPhone(to)).
			Bool("retryable", reliability.IsRetryableHTTPStatus(status)).
			Msg("outbound call failed")
		respondError(w, http.StatusInternalServerError, "provider_error", message)
		return
	}
	s.metrics.ObserveOutboundCall("ok")

	status := call.Status
	if status == "" {
		status = twilio.CallStatusQueued
	}
	from := call.From
	if from == "" {
		from = s.cfg.TwilioPhoneNumber
	}
	if err := s.calls.SaveCall(r.Context(), calls.Record{
		CallSID:   call.SID,
		Direction: calls.DirectionOutbound,
		From:      from,
		To:        to,
		Status:    status,
	}); err != nil {
		s.log.Warn().Err(err).Str("call_sid", call.SID).Msg("record outbound call failed")
	}
	s.log.Info().Str("call_sid", call.SID).Str("to", policy.MaskPhone(to)).Msg("outbound call initiated")

	respondJSON(w, http.StatusOK, outboundCallResponse{
		Success: true,
		Message: "Call initiated",
		CallSID: call.SID,
	})
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	records, err := s.calls.RecentCalls(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": records})
}

// handleGetCall serves a call log entry. With ?refresh=true the status is
// first re-read from the provider.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "sid")
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh && s.provider != nil {
		live, err := s.provider.GetCall(r.Context(), callSID)
		if err != nil {
			var providerErr *twilio.Error
			status := 0
			if errors.As(err, &providerErr) {
				status = providerErr.Status
			}
			s.metrics.ObserveProviderError("twilio", reliability.ClassifyHTTPStatus(status))
			if status == http.StatusNotFound {
				respondError(w, http.StatusNotFound, "call_not_found", err.Error())
				return
			}
			respondError(w, http.StatusBadGateway, "provider_error", err.Error())
			return
		}
		if err := s.calls.SaveCall(r.Context(), calls.Record{
			CallSID:   callSID,
			Direction: directionFromProvider(live.Direction),
			From:      live.From,
			To:        live.To,
			Status:    live.Status,
		}); err != nil {
			respondError(w, http.StatusInternalServerError, "store_failed", err.Error())
			return
		}
	}

	record, err := s.calls.GetCall(r.Context(), callSID)
	if errors.Is(err, calls.ErrNotFound) {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// directionFromProvider maps Twilio's direction values (inbound,
// outbound-api, outbound-dial) onto the call log's two directions.
func directionFromProvider(raw string) calls.Direction {
	if strings.HasPrefix(strings.TrimSpace(raw), "outbound") {
		return calls.DirectionOutbound
	}
	return calls.DirectionInbound
}
