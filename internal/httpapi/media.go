package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/antoniostano/callrelay/internal/calls"
	"github.com/antoniostano/callrelay/internal/relay"
	"github.com/antoniostano/callrelay/internal/reliability"
	"github.com/antoniostano/callrelay/internal/twilio"
)

const mediaReadLimit = 1 << 20

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if s.dialer == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "agent dialer not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("media stream upgrade failed")
		return
	}
	conn.SetReadLimit(mediaReadLimit)
	s.live.Add(1)
	defer s.live.Done()

	id := s.sessions.NewID()
	log := s.log.With().Str("session_id", id).Str("remote", r.RemoteAddr).Logger()
	log.Info().Msg("telephony media stream connected")

	// OnChange runs on the session loop goroutine, so attached needs no lock.
	attached := false
	onChange := func(snap relay.Snapshot) {
		s.sessions.Update(snap)
		if !attached && snap.CallSID != "" && snap.StreamSID != "" {
			attached = true
			go s.attachStream(snap.CallSID, snap.StreamSID)
		}
	}

	sess := relay.NewSession(id, conn, s.dialer, relay.Options{
		Logger:             s.log,
		Metrics:            s.metrics,
		HangupOnAgentClose: s.cfg.HangupOnAgentClose,
		LogTranscripts:     s.cfg.LogTranscripts,
		OnChange:           onChange,
		OnHangup: func(snap relay.Snapshot) {
			if snap.CallSID == "" || s.provider == nil {
				return
			}
			s.live.Add(1)
			go func() {
				defer s.live.Done()
				s.hangupCall(snap.CallSID)
			}()
		},
	})
	if err := sess.Run(r.Context()); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("relay session ended with error")
		return
	}
	log.Info().Msg("telephony media stream closed")
}

// hangupCall ends the provider call leg once its agent is gone, so the caller
// is not left on a dead line.
func (s *Server) hangupCall(callSID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log := s.log.With().Str("call_sid", callSID).Logger()
	if _, err := s.provider.HangupCall(ctx, callSID); err != nil {
		status := 0
		var providerErr *twilio.Error
		if errors.As(err, &providerErr) {
			status = providerErr.Status
		}
		s.metrics.ObserveProviderError("twilio", reliability.ClassifyHTTPStatus(status))
		log.Warn().Err(err).Msg("hangup call after agent loss failed")
		return
	}
	if err := s.calls.UpdateStatus(ctx, callSID, twilio.CallStatusCompleted); err != nil && !errors.Is(err, calls.ErrNotFound) {
		log.Warn().Err(err).Msg("record call hangup failed")
	}
	log.Info().Msg("call hung up after agent loss")
}

func (s *Server) attachStream(callSID, streamSID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.calls.AttachStream(ctx, callSID, streamSID)
	if errors.Is(err, calls.ErrNotFound) {
		err = s.calls.SaveCall(ctx, calls.Record{
			CallSID:   callSID,
			Direction: calls.DirectionInbound,
			Status:    twilio.CallStatusInProgress,
			StreamSID: streamSID,
		})
	}
	if err != nil {
		s.log.Warn().Err(err).Str("call_sid", callSID).Msg("record media stream on call failed")
	}
}
