// Package relay bridges one telephony media stream with one conversational
// agent connection.
//
// A Session runs a single event loop. Both channels are read by pump
// goroutines that hand frames to the loop; every state change and every
// write to either channel happens on the loop goroutine, so session state
// needs no locking and each frame is handled to completion before the next.
package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/callrelay/internal/observability"
	"github.com/antoniostano/callrelay/internal/policy"
	"github.com/antoniostano/callrelay/internal/protocol"
)

// State is the lifecycle position of a session.
type State string

const (
	StateConnectingAgent State = "connecting_agent"
	StateActive          State = "active"
	StateClosing         State = "closing"
	StateClosed          State = "closed"
)

// Channel is a framed full-duplex connection. *websocket.Conn satisfies it.
type Channel interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// AgentDialer opens the agent side of a session.
type AgentDialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// Snapshot is a copy of session state published on every change.
type Snapshot struct {
	ID             string    `json:"session_id"`
	StreamSID      string    `json:"stream_sid,omitempty"`
	CallSID        string    `json:"call_sid,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	State          State     `json:"state"`
	StartedAt      time.Time `json:"started_at"`
	FramesIn       int       `json:"frames_in"`
	FramesOut      int       `json:"frames_out"`
	Dropped        int       `json:"dropped"`
}

type Options struct {
	Logger  zerolog.Logger
	Metrics *observability.Metrics

	// HangupOnAgentClose ends the session when the agent channel is lost
	// instead of leaving the caller connected.
	HangupOnAgentClose bool

	// LogTranscripts logs conversation text with PII redacted. Without it
	// only text sizes are logged.
	LogTranscripts bool

	// OnChange is called on the loop goroutine after each state change.
	OnChange func(Snapshot)

	// OnHangup is called on the loop goroutine when the session ends the
	// call itself because the agent channel was lost. The snapshot carries
	// the bound call id, if any.
	OnHangup func(Snapshot)
}

type inbound struct {
	data []byte
	err  error
}

type dialResult struct {
	ch      Channel
	err     error
	elapsed time.Duration
}

// Session owns exactly one telephony channel and at most one agent channel.
type Session struct {
	id        string
	telephony Channel
	dialer    AgentDialer
	opts      Options
	log       zerolog.Logger
	metrics   *observability.Metrics

	agent          Channel
	streamSID      string
	callSID        string
	conversationID string
	state          State
	startedAt      time.Time
	sawAgentAudio  bool
	framesIn       int
	framesOut      int
	dropped        int

	telephonyIn chan inbound
	agentIn     chan inbound
	dialDone    chan dialResult
}

func NewSession(id string, telephony Channel, dialer AgentDialer, opts Options) *Session {
	return &Session{
		id:          id,
		telephony:   telephony,
		dialer:      dialer,
		opts:        opts,
		log:         opts.Logger.With().Str("session_id", id).Logger(),
		metrics:     opts.Metrics,
		state:       StateConnectingAgent,
		telephonyIn: make(chan inbound),
		agentIn:     make(chan inbound),
		dialDone:    make(chan dialResult),
	}
}

func (s *Session) ID() string { return s.id }

// Run drives the session until the telephony side terminates or ctx is
// cancelled. Both channels are closed when Run returns.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.startedAt = time.Now()
	s.metrics.SessionEvent("started")
	s.log.Info().Msg("relay session started")
	s.publish()

	go pump(ctx, s.telephony, s.telephonyIn)
	go s.dialAgent(ctx)

	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-s.dialDone:
			if done := s.handleDial(ctx, res); done {
				return nil
			}
		case in := <-s.telephonyIn:
			if in.err != nil {
				s.handleTelephonyClosed(in.err)
				return nil
			}
			if done := s.handleTelephonyFrame(in.data); done {
				return nil
			}
		case in := <-s.agentIn:
			if in.err != nil {
				if done := s.handleAgentClosed(in.err); done {
					return nil
				}
				continue
			}
			s.handleAgentFrame(in.data)
		}
	}
}

func (s *Session) dialAgent(ctx context.Context) {
	start := time.Now()
	ch, err := s.dialer.Dial(ctx)
	res := dialResult{ch: ch, err: err, elapsed: time.Since(start)}
	select {
	case s.dialDone <- res:
	case <-ctx.Done():
		if ch != nil {
			_ = closeChannel(ch, websocket.CloseNormalClosure, "session ended")
		}
	}
}

func (s *Session) handleDial(ctx context.Context, res dialResult) bool {
	if res.err != nil {
		s.log.Error().Err(res.err).Dur("elapsed", res.elapsed).Msg("agent channel connect failed")
		s.metrics.ObserveProviderError("agent", "dial_failed")
		s.metrics.SessionEvent("agent_dial_failed")
		return s.agentLost()
	}
	s.agent = res.ch
	s.setState(StateActive)
	s.metrics.ObserveAgentConnect(res.elapsed)
	s.log.Info().Dur("elapsed", res.elapsed).Msg("agent channel open")
	go pump(ctx, s.agent, s.agentIn)
	return false
}

func (s *Session) handleTelephonyClosed(err error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		s.log.Info().Int("code", ce.Code).Str("reason", ce.Text).Msg("telephony channel closed")
	} else {
		s.log.Info().Err(err).Msg("telephony channel dropped")
	}
	s.metrics.SessionEvent("telephony_closed")
	s.setState(StateClosing)
	s.closeAgent()
}

func (s *Session) handleAgentClosed(err error) bool {
	if s.agent == nil {
		return false
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		s.log.Info().Int("code", ce.Code).Str("reason", ce.Text).Msg("agent channel closed")
	} else {
		s.log.Info().Err(err).Msg("agent channel dropped")
	}
	s.metrics.SessionEvent("agent_closed")
	_ = s.agent.Close()
	s.agent = nil
	return s.agentLost()
}

// agentLost moves to closing without an agent. The caller stays connected
// unless HangupOnAgentClose is set; there is no reconnect.
func (s *Session) agentLost() bool {
	s.setState(StateClosing)
	if !s.opts.HangupOnAgentClose {
		return false
	}
	s.log.Info().Msg("hanging up media stream after agent loss")
	s.metrics.SessionEvent("hangup_agent_lost")
	if s.opts.OnHangup != nil {
		s.opts.OnHangup(s.snapshot())
	}
	return true
}

func (s *Session) handleTelephonyFrame(data []byte) bool {
	ev, err := protocol.ParseTelephonyEvent(data)
	if err != nil {
		s.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping telephony frame")
		s.drop("telephony_decode")
		return false
	}
	s.framesIn++
	s.metrics.ObserveFrame("telephony_in", string(ev.Kind()))

	switch e := ev.(type) {
	case protocol.StartEvent:
		s.bindStream(e)
	case protocol.MediaEvent:
		s.forwardCallerAudio(e)
	case protocol.StopEvent:
		s.log.Info().Msg("telephony stream stopped")
		s.metrics.SessionEvent("telephony_stop")
		s.setState(StateClosing)
		s.closeAgent()
		return true
	case protocol.UnknownTelephonyEvent:
		s.log.Debug().Str("event", string(e.Event)).Msg("ignoring telephony event")
	}
	return false
}

func (s *Session) bindStream(e protocol.StartEvent) {
	if s.streamSID != "" {
		if s.streamSID != e.StreamSID {
			s.log.Warn().Str("new_stream_sid", e.StreamSID).Msg("stream already bound; ignoring start")
		}
		return
	}
	s.streamSID = e.StreamSID
	s.callSID = e.CallSID
	s.log = s.log.With().Str("stream_sid", s.streamSID).Str("call_sid", s.callSID).Logger()
	s.log.Info().
		Str("encoding", e.MediaFormat.Encoding).
		Int("sample_rate", e.MediaFormat.SampleRate).
		Msg("telephony stream started")
	s.publish()
}

func (s *Session) forwardCallerAudio(e protocol.MediaEvent) {
	if s.streamSID == "" {
		s.log.Debug().Msg("media before start; dropping")
		s.drop("before_start")
		return
	}
	if s.agent == nil {
		s.log.Debug().Str("state", string(s.state)).Msg("agent channel not open; dropping caller audio")
		s.drop("agent_not_open")
		return
	}
	audio, err := base64.StdEncoding.DecodeString(e.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("undecodable media payload")
		s.drop("bad_payload")
		return
	}
	chunk := protocol.UserAudioChunk{UserAudioChunk: base64.StdEncoding.EncodeToString(audio)}
	if err := s.agent.WriteJSON(chunk); err != nil {
		s.log.Warn().Err(err).Msg("agent write failed")
		s.drop("agent_write")
		return
	}
	s.framesOut++
	s.metrics.ObserveFrame("agent_out", "user_audio_chunk")
}

func (s *Session) handleAgentFrame(data []byte) {
	ev, err := protocol.ParseAgentEvent(data)
	if err != nil {
		s.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping agent frame")
		s.drop("agent_decode")
		return
	}
	s.framesIn++
	s.metrics.ObserveFrame("agent_in", string(ev.Type()))

	switch e := ev.(type) {
	case protocol.ConversationMetadataEvent:
		s.conversationID = e.ConversationID
		s.log.Info().
			Str("conversation_id", e.ConversationID).
			Str("agent_output_format", e.AgentOutputFormat).
			Str("user_input_format", e.UserInputFormat).
			Msg("agent conversation initiated")
		s.publish()
	case protocol.AudioEvent:
		if e.AudioBase64 == "" {
			return
		}
		if !s.sawAgentAudio {
			s.sawAgentAudio = true
			s.metrics.ObserveFirstAgentAudio(time.Since(s.startedAt))
		}
		s.sendTelephony(protocol.NewOutboundMedia(s.streamSID, e.AudioBase64), "media")
	case protocol.TranscriptionEvent:
		if e.Text != "" {
			s.logText(zerolog.InfoLevel, e.Text, "agent transcription")
		}
	case protocol.AgentResponseEvent:
		s.logText(zerolog.DebugLevel, e.Text, "agent response")
	case protocol.UserTranscriptEvent:
		s.logText(zerolog.DebugLevel, e.Text, "user transcript")
	case protocol.InterruptionEvent:
		s.log.Info().Msg("agent interruption; clearing caller playback")
		s.sendTelephony(protocol.NewClear(s.streamSID), "clear")
	case protocol.PingEvent:
		if !protocol.HasEventID(e.EventID) {
			return
		}
		if err := s.agent.WriteJSON(protocol.NewPong(e.EventID)); err != nil {
			s.log.Warn().Err(err).Msg("pong write failed")
			s.drop("agent_write")
			return
		}
		s.metrics.ObserveFrame("agent_out", "pong")
	case protocol.UnknownAgentEvent:
		// vad scores, tool calls and other kinds the relay has no use for.
	}
}

func (s *Session) logText(level zerolog.Level, text, msg string) {
	ev := s.log.WithLevel(level).Int("chars", len(text))
	if s.opts.LogTranscripts {
		redacted, _ := policy.RedactPII(text)
		ev = ev.Str("text", redacted)
	}
	ev.Msg(msg)
}

func (s *Session) sendTelephony(frame any, kind string) {
	if s.streamSID == "" {
		s.log.Debug().Str("type", kind).Msg("no stream bound; dropping agent output")
		s.drop("no_stream")
		return
	}
	if err := s.telephony.WriteJSON(frame); err != nil {
		s.log.Warn().Err(err).Str("type", kind).Msg("telephony write failed")
		s.drop("telephony_write")
		return
	}
	s.framesOut++
	s.metrics.ObserveFrame("telephony_out", kind)
}

func (s *Session) closeAgent() {
	if s.agent == nil {
		return
	}
	if err := closeChannel(s.agent, websocket.CloseNormalClosure, "call ended"); err != nil {
		s.log.Debug().Err(err).Msg("agent close")
	}
	s.agent = nil
}

func (s *Session) shutdown() {
	s.closeAgent()
	_ = closeChannel(s.telephony, websocket.CloseNormalClosure, "")
	s.setState(StateClosed)
	s.metrics.SessionEvent("closed")
	s.metrics.ObserveSessionDuration(time.Since(s.startedAt))
	s.log.Info().
		Int("frames_in", s.framesIn).
		Int("frames_out", s.framesOut).
		Int("dropped", s.dropped).
		Msg("relay session closed")
}

func (s *Session) drop(reason string) {
	s.dropped++
	s.metrics.ObserveDrop(reason)
	s.publish()
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.log.Debug().Str("from", string(s.state)).Str("to", string(st)).Msg("session state")
	s.state = st
	s.publish()
}

func (s *Session) publish() {
	if s.opts.OnChange == nil {
		return
	}
	s.opts.OnChange(s.snapshot())
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		ID:             s.id,
		StreamSID:      s.streamSID,
		CallSID:        s.callSID,
		ConversationID: s.conversationID,
		State:          s.state,
		StartedAt:      s.startedAt,
		FramesIn:       s.framesIn,
		FramesOut:      s.framesOut,
		Dropped:        s.dropped,
	}
}

func pump(ctx context.Context, ch Channel, out chan<- inbound) {
	for {
		_, data, err := ch.ReadMessage()
		select {
		case out <- inbound{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// closeChannel sends a close frame when the channel supports it, then
// releases the connection.
func closeChannel(ch Channel, code int, reason string) error {
	if cw, ok := ch.(controlWriter); ok {
		_ = cw.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	}
	return ch.Close()
}
