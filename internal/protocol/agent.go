package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// AgentEventType is the "type" tag of a conversational agent frame.
type AgentEventType string

const (
	AgentConversationInitiationMetadata AgentEventType = "conversation_initiation_metadata"
	AgentAudio                          AgentEventType = "audio"
	AgentTranscription                  AgentEventType = "transcription"
	AgentInterruption                   AgentEventType = "interruption"
	AgentPing                           AgentEventType = "ping"
	AgentPong                           AgentEventType = "pong"
	AgentResponse                       AgentEventType = "agent_response"
	AgentUserTranscript                 AgentEventType = "user_transcript"
)

// AgentEvent is one decoded inbound agent frame.
type AgentEvent interface {
	Type() AgentEventType
	agentEvent()
}

type ConversationMetadataEvent struct {
	ConversationID    string
	AgentOutputFormat string
	UserInputFormat   string
}

// AudioEvent carries synthesized speech. AudioBase64 is empty when the
// frame had no audio payload.
type AudioEvent struct {
	AudioBase64 string
	EventID     json.RawMessage
}

type TranscriptionEvent struct {
	Text string
}

type InterruptionEvent struct {
	EventID json.RawMessage
}

// PingEvent is a keep-alive probe. EventID is kept as raw JSON so the pong
// echoes it byte for byte.
type PingEvent struct {
	EventID json.RawMessage
	PingMS  int
}

type AgentResponseEvent struct {
	Text string
}

type UserTranscriptEvent struct {
	Text string
}

type UnknownAgentEvent struct {
	EventType AgentEventType
}

func (ConversationMetadataEvent) Type() AgentEventType { return AgentConversationInitiationMetadata }
func (AudioEvent) Type() AgentEventType                { return AgentAudio }
func (TranscriptionEvent) Type() AgentEventType        { return AgentTranscription }
func (InterruptionEvent) Type() AgentEventType         { return AgentInterruption }
func (PingEvent) Type() AgentEventType                 { return AgentPing }
func (AgentResponseEvent) Type() AgentEventType        { return AgentResponse }
func (UserTranscriptEvent) Type() AgentEventType       { return AgentUserTranscript }
func (e UnknownAgentEvent) Type() AgentEventType       { return e.EventType }

func (ConversationMetadataEvent) agentEvent() {}
func (AudioEvent) agentEvent()                {}
func (TranscriptionEvent) agentEvent()        {}
func (InterruptionEvent) agentEvent()         {}
func (PingEvent) agentEvent()                 {}
func (AgentResponseEvent) agentEvent()        {}
func (UserTranscriptEvent) agentEvent()       {}
func (UnknownAgentEvent) agentEvent()         {}

type agentFrame struct {
	Type     AgentEventType `json:"type"`
	Text     string         `json:"text"`
	Metadata *struct {
		ConversationID    string `json:"conversation_id"`
		AgentOutputFormat string `json:"agent_output_audio_format"`
		UserInputFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event"`
	Audio *struct {
		AudioBase64 string          `json:"audio_base_64"`
		EventID     json.RawMessage `json:"event_id"`
	} `json:"audio_event"`
	Interruption *struct {
		EventID json.RawMessage `json:"event_id"`
	} `json:"interruption_event"`
	Ping *struct {
		EventID json.RawMessage `json:"event_id"`
		PingMS  int             `json:"ping_ms"`
	} `json:"ping_event"`
	AgentResponse *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`
	UserTranscript *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event"`
}

// ParseAgentEvent decodes an agent frame. Only malformed JSON is an error;
// absent sub-objects yield zero-valued fields for the caller to judge.
func ParseAgentEvent(raw []byte) (AgentEvent, error) {
	var f agentFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("invalid agent frame: %w", err)
	}

	switch f.Type {
	case AgentConversationInitiationMetadata:
		ev := ConversationMetadataEvent{}
		if f.Metadata != nil {
			ev.ConversationID = f.Metadata.ConversationID
			ev.AgentOutputFormat = f.Metadata.AgentOutputFormat
			ev.UserInputFormat = f.Metadata.UserInputFormat
		}
		return ev, nil
	case AgentAudio:
		ev := AudioEvent{}
		if f.Audio != nil {
			ev.AudioBase64 = f.Audio.AudioBase64
			ev.EventID = f.Audio.EventID
		}
		return ev, nil
	case AgentTranscription:
		return TranscriptionEvent{Text: f.Text}, nil
	case AgentInterruption:
		ev := InterruptionEvent{}
		if f.Interruption != nil {
			ev.EventID = f.Interruption.EventID
		}
		return ev, nil
	case AgentPing:
		ev := PingEvent{}
		if f.Ping != nil {
			ev.EventID = f.Ping.EventID
			ev.PingMS = f.Ping.PingMS
		}
		return ev, nil
	case AgentResponse:
		ev := AgentResponseEvent{Text: f.Text}
		if f.AgentResponse != nil {
			ev.Text = f.AgentResponse.AgentResponse
		}
		return ev, nil
	case AgentUserTranscript:
		ev := UserTranscriptEvent{Text: f.Text}
		if f.UserTranscript != nil {
			ev.Text = f.UserTranscript.UserTranscript
		}
		return ev, nil
	default:
		return UnknownAgentEvent{EventType: f.Type}, nil
	}
}

// HasEventID reports whether id holds a usable identifier.
func HasEventID(id json.RawMessage) bool {
	trimmed := bytes.TrimSpace(id)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// UserAudioChunk forwards caller audio to the agent.
type UserAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

// Pong answers an agent ping.
type Pong struct {
	Type    AgentEventType  `json:"type"`
	EventID json.RawMessage `json:"event_id"`
}

func NewPong(eventID json.RawMessage) Pong {
	return Pong{Type: AgentPong, EventID: eventID}
}
