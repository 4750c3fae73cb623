// Package protocol defines the wire vocabulary of the two channels a relay
// session bridges: the telephony media stream and the conversational agent.
//
// Inbound frames decode into sealed variant types. Callers dispatch with a
// type switch; kinds the relay does not act on decode to an Unknown variant
// rather than an error, so a new event kind is a code change, not a silent
// fallthrough.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// TelephonyEventKind is the "event" tag of a media stream frame.
type TelephonyEventKind string

const (
	TelephonyConnected TelephonyEventKind = "connected"
	TelephonyStart     TelephonyEventKind = "start"
	TelephonyMedia     TelephonyEventKind = "media"
	TelephonyStop      TelephonyEventKind = "stop"
	TelephonyMark      TelephonyEventKind = "mark"
	TelephonyDTMF      TelephonyEventKind = "dtmf"
	TelephonyClear     TelephonyEventKind = "clear"
)

var (
	ErrMissingStreamSID = errors.New("start event without streamSid")
	ErrMissingPayload   = errors.New("media event without payload")
)

// TelephonyEvent is one decoded inbound media stream frame.
type TelephonyEvent interface {
	Kind() TelephonyEventKind
	telephonyEvent()
}

type StartEvent struct {
	StreamSID        string
	CallSID          string
	AccountSID       string
	Tracks           []string
	MediaFormat      MediaFormat
	CustomParameters map[string]string
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type MediaEvent struct {
	Track     string
	Chunk     string
	Timestamp string

	// Payload is base64 text exactly as received.
	Payload string
}

type StopEvent struct {
	CallSID string
}

// UnknownTelephonyEvent carries any kind the relay only logs.
type UnknownTelephonyEvent struct {
	Event TelephonyEventKind
}

func (StartEvent) Kind() TelephonyEventKind              { return TelephonyStart }
func (MediaEvent) Kind() TelephonyEventKind              { return TelephonyMedia }
func (StopEvent) Kind() TelephonyEventKind               { return TelephonyStop }
func (e UnknownTelephonyEvent) Kind() TelephonyEventKind { return e.Event }

func (StartEvent) telephonyEvent()            {}
func (MediaEvent) telephonyEvent()            {}
func (StopEvent) telephonyEvent()             {}
func (UnknownTelephonyEvent) telephonyEvent() {}

type telephonyFrame struct {
	Event     TelephonyEventKind `json:"event"`
	StreamSID string             `json:"streamSid,omitempty"`
	Start     *struct {
		StreamSID        string            `json:"streamSid"`
		AccountSID       string            `json:"accountSid"`
		CallSID          string            `json:"callSid"`
		Tracks           []string          `json:"tracks"`
		MediaFormat      MediaFormat       `json:"mediaFormat"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`
	Media *struct {
		Track     string `json:"track"`
		Chunk     string `json:"chunk"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media,omitempty"`
	Stop *struct {
		AccountSID string `json:"accountSid"`
		CallSID    string `json:"callSid"`
	} `json:"stop,omitempty"`
}

// ParseTelephonyEvent decodes a media stream frame. Malformed JSON and
// recognized kinds missing their required fields are errors.
func ParseTelephonyEvent(raw []byte) (TelephonyEvent, error) {
	var f telephonyFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("invalid telephony frame: %w", err)
	}

	switch f.Event {
	case TelephonyStart:
		ev := StartEvent{StreamSID: f.StreamSID}
		if f.Start != nil {
			if f.Start.StreamSID != "" {
				ev.StreamSID = f.Start.StreamSID
			}
			ev.CallSID = f.Start.CallSID
			ev.AccountSID = f.Start.AccountSID
			ev.Tracks = f.Start.Tracks
			ev.MediaFormat = f.Start.MediaFormat
			ev.CustomParameters = f.Start.CustomParameters
		}
		if ev.StreamSID == "" {
			return nil, ErrMissingStreamSID
		}
		return ev, nil
	case TelephonyMedia:
		if f.Media == nil || f.Media.Payload == "" {
			return nil, ErrMissingPayload
		}
		return MediaEvent{
			Track:     f.Media.Track,
			Chunk:     f.Media.Chunk,
			Timestamp: f.Media.Timestamp,
			Payload:   f.Media.Payload,
		}, nil
	case TelephonyStop:
		ev := StopEvent{}
		if f.Stop != nil {
			ev.CallSID = f.Stop.CallSID
		}
		return ev, nil
	default:
		return UnknownTelephonyEvent{Event: f.Event}, nil
	}
}

// OutboundMedia is audio sent toward the caller.
type OutboundMedia struct {
	Event     TelephonyEventKind `json:"event"`
	StreamSID string             `json:"streamSid"`
	Media     OutboundPayload    `json:"media"`
}

type OutboundPayload struct {
	Payload string `json:"payload"`
}

// Clear tells the media stream to drop audio it has buffered for playback.
type Clear struct {
	Event     TelephonyEventKind `json:"event"`
	StreamSID string             `json:"streamSid"`
}

func NewOutboundMedia(streamSID, payload string) OutboundMedia {
	return OutboundMedia{Event: TelephonyMedia, StreamSID: streamSID, Media: OutboundPayload{Payload: payload}}
}

func NewClear(streamSID string) Clear {
	return Clear{Event: TelephonyClear, StreamSID: streamSID}
}
