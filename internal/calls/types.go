package calls

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("call not found")

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Record is one call as seen by the relay: who, which way, its latest
// provider status and the media stream it was bridged on.
type Record struct {
	ID        string    `json:"id"`
	CallSID   string    `json:"call_sid"`
	Direction Direction `json:"direction"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Status    string    `json:"status"`
	StreamSID string    `json:"stream_sid,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists the call log.
type Store interface {
	// SaveCall inserts a record or, for a known CallSID, refreshes its
	// status and any non-empty fields.
	SaveCall(ctx context.Context, record Record) error
	UpdateStatus(ctx context.Context, callSID, status string) error
	AttachStream(ctx context.Context, callSID, streamSID string) error
	GetCall(ctx context.Context, callSID string) (Record, error)
	RecentCalls(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
