package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var errFakeClosed = errors.New("fake channel closed")

// fakeChannel is an in-memory Channel. Frames pushed with send are returned
// by ReadMessage in order; hangUp makes the next read fail like a peer close.
type fakeChannel struct {
	in     chan []byte
	writes chan []byte
	done   chan struct{}

	mu       sync.Mutex
	written  [][]byte
	closed   bool
	closeErr error
	once     sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:     make(chan []byte, 64),
		writes: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

func (f *fakeChannel) ReadMessage() (int, []byte, error) {
	select {
	case b, ok := <-f.in:
		if !ok {
			f.mu.Lock()
			err := f.closeErr
			f.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return 0, nil, err
		}
		return websocket.TextMessage, b, nil
	case <-f.done:
		return 0, nil, errFakeClosed
	}
}

func (f *fakeChannel) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errFakeClosed
	}
	f.written = append(f.written, b)
	f.mu.Unlock()
	f.writes <- b
	return nil
}

func (f *fakeChannel) Close() error {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.done)
	})
	return nil
}

func (f *fakeChannel) send(frame string) {
	f.in <- []byte(frame)
}

// hangUp simulates the peer closing with the given close error.
func (f *fakeChannel) hangUp(err error) {
	f.mu.Lock()
	f.closeErr = err
	f.mu.Unlock()
	close(f.in)
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func (f *fakeChannel) nextWrite(t *testing.T) map[string]any {
	t.Helper()
	select {
	case b := <-f.writes:
		var out map[string]any
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("decode written frame %s: %v", b, err)
		}
		return out
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a written frame")
		return nil
	}
}

type fakeDialer struct {
	ch   Channel
	err  error
	gate chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context) (Channel, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.ch, nil
}
