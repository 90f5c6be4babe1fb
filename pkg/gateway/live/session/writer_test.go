package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedWrite struct {
	messageType int
	data        string
}

type readResult struct {
	messageType int
	data        []byte
	err         error
}

type fakeWS struct {
	mu        sync.Mutex
	writes    []recordedWrite
	deadlines int
	writeErr  error
	closed    bool

	inFlight   atomic.Int32
	overlapped atomic.Bool

	reads chan readResult
}

func newFakeWS() *fakeWS {
	return &fakeWS{reads: make(chan readResult, 64)}
}

func (f *fakeWS) SetWriteDeadline(time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadlines++
	return nil
}

func (f *fakeWS) WriteMessage(messageType int, data []byte) error {
	if f.inFlight.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	defer f.inFlight.Add(-1)
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWS) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	r, ok := <-f.reads
	if !ok {
		return 0, nil, errors.New("read: use of closed network connection")
	}
	return r.messageType, r.data, r.err
}

func (f *fakeWS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWS) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func TestConn_SendJSONWritesTextWithDeadline(t *testing.T) {
	ws := newFakeWS()
	c := newConn(ws, time.Second)

	if err := c.SendJSON(map[string]any{"text": "hi"}); err != nil {
		t.Fatalf("SendJSON: %v", err)
	}
	writes := ws.snapshot()
	if len(writes) != 1 || writes[0].messageType != websocket.TextMessage || writes[0].data != `{"text":"hi"}` {
		t.Fatalf("writes=%+v", writes)
	}
	if ws.deadlines != 1 {
		t.Fatalf("deadlines=%d, want 1", ws.deadlines)
	}
}

func TestConn_ConcurrentSendsAreSerialized(t *testing.T) {
	ws := newFakeWS()
	c := newConn(ws, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = c.SendJSON(map[string]int{"n": i})
		}(i)
	}
	wg.Wait()

	if ws.overlapped.Load() {
		t.Fatalf("two writes were in flight at once")
	}
	if got := len(ws.snapshot()); got != 16 {
		t.Fatalf("writes=%d, want 16", got)
	}
}

func TestConn_WriteFailureMarksDead(t *testing.T) {
	ws := newFakeWS()
	ws.writeErr = errors.New("write: broken pipe")
	c := newConn(ws, time.Second)

	if err := c.SendJSON("x"); err == nil {
		t.Fatalf("expected write error")
	}
	if c.Alive() {
		t.Fatalf("conn still alive after write failure")
	}
	if err := c.SendJSON("y"); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("err=%v, want ErrConnClosed", err)
	}
}

func TestConn_CloseSendsCloseFrameOnce(t *testing.T) {
	ws := newFakeWS()
	c := newConn(ws, time.Second)

	if err := c.Close(4003, "upstream unavailable"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = c.Close(1000, "")

	writes := ws.snapshot()
	if len(writes) != 1 || writes[0].messageType != websocket.CloseMessage {
		t.Fatalf("writes=%+v, want one close frame", writes)
	}
	want := string(websocket.FormatCloseMessage(4003, "upstream unavailable"))
	if writes[0].data != want {
		t.Fatalf("close payload=%q, want %q", writes[0].data, want)
	}
	if !ws.closed {
		t.Fatalf("socket not closed")
	}
	if err := c.SendJSON("late"); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("err=%v, want ErrConnClosed", err)
	}
}

func TestConn_FramesDeliversThenEndsOnReadError(t *testing.T) {
	ws := newFakeWS()
	c := newConn(ws, time.Second)

	ws.reads <- readResult{messageType: websocket.TextMessage, data: []byte(`{"text":"a"}`)}
	ws.reads <- readResult{messageType: websocket.BinaryMessage, data: []byte{1}}
	ws.reads <- readResult{err: &websocket.CloseError{Code: websocket.CloseNormalClosure}}

	frames := c.Frames()
	var got []Frame
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case f, ok := <-frames:
			if !ok {
				done = true
				continue
			}
			got = append(got, f)
		case <-timeout:
			t.Fatalf("frames channel never closed")
		}
	}

	if len(got) != 3 {
		t.Fatalf("frames=%d, want 3", len(got))
	}
	if got[0].MessageType != websocket.TextMessage || got[1].MessageType != websocket.BinaryMessage {
		t.Fatalf("unexpected frames %+v", got)
	}
	if !IsConnectionError(got[2].Err) {
		t.Fatalf("last frame err=%v, want connection error", got[2].Err)
	}
	if c.Alive() {
		t.Fatalf("conn alive after read error")
	}
}

func TestConn_CloseReleasesBlockedReader(t *testing.T) {
	ws := newFakeWS()
	c := newConn(ws, time.Second)
	frames := c.Frames()

	// Fill the buffer so the reader blocks on delivery.
	for i := 0; i < cap(c.frames)+2; i++ {
		ws.reads <- readResult{messageType: websocket.TextMessage, data: []byte("{}")}
	}
	time.Sleep(20 * time.Millisecond)
	_ = c.Close(1000, "")
	close(ws.reads)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("reader did not exit after Close")
		}
	}
}
