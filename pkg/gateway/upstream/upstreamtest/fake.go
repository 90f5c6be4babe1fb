// Package upstreamtest provides an in-memory upstream session for tests.
package upstreamtest

import (
	"context"
	"sync"

	"github.com/vango-go/care-live/pkg/gateway/upstream"
)

type SentMedia struct {
	Data     []byte
	MIMEType string
}

type Session struct {
	mu            sync.Mutex
	audio         []SentMedia
	images        []SentMedia
	texts         []string
	toolResponses [][]upstream.ToolResponse

	// SendErr, when set, is returned by every send.
	SendErr error
	// ToolResponseErr, when set, is returned by SendToolResponses only.
	ToolResponseErr error

	batches   chan []upstream.Event
	recvErr   chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func NewSession() *Session {
	return &Session{
		batches: make(chan []upstream.Event, 64),
		recvErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

// Push queues one upstream message worth of events.
func (s *Session) Push(events ...upstream.Event) {
	s.batches <- events
}

// Fail makes the next Receive return err.
func (s *Session) Fail(err error) {
	select {
	case s.recvErr <- err:
	default:
	}
}

func (s *Session) SendAudio(ctx context.Context, data []byte, mimeType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	s.audio = append(s.audio, SentMedia{Data: append([]byte(nil), data...), MIMEType: mimeType})
	return nil
}

func (s *Session) SendImage(ctx context.Context, data []byte, mimeType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	s.images = append(s.images, SentMedia{Data: append([]byte(nil), data...), MIMEType: mimeType})
	return nil
}

func (s *Session) SendText(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	s.texts = append(s.texts, text)
	return nil
}

func (s *Session) SendToolResponses(ctx context.Context, responses []upstream.ToolResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	if s.ToolResponseErr != nil {
		return s.ToolResponseErr
	}
	s.toolResponses = append(s.toolResponses, append([]upstream.ToolResponse(nil), responses...))
	return nil
}

func (s *Session) Receive(ctx context.Context) ([]upstream.Event, error) {
	select {
	case <-s.closed:
		return nil, upstream.ErrClosed
	default:
	}
	select {
	case events := <-s.batches:
		return events, nil
	case err := <-s.recvErr:
		return nil, err
	case <-s.closed:
		return nil, upstream.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *Session) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) Audio() []SentMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMedia(nil), s.audio...)
}

func (s *Session) Images() []SentMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMedia(nil), s.images...)
}

func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func (s *Session) ToolResponses() [][]upstream.ToolResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]upstream.ToolResponse(nil), s.toolResponses...)
}

// Dialer hands out a fixed session and remembers the params it was given.
type Dialer struct {
	mu      sync.Mutex
	Session *Session
	Err     error
	params  []upstream.Params
}

func (d *Dialer) Connect(ctx context.Context, p upstream.Params) (upstream.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = append(d.params, p)
	if d.Err != nil {
		return nil, d.Err
	}
	return d.Session, nil
}

func (d *Dialer) Params() []upstream.Params {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]upstream.Params(nil), d.params...)
}
