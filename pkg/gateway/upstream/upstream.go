// Package upstream is the relay's view of the live AI service: a dialer that
// opens sessions and a session that sends client input and yields events.
package upstream

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("upstream: session closed")

type FunctionDeclaration struct {
	Name        string
	Description string
}

type Params struct {
	Model             string
	VoiceName         string
	LanguageCode      string
	SystemInstruction string
	// Nil sampling fields leave the model default; zero is sent as zero.
	Temperature *float32
	TopP        *float32
	Tools       []FunctionDeclaration
	// ResumptionHandle is empty for a cold start.
	ResumptionHandle string
	TranscribeInput  bool
	TranscribeOutput bool
}

type ToolResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// Session sends are safe for concurrent use. Receive must only be called
// from one goroutine and unblocks with an error once Close is called.
type Session interface {
	SendAudio(ctx context.Context, data []byte, mimeType string) error
	SendImage(ctx context.Context, data []byte, mimeType string) error
	SendText(ctx context.Context, text string) error
	SendToolResponses(ctx context.Context, responses []ToolResponse) error
	Receive(ctx context.Context) ([]Event, error)
	Close() error
}

type Dialer interface {
	Connect(ctx context.Context, p Params) (Session, error)
}

type DialerFunc func(ctx context.Context, p Params) (Session, error)

func (f DialerFunc) Connect(ctx context.Context, p Params) (Session, error) {
	return f(ctx, p)
}
