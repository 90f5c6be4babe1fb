package upstream

import "time"

// Event is one decoded upstream signal. A single upstream message can carry
// several; Receive returns them in processing order.
type Event interface {
	eventKind() string
}

type Direction int

const (
	// Input is the user's speech as heard by the upstream.
	Input Direction = iota + 1
	// Output is the assistant's own speech.
	Output
)

type Interrupted struct{}

type Usage struct {
	PromptTokens   int
	ResponseTokens int
	TotalTokens    int
}

type ResumptionUpdate struct {
	Handle    string
	Resumable bool
}

type Transcription struct {
	Direction Direction
	Text      string
	Finished  bool
}

type FunctionCall struct {
	ID   string
	Name string
	Args map[string]any
}

type ToolCall struct {
	Calls []FunctionCall
}

type ModelText struct {
	Text string
}

type ModelAudio struct {
	Data     []byte
	MIMEType string
}

type TurnDetection struct {
	Type string
}

type TurnComplete struct{}

type GoAway struct {
	TimeLeft time.Duration
}

func (Interrupted) eventKind() string      { return "interrupted" }
func (Usage) eventKind() string            { return "usage" }
func (ResumptionUpdate) eventKind() string { return "resumption_update" }
func (Transcription) eventKind() string    { return "transcription" }
func (ToolCall) eventKind() string         { return "tool_call" }
func (ModelText) eventKind() string        { return "model_text" }
func (ModelAudio) eventKind() string       { return "model_audio" }
func (TurnDetection) eventKind() string    { return "turn_detection" }
func (TurnComplete) eventKind() string     { return "turn_complete" }
func (GoAway) eventKind() string           { return "go_away" }

// Kind names an event for logs and metrics.
func Kind(ev Event) string {
	if ev == nil {
		return ""
	}
	return ev.eventKind()
}
