// Package transcript buffers streamed transcription fragments per speaker and
// finalizes them into utterances.
package transcript

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

type Utterance struct {
	Speaker Speaker
	Text    string
	At      time.Time
}

// Sink receives finalized utterances. Calls are best-effort: a returned error
// is logged and never stops the session.
type Sink interface {
	AppendUtterance(ctx context.Context, conversationID string, speaker Speaker, text string) error
}

type Config struct {
	ConversationID string
	Sink           Sink
	Logger         *slog.Logger
	Now            func() time.Time
}

// Accumulator holds at most one open buffer per speaker. Utterances reach the
// sink in the order they are flushed.
type Accumulator struct {
	conversationID string
	sink           Sink
	logger         *slog.Logger
	now            func() time.Time

	// emitMu serializes flush+handoff so concurrent flushes keep their order.
	emitMu sync.Mutex

	mu      sync.Mutex
	buffers map[Speaker]*strings.Builder
}

func New(cfg Config) *Accumulator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Accumulator{
		conversationID: cfg.ConversationID,
		sink:           cfg.Sink,
		logger:         logger,
		now:            now,
		buffers:        make(map[Speaker]*strings.Builder, 2),
	}
}

func (a *Accumulator) AppendFragment(speaker Speaker, text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.buffers[speaker]
	if b == nil {
		b = &strings.Builder{}
		a.buffers[speaker] = b
	}
	b.WriteString(text)
}

// Pending returns the unflushed text for speaker.
func (a *Accumulator) Pending(speaker Speaker) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b := a.buffers[speaker]; b != nil {
		return b.String()
	}
	return ""
}

// MarkFinished flushes speaker's buffer. ok is false when the buffer held
// nothing but whitespace.
func (a *Accumulator) MarkFinished(ctx context.Context, speaker Speaker) (Utterance, bool) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	u, ok := a.take(speaker)
	if ok {
		a.emit(ctx, u)
	}
	return u, ok
}

// FlushAll force-flushes the user buffer then the assistant buffer. It is
// called on turn-complete in case a finished flag never arrived.
func (a *Accumulator) FlushAll(ctx context.Context) []Utterance {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	var out []Utterance
	for _, speaker := range []Speaker{SpeakerUser, SpeakerAssistant} {
		if u, ok := a.take(speaker); ok {
			a.emit(ctx, u)
			out = append(out, u)
		}
	}
	return out
}

// Record finalizes a single-shot utterance that has no streaming finished
// event, such as typed text input. Open buffers are left untouched.
func (a *Accumulator) Record(ctx context.Context, speaker Speaker, text string) (Utterance, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Utterance{}, false
	}
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	u := Utterance{Speaker: speaker, Text: text, At: a.now()}
	a.emit(ctx, u)
	return u, true
}

func (a *Accumulator) take(speaker Speaker) (Utterance, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.buffers[speaker]
	if b == nil {
		return Utterance{}, false
	}
	text := strings.TrimSpace(b.String())
	b.Reset()
	if text == "" {
		return Utterance{}, false
	}
	return Utterance{Speaker: speaker, Text: text, At: a.now()}, true
}

func (a *Accumulator) emit(ctx context.Context, u Utterance) {
	if a.sink == nil {
		a.logger.Debug("utterance finalized", "speaker", u.Speaker, "chars", len(u.Text))
		return
	}
	if err := a.sink.AppendUtterance(ctx, a.conversationID, u.Speaker, u.Text); err != nil {
		a.logger.Warn("persist utterance failed",
			"conversation_id", a.conversationID,
			"speaker", u.Speaker,
			"error", err,
		)
	}
}
