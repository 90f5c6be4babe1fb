// Package session relays one client websocket to one upstream live session.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/care-live/pkg/gateway/live/protocol"
	"github.com/vango-go/care-live/pkg/gateway/live/resumption"
	"github.com/vango-go/care-live/pkg/gateway/live/tools"
	"github.com/vango-go/care-live/pkg/gateway/live/transcript"
	"github.com/vango-go/care-live/pkg/gateway/metrics"
	"github.com/vango-go/care-live/pkg/gateway/upstream"
)

// ErrClientGone ends a session whose client disconnected. Run wraps it when
// the end was client-driven.
var ErrClientGone = errors.New("session: client disconnected")

const (
	defaultClientMessageTimeout = 120 * time.Second
	defaultKeepaliveInterval    = 30 * time.Second
)

// Client is the client-facing half of a session.
type Client interface {
	SendJSON(v any) error
	Frames() <-chan Frame
	Alive() bool
}

// Notifier answers voice notification requests from the client.
type Notifier interface {
	Respond(ctx context.Context, req protocol.VoiceNotificationRequest) protocol.VoiceNotificationResponse
}

type Config struct {
	ClientMessageTimeout time.Duration
	KeepaliveInterval    time.Duration
}

type Dependencies struct {
	ID         string
	UserID     string
	Client     Client
	Upstream   upstream.Session
	Transcript *transcript.Accumulator
	Tools      *tools.Dispatcher
	Voice      Notifier
	Resumption resumption.Store
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Config     Config
	Now        func() time.Time

	// Pending is a client frame read before Run, e.g. while waiting for a
	// handshake. It is handled before anything else.
	Pending *Frame
}

type Session struct {
	id         string
	userID     string
	client     Client
	upstream   upstream.Session
	transcript *transcript.Accumulator
	tools      *tools.Dispatcher
	voice      Notifier
	resumption resumption.Store
	metrics    *metrics.Metrics
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time
	pending    *Frame

	keepalives atomic.Int64
	notifyWG   sync.WaitGroup
}

func New(deps Dependencies) (*Session, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if deps.Upstream == nil {
		return nil, fmt.Errorf("upstream session is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	cfg := deps.Config
	if cfg.ClientMessageTimeout <= 0 {
		cfg.ClientMessageTimeout = defaultClientMessageTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}

	acc := deps.Transcript
	if acc == nil {
		acc = transcript.New(transcript.Config{Logger: logger, Now: now})
	}
	dispatcher := deps.Tools
	if dispatcher == nil {
		dispatcher = tools.New(tools.Config{
			Client:   deps.Client,
			Upstream: deps.Upstream,
			Logger:   logger,
			Now:      now,
		})
	}

	return &Session{
		id:         deps.ID,
		userID:     deps.UserID,
		client:     deps.Client,
		upstream:   deps.Upstream,
		transcript: acc,
		tools:      dispatcher,
		voice:      deps.Voice,
		resumption: deps.Resumption,
		metrics:    deps.Metrics,
		logger:     logger.With("session_id", deps.ID),
		cfg:        cfg,
		now:        now,
		pending:    deps.Pending,
	}, nil
}

func (s *Session) ID() string { return s.id }

// Run relays until the first of the outbound, inbound and liveness loops
// finishes, then cancels the other two and waits for them. The upstream
// session is closed on return. A client-driven end returns an error wrapping
// ErrClientGone.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = s.upstream.Close() }()

	// Receive has no deadline of its own; closing the upstream unblocks it.
	context.AfterFunc(ctx, func() { _ = s.upstream.Close() })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.outbound(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return s.inbound(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return s.liveness(gctx)
	})

	err := g.Wait()
	s.notifyWG.Wait()

	// Anything still buffered belongs to a turn that will never complete.
	s.transcript.FlushAll(context.WithoutCancel(ctx))
	return err
}

func (s *Session) outbound(ctx context.Context) error {
	if s.pending != nil {
		frame := *s.pending
		s.pending = nil
		if err := s.handleFrame(ctx, frame); err != nil {
			return err
		}
	}

	frames := s.client.Frames()
	timeout := s.cfg.ClientMessageTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			// Quiet clients are normal; only the transport can end this loop.
			s.logger.Debug("no client message within timeout", "timeout", timeout)
			timer.Reset(timeout)
		case frame, ok := <-frames:
			if !ok {
				return ErrClientGone
			}
			if err := s.handleFrame(ctx, frame); err != nil {
				return err
			}
			timer.Reset(timeout)
		}
	}
}

// handleFrame returns a non-nil error only when the session must end.
func (s *Session) handleFrame(ctx context.Context, frame Frame) error {
	if frame.Err != nil {
		if IsConnectionError(frame.Err) {
			return fmt.Errorf("%w: %w", ErrClientGone, frame.Err)
		}
		return fmt.Errorf("read client frame: %w", frame.Err)
	}

	switch frame.MessageType {
	case websocket.BinaryMessage:
		return s.forwardAudio(ctx, frame.Data, protocol.AudioMIMEType)
	case websocket.TextMessage:
		return s.handleText(ctx, frame.Data)
	default:
		return nil
	}
}

func (s *Session) handleText(ctx context.Context, data []byte) error {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		s.logger.Warn("ignoring client frame", "error", err)
		s.metrics.RecordError("session", "decode")
		return nil
	}

	switch m := msg.(type) {
	case protocol.ClientRealtimeInput:
		for i, chunk := range m.RealtimeInput.MediaChunks {
			raw, err := base64.StdEncoding.DecodeString(chunk.Data)
			if err != nil {
				s.logger.Warn("ignoring media chunk", "index", i, "mime_type", chunk.MIMEType, "error", err)
				continue
			}
			switch {
			case protocol.IsAudioMIME(chunk.MIMEType):
				// Upstream only accepts 16 kHz PCM; the client's own tag is not trusted.
				if err := s.forwardAudio(ctx, raw, protocol.AudioMIMEType); err != nil {
					return err
				}
			case protocol.IsImageMIME(chunk.MIMEType):
				if err := s.upstream.SendImage(ctx, raw, chunk.MIMEType); err != nil {
					if err := s.upstreamSendFailed(ctx, "image", err); err != nil {
						return err
					}
				}
			default:
				s.logger.Warn("ignoring media chunk", "index", i, "mime_type", chunk.MIMEType, "reason", "unsupported mime type")
				s.metrics.RecordError("session", "media_type")
			}
		}
	case protocol.ClientText:
		text := strings.TrimSpace(m.Text)
		if text == "" {
			return nil
		}
		if err := s.upstream.SendText(ctx, text); err != nil {
			return s.upstreamSendFailed(ctx, "text", err)
		}
		// Typed input has no transcription "finished" event.
		s.transcript.Record(ctx, transcript.SpeakerUser, text)
	case protocol.ClientKeepalive:
		return s.send(protocol.NewKeepaliveResponse(s.now()))
	case protocol.VoiceNotificationRequest:
		s.notify(ctx, m)
	}
	return nil
}

func (s *Session) forwardAudio(ctx context.Context, data []byte, mimeType string) error {
	if len(data) == 0 {
		return nil
	}
	if err := s.upstream.SendAudio(ctx, data, mimeType); err != nil {
		return s.upstreamSendFailed(ctx, "audio", err)
	}
	s.metrics.RecordLiveAudio("in", len(data))
	return nil
}

// upstreamSendFailed ends the session only if the upstream is gone.
func (s *Session) upstreamSendFailed(ctx context.Context, kind string, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, upstream.ErrClosed) {
		return fmt.Errorf("send %s upstream: %w", kind, err)
	}
	s.logger.Warn("upstream send failed", "kind", kind, "error", err)
	s.metrics.RecordError("upstream", "send_"+kind)
	return nil
}

func (s *Session) notify(ctx context.Context, req protocol.VoiceNotificationRequest) {
	if s.voice == nil {
		_ = s.send(protocol.NewVoiceNotificationFailure(req.RequestID, "Voice notifications are unavailable"))
		return
	}
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		resp := s.voice.Respond(ctx, req)
		notificationType := strings.TrimSpace(req.Type)
		if resp.Data != nil {
			notificationType = resp.Data.NotificationType
		}
		s.metrics.RecordNotification(notificationType, resp.Success)
		if err := s.send(resp); err != nil {
			s.logger.Warn("send voice notification failed", "request_id", req.RequestID, "error", err)
		}
	}()
}

// send writes one frame to the client. Failures that leave the transport
// usable are logged and swallowed.
func (s *Session) send(v any) error {
	err := s.client.SendJSON(v)
	if err == nil {
		return nil
	}
	if IsConnectionError(err) {
		return fmt.Errorf("%w: %w", ErrClientGone, err)
	}
	s.logger.Warn("client send failed", "error", err)
	s.metrics.RecordError("session", "client_send")
	return nil
}

func (s *Session) inbound(ctx context.Context) error {
	for {
		events, err := s.upstream.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("upstream receive: %w", err)
		}
		if err := s.dispatch(ctx, events); err != nil {
			return err
		}
	}
}

// dispatch handles the events decoded from one upstream message, in order.
func (s *Session) dispatch(ctx context.Context, events []upstream.Event) error {
	interrupted := false
	for _, ev := range events {
		if interrupted && isModelOutput(ev) {
			// Model output in an interrupted message belongs to the cut-off reply.
			continue
		}
		switch ev := ev.(type) {
		case upstream.Interrupted:
			interrupted = true
			if err := s.send(protocol.NewInterrupted()); err != nil {
				return err
			}
		case upstream.Usage:
			s.logger.Debug("upstream usage",
				"prompt_tokens", ev.PromptTokens,
				"response_tokens", ev.ResponseTokens,
				"total_tokens", ev.TotalTokens,
			)
			s.metrics.RecordTokens(ev.PromptTokens, ev.ResponseTokens)
		case upstream.ResumptionUpdate:
			s.saveResumption(ctx, ev)
		case upstream.Transcription:
			if err := s.relayTranscription(ctx, ev); err != nil {
				return err
			}
		case upstream.ToolCall:
			for _, r := range s.tools.Handle(ctx, ev.Calls) {
				s.metrics.RecordToolCall(r.Name, r.Status)
			}
			return nil
		case upstream.ModelText:
			if err := s.send(protocol.Text{Text: ev.Text}); err != nil {
				return err
			}
		case upstream.ModelAudio:
			s.metrics.RecordLiveAudio("out", len(ev.Data))
			if err := s.send(protocol.Audio{Audio: base64.StdEncoding.EncodeToString(ev.Data)}); err != nil {
				return err
			}
		case upstream.TurnDetection:
			if err := s.send(protocol.TurnDetection{TurnDetection: protocol.TurnDetectionBody{Type: ev.Type}}); err != nil {
				return err
			}
		case upstream.TurnComplete:
			if err := s.send(protocol.NewTranscription("", protocol.SenderAssistant, true)); err != nil {
				return err
			}
			s.transcript.FlushAll(ctx)
		case upstream.GoAway:
			s.logger.Info("upstream going away", "time_left", ev.TimeLeft)
		default:
			s.logger.Debug("ignoring upstream event", "kind", upstream.Kind(ev))
		}
	}
	return nil
}

func isModelOutput(ev upstream.Event) bool {
	switch ev.(type) {
	case upstream.ModelText, upstream.ModelAudio:
		return true
	}
	return false
}

func (s *Session) relayTranscription(ctx context.Context, ev upstream.Transcription) error {
	speaker, sender := transcript.SpeakerAssistant, protocol.SenderAssistant
	if ev.Direction == upstream.Input {
		speaker, sender = transcript.SpeakerUser, protocol.SenderUser
	}

	s.transcript.AppendFragment(speaker, ev.Text)
	if ev.Text != "" || ev.Finished {
		if err := s.send(protocol.NewTranscription(ev.Text, sender, ev.Finished)); err != nil {
			return err
		}
	}
	if ev.Finished {
		s.transcript.MarkFinished(ctx, speaker)
	}
	return nil
}

func (s *Session) saveResumption(ctx context.Context, ev upstream.ResumptionUpdate) {
	if !ev.Resumable || ev.Handle == "" || s.resumption == nil {
		return
	}
	rec := resumption.Record{Token: ev.Handle, IssuedAt: s.now()}
	if err := s.resumption.Save(ctx, rec); err != nil {
		s.logger.Warn("save resumption handle failed", "error", err)
		s.metrics.RecordError("resumption", "save")
	}
}

func (s *Session) liveness(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if !s.client.Alive() {
			return ErrClientGone
		}
		count := s.keepalives.Add(1)
		if err := s.client.SendJSON(protocol.NewKeepalive(s.now(), count)); err != nil {
			s.logger.Warn("keepalive send failed", "count", count, "error", err)
			return fmt.Errorf("%w: keepalive: %w", ErrClientGone, err)
		}
	}
}
