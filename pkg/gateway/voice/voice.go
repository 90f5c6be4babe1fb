// Package voice turns short notification texts into spoken audio and
// delivers them to one session or to every open session.
package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vango-go/care-live/pkg/gateway/live/protocol"
	"github.com/vango-go/care-live/pkg/gateway/live/registry"
	"github.com/vango-go/care-live/pkg/gateway/upstream"
)

const (
	TypeInfo      = "info"
	TypeEmergency = "emergency"

	// EmergencyPrefix is spoken before emergency notifications.
	EmergencyPrefix = "THÔNG BÁO KHẨN CẤP: "

	defaultTimeout = 30 * time.Second
)

var (
	ErrEmptyText = errors.New("voice: notification text is required")
	ErrNoAudio   = errors.New("voice: upstream returned no audio")
)

// Generator produces raw PCM audio for text.
type Generator interface {
	Generate(ctx context.Context, text string) ([]byte, error)
}

// LiveGenerator speaks text through a short-lived upstream live session.
type LiveGenerator struct {
	Dialer upstream.Dialer
	Params upstream.Params
}

func (g LiveGenerator) Generate(ctx context.Context, text string) ([]byte, error) {
	if g.Dialer == nil {
		return nil, errors.New("voice: dialer is nil")
	}
	p := g.Params
	p.Tools = nil
	p.ResumptionHandle = ""
	p.TranscribeInput = false
	p.TranscribeOutput = false

	sess, err := g.Dialer.Connect(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("voice: connect: %w", err)
	}
	defer sess.Close()
	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer stop()

	if err := sess.SendText(ctx, text); err != nil {
		return nil, fmt.Errorf("voice: send text: %w", err)
	}

	var audio []byte
	for {
		events, err := sess.Receive(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("voice: receive: %w", err)
		}
		for _, ev := range events {
			switch ev := ev.(type) {
			case upstream.ModelAudio:
				audio = append(audio, ev.Data...)
			case upstream.TurnComplete:
				if len(audio) == 0 {
					return nil, ErrNoAudio
				}
				return audio, nil
			}
		}
	}
}

type Config struct {
	Generator Generator
	Timeout   time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

type Service struct {
	gen     Generator
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(cfg Config) *Service {
	s := &Service{
		gen:     cfg.Generator,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SpokenText is the text actually sent for synthesis.
func SpokenText(text, notificationType string) string {
	if strings.EqualFold(strings.TrimSpace(notificationType), TypeEmergency) {
		return EmergencyPrefix + text
	}
	return text
}

func normalizeType(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return TypeInfo
	}
	return t
}

// Render generates audio and builds the response payload.
func (s *Service) Render(ctx context.Context, text, notificationType string) (protocol.VoiceNotificationData, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return protocol.VoiceNotificationData{}, ErrEmptyText
	}
	if s.gen == nil {
		return protocol.VoiceNotificationData{}, errors.New("voice: generator is not configured")
	}
	notificationType = normalizeType(notificationType)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	audio, err := s.gen.Generate(ctx, SpokenText(text, notificationType))
	if err != nil {
		return protocol.VoiceNotificationData{}, err
	}
	if len(audio) == 0 {
		return protocol.VoiceNotificationData{}, ErrNoAudio
	}
	return protocol.VoiceNotificationData{
		NotificationText: text,
		AudioBase64:      base64.StdEncoding.EncodeToString(audio),
		AudioFormat:      protocol.NotificationAudioFormat,
		NotificationType: notificationType,
		Timestamp:        protocol.Timestamp(s.now()),
	}, nil
}

// Respond answers a voice_notification_request from one client. Failures
// become an unsuccessful response rather than an error.
func (s *Service) Respond(ctx context.Context, req protocol.VoiceNotificationRequest) protocol.VoiceNotificationResponse {
	data, err := s.Render(ctx, req.Text, req.Type)
	if err != nil {
		s.logger.Warn("voice notification failed", "request_id", req.RequestID, "type", req.Type, "error", err)
		msg := "Failed to generate voice notification"
		if errors.Is(err, ErrEmptyText) {
			msg = "Notification text is required"
		}
		return protocol.NewVoiceNotificationFailure(req.RequestID, msg)
	}
	return protocol.NewVoiceNotificationSuccess(req.RequestID, data)
}

// Broadcaster is the slice of the connection registry used for fan-out.
type Broadcaster interface {
	Broadcast(v any) registry.BroadcastResult
}

// Broadcast renders the notification once and sends it to every open
// session. A recipient whose send fails is dropped from the registry and
// counted, never reported as an error.
func (s *Service) Broadcast(ctx context.Context, to Broadcaster, text, notificationType string) (registry.BroadcastResult, error) {
	data, err := s.Render(ctx, text, notificationType)
	if err != nil {
		return registry.BroadcastResult{}, err
	}
	msg := protocol.NewVoiceNotificationSuccess("", data)
	msg.Broadcast = true
	res := to.Broadcast(msg)
	if res.Failed > 0 {
		s.logger.Warn("voice broadcast dropped dead sessions", "failed", res.Failed, "delivered", res.Delivered)
	}
	return res, nil
}
