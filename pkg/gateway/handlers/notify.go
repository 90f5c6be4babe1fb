package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/care-live/pkg/gateway/live/protocol"
	"github.com/vango-go/care-live/pkg/gateway/live/registry"
	"github.com/vango-go/care-live/pkg/gateway/metrics"
	"github.com/vango-go/care-live/pkg/gateway/mw"
	"github.com/vango-go/care-live/pkg/gateway/ratelimit"
	"github.com/vango-go/care-live/pkg/gateway/voice"
)

const maxNotifyBodyBytes = 64 << 10

// VoiceBroadcaster renders a notification once and fans it out.
type VoiceBroadcaster interface {
	Broadcast(ctx context.Context, to voice.Broadcaster, text, notificationType string) (registry.BroadcastResult, error)
}

type notifyRequest struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

type notifyResponse struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	Delivered        int    `json:"delivered"`
	Failed           int    `json:"failed"`
	NotificationText string `json:"notification_text"`
	NotificationType string `json:"notification_type"`
	Timestamp        string `json:"timestamp"`
}

// NotifyHandler handles POST /v1/notifications/voice.
type NotifyHandler struct {
	Voice    VoiceBroadcaster
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Limiter  *ratelimit.Limiter
	Timeout  time.Duration
	Now      func() time.Time
}

func (h NotifyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		mw.WriteError(w, r, http.StatusMethodNotAllowed, &mw.Error{Type: mw.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"})
		return
	}
	if h.Voice == nil || h.Registry == nil {
		mw.WriteError(w, r, http.StatusServiceUnavailable, &mw.Error{Type: mw.ErrAPI, Message: "voice notifications are unavailable"})
		return
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	if d := h.Limiter.AllowRequest(ratelimit.ClientKey(r), now()); !d.Allowed {
		writeRateLimited(w, r, d.RetryAfter, "too many notification requests")
		return
	}

	var req notifyRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxNotifyBodyBytes))
	if err := dec.Decode(&req); err != nil {
		mw.WriteError(w, r, http.StatusBadRequest, &mw.Error{Type: mw.ErrInvalidRequest, Message: "invalid json body"})
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		mw.WriteError(w, r, http.StatusBadRequest, &mw.Error{Type: mw.ErrInvalidRequest, Message: "Notification text is required", Param: "text"})
		return
	}
	notificationType := strings.TrimSpace(req.Type)
	if notificationType == "" {
		notificationType = voice.TypeInfo
	}

	ctx := r.Context()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	res, err := h.Voice.Broadcast(ctx, h.Registry, text, notificationType)
	h.Metrics.RecordNotification(notificationType, err == nil)
	if err != nil {
		h.logger().Error("voice broadcast failed", "request_id", requestIDFromContext(r.Context()), "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		mw.WriteError(w, r, status, &mw.Error{Type: mw.ErrAPI, Message: "Failed to generate voice notification"})
		return
	}
	h.Metrics.RecordBroadcast(res.Delivered, res.Failed)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(notifyResponse{
		Success:          true,
		Message:          "Voice notification broadcasted successfully",
		Delivered:        res.Delivered,
		Failed:           res.Failed,
		NotificationText: text,
		NotificationType: notificationType,
		Timestamp:        protocol.Timestamp(now()),
	})
}

func (h NotifyHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
