package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/vango-go/care-live/pkg/gateway/config"
	"github.com/vango-go/care-live/pkg/gateway/lifecycle"
	"github.com/vango-go/care-live/pkg/gateway/live/protocol"
	"github.com/vango-go/care-live/pkg/gateway/live/registry"
	"github.com/vango-go/care-live/pkg/gateway/live/resumption"
	"github.com/vango-go/care-live/pkg/gateway/live/session"
	"github.com/vango-go/care-live/pkg/gateway/live/tools"
	"github.com/vango-go/care-live/pkg/gateway/live/transcript"
	"github.com/vango-go/care-live/pkg/gateway/metrics"
	"github.com/vango-go/care-live/pkg/gateway/mw"
	"github.com/vango-go/care-live/pkg/gateway/ratelimit"
	"github.com/vango-go/care-live/pkg/gateway/upstream"
)

// TestUserID stands in for the "test" user ids QA builds of the app send.
var TestUserID = uuid.MustParse("00000000-0000-4000-8000-000000000001")

// ConversationStore persists finalized utterances for identified users.
type ConversationStore interface {
	transcript.Sink
	Start(ctx context.Context, userID uuid.UUID, sessionID string) (string, error)
	End(ctx context.Context, conversationID string) error
}

// LiveHandler handles /v1/live websocket sessions.
type LiveHandler struct {
	Config        config.Config
	Dialer        upstream.Dialer
	Registry      *registry.Registry
	Resumption    resumption.Store
	Conversations ConversationStore
	Voice         session.Notifier
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Lifecycle     *lifecycle.Lifecycle
	Limiter       *ratelimit.Limiter
	Now           func() time.Time
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		mw.WriteError(w, r, http.StatusMethodNotAllowed, &mw.Error{Type: mw.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"})
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		mw.WriteError(w, r, 529, &mw.Error{Type: mw.ErrOverloaded, Message: "gateway is draining", Code: "draining"})
		return
	}
	if !h.originAllowed(r) {
		mw.WriteError(w, r, http.StatusForbidden, &mw.Error{Type: mw.ErrPermission, Message: "origin is not allowed", Param: "Origin"})
		return
	}
	permit := h.Limiter.AcquireSession(ratelimit.ClientKey(r), h.now()())
	if !permit.Allowed {
		writeRateLimited(w, r, permit.RetryAfter, "too many live sessions from this client")
		return
	}
	defer permit.Permit.Release()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if h.Config.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.Config.MaxMessageBytes)
	}
	conn := session.NewConn(ws, h.Config.WSWriteTimeout)
	// Only the first Close sends a frame; this one covers panics.
	defer conn.Close(protocol.CloseInternalError, "internal error")

	ctx := r.Context()
	logger := h.logger().With("request_id", requestIDFromContext(ctx))
	now := h.now()
	started := now()

	if err := conn.SendJSON(protocol.SetupComplete{}); err != nil {
		logger.Warn("send setupComplete failed", "error", err)
	}

	rawUserID, pending, ok := h.awaitHandshake(conn, logger)
	if !ok {
		return
	}
	userID, identified := ParseUserID(rawUserID)
	if rawUserID != "" && !identified {
		logger.Warn("unrecognized user_id, persistence disabled", "user_id", rawUserID)
	}

	var handle string
	if h.Resumption != nil {
		rec, fresh, err := resumption.LoadFresh(ctx, h.Resumption, now(), h.Config.ResumptionMaxAge)
		if err != nil {
			logger.Warn("load resumption handle failed", "error", err)
		}
		if fresh {
			handle = rec.Token
		}
	}

	up, err := h.Dialer.Connect(ctx, h.upstreamParams(handle))
	h.Metrics.RecordUpstreamConnect(err == nil, handle != "")
	if err != nil {
		logger.Error("upstream connect failed", "error", err, "resumed", handle != "")
		_ = conn.Close(protocol.CloseUpstreamUnavailable, "upstream unavailable")
		return
	}

	sessionID := "s_" + mw.RandHex(8)
	logger = logger.With("session_id", sessionID)
	if identified {
		logger = logger.With("user_id", userID.String())
	}

	remove := func() {}
	if h.Registry != nil {
		remove = h.Registry.Add(sessionID, conn)
	}
	defer remove()

	conversationID := h.startConversation(ctx, userID, identified, sessionID, logger)
	var sink transcript.Sink
	if conversationID != "" {
		sink = timeoutSink{sink: h.Conversations, timeout: h.Config.PersistTimeout}
	}

	acc := transcript.New(transcript.Config{ConversationID: conversationID, Sink: sink, Logger: logger, Now: now})
	dispatcher := tools.New(tools.Config{Client: conn, Upstream: up, Logger: logger, Now: now})

	s, err := session.New(session.Dependencies{
		ID:         sessionID,
		UserID:     userID.String(),
		Client:     conn,
		Upstream:   up,
		Transcript: acc,
		Tools:      dispatcher,
		Voice:      h.Voice,
		Resumption: h.Resumption,
		Metrics:    h.Metrics,
		Logger:     logger,
		Config: session.Config{
			ClientMessageTimeout: h.Config.ClientMessageTimeout,
			KeepaliveInterval:    h.Config.KeepaliveInterval,
		},
		Now:     now,
		Pending: pending,
	})
	if err != nil {
		_ = up.Close()
		logger.Error("create live session failed", "error", err)
		return
	}

	logger.Info("live session started", "resumed", handle != "", "conversation_id", conversationID)
	h.Metrics.RecordLiveSessionStart()

	runErr := s.Run(ctx)

	code, status := protocol.CloseNormal, "normal"
	if runErr != nil && !errors.Is(runErr, session.ErrClientGone) {
		code, status = protocol.CloseInternalError, "error"
		logger.Warn("live session ended with error", "error", runErr)
	}
	h.Metrics.RecordLiveSessionEnd(status, now().Sub(started))
	h.endConversation(ctx, conversationID, logger)
	_ = conn.Close(code, "")
	logger.Info("live session closed", "status", status, "duration_ms", now().Sub(started).Milliseconds())
}

// awaitHandshake waits for the optional first frame. A frame that is not a
// handshake is returned so the relay handles it. ok is false if the client
// went away.
func (h LiveHandler) awaitHandshake(conn *session.Conn, logger *slog.Logger) (userID string, pending *session.Frame, ok bool) {
	timeout := h.Config.HandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		logger.Debug("no handshake, using defaults", "timeout", timeout)
		return "", nil, true
	case frame, open := <-conn.Frames():
		if !open {
			return "", nil, false
		}
		if frame.Err != nil {
			if session.IsConnectionError(frame.Err) {
				logger.Debug("client left before handshake", "error", frame.Err)
				return "", nil, false
			}
			return "", &frame, true
		}
		if frame.MessageType == websocket.TextMessage {
			if hs, isHandshake := protocol.DecodeHandshake(frame.Data); isHandshake {
				return hs.UserID, nil, true
			}
		}
		return "", &frame, true
	}
}

func (h LiveHandler) upstreamParams(handle string) upstream.Params {
	return upstream.Params{
		Model:             h.Config.LiveModel,
		VoiceName:         h.Config.VoiceName,
		LanguageCode:      h.Config.LanguageCode,
		SystemInstruction: h.Config.SystemInstruction,
		Temperature:       genai.Ptr(float32(h.Config.Temperature)),
		TopP:              genai.Ptr(float32(h.Config.TopP)),
		Tools:             tools.DefaultDeclarations(),
		ResumptionHandle:  handle,
		TranscribeInput:   true,
		TranscribeOutput:  true,
	}
}

func (h LiveHandler) startConversation(ctx context.Context, userID uuid.UUID, identified bool, sessionID string, logger *slog.Logger) string {
	if !identified || h.Conversations == nil {
		return ""
	}
	ctx, cancel := h.persistContext(ctx)
	defer cancel()
	id, err := h.Conversations.Start(ctx, userID, sessionID)
	if err != nil {
		logger.Warn("start conversation failed, persistence disabled", "error", err)
		h.Metrics.RecordError("conversation", "start")
		return ""
	}
	return id
}

func (h LiveHandler) endConversation(ctx context.Context, conversationID string, logger *slog.Logger) {
	if conversationID == "" || h.Conversations == nil {
		return
	}
	ctx, cancel := h.persistContext(context.WithoutCancel(ctx))
	defer cancel()
	if err := h.Conversations.End(ctx, conversationID); err != nil {
		logger.Warn("end conversation failed", "conversation_id", conversationID, "error", err)
	}
}

func (h LiveHandler) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.Config.PersistTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.Config.PersistTimeout)
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h LiveHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h LiveHandler) now() func() time.Time {
	if h.Now != nil {
		return h.Now
	}
	return time.Now
}

// ParseUserID accepts a UUID or one of the test sentinels. Anything else
// yields ok=false, which disables persistence without failing the session.
func ParseUserID(raw string) (id uuid.UUID, ok bool) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "":
		return uuid.Nil, false
	case "test", "test_user", "test-user":
		return TestUserID, true
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// timeoutSink bounds each persistence write. Writes outlive session
// cancellation.
type timeoutSink struct {
	sink    transcript.Sink
	timeout time.Duration
}

func (s timeoutSink) AppendUtterance(ctx context.Context, conversationID string, speaker transcript.Speaker, text string) error {
	ctx = context.WithoutCancel(ctx)
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.sink.AppendUtterance(ctx, conversationID, speaker, text)
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter int, message string) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	mw.WriteError(w, r, http.StatusTooManyRequests, &mw.Error{Type: mw.ErrRateLimit, Message: message})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := mw.RequestIDFrom(ctx)
	return id
}
