package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// AudioMIMEType tags raw client microphone audio forwarded upstream.
	AudioMIMEType = "audio/pcm;rate=16000"
	// NotificationAudioFormat is the format advertised for generated voice alerts.
	NotificationAudioFormat = "audio/pcm"

	SenderUser      = "User"
	SenderAssistant = "Gemini"
)

// Close codes sent on the client websocket.
const (
	CloseNormal              = 1000
	CloseInternalError       = 4002
	CloseUpstreamUnavailable = 4003
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// Handshake is the optional first frame a client may send after connecting.
type Handshake struct {
	Type   string `json:"type,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

type MediaChunk struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"media_chunks"`
}

type ClientRealtimeInput struct {
	RealtimeInput RealtimeInput
}

type ClientText struct {
	Text string
}

type ClientKeepalive struct {
	Timestamp string
}

type VoiceNotificationRequest struct {
	Text      string `json:"text"`
	Type      string `json:"type,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type clientEnvelope struct {
	Type                     string                    `json:"type,omitempty"`
	UserID                   *string                   `json:"user_id,omitempty"`
	Text                     *string                   `json:"text,omitempty"`
	Timestamp                string                    `json:"timestamp,omitempty"`
	RealtimeInput            *RealtimeInput            `json:"realtime_input,omitempty"`
	VoiceNotificationRequest *VoiceNotificationRequest `json:"voice_notification_request,omitempty"`
}

// DecodeHandshake reports whether data is a handshake frame. A frame that is
// valid JSON but carries some other message is not a handshake.
func DecodeHandshake(data []byte) (Handshake, bool) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Handshake{}, false
	}
	typ := strings.ToLower(strings.TrimSpace(env.Type))
	if env.RealtimeInput != nil || env.VoiceNotificationRequest != nil || env.Text != nil || typ == "keepalive" {
		return Handshake{}, false
	}
	if env.UserID == nil && typ != "config" && typ != "handshake" {
		return Handshake{}, false
	}
	h := Handshake{Type: typ}
	if env.UserID != nil {
		h.UserID = strings.TrimSpace(*env.UserID)
	}
	return h, true
}

// DecodeClientMessage decodes a text frame from the client by shape. It
// returns one of ClientRealtimeInput, ClientText, ClientKeepalive or
// VoiceNotificationRequest.
func DecodeClientMessage(data []byte) (any, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, badRequest("invalid json frame", "")
	}

	switch {
	case env.RealtimeInput != nil:
		for i, chunk := range env.RealtimeInput.MediaChunks {
			if strings.TrimSpace(chunk.MIMEType) == "" {
				return nil, badRequest("media chunk mime_type is required", fmt.Sprintf("realtime_input.media_chunks[%d].mime_type", i))
			}
		}
		return ClientRealtimeInput{RealtimeInput: *env.RealtimeInput}, nil
	case env.VoiceNotificationRequest != nil:
		return *env.VoiceNotificationRequest, nil
	case strings.EqualFold(strings.TrimSpace(env.Type), "keepalive"):
		return ClientKeepalive{Timestamp: env.Timestamp}, nil
	case env.Text != nil:
		return ClientText{Text: *env.Text}, nil
	default:
		if env.Type != "" {
			return nil, unsupported("unsupported message type", "type")
		}
		return nil, unsupported("unrecognized message shape", "")
	}
}

// IsAudioMIME reports whether a media chunk should go to the upstream audio
// channel rather than the image channel.
func IsAudioMIME(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "audio/")
}

// IsImageMIME reports whether a media chunk is a camera or screen frame.
func IsImageMIME(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/")
}

// Timestamp formats t the way every timestamped server frame carries it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

type SetupComplete struct {
	SetupComplete struct{} `json:"setupComplete"`
}

type Keepalive struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Count     int64  `json:"count"`
}

type KeepaliveResponse struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type Transcription struct {
	Text     string `json:"text"`
	Sender   string `json:"sender"`
	Finished bool   `json:"finished"`
}

type TranscriptionMessage struct {
	Transcription Transcription `json:"transcription"`
}

type Interrupted struct {
	Interrupted string `json:"interrupted"`
}

type Audio struct {
	Audio string `json:"audio"`
}

type Text struct {
	Text string `json:"text"`
}

type TurnDetectionBody struct {
	Type string `json:"type"`
}

type TurnDetection struct {
	TurnDetection TurnDetectionBody `json:"turn_detection"`
}

type ToolCall struct {
	Type         string `json:"type"`
	FunctionName string `json:"function_name"`
	FunctionID   string `json:"function_id"`
	Timestamp    string `json:"timestamp"`
}

type ScreenNavigation struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type VoiceNotificationData struct {
	NotificationText string `json:"notification_text"`
	AudioBase64      string `json:"audio_base64"`
	AudioFormat      string `json:"audio_format"`
	NotificationType string `json:"notification_type"`
	Timestamp        string `json:"timestamp"`
}

type VoiceNotificationResponse struct {
	Type      string                 `json:"type"`
	Success   bool                   `json:"success"`
	Data      *VoiceNotificationData `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Broadcast bool                   `json:"broadcast,omitempty"`
}

func NewKeepalive(now time.Time, count int64) Keepalive {
	return Keepalive{Type: "keepalive", Timestamp: Timestamp(now), Count: count}
}

func NewKeepaliveResponse(now time.Time) KeepaliveResponse {
	return KeepaliveResponse{Type: "keepalive_response", Timestamp: Timestamp(now)}
}

func NewTranscription(text, sender string, finished bool) TranscriptionMessage {
	return TranscriptionMessage{Transcription: Transcription{Text: text, Sender: sender, Finished: finished}}
}

// NewInterrupted keeps the string "True" marker clients already match on.
func NewInterrupted() Interrupted {
	return Interrupted{Interrupted: "True"}
}

func NewToolCall(name, id string, now time.Time) ToolCall {
	return ToolCall{Type: "tool_call", FunctionName: name, FunctionID: id, Timestamp: Timestamp(now)}
}

func NewScreenNavigation(action, message string, now time.Time) ScreenNavigation {
	return ScreenNavigation{Type: "screen_navigation", Action: action, Message: message, Timestamp: Timestamp(now)}
}

func NewVoiceNotificationSuccess(requestID string, data VoiceNotificationData) VoiceNotificationResponse {
	return VoiceNotificationResponse{Type: "voice_notification_response", Success: true, Data: &data, RequestID: requestID}
}

func NewVoiceNotificationFailure(requestID, message string) VoiceNotificationResponse {
	return VoiceNotificationResponse{Type: "voice_notification_response", Success: false, Error: message, RequestID: requestID}
}
