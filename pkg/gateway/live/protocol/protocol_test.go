package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeClientMessage_Shapes(t *testing.T) {
	tests := []struct {
		name string
		data string
		want any
	}{
		{
			name: "realtime input",
			data: `{"realtime_input":{"media_chunks":[{"mime_type":"audio/pcm","data":"AAA="},{"mime_type":"image/jpeg","data":"BBB="}]}}`,
			want: ClientRealtimeInput{RealtimeInput: RealtimeInput{MediaChunks: []MediaChunk{
				{MIMEType: "audio/pcm", Data: "AAA="},
				{MIMEType: "image/jpeg", Data: "BBB="},
			}}},
		},
		{name: "text", data: `{"text":"hello"}`, want: ClientText{Text: "hello"}},
		{name: "keepalive", data: `{"type":"keepalive","timestamp":"t1"}`, want: ClientKeepalive{Timestamp: "t1"}},
		{
			name: "voice notification",
			data: `{"voice_notification_request":{"text":"take pills","type":"medicine","request_id":"r1"}}`,
			want: VoiceNotificationRequest{Text: "take pills", Type: "medicine", RequestID: "r1"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeClientMessage([]byte(tc.data))
			if err != nil {
				t.Fatalf("DecodeClientMessage error: %v", err)
			}
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(tc.want)
			if string(gotJSON) != string(wantJSON) {
				t.Fatalf("got %s, want %s", gotJSON, wantJSON)
			}
			if _, ok := got.(ClientText); ok != (tc.name == "text") {
				t.Fatalf("unexpected type %T", got)
			}
		})
	}
}

func TestDecodeClientMessage_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		code string
	}{
		{name: "malformed", data: `{"text":`, code: "bad_request"},
		{name: "missing mime", data: `{"realtime_input":{"media_chunks":[{"data":"AAA="}]}}`, code: "bad_request"},
		{name: "unknown type", data: `{"type":"bogus"}`, code: "unsupported"},
		{name: "empty object", data: `{}`, code: "unsupported"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeClientMessage([]byte(tc.data))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected DecodeError, got %v", err)
			}
			if de.Code != tc.code {
				t.Fatalf("code=%q, want %q", de.Code, tc.code)
			}
		})
	}
}

func TestDecodeHandshake(t *testing.T) {
	tests := []struct {
		data   string
		ok     bool
		userID string
	}{
		{data: `{"user_id":" 3f1c2a9e-1111-4c3b-9d7e-0a1b2c3d4e5f "}`, ok: true, userID: "3f1c2a9e-1111-4c3b-9d7e-0a1b2c3d4e5f"},
		{data: `{"type":"config"}`, ok: true},
		{data: `{"type":"handshake","user_id":"test"}`, ok: true, userID: "test"},
		{data: `{"text":"hi","user_id":"x"}`, ok: false},
		{data: `{"type":"keepalive"}`, ok: false},
		{data: `not json`, ok: false},
	}
	for _, tc := range tests {
		h, ok := DecodeHandshake([]byte(tc.data))
		if ok != tc.ok {
			t.Fatalf("%s: ok=%v, want %v", tc.data, ok, tc.ok)
		}
		if h.UserID != tc.userID {
			t.Fatalf("%s: user_id=%q, want %q", tc.data, h.UserID, tc.userID)
		}
	}
}

func TestServerFramesWireShape(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		v    any
		want string
	}{
		{name: "setup", v: SetupComplete{}, want: `{"setupComplete":{}}`},
		{name: "interrupted", v: NewInterrupted(), want: `{"interrupted":"True"}`},
		{name: "transcription", v: NewTranscription("", SenderAssistant, true), want: `{"transcription":{"text":"","sender":"Gemini","finished":true}}`},
		{name: "keepalive", v: NewKeepalive(now, 3), want: `{"type":"keepalive","timestamp":"2025-03-01T10:00:00Z","count":3}`},
		{name: "tool call", v: NewToolCall("switch_to_main_screen", "c1", now), want: `{"type":"tool_call","function_name":"switch_to_main_screen","function_id":"c1","timestamp":"2025-03-01T10:00:00Z"}`},
		{name: "turn detection", v: TurnDetection{TurnDetection: TurnDetectionBody{Type: "generation_complete"}}, want: `{"turn_detection":{"type":"generation_complete"}}`},
		{name: "notification failure", v: NewVoiceNotificationFailure("r1", "boom"), want: `{"type":"voice_notification_response","success":false,"error":"boom","request_id":"r1"}`},
	}
	for _, tc := range tests {
		got, err := json.Marshal(tc.v)
		if err != nil {
			t.Fatalf("%s: marshal: %v", tc.name, err)
		}
		if string(got) != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestIsAudioMIME(t *testing.T) {
	if !IsAudioMIME("audio/pcm;rate=16000") || !IsAudioMIME(" Audio/PCM") {
		t.Fatalf("expected audio mime")
	}
	if IsAudioMIME("image/jpeg") {
		t.Fatalf("image should not be audio")
	}
}

func TestIsImageMIME(t *testing.T) {
	if !IsImageMIME("image/jpeg") || !IsImageMIME(" IMAGE/png") {
		t.Fatalf("expected image mime")
	}
	for _, m := range []string{"application/pdf", "audio/pcm", "", "video/mp4"} {
		if IsImageMIME(m) {
			t.Fatalf("%q should not be an image", m)
		}
	}
}
