package upstream

import (
	"testing"
	"time"

	"google.golang.org/genai"
)

func kinds(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, Kind(ev))
	}
	return out
}

func TestTranslateMessage_OrderAndKinds(t *testing.T) {
	msg := &genai.LiveServerMessage{
		UsageMetadata:           &genai.UsageMetadata{TotalTokenCount: 42},
		SessionResumptionUpdate: &genai.LiveServerSessionResumptionUpdate{NewHandle: "h1", Resumable: true},
		ServerContent: &genai.LiveServerContent{
			InputTranscription:  &genai.Transcription{Text: "hi", Finished: true},
			OutputTranscription: &genai.Transcription{Text: "hello"},
			ModelTurn: &genai.Content{Parts: []*genai.Part{
				{Text: "thinking"},
				{InlineData: &genai.Blob{Data: []byte{1, 2}, MIMEType: "audio/pcm"}},
			}},
			GenerationComplete: true,
			TurnComplete:       true,
		},
		GoAway: &genai.LiveServerGoAway{TimeLeft: 5 * time.Second},
	}

	got := kinds(TranslateMessage(msg))
	want := []string{"usage", "resumption_update", "transcription", "transcription", "model_text", "model_audio", "turn_detection", "turn_complete", "go_away"}
	if len(got) != len(want) {
		t.Fatalf("kinds=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds=%v, want %v", got, want)
		}
	}

	events := TranslateMessage(msg)
	if tr := events[2].(Transcription); tr.Direction != Output || tr.Text != "hello" || tr.Finished {
		t.Fatalf("first transcription=%+v", tr)
	}
	if tr := events[3].(Transcription); tr.Direction != Input || !tr.Finished {
		t.Fatalf("second transcription=%+v", tr)
	}
	if u := events[0].(Usage); u.TotalTokens != 42 {
		t.Fatalf("usage=%+v", u)
	}
}

func TestTranslateMessage_InterruptedFirstAndToolCall(t *testing.T) {
	msg := &genai.LiveServerMessage{
		ServerContent: &genai.LiveServerContent{Interrupted: true},
		ToolCall: &genai.LiveServerToolCall{FunctionCalls: []*genai.FunctionCall{
			{ID: "c1", Name: "switch_to_main_screen"},
			nil,
		}},
	}
	events := TranslateMessage(msg)
	if len(events) != 2 {
		t.Fatalf("events=%v", kinds(events))
	}
	if _, ok := events[0].(Interrupted); !ok {
		t.Fatalf("first event=%T", events[0])
	}
	tc, ok := events[1].(ToolCall)
	if !ok || len(tc.Calls) != 1 || tc.Calls[0].ID != "c1" {
		t.Fatalf("tool call=%+v", events[1])
	}
}

func TestTranslateMessage_Nil(t *testing.T) {
	if TranslateMessage(nil) != nil {
		t.Fatalf("expected nil")
	}
	if len(TranslateMessage(&genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}})) != 0 {
		t.Fatalf("setup complete should yield no events")
	}
}

func TestLiveConnectConfig(t *testing.T) {
	cfg := LiveConnectConfig(Params{
		VoiceName:         "Aoede",
		LanguageCode:      "vi-VN",
		SystemInstruction: "be kind",
		Temperature:       genai.Ptr[float32](0.7),
		TopP:              genai.Ptr[float32](0.9),
		Tools:             []FunctionDeclaration{{Name: "switch_to_main_screen", Description: "go home"}},
		ResumptionHandle:  "h1",
		TranscribeInput:   true,
		TranscribeOutput:  true,
	})
	if cfg.SpeechConfig == nil || cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Aoede" || cfg.SpeechConfig.LanguageCode != "vi-VN" {
		t.Fatalf("speech config=%+v", cfg.SpeechConfig)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0.7 || cfg.TopP == nil || *cfg.TopP != 0.9 {
		t.Fatalf("sampling not set")
	}
	if cfg.SessionResumption == nil || cfg.SessionResumption.Handle != "h1" {
		t.Fatalf("resumption=%+v", cfg.SessionResumption)
	}
	if len(cfg.Tools) != 1 || len(cfg.Tools[0].FunctionDeclarations) != 1 || cfg.Tools[0].FunctionDeclarations[0].Name != "switch_to_main_screen" {
		t.Fatalf("tools=%+v", cfg.Tools)
	}
	if cfg.InputAudioTranscription == nil || cfg.OutputAudioTranscription == nil {
		t.Fatalf("transcription not enabled")
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "be kind" {
		t.Fatalf("system instruction=%+v", cfg.SystemInstruction)
	}

	cold := LiveConnectConfig(Params{})
	if cold.SessionResumption == nil || cold.SessionResumption.Handle != "" {
		t.Fatalf("cold start should request resumption without handle")
	}
	if cold.Temperature != nil || cold.SpeechConfig != nil || cold.Tools != nil {
		t.Fatalf("empty params should leave optional fields unset")
	}

	greedy := LiveConnectConfig(Params{Temperature: genai.Ptr[float32](0), TopP: genai.Ptr[float32](0)})
	if greedy.Temperature == nil || *greedy.Temperature != 0 || greedy.TopP == nil || *greedy.TopP != 0 {
		t.Fatalf("explicit zero sampling dropped: temperature=%v top_p=%v", greedy.Temperature, greedy.TopP)
	}
}
