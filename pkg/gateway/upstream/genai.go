package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"
)

const defaultLiveAPIVersion = "v1beta"

type GenAIConfig struct {
	APIKey     string
	APIVersion string
	BaseURL    string
	HTTPClient *http.Client
}

// NewGenAIClient builds the client shared by the live dialer and the voice
// notification generator.
func NewGenAIClient(ctx context.Context, cfg GenAIConfig) (*genai.Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("upstream: google api key is required")
	}
	version := cfg.APIVersion
	if version == "" {
		version = defaultLiveAPIVersion
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
		HTTPOptions: genai.HTTPOptions{
			APIVersion: version,
			BaseURL:    cfg.BaseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: create genai client: %w", err)
	}
	return client, nil
}

type GenAIDialer struct {
	Client *genai.Client
}

func (d GenAIDialer) Connect(ctx context.Context, p Params) (Session, error) {
	if d.Client == nil {
		return nil, errors.New("upstream: genai client is nil")
	}
	sess, err := d.Client.Live.Connect(ctx, p.Model, LiveConnectConfig(p))
	if err != nil {
		return nil, fmt.Errorf("upstream: live connect: %w", err)
	}
	return &genaiSession{session: sess}, nil
}

// LiveConnectConfig maps relay parameters onto the genai live config.
func LiveConnectConfig(p Params) *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if p.Temperature != nil {
		cfg.Temperature = genai.Ptr(*p.Temperature)
	}
	if p.TopP != nil {
		cfg.TopP = genai.Ptr(*p.TopP)
	}
	if p.VoiceName != "" || p.LanguageCode != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{LanguageCode: p.LanguageCode}
		if p.VoiceName != "" {
			cfg.SpeechConfig.VoiceConfig = &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: p.VoiceName},
			}
		}
	}
	if strings.TrimSpace(p.SystemInstruction) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(p.SystemInstruction, genai.RoleUser)
	}
	if len(p.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(p.Tools))
		for _, t := range p.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}},
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	cfg.SessionResumption = &genai.SessionResumptionConfig{Handle: p.ResumptionHandle}
	if p.TranscribeInput {
		cfg.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if p.TranscribeOutput {
		cfg.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return cfg
}

type genaiSession struct {
	session *genai.Session

	// genai writes straight to its websocket, which allows one writer at a time.
	sendMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func (s *genaiSession) send(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := fn(); err != nil {
		return s.mapErr(err)
	}
	return nil
}

func (s *genaiSession) SendAudio(ctx context.Context, data []byte, mimeType string) error {
	return s.send(ctx, func() error {
		return s.session.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{Data: data, MIMEType: mimeType},
		})
	})
}

func (s *genaiSession) SendImage(ctx context.Context, data []byte, mimeType string) error {
	return s.send(ctx, func() error {
		return s.session.SendRealtimeInput(genai.LiveRealtimeInput{
			Media: &genai.Blob{Data: data, MIMEType: mimeType},
		})
	})
}

func (s *genaiSession) SendText(ctx context.Context, text string) error {
	return s.send(ctx, func() error {
		return s.session.SendClientContent(genai.LiveClientContentInput{
			Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
			TurnComplete: genai.Ptr(true),
		})
	})
}

func (s *genaiSession) SendToolResponses(ctx context.Context, responses []ToolResponse) error {
	if len(responses) == 0 {
		return nil
	}
	out := make([]*genai.FunctionResponse, 0, len(responses))
	for _, r := range responses {
		out = append(out, &genai.FunctionResponse{ID: r.ID, Name: r.Name, Response: r.Response})
	}
	return s.send(ctx, func() error {
		return s.session.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: out})
	})
}

func (s *genaiSession) Receive(ctx context.Context) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, err := s.session.Receive()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, s.mapErr(err)
	}
	return TranslateMessage(msg), nil
}

func (s *genaiSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.session.Close()
	})
	return s.closeErr
}

func (s *genaiSession) mapErr(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

// TranslateMessage turns one genai server message into relay events. Order:
// interruption, usage, resumption, output then input transcription, tool
// call, model parts, generation complete, turn complete, go-away.
func TranslateMessage(msg *genai.LiveServerMessage) []Event {
	if msg == nil {
		return nil
	}
	var out []Event

	sc := msg.ServerContent
	if sc != nil && sc.Interrupted {
		out = append(out, Interrupted{})
	}
	if u := msg.UsageMetadata; u != nil {
		out = append(out, Usage{
			PromptTokens:   int(u.PromptTokenCount),
			ResponseTokens: int(u.ResponseTokenCount),
			TotalTokens:    int(u.TotalTokenCount),
		})
	}
	if r := msg.SessionResumptionUpdate; r != nil {
		out = append(out, ResumptionUpdate{Handle: r.NewHandle, Resumable: r.Resumable})
	}
	if sc != nil {
		if t := sc.OutputTranscription; t != nil {
			out = append(out, Transcription{Direction: Output, Text: t.Text, Finished: t.Finished})
		}
		if t := sc.InputTranscription; t != nil {
			out = append(out, Transcription{Direction: Input, Text: t.Text, Finished: t.Finished})
		}
	}
	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		calls := make([]FunctionCall, 0, len(tc.FunctionCalls))
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			calls = append(calls, FunctionCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
		out = append(out, ToolCall{Calls: calls})
	}
	if sc != nil {
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					out = append(out, ModelText{Text: part.Text})
				}
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					out = append(out, ModelAudio{Data: part.InlineData.Data, MIMEType: part.InlineData.MIMEType})
				}
			}
		}
		if sc.GenerationComplete {
			out = append(out, TurnDetection{Type: "generation_complete"})
		}
		if sc.TurnComplete {
			out = append(out, TurnComplete{})
		}
	}
	if g := msg.GoAway; g != nil {
		out = append(out, GoAway{TimeLeft: g.TimeLeft})
	}
	return out
}
