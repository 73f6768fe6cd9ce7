package synthesis

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"pdfcast/internal/config"

	"google.golang.org/genai"
)

const (
	defaultTTSModel   = "gemini-2.5-flash-preview-tts"
	defaultVoice      = "Kore"
	defaultSampleRate = 24000
)

// GeminiEngine speaks through the Gemini TTS models.
type GeminiEngine struct {
	client   *genai.Client
	model    string
	voice    string
	language string
}

func NewGeminiEngine(ctx context.Context, provCfg config.ProviderConfig, synthCfg config.SynthesisConfig, httpClient *http.Client) (*GeminiEngine, error) {
	if provCfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      provCfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: provCfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	e := &GeminiEngine{
		client:   client,
		model:    synthCfg.Model,
		voice:    synthCfg.Voice,
		language: synthCfg.Language,
	}
	if e.model == "" {
		e.model = defaultTTSModel
	}
	if e.voice == "" {
		e.voice = defaultVoice
	}
	return e, nil
}

func (e *GeminiEngine) Speak(ctx context.Context, text string) (Audio, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			LanguageCode: e.language,
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: e.voice},
			},
		},
	}
	result, err := e.client.Models.GenerateContent(ctx, e.model, genai.Text(text), cfg)
	if err != nil {
		return Audio{}, fmt.Errorf("generate speech: %w", err)
	}
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return Audio{}, errors.New("empty response from Gemini")
	}

	var (
		pcm      []byte
		mimeType string
	)
	for _, part := range result.Candidates[0].Content.Parts {
		if part == nil || part.InlineData == nil {
			continue
		}
		if mimeType == "" {
			mimeType = part.InlineData.MIMEType
		}
		pcm = append(pcm, part.InlineData.Data...)
	}
	if len(pcm) == 0 {
		return Audio{}, errors.New("response carried no audio data")
	}
	return encode(pcm, mimeType)
}

// encode wraps raw PCM (audio/L16 or audio/pcm) into WAV; container formats pass through.
func encode(data []byte, mimeType string) (Audio, error) {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(mimeType))
		params = nil
	}
	switch mediaType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return Audio{Data: data, MimeType: "audio/wav", Ext: ".wav"}, nil
	case "audio/mpeg", "audio/mp3":
		return Audio{Data: data, MimeType: "audio/mpeg", Ext: ".mp3"}, nil
	case "audio/l16", "audio/pcm", "":
		rate := defaultSampleRate
		if v, ok := params["rate"]; ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				rate = n
			}
		}
		return Audio{Data: WAV(data, rate, 1, 16), MimeType: "audio/wav", Ext: ".wav"}, nil
	default:
		return Audio{}, fmt.Errorf("unsupported audio format %q", mimeType)
	}
}
