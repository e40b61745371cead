package gcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	texttospeechpb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/saathihealth/saathi-backend/internal/platform/logger"
)

// TTS renders answer text as a voice note for users who asked by audio.
type TTS interface {
	Synthesize(ctx context.Context, text string, languageCode string) ([]byte, string, error)
	Close() error
}

type ttsService struct {
	log        *logger.Logger
	client     *texttospeech.Client
	maxRetries int
}

func NewTTS(log *logger.Logger) (TTS, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "gcp.TTS")

	ctx := context.Background()
	opts := ClientOptionsFromEnv()

	c, err := texttospeech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("texttospeech client: %w", err)
	}

	return &ttsService{
		log:        slog,
		client:     c,
		maxRetries: 4,
	}, nil
}

func (t *ttsService) Close() error {
	if t == nil || t.client == nil {
		return nil
	}
	return t.client.Close()
}

// Synthesize returns MP3 bytes plus the mime type.
func (t *ttsService) Synthesize(ctx context.Context, text string, languageCode string) ([]byte, string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, "", fmt.Errorf("text required")
	}
	if strings.TrimSpace(languageCode) == "" {
		languageCode = "en-US"
	}

	req := &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: languageCode,
			SsmlGender:   texttospeechpb.SsmlVoiceGender_FEMALE,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding: texttospeechpb.AudioEncoding_MP3,
		},
	}

	var resp *texttospeechpb.SynthesizeSpeechResponse
	var err error
	backoff := 750 * time.Millisecond
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		resp, err = t.client.SynthesizeSpeech(ctx, req)
		if err == nil {
			break
		}
		code := status.Code(err)
		if code != codes.Unavailable && code != codes.ResourceExhausted && code != codes.DeadlineExceeded {
			return nil, "", fmt.Errorf("synthesize speech: %w", err)
		}
		if attempt == t.maxRetries {
			return nil, "", fmt.Errorf("synthesize speech: %w", err)
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
	}

	if resp == nil || len(resp.AudioContent) == 0 {
		return nil, "", fmt.Errorf("synthesize speech returned empty audio")
	}
	return resp.AudioContent, "audio/mpeg", nil
}
