package services

import (
	"context"
	"strings"

	"github.com/saathihealth/saathi-backend/internal/clients/gcp"
	"github.com/saathihealth/saathi-backend/internal/platform/logger"
)

const pivotLanguage = "en"

// LanguageService bridges user languages and the English pivot: inbound text
// and audio become English for generation, outbound English becomes the
// recipient's language for delivery.
type LanguageService interface {
	ToEnglish(ctx context.Context, text string, sourceLang string) (string, error)
	FromEnglish(ctx context.Context, text string, targetLang string) (string, error)
	Transcribe(ctx context.Context, audio []byte, mimeType string, lang string) (string, error)
	Speak(ctx context.Context, text string, lang string) ([]byte, string, error)
}

type languageService struct {
	log        *logger.Logger
	translator gcp.Translator
	speech     gcp.Speech
	tts        gcp.TTS
}

func NewLanguageService(translator gcp.Translator, speech gcp.Speech, tts gcp.TTS, baseLog *logger.Logger) LanguageService {
	return &languageService{
		log:        baseLog.With("service", "LanguageService"),
		translator: translator,
		speech:     speech,
		tts:        tts,
	}
}

func (s *languageService) ToEnglish(ctx context.Context, text string, sourceLang string) (string, error) {
	if isPivot(sourceLang) || strings.TrimSpace(text) == "" {
		return text, nil
	}
	return s.translator.Translate(ctx, text, sourceLang, pivotLanguage)
}

func (s *languageService) FromEnglish(ctx context.Context, text string, targetLang string) (string, error) {
	if isPivot(targetLang) || strings.TrimSpace(text) == "" {
		return text, nil
	}
	return s.translator.Translate(ctx, text, pivotLanguage, targetLang)
}

func (s *languageService) Transcribe(ctx context.Context, audio []byte, mimeType string, lang string) (string, error) {
	if strings.TrimSpace(lang) == "" {
		lang = pivotLanguage
	}
	return s.speech.Transcribe(ctx, audio, mimeType, lang)
}

func (s *languageService) Speak(ctx context.Context, text string, lang string) ([]byte, string, error) {
	if strings.TrimSpace(lang) == "" {
		lang = pivotLanguage
	}
	return s.tts.Synthesize(ctx, text, lang)
}

func isPivot(lang string) bool {
	lang = strings.ToLower(strings.TrimSpace(lang))
	return lang == "" || lang == pivotLanguage || strings.HasPrefix(lang, "en-")
}
