package gcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/translate"
	"golang.org/x/text/language"

	"github.com/saathihealth/saathi-backend/internal/platform/logger"
)

// Translator converts between a user's language and the English pivot the
// pipeline reasons in.
type Translator interface {
	Translate(ctx context.Context, text string, sourceLang string, targetLang string) (string, error)
	Close() error
}

type translateService struct {
	log    *logger.Logger
	client *translate.Client
}

func NewTranslator(log *logger.Logger) (Translator, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "gcp.Translator")

	ctx := context.Background()
	opts := ClientOptionsFromEnv()

	c, err := translate.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("translate client: %w", err)
	}

	return &translateService{log: slog, client: c}, nil
}

func (t *translateService) Close() error {
	if t == nil || t.client == nil {
		return nil
	}
	return t.client.Close()
}

func (t *translateService) Translate(ctx context.Context, text string, sourceLang string, targetLang string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	if strings.EqualFold(sourceLang, targetLang) {
		return text, nil
	}

	target, err := language.Parse(targetLang)
	if err != nil {
		return "", fmt.Errorf("parse target language %q: %w", targetLang, err)
	}

	var opts *translate.Options
	if src, err := language.Parse(sourceLang); err == nil {
		opts = &translate.Options{Source: src, Format: translate.Text}
	} else {
		// Let the API detect the source when the tag is unknown.
		opts = &translate.Options{Format: translate.Text}
	}

	out, err := t.client.Translate(ctx, []string{text}, target, opts)
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	if len(out) == 0 {
		return "", fmt.Errorf("translate returned no results")
	}
	return strings.TrimSpace(out[0].Text), nil
}
