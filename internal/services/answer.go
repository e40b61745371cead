package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/saathihealth/saathi-backend/internal/clients/openai"
	"github.com/saathihealth/saathi-backend/internal/clients/pinecone"
	"github.com/saathihealth/saathi-backend/internal/pkg/envutil"
	"github.com/saathihealth/saathi-backend/internal/platform/logger"
	"github.com/saathihealth/saathi-backend/internal/templates"
)

// AnswerService generates grounded answers: the question is embedded, the
// nearest knowledge-base passages are retrieved, and the model answers from
// those passages only.
type AnswerService interface {
	Answer(ctx context.Context, question string) (string, error)
	FollowUps(ctx context.Context, question string, answer string) ([]string, error)
	Corrected(ctx context.Context, question string, answer string, correction string) (string, error)
}

type answerService struct {
	log    *logger.Logger
	ai     openai.Client
	vector pinecone.VectorStore
	tpl    *templates.Set
	topK   int
}

func NewAnswerService(ai openai.Client, vector pinecone.VectorStore, tpl *templates.Set, baseLog *logger.Logger) AnswerService {
	return &answerService{
		log:    baseLog.With("service", "AnswerService"),
		ai:     ai,
		vector: vector,
		tpl:    tpl,
		topK:   envutil.Int("ANSWER_TOP_K", 5),
	}
}

func (s *answerService) Answer(ctx context.Context, question string) (string, error) {
	chunks, err := s.retrieve(ctx, question)
	if err != nil {
		return "", err
	}

	user := templates.Render(s.tpl.Prompts.AnswerUser, map[string]string{
		"context":  renderContext(chunks),
		"question": question,
	})
	answer, usage, err := s.ai.GenerateText(ctx, s.tpl.Prompts.AnswerSystem, user)
	if err != nil {
		return "", fmt.Errorf("answer completion: %w", err)
	}
	s.log.Debug("answer generated",
		"chunks", len(chunks),
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
	return strings.TrimSpace(answer), nil
}

func (s *answerService) FollowUps(ctx context.Context, question string, answer string) ([]string, error) {
	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"questions": map[string]any{
				"type":     "array",
				"maxItems": s.tpl.FollowUps.MaxItems,
				"items":    map[string]any{"type": "string"},
			},
		},
		"required": []string{"questions"},
	}

	user := templates.Render(s.tpl.Prompts.FollowUpUser, map[string]string{
		"question": question,
		"answer":   answer,
	})
	out, err := s.ai.GenerateJSON(ctx, s.tpl.Prompts.FollowUpSystem, user, "followup_questions", schema)
	if err != nil {
		return nil, fmt.Errorf("follow-up completion: %w", err)
	}

	raw, _ := out["questions"].([]any)
	questions := make([]string, 0, len(raw))
	for _, q := range raw {
		if text, ok := q.(string); ok && strings.TrimSpace(text) != "" {
			questions = append(questions, strings.TrimSpace(text))
		}
	}
	return questions, nil
}

func (s *answerService) Corrected(ctx context.Context, question string, answer string, correction string) (string, error) {
	user := templates.Render(s.tpl.Prompts.CorrectionUser, map[string]string{
		"question":   question,
		"answer":     answer,
		"correction": correction,
	})
	corrected, _, err := s.ai.GenerateText(ctx, s.tpl.Prompts.CorrectionSystem, user)
	if err != nil {
		return "", fmt.Errorf("correction completion: %w", err)
	}
	return strings.TrimSpace(corrected), nil
}

func (s *answerService) retrieve(ctx context.Context, question string) ([]pinecone.Chunk, error) {
	vectors, err := s.ai.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embed question: empty embedding")
	}

	chunks, err := s.vector.QueryChunks(ctx, vectors[0], s.topK)
	if err != nil {
		return nil, fmt.Errorf("query knowledge base: %w", err)
	}
	return chunks, nil
}

func renderContext(chunks []pinecone.Chunk) string {
	if len(chunks) == 0 {
		return "(no passages found)"
	}
	var b strings.Builder
	for i, chunk := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, strings.TrimSpace(chunk.Text))
		if chunk.Source != "" {
			fmt.Fprintf(&b, "\n(source: %s)", chunk.Source)
		}
	}
	return b.String()
}
