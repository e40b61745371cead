package pinecone

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/saathihealth/saathi-backend/internal/platform/logger"
)

// Chunk is one retrieved knowledge-base passage with its ranking score.
type Chunk struct {
	ID     string
	Text   string
	Source string
	Score  float64
}

// VectorStore queries the knowledge-base index for passages supporting an
// answer. Chunk text and source live in vector metadata.
type VectorStore interface {
	QueryChunks(ctx context.Context, q []float32, topK int) ([]Chunk, error)
}

type vectorStore struct {
	log       *logger.Logger
	pc        Client
	indexName string
	indexHost string
	namespace string
}

func NewVectorStore(log *logger.Logger, pc Client) (VectorStore, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if pc == nil {
		return nil, fmt.Errorf("pinecone client required")
	}

	indexName := strings.TrimSpace(os.Getenv("PINECONE_INDEX_NAME"))
	if indexName == "" {
		return nil, fmt.Errorf("missing PINECONE_INDEX_NAME")
	}

	host := strings.TrimSpace(os.Getenv("PINECONE_INDEX_HOST"))

	namespace := strings.TrimSpace(os.Getenv("PINECONE_NAMESPACE"))
	if namespace == "" {
		namespace = "kb"
	}

	// If host missing, bootstrap via describe_index (fine for local/dev; avoid in prod).
	if host == "" {
		desc, err := pc.DescribeIndex(context.Background(), indexName)
		if err != nil {
			return nil, fmt.Errorf("pinecone describe_index failed: %w", err)
		}
		host = strings.TrimSpace(desc.Host)
		if host == "" {
			return nil, fmt.Errorf("pinecone describe_index returned empty host")
		}
		log.Warn("PINECONE_INDEX_HOST not set; resolved via describe_index (avoid this in production)",
			"index_name", indexName,
			"index_host", host,
		)
	}

	return &vectorStore{
		log:       log.With("service", "PineconeVectorStore"),
		pc:        pc,
		indexName: indexName,
		indexHost: host,
		namespace: namespace,
	}, nil
}

func (s *vectorStore) QueryChunks(ctx context.Context, q []float32, topK int) ([]Chunk, error) {
	if s == nil || s.pc == nil {
		return nil, fmt.Errorf("vector store unavailable")
	}
	resp, err := s.pc.Query(ctx, s.indexHost, QueryRequest{
		Namespace:       s.namespace,
		Vector:          q,
		TopK:            topK,
		IncludeValues:   false,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, err
	}

	out := make([]Chunk, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		if strings.TrimSpace(m.ID) == "" {
			continue
		}
		ch := Chunk{ID: m.ID, Score: m.Score}
		if m.Metadata != nil {
			if t, ok := m.Metadata["text"].(string); ok {
				ch.Text = t
			}
			if src, ok := m.Metadata["source"].(string); ok {
				ch.Source = src
			}
		}
		if strings.TrimSpace(ch.Text) == "" {
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}
