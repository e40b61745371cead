package gcp

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/saathihealth/saathi-backend/internal/platform/logger"
)

// Bucket stores generated voice notes so the channel can fetch them by URL.
type Bucket interface {
	Upload(ctx context.Context, key string, contentType string, body io.Reader) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	PublicURL(key string) string
	Close() error
}

type bucketService struct {
	log        *logger.Logger
	client     *storage.Client
	bucketName string
	cdnDomain  string
}

func NewBucket(log *logger.Logger) (Bucket, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	serviceLog := log.With("service", "gcp.Bucket")

	bucketName := strings.TrimSpace(os.Getenv("MEDIA_GCS_BUCKET_NAME"))
	if bucketName == "" {
		return nil, fmt.Errorf("missing MEDIA_GCS_BUCKET_NAME")
	}
	cdnDomain := strings.TrimSpace(os.Getenv("MEDIA_CDN_DOMAIN"))

	ctx := context.Background()
	opts := ClientOptionsFromEnv()
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}

	return &bucketService{
		log:        serviceLog,
		client:     client,
		bucketName: bucketName,
		cdnDomain:  cdnDomain,
	}, nil
}

func (b *bucketService) Upload(ctx context.Context, key string, contentType string, body io.Reader) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("key required")
	}

	w := b.client.Bucket(b.bucketName).Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload %s: %w", key, err)
	}
	return nil
}

func (b *bucketService) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	r, err := b.client.Bucket(b.bucketName).Object(strings.TrimSpace(key)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	return r, nil
}

func (b *bucketService) PublicURL(key string) string {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if b.cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", strings.TrimRight(b.cdnDomain, "/"), key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", b.bucketName, key)
}

func (b *bucketService) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
