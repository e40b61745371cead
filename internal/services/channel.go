package services

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/saathihealth/saathi-backend/internal/clients/gcp"
	"github.com/saathihealth/saathi-backend/internal/clients/whatsapp"
	"github.com/saathihealth/saathi-backend/internal/platform/logger"
)

// ChannelService fronts the messaging channel. It passes sends through to
// the channel API and stages voice notes in object storage first, since the
// channel only accepts audio by link.
type ChannelService interface {
	SendText(ctx context.Context, to string, body string) (string, error)
	SendButtons(ctx context.Context, to string, body string, buttons []whatsapp.Button) (string, error)
	SendList(ctx context.Context, to string, header string, button string, rows []whatsapp.ListRow) (string, error)
	SendVoice(ctx context.Context, to string, audio []byte, contentType string) (string, error)
	React(ctx context.Context, to string, messageID string, emoji string) error
	MarkRead(ctx context.Context, messageID string) error
	FetchMedia(ctx context.Context, mediaID string) ([]byte, string, error)
}

type channelService struct {
	log    *logger.Logger
	wa     whatsapp.Client
	bucket gcp.Bucket
}

func NewChannelService(wa whatsapp.Client, bucket gcp.Bucket, baseLog *logger.Logger) ChannelService {
	return &channelService{
		log:    baseLog.With("service", "ChannelService"),
		wa:     wa,
		bucket: bucket,
	}
}

func (s *channelService) SendText(ctx context.Context, to string, body string) (string, error) {
	return s.wa.SendText(ctx, to, body)
}

func (s *channelService) SendButtons(ctx context.Context, to string, body string, buttons []whatsapp.Button) (string, error) {
	return s.wa.SendButtons(ctx, to, body, buttons)
}

func (s *channelService) SendList(ctx context.Context, to string, header string, button string, rows []whatsapp.ListRow) (string, error) {
	return s.wa.SendList(ctx, to, header, button, rows)
}

func (s *channelService) SendVoice(ctx context.Context, to string, audio []byte, contentType string) (string, error) {
	key := "voice/" + uuid.NewString() + extensionFor(contentType)
	if err := s.bucket.Upload(ctx, key, contentType, bytes.NewReader(audio)); err != nil {
		return "", fmt.Errorf("stage voice note: %w", err)
	}
	return s.wa.SendAudio(ctx, to, s.bucket.PublicURL(key))
}

func (s *channelService) React(ctx context.Context, to string, messageID string, emoji string) error {
	return s.wa.React(ctx, to, messageID, emoji)
}

func (s *channelService) MarkRead(ctx context.Context, messageID string) error {
	return s.wa.MarkRead(ctx, messageID)
}

func (s *channelService) FetchMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	return s.wa.DownloadMedia(ctx, mediaID)
}

func extensionFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "mpeg"):
		return ".mp3"
	case strings.Contains(contentType, "ogg"):
		return ".ogg"
	default:
		return ""
	}
}
