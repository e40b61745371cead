package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/saathihealth/saathi-backend/internal/platform/logger"
	"github.com/saathihealth/saathi-backend/internal/queue"
	"github.com/saathihealth/saathi-backend/internal/types"
)

type captureQueue struct {
	payloads [][]byte
}

func (c *captureQueue) Receive(_ context.Context, _ int, _ time.Duration) ([]queue.Message, error) {
	return nil, nil
}

func (c *captureQueue) Delete(_ context.Context, _ queue.Lease) error { return nil }

func (c *captureQueue) Enqueue(_ context.Context, payload []byte) error {
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *captureQueue) Close() error { return nil }

func webhookRouter(t *testing.T, q queue.Queue) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	h := newWebhookHandler(log, q, "sekrit")
	router := gin.New()
	router.GET("/webhook", h.Verify)
	router.POST("/webhook", h.Ingest)
	return router
}

func TestWebhookVerify_EchoesChallengeForValidToken(t *testing.T) {
	router := webhookRouter(t, &captureQueue{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=sekrit&hub.challenge=12345", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "12345" {
		t.Fatalf("expected challenge echo, got %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("wrong token must be rejected, got %d", w.Code)
	}
}

func TestWebhookIngest_QueuesMessagesAndReadStatuses(t *testing.T) {
	q := &captureQueue{}
	router := webhookRouter(t, q)

	body := `{
		"entry": [{"changes": [{"value": {
			"contacts": [{"wa_id": "911111111111", "profile": {"name": "Asha"}}],
			"messages": [
				{"id": "m1", "from": "911111111111", "timestamp": "1756700000", "type": "text", "text": {"body": "hello"}},
				{"id": "m2", "from": "911111111111", "timestamp": "1756700001", "type": "audio", "audio": {"id": "media-1", "mime_type": "audio/ogg"}},
				{"id": "m3", "from": "911111111111", "timestamp": "1756700002", "type": "interactive",
					"context": {"id": "v1"},
					"interactive": {"button_reply": {"id": "verify_yes", "title": "Yes, correct"}}},
				{"id": "m4", "from": "911111111111", "timestamp": "1756700003", "type": "image"}
			],
			"statuses": [
				{"id": "a1", "status": "read", "timestamp": "1756700004", "recipient_id": "911111111111"},
				{"id": "a2", "status": "delivered", "timestamp": "1756700005", "recipient_id": "911111111111"}
			]
		}}]}]
	}`

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	// Text, audio, button reply, and the read status; the image and the
	// delivered status are skipped.
	if len(q.payloads) != 4 {
		t.Fatalf("expected 4 enqueued envelopes, got %d", len(q.payloads))
	}

	envs := make([]*types.MessageEnvelope, 0, len(q.payloads))
	for _, raw := range q.payloads {
		env, err := types.ParseEnvelope(raw)
		if err != nil {
			t.Fatalf("enqueued payload must parse: %v", err)
		}
		envs = append(envs, env)
	}

	if envs[0].Body.Text != "hello" || envs[0].From.Name != "Asha" {
		t.Fatalf("text message mangled: %+v", envs[0])
	}
	if envs[1].Body.MediaID != "media-1" || envs[1].Body.MimeType != "audio/ogg" {
		t.Fatalf("audio message mangled: %+v", envs[1])
	}
	if envs[2].Body.ButtonID != "verify_yes" || envs[2].Reply == nil || envs[2].Reply.MessageID != "v1" {
		t.Fatalf("button reply mangled: %+v", envs[2])
	}
	if envs[3].Category != types.CategoryReadReceipt || envs[3].Reply.MessageID != "a1" {
		t.Fatalf("read status mangled: %+v", envs[3])
	}
	if envs[0].IncomingTimestamp.IsZero() {
		t.Fatalf("timestamp not parsed")
	}
}

func TestWebhookIngest_AcknowledgesJunkWithoutQueueing(t *testing.T) {
	q := &captureQueue{}
	router := webhookRouter(t, q)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{{{`))
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("junk must be acknowledged, got %d", w.Code)
	}
	if len(q.payloads) != 0 {
		t.Fatalf("junk must not be queued")
	}
}
