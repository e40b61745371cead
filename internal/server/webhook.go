package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/saathihealth/saathi-backend/internal/platform/logger"
	"github.com/saathihealth/saathi-backend/internal/queue"
	"github.com/saathihealth/saathi-backend/internal/types"
)

// webhookHandler is the channel ingress: callbacks are translated into
// envelopes and enqueued, never processed inline. The consumer loop picks
// them up with the same semantics as any other queue entry.
type webhookHandler struct {
	log         *logger.Logger
	queue       queue.Queue
	verifyToken string
}

func newWebhookHandler(baseLog *logger.Logger, q queue.Queue, verifyToken string) *webhookHandler {
	return &webhookHandler{
		log:         baseLog.With("handler", "Webhook"),
		queue:       q,
		verifyToken: verifyToken,
	}
}

// Verify answers the subscription handshake.
func (h *webhookHandler) Verify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && token != "" && token == h.verifyToken {
		c.String(http.StatusOK, challenge)
		return
	}
	c.Status(http.StatusForbidden)
}

// callbackPayload mirrors the channel's webhook shape, trimmed to the fields
// the envelope needs.
type callbackPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []callbackMessage `json:"messages"`
				Statuses []struct {
					ID          string `json:"id"`
					Status      string `json:"status"`
					Timestamp   string `json:"timestamp"`
					RecipientID string `json:"recipient_id"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type callbackMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Audio *struct {
		ID       string `json:"id"`
		MimeType string `json:"mime_type"`
	} `json:"audio"`
	Interactive *struct {
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Context *struct {
		ID string `json:"id"`
	} `json:"context"`
}

// Ingest enqueues every message and read status in the callback. The channel
// retries on non-2xx, so a failed enqueue surfaces as a 500 and the callback
// redelivers.
func (h *webhookHandler) Ingest(c *gin.Context) {
	var payload callbackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.log.Warn("unparseable callback", "error", err)
		// Acknowledge; the channel would retry the same junk forever.
		c.Status(http.StatusOK)
		return
	}

	enqueued := 0
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := map[string]string{}
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}
			for _, msg := range change.Value.Messages {
				env := envelopeFromMessage(msg, names[msg.From])
				if env == nil {
					continue
				}
				if !h.enqueue(c, env) {
					return
				}
				enqueued++
			}
			for _, status := range change.Value.Statuses {
				if status.Status != "read" {
					continue
				}
				env := &types.MessageEnvelope{
					ChannelType:       "whatsapp",
					Category:          types.CategoryReadReceipt,
					From:              types.SenderRef{WaID: status.RecipientID},
					Reply:             &types.ReplyContext{MessageID: status.ID},
					IncomingTimestamp: unixTime(status.Timestamp),
				}
				if !h.enqueue(c, env) {
					return
				}
				enqueued++
			}
		}
	}

	h.log.Debug("callback ingested", "enqueued", enqueued)
	c.Status(http.StatusOK)
}

func (h *webhookHandler) enqueue(c *gin.Context, env *types.MessageEnvelope) bool {
	raw, err := env.Encode()
	if err != nil {
		h.log.Error("encode envelope failed", "error", err)
		return true
	}
	if err := h.queue.Enqueue(c.Request.Context(), raw); err != nil {
		h.log.Error("enqueue failed", "error", err)
		c.Status(http.StatusInternalServerError)
		return false
	}
	return true
}

func envelopeFromMessage(msg callbackMessage, senderName string) *types.MessageEnvelope {
	env := &types.MessageEnvelope{
		ChannelType:       "whatsapp",
		MessageID:         msg.ID,
		Category:          types.CategoryUserToBot,
		From:              types.SenderRef{WaID: msg.From, Name: senderName},
		Body:              &types.MessageBody{},
		IncomingTimestamp: unixTime(msg.Timestamp),
	}
	if msg.Context != nil && msg.Context.ID != "" {
		env.Reply = &types.ReplyContext{MessageID: msg.Context.ID}
	}

	switch msg.Type {
	case "text":
		if msg.Text == nil {
			return nil
		}
		env.Body.Text = msg.Text.Body
	case "audio":
		if msg.Audio == nil {
			return nil
		}
		env.Body.MediaID = msg.Audio.ID
		env.Body.MimeType = msg.Audio.MimeType
	case "interactive":
		if msg.Interactive == nil {
			return nil
		}
		if reply := msg.Interactive.ButtonReply; reply != nil {
			env.Body.ButtonID = reply.ID
			env.Body.Text = reply.Title
		} else if reply := msg.Interactive.ListReply; reply != nil {
			env.Body.ButtonID = reply.ID
			env.Body.Text = reply.Title
		} else {
			return nil
		}
	default:
		// Stickers, images, locations and the rest are not queued; the
		// consumer would only poison-drop them.
		return nil
	}
	return env
}

func unixTime(raw string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
