package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/saathihealth/saathi-backend/internal/pkg/envutil"
	"github.com/saathihealth/saathi-backend/internal/pkg/httpx"
	"github.com/saathihealth/saathi-backend/internal/platform/logger"
)

// Client talks to the WhatsApp Cloud API for one business phone number.
type Client interface {
	SendText(ctx context.Context, to string, body string) (string, error)
	SendButtons(ctx context.Context, to string, body string, buttons []Button) (string, error)
	SendList(ctx context.Context, to string, header string, button string, rows []ListRow) (string, error)
	SendAudio(ctx context.Context, to string, mediaURL string) (string, error)
	React(ctx context.Context, to string, messageID string, emoji string) error
	MarkRead(ctx context.Context, messageID string) error
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error)
}

type Button struct {
	ID    string
	Title string
}

type ListRow struct {
	ID    string
	Title string
}

type Config struct {
	BaseURL       string
	PhoneNumberID string
	AccessToken   string
	Timeout       time.Duration
	MaxRetries    int
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:       strings.TrimSpace(os.Getenv("WHATSAPP_BASE_URL")),
		PhoneNumberID: strings.TrimSpace(os.Getenv("WHATSAPP_PHONE_NUMBER_ID")),
		AccessToken:   strings.TrimSpace(os.Getenv("WHATSAPP_ACCESS_TOKEN")),
		Timeout:       envutil.Seconds("WHATSAPP_TIMEOUT_SECONDS", 30*time.Second),
		MaxRetries:    envutil.Int("WHATSAPP_MAX_RETRIES", 4),
	}
}

func NewFromEnv(log *logger.Logger) (Client, error) {
	return New(log, ConfigFromEnv())
}

func New(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("missing WHATSAPP_PHONE_NUMBER_ID")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("missing WHATSAPP_ACCESS_TOKEN")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://graph.facebook.com/v21.0"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}

	return &client{
		log:        log.With("client", "WhatsAppClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type mediaLookup struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

type HTTPError struct {
	StatusCode int
	Body       string
	Message    string
}

func (e *HTTPError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = strings.TrimSpace(e.Body)
	}
	if msg == "" {
		msg = "<empty body>"
	}
	if len(msg) > 4000 {
		msg = msg[:4000] + "..."
	}
	return fmt.Sprintf("whatsapp http %d: %s", e.StatusCode, msg)
}

func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (c *client) SendText(ctx context.Context, to string, body string) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": body, "preview_url": false},
	}
	return c.sendMessage(ctx, payload)
}

func (c *client) SendButtons(ctx context.Context, to string, body string, buttons []Button) (string, error) {
	if len(buttons) == 0 {
		return c.SendText(ctx, to, body)
	}
	btns := make([]map[string]any, 0, len(buttons))
	for _, b := range buttons {
		btns = append(btns, map[string]any{
			"type":  "reply",
			"reply": map[string]any{"id": b.ID, "title": b.Title},
		})
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "interactive",
		"interactive": map[string]any{
			"type":   "button",
			"body":   map[string]any{"text": body},
			"action": map[string]any{"buttons": btns},
		},
	}
	return c.sendMessage(ctx, payload)
}

func (c *client) SendList(ctx context.Context, to string, header string, button string, rows []ListRow) (string, error) {
	listRows := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		title := r.Title
		// Cloud API caps row titles at 24 chars.
		if len(title) > 24 {
			title = title[:24]
		}
		listRows = append(listRows, map[string]any{"id": r.ID, "title": title})
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "interactive",
		"interactive": map[string]any{
			"type": "list",
			"body": map[string]any{"text": header},
			"action": map[string]any{
				"button":   button,
				"sections": []map[string]any{{"rows": listRows}},
			},
		},
	}
	return c.sendMessage(ctx, payload)
}

func (c *client) SendAudio(ctx context.Context, to string, mediaURL string) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "audio",
		"audio":             map[string]any{"link": mediaURL},
	}
	return c.sendMessage(ctx, payload)
}

func (c *client) React(ctx context.Context, to string, messageID string, emoji string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "reaction",
		"reaction":          map[string]any{"message_id": messageID, "emoji": emoji},
	}
	_, err := c.sendMessage(ctx, payload)
	return err
}

func (c *client) MarkRead(ctx context.Context, messageID string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	endpoint := fmt.Sprintf("%s/%s/messages", c.cfg.BaseURL, c.cfg.PhoneNumberID)
	_, err := doJSON[map[string]any](c, ctx, "POST", endpoint, payload)
	return err
}

// DownloadMedia resolves the media id to a short-lived URL, then fetches the
// bytes with the same bearer token.
func (c *client) DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	endpoint := fmt.Sprintf("%s/%s", c.cfg.BaseURL, strings.TrimSpace(mediaID))
	lookup, err := doJSON[mediaLookup](c, ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("media lookup: %w", err)
	}
	if strings.TrimSpace(lookup.URL) == "" {
		return nil, "", fmt.Errorf("media lookup returned empty url")
	}

	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, "GET", lookup.URL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, "", &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	mime := lookup.MimeType
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	return raw, mime, nil
}

func (c *client) sendMessage(ctx context.Context, payload map[string]any) (string, error) {
	endpoint := fmt.Sprintf("%s/%s/messages", c.cfg.BaseURL, c.cfg.PhoneNumberID)
	resp, err := doJSON[sendResponse](c, ctx, "POST", endpoint, payload)
	if err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 {
		return "", fmt.Errorf("whatsapp send returned no message id")
	}
	return resp.Messages[0].ID, nil
}

// ---------- HTTP / retry helpers ----------

func doJSON[T any](c *client, ctx context.Context, method, urlStr string, payload any) (*T, error) {
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		out, resp, err := doJSONOnce[T](c, ctx, method, urlStr, payload)
		if err == nil {
			return out, nil
		}

		if !httpx.IsRetryableError(err) || attempt == c.cfg.MaxRetries {
			return nil, err
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 10*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("WhatsApp request retrying",
			"url", urlStr,
			"attempt", attempt+1,
			"max_retries", c.cfg.MaxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		time.Sleep(sleepFor)
		backoff *= 2
	}

	return nil, fmt.Errorf("unreachable retry loop")
}

func doJSONOnce[T any](c *client, ctx context.Context, method, urlStr string, payload any) (*T, *http.Response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, err
		}
		body = bytes.NewReader(raw)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, resp, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, resp, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && strings.TrimSpace(ae.Error.Message) != "" {
			return nil, resp, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw), Message: ae.Error.Message}
		}
		return nil, resp, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out T
	if len(raw) == 0 {
		return &out, resp, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, resp, fmt.Errorf("whatsapp decode error: %w; raw=%s", err, string(raw))
	}
	return &out, resp, nil
}
