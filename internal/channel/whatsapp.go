package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"tourbot/internal/provider"
	"tourbot/internal/retry"
)

const (
	// Cloud API limits.
	maxTextLength    = 4096
	maxCaptionLength = 1024
	maxImageBytes    = 5 << 20
)

// WhatsAppClient sends messages through the WhatsApp Business Cloud API.
type WhatsAppClient struct {
	apiBase       string
	phoneNumberID string
	accessToken   string
	httpClient    *http.Client
	policy        retry.Policy
	logger        *slog.Logger
}

// NewWhatsAppClient creates a client for one business phone number.
func NewWhatsAppClient(apiBase, phoneNumberID, accessToken string, logger *slog.Logger) *WhatsAppClient {
	return &WhatsAppClient{
		apiBase:       strings.TrimRight(apiBase, "/"),
		phoneNumberID: phoneNumberID,
		accessToken:   accessToken,
		httpClient:    provider.SharedHTTPClient(60 * time.Second),
		policy:        retry.DefaultPolicy(),
		logger:        logger,
	}
}

func (c *WhatsAppClient) messagesURL() string {
	return fmt.Sprintf("%s/%s/messages", c.apiBase, c.phoneNumberID)
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText sends a text message and returns the platform message id.
// Texts beyond the Cloud API limit are truncated at a rune boundary.
func (c *WhatsAppClient) SendText(ctx context.Context, to, text string) (string, error) {
	text = truncateRunes(text, maxTextLength)

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                NormalizePhone(to),
		"type":              "text",
		"text":              map[string]string{"body": text},
	}
	return c.send(ctx, payload)
}

// SendImage downloads the image from its signed URL, uploads it to the
// Cloud API media endpoint and sends it by media id with an optional
// caption. Sending by id rather than link avoids exposing the signed URL
// to the platform after it expires.
func (c *WhatsAppClient) SendImage(ctx context.Context, to, imageURL, caption string) (string, error) {
	data, contentType, err := c.downloadImage(ctx, imageURL)
	if err != nil {
		return "", fmt.Errorf("download image: %w", err)
	}

	mediaID, err := c.uploadMedia(ctx, data, contentType)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}

	image := map[string]string{"id": mediaID}
	if caption != "" {
		image["caption"] = truncateRunes(caption, maxCaptionLength)
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                NormalizePhone(to),
		"type":              "image",
		"image":             image,
	}
	return c.send(ctx, payload)
}

// MarkRead marks an inbound message as read, optionally showing the
// typing indicator. Single attempt, a failure only costs the read receipt.
func (c *WhatsAppClient) MarkRead(ctx context.Context, messageID string, typing bool) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	if typing {
		payload["typing_indicator"] = map[string]string{"type": "text"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("mark read HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func (c *WhatsAppClient) send(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := retry.Do(ctx, c.httpClient, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
		return req, nil
	}, c.policy, c.logger)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read send response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed sendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parse send response: %w", err)
	}
	if len(parsed.Messages) == 0 {
		return "", fmt.Errorf("send response has no message id")
	}
	return parsed.Messages[0].ID, nil
}

func (c *WhatsAppClient) downloadImage(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("image fetch HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", fmt.Errorf("unsupported content type %s", contentType)
	}
	return data, contentType, nil
}

func (c *WhatsAppClient) uploadMedia(ctx context.Context, data []byte, contentType string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", err
	}
	if err := mw.WriteField("type", contentType); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("file", "image"+extensionFor(contentType))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/media", c.apiBase, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media upload HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parse media response: %w", err)
	}
	if parsed.ID == "" {
		return "", fmt.Errorf("media response has no id")
	}
	return parsed.ID, nil
}

// NormalizePhone strips formatting characters so numbers match the wa_id
// form the platform uses.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}
