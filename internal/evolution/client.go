// Package evolution is the client for an Evolution API instance, the
// HTTP gateway in front of a Baileys WhatsApp session. Evolution's
// surface differs between major versions and deployments, so the
// client probes endpoint and payload variants instead of assuming one.
package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/xtalento/xbot/internal/config"
	"github.com/xtalento/xbot/internal/httpkit"
)

// sendAttempts is how many full passes over the endpoint/payload matrix
// are made before giving up on a send.
const sendAttempts = 3

// Client talks to one Evolution instance.
type Client struct {
	baseURL  string
	apiKey   string
	instance string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates an Evolution client from config.
func NewClient(cfg config.EvolutionConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  cfg.APIURL,
		apiKey:   cfg.APIKey,
		instance: cfg.Instance,
		http: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// SendResult reports the outcome of a send, including the message ID
// Evolution assigned when the response carried one. The ID feeds echo
// detection; an empty ID just means the weaker signals have to do.
type SendResult struct {
	Status    int
	MessageID string
	Body      string
}

// SendText delivers a text message. number is the bare counterpart
// number; remoteJID, when known, lets group chats be addressed
// correctly. Evolution deployments disagree on both the route and the
// payload shape, so every combination is tried until one returns 2xx.
func (c *Client) SendText(ctx context.Context, number, text, remoteJID string) (*SendResult, error) {
	endpoints := []string{
		fmt.Sprintf("%s/message/sendText/%s", c.baseURL, c.instance),
		fmt.Sprintf("%s/v2/message/sendText/%s", c.baseURL, c.instance),
	}
	payloads := sendPayloadVariants(number, text, remoteJID)

	var last *SendResult
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			// Exponential backoff between full passes.
			delay := 500 * time.Millisecond << (attempt - 1)
			select {
			case <-ctx.Done():
				return last, ctx.Err()
			case <-time.After(delay):
			}
		}

		for _, url := range endpoints {
			for _, payload := range payloads {
				res, err := c.postJSON(ctx, url, payload)
				if err != nil {
					c.logger.Debug("send attempt failed", "url", url, "error", err)
					continue
				}
				last = res
				if res.Status == http.StatusOK || res.Status == http.StatusCreated {
					return res, nil
				}
				c.logger.Debug("send variant rejected",
					"url", url,
					"status", res.Status,
				)
			}
		}
	}

	if last == nil {
		return nil, fmt.Errorf("send to %s: all endpoints unreachable", number)
	}
	return last, fmt.Errorf("send to %s: status %d: %s", number, last.Status, truncate(last.Body, 200))
}

// sendPayloadVariants builds the payload matrix for a recipient. Group
// chats come first when the JID identifies one.
func sendPayloadVariants(number, text, remoteJID string) []map[string]any {
	var variants []map[string]any

	groupJID := ""
	if IsGroupJID(remoteJID) {
		groupJID = remoteJID
	}
	if groupJID != "" {
		variants = append(variants,
			map[string]any{"groupJid": groupJID, "text": text},
			map[string]any{"groupId": groupJID, "text": text},
			map[string]any{
				"groupJid":    groupJID,
				"options":     map[string]any{"presence": "composing"},
				"textMessage": map[string]any{"text": text},
			},
		)
	}

	variants = append(variants,
		map[string]any{"number": number, "text": text},
		map[string]any{"number": number, "message": text},
		map[string]any{
			"number":      number,
			"options":     map[string]any{"presence": "composing"},
			"textMessage": map[string]any{"text": text},
		},
	)
	return variants
}

func (c *Client) postJSON(ctx context.Context, url string, payload any) (*SendResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	respBody := httpkit.ReadErrorBody(resp.Body, 4096)

	return &SendResult{
		Status:    resp.StatusCode,
		MessageID: extractMessageID([]byte(respBody)),
		Body:      respBody,
	}, nil
}

// extractMessageID pulls the assigned message ID out of a send
// response. Evolution nests it under key.id; some versions return a
// messages array instead.
func extractMessageID(body []byte) string {
	var envelope struct {
		Key struct {
			ID string `json:"id"`
		} `json:"key"`
		Messages []struct {
			Key struct {
				ID string `json:"id"`
			} `json:"key"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if envelope.Key.ID != "" {
		return envelope.Key.ID
	}
	if len(envelope.Messages) > 0 {
		return envelope.Messages[0].Key.ID
	}
	return ""
}

// WebhookConfig is the webhook registration Evolution stores per
// instance.
type WebhookConfig struct {
	Enabled         bool     `json:"enabled"`
	URL             string   `json:"url"`
	WebhookByEvents bool     `json:"webhookByEvents"`
	WebhookBase64   bool     `json:"webhookBase64"`
	Events          []string `json:"events"`
}

// DefaultWebhookEvents is the event set the dispatcher consumes.
var DefaultWebhookEvents = []string{
	EventQRCodeUpdated,
	EventConnectionUpdate,
	EventMessagesUpsert,
	EventMessagesUpdate,
	"MESSAGES_DELETE",
	EventSendMessage,
}

// RegisterWebhook points the instance's webhook at publicURL. Route and
// nesting variants are probed in order; the first 2xx wins.
func (c *Client) RegisterWebhook(ctx context.Context, publicURL string, byEvents bool) (*SendResult, error) {
	cfg := WebhookConfig{
		Enabled:         true,
		URL:             publicURL,
		WebhookByEvents: byEvents,
		Events:          DefaultWebhookEvents,
	}

	routes := []string{
		fmt.Sprintf("%s/webhook/set/%s", c.baseURL, c.instance),
		fmt.Sprintf("%s/v2/webhook/set/%s", c.baseURL, c.instance),
		fmt.Sprintf("%s/instance/%s/webhook", c.baseURL, c.instance),
		fmt.Sprintf("%s/instances/%s/webhook", c.baseURL, c.instance),
	}
	// Some deployments want the config nested under "webhook".
	payloads := []any{cfg, map[string]any{"webhook": cfg}}

	var last *SendResult
	for _, url := range routes {
		for _, payload := range payloads {
			res, err := c.postJSON(ctx, url, payload)
			if err != nil {
				c.logger.Debug("webhook registration attempt failed", "url", url, "error", err)
				continue
			}
			last = res
			if res.Status == http.StatusOK || res.Status == http.StatusCreated {
				c.logger.Info("webhook registered", "url", publicURL, "route", url)
				return res, nil
			}
		}
	}

	if last == nil {
		return nil, fmt.Errorf("register webhook: all routes unreachable")
	}
	return last, fmt.Errorf("register webhook: status %d: %s", last.Status, truncate(last.Body, 200))
}

// FindWebhook returns the instance's current webhook configuration.
func (c *Client) FindWebhook(ctx context.Context) (*SendResult, error) {
	routes := []string{
		fmt.Sprintf("%s/webhook/find/%s", c.baseURL, c.instance),
		fmt.Sprintf("%s/v2/webhook/find/%s", c.baseURL, c.instance),
	}

	var last *SendResult
	for _, url := range routes {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("apikey", c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Debug("webhook lookup attempt failed", "url", url, "error", err)
			continue
		}
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		last = &SendResult{Status: resp.StatusCode, Body: body}
		if resp.StatusCode == http.StatusOK {
			return last, nil
		}
	}

	if last == nil {
		return nil, fmt.Errorf("find webhook: all routes unreachable")
	}
	return last, fmt.Errorf("find webhook: status %d", last.Status)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
