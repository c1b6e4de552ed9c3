// Package adapters holds the side-effect adapters the reaction executor
// dispatches to. Each adapter is an opaque capability keyed by its
// action-type string; the executor knows nothing about what they do.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cascadehq/cascade/pkg/envelope"
	"github.com/cascadehq/cascade/pkg/rules"
)

// ChatWebhook posts a JSON notification to a chat webhook URL. The URL
// comes from the action config ("url"), falling back to the adapter's
// default.
type ChatWebhook struct {
	client     *http.Client
	defaultURL string
}

func NewChatWebhook(client *http.Client, defaultURL string) *ChatWebhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &ChatWebhook{client: client, defaultURL: defaultURL}
}

func (a *ChatWebhook) Type() string { return "chat.webhook" }

func (a *ChatWebhook) Execute(ctx context.Context, action rules.Action, trigger envelope.Envelope) (string, error) {
	url, _ := action.Config["url"].(string)
	if url == "" {
		url = a.defaultURL
	}
	if url == "" {
		return "", fmt.Errorf("chat.webhook: no url configured")
	}

	message, _ := action.Config["message"].(string)
	if message == "" {
		message = fmt.Sprintf("event %s in %s", trigger.EventType, trigger.Namespace)
	}
	body, err := json.Marshal(map[string]any{
		"text":       message,
		"namespace":  trigger.Namespace,
		"event_type": trigger.EventType,
		"payload":    trigger.Payload,
	})
	if err != nil {
		return "", fmt.Errorf("chat.webhook: marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("chat.webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat.webhook: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("chat.webhook: hook returned %d", resp.StatusCode)
	}
	return deliveryRef(resp), nil
}

// deliveryRef extracts an external reference from a webhook response: a JSON
// body carrying "id", or the X-Delivery-Id header.
func deliveryRef(resp *http.Response) string {
	if ref := resp.Header.Get("X-Delivery-Id"); ref != "" {
		return ref
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return ""
	}
	var doc struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &doc) == nil {
		return doc.ID
	}
	return ""
}
