package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cascadehq/cascade/pkg/envelope"
	"github.com/cascadehq/cascade/pkg/rules"
)

// TicketCreator opens a ticket in an external tracker. Each request is
// authenticated with a short-lived HS256 bearer token minted per call.
type TicketCreator struct {
	client   *http.Client
	endpoint string
	secret   []byte
	issuer   string
	tokenTTL time.Duration
	now      func() time.Time
}

func NewTicketCreator(client *http.Client, endpoint string, secret []byte, issuer string) *TicketCreator {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TicketCreator{
		client:   client,
		endpoint: endpoint,
		secret:   secret,
		issuer:   issuer,
		tokenTTL: 2 * time.Minute,
		now:      time.Now,
	}
}

func (a *TicketCreator) Type() string { return "ticket.create" }

func (a *TicketCreator) Execute(ctx context.Context, action rules.Action, trigger envelope.Envelope) (string, error) {
	token, err := a.mintToken()
	if err != nil {
		return "", fmt.Errorf("ticket.create: mint token: %w", err)
	}

	title, _ := action.Config["title"].(string)
	if title == "" {
		title = fmt.Sprintf("[%s] %s", trigger.Namespace, trigger.EventType)
	}
	body, err := json.Marshal(map[string]any{
		"title":      title,
		"namespace":  trigger.Namespace,
		"event_type": trigger.EventType,
		"payload":    trigger.Payload,
	})
	if err != nil {
		return "", fmt.Errorf("ticket.create: marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/tickets", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ticket.create: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ticket.create: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("ticket.create: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("ticket.create: tracker returned %d: %s", resp.StatusCode, raw)
	}

	var doc struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("ticket.create: decode response: %w", err)
	}
	if doc.ID == "" {
		return "", fmt.Errorf("ticket.create: tracker response missing ticket id")
	}
	return doc.ID, nil
}

func (a *TicketCreator) mintToken() (string, error) {
	now := a.now()
	claims := jwt.MapClaims{
		"iss": a.issuer,
		"sub": "reaction-executor",
		"iat": now.Unix(),
		"exp": now.Add(a.tokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
