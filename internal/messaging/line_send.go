package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/autoreply/pkg/logging"
)

var lineSendTracer = otel.Tracer("autoreply.internal.messaging.line_send")

const (
	linePushPath         = "/v2/bot/message/push"
	lineMaxAttempts      = 3
	lineQuickReplyLimit  = 13
	lineQuickReplyLabels = 20
)

// TokenSource resolves the per-tenant channel access token.
type TokenSource interface {
	ChannelToken(ctx context.Context, tenantID string) (string, error)
}

// StaticTokens is a TokenSource backed by a fixed tenant -> token map.
type StaticTokens map[string]string

// ParseStaticTokens decodes a {"tenant-id": "token"} JSON object.
func ParseStaticTokens(raw string) (StaticTokens, error) {
	tokens := StaticTokens{}
	if strings.TrimSpace(raw) == "" {
		return tokens, nil
	}
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		return nil, fmt.Errorf("messaging: decode channel tokens: %w", err)
	}
	return tokens, nil
}

func (s StaticTokens) ChannelToken(_ context.Context, tenantID string) (string, error) {
	token := strings.TrimSpace(s[tenantID])
	if token == "" {
		return "", ErrNoCredentials
	}
	return token, nil
}

// LineGateway pushes messages through the LINE Messaging API.
type LineGateway struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *logging.Logger
	backoff    func(attempt int) time.Duration
}

// NewLineGateway builds a gateway for the LINE push endpoint.
func NewLineGateway(baseURL string, tokens TokenSource, logger *logging.Logger) *LineGateway {
	if logger == nil {
		logger = logging.Default()
	}
	if baseURL == "" {
		baseURL = "https://api.line.me"
	}
	return &LineGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
		backoff: func(int) time.Duration {
			return time.Duration(200+rand.Intn(300)) * time.Millisecond
		},
	}
}

var _ Gateway = (*LineGateway)(nil)

type linePushRequest struct {
	To       string            `json:"to"`
	Messages []json.RawMessage `json:"messages"`
}

type lineTextMessage struct {
	Type       string          `json:"type"`
	Text       string          `json:"text"`
	QuickReply *lineQuickReply `json:"quickReply,omitempty"`
}

type lineQuickReply struct {
	Items []lineQuickReplyItem `json:"items"`
}

type lineQuickReplyItem struct {
	Type   string          `json:"type"`
	Action lineReplyAction `json:"action"`
}

type lineReplyAction struct {
	Type  string `json:"type"`
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Send pushes a single message, retrying network errors, 429 and 5xx responses.
// The same X-Line-Retry-Key is reused across attempts so LINE drops duplicates.
func (g *LineGateway) Send(ctx context.Context, msg Outbound) error {
	if strings.TrimSpace(msg.To) == "" {
		return ErrRecipientRequired
	}
	if err := msg.Message.Validate(); err != nil {
		return err
	}
	if g.tokens == nil {
		return ErrNoCredentials
	}
	token, err := g.tokens.ChannelToken(ctx, msg.TenantID)
	if err != nil {
		return err
	}

	ctx, span := lineSendTracer.Start(ctx, "messaging.line.push")
	defer span.End()
	span.SetAttributes(
		attribute.String("autoreply.tenant_id", msg.TenantID),
		attribute.String("autoreply.message_type", string(msg.Message.Kind())),
	)

	payload, err := encodeLineMessage(msg.Message)
	if err != nil {
		return err
	}
	body, err := json.Marshal(linePushRequest{To: msg.To, Messages: []json.RawMessage{payload}})
	if err != nil {
		return fmt.Errorf("messaging: marshal line payload: %w", err)
	}
	retryKey := uuid.NewString()

	var lastErr error
attempts:
	for attempt := 1; attempt <= lineMaxAttempts; attempt++ {
		retryable, err := g.push(ctx, token, retryKey, body)
		if err == nil {
			g.logger.Debug("line push sent", "tenant_id", msg.TenantID, "attempt", attempt)
			return nil
		}
		lastErr = err
		if !retryable || attempt == lineMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break attempts
		case <-time.After(g.backoff(attempt)):
		}
	}

	span.RecordError(lastErr)
	g.logger.Error("failed to push line message", "error", lastErr, "tenant_id", msg.TenantID)
	return lastErr
}

func (g *LineGateway) push(ctx context.Context, token, retryKey string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+linePushPath, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("messaging: build line request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Line-Retry-Key", retryKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, err
		}
		return true, fmt.Errorf("messaging: line push: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusConflict && resp.Header.Get("X-Line-Accepted-Request-Id") != "":
		// an earlier attempt with this retry key was already accepted
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("messaging: line push failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	default:
		return false, fmt.Errorf("messaging: line push rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

func encodeLineMessage(m Message) (json.RawMessage, error) {
	if m.Kind() == TypeTemplate {
		return m.Template, nil
	}
	out := lineTextMessage{Type: "text", Text: m.Text}
	if len(m.QuickReplies) > 0 {
		qr := &lineQuickReply{}
		for i, label := range m.QuickReplies {
			if i >= lineQuickReplyLimit {
				break
			}
			qr.Items = append(qr.Items, lineQuickReplyItem{
				Type: "action",
				Action: lineReplyAction{
					Type:  "message",
					Label: truncateRunes(label, lineQuickReplyLabels),
					Text:  label,
				},
			})
		}
		out.QuickReply = qr
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("messaging: marshal text message: %w", err)
	}
	return raw, nil
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
