package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// MessageType distinguishes plain text replies from structured templates.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeTemplate MessageType = "template"
)

var (
	// ErrEmptyMessage is returned when a message carries neither text nor a template.
	ErrEmptyMessage = errors.New("messaging: message body required")

	// ErrRecipientRequired is returned when the platform user id is missing.
	ErrRecipientRequired = errors.New("messaging: recipient required")

	// ErrNoCredentials is returned when no channel token exists for a tenant.
	ErrNoCredentials = errors.New("messaging: no channel credentials for tenant")
)

// Message is one outbound chat message. Template payloads are opaque and passed
// to the platform unchanged.
type Message struct {
	Type         MessageType     `json:"type"`
	Text         string          `json:"text,omitempty"`
	QuickReplies []string        `json:"quick_replies,omitempty"`
	Template     json.RawMessage `json:"template,omitempty"`
}

// Text builds a plain text message.
func Text(body string) Message {
	return Message{Type: TypeText, Text: body}
}

// IsZero reports whether the message has nothing to send.
func (m Message) IsZero() bool {
	switch m.Type {
	case TypeTemplate:
		return len(m.Template) == 0
	default:
		return strings.TrimSpace(m.Text) == ""
	}
}

// Validate checks the message can be delivered.
func (m Message) Validate() error {
	if m.Type != "" && m.Type != TypeText && m.Type != TypeTemplate {
		return errors.New("messaging: unknown message type " + string(m.Type))
	}
	if m.IsZero() {
		return ErrEmptyMessage
	}
	if m.Type == TypeTemplate && !json.Valid(m.Template) {
		return errors.New("messaging: template payload is not valid JSON")
	}
	return nil
}

// Kind returns the message type, treating an empty type as text.
func (m Message) Kind() MessageType {
	if m.Type == "" {
		return TypeText
	}
	return m.Type
}

// Outbound carries the data required to push a message to a friend.
type Outbound struct {
	TenantID string
	To       string
	Message  Message
	Metadata map[string]string
}

// Gateway delivers messages to the end user's chat client.
type Gateway interface {
	Send(ctx context.Context, msg Outbound) error
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, msg Outbound) error

func (f GatewayFunc) Send(ctx context.Context, msg Outbound) error {
	return f(ctx, msg)
}
