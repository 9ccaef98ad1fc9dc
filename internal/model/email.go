package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EmailDirection distinguishes received from sent emails.
type EmailDirection string

const (
	DirectionInbound  EmailDirection = "inbound"
	DirectionOutbound EmailDirection = "outbound"
)

// Header is one raw email header. Order and duplicates are preserved
// as received.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Email is the raw transport artifact of one delivery. Emails are
// immutable once stored and form an append-only audit log of what was
// actually transmitted or received.
type Email struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	CreatedAt      time.Time      `json:"created_at"`
	Direction      EmailDirection `json:"direction"`

	// MessageID is the RFC 5322 Message-ID header value, used for
	// thread resolution and redelivery detection.
	MessageID  string   `json:"message_id"`
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`

	From    string   `json:"from"`
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Bcc     []string `json:"bcc,omitempty"`
	Subject string   `json:"subject"`
	Text    string   `json:"text,omitempty"`
	HTML    string   `json:"html,omitempty"`
	Headers []Header `json:"headers,omitempty"`
}

// NewEmailID mints a storage id for an email row. The RFC Message-ID
// is kept separately since inbound ids are chosen by the sender.
func NewEmailID() string {
	return uuid.New().String()
}

// HeaderValue returns the first header with the given name,
// case-insensitively, or "".
func (e *Email) HeaderValue(name string) string {
	for _, h := range e.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
