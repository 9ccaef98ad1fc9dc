// Package mail converts between transport representations (webhook
// payloads, IMAP messages, SMTP submissions) and the stored Email
// model. It performs no signature verification; that belongs to the
// transport in front of it.
package mail

import (
	"encoding/json"
	"fmt"
	"io"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/nhle/mailpilot/internal/model"
)

// WebhookHeader is one raw header in an inbound webhook payload.
type WebhookHeader struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

// WebhookPayload is the Postmark-style inbound JSON body.
type WebhookPayload struct {
	MessageID string          `json:"MessageID"`
	From      string          `json:"From"`
	To        string          `json:"To"`
	Cc        string          `json:"Cc"`
	Bcc       string          `json:"Bcc"`
	Subject   string          `json:"Subject"`
	TextBody  string          `json:"TextBody"`
	HTMLBody  string          `json:"HtmlBody"`
	Date      string          `json:"Date"`
	Headers   []WebhookHeader `json:"Headers"`
}

// ParseWebhook decodes an inbound webhook body into an unresolved
// inbound email. The ConversationID is left empty; the thread
// resolver owns that decision.
func ParseWebhook(r io.Reader) (*model.Email, error) {
	var payload WebhookPayload
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding webhook payload: %w", err)
	}
	return EmailFromWebhook(&payload), nil
}

// EmailFromWebhook maps a decoded payload onto the Email model,
// lifting the threading headers out of the raw header list.
func EmailFromWebhook(payload *WebhookPayload) *model.Email {
	headers := make([]model.Header, 0, len(payload.Headers))
	for _, h := range payload.Headers {
		headers = append(headers, model.Header{Name: h.Name, Value: h.Value})
	}

	email := &model.Email{
		ID:        model.NewEmailID(),
		CreatedAt: time.Now().UTC(),
		Direction: model.DirectionInbound,
		MessageID: canonicalMessageID(payload.MessageID),
		From:      payload.From,
		To:        splitAddressList(payload.To),
		Cc:        splitAddressList(payload.Cc),
		Bcc:       splitAddressList(payload.Bcc),
		Subject:   payload.Subject,
		Text:      payload.TextBody,
		HTML:      payload.HTMLBody,
		Headers:   headers,
	}

	// Some providers surface Message-ID only in the raw headers.
	if email.MessageID == "" {
		email.MessageID = canonicalMessageID(email.HeaderValue("Message-ID"))
	}
	email.InReplyTo = canonicalMessageID(email.HeaderValue("In-Reply-To"))
	email.References = splitReferences(email.HeaderValue("References"))

	return email
}

// splitAddressList parses a comma- or semicolon-separated address
// field into plain addresses. Display names are dropped.
func splitAddressList(field string) []string {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil
	}

	if parsed, err := netmail.ParseAddressList(field); err == nil {
		addrs := make([]string, 0, len(parsed))
		for _, a := range parsed {
			addrs = append(addrs, model.NormalizeAddress(a.Address))
		}
		return addrs
	}

	// Fall back to naive splitting for fields some providers emit
	// with semicolons or bare addresses.
	var addrs []string
	for _, part := range strings.FieldsFunc(field, func(r rune) bool {
		return r == ',' || r == ';'
	}) {
		if addr := model.NormalizeAddress(part); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// splitReferences breaks a References header into its message ids,
// oldest first, preserving the order the sender supplied.
func splitReferences(header string) []string {
	fields := strings.Fields(header)
	if len(fields) == 0 {
		return nil
	}
	refs := make([]string, 0, len(fields))
	for _, f := range fields {
		if id := canonicalMessageID(f); id != "" {
			refs = append(refs, id)
		}
	}
	return refs
}

// canonicalMessageID normalizes a Message-ID to its angle-bracketed
// form so header-chain lookups compare equal regardless of how the
// transport delivered them.
func canonicalMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	if id == "" {
		return ""
	}
	return "<" + id + ">"
}
