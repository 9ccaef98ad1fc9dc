package mail

import (
	"crypto/tls"
	"fmt"
	"net"
	netmail "net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailpilot/internal/model"
)

// BuildReply constructs the outbound email answering an inbound one,
// carrying the threading headers that keep mail clients (and our own
// resolver) on the same thread.
func BuildReply(original *model.Email, from, text, html string) *model.Email {
	subject := original.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	refs := make([]string, 0, len(original.References)+1)
	refs = append(refs, original.References...)
	if original.MessageID != "" {
		refs = append(refs, original.MessageID)
	}

	messageID := fmt.Sprintf("<%s@mailpilot>", uuid.New().String())

	headers := []model.Header{
		{Name: "Message-ID", Value: messageID},
	}
	if original.MessageID != "" {
		headers = append(headers, model.Header{Name: "In-Reply-To", Value: original.MessageID})
	}
	if len(refs) > 0 {
		headers = append(headers, model.Header{Name: "References", Value: strings.Join(refs, " ")})
	}

	to := original.From
	if addr, err := netmail.ParseAddress(original.From); err == nil {
		to = addr.Address
	}

	return &model.Email{
		ID:             model.NewEmailID(),
		ConversationID: original.ConversationID,
		CreatedAt:      time.Now().UTC(),
		Direction:      model.DirectionOutbound,
		MessageID:      messageID,
		InReplyTo:      original.MessageID,
		References:     refs,
		From:           from,
		To:             []string{model.NormalizeAddress(to)},
		Subject:        subject,
		Text:           text,
		HTML:           html,
		Headers:        headers,
	}
}

// SMTPSender delivers outbound emails over SMTP, using implicit TLS
// or STARTTLS depending on configuration.
type SMTPSender struct {
	cfg      model.SMTPConfig
	password string
}

// NewSMTPSender creates a sender. The password is supplied separately
// since it lives in the credential store, not the config file.
func NewSMTPSender(cfg model.SMTPConfig, password string) *SMTPSender {
	return &SMTPSender{cfg: cfg, password: password}
}

// Send composes the wire form of the email and submits it.
func (s *SMTPSender) Send(email *model.Email) error {
	if len(email.To) == 0 {
		return fmt.Errorf("email %s has no recipients", email.ID)
	}

	body := composeWire(email)
	addr := s.cfg.Host + ":" + s.cfg.Port

	if s.cfg.TLS {
		return s.sendWithTLS(addr, email, body)
	}
	return s.sendWithStartTLS(addr, email, body)
}

// composeWire renders the RFC 5322 form of an outbound email.
func composeWire(email *model.Email) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", email.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(email.To, ", ")))
	if len(email.Cc) > 0 {
		msg.WriteString(fmt.Sprintf("Cc: %s\r\n", strings.Join(email.Cc, ", ")))
	}
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", email.Subject))
	for _, h := range email.Headers {
		msg.WriteString(fmt.Sprintf("%s: %s\r\n", h.Name, h.Value))
	}
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(email.Text)
	return msg.String()
}

// sendWithTLS sends over an implicit TLS connection.
func (s *SMTPSender) sendWithTLS(addr string, email *model.Email, body string) error {
	tlsConfig := &tls.Config{ServerName: s.cfg.Host}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("TLS dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	auth := smtp.PlainAuth("", s.cfg.Username, s.password, s.cfg.Host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP auth: %w", err)
	}

	return submit(client, email, body)
}

// sendWithStartTLS sends using STARTTLS.
func (s *SMTPSender) sendWithStartTLS(addr string, email *model.Email, body string) error {
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return fmt.Errorf("dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	tlsConfig := &tls.Config{ServerName: s.cfg.Host}
	if err := client.StartTLS(tlsConfig); err != nil {
		return fmt.Errorf("SMTP STARTTLS: %w", err)
	}

	auth := smtp.PlainAuth("", s.cfg.Username, s.password, s.cfg.Host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP auth: %w", err)
	}

	return submit(client, email, body)
}

// submit sends a message using an already-authenticated SMTP client.
func submit(client *smtp.Client, email *model.Email, body string) error {
	from := email.From
	if addr, err := netmail.ParseAddress(from); err == nil {
		from = addr.Address
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}

	recipients := make([]string, 0, len(email.To)+len(email.Cc)+len(email.Bcc))
	recipients = append(recipients, email.To...)
	recipients = append(recipients, email.Cc...)
	recipients = append(recipients, email.Bcc...)
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("SMTP RCPT TO %s: %w", rcpt, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}

	if _, err := writer.Write([]byte(body)); err != nil {
		return fmt.Errorf("writing email body: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}

	return client.Quit()
}
