package mail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	gomail "github.com/emersion/go-message/mail"

	"github.com/nhle/mailpilot/internal/model"
)

// FetchedEmail pairs a parsed inbound email with the IMAP UID needed
// to flag it after processing.
type FetchedEmail struct {
	UID   imap.UID
	Email *model.Email
}

// IMAPClient wraps go-imap v2 for pulling inbound mail from a mailbox.
type IMAPClient struct {
	cfg      model.IMAPConfig
	password string
}

// NewIMAPClient creates an IMAP client configuration. The password is
// supplied separately since it lives in the credential store.
func NewIMAPClient(cfg model.IMAPConfig, password string) *IMAPClient {
	return &IMAPClient{cfg: cfg, password: password}
}

// connect establishes a connection, authenticates, and selects the
// configured mailbox. The caller must Logout the returned client.
func (c *IMAPClient) connect(_ context.Context) (*imapclient.Client, error) {
	addr := c.cfg.Host + ":" + c.cfg.Port

	var client *imapclient.Client
	var err error

	if c.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(c.cfg.Username, c.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("authenticating %s: %w", c.cfg.Username, err)
	}

	if _, err := client.Select(c.cfg.Mailbox, nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("selecting %s: %w", c.cfg.Mailbox, err)
	}

	return client, nil
}

// FetchUnseen retrieves unprocessed messages with their full bodies,
// parsed into inbound emails ready for thread resolution.
func (c *IMAPClient) FetchUnseen(ctx context.Context, limit int) ([]FetchedEmail, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching unseen messages: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	uidSet := imap.UIDSetNum(uids...)
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(uidSet, fetchOpts)

	var fetched []FetchedEmail
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		email := emailFromBuffer(buf, buf.FindBodySection(bodySection))
		fetched = append(fetched, FetchedEmail{UID: buf.UID, Email: email})
	}

	if err := fetchCmd.Close(); err != nil {
		return fetched, fmt.Errorf("fetching unseen messages: %w", err)
	}

	return fetched, nil
}

// MarkProcessed flags messages Seen and Answered once their replies
// have been persisted.
func (c *IMAPClient) MarkProcessed(ctx context.Context, uids []imap.UID) error {
	if len(uids) == 0 {
		return nil
	}

	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	storeCmd := client.Store(imap.UIDSetNum(uids...), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen, imap.FlagAnswered},
	}, nil)

	return storeCmd.Close()
}

// emailFromBuffer maps a fetched IMAP message onto the Email model,
// combining envelope data with headers and bodies parsed from the raw
// message.
func emailFromBuffer(buf *imapclient.FetchMessageBuffer, rawBody []byte) *model.Email {
	email := &model.Email{
		ID:        model.NewEmailID(),
		CreatedAt: time.Now().UTC(),
		Direction: model.DirectionInbound,
	}

	if buf.Envelope != nil {
		email.MessageID = canonicalMessageID(buf.Envelope.MessageID)
		email.Subject = buf.Envelope.Subject
		if len(buf.Envelope.From) > 0 {
			email.From = buf.Envelope.From[0].Addr()
		}
		for _, to := range buf.Envelope.To {
			email.To = append(email.To, model.NormalizeAddress(to.Addr()))
		}
		for _, cc := range buf.Envelope.Cc {
			email.Cc = append(email.Cc, model.NormalizeAddress(cc.Addr()))
		}
		if !buf.Envelope.Date.IsZero() {
			email.CreatedAt = buf.Envelope.Date.UTC()
		}
	}

	if rawBody != nil {
		parseRawMessage(rawBody, email)
	}

	return email
}

// parseRawMessage extracts threading headers and text/html bodies
// from a raw RFC 5322 message using go-message.
func parseRawMessage(raw []byte, email *model.Email) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Undecodable MIME still carries the user's words somewhere;
		// keep the raw text rather than dropping the message.
		email.Text = string(raw)
		return
	}
	defer mr.Close()

	fields := mr.Header.Fields()
	for fields.Next() {
		email.Headers = append(email.Headers, model.Header{
			Name:  fields.Key(),
			Value: fields.Value(),
		})
	}

	if email.MessageID == "" {
		email.MessageID = canonicalMessageID(mr.Header.Get("Message-Id"))
	}
	email.InReplyTo = canonicalMessageID(mr.Header.Get("In-Reply-To"))
	email.References = splitReferences(mr.Header.Get("References"))

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		h, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			email.Text = string(body)
		case strings.HasPrefix(contentType, "text/html"):
			email.HTML = string(body)
		}
	}
}
