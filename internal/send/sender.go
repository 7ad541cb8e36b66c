// Package send builds outbound MIME messages and submits them over SMTP.
package send

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/mail"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
)

const dialTimeout = 10 * time.Second

// RecipientToken is the placeholder a tracked body carries wherever the
// recipient's address must be substituted. Per-recipient sends replace it
// with the URL-escaped recipient; the saved sent copy has it blanked.
const RecipientToken = "%recipient%"

// Attachment is one file carried by an outgoing message. A non-empty
// ContentID makes it an inline part.
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Content     []byte
}

// Outgoing is the payload of a send task.
type Outgoing struct {
	From        models.Participant
	To          []models.Participant
	CC          []models.Participant
	BCC         []models.Participant
	ReplyTo     *models.Participant
	Subject     string
	TextBody    string
	HTMLBody    string
	InReplyTo   string
	References  []string
	Attachments []Attachment
}

func (o *Outgoing) recipients() []string {
	var out []string
	for _, p := range o.To {
		out = append(out, p.Email)
	}
	for _, p := range o.CC {
		out = append(out, p.Email)
	}
	for _, p := range o.BCC {
		out = append(out, p.Email)
	}
	return out
}

// TrackingOptions control per-recipient body customization.
type TrackingOptions struct {
	OpenTracking bool
	LinkTracking bool
}

func (t TrackingOptions) enabled() bool { return t.OpenTracking || t.LinkTracking }

// Result describes a completed submission. Raw is the message as saved to
// the sent folder; per-recipient sends return the base copy with the
// tracking token blanked.
type Result struct {
	MessageIDHeader string
	Raw             []byte
}

// PartialSendError reports a per-recipient send where some recipients were
// accepted and others rejected. It must surface to the user and must not be
// retried automatically, since a retry would double-send to the accepted
// recipients.
type PartialSendError struct {
	Sent   []string
	Failed map[string]error
}

func (e *PartialSendError) Error() string {
	failed := make([]string, 0, len(e.Failed))
	for addr := range e.Failed {
		failed = append(failed, addr)
	}
	sort.Strings(failed)
	return fmt.Sprintf("send failed for %s (delivered to %d of %d recipients)",
		strings.Join(failed, ", "), len(e.Sent), len(e.Sent)+len(failed))
}

// Sender submits messages over SMTP using the account's stored settings and
// credentials. It is stateless; every call dials a fresh session.
type Sender struct{}

func NewSender() *Sender { return &Sender{} }

// Send builds one MIME message and submits it to every recipient in a
// single SMTP transaction.
func (s *Sender) Send(ctx context.Context, settings models.ConnectionSettings, creds models.Credentials, out *Outgoing) (*Result, error) {
	messageID := NewMessageID(out.From.Email)
	raw, err := BuildMIME(out, messageID, out.HTMLBody)
	if err != nil {
		return nil, err
	}

	client, err := s.dial(ctx, settings, creds)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Quit() }()

	if err := client.SendMail(out.From.Email, out.recipients(), bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return &Result{MessageIDHeader: messageID, Raw: raw}, nil
}

// SendPerRecipient submits one customized copy per recipient over a single
// session, sharing one Message-ID so the copies deduplicate on fetch. A mix
// of accepted and rejected recipients returns the base Result together with
// a PartialSendError.
func (s *Sender) SendPerRecipient(ctx context.Context, settings models.ConnectionSettings, creds models.Credentials, out *Outgoing, opts TrackingOptions) (*Result, error) {
	messageID := NewMessageID(out.From.Email)
	base, err := BuildMIME(out, messageID, CustomizeBody(out.HTMLBody, "", opts))
	if err != nil {
		return nil, err
	}

	client, err := s.dial(ctx, settings, creds)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Quit() }()

	var sent []string
	failed := make(map[string]error)
	for _, recipient := range out.recipients() {
		raw, err := BuildMIME(out, messageID, CustomizeBody(out.HTMLBody, recipient, opts))
		if err != nil {
			failed[recipient] = err
			continue
		}
		if err := client.SendMail(out.From.Email, []string{recipient}, bytes.NewReader(raw)); err != nil {
			failed[recipient] = err
			continue
		}
		sent = append(sent, recipient)
	}

	result := &Result{MessageIDHeader: messageID, Raw: base}
	if len(failed) == 0 {
		return result, nil
	}
	if len(sent) == 0 {
		return nil, fmt.Errorf("failed to send to any recipient: %w", &PartialSendError{Failed: failed})
	}
	return result, &PartialSendError{Sent: sent, Failed: failed}
}

func (s *Sender) dial(ctx context.Context, settings models.ConnectionSettings, creds models.Credentials) (*smtp.Client, error) {
	addr := fmt.Sprintf("%s:%d", settings.SMTPHost, settings.SMTPPort)

	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SMTP server: %w", err)
	}
	if settings.UseTLS {
		conn = tls.Client(conn, &tls.Config{ServerName: settings.SMTPHost})
	}

	client := smtp.NewClient(conn)
	if err := client.Hello("localhost"); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to greet SMTP server: %w", err)
	}

	auth, err := s.saslClient(ctx, creds)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := client.Auth(auth); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to authenticate with SMTP server: %w", err)
	}
	return client, nil
}

func (s *Sender) saslClient(ctx context.Context, creds models.Credentials) (sasl.Client, error) {
	if creds.Password != "" {
		return sasl.NewPlainClient("", creds.Username, creds.Password), nil
	}

	token := creds.AccessToken
	if token == "" {
		resolved, err := imap.ResolveAccessToken(ctx, imap.Auth{
			Username:     creds.Username,
			RefreshToken: creds.RefreshToken,
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			TokenURL:     creds.TokenURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to refresh access token: %w", err)
		}
		token = resolved
	}
	return imap.XOAuth2Client(creds.Username, token), nil
}

// NewMessageID generates a Message-ID header value in the sender's domain.
func NewMessageID(fromEmail string) string {
	domain := "localhost"
	if at := strings.LastIndex(fromEmail, "@"); at >= 0 && at < len(fromEmail)-1 {
		domain = fromEmail[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// CustomizeBody substitutes the recipient token when tracking is enabled.
// An empty recipient blanks the token, which produces the neutral body kept
// as the sent copy.
func CustomizeBody(htmlBody, recipient string, opts TrackingOptions) string {
	if !opts.enabled() || !strings.Contains(htmlBody, RecipientToken) {
		return htmlBody
	}
	return strings.ReplaceAll(htmlBody, RecipientToken, url.QueryEscape(recipient))
}

// BuildMIME renders the outgoing message with the given body variant.
func BuildMIME(out *Outgoing, messageID, htmlBody string) ([]byte, error) {
	builder := enmime.Builder().
		From(out.From.Name, out.From.Email).
		ToAddrs(toMailAddrs(out.To)).
		CCAddrs(toMailAddrs(out.CC)).
		BCCAddrs(toMailAddrs(out.BCC)).
		Subject(out.Subject).
		Date(time.Now().UTC()).
		Header("Message-Id", messageID)

	if out.ReplyTo != nil {
		builder = builder.ReplyTo(out.ReplyTo.Name, out.ReplyTo.Email)
	}
	if out.InReplyTo != "" {
		builder = builder.Header("In-Reply-To", out.InReplyTo)
	}
	if len(out.References) > 0 {
		builder = builder.Header("References", strings.Join(out.References, " "))
	}
	if out.TextBody != "" {
		builder = builder.Text([]byte(out.TextBody))
	}
	if htmlBody != "" {
		builder = builder.HTML([]byte(htmlBody))
	}

	for _, att := range out.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if att.ContentID != "" {
			builder = builder.AddInline(att.Content, contentType, att.Filename, att.ContentID)
		} else {
			builder = builder.AddAttachment(att.Content, contentType, att.Filename)
		}
	}

	part, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build MIME message: %w", err)
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode MIME message: %w", err)
	}
	return buf.Bytes(), nil
}

func toMailAddrs(ps []models.Participant) []mail.Address {
	if len(ps) == 0 {
		return nil
	}
	addrs := make([]mail.Address, 0, len(ps))
	for _, p := range ps {
		if p.Email == "" {
			log.Printf("Warning: dropping recipient with empty address (name %q)", p.Name)
			continue
		}
		addrs = append(addrs, mail.Address{Name: p.Name, Address: p.Email})
	}
	return addrs
}
