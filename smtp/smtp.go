// Package smtp implements the dispatch engine's SMTP Sender (C4),
// adapted from the teacher's email.ConnectSMTPWithContext dial/STARTTLS/
// auth sequence and email.SendWithClient MIME assembly, generalized from
// a CSV mail-merge Task to a composed Message and from a single string
// error to the Sent/RetryableFailure/PermanentFailure contract.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/mailforge/dispatchd/config"
	"github.com/mailforge/dispatchd/internal/types"
	"github.com/mailforge/dispatchd/logger"
)

var log = logger.New("smtp")

// Outcome is the §4.4 send result.
type Outcome int

const (
	Sent Outcome = iota
	RetryableFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "Sent"
	case RetryableFailure:
		return "RetryableFailure"
	case PermanentFailure:
		return "PermanentFailure"
	default:
		return "Unknown"
	}
}

// Message is the fully-resolved payload ready for delivery: template
// rendering and attachment normalization have already run.
type Message struct {
	From        string
	To          string
	CC          string
	BCC         string
	Subject     string
	Body        string
	IsHTML      bool
	Attachments []types.Attachment
}

// Sender is the interface the worker pool depends on, so tests can
// substitute a fake without dialing a real server.
type Sender interface {
	Send(ctx context.Context, msg Message) (Outcome, string)
	TestConnection(ctx context.Context) bool
}

// Client is the concrete Sender backed by net/smtp.
type Client struct {
	cfg config.SMTPConfig
}

func NewClient(cfg config.SMTPConfig) *Client {
	return &Client{cfg: cfg}
}

// dial mirrors ConnectSMTPWithContext: dial with timeout, opportunistic
// STARTTLS, PLAIN auth.
func (c *Client) dial(ctx context.Context) (*smtp.Client, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	timeout := c.cfg.ConnectionTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("smtp dial: %w", err)
	}

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp client init: %w", err)
	}

	if ctx.Err() != nil {
		client.Close()
		return nil, ctx.Err()
	}

	if c.cfg.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			tlsCfg := &tls.Config{
				ServerName:         c.cfg.Host,
				InsecureSkipVerify: c.cfg.InsecureSkipVerify,
				MinVersion:         tls.VersionTLS12,
			}
			if err := client.StartTLS(tlsCfg); err != nil {
				client.Close()
				return nil, fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if c.cfg.Username != "" {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}

	return client, nil
}

// TestConnection backs the Health Monitor's SMTP probe.
func (c *Client) TestConnection(ctx context.Context) bool {
	client, err := c.dial(ctx)
	if err != nil {
		log.WithError(err).Warn("smtp test_connection failed")
		return false
	}
	defer client.Close()
	return client.Noop() == nil
}

// Send dials, assembles the MIME message, sends it, and classifies the
// outcome into the engine's three-way contract.
func (c *Client) Send(ctx context.Context, msg Message) (Outcome, string) {
	client, err := c.dial(ctx)
	if err != nil {
		return classify(err)
	}
	defer client.Close()

	if err := deliver(client, c.cfg.From, msg); err != nil {
		return classify(err)
	}
	return Sent, ""
}

func deliver(client *smtp.Client, from string, msg Message) error {
	from = strings.TrimSpace(from)
	if from == "" {
		return fmt.Errorf("permanent failure: smtp from address is empty")
	}
	if err := client.Mail(from); err != nil {
		return err
	}

	to := strings.TrimSpace(msg.To)
	if to == "" {
		return fmt.Errorf("permanent failure: recipient address is empty")
	}

	seen := map[string]struct{}{strings.ToLower(to): {}}
	if err := client.Rcpt(to); err != nil {
		return err
	}

	var ccList []string
	for _, addr := range splitAddressList(msg.CC) {
		key := strings.ToLower(addr)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		ccList = append(ccList, addr)
		if err := client.Rcpt(addr); err != nil {
			return err
		}
	}
	for _, addr := range splitAddressList(msg.BCC) {
		key := strings.ToLower(addr)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if err := client.Rcpt(addr); err != nil {
			return err
		}
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	defer w.Close()

	return writeMIME(w, from, to, ccList, msg)
}

func splitAddressList(list string) []string {
	if strings.TrimSpace(list) == "" {
		return nil
	}
	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func writeMIME(w interface{ Write([]byte) (int, error) }, from, to string, cc []string, msg Message) error {
	var buf bytes.Buffer
	boundary := "dispatchd_" + strconv.FormatInt(time.Now().UnixNano(), 10)

	contentType := "text/plain; charset=\"UTF-8\""
	if msg.IsHTML {
		contentType = "text/html; charset=\"UTF-8\""
	}

	buf.WriteString("From: " + from + "\r\n")
	buf.WriteString("To: " + to + "\r\n")
	if len(cc) > 0 {
		buf.WriteString("CC: " + strings.Join(cc, ", ") + "\r\n")
	}
	buf.WriteString("Subject: " + msg.Subject + "\r\n")
	buf.WriteString("MIME-Version: 1.0\r\n")

	if len(msg.Attachments) > 0 {
		buf.WriteString("Content-Type: multipart/mixed; boundary=" + boundary + "\r\n\r\n")
		buf.WriteString("--" + boundary + "\r\n")
		buf.WriteString("Content-Type: " + contentType + "\r\n\r\n")
		buf.WriteString(msg.Body + "\r\n")
		for _, a := range msg.Attachments {
			buf.WriteString("--" + boundary + "\r\n")
			mt := a.ContentType
			if mt == "" {
				mt = "application/octet-stream"
			}
			buf.WriteString("Content-Type: " + mt + "\r\n")
			disposition := "attachment"
			if a.Inline {
				disposition = "inline"
			}
			buf.WriteString(fmt.Sprintf("Content-Disposition: %s; filename=%q\r\n", disposition, a.Filename))
			if a.ContentID != "" {
				buf.WriteString("Content-ID: <" + a.ContentID + ">\r\n")
			}
			buf.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
			buf.WriteString(wrapBase64(a.Base64Content))
			buf.WriteString("\r\n")
		}
		buf.WriteString("--" + boundary + "--\r\n")
	} else {
		buf.WriteString("Content-Type: " + contentType + "\r\n\r\n")
		buf.WriteString(msg.Body)
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// wrapBase64 re-wraps already-encoded content at 76 columns, the MIME
// convention, without re-decoding it (attachments arrive pre-encoded
// from the attachment processor).
func wrapBase64(encoded string) string {
	const lineLen = 76
	var b strings.Builder
	for i := 0; i < len(encoded); i += lineLen {
		end := i + lineLen
		if end > len(encoded) {
			end = len(encoded)
		}
		b.WriteString(encoded[i:end])
		b.WriteString("\r\n")
	}
	return b.String()
}
