// Package outbound sends document request emails and records them so client
// replies can be threaded back to the requesting cell.
package outbound

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	goldmarkhtml "github.com/yuin/goldmark/renderer/html"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	whitespace   = regexp.MustCompile(`\s+`)
	markdown     = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(goldmarkhtml.WithHardWraps()),
	)
)

// ValidEmail reports whether s looks like a deliverable address.
func ValidEmail(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && emailPattern.MatchString(s)
}

// Envelope is a fully addressed message ready to be rendered.
type Envelope struct {
	From      mail.Address
	To        []string
	CC        []string
	ReplyTo   string
	Subject   string
	Text      string
	HTML      string
	MessageID string // without angle brackets
	Date      time.Time
}

// Recipients returns To and CC in order.
func (e Envelope) Recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.CC))
	out = append(out, e.To...)
	return append(out, e.CC...)
}

// Compose renders the envelope as a multipart/alternative message. A missing
// HTML part is rendered from the text as markdown; a missing text part is
// derived from the HTML.
func Compose(env Envelope) ([]byte, error) {
	text, htmlBody := env.Text, env.HTML
	if htmlBody == "" && text != "" {
		rendered, err := RenderMarkdown(text)
		if err != nil {
			return nil, err
		}
		htmlBody = rendered
	}
	if text == "" && htmlBody != "" {
		text = HTMLToPlain(htmlBody)
	}

	var h mail.Header
	date := env.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{&env.From})
	h.SetAddressList("To", addressList(env.To))
	if len(env.CC) > 0 {
		h.SetAddressList("Cc", addressList(env.CC))
	}
	if env.ReplyTo != "" {
		h.SetAddressList("Reply-To", addressList([]string{env.ReplyTo}))
	}
	h.SetSubject(env.Subject)
	if env.MessageID != "" {
		h.SetMessageID(env.MessageID)
	} else if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline part: %w", err)
	}
	if err := writePart(tw, "text/plain", text); err != nil {
		return nil, err
	}
	if err := writePart(tw, "text/html", htmlBody); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(tw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return w.Close()
}

func addressList(addrs []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Address: strings.TrimSpace(a)})
	}
	return out
}

// RenderMarkdown converts a plain or markdown body to HTML. Raw HTML in the
// source is escaped.
func RenderMarkdown(src string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

// HTMLToPlain strips markup, decodes entities and collapses whitespace.
func HTMLToPlain(src string) string {
	s := html.UnescapeString(bluemonday.StrictPolicy().Sanitize(src))
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
