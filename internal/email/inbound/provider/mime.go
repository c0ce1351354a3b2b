package provider

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"
)

const (
	mimeBodyLimit = 1 << 20
	// attachments are read one byte past the storage ceiling so oversize
	// parts are detected rather than silently truncated.
	mimeAttachmentLimit = 25<<20 + 1
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// ReceivedEmailFromMIME builds the canonical email from a raw RFC 5322
// message. The ID is the Message-ID without brackets, or a content digest
// when the message has none.
func ReceivedEmailFromMIME(raw []byte) (*ReceivedEmail, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty message")
	}
	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	email := &ReceivedEmail{
		Source:  SourceMailbox,
		Headers: headerMap(reader.Header.Header),
	}
	if subject, err := reader.Header.Subject(); err == nil {
		email.Subject = subject
	} else {
		email.Subject = reader.Header.Get("Subject")
	}
	if from, err := reader.Header.AddressList("From"); err == nil && len(from) > 0 {
		email.From = from[0].String()
	} else {
		email.From = strings.TrimSpace(reader.Header.Get("From"))
	}
	if to, err := reader.Header.AddressList("To"); err == nil {
		for _, addr := range to {
			email.To = append(email.To, addr.Address)
		}
	}
	email.InReplyTo = strings.TrimSpace(reader.Header.Get("In-Reply-To"))
	email.References = strings.TrimSpace(reader.Header.Get("References"))

	msgID := strings.Trim(strings.TrimSpace(reader.Header.Get("Message-Id")), "<>")
	if msgID == "" {
		sum := sha256.Sum256(raw)
		msgID = "sha256-" + hex.EncodeToString(sum[:12])
	}
	email.ID = msgID

	readParts(reader, email)
	return email, nil
}

func headerMap(h gomessage.Header) map[string]string {
	out := make(map[string]string)
	fields := h.Fields()
	for fields.Next() {
		key := strings.ToLower(fields.Key())
		if _, seen := out[key]; seen {
			continue
		}
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func readParts(reader *gomail.Reader, email *ReceivedEmail) {
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if gomessage.IsUnknownCharset(err) {
				continue
			}
			return
		}
		switch header := part.Header.(type) {
		case *gomail.InlineHeader:
			mediaType, _, _ := header.ContentType()
			mediaType = strings.ToLower(mediaType)
			if mediaType == "" {
				mediaType = "text/plain"
			}
			if !strings.HasPrefix(mediaType, "text/") {
				continue
			}
			body, err := io.ReadAll(io.LimitReader(part.Body, mimeBodyLimit))
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(mediaType, "text/html"):
				if email.HTML == "" {
					email.HTML = string(body)
				}
			default:
				if email.Text == "" {
					email.Text = string(body)
				}
			}
		case *gomail.AttachmentHeader:
			filename, err := header.Filename()
			if err != nil || strings.TrimSpace(filename) == "" {
				filename = fmt.Sprintf("attachment-%d", len(email.Attachments)+1)
			}
			mediaType, _, _ := header.ContentType()
			if mediaType == "" {
				mediaType = "application/octet-stream"
			}
			data, err := io.ReadAll(io.LimitReader(part.Body, mimeAttachmentLimit))
			if err != nil || len(data) == 0 {
				continue
			}
			email.Attachments = append(email.Attachments, AttachmentMeta{
				Filename:    filename,
				ContentType: strings.ToLower(mediaType),
				Size:        int64(len(data)),
				Content:     data,
			})
		}
	}
}
