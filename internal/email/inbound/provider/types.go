// Package provider turns the mail provider's webhook and API payloads, and
// raw RFC 5322 messages, into one canonical shape the reply pipeline works on.
package provider

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidJSON is returned when a payload is not JSON at all.
var ErrInvalidJSON = errors.New("invalid JSON body")

// Source names where a ReceivedEmail came from.
type Source string

const (
	SourceResend  Source = "resend"
	SourceMailbox Source = "mailbox"
)

// AttachmentMeta describes one attachment of a received email. Content is only
// set when the bytes travelled with the message itself.
type AttachmentMeta struct {
	ID          string `json:"id,omitempty"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	Content     []byte `json:"-"`
}

// DisplayName is the name shown to users, never empty.
func (a AttachmentMeta) DisplayName() string {
	if name := strings.TrimSpace(a.Filename); name != "" {
		return name
	}
	return "attachment"
}

// ReceivedEmail is the canonical inbound message.
type ReceivedEmail struct {
	ID          string
	Source      Source
	From        string
	To          []string
	Subject     string
	Text        string
	HTML        string
	Headers     map[string]string // lowercase names
	InReplyTo   string            // top-level provider field, unnormalized
	References  string            // top-level provider field, unnormalized
	RawURL      string
	Attachments []AttachmentMeta
}

// Header returns a header value by case-insensitive name.
func (e *ReceivedEmail) Header(name string) string {
	if e == nil || e.Headers == nil {
		return ""
	}
	return e.Headers[strings.ToLower(name)]
}

// HeaderNames lists the header names present, for diagnostics.
func (e *ReceivedEmail) HeaderNames() []string {
	names := make([]string, 0, len(e.Headers))
	for k := range e.Headers {
		names = append(names, k)
	}
	return names
}

// EnvelopeKind tags a reply webhook envelope.
type EnvelopeKind int

const (
	EnvelopeIgnored EnvelopeKind = iota
	EnvelopeEmailReceived
)

// ReplyEnvelope is the parsed reply webhook.
type ReplyEnvelope struct {
	Kind        EnvelopeKind
	Type        string
	EmailID     string
	Attachments []AttachmentMeta
}

// DeliveryProvider tags the schema a delivery event was parsed from.
type DeliveryProvider string

const (
	DeliveryResend   DeliveryProvider = "resend"
	DeliverySendGrid DeliveryProvider = "sendgrid"
)

// DeliveryEvent is one delivery status event in provider vocabulary.
// OccurredAt is zero when the payload carried no usable time.
// AltMessageIDs holds the other ids the event names for the same mail, such
// as the RFC Message-ID next to a provider id.
type DeliveryEvent struct {
	Provider      DeliveryProvider
	Type          string
	MessageID     string
	AltMessageIDs []string
	Reason        string
	OccurredAt    time.Time
}

// MessageIDs returns MessageID followed by the alternates, skipping blanks.
func (e DeliveryEvent) MessageIDs() []string {
	out := make([]string, 0, 1+len(e.AltMessageIDs))
	for _, id := range append([]string{e.MessageID}, e.AltMessageIDs...) {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// DeliveryBatch is a parsed delivery-status payload. Batch is true for array
// payloads, false for a single envelope.
type DeliveryBatch struct {
	Provider DeliveryProvider
	Batch    bool
	Events   []DeliveryEvent
}
