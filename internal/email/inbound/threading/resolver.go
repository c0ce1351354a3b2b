package threading

import (
	"bufio"
	"bytes"
	"context"
	"log"
	"regexp"

	"github.com/emersion/go-message/textproto"

	"github.com/abcotronics/docreply/internal/email/inbound/provider"
)

// KeyExtractor is one step of thread key extraction. An empty key means the
// step found nothing; an error is logged and treated the same way.
type KeyExtractor interface {
	ID() string
	Extract(ctx context.Context, email *provider.ReceivedEmail) (string, error)
}

// RawFetcher downloads the raw RFC 5322 source of a received email.
type RawFetcher interface {
	FetchRaw(ctx context.Context, url string) ([]byte, error)
}

// Resolution is the outcome of thread key extraction.
type Resolution struct {
	Key  string
	Step string
}

// Resolver runs extractors in priority order and keeps the first key found.
type Resolver struct {
	steps  []KeyExtractor
	logger *log.Logger
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the logger used for step failures.
func WithResolverLogger(l *log.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSteps replaces the extraction steps.
func WithSteps(steps ...KeyExtractor) ResolverOption {
	return func(r *Resolver) {
		if len(steps) > 0 {
			r.steps = steps
		}
	}
}

// NewResolver builds the default chain: In-Reply-To header, first References
// token, top-level provider fields, raw source (when fetcher is set), body scan.
func NewResolver(fetcher RawFetcher, opts ...ResolverOption) *Resolver {
	r := &Resolver{}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if len(r.steps) == 0 {
		r.steps = []KeyExtractor{InReplyToHeader{}, ReferencesHeader{}, TopLevelFields{}}
		if fetcher != nil {
			r.steps = append(r.steps, RawSource{Fetcher: fetcher})
		}
		r.steps = append(r.steps, BodyScan{})
	}
	return r
}

// Resolve returns the first non-empty thread key. ok is false when every step
// came up empty.
func (r *Resolver) Resolve(ctx context.Context, email *provider.ReceivedEmail) (Resolution, bool) {
	if email == nil {
		return Resolution{}, false
	}
	for _, step := range r.steps {
		if ctx.Err() != nil {
			return Resolution{}, false
		}
		key, err := step.Extract(ctx, email)
		if err != nil {
			r.logf("threading: %s failed for %s: %v", step.ID(), email.ID, err)
			continue
		}
		if key = NormalizeMessageID(key); key != "" {
			return Resolution{Key: key, Step: step.ID()}, true
		}
	}
	return Resolution{}, false
}

func (r *Resolver) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

// InReplyToHeader reads the In-Reply-To header.
type InReplyToHeader struct{}

func (InReplyToHeader) ID() string { return "in_reply_to_header" }

func (InReplyToHeader) Extract(_ context.Context, email *provider.ReceivedEmail) (string, error) {
	if v := email.Header("in-reply-to"); v != "" {
		return NormalizeMessageID(v), nil
	}
	return NormalizeMessageID(email.Header("in_reply_to")), nil
}

// ReferencesHeader reads the first token of the References header.
type ReferencesHeader struct{}

func (ReferencesHeader) ID() string { return "references_header" }

func (ReferencesHeader) Extract(_ context.Context, email *provider.ReceivedEmail) (string, error) {
	return FirstToken(email.Header("references")), nil
}

// TopLevelFields reads the provider's own in_reply_to and references fields.
type TopLevelFields struct{}

func (TopLevelFields) ID() string { return "provider_fields" }

func (TopLevelFields) Extract(_ context.Context, email *provider.ReceivedEmail) (string, error) {
	if v := NormalizeMessageID(email.InReplyTo); v != "" {
		return v, nil
	}
	return FirstToken(email.References), nil
}

var (
	inReplyToLine  = regexp.MustCompile(`(?i)in-reply-to:\s*([^\r\n]+)`)
	referencesLine = regexp.MustCompile(`(?i)references:\s*([^\r\n]+)`)
	messageIDLine  = regexp.MustCompile(`(?i)message-id:\s*([^\r\n]+)`)
)

// RawSource downloads the raw message and reads its header block.
type RawSource struct {
	Fetcher RawFetcher
}

func (RawSource) ID() string { return "raw_source" }

func (s RawSource) Extract(ctx context.Context, email *provider.ReceivedEmail) (string, error) {
	if s.Fetcher == nil || email.RawURL == "" {
		return "", nil
	}
	raw, err := s.Fetcher.FetchRaw(ctx, email.RawURL)
	if err != nil {
		return "", err
	}
	return KeyFromRaw(raw), nil
}

// KeyFromRaw extracts In-Reply-To, else the first References token, from a
// raw message. A header block that does not parse is scanned line by line.
func KeyFromRaw(raw []byte) string {
	header, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err == nil {
		if v := NormalizeMessageID(header.Get("In-Reply-To")); v != "" {
			return v
		}
		if v := FirstToken(header.Get("References")); v != "" {
			return v
		}
		return ""
	}
	if m := inReplyToLine.FindSubmatch(raw); m != nil {
		if v := NormalizeMessageID(string(m[1])); v != "" {
			return v
		}
	}
	if m := referencesLine.FindSubmatch(raw); m != nil {
		return FirstToken(string(m[1]))
	}
	return ""
}

// BodyScan looks for header lines quoted in the reply body, as some clients
// inline the original message's headers.
type BodyScan struct{}

func (BodyScan) ID() string { return "body_scan" }

func (BodyScan) Extract(_ context.Context, email *provider.ReceivedEmail) (string, error) {
	text := email.Text + "\n" + email.HTML
	if m := inReplyToLine.FindStringSubmatch(text); m != nil {
		if v := NormalizeMessageID(m[1]); v != "" {
			return v, nil
		}
	}
	if m := messageIDLine.FindStringSubmatch(text); m != nil {
		return NormalizeMessageID(m[1]), nil
	}
	return "", nil
}
