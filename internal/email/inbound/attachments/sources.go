// Package attachments downloads the attachments of a received email through an
// ordered chain of sources and stores the ones that arrive intact.
package attachments

import (
	"context"
	"errors"
	"fmt"

	"github.com/abcotronics/docreply/internal/email/inbound/provider"
	"github.com/abcotronics/docreply/internal/resend"
)

// ErrNotAvailable means a source cannot supply the attachment; the next
// source is tried.
var ErrNotAvailable = errors.New("attachment not available from source")

// API is the subset of the provider client the collector needs.
type API interface {
	ListAttachments(ctx context.Context, emailID string) ([]provider.AttachmentMeta, error)
	GetAttachment(ctx context.Context, emailID, attachmentID string) (provider.AttachmentMeta, error)
	AttachmentBytes(ctx context.Context, emailID, attachmentID string, limit int64) ([]byte, error)
	Download(ctx context.Context, url string, opts resend.DownloadOptions, limit int64) ([]byte, error)
}

// Source supplies attachment bytes. Implementations read at most limit+1
// bytes so oversize files are detectable.
type Source interface {
	Name() string
	Fetch(ctx context.Context, emailID string, att provider.AttachmentMeta, limit int64) ([]byte, error)
}

// InlineSource serves bytes that travelled with the message itself.
type InlineSource struct{}

func (InlineSource) Name() string { return "inline" }

func (InlineSource) Fetch(_ context.Context, _ string, att provider.AttachmentMeta, _ int64) ([]byte, error) {
	if len(att.Content) == 0 {
		return nil, ErrNotAvailable
	}
	return att.Content, nil
}

// DefaultCDNVariants is the header matrix tried against signed download URLs:
// plain, browser user agent, then browser user agent with the API key.
var DefaultCDNVariants = []resend.DownloadOptions{
	{},
	{BrowserUA: true},
	{BrowserUA: true, Bearer: true},
}

// CDNSource downloads the signed URL with each header variant in turn.
type CDNSource struct {
	API      API
	Variants []resend.DownloadOptions
}

func (CDNSource) Name() string { return "cdn" }

func (s CDNSource) Fetch(ctx context.Context, _ string, att provider.AttachmentMeta, limit int64) ([]byte, error) {
	if s.API == nil || att.DownloadURL == "" {
		return nil, ErrNotAvailable
	}
	variants := s.Variants
	if len(variants) == 0 {
		variants = DefaultCDNVariants
	}
	var lastErr error
	for _, v := range variants {
		data, err := s.API.Download(ctx, att.DownloadURL, v, limit)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrNotAvailable, lastErr)
}

// APIBytesSource asks the API for the content directly.
type APIBytesSource struct {
	API API
}

func (APIBytesSource) Name() string { return "api_bytes" }

func (s APIBytesSource) Fetch(ctx context.Context, emailID string, att provider.AttachmentMeta, limit int64) ([]byte, error) {
	if s.API == nil || att.ID == "" || emailID == "" {
		return nil, ErrNotAvailable
	}
	data, err := s.API.AttachmentBytes(ctx, emailID, att.ID, limit)
	if errors.Is(err, resend.ErrJSONInsteadOfBytes) {
		return nil, ErrNotAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}
	return data, nil
}

// DefaultSources is the chain used when a provider API is available.
func DefaultSources(api API) []Source {
	if api == nil {
		return []Source{InlineSource{}}
	}
	return []Source{InlineSource{}, CDNSource{API: api}, APIBytesSource{API: api}}
}
