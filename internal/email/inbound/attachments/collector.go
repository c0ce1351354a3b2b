package attachments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/abcotronics/docreply/internal/email/inbound/provider"
	"github.com/abcotronics/docreply/internal/storage"
)

const (
	DefaultFolder     = "doc-collection-comments"
	DefaultRetryDelay = 2 * time.Second
)

// Saver persists accepted bytes.
type Saver interface {
	Save(ctx context.Context, folder, originalName string, data []byte) (storage.SavedFile, error)
}

// Skip records an attachment that was not stored.
type Skip struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Outcome is the result of one collection run.
type Outcome struct {
	Files   []storage.SavedFile
	Skipped []Skip
}

// Collector lists, resolves, downloads and stores attachments.
type Collector struct {
	api        API
	saver      Saver
	sources    []Source
	folder     string
	limit      int64
	retryDelay time.Duration
	logger     *log.Logger
	sleep      func(context.Context, time.Duration) error
}

// CollectorOption customizes a Collector.
type CollectorOption func(*Collector)

func WithSources(sources ...Source) CollectorOption {
	return func(c *Collector) {
		if len(sources) > 0 {
			c.sources = sources
		}
	}
}

func WithFolder(folder string) CollectorOption {
	return func(c *Collector) {
		if folder != "" {
			c.folder = folder
		}
	}
}

// WithLimit sets the per-attachment size ceiling.
func WithLimit(n int64) CollectorOption {
	return func(c *Collector) {
		if n > 0 {
			c.limit = n
		}
	}
}

// WithRetryDelay sets the wait before the single list retry. Zero retries
// immediately.
func WithRetryDelay(d time.Duration) CollectorOption {
	return func(c *Collector) {
		if d >= 0 {
			c.retryDelay = d
		}
	}
}

func WithCollectorLogger(l *log.Logger) CollectorOption {
	return func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCollector builds a collector. api may be nil, in which case only bytes
// carried by the message are used.
func NewCollector(api API, saver Saver, opts ...CollectorOption) *Collector {
	c := &Collector{
		api:        api,
		saver:      saver,
		folder:     DefaultFolder,
		limit:      storage.DefaultMaxBytes,
		retryDelay: DefaultRetryDelay,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if len(c.sources) == 0 {
		c.sources = DefaultSources(api)
	}
	return c
}

// Collect lists the email's attachments through the API, retrying once after
// a short wait when the list is empty, then falls back to the first non-empty
// metadata list among fallbacks. Each attachment is fetched and stored
// independently; failures are recorded in Outcome.Skipped.
func (c *Collector) Collect(ctx context.Context, emailID string, fallbacks ...[]provider.AttachmentMeta) Outcome {
	list := c.list(ctx, emailID)
	if len(list) == 0 && ctx.Err() == nil {
		if err := c.sleep(ctx, c.retryDelay); err == nil {
			list = c.list(ctx, emailID)
		}
	}
	if len(list) == 0 {
		for _, fb := range fallbacks {
			if len(fb) > 0 {
				c.logf("attachments: %s list empty, using %d fallback entries", emailID, len(fb))
				list = fb
				break
			}
		}
	}
	return c.CollectFrom(ctx, emailID, list)
}

func (c *Collector) list(ctx context.Context, emailID string) []provider.AttachmentMeta {
	if c.api == nil || emailID == "" {
		return nil
	}
	list, err := c.api.ListAttachments(ctx, emailID)
	if err != nil {
		c.logf("attachments: list %s failed: %v", emailID, err)
		return nil
	}
	return list
}

// CollectFrom stores the given attachments without listing.
func (c *Collector) CollectFrom(ctx context.Context, emailID string, list []provider.AttachmentMeta) Outcome {
	var out Outcome
	for _, att := range list {
		name := att.DisplayName()
		if err := ctx.Err(); err != nil {
			out.Skipped = append(out.Skipped, Skip{Name: name, Reason: err.Error()})
			continue
		}
		saved, err := c.one(ctx, emailID, att)
		if err != nil {
			c.logf("attachments: skipping %q of %s: %v", name, emailID, err)
			out.Skipped = append(out.Skipped, Skip{Name: name, Reason: err.Error()})
			continue
		}
		out.Files = append(out.Files, saved)
	}
	return out
}

func (c *Collector) one(ctx context.Context, emailID string, att provider.AttachmentMeta) (storage.SavedFile, error) {
	att = c.resolve(ctx, emailID, att)
	data, err := c.fetch(ctx, emailID, att)
	if err != nil {
		return storage.SavedFile{}, err
	}
	if int64(len(data)) > c.limit {
		return storage.SavedFile{}, fmt.Errorf("%w: more than %d bytes", storage.ErrAttachmentTooLarge, c.limit)
	}
	return c.saver.Save(ctx, c.folder, att.DisplayName(), data)
}

// resolve fills in a missing download URL from per-attachment metadata.
func (c *Collector) resolve(ctx context.Context, emailID string, att provider.AttachmentMeta) provider.AttachmentMeta {
	if att.DownloadURL != "" || len(att.Content) > 0 || att.ID == "" || c.api == nil {
		return att
	}
	meta, err := c.api.GetAttachment(ctx, emailID, att.ID)
	if err != nil {
		c.logf("attachments: metadata for %s/%s failed: %v", emailID, att.ID, err)
		return att
	}
	att.DownloadURL = meta.DownloadURL
	if att.Filename == "" {
		att.Filename = meta.Filename
	}
	if att.ContentType == "" {
		att.ContentType = meta.ContentType
	}
	return att
}

func (c *Collector) fetch(ctx context.Context, emailID string, att provider.AttachmentMeta) ([]byte, error) {
	var errs []error
	for _, src := range c.sources {
		data, err := src.Fetch(ctx, emailID, att, c.limit)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, ErrNotAvailable) || errors.Unwrap(err) != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
		}
	}
	if len(errs) == 0 {
		return nil, ErrNotAvailable
	}
	return nil, fmt.Errorf("%w: %v", ErrNotAvailable, errors.Join(errs...))
}

func (c *Collector) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
