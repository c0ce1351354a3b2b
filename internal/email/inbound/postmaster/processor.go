package postmaster

import (
	"context"
	"fmt"
	"log"

	"github.com/abcotronics/docreply/internal/email/inbound/attachments"
	"github.com/abcotronics/docreply/internal/email/inbound/provider"
	"github.com/abcotronics/docreply/internal/email/inbound/threading"
	"github.com/abcotronics/docreply/internal/models"
)

// Skip reasons reported to webhook callers.
const (
	ReasonNotEmailReceived = "not_email_received"
	ReasonNoAPIKey         = "no_resend_api_key"
	ReasonNoThreadHeaders  = "no_in_reply_to_or_references"
	ReasonUnknownThread    = "unknown_thread"
	ReasonDuplicate        = "duplicate"

	unknownThreadHint = "Send a new document request, then reply to that email. Requests sent before reply tracking may not match."
	maxReportedKeyLen = 120
)

// EmailFetcher loads a received email from the provider.
type EmailFetcher interface {
	GetReceivedEmail(ctx context.Context, emailID string) (*provider.ReceivedEmail, error)
}

// KeyResolver extracts the thread key of a reply.
type KeyResolver interface {
	Resolve(ctx context.Context, email *provider.ReceivedEmail) (threading.Resolution, bool)
}

// ThreadMatcher maps a thread key to the outbound record.
type ThreadMatcher interface {
	Match(ctx context.Context, key string) (*models.OutboundMessageRecord, string, error)
}

// AttachmentCollector stores a reply's attachments.
type AttachmentCollector interface {
	Collect(ctx context.Context, emailID string, fallbacks ...[]provider.AttachmentMeta) attachments.Outcome
	CollectFrom(ctx context.Context, emailID string, list []provider.AttachmentMeta) attachments.Outcome
}

// CommentStore persists item comments.
type CommentStore interface {
	Create(ctx context.Context, c *models.ItemComment) error
	ExistsBySourceEmailID(ctx context.Context, emailID string) (bool, error)
}

// ReplayGuard claims an email id for the duration of processing so concurrent
// redeliveries do not both write a comment.
type ReplayGuard interface {
	Claim(ctx context.Context, emailID string) (bool, error)
	Release(ctx context.Context, emailID string) error
}

// Input is a reply webhook (or operator replay) to process.
type Input struct {
	Envelope provider.ReplyEnvelope
	Force    bool
}

// Result reports what happened to one reply.
type Result struct {
	Processed          bool
	Reason             string
	EmailID            string
	InReplyTo          string
	Hint               string
	ResolvedBy         string
	MatchedBy          string
	ProjectID          string
	SectionID          *string
	ItemID             string
	Year               int
	Month              int
	AttachmentsAdded   int
	AttachmentsSkipped []attachments.Skip
	CommentID          int64
}

// ReplyProcessor turns client replies into item comments.
type ReplyProcessor struct {
	comments  CommentStore
	matcher   ThreadMatcher
	resolver  KeyResolver
	emails    EmailFetcher
	collector AttachmentCollector
	guard     ReplayGuard
	stats     *Stats
	bodyLimit int
	logger    *log.Logger
}

// ReplyProcessorOption customizes ReplyProcessor.
type ReplyProcessorOption func(*ReplyProcessor)

// WithEmailFetcher sets the provider API. Without it webhooks are skipped
// with no_resend_api_key.
func WithEmailFetcher(f EmailFetcher) ReplyProcessorOption {
	return func(p *ReplyProcessor) {
		if f != nil {
			p.emails = f
		}
	}
}

func WithResolver(r KeyResolver) ReplyProcessorOption {
	return func(p *ReplyProcessor) {
		if r != nil {
			p.resolver = r
		}
	}
}

func WithCollector(c AttachmentCollector) ReplyProcessorOption {
	return func(p *ReplyProcessor) {
		if c != nil {
			p.collector = c
		}
	}
}

func WithReplayGuard(g ReplayGuard) ReplyProcessorOption {
	return func(p *ReplyProcessor) {
		if g != nil {
			p.guard = g
		}
	}
}

func WithStats(s *Stats) ReplyProcessorOption {
	return func(p *ReplyProcessor) {
		if s != nil {
			p.stats = s
		}
	}
}

// WithBodyLimit caps the comment body in characters.
func WithBodyLimit(n int) ReplyProcessorOption {
	return func(p *ReplyProcessor) {
		if n > 0 {
			p.bodyLimit = n
		}
	}
}

// WithLogger sets the logger used for pipeline diagnostics.
func WithLogger(l *log.Logger) ReplyProcessorOption {
	return func(p *ReplyProcessor) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewReplyProcessor wires the pipeline around the comment store and thread
// matcher.
func NewReplyProcessor(comments CommentStore, matcher ThreadMatcher, opts ...ReplyProcessorOption) *ReplyProcessor {
	p := &ReplyProcessor{
		comments:  comments,
		matcher:   matcher,
		bodyLimit: defaultBodyLimit,
		logger:    log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.resolver == nil {
		p.resolver = threading.NewResolver(nil, threading.WithResolverLogger(p.logger))
	}
	if p.stats == nil {
		p.stats = NewStats(nil)
	}
	return p
}

// Stats exposes the processor's counters.
func (p *ReplyProcessor) Stats() *Stats { return p.stats }

// Process handles a reply webhook: it loads the email from the provider,
// resolves and matches its thread, stores attachments and writes the comment.
// Logical non-matches come back as Processed=false with a Reason; only
// infrastructure failures return an error.
func (p *ReplyProcessor) Process(ctx context.Context, in Input) (Result, error) {
	env := in.Envelope
	p.stats.Received(env.EmailID)
	if env.Kind != provider.EnvelopeEmailReceived || env.EmailID == "" {
		return p.skip(Result{EmailID: env.EmailID}, ReasonNotEmailReceived), nil
	}
	p.logf("postmaster: reply webhook %s (%s)", env.EmailID, env.Type)
	if p.emails == nil {
		p.logf("postmaster: provider API key not configured, skipping %s", env.EmailID)
		return p.skip(Result{EmailID: env.EmailID}, ReasonNoAPIKey), nil
	}
	if !in.Force {
		dup, err := p.seen(ctx, env.EmailID)
		if err != nil {
			return Result{EmailID: env.EmailID}, err
		}
		if dup {
			return p.skip(Result{EmailID: env.EmailID}, ReasonDuplicate), nil
		}
	}

	email, err := p.emails.GetReceivedEmail(ctx, env.EmailID)
	if err != nil {
		return Result{EmailID: env.EmailID}, fmt.Errorf("fetch received email %s: %w", env.EmailID, err)
	}
	if email.ID == "" {
		email.ID = env.EmailID
	}
	return p.handle(ctx, email, in.Force, func(ctx context.Context) attachments.Outcome {
		if p.collector == nil {
			return attachments.Outcome{}
		}
		return p.collector.Collect(ctx, email.ID, env.Attachments, email.Attachments)
	})
}

// ProcessMessage handles a reply read from a mailbox. Attachments come from
// the message's own MIME parts.
func (p *ReplyProcessor) ProcessMessage(ctx context.Context, email *provider.ReceivedEmail) (Result, error) {
	if email == nil {
		return Result{}, fmt.Errorf("nil email")
	}
	p.stats.Received(email.ID)
	dup, err := p.seen(ctx, email.ID)
	if err != nil {
		return Result{EmailID: email.ID}, err
	}
	if dup {
		return p.skip(Result{EmailID: email.ID}, ReasonDuplicate), nil
	}
	return p.handle(ctx, email, false, func(ctx context.Context) attachments.Outcome {
		if p.collector == nil || len(email.Attachments) == 0 {
			return attachments.Outcome{}
		}
		return p.collector.CollectFrom(ctx, email.ID, email.Attachments)
	})
}

func (p *ReplyProcessor) seen(ctx context.Context, emailID string) (bool, error) {
	if emailID == "" || p.comments == nil {
		return false, nil
	}
	exists, err := p.comments.ExistsBySourceEmailID(ctx, emailID)
	if err != nil {
		return false, fmt.Errorf("check processed email %s: %w", emailID, err)
	}
	return exists, nil
}

func (p *ReplyProcessor) handle(ctx context.Context, email *provider.ReceivedEmail, force bool, collect func(context.Context) attachments.Outcome) (Result, error) {
	res := Result{EmailID: email.ID}

	resolution, ok := p.resolver.Resolve(ctx, email)
	if !ok {
		p.logf("postmaster: no In-Reply-To for %s (headers=%v raw=%t)", email.ID, email.HeaderNames(), email.RawURL != "")
		return p.skip(res, ReasonNoThreadHeaders), nil
	}
	res.ResolvedBy = resolution.Step

	rec, matchedBy, err := p.matcher.Match(ctx, resolution.Key)
	if err != nil {
		return res, fmt.Errorf("match thread %s: %w", truncate(resolution.Key, maxReportedKeyLen), err)
	}
	if rec == nil {
		p.logf("postmaster: unknown thread for %s: in_reply_to=%s tried=%v", email.ID, truncate(resolution.Key, maxReportedKeyLen), threading.Candidates(resolution.Key))
		res.InReplyTo = truncate(resolution.Key, maxReportedKeyLen)
		res.Hint = unknownThreadHint
		return p.skip(res, ReasonUnknownThread), nil
	}
	res.MatchedBy = matchedBy
	res.ProjectID = rec.ProjectID
	res.SectionID = rec.SectionID
	res.ItemID = rec.DocumentID
	res.Year = rec.Year
	res.Month = rec.Month
	p.logf("postmaster: %s matched %s/%s %d-%02d via %s/%s", email.ID, rec.ProjectID, rec.DocumentID, rec.Year, rec.Month, resolution.Step, matchedBy)

	if p.guard != nil && !force && email.ID != "" {
		claimed, err := p.guard.Claim(ctx, email.ID)
		if err != nil {
			p.logf("postmaster: replay guard unavailable for %s: %v", email.ID, err)
		} else if !claimed {
			return p.skip(res, ReasonDuplicate), nil
		}
	}

	outcome := collect(ctx)
	stored := make(models.CommentAttachments, 0, len(outcome.Files))
	for _, f := range outcome.Files {
		stored = append(stored, models.CommentAttachment{Name: f.Name, URL: f.URL})
	}

	comment := &models.ItemComment{
		ItemID:      rec.DocumentID,
		Year:        rec.Year,
		Month:       rec.Month,
		Text:        BuildCommentText(SenderAddress(email.From), BodyText(email, p.bodyLimit), stored.Names()),
		Author:      models.AuthorEmailFromClient,
		Attachments: stored,
	}
	if email.ID != "" {
		id := email.ID
		comment.SourceEmailID = &id
	}
	if err := p.comments.Create(ctx, comment); err != nil {
		p.release(email.ID)
		return res, fmt.Errorf("create comment for %s: %w", email.ID, err)
	}

	p.stats.Attachments(len(outcome.Files), len(outcome.Skipped))
	p.stats.Processed(email.ID)
	res.Processed = true
	res.AttachmentsAdded = len(outcome.Files)
	res.AttachmentsSkipped = outcome.Skipped
	res.CommentID = comment.ID
	return res, nil
}

func (p *ReplyProcessor) release(emailID string) {
	if p.guard == nil || emailID == "" {
		return
	}
	// the request context may already be cancelled
	if err := p.guard.Release(context.Background(), emailID); err != nil {
		p.logf("postmaster: release replay claim %s: %v", emailID, err)
	}
}

func (p *ReplyProcessor) skip(res Result, reason string) Result {
	res.Processed = false
	res.Reason = reason
	p.stats.Skipped(res.EmailID, reason)
	return res
}

func (p *ReplyProcessor) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
