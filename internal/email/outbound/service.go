package outbound

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/abcotronics/docreply/internal/models"
)

const (
	maxStoredBody    = 50000
	maxStoredSubject = 1000
	maxReplySubject  = 500

	replyAllNotice = "Please use \"Reply All\" when responding so that both our system and the person who requested these documents receive your response."
)

// ValidationError is returned for requests that cannot be sent as given.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Request is one document request email.
type Request struct {
	ProjectID      string   `json:"projectId"`
	To             []string `json:"to"`
	CC             []string `json:"cc"`
	Subject        string   `json:"subject"`
	HTML           string   `json:"html"`
	Text           string   `json:"text"`
	SectionID      *string  `json:"sectionId"`
	DocumentID     string   `json:"documentId"`
	Year           int      `json:"year"`
	Month          int      `json:"month"`
	RequesterEmail string   `json:"requesterEmail"`
}

// Cell returns the document/month cell the request is about.
func (r Request) Cell() models.CellKey {
	return models.CellKey{ProjectID: r.ProjectID, DocumentID: r.DocumentID, Year: r.Year, Month: r.Month}
}

// Sender is the signed-in user sending the request.
type Sender struct {
	Name  string
	Email string
}

// Failure is a recipient the message could not be sent to.
type Failure struct {
	Email string `json:"email"`
	Error string `json:"error"`
}

// Result reports the outcome of Send.
type Result struct {
	Sent              []string  `json:"sent"`
	Failed            []Failure `json:"failed"`
	ActivityPersisted bool      `json:"activityPersisted"`
	LogID             int64     `json:"logId,omitempty"`
	MessageID         string    `json:"messageId,omitempty"`
}

type LogStore interface {
	Create(ctx context.Context, e *models.DeliveryLogEntry) error
}

type RoutingStore interface {
	Create(ctx context.Context, rec *models.OutboundMessageRecord) error
}

type CommentStore interface {
	Create(ctx context.Context, c *models.ItemComment) error
}

// Service sends document requests and records them.
type Service struct {
	transport Transport
	logs      LogStore
	routes    RoutingStore
	comments  CommentStore
	from      string
	fromName  string
	inbound   string
	idPrefix  string
	now       func() time.Time
	newID     func() string
	logger    *log.Logger
}

type ServiceOption func(*Service)

func WithLogStore(s LogStore) ServiceOption {
	return func(svc *Service) { svc.logs = s }
}

func WithRoutingStore(s RoutingStore) ServiceOption {
	return func(svc *Service) { svc.routes = s }
}

func WithCommentStore(s CommentStore) ServiceOption {
	return func(svc *Service) { svc.comments = s }
}

// WithFrom sets the default sender address and display name.
func WithFrom(address, name string) ServiceOption {
	return func(svc *Service) {
		svc.from = strings.TrimSpace(address)
		svc.fromName = strings.TrimSpace(name)
	}
}

// WithInboundAddress sets the reply mailbox. Requests about a cell get it as
// Reply-To so client replies reach the webhook.
func WithInboundAddress(address string) ServiceOption {
	return func(svc *Service) { svc.inbound = strings.TrimSpace(address) }
}

func WithMessageIDPrefix(prefix string) ServiceOption {
	return func(svc *Service) {
		if prefix != "" {
			svc.idPrefix = prefix
		}
	}
}

func WithServiceLogger(l *log.Logger) ServiceOption {
	return func(svc *Service) {
		if l != nil {
			svc.logger = l
		}
	}
}

func withClock(now func() time.Time) ServiceOption {
	return func(svc *Service) { svc.now = now }
}

func withIDGenerator(gen func() string) ServiceOption {
	return func(svc *Service) { svc.newID = gen }
}

// NewService builds the sender around a transport.
func NewService(transport Transport, opts ...ServiceOption) *Service {
	svc := &Service{
		transport: transport,
		idPrefix:  "docreq-",
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Send validates and sends req on behalf of by. A transport failure is
// reported per recipient in Result.Failed rather than as an error.
func (s *Service) Send(ctx context.Context, req Request, by Sender) (Result, error) {
	res := Result{Sent: []string{}, Failed: []Failure{}}

	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.DocumentID = strings.TrimSpace(req.DocumentID)
	subject := strings.TrimSpace(req.Subject)
	htmlBody := strings.TrimSpace(req.HTML)
	text := strings.TrimSpace(req.Text)
	switch {
	case req.ProjectID == "":
		return res, &ValidationError{Msg: "Project ID required"}
	case subject == "":
		return res, &ValidationError{Msg: "Subject is required"}
	case htmlBody == "" && text == "":
		return res, &ValidationError{Msg: "Either html or text body is required"}
	}
	to := validAddresses(req.To)
	if len(to) == 0 {
		return res, &ValidationError{Msg: "At least one valid recipient email is required"}
	}
	cc := validAddresses(req.CC)

	cell := req.Cell()
	hasCell := cell.Valid()
	inboundOK := ValidEmail(s.inbound)
	requester := s.requesterAddress(req.RequesterEmail, by)

	if line := sentByLine(by); line != "" {
		htmlBody, text = appendLine(htmlBody, text, line)
	}
	if hasCell && inboundOK {
		if requester != "" && !containsFold(to, requester) && !containsFold(cc, requester) {
			cc = append(cc, requester)
		}
		htmlBody, text = appendLine(htmlBody, text, replyAllNotice)
	}

	replyTo := requester
	if hasCell && inboundOK {
		replyTo = s.inbound
	}

	var messageID string
	if hasCell {
		messageID = s.idPrefix + s.newID() + "@" + domainOf(s.inbound, "local")
	}

	env := Envelope{
		From:      mail.Address{Name: s.displayName(by), Address: s.fromAddress()},
		To:        to,
		CC:        dedupe(cc),
		ReplyTo:   replyTo,
		Subject:   subject,
		Text:      text,
		HTML:      htmlBody,
		MessageID: messageID,
		Date:      s.now(),
	}
	if env.From.Address == "" {
		return res, fmt.Errorf("no sender address configured")
	}
	raw, err := Compose(env)
	if err != nil {
		return res, err
	}

	if err := s.transport.Send(ctx, env.From.Address, env.Recipients(), raw); err != nil {
		s.logf("outbound: send %q failed: %v", subject, err)
		for _, addr := range env.Recipients() {
			res.Failed = append(res.Failed, Failure{Email: addr, Error: err.Error()})
		}
	} else {
		res.Sent = append(res.Sent, env.Recipients()...)
	}
	res.MessageID = messageID

	if len(res.Sent) == 0 {
		return res, nil
	}
	if !hasCell {
		s.logf("outbound: %s sent without document cell, activity not recorded", req.ProjectID)
		return res, nil
	}

	body := storedBody(text, htmlBody)
	if isReplySubject(subject) {
		s.persistReply(ctx, cell, subject, body, &res)
	} else {
		s.persistSend(ctx, req, subject, body, messageID, &res)
	}
	if messageID != "" && s.routes != nil {
		rec := &models.OutboundMessageRecord{
			MessageID:  messageID,
			ProjectID:  cell.ProjectID,
			SectionID:  nonEmpty(req.SectionID),
			DocumentID: cell.DocumentID,
			Year:       cell.Year,
			Month:      cell.Month,
		}
		if requester != "" {
			r := requester
			rec.RequesterEmail = &r
		}
		if err := s.routes.Create(ctx, rec); err != nil {
			s.logf("outbound: reply routing record for %s failed (non-blocking): %v", messageID, err)
		}
	}
	return res, nil
}

func (s *Service) persistReply(ctx context.Context, cell models.CellKey, subject, body string, res *Result) {
	if s.comments == nil {
		return
	}
	comment := &models.ItemComment{
		ItemID: cell.DocumentID,
		Year:   cell.Year,
		Month:  cell.Month,
		Text:   "Subject: " + truncateRunes(subject, maxReplySubject) + "\n\n" + body,
		Author: models.AuthorSentReply,
	}
	if err := s.comments.Create(ctx, comment); err != nil {
		s.logf("outbound: reply comment for %s %d-%02d failed: %v", cell.DocumentID, cell.Year, cell.Month, err)
		return
	}
	res.ActivityPersisted = true
}

func (s *Service) persistSend(ctx context.Context, req Request, subject, body, messageID string, res *Result) {
	if s.logs == nil {
		return
	}
	status := models.DeliverySent
	entry := &models.DeliveryLogEntry{
		ProjectID:      req.ProjectID,
		DocumentID:     req.DocumentID,
		Year:           req.Year,
		Month:          req.Month,
		Kind:           models.LogKindSent,
		SectionID:      nonEmpty(req.SectionID),
		DeliveryStatus: &status,
	}
	subj := truncateRunes(subject, maxStoredSubject)
	entry.Subject = &subj
	if body != "" {
		entry.BodyText = &body
	}
	if messageID != "" {
		id := messageID
		entry.MessageID = &id
	}
	if err := s.logs.Create(ctx, entry); err != nil {
		s.logf("outbound: delivery log for %s/%s failed: %v", req.ProjectID, req.DocumentID, err)
		return
	}
	res.ActivityPersisted = true
	res.LogID = entry.ID
}

func (s *Service) requesterAddress(explicit string, by Sender) string {
	if ValidEmail(explicit) {
		return strings.TrimSpace(explicit)
	}
	if ValidEmail(by.Email) {
		return strings.TrimSpace(by.Email)
	}
	return ""
}

// fromAddress uses the inbound address when it shares the configured sender's
// domain, otherwise the configured sender.
func (s *Service) fromAddress() string {
	def := s.from
	if addr, err := mail.ParseAddress(def); err == nil {
		def = addr.Address
	}
	inboundOK := ValidEmail(s.inbound)
	switch {
	case inboundOK && ValidEmail(def) && strings.EqualFold(domainOf(s.inbound, ""), domainOf(def, "")):
		return s.inbound
	case ValidEmail(def):
		if inboundOK {
			s.logf("outbound: inbound domain %s differs from sender domain %s, sending from %s", domainOf(s.inbound, ""), domainOf(def, ""), def)
		}
		return def
	case inboundOK:
		return s.inbound
	default:
		return ""
	}
}

func (s *Service) displayName(by Sender) string {
	name := strings.TrimSpace(by.Name)
	if name == "" {
		name = strings.TrimSpace(by.Email)
	}
	switch {
	case name != "" && s.fromName != "":
		return fmt.Sprintf("%s (via %s)", s.fromName, name)
	case s.fromName != "":
		return s.fromName
	default:
		return name
	}
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func sentByLine(by Sender) string {
	email := strings.TrimSpace(by.Email)
	name := strings.TrimSpace(by.Name)
	if email == "" {
		return ""
	}
	if name == "" {
		return "—\nSent by " + email
	}
	return fmt.Sprintf("—\nSent by %s (%s)", name, email)
}

func appendLine(htmlBody, text, line string) (string, string) {
	if htmlBody != "" {
		htmlBody += "<br><br>" + strings.ReplaceAll(line, "\n", "<br>")
	}
	if text != "" {
		text += "\n\n" + line
	}
	return htmlBody, text
}

func storedBody(text, htmlBody string) string {
	if t := strings.TrimSpace(text); t != "" {
		return truncateRunes(t, maxStoredBody)
	}
	if htmlBody == "" {
		return ""
	}
	return truncateRunes(HTMLToPlain(htmlBody), maxStoredBody)
}

func isReplySubject(subject string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:")
}

func validAddresses(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		if ValidEmail(a) {
			out = append(out, strings.TrimSpace(a))
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

func containsFold(list []string, addr string) bool {
	for _, a := range list {
		if strings.EqualFold(strings.TrimSpace(a), addr) {
			return true
		}
	}
	return false
}

func domainOf(addr, fallback string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return strings.ToLower(strings.TrimSpace(addr[i+1:]))
	}
	return fallback
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
