// Package postmaster turns client replies to document requests into item
// comments, whether they arrive through the provider webhook or are read
// from a mailbox.
package postmaster

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/abcotronics/docreply/internal/email/inbound/connector"
	"github.com/abcotronics/docreply/internal/email/inbound/provider"
)

// ReasonAutoReply marks mailbox messages dropped by the filter chain.
const ReasonAutoReply = "auto_reply"

// MessageProcessor handles one parsed mailbox message.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, email *provider.ReceivedEmail) (Result, error)
}

// Filter inspects a mailbox message before processing. Returning true drops
// the message.
type Filter interface {
	ID() string
	Drop(email *provider.ReceivedEmail) bool
}

// AutoReplyFilter drops out-of-office answers, delivery reports and other
// machine-generated mail so that it never becomes a comment.
type AutoReplyFilter struct{}

func (AutoReplyFilter) ID() string { return "auto_reply" }

func (AutoReplyFilter) Drop(email *provider.ReceivedEmail) bool {
	if v := strings.ToLower(email.Header("auto-submitted")); v != "" && v != "no" {
		return true
	}
	if email.Header("x-autoreply") != "" || email.Header("x-autorespond") != "" {
		return true
	}
	switch strings.ToLower(email.Header("precedence")) {
	case "bulk", "junk", "auto_reply":
		return true
	}
	if strings.Contains(strings.ToLower(email.Header("content-type")), "report-type=delivery-status") {
		return true
	}
	from := strings.ToLower(SenderAddress(email.From))
	return strings.HasPrefix(from, "mailer-daemon@") || strings.HasPrefix(from, "postmaster@")
}

// Service implements connector.Handler: it parses raw mailbox messages, runs
// the filters and hands the rest to the processor.
type Service struct {
	Processor MessageProcessor
	Filters   []Filter
	Stats     *Stats
	Logger    *log.Logger
}

// Handle returns nil for messages that cannot be parsed or are filtered out,
// so they are not retried forever. Processing failures are returned and keep
// the message in the mailbox for the next poll.
func (s Service) Handle(ctx context.Context, msg *connector.Message) error {
	if s.Processor == nil {
		return fmt.Errorf("postmaster service has no processor")
	}
	email, err := provider.ReceivedEmailFromMIME(msg.Raw)
	if err != nil {
		s.logf("postmaster: unreadable message %s: %v", msg.RemoteID, err)
		return nil
	}
	for _, f := range s.Filters {
		if f != nil && f.Drop(email) {
			s.logf("postmaster: %s dropped by %s filter", msg.RemoteID, f.ID())
			s.Stats.Skipped(email.ID, ReasonAutoReply)
			return nil
		}
	}

	res, err := s.Processor.ProcessMessage(ctx, email)
	if err != nil {
		return fmt.Errorf("process %s: %w", msg.RemoteID, err)
	}
	if res.Processed {
		s.logf("postmaster: %s added to %s/%s %d-%02d with %d attachment(s)", msg.RemoteID, res.ProjectID, res.ItemID, res.Year, res.Month, res.AttachmentsAdded)
	} else {
		s.logf("postmaster: %s skipped: %s", msg.RemoteID, res.Reason)
	}
	return nil
}

func (s Service) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}
