package scheduler

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/abcotronics/docreply/internal/email/inbound/connector"
	"github.com/abcotronics/docreply/internal/models"
)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Nil keeps log.Default().
func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCron supplies a preconfigured cron instance.
func WithCron(c *cron.Cron) Option {
	return func(s *Service) { s.cron = c }
}

// WithJobs replaces the default job definitions.
func WithJobs(jobs []*models.ScheduledJob) Option {
	return func(s *Service) {
		s.defs = jobs
		s.customDefs = true
	}
}

// WithLocation sets the zone used for run timestamps and the default cron.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithConnectorRegistry sets the fetchers used by the mailbox poll.
func WithConnectorRegistry(r *connector.Registry) Option {
	return func(s *Service) { s.registry = r }
}

// WithMailbox enables the mailbox poll job. Replies read from the mailbox are
// passed to handler.
func WithMailbox(mailbox connector.Mailbox, handler connector.Handler) Option {
	return func(s *Service) {
		s.mailbox = &mailbox
		s.inbound = handler
	}
}

// WithRegisterer registers the poll metrics. Without it they stay private.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) { s.registerer = reg }
}

// WithPollSchedule sets the cron expression of the mailbox poll.
func WithPollSchedule(spec string) Option {
	return func(s *Service) {
		if spec != "" {
			s.pollSchedule = spec
		}
	}
}
