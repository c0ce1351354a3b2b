package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/abcotronics/docreply/internal/models"
)

const (
	JobMailboxPoll      = "mailbox-poll"
	HandlerMailboxPoll  = "mailbox_poll"
	DefaultPollSchedule = "@every 2m"
)

var (
	errMailboxNotConfigured = errors.New("mailbox not configured")
	errUnknownJob           = errors.New("unknown job")
)

type pollMetrics struct {
	polls    *prometheus.CounterVec
	messages prometheus.Counter
	duration prometheus.Histogram
}

func newPollMetrics(reg prometheus.Registerer) *pollMetrics {
	factory := promauto.With(reg)
	return &pollMetrics{
		polls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docreply_mailbox_polls_total",
			Help: "Mailbox polls by result",
		}, []string{"result"}),
		messages: factory.NewCounter(prometheus.CounterOpts{
			Name: "docreply_mailbox_messages_total",
			Help: "Messages accepted from the reply mailbox",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "docreply_mailbox_poll_duration_seconds",
			Help:    "Time spent draining the reply mailbox",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func defaultJobs(pollSchedule string, mailbox bool) []*models.ScheduledJob {
	if !mailbox {
		return nil
	}
	return []*models.ScheduledJob{{
		Slug:           JobMailboxPoll,
		Handler:        HandlerMailboxPoll,
		Schedule:       pollSchedule,
		TimeoutSeconds: 240,
		RunOnStartup:   true,
	}}
}

func (s *Service) registerBuiltinHandlers() {
	s.RegisterHandler(HandlerMailboxPoll, s.handleMailboxPoll)
}

// handleMailboxPoll drains the reply mailbox once. Messages the handler
// rejects stay in the mailbox and are retried by the next poll.
func (s *Service) handleMailboxPoll(ctx context.Context, _ *models.ScheduledJob) error {
	if s.mailbox == nil || s.inbound == nil {
		return errMailboxNotConfigured
	}
	if !s.pollMu.TryLock() {
		s.logger.Printf("scheduler: mailbox poll already running")
		return nil
	}
	defer s.pollMu.Unlock()

	fetcher, err := s.registry.For(*s.mailbox)
	if err != nil {
		s.metrics.polls.WithLabelValues("error").Inc()
		return err
	}

	start := time.Now()
	n, err := fetcher.Fetch(ctx, *s.mailbox, s.inbound)
	s.metrics.duration.Observe(time.Since(start).Seconds())
	s.metrics.messages.Add(float64(n))
	if err != nil {
		s.metrics.polls.WithLabelValues("error").Inc()
		return err
	}
	s.metrics.polls.WithLabelValues("ok").Inc()
	if n > 0 {
		s.logger.Printf("scheduler: mailbox %s@%s delivered %d message(s)", s.mailbox.Username, s.mailbox.Host, n)
	}
	return nil
}
