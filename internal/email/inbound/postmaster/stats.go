package postmaster

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats counts what the reply pipeline did since start-up. It backs the
// debug endpoint and mirrors every update to Prometheus counters.
type Stats struct {
	mu                sync.Mutex
	received          int64
	processed         int64
	skipped           map[string]int64
	attachmentsSaved  int64
	attachmentsFailed int64
	lastEventAt       time.Time
	lastEmailID       string
	lastReason        string
	now               func() time.Time

	receivedTotal    prometheus.Counter
	processedTotal   prometheus.Counter
	skippedTotal     *prometheus.CounterVec
	attachmentsTotal *prometheus.CounterVec
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Received          int64            `json:"received"`
	Processed         int64            `json:"processed"`
	Skipped           map[string]int64 `json:"skipped"`
	AttachmentsSaved  int64            `json:"attachmentsSaved"`
	AttachmentsFailed int64            `json:"attachmentsFailed"`
	LastEventAt       *time.Time       `json:"lastEventAt,omitempty"`
	LastEmailID       string           `json:"lastEmailId,omitempty"`
	LastReason        string           `json:"lastReason,omitempty"`
}

// NewStats registers the pipeline counters with reg. A nil registerer keeps
// the counters private, which tests rely on.
func NewStats(reg prometheus.Registerer) *Stats {
	factory := promauto.With(reg)
	return &Stats{
		skipped: make(map[string]int64),
		now:     time.Now,
		receivedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "docreply_replies_received_total",
			Help: "Reply webhooks and mailbox messages received",
		}),
		processedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "docreply_replies_processed_total",
			Help: "Replies turned into item comments",
		}),
		skippedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docreply_replies_skipped_total",
			Help: "Replies not processed, by reason",
		}, []string{"reason"}),
		attachmentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docreply_reply_attachments_total",
			Help: "Reply attachments by result",
		}, []string{"result"}),
	}
}

func (s *Stats) touch(emailID string) {
	s.lastEventAt = s.now()
	if emailID != "" {
		s.lastEmailID = emailID
	}
}

// Received records an incoming reply.
func (s *Stats) Received(emailID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.received++
	s.touch(emailID)
	s.mu.Unlock()
	s.receivedTotal.Inc()
}

// Processed records a comment created from a reply.
func (s *Stats) Processed(emailID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.processed++
	s.lastReason = ""
	s.touch(emailID)
	s.mu.Unlock()
	s.processedTotal.Inc()
}

// Skipped records a reply dropped for reason.
func (s *Stats) Skipped(emailID, reason string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.skipped[reason]++
	s.lastReason = reason
	s.touch(emailID)
	s.mu.Unlock()
	s.skippedTotal.WithLabelValues(reason).Inc()
}

// Attachments records stored and failed attachment counts.
func (s *Stats) Attachments(saved, failed int) {
	if s == nil || (saved == 0 && failed == 0) {
		return
	}
	s.mu.Lock()
	s.attachmentsSaved += int64(saved)
	s.attachmentsFailed += int64(failed)
	s.mu.Unlock()
	s.attachmentsTotal.WithLabelValues("saved").Add(float64(saved))
	s.attachmentsTotal.WithLabelValues("failed").Add(float64(failed))
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	if s == nil {
		return StatsSnapshot{Skipped: map[string]int64{}}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatsSnapshot{
		Received:          s.received,
		Processed:         s.processed,
		Skipped:           make(map[string]int64, len(s.skipped)),
		AttachmentsSaved:  s.attachmentsSaved,
		AttachmentsFailed: s.attachmentsFailed,
		LastEmailID:       s.lastEmailID,
		LastReason:        s.lastReason,
	}
	for k, v := range s.skipped {
		snap.Skipped[k] = v
	}
	if !s.lastEventAt.IsZero() {
		t := s.lastEventAt
		snap.LastEventAt = &t
	}
	return snap
}
