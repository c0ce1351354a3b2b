// Package delivery applies provider delivery events (sent, delivered,
// bounced, failed) to the document collection send log.
package delivery

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/abcotronics/docreply/internal/email/inbound/provider"
	"github.com/abcotronics/docreply/internal/email/inbound/threading"
	"github.com/abcotronics/docreply/internal/models"
)

const (
	// ReasonMissingIDOrStatus is reported for a single event that names no
	// message or carries an event type outside the status vocabulary.
	ReasonMissingIDOrStatus = "missing_message_id_or_status"

	maxBounceReason = 1000
)

// Store updates send log rows by provider message id.
type Store interface {
	UpdateByMessageID(ctx context.Context, messageID string, upd models.DeliveryUpdate) (int64, error)
}

// MapResendStatus maps a Resend event type onto a delivery status.
func MapResendStatus(eventType string) (models.DeliveryStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "email.delivered":
		return models.DeliveryDelivered, true
	case "email.bounced":
		return models.DeliveryBounced, true
	case "email.failed", "email.complained":
		return models.DeliveryFailed, true
	case "email.sent":
		return models.DeliverySent, true
	default:
		return "", false
	}
}

// MapSendGridStatus maps a SendGrid event name onto a delivery status.
func MapSendGridStatus(event string) (models.DeliveryStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(event)) {
	case "delivered":
		return models.DeliveryDelivered, true
	case "bounce", "dropped":
		return models.DeliveryBounced, true
	case "deferred", "spamreport":
		return models.DeliveryFailed, true
	case "processed":
		return models.DeliverySent, true
	default:
		return "", false
	}
}

// StatusFor maps an event using its provider's vocabulary.
func StatusFor(ev provider.DeliveryEvent) (models.DeliveryStatus, bool) {
	if ev.Provider == provider.DeliverySendGrid {
		return MapSendGridStatus(ev.Type)
	}
	return MapResendStatus(ev.Type)
}

// Result summarises one webhook call.
type Result struct {
	Processed bool
	Updated   int64
	Reason    string
	EventType string
	Status    models.DeliveryStatus
}

// Updater writes delivery events to the send log. Updates are unconditional:
// a late "delivered" may overwrite an earlier "bounced".
type Updater struct {
	store  Store
	now    func() time.Time
	logger *log.Logger
	events *prometheus.CounterVec
}

// UpdaterOption customizes an Updater.
type UpdaterOption func(*Updater)

func WithUpdaterLogger(l *log.Logger) UpdaterOption {
	return func(u *Updater) {
		if l != nil {
			u.logger = l
		}
	}
}

// WithUpdaterClock sets the time used for events without a timestamp.
func WithUpdaterClock(now func() time.Time) UpdaterOption {
	return func(u *Updater) {
		if now != nil {
			u.now = now
		}
	}
}

// WithRegisterer exports per-status event counters.
func WithRegisterer(reg prometheus.Registerer) UpdaterOption {
	return func(u *Updater) {
		if reg != nil {
			u.events = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
				Name: "docreply_delivery_events_total",
				Help: "Delivery webhook events by provider and mapped status",
			}, []string{"provider", "status"})
		}
	}
}

func NewUpdater(store Store, opts ...UpdaterOption) *Updater {
	u := &Updater{store: store, now: time.Now, logger: log.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}
	return u
}

// ApplyBatch handles a parsed webhook body. SendGrid batches skip unusable
// events silently; a single Resend event without id or known status is
// reported as not processed.
func (u *Updater) ApplyBatch(ctx context.Context, batch provider.DeliveryBatch) (Result, error) {
	if batch.Batch {
		var res Result
		res.Processed = true
		for _, ev := range batch.Events {
			status, ok := StatusFor(ev)
			if !ok || len(ev.MessageIDs()) == 0 {
				continue
			}
			n, err := u.Apply(ctx, ev, status)
			if err != nil {
				return res, err
			}
			res.Updated += n
		}
		return res, nil
	}

	var ev provider.DeliveryEvent
	if len(batch.Events) > 0 {
		ev = batch.Events[0]
	}
	status, ok := StatusFor(ev)
	if !ok || len(ev.MessageIDs()) == 0 {
		return Result{Reason: ReasonMissingIDOrStatus, EventType: ev.Type}, nil
	}
	n, err := u.Apply(ctx, ev, status)
	if err != nil {
		return Result{EventType: ev.Type}, err
	}
	return Result{Processed: true, Updated: n, EventType: ev.Type, Status: status}, nil
}

// Apply writes one event to every log row carrying its message id and
// returns the number of rows changed. The candidate ids are tried in order
// and the first one that matches a row wins.
func (u *Updater) Apply(ctx context.Context, ev provider.DeliveryEvent, status models.DeliveryStatus) (int64, error) {
	ids := candidateIDs(ev)
	if len(ids) == 0 {
		return 0, nil
	}
	upd := buildUpdate(status, ev, u.now)
	var n int64
	matched := ids[0]
	for _, id := range ids {
		updated, err := u.store.UpdateByMessageID(ctx, id, upd)
		if err != nil {
			return 0, fmt.Errorf("update delivery status for %s: %w", id, err)
		}
		if updated > 0 {
			n, matched = updated, id
			break
		}
	}
	if u.events != nil {
		u.events.WithLabelValues(string(ev.Provider), string(status)).Inc()
	}
	u.logf("delivery: %s %s -> %s (%d row(s))", ev.Provider, matched, status, n)
	return n, nil
}

func candidateIDs(ev provider.DeliveryEvent) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, raw := range ev.MessageIDs() {
		id := threading.NormalizeMessageID(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func buildUpdate(status models.DeliveryStatus, ev provider.DeliveryEvent, now func() time.Time) models.DeliveryUpdate {
	at := ev.OccurredAt
	if at.IsZero() {
		at = now()
	}
	at = at.UTC()
	upd := models.DeliveryUpdate{Status: status, EventAt: at}
	switch {
	case status == models.DeliveryDelivered:
		upd.DeliveredAt = &at
	case status.IsFailure():
		upd.BouncedAt = &at
		if ev.Reason != "" {
			reason := truncateRunes(ev.Reason, maxBounceReason)
			upd.BounceReason = &reason
		}
	}
	return upd
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func (u *Updater) logf(format string, args ...any) {
	if u.logger != nil {
		u.logger.Printf(format, args...)
	}
}
