package models

import (
	"time"
)

// DeliveryStatus is the provider-independent delivery state of a sent email.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryBounced   DeliveryStatus = "bounced"
	DeliveryFailed    DeliveryStatus = "failed"
)

// IsFailure reports whether the status records a bounce or failure.
func (s DeliveryStatus) IsFailure() bool {
	return s == DeliveryBounced || s == DeliveryFailed
}

// LogKindSent marks a log row written when a document request was sent.
const LogKindSent = "sent"

// DeliveryLogEntry is one row of the document collection send log.
type DeliveryLogEntry struct {
	ID             int64           `json:"id" db:"id"`
	ProjectID      string          `json:"projectId" db:"project_id"`
	DocumentID     string          `json:"documentId" db:"document_id"`
	Year           int             `json:"year" db:"year"`
	Month          int             `json:"month" db:"month"`
	Kind           string          `json:"kind" db:"kind"`
	SectionID      *string         `json:"sectionId,omitempty" db:"section_id"`
	Subject        *string         `json:"subject,omitempty" db:"subject"`
	BodyText       *string         `json:"bodyText,omitempty" db:"body_text"`
	MessageID      *string         `json:"messageId,omitempty" db:"message_id"`
	DeliveryStatus *DeliveryStatus `json:"deliveryStatus,omitempty" db:"delivery_status"`
	LastEventAt    *time.Time      `json:"lastEventAt,omitempty" db:"last_event_at"`
	DeliveredAt    *time.Time      `json:"deliveredAt,omitempty" db:"delivered_at"`
	BouncedAt      *time.Time      `json:"bouncedAt,omitempty" db:"bounced_at"`
	BounceReason   *string         `json:"bounceReason,omitempty" db:"bounce_reason"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
}

// DeliveryUpdate is the set of columns a delivery event writes. Nil fields are
// left untouched.
type DeliveryUpdate struct {
	Status       DeliveryStatus
	EventAt      time.Time
	DeliveredAt  *time.Time
	BouncedAt    *time.Time
	BounceReason *string
}
