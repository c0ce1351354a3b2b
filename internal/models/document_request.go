package models

import (
	"time"
)

// OutboundMessageRecord maps the Message-ID of a sent document request to the
// document collection cell it was about. It is written once at send time and
// only read afterwards, when a reply has to be threaded back.
type OutboundMessageRecord struct {
	ID             int64     `json:"id" db:"id"`
	MessageID      string    `json:"messageId" db:"message_id"` // stored without angle brackets
	ProjectID      string    `json:"projectId" db:"project_id"`
	SectionID      *string   `json:"sectionId,omitempty" db:"section_id"`
	DocumentID     string    `json:"documentId" db:"document_id"`
	Year           int       `json:"year" db:"year"`
	Month          int       `json:"month" db:"month"`
	RequesterEmail *string   `json:"requesterEmail,omitempty" db:"requester_email"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// CellKey identifies a document/month cell of a project's document collection.
type CellKey struct {
	ProjectID  string `json:"projectId"`
	DocumentID string `json:"documentId"`
	Year       int    `json:"year"`
	Month      int    `json:"month"`
}

// Valid reports whether every part of the key is present and in range.
func (k CellKey) Valid() bool {
	return k.ProjectID != "" && k.DocumentID != "" && k.Year > 0 && k.Month >= 1 && k.Month <= 12
}
