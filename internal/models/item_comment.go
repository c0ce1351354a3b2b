package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Comment authors written by the platform itself.
const (
	AuthorEmailFromClient = "Email from Client"
	AuthorSentReply       = "Sent reply (platform)"
)

// CommentAttachment is a saved file linked from a comment.
type CommentAttachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// CommentAttachments is persisted as a JSON array, preserving order.
type CommentAttachments []CommentAttachment

// Value implements driver.Valuer.
func (a CommentAttachments) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	raw, err := json.Marshal([]CommentAttachment(a))
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (a *CommentAttachments) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*a = CommentAttachments{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported attachments column type %T", src)
	}
	if len(raw) == 0 {
		*a = CommentAttachments{}
		return nil
	}
	var out []CommentAttachment
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode attachments: %w", err)
	}
	*a = out
	return nil
}

// Names returns the display names in order.
func (a CommentAttachments) Names() []string {
	names := make([]string, 0, len(a))
	for _, att := range a {
		names = append(names, att.Name)
	}
	return names
}

// ItemComment is a comment on a document/month cell. AuthorID is nil for
// comments created by the platform (inbound email, sent replies).
type ItemComment struct {
	ID            int64              `json:"id" db:"id"`
	ItemID        string             `json:"itemId" db:"item_id"`
	Year          int                `json:"year" db:"year"`
	Month         int                `json:"month" db:"month"`
	Text          string             `json:"text" db:"text"`
	Author        string             `json:"author" db:"author"`
	AuthorID      *string            `json:"authorId" db:"author_id"`
	Attachments   CommentAttachments `json:"attachments" db:"attachments"`
	SourceEmailID *string            `json:"sourceEmailId,omitempty" db:"source_email_id"`
	CreatedAt     time.Time          `json:"createdAt" db:"created_at"`
}
