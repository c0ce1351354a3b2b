package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/abcotronics/docreply/internal/models"
)

const deliveryLogColumns = `id, project_id, document_id, year, month, kind, section_id, subject, body_text,
	message_id, delivery_status, last_event_at, delivered_at, bounced_at, bounce_reason, created_at`

// DeliveryLogRepository persists the document collection send log.
type DeliveryLogRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewDeliveryLogRepository(db *sqlx.DB) *DeliveryLogRepository {
	return &DeliveryLogRepository{db: db, now: time.Now}
}

// Create inserts a log row and fills in its ID and CreatedAt.
func (r *DeliveryLogRepository) Create(ctx context.Context, e *models.DeliveryLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	id, err := insertID(ctx, r.db, `
		INSERT INTO document_collection_email_logs (
			project_id, document_id, year, month, kind, section_id, subject, body_text,
			message_id, delivery_status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ProjectID, e.DocumentID, e.Year, e.Month, e.Kind, e.SectionID, e.Subject, e.BodyText,
		e.MessageID, e.DeliveryStatus, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery log: %w", err)
	}
	e.ID = id
	return nil
}

// UpdateByMessageID applies upd to every row carrying messageID and returns
// the number of rows changed.
func (r *DeliveryLogRepository) UpdateByMessageID(ctx context.Context, messageID string, upd models.DeliveryUpdate) (int64, error) {
	sets := []string{"delivery_status = ?", "last_event_at = ?"}
	args := []interface{}{string(upd.Status), upd.EventAt}
	if upd.DeliveredAt != nil {
		sets = append(sets, "delivered_at = ?")
		args = append(args, *upd.DeliveredAt)
	}
	if upd.BouncedAt != nil {
		sets = append(sets, "bounced_at = ?")
		args = append(args, *upd.BouncedAt)
	}
	if upd.BounceReason != nil {
		sets = append(sets, "bounce_reason = ?")
		args = append(args, *upd.BounceReason)
	}
	args = append(args, messageID)

	query := "UPDATE document_collection_email_logs SET " + strings.Join(sets, ", ") + " WHERE message_id = ?"
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update delivery status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// ListRecent returns up to limit log rows, newest first.
func (r *DeliveryLogRepository) ListRecent(ctx context.Context, limit int) ([]models.DeliveryLogEntry, error) {
	limit = clampLimit(limit, 20, 200)
	var out []models.DeliveryLogEntry
	err := r.db.SelectContext(ctx, &out, r.db.Rebind(`SELECT `+deliveryLogColumns+`
		FROM document_collection_email_logs
		ORDER BY created_at DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery logs: %w", err)
	}
	return out, nil
}
