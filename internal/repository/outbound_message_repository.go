package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/abcotronics/docreply/internal/models"
)

const outboundColumns = `id, message_id, project_id, section_id, document_id, year, month, requester_email, created_at`

// OutboundMessageRepository stores the Message-ID routing records of sent
// document requests.
type OutboundMessageRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewOutboundMessageRepository(db *sqlx.DB) *OutboundMessageRepository {
	return &OutboundMessageRepository{db: db, now: time.Now}
}

// Create inserts rec and fills in its ID and CreatedAt.
func (r *OutboundMessageRepository) Create(ctx context.Context, rec *models.OutboundMessageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}
	id, err := insertID(ctx, r.db, `
		INSERT INTO document_request_emails_sent (
			message_id, project_id, section_id, document_id, year, month, requester_email, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.MessageID, rec.ProjectID, rec.SectionID, rec.DocumentID,
		rec.Year, rec.Month, rec.RequesterEmail, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create outbound message record: %w", err)
	}
	rec.ID = id
	return nil
}

// FindByMessageIDs returns the newest record whose message id equals any of
// the candidates, or ErrNotFound.
func (r *OutboundMessageRepository) FindByMessageIDs(ctx context.Context, ids []string) (*models.OutboundMessageRecord, error) {
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	query, args, err := sqlx.In(`SELECT `+outboundColumns+`
		FROM document_request_emails_sent
		WHERE message_id IN (?)
		ORDER BY created_at DESC
		LIMIT 1`, ids)
	if err != nil {
		return nil, fmt.Errorf("build outbound lookup: %w", err)
	}

	var rec models.OutboundMessageRecord
	if err := r.db.GetContext(ctx, &rec, r.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find outbound message: %w", err)
	}
	return &rec, nil
}

// ListRecent returns up to limit records, newest first.
func (r *OutboundMessageRepository) ListRecent(ctx context.Context, limit int) ([]models.OutboundMessageRecord, error) {
	limit = clampLimit(limit, 200, 1000)
	var out []models.OutboundMessageRecord
	err := r.db.SelectContext(ctx, &out, r.db.Rebind(`SELECT `+outboundColumns+`
		FROM document_request_emails_sent
		ORDER BY created_at DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbound messages: %w", err)
	}
	return out, nil
}
