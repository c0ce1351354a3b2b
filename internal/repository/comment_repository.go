package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/abcotronics/docreply/internal/models"
)

const commentColumns = `id, item_id, year, month, text, author, author_id, attachments, source_email_id, created_at`

// CommentRepository persists document item comments.
type CommentRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewCommentRepository(db *sqlx.DB) *CommentRepository {
	return &CommentRepository{db: db, now: time.Now}
}

// Create appends a comment. Comments are never updated.
func (r *CommentRepository) Create(ctx context.Context, c *models.ItemComment) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now().UTC()
	}
	if c.Attachments == nil {
		c.Attachments = models.CommentAttachments{}
	}
	id, err := insertID(ctx, r.db, `
		INSERT INTO document_item_comments (
			item_id, year, month, text, author, author_id, attachments, source_email_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ItemID, c.Year, c.Month, c.Text, c.Author, c.AuthorID,
		c.Attachments, c.SourceEmailID, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create comment: %w", err)
	}
	c.ID = id
	return nil
}

// ListByItem returns the comments of one document/month cell, oldest first.
func (r *CommentRepository) ListByItem(ctx context.Context, itemID string, year, month int) ([]models.ItemComment, error) {
	var out []models.ItemComment
	err := r.db.SelectContext(ctx, &out, r.db.Rebind(`SELECT `+commentColumns+`
		FROM document_item_comments
		WHERE item_id = ? AND year = ? AND month = ?
		ORDER BY created_at ASC, id ASC`), itemID, year, month)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	return out, nil
}

// ListRecent returns up to limit comments across all cells, newest first.
func (r *CommentRepository) ListRecent(ctx context.Context, limit int) ([]models.ItemComment, error) {
	limit = clampLimit(limit, 20, 200)
	var out []models.ItemComment
	err := r.db.SelectContext(ctx, &out, r.db.Rebind(`SELECT `+commentColumns+`
		FROM document_item_comments
		ORDER BY created_at DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent comments: %w", err)
	}
	return out, nil
}

// ExistsBySourceEmailID reports whether a comment was already created from
// the given provider email.
func (r *CommentRepository) ExistsBySourceEmailID(ctx context.Context, emailID string) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind(`SELECT COUNT(*)
		FROM document_item_comments
		WHERE source_email_id = ?`), emailID)
	if err != nil {
		return false, fmt.Errorf("failed to check comment source: %w", err)
	}
	return n > 0, nil
}
