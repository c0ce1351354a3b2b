package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// dialect holds the DDL fragments that differ between drivers.
type dialect struct {
	id        string
	timestamp string
	text      string
	key       string
}

func dialectFor(driver string) dialect {
	switch driver {
	case "mysql":
		return dialect{
			id:        "BIGINT AUTO_INCREMENT PRIMARY KEY",
			timestamp: "DATETIME(3)",
			text:      "LONGTEXT",
			key:       "VARCHAR(191)",
		}
	case "sqlite3":
		return dialect{
			id:        "INTEGER PRIMARY KEY AUTOINCREMENT",
			timestamp: "DATETIME",
			text:      "TEXT",
			key:       "TEXT",
		}
	default:
		return dialect{
			id:        "BIGSERIAL PRIMARY KEY",
			timestamp: "TIMESTAMPTZ",
			text:      "TEXT",
			key:       "VARCHAR(255)",
		}
	}
}

// SchemaStatements returns the idempotent DDL for the given driver.
func SchemaStatements(driver string) []string {
	d := dialectFor(driver)
	r := strings.NewReplacer("{id}", d.id, "{ts}", d.timestamp, "{text}", d.text, "{key}", d.key)

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS document_request_emails_sent (
	id {id},
	message_id {key} NOT NULL UNIQUE,
	project_id {key} NOT NULL,
	section_id {key} NULL,
	document_id {key} NOT NULL,
	year INTEGER NOT NULL,
	month INTEGER NOT NULL,
	requester_email {key} NULL,
	created_at {ts} NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS document_item_comments (
	id {id},
	item_id {key} NOT NULL,
	year INTEGER NOT NULL,
	month INTEGER NOT NULL,
	text {text} NOT NULL,
	author {key} NOT NULL,
	author_id {key} NULL,
	attachments {text} NOT NULL,
	source_email_id {key} NULL,
	created_at {ts} NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS document_collection_email_logs (
	id {id},
	project_id {key} NOT NULL,
	document_id {key} NOT NULL,
	year INTEGER NOT NULL,
	month INTEGER NOT NULL,
	kind {key} NOT NULL,
	section_id {key} NULL,
	subject {text} NULL,
	body_text {text} NULL,
	message_id {key} NULL,
	delivery_status {key} NULL,
	last_event_at {ts} NULL,
	delivered_at {ts} NULL,
	bounced_at {ts} NULL,
	bounce_reason {text} NULL,
	created_at {ts} NOT NULL
)`,
	}
	for i, s := range stmts {
		stmts[i] = r.Replace(s)
	}

	indexes := []string{
		"idx_docreq_sent_created ON document_request_emails_sent (created_at)",
		"idx_item_comments_cell ON document_item_comments (item_id, year, month)",
		"idx_item_comments_source ON document_item_comments (source_email_id)",
		"idx_email_logs_message ON document_collection_email_logs (message_id)",
	}
	for _, idx := range indexes {
		if driver == "mysql" {
			// MySQL has no CREATE INDEX IF NOT EXISTS; duplicates are tolerated in Migrate.
			stmts = append(stmts, "CREATE INDEX "+idx)
			continue
		}
		stmts = append(stmts, "CREATE INDEX IF NOT EXISTS "+idx)
	}
	return stmts
}

// Migrate applies the schema. It is safe to run on every start.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	driver := db.DriverName()
	for _, stmt := range SchemaStatements(driver) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if driver == "mysql" && strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
