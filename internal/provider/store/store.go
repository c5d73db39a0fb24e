// Package store implements a Provider that keeps received messages in a
// local SQLite mailbox.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/shineum/smtp-receiver-lite/internal/email"
)

// ErrNotFound is returned when a message id is not in the mailbox.
var ErrNotFound = errors.New("store: message not found")

const (
	kindTo  = "to"
	kindCc  = "cc"
	kindBcc = "bcc"
)

// Summary is a mailbox listing entry.
type Summary struct {
	ID          string    `db:"id"`
	ReceivedAt  time.Time `db:"received_at"`
	FromAddress string    `db:"from_address"`
	Subject     string    `db:"subject"`
	Attachments int       `db:"attachments"`
}

// Provider stores messages in SQLite.
type Provider struct {
	db *sqlx.DB
}

type messageRow struct {
	ID           string    `db:"id"`
	ConnectionID int64     `db:"connection_id"`
	ClientDomain string    `db:"client_domain"`
	RemoteAddr   string    `db:"remote_addr"`
	ReceivedAt   time.Time `db:"received_at"`
	FromName     string    `db:"from_name"`
	FromAddress  string    `db:"from_address"`
	Subject      string    `db:"subject"`
	Body         string    `db:"body"`
	IsHTML       bool      `db:"is_html"`
	Headers      string    `db:"headers"`
	Raw          []byte    `db:"raw"`
}

type recipientRow struct {
	Kind    string `db:"kind"`
	Name    string `db:"name"`
	Address string `db:"address"`
}

type attachmentRow struct {
	Filename    string `db:"filename"`
	ContentType string `db:"content_type"`
	Content     []byte `db:"content"`
}

type viewRow struct {
	ContentType string `db:"content_type"`
	Content     string `db:"content"`
}

// Open opens (or creates) a SQLite mailbox at path, enables WAL mode and
// runs any pending schema migrations.
func Open(path string) (*Provider, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// SQLite has a single writer; pragmas below are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	p := &Provider{db: db}
	if err := p.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return p, nil
}

// Close closes the underlying database connection.
func (p *Provider) Close() error {
	return p.db.Close()
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "store"
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (p *Provider) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := p.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = p.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := p.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// Send stores msg with its recipients, alternate views and attachments in
// one transaction. A message without an ID is given a new UUID.
func (p *Provider) Send(ctx context.Context, msg *email.Message) error {
	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}

	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return fmt.Errorf("marshaling headers for message %s: %w", id, err)
	}

	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	var fromName, fromAddress string
	if msg.From != nil {
		fromName, fromAddress = msg.From.Name, msg.From.Address
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (
			id, connection_id, client_domain, remote_addr, received_at,
			from_name, from_address, subject, body, is_html, headers, raw
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, msg.ConnectionID, msg.ClientDomain, msg.RemoteAddr, receivedAt.UTC(),
		fromName, fromAddress, msg.Subject, msg.Body, boolToInt(msg.IsHTML), string(headers), msg.Raw,
	)
	if err != nil {
		return fmt.Errorf("inserting message %s: %w", id, err)
	}

	for kind, list := range map[string][]*mail.Address{kindTo: msg.To, kindCc: msg.Cc, kindBcc: msg.Bcc} {
		for i, a := range list {
			if a == nil {
				continue
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO recipients (message_id, kind, position, name, address) VALUES (?, ?, ?, ?, ?)",
				id, kind, i, a.Name, a.Address,
			)
			if err != nil {
				return fmt.Errorf("inserting %s recipient for message %s: %w", kind, id, err)
			}
		}
	}

	for i, v := range msg.AlternateViews {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO alternate_views (message_id, position, content_type, content) VALUES (?, ?, ?, ?)",
			id, i, v.ContentType, v.Content,
		)
		if err != nil {
			return fmt.Errorf("inserting alternate view for message %s: %w", id, err)
		}
	}

	for i, att := range msg.Attachments {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO attachments (id, message_id, position, filename, content_type, content) VALUES (?, ?, ?, ?, ?, ?)",
			uuid.New().String(), id, i, att.Filename, att.ContentType, att.Content,
		)
		if err != nil {
			return fmt.Errorf("inserting attachment for message %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// Get loads a stored message by id.
func (p *Provider) Get(ctx context.Context, id string) (*email.Message, error) {
	var row messageRow
	err := p.db.GetContext(ctx, &row, "SELECT * FROM messages WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}

	msg := &email.Message{
		ID:           row.ID,
		ConnectionID: row.ConnectionID,
		ClientDomain: row.ClientDomain,
		RemoteAddr:   row.RemoteAddr,
		ReceivedAt:   row.ReceivedAt,
		Subject:      row.Subject,
		Body:         row.Body,
		IsHTML:       row.IsHTML,
		Raw:          row.Raw,
	}
	if row.FromAddress != "" {
		msg.From = &mail.Address{Name: row.FromName, Address: row.FromAddress}
	}
	if err := json.Unmarshal([]byte(row.Headers), &msg.Headers); err != nil {
		return nil, fmt.Errorf("unmarshaling headers for message %s: %w", id, err)
	}

	var recipients []recipientRow
	err = p.db.SelectContext(ctx, &recipients,
		"SELECT kind, name, address FROM recipients WHERE message_id = ? ORDER BY kind, position", id)
	if err != nil {
		return nil, fmt.Errorf("getting recipients for message %s: %w", id, err)
	}
	for _, r := range recipients {
		a := &mail.Address{Name: r.Name, Address: r.Address}
		switch r.Kind {
		case kindTo:
			msg.To = append(msg.To, a)
		case kindCc:
			msg.Cc = append(msg.Cc, a)
		case kindBcc:
			msg.Bcc = append(msg.Bcc, a)
		}
	}

	var views []viewRow
	err = p.db.SelectContext(ctx, &views,
		"SELECT content_type, content FROM alternate_views WHERE message_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("getting alternate views for message %s: %w", id, err)
	}
	for _, v := range views {
		msg.AlternateViews = append(msg.AlternateViews, email.AlternateView{Content: v.Content, ContentType: v.ContentType})
	}

	var attachments []attachmentRow
	err = p.db.SelectContext(ctx, &attachments,
		"SELECT filename, content_type, content FROM attachments WHERE message_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("getting attachments for message %s: %w", id, err)
	}
	for _, a := range attachments {
		msg.Attachments = append(msg.Attachments, email.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     a.Content,
		})
	}

	return msg, nil
}

// List returns the newest messages first. A limit of zero or less returns
// every message.
func (p *Provider) List(ctx context.Context, limit int) ([]Summary, error) {
	query := `
		SELECT m.id, m.received_at, m.from_address, m.subject,
			(SELECT COUNT(*) FROM attachments a WHERE a.message_id = m.id) AS attachments
		FROM messages m
		ORDER BY m.received_at DESC, m.rowid DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var out []Summary
	if err := p.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return out, nil
}

// Count returns the number of stored messages.
func (p *Provider) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM messages"); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// Delete removes a message together with its recipients and attachments.
func (p *Provider) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting message %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
