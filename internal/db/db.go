// Package db provides SQLite storage for finbrief.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/daviddao/finbrief/internal/types"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// DB wraps a SQLite connection for finbrief operations.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (or creates) a finbrief database at the given path.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec(Schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &DB{conn: conn, path: dbPath}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// GenID generates a new random identifier.
func GenID() string {
	return uuid.NewString()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{timeLayout, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Message operations ---

// UpsertMessages stores messages, keeping any existing row with the same ID
// untouched. Returns the number of newly inserted messages.
func (d *DB) UpsertMessages(ctx context.Context, msgs []*types.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO messages
			(id, source, thread_id, sender, sender_name, subject, body, received_at, fetched_at, labels)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, m := range msgs {
		res, err := stmt.ExecContext(ctx,
			m.ID, m.Source, nullStr(m.ThreadID), strings.ToLower(m.Sender), nullStr(m.SenderName),
			m.Subject, nullStr(m.Body), fmtTime(m.ReceivedAt), fmtTime(m.FetchedAt),
			nullStr(strings.Join(m.Labels, ",")),
		)
		if err != nil {
			return 0, fmt.Errorf("insert message %s: %w", m.ID, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	return inserted, tx.Commit()
}

const messageColumns = `m.id, m.source, m.thread_id, m.sender, m.sender_name, m.subject, m.body, m.received_at, m.fetched_at, m.labels`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*types.Message, error) {
	m := &types.Message{}
	var threadID, senderName, body, labels sql.NullString
	var received, fetched string
	if err := row.Scan(
		&m.ID, &m.Source, &threadID, &m.Sender, &senderName, &m.Subject, &body,
		&received, &fetched, &labels,
	); err != nil {
		return nil, err
	}
	m.ThreadID = threadID.String
	m.SenderName = senderName.String
	m.Body = body.String
	m.ReceivedAt = parseTime(received)
	m.FetchedAt = parseTime(fetched)
	if labels.String != "" {
		m.Labels = strings.Split(labels.String, ",")
	}
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]*types.Message, error) {
	var result []*types.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// GetMessage returns a message by ID, or nil if it does not exist.
func (d *DB) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// UnclassifiedMessages returns every message without a classification row.
func (d *DB) UnclassifiedMessages(ctx context.Context) ([]*types.Message, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		LEFT JOIN classifications c ON c.message_id = m.id
		WHERE c.message_id IS NULL
		ORDER BY m.received_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesReceivedSince returns messages received at or after since.
func (d *DB) MessagesReceivedSince(ctx context.Context, since time.Time) ([]*types.Message, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.received_at >= ?
		ORDER BY m.received_at ASC`, fmtTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RelevantMessages returns relevant messages received in [start, end),
// ordered by received time.
func (d *DB) RelevantMessages(ctx context.Context, start, end time.Time) ([]*types.ClassifiedMessage, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT `+messageColumns+`,
		       c.relevant, c.category, c.confidence, c.decided_by, c.decided_at
		FROM messages m
		JOIN classifications c ON c.message_id = m.id
		WHERE c.relevant = 1 AND m.received_at >= ? AND m.received_at < ?
		ORDER BY m.received_at ASC`, fmtTime(start), fmtTime(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*types.ClassifiedMessage
	for rows.Next() {
		m := &types.Message{}
		c := &types.Classification{}
		var threadID, senderName, body, labels, category sql.NullString
		var received, fetched, decided string
		var relevant int
		if err := rows.Scan(
			&m.ID, &m.Source, &threadID, &m.Sender, &senderName, &m.Subject, &body,
			&received, &fetched, &labels,
			&relevant, &category, &c.Confidence, &c.DecidedBy, &decided,
		); err != nil {
			return nil, err
		}
		m.ThreadID = threadID.String
		m.SenderName = senderName.String
		m.Body = body.String
		m.ReceivedAt = parseTime(received)
		m.FetchedAt = parseTime(fetched)
		if labels.String != "" {
			m.Labels = strings.Split(labels.String, ",")
		}
		c.MessageID = m.ID
		c.Relevant = relevant == 1
		c.Category = category.String
		c.DecidedAt = parseTime(decided)
		result = append(result, &types.ClassifiedMessage{Message: m, Classification: c})
	}
	return result, rows.Err()
}

// DistinctSenders returns every sender address seen, lowercased.
func (d *DB) DistinctSenders(ctx context.Context) ([]string, error) {
	return d.queryStrings(ctx, `SELECT DISTINCT sender FROM messages ORDER BY sender`)
}

// SendersFetchedSince returns distinct senders of messages fetched at or after since.
func (d *DB) SendersFetchedSince(ctx context.Context, since time.Time) ([]string, error) {
	return d.queryStrings(ctx,
		`SELECT DISTINCT sender FROM messages WHERE fetched_at >= ? ORDER BY sender`, fmtTime(since))
}

// SenderSubject is one (sender, subject) observation.
type SenderSubject struct {
	Sender  string
	Subject string
}

// SenderSubjects returns (sender, subject) pairs, newest first.
func (d *DB) SenderSubjects(ctx context.Context) ([]SenderSubject, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT sender, subject FROM messages ORDER BY received_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []SenderSubject
	for rows.Next() {
		var s SenderSubject
		if err := rows.Scan(&s.Sender, &s.Subject); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// MessageCount returns the total number of stored messages.
func (d *DB) MessageCount(ctx context.Context) int {
	var n int
	d.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&n)
	return n
}

func (d *DB) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// --- Classification operations ---

// GetClassification returns the stored classification, or nil if none exists.
func (d *DB) GetClassification(ctx context.Context, messageID string) (*types.Classification, error) {
	c := &types.Classification{}
	var category sql.NullString
	var relevant int
	var decided string
	err := d.conn.QueryRowContext(ctx, `
		SELECT message_id, relevant, category, confidence, decided_by, decided_at
		FROM classifications WHERE message_id = ?`, messageID).Scan(
		&c.MessageID, &relevant, &category, &c.Confidence, &c.DecidedBy, &decided,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Relevant = relevant == 1
	c.Category = category.String
	c.DecidedAt = parseTime(decided)
	return c, nil
}

// PutClassification writes a classification, replacing any previous one.
func (d *DB) PutClassification(ctx context.Context, c *types.Classification) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO classifications (message_id, relevant, category, confidence, decided_by, decided_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			relevant = excluded.relevant,
			category = excluded.category,
			confidence = excluded.confidence,
			decided_by = excluded.decided_by,
			decided_at = excluded.decided_at`,
		c.MessageID, boolInt(c.Relevant), nullStr(c.Category), c.Confidence, c.DecidedBy, fmtTime(c.DecidedAt),
	)
	return err
}

// ClassificationStats returns aggregate classification counts.
func (d *DB) ClassificationStats(ctx context.Context) (*types.ClassificationStats, error) {
	stats := &types.ClassificationStats{
		ByDecidedBy: map[string]int{},
		ByCategory:  map[string]int{},
	}
	stats.Messages = d.MessageCount(ctx)

	rows, err := d.conn.QueryContext(ctx, `
		SELECT decided_by, COALESCE(category, ''), relevant, COUNT(*)
		FROM classifications GROUP BY decided_by, category, relevant`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var decidedBy, category string
		var relevant, count int
		if err := rows.Scan(&decidedBy, &category, &relevant, &count); err != nil {
			return nil, err
		}
		stats.Classified += count
		stats.ByDecidedBy[decidedBy] += count
		if relevant == 1 {
			stats.Relevant += count
			stats.ByCategory[category] += count
		}
	}
	return stats, rows.Err()
}
