package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/daviddao/finbrief/internal/types"
)

const digestColumns = `id, generated_at, period_start, period_end, message_count, content, model,
	tokens_used, delivery_status, delivery_channel, delivered_at`

func scanDigest(row scanner) (*types.Digest, error) {
	dg := &types.Digest{}
	var generated, periodStart, periodEnd string
	var model, channel, delivered sql.NullString
	if err := row.Scan(
		&dg.ID, &generated, &periodStart, &periodEnd, &dg.MessageCount, &dg.Content, &model,
		&dg.TokensUsed, &dg.DeliveryStatus, &channel, &delivered,
	); err != nil {
		return nil, err
	}
	dg.GeneratedAt = parseTime(generated)
	dg.PeriodStart = parseTime(periodStart)
	dg.PeriodEnd = parseTime(periodEnd)
	dg.Model = model.String
	dg.DeliveryChannel = channel.String
	dg.DeliveredAt = parseTimePtr(delivered)
	return dg, nil
}

// InsertDigest stores a digest together with its action items in one
// transaction. IDs are generated when empty.
func (d *DB) InsertDigest(ctx context.Context, dg *types.Digest, items []*types.ActionItem) error {
	if !dg.PeriodStart.Before(dg.PeriodEnd) {
		return fmt.Errorf("digest period start %s must be before end %s", dg.PeriodStart, dg.PeriodEnd)
	}
	if dg.ID == "" {
		dg.ID = GenID()
	}
	if dg.DeliveryStatus == "" {
		dg.DeliveryStatus = types.DeliveryUndelivered
	}

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO digests
			(id, generated_at, period_start, period_end, message_count, content, model,
			 tokens_used, delivery_status, delivery_channel, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dg.ID, fmtTime(dg.GeneratedAt), fmtTime(dg.PeriodStart), fmtTime(dg.PeriodEnd),
		dg.MessageCount, dg.Content, nullStr(dg.Model), dg.TokensUsed, dg.DeliveryStatus,
		nullStr(dg.DeliveryChannel), fmtTimePtr(dg.DeliveredAt),
	); err != nil {
		return fmt.Errorf("insert digest: %w", err)
	}

	for _, it := range items {
		if it.ID == "" {
			it.ID = GenID()
		}
		it.DigestID = dg.ID
		if it.Status == "" {
			it.Status = types.ActionPending
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO action_items
				(id, digest_id, source_message_id, description, due_date, priority, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			it.ID, it.DigestID, nullStr(it.SourceMessageID), it.Description,
			fmtTimePtr(it.DueDate), it.Priority, it.Status, fmtTime(it.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert action item: %w", err)
		}
	}
	return tx.Commit()
}

// GetDigest returns a digest by its ID (supports unique prefix match).
func (d *DB) GetDigest(ctx context.Context, id string) (*types.Digest, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+digestColumns+` FROM digests WHERE id = ?`, id)
	dg, err := scanDigest(row)
	if err == nil {
		return dg, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	rows, err := d.conn.QueryContext(ctx, `SELECT `+digestColumns+` FROM digests WHERE id LIKE ?`, id+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var matches []*types.Digest
	for rows.Next() {
		dg, err := scanDigest(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, dg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("digest %q not found", id)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return nil, fmt.Errorf("ambiguous ID %q, matches: %s", id, strings.Join(ids, ", "))
	}
}

// ListDigests returns the most recent digests, newest first.
func (d *DB) ListDigests(ctx context.Context, limit int) ([]*types.Digest, error) {
	query := `SELECT ` + digestColumns + ` FROM digests ORDER BY generated_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := d.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []*types.Digest
	for rows.Next() {
		dg, err := scanDigest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, dg)
	}
	return result, rows.Err()
}

// MarkDigestDelivery records a delivery outcome. Delivered digests are never
// moved back; a failed digest may later become delivered.
func (d *DB) MarkDigestDelivery(ctx context.Context, id, status, channel string, at time.Time) error {
	if status != types.DeliveryDelivered && status != types.DeliveryFailed {
		return fmt.Errorf("invalid delivery status %q", status)
	}
	var deliveredAt any
	if status == types.DeliveryDelivered {
		deliveredAt = fmtTime(at)
	}
	res, err := d.conn.ExecContext(ctx, `
		UPDATE digests SET delivery_status = ?, delivery_channel = ?, delivered_at = ?
		WHERE id = ? AND delivery_status IN ('undelivered', 'failed')`,
		status, nullStr(channel), deliveredAt, id,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("digest %q not found or already delivered", id)
	}
	return nil
}

// --- Action item operations ---

const actionColumns = `id, digest_id, source_message_id, description, due_date, priority, status, created_at`

func scanActionItems(rows *sql.Rows) ([]*types.ActionItem, error) {
	var result []*types.ActionItem
	for rows.Next() {
		it := &types.ActionItem{}
		var source, due sql.NullString
		var created string
		if err := rows.Scan(
			&it.ID, &it.DigestID, &source, &it.Description, &due, &it.Priority, &it.Status, &created,
		); err != nil {
			return nil, err
		}
		it.SourceMessageID = source.String
		it.DueDate = parseTimePtr(due)
		it.CreatedAt = parseTime(created)
		result = append(result, it)
	}
	return result, rows.Err()
}

// ListActionItems returns action items filtered by status (all when empty),
// most urgent first.
func (d *DB) ListActionItems(ctx context.Context, status string) ([]*types.ActionItem, error) {
	query := `SELECT ` + actionColumns + ` FROM action_items`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY
		CASE priority WHEN 'urgent' THEN 0 WHEN 'soon' THEN 1 ELSE 2 END,
		COALESCE(due_date, '9999'), created_at DESC`
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActionItems(rows)
}

// DigestActionItems returns the action items of one digest.
func (d *DB) DigestActionItems(ctx context.Context, digestID string) ([]*types.ActionItem, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT `+actionColumns+` FROM action_items WHERE digest_id = ?
		ORDER BY CASE priority WHEN 'urgent' THEN 0 WHEN 'soon' THEN 1 ELSE 2 END`, digestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActionItems(rows)
}

// UpdateActionStatus sets the status of an action item (exact or unique prefix ID).
func (d *DB) UpdateActionStatus(ctx context.Context, id, status string) error {
	if !types.IsValidActionStatus(status) {
		return fmt.Errorf("invalid action status %q", status)
	}
	ids, err := d.queryStrings(ctx, `SELECT id FROM action_items WHERE id = ? OR id LIKE ?`, id, id+"%")
	if err != nil {
		return err
	}
	switch len(ids) {
	case 0:
		return fmt.Errorf("action item %q not found", id)
	case 1:
	default:
		exact := false
		for _, candidate := range ids {
			if candidate == id {
				exact = true
			}
		}
		if !exact {
			return fmt.Errorf("ambiguous ID %q, matches: %s", id, strings.Join(ids, ", "))
		}
		ids = []string{id}
	}
	_, err = d.conn.ExecContext(ctx, `UPDATE action_items SET status = ? WHERE id = ?`, status, ids[0])
	return err
}
