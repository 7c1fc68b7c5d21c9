package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/daviddao/finbrief/internal/types"
)

const runColumns = `id, started_at, finished_at, status, trigger_kind, period_start, period_end,
	fetched, classified, relevant, tokens_used, digest_id, error_message`

func scanRun(row scanner) (*types.PipelineRun, error) {
	r := &types.PipelineRun{}
	var started, periodStart, periodEnd string
	var finished, digestID, errMsg sql.NullString
	if err := row.Scan(
		&r.ID, &started, &finished, &r.Status, &r.Trigger, &periodStart, &periodEnd,
		&r.Fetched, &r.Classified, &r.Relevant, &r.TokensUsed, &digestID, &errMsg,
	); err != nil {
		return nil, err
	}
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTimePtr(finished)
	r.PeriodStart = parseTime(periodStart)
	r.PeriodEnd = parseTime(periodEnd)
	r.DigestID = digestID.String
	r.ErrorMessage = errMsg.String
	return r, nil
}

// CreateRun inserts a new pipeline run. ID is generated when empty.
func (d *DB) CreateRun(ctx context.Context, r *types.PipelineRun) error {
	if r.ID == "" {
		r.ID = GenID()
	}
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO pipeline_runs
			(id, started_at, finished_at, status, trigger_kind, period_start, period_end,
			 fetched, classified, relevant, tokens_used, digest_id, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, fmtTime(r.StartedAt), fmtTimePtr(r.FinishedAt), r.Status, r.Trigger,
		fmtTime(r.PeriodStart), fmtTime(r.PeriodEnd),
		r.Fetched, r.Classified, r.Relevant, r.TokensUsed, nullStr(r.DigestID), nullStr(r.ErrorMessage),
	)
	return err
}

// UpdateRun writes the run's progress counters and status in place.
// Rows already in a terminal status are left untouched.
func (d *DB) UpdateRun(ctx context.Context, r *types.PipelineRun) error {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE pipeline_runs SET
			finished_at = ?, status = ?, fetched = ?, classified = ?, relevant = ?,
			tokens_used = ?, digest_id = ?, error_message = ?
		WHERE id = ? AND status = 'running'`,
		fmtTimePtr(r.FinishedAt), r.Status, r.Fetched, r.Classified, r.Relevant,
		r.TokensUsed, nullStr(r.DigestID), nullStr(r.ErrorMessage), r.ID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("pipeline run %q not found or already finished", r.ID)
	}
	return nil
}

// GetRun returns a run by ID, or nil if it does not exist.
func (d *DB) GetRun(ctx context.Context, id string) (*types.PipelineRun, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// LastRunWithStatus returns the most recently finished run whose status is
// one of statuses, or nil if there is none.
func (d *DB) LastRunWithStatus(ctx context.Context, statuses ...string) (*types.PipelineRun, error) {
	if len(statuses) == 0 {
		return nil, fmt.Errorf("at least one status is required")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM pipeline_runs
		WHERE status IN (`+placeholders+`) AND finished_at IS NOT NULL
		ORDER BY finished_at DESC
		LIMIT 1`, args...)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListRuns returns the most recent runs, newest first.
func (d *DB) ListRuns(ctx context.Context, limit int) ([]*types.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs ORDER BY started_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := d.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*types.PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// AbandonRunning marks runs left in running state by a terminated process
// as failed. Returns the number of rows changed.
func (d *DB) AbandonRunning(ctx context.Context, reason string, at time.Time) (int, error) {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE pipeline_runs SET status = 'failed', finished_at = ?, error_message = ?
		WHERE status = 'running'`, fmtTime(at), reason)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Checkpoint operations ---

// GetCheckpoint returns the checkpoint for source, or nil if none exists.
func (d *DB) GetCheckpoint(ctx context.Context, source string) (*types.SyncCheckpoint, error) {
	cp := &types.SyncCheckpoint{Source: source}
	var token, lastMsg sql.NullString
	var fetched string
	err := d.conn.QueryRowContext(ctx, `
		SELECT sync_token, last_fetched_at, last_message_time
		FROM sync_checkpoints WHERE source = ?`, source).Scan(&token, &fetched, &lastMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.SyncToken = token.String
	cp.LastFetchedAt = parseTime(fetched)
	cp.LastMessageTime = parseTime(lastMsg.String)
	return cp, nil
}

// SaveCheckpoint overwrites the checkpoint for cp.Source.
func (d *DB) SaveCheckpoint(ctx context.Context, cp *types.SyncCheckpoint) error {
	var lastMsg any
	if !cp.LastMessageTime.IsZero() {
		lastMsg = fmtTime(cp.LastMessageTime)
	}
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (source, sync_token, last_fetched_at, last_message_time)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			sync_token = excluded.sync_token,
			last_fetched_at = excluded.last_fetched_at,
			last_message_time = COALESCE(excluded.last_message_time, sync_checkpoints.last_message_time)`,
		cp.Source, nullStr(cp.SyncToken), fmtTime(cp.LastFetchedAt), lastMsg,
	)
	return err
}
