package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// deadLetterFileMaxBytes caps the last-resort local fallback file.
const deadLetterFileMaxBytes = 50 * 1024 * 1024

// DeadLetter is one failed write awaiting operator retry. Retried entries
// are resolved, never deleted.
type DeadLetter struct {
	ID              int64     `json:"id"`
	SourceMessageID string    `json:"source_message_id"`
	GroupID         string    `json:"group_id"`
	Payload         string    `json:"payload"`
	ErrorText       string    `json:"error_text"`
	RetryCount      int       `json:"retry_count"`
	Resolved        bool      `json:"resolved"`
	CreatedAt       time.Time `json:"created_at"`
}

func (s *Store) insertDeadLetter(ctx context.Context, row MessageRow, reason string) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if len(reason) > 500 {
		reason = reason[:500]
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO failed_messages
		(source_message_id, group_id, payload, error_text, retry_count)
		VALUES (?, ?, ?, ?, 0)`,
		row.SourceMessageID, row.GroupID, string(payload), reason)
	return err
}

// ListDeadLetters returns entries filtered by resolution state.
func (s *Store) ListDeadLetters(ctx context.Context, resolved bool) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, source_message_id, group_id, payload, error_text,
		retry_count, resolved, created_at FROM failed_messages WHERE resolved = ? ORDER BY id`, resolved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.SourceMessageID, &d.GroupID, &d.Payload, &d.ErrorText,
			&d.RetryCount, &d.Resolved, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RetryDeadLetter re-attempts the original write. Success resolves the
// entry; failure increments its retry counter and returns the error.
func (s *Store) RetryDeadLetter(ctx context.Context, id int64) error {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM failed_messages WHERE id = ? AND resolved = 0`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return fmt.Errorf("dead letter %d not found or already resolved", id)
	}
	if err != nil {
		return err
	}
	var row MessageRow
	if err := json.Unmarshal([]byte(payload), &row); err != nil {
		return fmt.Errorf("decode dead letter %d: %w", id, err)
	}
	if err := s.UpsertMessages(ctx, []MessageRow{row}, true); err != nil {
		_, _ = s.db.ExecContext(ctx,
			`UPDATE failed_messages SET retry_count = retry_count + 1 WHERE id = ?`, id)
		return fmt.Errorf("retry dead letter %d: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE failed_messages SET resolved = 1 WHERE id = ?`, id)
	return err
}

// DeadLetters is the engine-facing dead-letter sink: best-effort DB write
// with a size-capped local JSONL file as last resort. Write never fails;
// at this point data loss is logged, not propagated.
type DeadLetters struct {
	store    *Store
	filePath string
}

// NewDeadLetters builds the sink; filePath is the local fallback location.
func NewDeadLetters(s *Store, filePath string) *DeadLetters {
	return &DeadLetters{store: s, filePath: filePath}
}

// Write persists a failed row with its failure reason.
func (d *DeadLetters) Write(ctx context.Context, row MessageRow, reason string) {
	err := d.store.insertDeadLetter(ctx, row, reason)
	if err == nil {
		return
	}
	slog.Error("dead letter db write failed, falling back to file",
		"group", row.GroupID, "message", row.SourceMessageID, "error", err)
	d.appendToFile(row, reason)
}

func (d *DeadLetters) appendToFile(row MessageRow, reason string) {
	if st, err := os.Stat(d.filePath); err == nil && st.Size() > deadLetterFileMaxBytes {
		slog.Error("dead letter file over size cap, dropping message",
			"path", d.filePath, "group", row.GroupID, "message", row.SourceMessageID)
		return
	}
	f, err := os.OpenFile(d.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("dead letter file open failed", "path", d.filePath, "error", err)
		return
	}
	defer f.Close()
	line, err := json.Marshal(map[string]any{
		"row":   row,
		"error": reason,
		"ts":    time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Error("dead letter file write failed", "path", d.filePath, "error", err)
	}
}
