// Package store persists groups, messages, crawler state, the entity cache
// and the dead-letter table in a single sqlite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite database behind the engine's storage contract.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	// Best-effort migration for pre-topic databases.
	_, _ = db.Exec(`ALTER TABLE messages ADD COLUMN topic_id TEXT NOT NULL DEFAULT ''`)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for collaborators that need raw access.
func (s *Store) DB() *sql.DB { return s.db }

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// MessageRow is one persisted message. (SourceMessageID, GroupID) is the
// identity pair; everything else is mutable through edits.
type MessageRow struct {
	SourceMessageID string     `json:"source_message_id"`
	GroupID         string     `json:"group_id"`
	SenderID        string     `json:"sender_id,omitempty"`
	SenderName      string     `json:"sender_name,omitempty"`
	Content         string     `json:"content,omitempty"`
	MediaKind       string     `json:"media_kind,omitempty"`
	MediaURL        string     `json:"media_url,omitempty"`
	ReplyToID       string     `json:"reply_to_id,omitempty"`
	TopicID         string     `json:"topic_id,omitempty"`
	IsDeleted       bool       `json:"is_deleted,omitempty"`
	SentAt          time.Time  `json:"sent_at"`
	EditedAt        *time.Time `json:"edited_at,omitempty"`
}

const upsertIgnore = `INSERT INTO messages
	(source_message_id, group_id, sender_id, sender_name, content, media_kind, media_url, reply_to_id, topic_id, is_deleted, sent_at, edited_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(source_message_id, group_id) DO NOTHING`

const upsertOverwrite = `INSERT INTO messages
	(source_message_id, group_id, sender_id, sender_name, content, media_kind, media_url, reply_to_id, topic_id, is_deleted, sent_at, edited_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(source_message_id, group_id) DO UPDATE SET
		content = excluded.content,
		media_kind = excluded.media_kind,
		media_url = CASE WHEN excluded.media_url != '' THEN excluded.media_url ELSE messages.media_url END,
		is_deleted = excluded.is_deleted,
		edited_at = excluded.edited_at`

// UpsertMessages writes rows inside one transaction. With ignoreDuplicates
// the identity pair wins (inserts are idempotent); without it the mutable
// fields are overwritten (edits).
func (s *Store) UpsertMessages(ctx context.Context, rows []MessageRow, ignoreDuplicates bool) error {
	if len(rows) == 0 {
		return nil
	}
	query := upsertOverwrite
	if ignoreDuplicates {
		query = upsertIgnore
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()
	for i := range rows {
		r := &rows[i]
		if _, err := stmt.ExecContext(ctx,
			r.SourceMessageID, r.GroupID, r.SenderID, r.SenderName, r.Content,
			r.MediaKind, r.MediaURL, r.ReplyToID, r.TopicID, r.IsDeleted, r.SentAt, r.EditedAt,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("upsert message %s/%s: %w", r.SourceMessageID, r.GroupID, err)
		}
	}
	return tx.Commit()
}

// SoftDeleteMessages marks the given ids deleted without removing rows.
func (s *Store) SoftDeleteMessages(ctx context.Context, ids []string, groupID string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, groupID)
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_deleted = 1 WHERE source_message_id IN (`+placeholders+`) AND group_id = ?`, args...)
	return err
}

// CountMessages counts live (non-deleted) messages for a group.
func (s *Store) CountMessages(ctx context.Context, groupID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE group_id = ? AND is_deleted = 0`, groupID).Scan(&n)
	return n, err
}

// ListRecentMessages returns the newest messages for a group, excluding
// soft-deleted rows unless includeDeleted is set.
func (s *Store) ListRecentMessages(ctx context.Context, groupID string, limit int, includeDeleted bool) ([]MessageRow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT source_message_id, group_id, sender_id, sender_name, content, media_kind, media_url,
		reply_to_id, topic_id, is_deleted, sent_at, edited_at
		FROM messages WHERE group_id = ?`
	if !includeDeleted {
		query += ` AND is_deleted = 0`
	}
	query += ` ORDER BY sent_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, groupID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MessageRow
	for rows.Next() {
		var r MessageRow
		var edited sql.NullTime
		if err := rows.Scan(&r.SourceMessageID, &r.GroupID, &r.SenderID, &r.SenderName, &r.Content,
			&r.MediaKind, &r.MediaURL, &r.ReplyToID, &r.TopicID, &r.IsDeleted, &r.SentAt, &edited); err != nil {
			return nil, err
		}
		if edited.Valid {
			t := edited.Time
			r.EditedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteMessagesBefore is the retention job: a fixed-window hard delete.
func (s *Store) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE sent_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// Groups
// ---------------------------------------------------------------------------

// Group is one registered chat, keyed by its external chat id.
type Group struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	CrawlEnabled bool   `json:"crawl_enabled"`
	Visibility   string `json:"visibility"`
	LastError    string `json:"last_error,omitempty"`
}

// UpsertGroup registers or updates a group.
func (s *Store) UpsertGroup(ctx context.Context, g Group) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO groups (id, title, crawl_enabled, visibility)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, crawl_enabled = excluded.crawl_enabled,
			visibility = excluded.visibility, updated_at = CURRENT_TIMESTAMP`,
		g.ID, g.Title, g.CrawlEnabled, g.Visibility)
	return err
}

// ListEnabledGroups returns every crawl-enabled group.
func (s *Store) ListEnabledGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, crawl_enabled, visibility, last_error FROM groups WHERE crawl_enabled = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Title, &g.CrawlEnabled, &g.Visibility, &g.LastError); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// SetGroupLastError records the latest failure on the group row so operator
// dashboards can show it. Empty clears it.
func (s *Store) SetGroupLastError(ctx context.Context, groupID, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE groups SET last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, msg, groupID)
	return err
}

// SetGroupEnabled flips the crawl switch for one group, on both the group
// row and its status row so the capture-path check agrees.
func (s *Store) SetGroupEnabled(ctx context.Context, groupID string, enabled bool) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE groups SET crawl_enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, enabled, groupID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE crawler_status SET is_enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE group_id = ?`, enabled, groupID)
	return err
}

// ---------------------------------------------------------------------------
// Crawler status
// ---------------------------------------------------------------------------

const (
	StatusInitializing = "initializing"
	StatusActive       = "active"
	StatusError        = "error"
)

// CrawlerStatus is one group's persisted crawl state.
type CrawlerStatus struct {
	GroupID       string     `json:"group_id"`
	Status        string     `json:"status"`
	IsEnabled     bool       `json:"is_enabled"`
	ErrorCount    int        `json:"error_count"`
	LastError     string     `json:"last_error,omitempty"`
	CrawlProgress int        `json:"crawl_progress"`
	CrawlTotal    int        `json:"crawl_total"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// StatusFields carries a partial crawler_status update; nil fields are
// left untouched.
type StatusFields struct {
	Status   string
	Error    *string
	Progress *int
	Total    *int
}

// EnsureCrawlerStatus creates missing status rows for the given groups.
func (s *Store) EnsureCrawlerStatus(ctx context.Context, groupIDs []string) error {
	if len(groupIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO crawler_status (group_id, status)
		VALUES (?, ?) ON CONFLICT(group_id) DO NOTHING`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, id := range groupIDs {
		if _, err := stmt.ExecContext(ctx, id, StatusInitializing); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// UpdateCrawlerStatus applies a partial update to one group's status row.
// Moving to active stamps last_message_at; errors bump error_count.
func (s *Store) UpdateCrawlerStatus(ctx context.Context, groupID string, f StatusFields) error {
	sets := []string{"status = ?", "updated_at = CURRENT_TIMESTAMP"}
	args := []any{f.Status}
	if f.Error != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *f.Error)
		if *f.Error != "" && f.Status == StatusError {
			sets = append(sets, "error_count = error_count + 1")
		}
	}
	if f.Progress != nil {
		sets = append(sets, "crawl_progress = ?")
		args = append(args, *f.Progress)
	}
	if f.Total != nil {
		sets = append(sets, "crawl_total = ?")
		args = append(args, *f.Total)
	}
	if f.Status == StatusActive {
		sets = append(sets, "last_message_at = CURRENT_TIMESTAMP")
	}
	args = append(args, groupID)
	_, err := s.db.ExecContext(ctx,
		`UPDATE crawler_status SET `+strings.Join(sets, ", ")+` WHERE group_id = ?`, args...)
	return err
}

// GetCrawlerStatus loads one status row.
func (s *Store) GetCrawlerStatus(ctx context.Context, groupID string) (*CrawlerStatus, error) {
	row := s.db.QueryRowContext(ctx, `SELECT group_id, status, is_enabled, error_count, last_error,
		crawl_progress, crawl_total, last_message_at, updated_at FROM crawler_status WHERE group_id = ?`, groupID)
	return scanStatus(row)
}

// ListCrawlerStatus loads every status row.
func (s *Store) ListCrawlerStatus(ctx context.Context) ([]CrawlerStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id, status, is_enabled, error_count, last_error,
		crawl_progress, crawl_total, last_message_at, updated_at FROM crawler_status ORDER BY group_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CrawlerStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatus(row rowScanner) (*CrawlerStatus, error) {
	var st CrawlerStatus
	var lastMsg sql.NullTime
	if err := row.Scan(&st.GroupID, &st.Status, &st.IsEnabled, &st.ErrorCount, &st.LastError,
		&st.CrawlProgress, &st.CrawlTotal, &lastMsg, &st.UpdatedAt); err != nil {
		return nil, err
	}
	if lastMsg.Valid {
		t := lastMsg.Time
		st.LastMessageAt = &t
	}
	return &st, nil
}

// IsGroupEnabled reads the per-group ingest switch. Missing rows default to
// enabled.
func (s *Store) IsGroupEnabled(ctx context.Context, groupID string) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx,
		`SELECT is_enabled FROM crawler_status WHERE group_id = ?`, groupID).Scan(&enabled)
	if err == sql.ErrNoRows {
		return true, nil
	}
	return enabled, err
}

// ActiveGroupIDs lists groups already marked active, so restarts skip the
// historical crawl for them.
func (s *Store) ActiveGroupIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id FROM crawler_status WHERE status = ?`, StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Entity cache persistence
// ---------------------------------------------------------------------------

// EntityRow is one persisted entity-cache entry.
type EntityRow struct {
	ChatID string
	Handle string
	Kind   string
}

// LoadEntityCache loads every persisted entity row.
func (s *Store) LoadEntityCache(ctx context.Context) ([]EntityRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, handle, kind FROM entity_cache`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EntityRow
	for rows.Next() {
		var e EntityRow
		if err := rows.Scan(&e.ChatID, &e.Handle, &e.Kind); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveEntity persists one entity-cache entry.
func (s *Store) SaveEntity(ctx context.Context, e EntityRow) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO entity_cache (chat_id, handle, kind)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET handle = excluded.handle, kind = excluded.kind,
			updated_at = CURRENT_TIMESTAMP`, e.ChatID, e.Handle, e.Kind)
	return err
}

// DeleteEntity removes a stale entity-cache entry.
func (s *Store) DeleteEntity(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entity_cache WHERE chat_id = ?`, chatID)
	return err
}
