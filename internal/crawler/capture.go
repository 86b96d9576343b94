package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chatscribe/chatscribe/internal/fanout"
	"github.com/chatscribe/chatscribe/internal/media"
	"github.com/chatscribe/chatscribe/internal/protocol"
	"github.com/chatscribe/chatscribe/internal/store"
)

// MediaKind is the closed classification persisted with each message.
type MediaKind string

const (
	MediaNone     MediaKind = ""
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaVoice    MediaKind = "voice"
	MediaSticker  MediaKind = "sticker"
	MediaDocument MediaKind = "document"
)

// ClassifyMedia maps provider media hints onto the closed kind set. Link
// previews are not media.
func ClassifyMedia(m *protocol.MediaInfo) MediaKind {
	if m == nil || m.WebPreview {
		return MediaNone
	}
	switch {
	case m.Sticker:
		return MediaSticker
	case m.Photo, strings.HasPrefix(m.Mime, "image/"):
		return MediaPhoto
	case m.Voice:
		return MediaVoice
	case m.RoundVideo, strings.HasPrefix(m.Mime, "video/"):
		return MediaVideo
	case strings.HasPrefix(m.Mime, "audio/"):
		return MediaAudio
	case m.Mime != "" || m.Ref != "":
		return MediaDocument
	}
	return MediaNone
}

// Capture normalizes one session's live events into write intents. Inserts
// and edits go through the bounded queue (full queue redirects to the
// dead-letter sink, never blocks); deletes bypass the queue with a
// synchronous soft delete plus immediate fan-out.
type Capture struct {
	session  protocol.Session
	queue    *Queue
	store    *store.Store
	dead     *store.DeadLetters
	pub      fanout.Publisher
	media    media.Store
	registry *Registry
	status   *StatusTracker
}

// NewCapture wires capture for one session.
func NewCapture(sess protocol.Session, q *Queue, st *store.Store, dead *store.DeadLetters,
	pub fanout.Publisher, ms media.Store, reg *Registry, tracker *StatusTracker) *Capture {
	return &Capture{
		session:  sess,
		queue:    q,
		store:    st,
		dead:     dead,
		pub:      pub,
		media:    ms,
		registry: reg,
		status:   tracker,
	}
}

// Run consumes the session's event channel until it closes or ctx ends.
func (c *Capture) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.session.Events():
			if !ok {
				return
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Capture) handle(ctx context.Context, ev protocol.Event) {
	// Sessions see every chat the account is in; only registered groups are
	// ingested.
	if !c.registry.Tracked(ev.ChatID) {
		return
	}
	switch ev.Kind {
	case protocol.EventNewMessage:
		if ev.Message == nil || !c.registry.Enabled(ctx, ev.ChatID) {
			return
		}
		c.captureNew(ctx, ev.Message)
	case protocol.EventEditedMessage:
		if ev.Message == nil || !c.registry.Enabled(ctx, ev.ChatID) {
			return
		}
		c.captureEdit(ctx, ev.Message)
	case protocol.EventDeletedMessage:
		c.captureDelete(ctx, ev.ChatID, ev.DeletedIDs)
	case protocol.EventMigration:
		c.captureMigration(ctx, ev.ChatID, ev.MigratedTo)
	}
}

func (c *Capture) captureNew(ctx context.Context, msg *protocol.RemoteMessage) {
	row := buildRow(msg)
	if kind := ClassifyMedia(msg.Media); kind != MediaNone {
		row.MediaKind = string(kind)
		row.MediaURL = c.uploadMedia(ctx, msg)
	}
	c.enqueue(ctx, Item{Kind: ItemInsert, Row: row})
	c.status.Touch(ctx, msg.ChatID)
}

func (c *Capture) captureEdit(ctx context.Context, msg *protocol.RemoteMessage) {
	row := buildRow(msg)
	if kind := ClassifyMedia(msg.Media); kind != MediaNone {
		// Media is not re-fetched on edit; the stored URL is preserved.
		row.MediaKind = string(kind)
	}
	now := time.Now().UTC()
	row.EditedAt = &now
	c.enqueue(ctx, Item{Kind: ItemUpdate, Row: row})
}

// captureDelete soft-deletes synchronously so subscribers hear about removals
// even when the write pipeline is backed up.
func (c *Capture) captureDelete(ctx context.Context, chatID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := c.store.SoftDeleteMessages(ctx, ids, chatID); err != nil {
		slog.Error("soft delete failed", "group", chatID, "count", len(ids), "error", err)
		return
	}
	for _, id := range ids {
		n := fanout.NewNotification(fanout.EventUpdate, store.MessageRow{
			SourceMessageID: id,
			GroupID:         chatID,
			IsDeleted:       true,
			SentAt:          time.Now().UTC(),
		})
		if err := c.pub.Publish(ctx, n); err != nil {
			slog.Warn("delete notification publish failed", "group", chatID, "message", id, "error", err)
		}
	}
}

// captureMigration disables the group: the new id is recorded for the
// operator but never adopted automatically.
func (c *Capture) captureMigration(ctx context.Context, chatID, migratedTo string) {
	msg := fmt.Sprintf("chat migrated to %s, crawling disabled pending manual remap", migratedTo)
	slog.Error("chat migration detected", "group", chatID, "migrated_to", migratedTo)
	if err := c.store.SetGroupEnabled(ctx, chatID, false); err != nil {
		slog.Warn("disable migrated group failed", "group", chatID, "error", err)
	}
	if err := c.store.SetGroupLastError(ctx, chatID, msg); err != nil {
		slog.Warn("record migration error failed", "group", chatID, "error", err)
	}
	c.status.MarkError(ctx, chatID, errors.New(msg))
}

func (c *Capture) enqueue(ctx context.Context, item Item) {
	if c.queue.TryPut(item) {
		return
	}
	slog.Warn("ingestion queue full, dead-lettering live event",
		"group", item.Row.GroupID, "message", item.Row.SourceMessageID)
	c.dead.Write(ctx, item.Row, "ingestion queue full")
}

func (c *Capture) uploadMedia(ctx context.Context, msg *protocol.RemoteMessage) string {
	if c.media == nil || msg.Media == nil {
		return ""
	}
	if msg.Media.Size > media.MaxUploadBytes {
		slog.Info("media over size cap, storing kind only",
			"group", msg.ChatID, "message", msg.ID, "size", msg.Media.Size)
		return ""
	}
	data, contentType, err := c.session.DownloadMedia(ctx, msg)
	if err != nil {
		slog.Warn("media download failed", "group", msg.ChatID, "message", msg.ID, "error", err)
		return ""
	}
	url, err := c.media.Upload(ctx, msg.ID, data, contentType)
	if err != nil {
		slog.Warn("media upload failed", "group", msg.ChatID, "message", msg.ID, "error", err)
		return ""
	}
	return url
}

// buildRow maps a normalized provider message onto a storage row.
func buildRow(msg *protocol.RemoteMessage) store.MessageRow {
	return store.MessageRow{
		SourceMessageID: msg.ID,
		GroupID:         msg.ChatID,
		SenderID:        msg.SenderID,
		SenderName:      msg.SenderName,
		Content:         msg.Text,
		ReplyToID:       msg.ReplyToID,
		TopicID:         msg.TopicID,
		SentAt:          msg.SentAt.UTC(),
	}
}
