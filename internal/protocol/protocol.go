// Package protocol defines the contract between the ingestion engine and the
// chat providers it crawls (Slack, WhatsApp, ...).
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EntityKind distinguishes broadcast channels from plain group chats.
type EntityKind string

const (
	EntityChannel EntityKind = "channel"
	EntityChat    EntityKind = "chat"
)

// Self identifies the operator account behind a connected session.
type Self struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Entity is a resolved chat: the external id plus the routing handle the
// provider needs to address it. Handle is provider-specific (access hash,
// JID, channel id) and may equal ID for providers with self-describing ids.
type Entity struct {
	ID     string     `json:"id"`
	Handle string     `json:"handle"`
	Kind   EntityKind `json:"kind"`
	Title  string     `json:"title,omitempty"`
}

// Ref is the input to entity resolution: the external id, plus a previously
// cached handle when one is known.
type Ref struct {
	ID     string
	Handle string
	Kind   EntityKind
}

// MediaInfo carries the raw provider hints used for media classification.
// Classification into a closed media kind happens in the capture layer,
// before an item ever reaches the ingestion queue.
type MediaInfo struct {
	// Ref is a provider-opaque handle used by DownloadMedia (a download
	// URL for Slack, a message key for WhatsApp).
	Ref        string
	Mime       string
	Size       int64
	Photo      bool
	Voice      bool
	RoundVideo bool
	Sticker    bool
	WebPreview bool
}

// RemoteMessage is one normalized provider message.
type RemoteMessage struct {
	ID         string
	ChatID     string
	SenderID   string
	SenderName string
	Text       string
	Media      *MediaInfo
	ReplyToID  string
	TopicID    string
	SentAt     time.Time
	Edited     bool
}

// EventKind enumerates the live events the engine captures.
type EventKind int

const (
	EventNewMessage EventKind = iota
	EventEditedMessage
	EventDeletedMessage
	// EventMigration signals that a chat moved to a new external id.
	// The engine treats this as fatal for the group: crawling is disabled
	// and an operator must remap the id manually.
	EventMigration
)

// Event is a single live protocol event delivered by a session.
type Event struct {
	Kind       EventKind
	ChatID     string
	Message    *RemoteMessage
	DeletedIDs []string
	MigratedTo string
}

// StreamFunc receives messages from StreamMessages, oldest first.
// Returning an error aborts the stream.
type StreamFunc func(*RemoteMessage) error

// Session is one persistent connection to a chat provider on behalf of a
// single operator account. Implementations live in this package; the engine
// only sees this interface.
type Session interface {
	// AccountID identifies the operator account that owns this session.
	AccountID() string

	Connect(ctx context.Context) error

	// RunUntilDisconnected blocks until the connection drops or ctx is
	// cancelled. A nil return means a clean shutdown; any error means the
	// supervisor should schedule a reconnect.
	RunUntilDisconnected(ctx context.Context) error

	// GetSelf validates the session by fetching its own identity.
	GetSelf(ctx context.Context) (Self, error)

	ResolveEntity(ctx context.Context, ref Ref) (Entity, error)

	// ListDialogs enumerates every chat the account can see. Expensive;
	// callers throttle it and cache everything it returns.
	ListDialogs(ctx context.Context) ([]Entity, error)

	// StreamMessages replays history for one entity from since forward.
	// Providers without history access return ErrHistoryUnavailable.
	StreamMessages(ctx context.Context, entity Entity, since time.Time, fn StreamFunc) error

	// DownloadMedia fetches the media payload of a message, returning the
	// bytes and their content type.
	DownloadMedia(ctx context.Context, msg *RemoteMessage) ([]byte, string, error)

	// Events delivers live protocol events. The channel is closed on Close.
	Events() <-chan Event

	Close() error
}

// FloodWaitError is the provider's rate-limit signal. It carries the wait
// the provider demanded; callers record a per-group penalty instead of
// sleeping in place.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("rate limited: wait %s", e.Wait)
}

// AccessDeniedError means the account was removed from the chat or lacks
// the rights to read it. Not retryable without operator intervention.
type AccessDeniedError struct {
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return "access denied: " + e.Reason
}

// ErrEntityNotResolvable is returned when every resolution step failed.
// It usually means the operator account is not a member of the chat.
var ErrEntityNotResolvable = errors.New("entity not resolvable: membership required")

// ErrHistoryUnavailable marks providers that only deliver live events.
var ErrHistoryUnavailable = errors.New("history streaming not supported by provider")

// IsFloodWait reports whether err carries a rate-limit penalty and, if so,
// its wait duration.
func IsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Wait, true
	}
	return 0, false
}

// IsAccessDenied reports whether err is an access-denied condition.
func IsAccessDenied(err error) bool {
	var ad *AccessDeniedError
	return errors.As(err, &ad)
}
