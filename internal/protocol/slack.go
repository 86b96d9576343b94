package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const slackHistoryPageSize = 200

// SlackSession implements Session over the Slack Web + Socket Mode APIs.
// Live events arrive via socket mode; history replay uses
// conversations.history, so this provider supports full backfill.
type SlackSession struct {
	accountID string
	botToken  string
	appToken  string

	api    *slack.Client
	events chan Event
	done   chan struct{}

	nameMu sync.Mutex
	names  map[string]string

	closeOnce sync.Once
}

// NewSlackSession creates a disconnected Slack session for one bot account.
func NewSlackSession(accountID, botToken, appToken string) *SlackSession {
	return &SlackSession{
		accountID: accountID,
		botToken:  botToken,
		appToken:  appToken,
		events:    make(chan Event, 256),
		done:      make(chan struct{}),
		names:     make(map[string]string),
	}
}

func (s *SlackSession) AccountID() string { return s.accountID }

func (s *SlackSession) Connect(ctx context.Context) error {
	if strings.TrimSpace(s.botToken) == "" {
		return errors.New("slack: missing bot token")
	}
	if strings.TrimSpace(s.appToken) == "" {
		return errors.New("slack: missing app-level token")
	}
	s.api = slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))
	return nil
}

func (s *SlackSession) GetSelf(ctx context.Context) (Self, error) {
	auth, err := s.api.AuthTestContext(ctx)
	if err != nil {
		return Self{}, fmt.Errorf("slack auth test: %w", slackErr(err))
	}
	return Self{ID: auth.UserID, Username: auth.User, DisplayName: auth.User}, nil
}

// RunUntilDisconnected runs a socket mode client, translating its events
// onto the session event channel until the socket drops or ctx ends.
func (s *SlackSession) RunUntilDisconnected(ctx context.Context) error {
	sm := socketmode.New(s.api)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case evt, ok := <-sm.Events:
				if !ok {
					return
				}
				s.handleSocketEvent(sm, evt)
			}
		}
	}()

	err := sm.RunContext(runCtx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *SlackSession) handleSocketEvent(sm *socketmode.Client, evt socketmode.Event) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}
	if evt.Request == nil {
		return
	}
	sm.Ack(*evt.Request)
	apiEvt, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok || apiEvt.Type != slackevents.CallbackEvent || apiEvt.InnerEvent.Type != "message" {
		return
	}
	// slackevents' typed message event carries neither file attachments nor
	// the edited/deleted sub-messages, so re-read the raw payload as
	// slack.Msg, which does.
	var payload struct {
		Event slack.Message `json:"event"`
	}
	if err := json.Unmarshal(evt.Request.Payload, &payload); err != nil {
		slog.Warn("slack event payload parse failed", "account", s.accountID, "error", err)
		return
	}
	s.handleMessage(&payload.Event)
}

func (s *SlackSession) handleMessage(m *slack.Message) {
	switch m.SubType {
	case "", "file_share":
		msg := s.remoteFromMsg(m.Channel, &m.Msg, false)
		if msg != nil {
			s.emit(Event{Kind: EventNewMessage, ChatID: m.Channel, Message: msg})
		}
	case "message_changed":
		if m.SubMessage == nil {
			return
		}
		msg := s.remoteFromMsg(m.Channel, m.SubMessage, true)
		if msg != nil {
			s.emit(Event{Kind: EventEditedMessage, ChatID: m.Channel, Message: msg})
		}
	case "message_deleted":
		if m.DeletedTimestamp == "" {
			return
		}
		s.emit(Event{
			Kind:       EventDeletedMessage,
			ChatID:     m.Channel,
			DeletedIDs: []string{m.DeletedTimestamp},
		})
	}
}

// remoteFromMsg normalizes a slack message onto the session contract. The
// channel is passed in because sub-messages carry an empty one.
func (s *SlackSession) remoteFromMsg(channel string, m *slack.Msg, edited bool) *RemoteMessage {
	if m.Timestamp == "" {
		return nil
	}
	msg := &RemoteMessage{
		ID:         m.Timestamp,
		ChatID:     channel,
		SenderID:   m.User,
		SenderName: s.senderName(m.User),
		Text:       m.Text,
		ReplyToID:  m.ThreadTimestamp,
		TopicID:    m.ThreadTimestamp,
		SentAt:     parseSlackTS(m.Timestamp),
		Edited:     edited,
	}
	if len(m.Files) > 0 {
		f := m.Files[0]
		msg.Media = &MediaInfo{
			Ref:   f.URLPrivateDownload,
			Mime:  f.Mimetype,
			Size:  int64(f.Size),
			Photo: strings.HasPrefix(f.Mimetype, "image/"),
		}
	}
	if msg.Text == "" && msg.Media == nil {
		return nil
	}
	return msg
}

func (s *SlackSession) emit(evt Event) {
	select {
	case <-s.done:
	case s.events <- evt:
	default:
		slog.Warn("slack session event buffer full, dropping event", "account", s.accountID, "chat", evt.ChatID)
	}
}

func (s *SlackSession) ResolveEntity(ctx context.Context, ref Ref) (Entity, error) {
	id := ref.ID
	if ref.Handle != "" {
		id = ref.Handle
	}
	ch, err := s.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: id})
	if err != nil {
		return Entity{}, slackErr(err)
	}
	return slackEntity(ch), nil
}

// ListDialogs pages through every visible conversation. Teacher for the
// pagination shape: conversations.list with cursor + 200-item pages.
func (s *SlackSession) ListDialogs(ctx context.Context) ([]Entity, error) {
	var all []Entity
	cursor := ""
	for {
		chs, next, err := s.api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			Cursor: cursor,
			Limit:  slackHistoryPageSize,
			Types:  []string{"public_channel", "private_channel"},
		})
		if err != nil {
			return nil, slackErr(err)
		}
		for i := range chs {
			all = append(all, slackEntity(&chs[i]))
		}
		cursor = strings.TrimSpace(next)
		if cursor == "" {
			break
		}
	}
	return all, nil
}

// StreamMessages replays history oldest-first from since forward. Slack
// returns pages newest-first, so each request is buffered and walked in
// reverse before delivery.
func (s *SlackSession) StreamMessages(ctx context.Context, entity Entity, since time.Time, fn StreamFunc) error {
	channelID := entity.Handle
	if channelID == "" {
		channelID = entity.ID
	}
	cursor := ""
	for {
		resp, err := s.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
			ChannelID: channelID,
			Cursor:    cursor,
			Limit:     slackHistoryPageSize,
			Oldest:    slackTS(since),
		})
		if err != nil {
			return slackErr(err)
		}
		for i := len(resp.Messages) - 1; i >= 0; i-- {
			m := &resp.Messages[i]
			if m.SubType != "" {
				continue
			}
			msg := s.remoteFromMsg(channelID, &m.Msg, false)
			if msg == nil {
				continue
			}
			if err := fn(msg); err != nil {
				return err
			}
		}
		if !resp.HasMore {
			return nil
		}
		cursor = strings.TrimSpace(resp.ResponseMetaData.NextCursor)
		if cursor == "" {
			return nil
		}
	}
}

func (s *SlackSession) DownloadMedia(ctx context.Context, msg *RemoteMessage) ([]byte, string, error) {
	if msg.Media == nil || msg.Media.Ref == "" {
		return nil, "", errors.New("slack: message has no downloadable media")
	}
	var buf bytes.Buffer
	if err := s.api.GetFile(msg.Media.Ref, &buf); err != nil {
		return nil, "", slackErr(err)
	}
	return buf.Bytes(), msg.Media.Mime, nil
}

func (s *SlackSession) Events() <-chan Event { return s.events }

// Close signals shutdown. The event channel stays open: provider callbacks
// may still be mid-emit, and a send on a closed channel panics. Consumers
// exit on their own context instead of a channel close.
func (s *SlackSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

// senderName resolves a user id to a display name, cached for the lifetime
// of the session. Failures fall back to the raw id.
func (s *SlackSession) senderName(userID string) string {
	if userID == "" || s.api == nil {
		return userID
	}
	s.nameMu.Lock()
	if name, ok := s.names[userID]; ok {
		s.nameMu.Unlock()
		return name
	}
	s.nameMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u, err := s.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return userID
	}
	name := u.Profile.DisplayName
	if name == "" {
		name = u.RealName
	}
	if name == "" {
		name = u.Name
	}
	s.nameMu.Lock()
	s.names[userID] = name
	s.nameMu.Unlock()
	return name
}

func slackEntity(ch *slack.Channel) Entity {
	kind := EntityChat
	if ch.IsChannel {
		kind = EntityChannel
	}
	return Entity{ID: ch.ID, Handle: ch.ID, Kind: kind, Title: ch.Name}
}

// slackErr maps slack-go failures onto the protocol error taxonomy.
func slackErr(err error) error {
	if err == nil {
		return nil
	}
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) && rle != nil {
		return &FloodWaitError{Wait: rle.RetryAfter}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not_in_channel"), strings.Contains(msg, "channel_not_found"):
		return fmt.Errorf("%w: %s", ErrEntityNotResolvable, msg)
	case strings.Contains(msg, "access_denied"), strings.Contains(msg, "restricted_action"), strings.Contains(msg, "missing_scope"):
		return &AccessDeniedError{Reason: msg}
	}
	return err
}

// slackTS renders a time as a Slack message timestamp.
func slackTS(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.Unix(), 10) + ".000000"
}

func parseSlackTS(ts string) time.Time {
	if ts == "" {
		return time.Time{}
	}
	parts := strings.SplitN(ts, ".", 2)
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micro int64
	if len(parts) == 2 {
		if v, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			micro = v
		}
	}
	return time.Unix(sec, micro*1000).UTC()
}
