package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "modernc.org/sqlite"
)

// recentMediaCap bounds the downloadable-message lookup table.
const recentMediaCap = 1024

// WhatsAppSession implements Session over whatsmeow. WhatsApp's multidevice
// protocol only delivers history opportunistically, so StreamMessages
// reports ErrHistoryUnavailable and the engine ingests live events only.
type WhatsAppSession struct {
	accountID string
	dbPath    string
	qrPath    string

	container *sqlstore.Container
	client    *whatsmeow.Client

	events  chan Event
	dropped chan error
	done    chan struct{}

	recentMu sync.Mutex
	recent   map[string]whatsmeow.DownloadableMessage
	order    []string

	closeOnce sync.Once
}

// NewWhatsAppSession creates a disconnected WhatsApp session storing its
// device credentials in dbPath. Pairing QR codes are written next to it.
func NewWhatsAppSession(accountID, dbPath string) *WhatsAppSession {
	return &WhatsAppSession{
		accountID: accountID,
		dbPath:    dbPath,
		qrPath:    filepath.Join(filepath.Dir(dbPath), "whatsapp-qr.png"),
		events:    make(chan Event, 256),
		dropped:   make(chan error, 1),
		done:      make(chan struct{}),
		recent:    make(map[string]whatsmeow.DownloadableMessage),
	}
}

func (s *WhatsAppSession) AccountID() string { return s.accountID }

func (s *WhatsAppSession) Connect(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.dbPath), 0o755); err != nil {
		return fmt.Errorf("whatsapp session dir: %w", err)
	}

	dbLog := waLog.Stdout("Database", "WARN", true)
	container, err := sqlstore.New(ctx, "sqlite", "file:"+s.dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbLog)
	if err != nil {
		return fmt.Errorf("whatsapp device store: %w", err)
	}
	s.container = container

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp device: %w", err)
	}

	s.client = whatsmeow.NewClient(device, waLog.Stdout("Client", "WARN", true))
	s.client.AddEventHandler(s.handleEvent)

	if s.client.Store.ID == nil {
		qrChan, _ := s.client.GetQRChannel(ctx)
		if err := s.client.Connect(); err != nil {
			return fmt.Errorf("whatsapp connect: %w", err)
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, s.qrPath); err == nil {
					slog.Info("whatsapp pairing QR written", "account", s.accountID, "path", s.qrPath)
				}
				continue
			}
			slog.Info("whatsapp pairing event", "account", s.accountID, "event", evt.Event)
		}
		return nil
	}
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp connect: %w", err)
	}
	return nil
}

func (s *WhatsAppSession) GetSelf(ctx context.Context) (Self, error) {
	if s.client == nil || s.client.Store.ID == nil {
		return Self{}, errors.New("whatsapp: not paired")
	}
	return Self{
		ID:          s.client.Store.ID.User,
		DisplayName: s.client.Store.PushName,
	}, nil
}

// RunUntilDisconnected blocks until whatsmeow reports a disconnect or
// logout, or ctx is cancelled.
func (s *WhatsAppSession) RunUntilDisconnected(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.done:
		return nil
	case err := <-s.dropped:
		return err
	}
}

func (s *WhatsAppSession) ResolveEntity(ctx context.Context, ref Ref) (Entity, error) {
	id := ref.ID
	if ref.Handle != "" {
		id = ref.Handle
	}
	jid, err := types.ParseJID(id)
	if err != nil {
		return Entity{}, fmt.Errorf("%w: bad jid %q: %v", ErrEntityNotResolvable, id, err)
	}
	return Entity{ID: jid.String(), Handle: jid.String(), Kind: EntityChat}, nil
}

func (s *WhatsAppSession) ListDialogs(ctx context.Context) ([]Entity, error) {
	groups, err := s.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("whatsapp joined groups: %w", err)
	}
	out := make([]Entity, 0, len(groups))
	for _, g := range groups {
		out = append(out, Entity{
			ID:     g.JID.String(),
			Handle: g.JID.String(),
			Kind:   EntityChat,
			Title:  g.Name,
		})
	}
	return out, nil
}

func (s *WhatsAppSession) StreamMessages(ctx context.Context, entity Entity, since time.Time, fn StreamFunc) error {
	return ErrHistoryUnavailable
}

func (s *WhatsAppSession) DownloadMedia(ctx context.Context, msg *RemoteMessage) ([]byte, string, error) {
	if msg.Media == nil || msg.Media.Ref == "" {
		return nil, "", errors.New("whatsapp: message has no downloadable media")
	}
	s.recentMu.Lock()
	d, ok := s.recent[msg.Media.Ref]
	s.recentMu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("whatsapp: media for message %s no longer available", msg.Media.Ref)
	}
	data, err := s.client.Download(ctx, d)
	if err != nil {
		return nil, "", fmt.Errorf("whatsapp download: %w", err)
	}
	return data, msg.Media.Mime, nil
}

func (s *WhatsAppSession) Events() <-chan Event { return s.events }

// Close disconnects and signals shutdown. The event channel is left open so
// whatsmeow handler goroutines mid-emit cannot hit a closed-channel send;
// consumers exit on their own context.
func (s *WhatsAppSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.client != nil {
			s.client.Disconnect()
		}
		if s.container != nil {
			s.container.Close()
		}
	})
	return nil
}

func (s *WhatsAppSession) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleMessage(v)
	case *events.Disconnected:
		s.reportDrop(errors.New("whatsapp: disconnected"))
	case *events.LoggedOut:
		s.reportDrop(errors.New("whatsapp: logged out"))
	}
}

func (s *WhatsAppSession) reportDrop(err error) {
	select {
	case s.dropped <- err:
	default:
	}
}

func (s *WhatsAppSession) handleMessage(v *events.Message) {
	if v.Info.Chat.Server != types.GroupServer {
		return
	}
	chatID := v.Info.Chat.String()

	if pm := v.Message.GetProtocolMessage(); pm != nil {
		switch pm.GetType() {
		case waE2E.ProtocolMessage_REVOKE:
			if id := pm.GetKey().GetID(); id != "" {
				s.emit(Event{Kind: EventDeletedMessage, ChatID: chatID, DeletedIDs: []string{id}})
			}
		case waE2E.ProtocolMessage_MESSAGE_EDIT:
			id := pm.GetKey().GetID()
			edited := pm.GetEditedMessage()
			if id == "" || edited == nil {
				return
			}
			text := edited.GetConversation()
			if text == "" {
				text = edited.GetExtendedTextMessage().GetText()
			}
			s.emit(Event{Kind: EventEditedMessage, ChatID: chatID, Message: &RemoteMessage{
				ID:         id,
				ChatID:     chatID,
				SenderID:   v.Info.Sender.User,
				SenderName: v.Info.PushName,
				Text:       text,
				SentAt:     v.Info.Timestamp,
				Edited:     true,
			}})
		}
		return
	}

	msg := &RemoteMessage{
		ID:         v.Info.ID,
		ChatID:     chatID,
		SenderID:   v.Info.Sender.User,
		SenderName: v.Info.PushName,
		SentAt:     v.Info.Timestamp,
	}

	switch {
	case v.Message.GetConversation() != "":
		msg.Text = v.Message.GetConversation()
	case v.Message.GetExtendedTextMessage().GetText() != "":
		msg.Text = v.Message.GetExtendedTextMessage().GetText()
	case v.Message.GetImageMessage() != nil:
		img := v.Message.GetImageMessage()
		msg.Text = img.GetCaption()
		msg.Media = &MediaInfo{
			Ref:   v.Info.ID,
			Mime:  img.GetMimetype(),
			Size:  int64(img.GetFileLength()),
			Photo: true,
		}
		s.remember(v.Info.ID, img)
	case v.Message.GetVideoMessage() != nil:
		vid := v.Message.GetVideoMessage()
		msg.Text = vid.GetCaption()
		msg.Media = &MediaInfo{
			Ref:  v.Info.ID,
			Mime: vid.GetMimetype(),
			Size: int64(vid.GetFileLength()),
		}
		s.remember(v.Info.ID, vid)
	case v.Message.GetAudioMessage() != nil:
		audio := v.Message.GetAudioMessage()
		msg.Media = &MediaInfo{
			Ref:   v.Info.ID,
			Mime:  audio.GetMimetype(),
			Size:  int64(audio.GetFileLength()),
			Voice: audio.GetPTT(),
		}
		s.remember(v.Info.ID, audio)
	case v.Message.GetStickerMessage() != nil:
		sticker := v.Message.GetStickerMessage()
		msg.Media = &MediaInfo{
			Ref:     v.Info.ID,
			Mime:    sticker.GetMimetype(),
			Size:    int64(sticker.GetFileLength()),
			Sticker: true,
		}
		s.remember(v.Info.ID, sticker)
	case v.Message.GetDocumentMessage() != nil:
		doc := v.Message.GetDocumentMessage()
		msg.Text = doc.GetTitle()
		msg.Media = &MediaInfo{
			Ref:  v.Info.ID,
			Mime: doc.GetMimetype(),
			Size: int64(doc.GetFileLength()),
		}
		s.remember(v.Info.ID, doc)
	default:
		return
	}

	if msg.Text == "" && msg.Media == nil {
		return
	}
	s.emit(Event{Kind: EventNewMessage, ChatID: chatID, Message: msg})
}

// remember keeps the downloadable payload around so DownloadMedia can fetch
// it after the event has been normalized. FIFO-capped.
func (s *WhatsAppSession) remember(id string, d whatsmeow.DownloadableMessage) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	if _, ok := s.recent[id]; !ok {
		s.order = append(s.order, id)
	}
	s.recent[id] = d
	for len(s.order) > recentMediaCap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.recent, oldest)
	}
}

func (s *WhatsAppSession) emit(evt Event) {
	select {
	case <-s.done:
	case s.events <- evt:
	default:
		slog.Warn("whatsapp session event buffer full, dropping event", "account", s.accountID, "chat", evt.ChatID)
	}
}
