package infrastructure

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// WhatsAppClient is one paired WhatsApp device, stored in its own SQLite file.
type WhatsAppClient struct {
	Client   *whatsmeow.Client
	Instance string

	qrCode string
	qrLock sync.RWMutex
}

func NewWhatsAppClient(ctx context.Context, dbPath, instance, logLevel string) (*WhatsAppClient, error) {
	dbLog := waLog.Stdout("Database", logLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)", dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	clientLog := waLog.Stdout("Client", logLevel, true)
	return &WhatsAppClient{
		Client:   whatsmeow.NewClient(deviceStore, clientLog),
		Instance: instance,
	}, nil
}

// Connect opens the websocket. A device without a stored ID starts pairing
// and the latest QR code becomes available through GetQR.
func (w *WhatsAppClient) Connect(ctx context.Context) error {
	if w.Client.IsConnected() {
		return nil
	}
	if w.Client.Store.ID != nil {
		return w.Client.Connect()
	}

	qrChan, err := w.Client.GetQRChannel(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("qr channel: %w", err)
	}
	if err := w.Client.Connect(); err != nil {
		return err
	}
	go w.watchQR(qrChan)
	return nil
}

func (w *WhatsAppClient) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		w.qrLock.Lock()
		if evt.Event == "code" {
			w.qrCode = evt.Code
		} else {
			w.qrCode = ""
		}
		w.qrLock.Unlock()
	}
}

func (w *WhatsAppClient) GetQR() string {
	w.qrLock.RLock()
	defer w.qrLock.RUnlock()
	return w.qrCode
}

func (w *WhatsAppClient) IsLoggedIn() bool {
	return w.Client.Store.ID != nil
}

// IsConnected returns true if client is connected and logged in
func (w *WhatsAppClient) IsConnected() bool {
	return w.Client.IsConnected() && w.Client.Store.ID != nil
}

// State reports the connection in gateway terms.
func (w *WhatsAppClient) State() string {
	switch {
	case w.IsConnected():
		return entities.StateOpen
	case w.Client.IsConnected():
		return entities.StateConnecting
	default:
		return entities.StateClose
	}
}

// GetPhoneNumber returns the connected phone number
func (w *WhatsAppClient) GetPhoneNumber() string {
	if w.Client.Store.ID == nil {
		return ""
	}
	return w.Client.Store.ID.User
}

func (w *WhatsAppClient) Logout(ctx context.Context) error {
	w.qrLock.Lock()
	w.qrCode = ""
	w.qrLock.Unlock()

	if w.Client.Store.ID == nil {
		w.Client.Disconnect()
		return nil
	}
	return w.Client.Logout(ctx)
}

func (w *WhatsAppClient) Disconnect() {
	w.Client.Disconnect()
}

func (w *WhatsAppClient) AddHandler(handler func(interface{})) {
	w.Client.AddEventHandler(handler)
}

func (w *WhatsAppClient) SendMessage(ctx context.Context, to string, content string) error {
	number := entities.NormalizePhone(to)
	if number == "" {
		return fmt.Errorf("invalid number %q", to)
	}
	jid, err := types.ParseJID(number + "@s.whatsapp.net")
	if err != nil {
		return fmt.Errorf("invalid number format: %w", err)
	}

	w.SendPresence(ctx, jid)
	_, err = w.Client.SendMessage(ctx, jid, &waProto.Message{
		Conversation: &content,
	})
	return err
}

// SendPresence shows the typing indicator before a reply.
func (w *WhatsAppClient) SendPresence(ctx context.Context, jid types.JID) {
	_ = w.Client.SendPresence(ctx, types.PresenceAvailable)
	_ = w.Client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// ParseMessage converts a whatsmeow message event into an InboundMessage.
func ParseMessage(instance string, evt *events.Message) entities.InboundMessage {
	m := evt.Message
	var text, replyID string
	switch {
	case m.GetButtonsResponseMessage().GetSelectedButtonID() != "":
		replyID = m.GetButtonsResponseMessage().GetSelectedButtonID()
		text = m.GetButtonsResponseMessage().GetSelectedDisplayText()
	case m.GetListResponseMessage().GetSingleSelectReply().GetSelectedRowID() != "":
		replyID = m.GetListResponseMessage().GetSingleSelectReply().GetSelectedRowID()
		text = m.GetListResponseMessage().GetTitle()
	case m.GetConversation() != "":
		text = m.GetConversation()
	default:
		text = m.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		text = replyID
	}

	received := evt.Info.Timestamp
	if received.IsZero() {
		received = time.Now()
	}

	return entities.InboundMessage{
		ID:         string(evt.Info.ID),
		Instance:   instance,
		From:       entities.NormalizePhone(evt.Info.Sender.User),
		PushName:   evt.Info.PushName,
		Text:       strings.TrimSpace(text),
		ReplyID:    replyID,
		FromMe:     evt.Info.IsFromMe,
		IsGroup:    evt.Info.IsGroup,
		ReceivedAt: received,
	}
}
