package infrastructure

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
)

// Normalised webhook event names. Evolution sends "messages.upsert" in v2
// and "MESSAGES_UPSERT" in v1.
const (
	EventMessagesUpsert   = "messages.upsert"
	EventConnectionUpdate = "connection.update"
	EventQRCodeUpdated    = "qrcode.updated"
)

// WebhookEvent is a decoded Evolution webhook call.
type WebhookEvent struct {
	Event    string
	Instance string
	Messages []entities.InboundMessage
	State    string // connection.update
	QRCode   string // qrcode.updated, base64 data URI
}

type evoKey struct {
	RemoteJID   string `mapstructure:"remoteJid"`
	FromMe      bool   `mapstructure:"fromMe"`
	ID          string `mapstructure:"id"`
	Participant string `mapstructure:"participant"`
}

type evoMessage struct {
	Conversation        string `mapstructure:"conversation"`
	ExtendedTextMessage struct {
		Text string `mapstructure:"text"`
	} `mapstructure:"extendedTextMessage"`
	ButtonsResponseMessage struct {
		SelectedButtonID    string `mapstructure:"selectedButtonId"`
		SelectedDisplayText string `mapstructure:"selectedDisplayText"`
	} `mapstructure:"buttonsResponseMessage"`
	ListResponseMessage struct {
		Title             string `mapstructure:"title"`
		SingleSelectReply struct {
			SelectedRowID string `mapstructure:"selectedRowId"`
		} `mapstructure:"singleSelectReply"`
	} `mapstructure:"listResponseMessage"`
	TemplateButtonReplyMessage struct {
		SelectedID          string `mapstructure:"selectedId"`
		SelectedDisplayText string `mapstructure:"selectedDisplayText"`
	} `mapstructure:"templateButtonReplyMessage"`
	ImageMessage struct {
		Caption string `mapstructure:"caption"`
	} `mapstructure:"imageMessage"`
}

type evoUpsert struct {
	Key              evoKey     `mapstructure:"key"`
	PushName         string     `mapstructure:"pushName"`
	Message          evoMessage `mapstructure:"message"`
	MessageTimestamp any        `mapstructure:"messageTimestamp"`
}

type evoConnection struct {
	State      string `mapstructure:"state"`
	Connection string `mapstructure:"connection"`
}

type evoQRCode struct {
	QRCode struct {
		Base64 string `mapstructure:"base64"`
		Code   string `mapstructure:"code"`
	} `mapstructure:"qrcode"`
	Base64 string `mapstructure:"base64"`
}

// ParseEvolutionWebhook decodes an Evolution webhook body that has already
// been unmarshalled into a generic map. Unknown events come back with no
// messages and no state.
func ParseEvolutionWebhook(body map[string]any) (*WebhookEvent, error) {
	ev := &WebhookEvent{
		Event:    normalizeEventName(stringField(body, "event")),
		Instance: stringField(body, "instance"),
	}
	if ev.Instance == "" {
		// v1 sends {"instance": {"instanceName": "..."}} on some events.
		if inst, ok := body["instance"].(map[string]any); ok {
			ev.Instance = stringField(inst, "instanceName")
		}
	}

	data := body["data"]
	switch ev.Event {
	case EventMessagesUpsert:
		items, err := decodeUpserts(data)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			msg, ok := inboundFromUpsert(item)
			if !ok {
				continue
			}
			msg.Instance = ev.Instance
			ev.Messages = append(ev.Messages, msg)
		}

	case EventConnectionUpdate:
		var conn evoConnection
		if err := weakDecode(data, &conn); err != nil {
			return nil, fmt.Errorf("decode connection.update: %w", err)
		}
		ev.State = conn.State
		if ev.State == "" {
			ev.State = conn.Connection
		}

	case EventQRCodeUpdated:
		var qr evoQRCode
		if err := weakDecode(data, &qr); err != nil {
			return nil, fmt.Errorf("decode qrcode.updated: %w", err)
		}
		ev.QRCode = qr.QRCode.Base64
		if ev.QRCode == "" {
			ev.QRCode = qr.Base64
		}
		if ev.QRCode == "" && qr.QRCode.Code != "" {
			png, err := RenderQRPNG(qr.QRCode.Code)
			if err != nil {
				return nil, err
			}
			ev.QRCode = png
		}
	}
	return ev, nil
}

func decodeUpserts(data any) ([]evoUpsert, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]evoUpsert, 0, len(v))
		for _, raw := range v {
			var item evoUpsert
			if err := weakDecode(raw, &item); err != nil {
				return nil, fmt.Errorf("decode messages.upsert item: %w", err)
			}
			out = append(out, item)
		}
		return out, nil
	case map[string]any:
		// Some releases wrap the list as {"messages": [...]}.
		if nested, ok := v["messages"]; ok {
			return decodeUpserts(nested)
		}
		var item evoUpsert
		if err := weakDecode(v, &item); err != nil {
			return nil, fmt.Errorf("decode messages.upsert: %w", err)
		}
		return []evoUpsert{item}, nil
	default:
		return nil, fmt.Errorf("decode messages.upsert: unexpected data type %T", data)
	}
}

func inboundFromUpsert(u evoUpsert) (entities.InboundMessage, bool) {
	if u.Key.RemoteJID == "" {
		return entities.InboundMessage{}, false
	}

	m := u.Message
	var text, replyID string
	switch {
	case m.ButtonsResponseMessage.SelectedButtonID != "":
		replyID = m.ButtonsResponseMessage.SelectedButtonID
		text = m.ButtonsResponseMessage.SelectedDisplayText
	case m.ListResponseMessage.SingleSelectReply.SelectedRowID != "":
		replyID = m.ListResponseMessage.SingleSelectReply.SelectedRowID
		text = m.ListResponseMessage.Title
	case m.TemplateButtonReplyMessage.SelectedID != "":
		replyID = m.TemplateButtonReplyMessage.SelectedID
		text = m.TemplateButtonReplyMessage.SelectedDisplayText
	case m.Conversation != "":
		text = m.Conversation
	case m.ExtendedTextMessage.Text != "":
		text = m.ExtendedTextMessage.Text
	default:
		text = m.ImageMessage.Caption
	}
	if text == "" {
		text = replyID
	}

	received := time.Now()
	if sec := unixSeconds(u.MessageTimestamp); sec > 0 {
		received = time.Unix(sec, 0)
	}

	jid := u.Key.RemoteJID
	return entities.InboundMessage{
		ID:         u.Key.ID,
		From:       entities.NormalizePhone(jid),
		PushName:   u.PushName,
		Text:       strings.TrimSpace(text),
		ReplyID:    replyID,
		FromMe:     u.Key.FromMe,
		IsGroup:    strings.HasSuffix(jid, "@g.us") || strings.HasSuffix(jid, "@broadcast"),
		ReceivedAt: received,
	}, true
}

// unixSeconds reads a message timestamp sent as a number, a numeric string,
// or the protobuf Long object ({"low", "high", "unsigned"}) that Baileys
// builds forward. Anything else is 0.
func unixSeconds(v any) int64 {
	if long, ok := v.(map[string]any); ok {
		low := cast.ToInt64(long["low"])
		high := cast.ToInt64(long["high"])
		return high<<32 | int64(uint32(low))
	}
	sec, err := cast.ToInt64E(v)
	if err != nil {
		return 0
	}
	return sec
}

func weakDecode(input, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

func normalizeEventName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", "."))
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
