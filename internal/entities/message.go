package entities

import "time"

// InboundMessage is a normalised incoming WhatsApp message, independent of
// the gateway that delivered it.
type InboundMessage struct {
	ID         string    `json:"id"`
	SellerID   string    `json:"seller_id"`
	Instance   string    `json:"instance"`
	From       string    `json:"from"` // digits only
	PushName   string    `json:"push_name"`
	Text       string    `json:"text"`
	ReplyID    string    `json:"reply_id,omitempty"` // button id or list row id
	FromMe     bool      `json:"from_me"`
	IsGroup    bool      `json:"is_group"`
	ReceivedAt time.Time `json:"received_at"`
}

type Button struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type ButtonMessage struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Footer      string   `json:"footer"`
	Buttons     []Button `json:"buttons"`
}

type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

type ListMessage struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Footer      string        `json:"footer"`
	ButtonText  string        `json:"button_text"`
	Sections    []ListSection `json:"sections"`
}

type DailyUsage struct {
	Date             time.Time `json:"date"`
	MessagesSent     int       `json:"messages_sent"`
	MessagesReceived int       `json:"messages_received"`
}
