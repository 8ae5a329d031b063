package entities

import "time"

type NodeType string

const (
	NodeMessage  NodeType = "message"
	NodeButtons  NodeType = "buttons"
	NodeList     NodeType = "list"
	NodeInput    NodeType = "input"
	NodeTransfer NodeType = "transfer"
	NodeEnd      NodeType = "end"
)

type BotOption struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	Description string   `json:"description,omitempty"`
	Next        string   `json:"next"`
	Keywords    []string `json:"keywords,omitempty"`
}

type BotNode struct {
	ID         string      `json:"id"`
	Type       NodeType    `json:"type"`
	Title      string      `json:"title,omitempty"`
	Text       string      `json:"text"`
	Footer     string      `json:"footer,omitempty"`
	ButtonText string      `json:"button_text,omitempty"`
	Options    []BotOption `json:"options,omitempty"`
	Next       string      `json:"next,omitempty"`
	InputVar   string      `json:"input_var,omitempty"`
}

type BotFlow struct {
	ID              string    `json:"id"`
	SellerID        string    `json:"seller_id"`
	Name            string    `json:"name"`
	TriggerKeywords []string  `json:"trigger_keywords"`
	IsDefault       bool      `json:"is_default"`
	IsActive        bool      `json:"is_active"`
	StartNode       string    `json:"start_node"`
	Nodes           []BotNode `json:"nodes"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Node looks up a node by id.
func (f *BotFlow) Node(id string) (*BotNode, bool) {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i], true
		}
	}
	return nil, false
}

type SessionStatus string

const (
	SessionActive        SessionStatus = "active"
	SessionAwaitingInput SessionStatus = "awaiting_input"
	SessionHuman         SessionStatus = "human"
	SessionEnded         SessionStatus = "ended"
)

type BotSession struct {
	ID              string            `json:"id"`
	SellerID        string            `json:"seller_id"`
	Phone           string            `json:"phone"`
	FlowID          string            `json:"flow_id"`
	CurrentNode     string            `json:"current_node"`
	Status          SessionStatus     `json:"status"`
	Vars            map[string]string `json:"vars"`
	InvalidAttempts int               `json:"invalid_attempts"`
	LastInteraction time.Time         `json:"last_interaction"`
	CreatedAt       time.Time         `json:"created_at"`
}

// BotSettings are the per-seller switches of the bot engine and reminders.
type BotSettings struct {
	Enabled          bool     `json:"enabled"`
	SessionTimeout   int      `json:"session_timeout_minutes"`
	HumanTimeout     int      `json:"human_timeout_minutes"`
	IgnoreNumbers    []string `json:"ignore_numbers"`
	ReminderEnabled  bool     `json:"reminder_enabled"`
	ReminderOffsets  []int    `json:"reminder_offsets"`
	ReminderTemplate string   `json:"reminder_template"`
	InvalidOption    string   `json:"invalid_option_message"`
}

func DefaultBotSettings() BotSettings {
	return BotSettings{
		Enabled:         true,
		SessionTimeout:  30,
		HumanTimeout:    60,
		IgnoreNumbers:   []string{},
		ReminderEnabled: false,
		ReminderOffsets: []int{3, 1, 0, -1},
		ReminderTemplate: "Olá {nome}! Seu plano {plano} vence em {vencimento} " +
			"({dias_restantes} dias). Valor para renovação: R$ {valor}.",
		InvalidOption: "Opção inválida, tente novamente.",
	}
}
