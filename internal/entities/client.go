package entities

import (
	"math"
	"time"
)

type Server struct {
	ID          string    `json:"id"`
	SellerID    string    `json:"seller_id"`
	Name        string    `json:"name"`
	PanelURL    string    `json:"panel_url"`
	MonthlyCost float64   `json:"monthly_cost"`
	IsActive    bool      `json:"is_active"`
	Notes       string    `json:"notes"`
	CreatedAt   time.Time `json:"created_at"`
}

type Plan struct {
	ID           string    `json:"id" csv:"id"`
	SellerID     string    `json:"seller_id" csv:"-"`
	Name         string    `json:"name" csv:"name"`
	DurationDays int       `json:"duration_days" csv:"duration_days"`
	Price        float64   `json:"price" csv:"price"`
	Screens      int       `json:"screens" csv:"screens"`
	IsActive     bool      `json:"is_active" csv:"is_active"`
	CreatedAt    time.Time `json:"created_at" csv:"-"`
}

type ClientStatus string

const (
	ClientActive   ClientStatus = "active"
	ClientExpiring ClientStatus = "expiring"
	ClientExpired  ClientStatus = "expired"
)

// ExpiringWindowDays is how close to expiration a client counts as expiring.
const ExpiringWindowDays = 7

type Client struct {
	ID             string      `json:"id"`
	SellerID       string      `json:"seller_id"`
	Name           string      `json:"name"`
	Phone          string      `json:"phone"`
	Email          string      `json:"email"`
	LoginEnc       string      `json:"-"`
	PasswordEnc    string      `json:"-"`
	ServerID       *string     `json:"server_id,omitempty"`
	PlanID         *string     `json:"plan_id,omitempty"`
	PlanName       string      `json:"plan_name"`
	Price          float64     `json:"price"`
	ExpirationDate time.Time   `json:"expiration_date"`
	IsPaid         bool        `json:"is_paid"`
	Device         string      `json:"device"`
	Notes          string      `json:"notes"`
	Archived       bool        `json:"archived"`
	Apps           []ClientApp `json:"apps,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// DaysLeft counts whole calendar days from now until the expiration date,
// both taken in now's location.
func (c *Client) DaysLeft(now time.Time) int {
	return DaysBetween(now, c.ExpirationDate)
}

func (c *Client) Status(now time.Time) ClientStatus {
	days := c.DaysLeft(now)
	switch {
	case days < 0:
		return ClientExpired
	case days <= ExpiringWindowDays:
		return ClientExpiring
	default:
		return ClientActive
	}
}

type ClientApp struct {
	ID             string     `json:"id"`
	ClientID       string     `json:"client_id"`
	SellerID       string     `json:"seller_id"`
	AppName        string     `json:"app_name"`
	MACAddress     string     `json:"mac_address"`
	DeviceKeyEnc   string     `json:"-"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ClientInput is the payload of an atomic client save. Login, Password and
// app device keys arrive in clear text and are encrypted before storage.
type ClientInput struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Phone          string           `json:"phone"`
	Email          string           `json:"email"`
	Login          string           `json:"login"`
	Password       string           `json:"password"`
	ServerID       string           `json:"server_id"`
	PlanID         string           `json:"plan_id"`
	Price          *float64         `json:"price"`
	ExpirationDate string           `json:"expiration_date"` // YYYY-MM-DD
	IsPaid         bool             `json:"is_paid"`
	Device         string           `json:"device"`
	Notes          string           `json:"notes"`
	Apps           []ClientAppInput `json:"apps"`
}

type ClientAppInput struct {
	AppName        string `json:"app_name"`
	MACAddress     string `json:"mac_address"`
	DeviceKey      string `json:"device_key"`
	ExpirationDate string `json:"expiration_date"`
}

type ClientFilter struct {
	Status   ClientStatus
	Search   string
	Archived bool
	Limit    int
	Offset   int
}

// ClientCredentials is the decrypted view of a client's panel access.
type ClientCredentials struct {
	ClientID string            `json:"client_id"`
	Login    string            `json:"login"`
	Password string            `json:"password"`
	AppKeys  map[string]string `json:"app_keys,omitempty"`
}

// ClientCSV is the export row of a client list.
type ClientCSV struct {
	Name           string  `csv:"name"`
	Phone          string  `csv:"phone"`
	Email          string  `csv:"email"`
	Plan           string  `csv:"plan"`
	Price          float64 `csv:"price"`
	ExpirationDate string  `csv:"expiration_date"`
	Status         string  `csv:"status"`
	Paid           bool    `csv:"paid"`
}

type Payment struct {
	ID       string    `json:"id"`
	SellerID string    `json:"seller_id"`
	ClientID *string   `json:"client_id,omitempty"`
	Amount   float64   `json:"amount"`
	Months   int       `json:"months"`
	Method   string    `json:"method"`
	Notes    string    `json:"notes"`
	PaidAt   time.Time `json:"paid_at"`
}

type BillingSummary struct {
	ActiveClients    int     `json:"active_clients"`
	ExpiringClients  int     `json:"expiring_clients"`
	ExpiredClients   int     `json:"expired_clients"`
	RevenueThisMonth float64 `json:"revenue_this_month"`
	ProjectedMonthly float64 `json:"projected_monthly"`
	ServerCosts      float64 `json:"server_costs"`
	Profit           float64 `json:"profit"`
}

// DaysBetween counts calendar days from now to the date part of day. The
// date part of day is read as-is, so DATE columns scanned as UTC midnight
// do not shift when now is in another zone.
func DaysBetween(now, day time.Time) int {
	today := DateOf(now)
	y, m, d := day.Date()
	target := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return int(math.Round(target.Sub(today).Hours() / 24))
}

// DateOf truncates t to midnight in its own location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
