package entities

import "time"

type InstanceStatus string

const (
	InstanceConnected    InstanceStatus = "connected"
	InstanceConnecting   InstanceStatus = "connecting"
	InstanceDisconnected InstanceStatus = "disconnected"
)

type WhatsAppInstance struct {
	SellerID        string         `json:"seller_id"`
	InstanceName    string         `json:"instance_name"`
	InstanceToken   string         `json:"-"`
	Status          InstanceStatus `json:"status"`
	Phone           string         `json:"phone"`
	QRCode          string         `json:"-"`
	LastHeartbeatAt *time.Time     `json:"last_heartbeat_at,omitempty"`
	ConnectedAt     *time.Time     `json:"connected_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// QRCode is the pairing state returned when connecting an instance. Base64
// holds a PNG data URI.
type QRCode struct {
	State       string `json:"state,omitempty"`
	Code        string `json:"code,omitempty"`
	Base64      string `json:"base64,omitempty"`
	PairingCode string `json:"pairing_code,omitempty"`
}

// Connection states reported by gateways.
const (
	StateOpen       = "open"
	StateConnecting = "connecting"
	StateClose      = "close"
)

// InstanceStatusFromState maps a gateway connection state to the stored status.
func InstanceStatusFromState(state string) InstanceStatus {
	switch state {
	case StateOpen, "connected":
		return InstanceConnected
	case StateConnecting, "qr", "pairing":
		return InstanceConnecting
	default:
		return InstanceDisconnected
	}
}
