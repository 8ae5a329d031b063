package infrastructure

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/logger"
)

// WhatsAppManager runs one whatsmeow device per instance and exposes them
// through the same gateway port as the Evolution client. Buttons and lists
// are sent as numbered text.
type WhatsAppManager struct {
	clients  map[string]*WhatsAppClient
	mu       sync.RWMutex
	baseDir  string
	logLevel string
	limiter  *MessageRateLimiter
	log      *logrus.Entry

	// OnMessage receives every inbound message of every instance.
	OnMessage func(ctx context.Context, msg entities.InboundMessage)
	// OnState receives connection changes ("open" or "close").
	OnState func(ctx context.Context, instance, state string)
}

func NewWhatsAppManager(baseDir string, limiter *MessageRateLimiter) *WhatsAppManager {
	log := logger.Component("whatsmeow")
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		log.Warnf("could not create devices directory: %v", err)
	}

	level := "INFO"
	if logger.L().IsLevelEnabled(logrus.DebugLevel) {
		level = "DEBUG"
	}

	return &WhatsAppManager{
		clients:  make(map[string]*WhatsAppClient),
		baseDir:  baseDir,
		logLevel: level,
		limiter:  limiter,
		log:      log,
	}
}

func (m *WhatsAppManager) dbPath(instance string) string {
	return filepath.Join(m.baseDir, instance+".db")
}

// GetClient returns existing client for instance (nil if not exists)
func (m *WhatsAppManager) GetClient(instance string) *WhatsAppClient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[instance]
}

func (m *WhatsAppManager) getOrCreate(ctx context.Context, instance string) (*WhatsAppClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if client, ok := m.clients[instance]; ok {
		return client, nil
	}

	client, err := NewWhatsAppClient(ctx, m.dbPath(instance), instance, m.logLevel)
	if err != nil {
		return nil, fmt.Errorf("create whatsapp client %s: %w", instance, err)
	}
	client.AddHandler(m.handler(instance))
	m.clients[instance] = client
	return client, nil
}

func (m *WhatsAppManager) handler(instance string) func(interface{}) {
	return func(evt interface{}) {
		ctx := context.Background()
		switch v := evt.(type) {
		case *events.Message:
			if m.OnMessage != nil {
				m.OnMessage(ctx, ParseMessage(instance, v))
			}
		case *events.Connected:
			m.notifyState(ctx, instance, entities.StateOpen)
		case *events.LoggedOut, *events.Disconnected:
			m.notifyState(ctx, instance, entities.StateClose)
		}
	}
}

func (m *WhatsAppManager) notifyState(ctx context.Context, instance, state string) {
	m.log.WithFields(logrus.Fields{"instance": instance, "state": state}).Info("connection changed")
	if m.OnState != nil {
		m.OnState(ctx, instance, state)
	}
}

// CreateInstance prepares the device store. whatsmeow has no instance token.
func (m *WhatsAppManager) CreateInstance(ctx context.Context, name, _ string) (string, error) {
	_, err := m.getOrCreate(ctx, name)
	return "", err
}

// Connect connects the device and returns the current QR code while pairing.
func (m *WhatsAppManager) Connect(ctx context.Context, instance string) (*entities.QRCode, error) {
	client, err := m.getOrCreate(ctx, instance)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect whatsapp %s: %w", instance, err)
	}

	qr := &entities.QRCode{State: client.State()}
	if code := client.GetQR(); code != "" {
		png, err := RenderQRPNG(code)
		if err != nil {
			return nil, err
		}
		qr.Code = code
		qr.Base64 = png
	}
	return qr, nil
}

// PhoneNumber returns the number paired with the instance's device.
func (m *WhatsAppManager) PhoneNumber(_ context.Context, instance string) (string, error) {
	client := m.GetClient(instance)
	if client == nil {
		return "", nil
	}
	return client.GetPhoneNumber(), nil
}

func (m *WhatsAppManager) ConnectionState(_ context.Context, instance string) (string, error) {
	client := m.GetClient(instance)
	if client == nil {
		return entities.StateClose, nil
	}
	return client.State(), nil
}

// Logout unpairs the device. Unknown instances count as logged out.
func (m *WhatsAppManager) Logout(ctx context.Context, instance string) error {
	m.mu.Lock()
	client, ok := m.clients[instance]
	delete(m.clients, instance)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	err := client.Logout(ctx)
	client.Disconnect()
	return err
}

func (m *WhatsAppManager) connected(instance string) (*WhatsAppClient, error) {
	client := m.GetClient(instance)
	if client == nil || !client.IsConnected() {
		return nil, fmt.Errorf("%w: %s", entities.ErrGatewayUnavailable, instance)
	}
	return client, nil
}

func (m *WhatsAppManager) SendText(ctx context.Context, instance, to, text string) error {
	client, err := m.connected(instance)
	if err != nil {
		return err
	}
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx, instance); err != nil {
			return err
		}
	}
	return client.SendMessage(ctx, to, text)
}

func (m *WhatsAppManager) SendButtons(ctx context.Context, instance, to string, msg entities.ButtonMessage) error {
	return m.SendText(ctx, instance, to, RenderButtonsText(msg))
}

func (m *WhatsAppManager) SendList(ctx context.Context, instance, to string, msg entities.ListMessage) error {
	return m.SendText(ctx, instance, to, RenderListText(msg))
}

// RestoreSessions reconnects every paired device found in the base directory.
func (m *WhatsAppManager) RestoreSessions(ctx context.Context) int {
	paths, err := filepath.Glob(filepath.Join(m.baseDir, "*.db"))
	if err != nil {
		return 0
	}

	restored := 0
	for _, p := range paths {
		instance := strings.TrimSuffix(filepath.Base(p), ".db")
		client, err := m.getOrCreate(ctx, instance)
		if err != nil {
			m.log.WithField("instance", instance).Warn(err.Error())
			continue
		}
		if !client.IsLoggedIn() {
			continue
		}
		if err := client.Connect(ctx); err != nil {
			m.log.WithField("instance", instance).Warnf("reconnect failed: %v", err)
			continue
		}
		restored++
	}
	return restored
}

// DisconnectAll disconnects all clients (for graceful shutdown)
func (m *WhatsAppManager) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, client := range m.clients {
		client.Disconnect()
	}
	m.clients = make(map[string]*WhatsAppClient)
}
