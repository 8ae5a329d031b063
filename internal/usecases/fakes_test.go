package usecases

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
)

type memLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func newMemLocker() *memLocker { return &memLocker{held: map[string]string{}} }

func (l *memLocker) TryLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[key] = token
	return token, true, nil
}

func (l *memLocker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

type sentMessage struct {
	Kind     string
	Instance string
	To       string
	Text     string
	Buttons  []entities.Button
	Rows     []entities.ListRow
}

// recordingGateway records deliveries and serves canned instance state.
type recordingGateway struct {
	mu      sync.Mutex
	sent    []sentMessage
	sendErr error

	state     string
	stateErr  error
	qr        *entities.QRCode
	phone     string
	created   []string
	loggedOut []string
}

func (g *recordingGateway) record(m sentMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return g.sendErr
	}
	g.sent = append(g.sent, m)
	return nil
}

func (g *recordingGateway) SendText(_ context.Context, instance, to, text string) error {
	return g.record(sentMessage{Kind: "text", Instance: instance, To: to, Text: text})
}

func (g *recordingGateway) SendButtons(_ context.Context, instance, to string, msg entities.ButtonMessage) error {
	return g.record(sentMessage{Kind: "buttons", Instance: instance, To: to, Text: msg.Description, Buttons: msg.Buttons})
}

func (g *recordingGateway) SendList(_ context.Context, instance, to string, msg entities.ListMessage) error {
	var rows []entities.ListRow
	for _, s := range msg.Sections {
		rows = append(rows, s.Rows...)
	}
	return g.record(sentMessage{Kind: "list", Instance: instance, To: to, Text: msg.Description, Rows: rows})
}

func (g *recordingGateway) CreateInstance(_ context.Context, name, _ string) (string, error) {
	g.created = append(g.created, name)
	return "token-" + name, nil
}

func (g *recordingGateway) Connect(context.Context, string) (*entities.QRCode, error) {
	if g.qr == nil {
		return &entities.QRCode{State: entities.StateConnecting, Base64: "data:image/png;base64,QR"}, nil
	}
	return g.qr, nil
}

func (g *recordingGateway) ConnectionState(context.Context, string) (string, error) {
	return g.state, g.stateErr
}

func (g *recordingGateway) Logout(_ context.Context, instance string) error {
	g.loggedOut = append(g.loggedOut, instance)
	return nil
}

func (g *recordingGateway) PhoneNumber(context.Context, string) (string, error) {
	return g.phone, nil
}

func (g *recordingGateway) messages() []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentMessage(nil), g.sent...)
}

func (g *recordingGateway) last() sentMessage {
	msgs := g.messages()
	if len(msgs) == 0 {
		return sentMessage{}
	}
	return msgs[len(msgs)-1]
}

type memFlows struct {
	flows []entities.BotFlow
}

func (m *memFlows) ListFlows(_ context.Context, sellerID string) ([]entities.BotFlow, error) {
	var out []entities.BotFlow
	for _, f := range m.flows {
		if f.SellerID == sellerID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *memFlows) ActiveFlows(ctx context.Context, sellerID string) ([]entities.BotFlow, error) {
	all, _ := m.ListFlows(ctx, sellerID)
	var out []entities.BotFlow
	for _, f := range all {
		if f.IsActive {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *memFlows) GetFlow(_ context.Context, sellerID, id string) (*entities.BotFlow, error) {
	for i := range m.flows {
		if m.flows[i].SellerID == sellerID && m.flows[i].ID == id {
			f := m.flows[i]
			return &f, nil
		}
	}
	return nil, entities.ErrNotFound
}

func (m *memFlows) SaveFlow(_ context.Context, f *entities.BotFlow) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	for i := range m.flows {
		if m.flows[i].ID == f.ID {
			m.flows[i] = *f
			return nil
		}
	}
	m.flows = append(m.flows, *f)
	return nil
}

func (m *memFlows) DeleteFlow(_ context.Context, sellerID, id string) error {
	for i := range m.flows {
		if m.flows[i].SellerID == sellerID && m.flows[i].ID == id {
			m.flows = append(m.flows[:i], m.flows[i+1:]...)
			return nil
		}
	}
	return entities.ErrNotFound
}

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]entities.BotSession
}

func newMemSessions() *memSessions { return &memSessions{sessions: map[string]entities.BotSession{}} }

func (m *memSessions) GetSession(_ context.Context, sellerID, phone string) (*entities.BotSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sellerID+"|"+phone]
	if !ok {
		return nil, entities.ErrNotFound
	}
	vars := make(map[string]string, len(s.Vars))
	for k, v := range s.Vars {
		vars[k] = v
	}
	s.Vars = vars
	return &s, nil
}

func (m *memSessions) SaveSession(_ context.Context, s *entities.BotSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	m.sessions[s.SellerID+"|"+s.Phone] = *s
	return nil
}

func (m *memSessions) DeleteSession(_ context.Context, sellerID, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sellerID+"|"+phone)
	return nil
}

func (m *memSessions) CountSessions(_ context.Context, sellerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.SellerID == sellerID && s.Status != entities.SessionEnded {
			n++
		}
	}
	return n, nil
}

type memSettings struct {
	bySeller map[string]entities.BotSettings
}

func (m *memSettings) GetSettings(_ context.Context, sellerID string) (entities.BotSettings, error) {
	if s, ok := m.bySeller[sellerID]; ok {
		return s, nil
	}
	return entities.DefaultBotSettings(), nil
}

func (m *memSettings) SaveSettings(_ context.Context, sellerID string, s entities.BotSettings) error {
	if m.bySeller == nil {
		m.bySeller = map[string]entities.BotSettings{}
	}
	m.bySeller[sellerID] = s
	return nil
}

type countingUsage struct {
	mu             sync.Mutex
	sent, received int
}

func (u *countingUsage) IncrementSent(context.Context, string) error {
	u.mu.Lock()
	u.sent++
	u.mu.Unlock()
	return nil
}

func (u *countingUsage) IncrementReceived(context.Context, string) error {
	u.mu.Lock()
	u.received++
	u.mu.Unlock()
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *recordingNotifier) Notify(_ context.Context, text string) error {
	n.mu.Lock()
	n.texts = append(n.texts, text)
	n.mu.Unlock()
	return nil
}

type memClientLookup map[string]*entities.Client

func (m memClientLookup) FindByPhone(_ context.Context, _, phone string) (*entities.Client, error) {
	if c, ok := m[phone]; ok {
		return c, nil
	}
	return nil, entities.ErrNotFound
}

type memInstances struct {
	mu        sync.Mutex
	byName    map[string]*entities.WhatsAppInstance
	staleList []entities.WhatsAppInstance
}

func newMemInstances(insts ...entities.WhatsAppInstance) *memInstances {
	m := &memInstances{byName: map[string]*entities.WhatsAppInstance{}}
	for i := range insts {
		inst := insts[i]
		m.byName[inst.InstanceName] = &inst
	}
	return m
}

func (m *memInstances) GetInstance(_ context.Context, sellerID string) (*entities.WhatsAppInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.byName {
		if inst.SellerID == sellerID {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, entities.ErrNotFound
}

func (m *memInstances) GetInstanceByName(_ context.Context, name string) (*entities.WhatsAppInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.byName[name]; ok {
		cp := *inst
		return &cp, nil
	}
	return nil, entities.ErrNotFound
}

func (m *memInstances) UpsertInstance(_ context.Context, inst *entities.WhatsAppInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inst
	m.byName[inst.InstanceName] = &cp
	return nil
}

func (m *memInstances) UpdateStatus(_ context.Context, name string, status entities.InstanceStatus, heartbeat *time.Time) (entities.InstanceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.byName[name]
	if !ok {
		return "", entities.ErrNotFound
	}
	previous := inst.Status
	inst.Status = status
	if heartbeat != nil {
		inst.LastHeartbeatAt = heartbeat
	}
	return previous, nil
}

func (m *memInstances) SetQRCode(_ context.Context, name, qr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.byName[name]; ok {
		inst.QRCode = qr
		return nil
	}
	return entities.ErrNotFound
}

func (m *memInstances) SetPhone(_ context.Context, name, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.byName[name]; ok {
		inst.Phone = phone
		return nil
	}
	return entities.ErrNotFound
}

func (m *memInstances) StaleInstances(context.Context, time.Time) ([]entities.WhatsAppInstance, error) {
	return m.staleList, nil
}

func (m *memInstances) ListConnected(context.Context) ([]entities.WhatsAppInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entities.WhatsAppInstance
	for _, inst := range m.byName {
		if inst.Status == entities.InstanceConnected {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (m *memInstances) status(name string) entities.InstanceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.byName[name]; ok {
		return inst.Status
	}
	return ""
}

type inboundRecorder struct {
	mu   sync.Mutex
	msgs []entities.InboundMessage
	err  error
}

func (r *inboundRecorder) HandleInbound(_ context.Context, msg entities.InboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

// errTransient is returned by fakes that fail on purpose.
var errTransient = errors.New("transient failure")

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
