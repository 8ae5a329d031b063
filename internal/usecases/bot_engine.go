package usecases

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/interfaces"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/logger"
)

// BotSessionStore persists one conversation per (seller, phone).
type BotSessionStore interface {
	GetSession(ctx context.Context, sellerID, phone string) (*entities.BotSession, error)
	SaveSession(ctx context.Context, s *entities.BotSession) error
	DeleteSession(ctx context.Context, sellerID, phone string) error
	CountSessions(ctx context.Context, sellerID string) (int, error)
}

type FlowStore interface {
	ListFlows(ctx context.Context, sellerID string) ([]entities.BotFlow, error)
	ActiveFlows(ctx context.Context, sellerID string) ([]entities.BotFlow, error)
	GetFlow(ctx context.Context, sellerID, id string) (*entities.BotFlow, error)
	SaveFlow(ctx context.Context, f *entities.BotFlow) error
	DeleteFlow(ctx context.Context, sellerID, id string) error
}

type ClientLookup interface {
	FindByPhone(ctx context.Context, sellerID, phone string) (*entities.Client, error)
}

const (
	maxInvalidAttempts = 3
	maxHopsPerTurn     = 10
	botLockWait        = 5 * time.Second
	defaultListButton  = "Ver opções"
	sessionEndedText   = "Atendimento encerrado. Envie qualquer mensagem para começar de novo."
)

type BotEngine struct {
	flows    FlowStore
	sessions BotSessionStore
	settings SettingsStore
	clients  ClientLookup
	usage    UsageStore
	gateway  interfaces.Gateway
	locker   interfaces.Locker
	notifier interfaces.Notifier
	now      func() time.Time
	log      *logrus.Entry
}

type BotDeps struct {
	Flows    FlowStore
	Sessions BotSessionStore
	Settings SettingsStore
	Clients  ClientLookup
	Usage    UsageStore
	Gateway  interfaces.Gateway
	Locker   interfaces.Locker
	Notifier interfaces.Notifier
}

func NewBotEngine(d BotDeps) *BotEngine {
	return &BotEngine{
		flows:    d.Flows,
		sessions: d.Sessions,
		settings: d.Settings,
		clients:  d.Clients,
		usage:    d.Usage,
		gateway:  d.Gateway,
		locker:   d.Locker,
		notifier: d.Notifier,
		now:      time.Now,
		log:      logger.Component("bot"),
	}
}

// turn carries the state of one inbound message through the engine.
type turn struct {
	msg      entities.InboundMessage
	settings entities.BotSettings
	session  *entities.BotSession
	flow     *entities.BotFlow
	client   *entities.Client
	now      time.Time
}

// HandleInbound runs one inbound message through the seller's bot. It is
// serialised per conversation and is a no-op for self, group and empty
// messages, ignored numbers and disabled bots.
func (e *BotEngine) HandleInbound(ctx context.Context, msg entities.InboundMessage) error {
	if msg.FromMe || msg.IsGroup || msg.SellerID == "" {
		return nil
	}
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Text == "" && msg.ReplyID == "" {
		return nil
	}
	msg.From = entities.NormalizePhone(msg.From)

	e.recordUsage(ctx, msg.SellerID, false)

	settings, err := e.settings.GetSettings(ctx, msg.SellerID)
	if err != nil {
		return fmt.Errorf("load bot settings: %w", err)
	}
	if !settings.Enabled || isIgnored(settings.IgnoreNumbers, msg.From) {
		return nil
	}

	key := botKey(msg.SellerID, msg.From)
	token, err := waitLock(ctx, e.locker, key, operationLockTTL, botLockWait)
	if err != nil {
		return err
	}
	defer unlock(e.locker, key, token)

	t := &turn{msg: msg, settings: settings, now: e.now()}
	if err := e.loadSession(ctx, t); err != nil {
		return err
	}
	return e.process(ctx, t)
}

func isIgnored(list []string, phone string) bool {
	for _, n := range list {
		if entities.NormalizePhone(n) == phone {
			return true
		}
	}
	return false
}

func (e *BotEngine) loadSession(ctx context.Context, t *turn) error {
	s, err := e.sessions.GetSession(ctx, t.msg.SellerID, t.msg.From)
	if errors.Is(err, entities.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load bot session: %w", err)
	}

	idle := t.now.Sub(s.LastInteraction)
	switch {
	case s.Status == entities.SessionEnded:
		return nil
	case s.Status == entities.SessionHuman:
		if idle > minutes(t.settings.HumanTimeout, 60) {
			return nil
		}
	case idle > minutes(t.settings.SessionTimeout, 30):
		return nil
	}

	flow, err := e.flows.GetFlow(ctx, t.msg.SellerID, s.FlowID)
	if errors.Is(err, entities.ErrNotFound) {
		// Flow deleted under a running conversation.
		return nil
	}
	if err != nil {
		return err
	}
	t.session, t.flow = s, flow
	return nil
}

func minutes(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Minute
}

func (e *BotEngine) process(ctx context.Context, t *turn) error {
	text := foldText(t.msg.Text)

	switch text {
	case "#sair", "sair":
		if t.session == nil {
			return nil
		}
		t.session.Status = entities.SessionEnded
		if err := e.send(ctx, t, sessionEndedText); err != nil {
			return err
		}
		return e.save(ctx, t)
	case "menu", "0":
		if t.flow == nil {
			if err := e.selectFlow(ctx, t, ""); err != nil || t.flow == nil {
				return err
			}
		}
		return e.restart(ctx, t)
	}

	if t.session != nil && t.session.Status == entities.SessionHuman {
		if text != "#bot" {
			return nil
		}
		return e.restart(ctx, t)
	}

	if t.session == nil {
		if err := e.selectFlow(ctx, t, t.msg.Text); err != nil || t.flow == nil {
			return err
		}
		return e.restart(ctx, t)
	}

	node, ok := t.flow.Node(t.session.CurrentNode)
	if !ok {
		return e.restart(ctx, t)
	}

	switch {
	case t.session.Status == entities.SessionAwaitingInput:
		if node.InputVar != "" {
			t.session.Vars[node.InputVar] = t.msg.Text
		}
		return e.advance(ctx, t, node.Next)
	case node.Type == entities.NodeButtons || node.Type == entities.NodeList:
		if opt := matchOption(node.Options, t.msg.ReplyID, t.msg.Text); opt != nil {
			t.session.InvalidAttempts = 0
			return e.advance(ctx, t, opt.Next)
		}
		t.session.InvalidAttempts++
		if t.session.InvalidAttempts >= maxInvalidAttempts {
			return e.restart(ctx, t)
		}
		return e.renderNode(ctx, t, node, t.settings.InvalidOption)
	default:
		return e.restart(ctx, t)
	}
}

// selectFlow picks the active flow whose trigger matches text, falling back
// to the default flow. t.flow stays nil when the seller has neither.
func (e *BotEngine) selectFlow(ctx context.Context, t *turn, text string) error {
	flows, err := e.flows.ActiveFlows(ctx, t.msg.SellerID)
	if err != nil {
		return fmt.Errorf("load bot flows: %w", err)
	}
	var def *entities.BotFlow
	for i := range flows {
		f := &flows[i]
		if text != "" {
			for _, kw := range f.TriggerKeywords {
				if containsKeyword(text, kw) {
					t.flow = f
					return nil
				}
			}
		}
		if f.IsDefault && def == nil {
			def = f
		}
	}
	t.flow = def
	return nil
}

func (e *BotEngine) restart(ctx context.Context, t *turn) error {
	if t.session == nil || t.session.FlowID != t.flow.ID {
		id := ""
		created := t.now
		if t.session != nil {
			id, created = t.session.ID, t.session.CreatedAt
		}
		t.session = &entities.BotSession{
			ID:        id,
			SellerID:  t.msg.SellerID,
			Phone:     t.msg.From,
			FlowID:    t.flow.ID,
			Vars:      map[string]string{},
			CreatedAt: created,
		}
	}
	t.session.Status = entities.SessionActive
	t.session.InvalidAttempts = 0
	return e.advance(ctx, t, t.flow.StartNode)
}

// advance renders nodes from id until one waits for the user, following
// message nodes for at most maxHopsPerTurn hops.
func (e *BotEngine) advance(ctx context.Context, t *turn, id string) error {
	for hop := 0; ; hop++ {
		if id == "" {
			t.session.Status = entities.SessionEnded
			return e.save(ctx, t)
		}
		if hop >= maxHopsPerTurn {
			e.log.WithFields(logrus.Fields{"seller": t.msg.SellerID, "flow": t.flow.ID, "node": id}).
				Warn("bot flow hop limit reached")
			return e.save(ctx, t)
		}

		node, ok := t.flow.Node(id)
		if !ok {
			e.log.WithFields(logrus.Fields{"flow": t.flow.ID, "node": id}).Warn("bot node missing")
			t.session.Status = entities.SessionEnded
			return e.save(ctx, t)
		}
		t.session.CurrentNode = node.ID

		if node.Type == entities.NodeMessage {
			if err := e.send(ctx, t, e.render(ctx, t, node.Text)); err != nil {
				return err
			}
			id = node.Next
			continue
		}
		return e.renderNode(ctx, t, node, "")
	}
}

// renderNode sends a waiting node and sets the session status it implies.
func (e *BotEngine) renderNode(ctx context.Context, t *turn, node *entities.BotNode, notice string) error {
	text := e.render(ctx, t, node.Text)
	if notice != "" {
		text = notice + "\n\n" + text
	}

	var err error
	switch node.Type {
	case entities.NodeButtons:
		t.session.Status = entities.SessionActive
		err = e.sendButtons(ctx, t, node, text)
	case entities.NodeList:
		t.session.Status = entities.SessionActive
		err = e.sendList(ctx, t, node, text)
	case entities.NodeInput:
		t.session.Status = entities.SessionAwaitingInput
		err = e.send(ctx, t, text)
	case entities.NodeTransfer:
		t.session.Status = entities.SessionHuman
		if err = e.send(ctx, t, text); err == nil {
			e.alertTransfer(ctx, t)
		}
	case entities.NodeEnd:
		t.session.Status = entities.SessionEnded
		err = e.send(ctx, t, text)
	default:
		err = e.send(ctx, t, text)
	}
	if err != nil {
		return err
	}
	return e.save(ctx, t)
}

func (e *BotEngine) sendButtons(ctx context.Context, t *turn, node *entities.BotNode, text string) error {
	msg := entities.ButtonMessage{Title: node.Title, Description: text, Footer: node.Footer}
	for _, o := range node.Options {
		msg.Buttons = append(msg.Buttons, entities.Button{ID: o.ID, Label: o.Label})
	}
	if err := e.gateway.SendButtons(ctx, t.msg.Instance, t.msg.From, msg); err != nil {
		return fmt.Errorf("send buttons: %w", err)
	}
	e.recordUsage(ctx, t.msg.SellerID, true)
	return nil
}

func (e *BotEngine) sendList(ctx context.Context, t *turn, node *entities.BotNode, text string) error {
	button := node.ButtonText
	if button == "" {
		button = defaultListButton
	}
	section := entities.ListSection{Title: node.Title}
	for _, o := range node.Options {
		section.Rows = append(section.Rows, entities.ListRow{ID: o.ID, Title: o.Label, Description: o.Description})
	}
	msg := entities.ListMessage{
		Title:       node.Title,
		Description: text,
		Footer:      node.Footer,
		ButtonText:  button,
		Sections:    []entities.ListSection{section},
	}
	if err := e.gateway.SendList(ctx, t.msg.Instance, t.msg.From, msg); err != nil {
		return fmt.Errorf("send list: %w", err)
	}
	e.recordUsage(ctx, t.msg.SellerID, true)
	return nil
}

func (e *BotEngine) send(ctx context.Context, t *turn, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if err := e.gateway.SendText(ctx, t.msg.Instance, t.msg.From, text); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	e.recordUsage(ctx, t.msg.SellerID, true)
	return nil
}

func (e *BotEngine) save(ctx context.Context, t *turn) error {
	t.session.LastInteraction = t.now
	if err := e.sessions.SaveSession(ctx, t.session); err != nil {
		return fmt.Errorf("save bot session: %w", err)
	}
	return nil
}

// render fills template placeholders, looking the client up by phone once
// per turn.
func (e *BotEngine) render(ctx context.Context, t *turn, tpl string) string {
	if strings.Contains(tpl, "{") && t.client == nil && e.clients != nil {
		c, err := e.clients.FindByPhone(ctx, t.msg.SellerID, t.msg.From)
		if err == nil {
			t.client = c
		} else if !errors.Is(err, entities.ErrNotFound) {
			e.log.Debugf("client lookup failed: %v", err)
		}
	}
	var vars map[string]string
	if t.session != nil {
		vars = t.session.Vars
	}
	return RenderTemplate(tpl, TemplateData{
		Client: t.client,
		Phone:  t.msg.From,
		Name:   t.msg.PushName,
		Vars:   vars,
		Now:    t.now,
	})
}

func (e *BotEngine) alertTransfer(ctx context.Context, t *turn) {
	if e.notifier == nil {
		return
	}
	name := t.msg.PushName
	if name == "" {
		name = t.msg.From
	}
	text := fmt.Sprintf("Atendimento humano solicitado por %s (%s) no fluxo %q.", name, t.msg.From, t.flow.Name)
	if err := e.notifier.Notify(ctx, text); err != nil {
		e.log.Warnf("transfer alert failed: %v", err)
	}
}

func (e *BotEngine) recordUsage(ctx context.Context, sellerID string, sent bool) {
	if e.usage == nil {
		return
	}
	var err error
	if sent {
		err = e.usage.IncrementSent(ctx, sellerID)
	} else {
		err = e.usage.IncrementReceived(ctx, sellerID)
	}
	if err != nil {
		e.log.Debugf("usage increment failed: %v", err)
	}
}

// matchOption resolves a reply against node options: by reply id, by
// 1-based number, by label, then by keyword.
func matchOption(options []entities.BotOption, replyID, text string) *entities.BotOption {
	if replyID != "" {
		for i := range options {
			if options[i].ID == replyID {
				return &options[i]
			}
		}
	}

	folded := foldText(text)
	if folded == "" {
		return nil
	}
	if n, err := strconv.Atoi(folded); err == nil && n >= 1 && n <= len(options) {
		return &options[n-1]
	}
	for i := range options {
		if folded == foldText(options[i].ID) || folded == foldText(options[i].Label) {
			return &options[i]
		}
	}
	for i := range options {
		for _, kw := range options[i].Keywords {
			if containsKeyword(text, kw) {
				return &options[i]
			}
		}
	}
	return nil
}

// Flow administration

// ValidateFlow checks field constraints and the node graph: ids are unique,
// the start node exists and every next target exists.
func ValidateFlow(f *entities.BotFlow) error {
	if err := validation.ValidateStruct(f,
		validation.Field(&f.Name, validation.Required, validation.RuneLength(1, 120)),
		validation.Field(&f.StartNode, validation.Required),
		validation.Field(&f.Nodes, validation.Required),
	); err != nil {
		return err
	}

	ids := make(map[string]bool, len(f.Nodes))
	for i, n := range f.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node %d has no id", entities.ErrInvalidFlow, i)
		}
		if ids[n.ID] {
			return fmt.Errorf("%w: duplicate node id %q", entities.ErrInvalidFlow, n.ID)
		}
		ids[n.ID] = true
	}
	if !ids[f.StartNode] {
		return fmt.Errorf("%w: start node %q does not exist", entities.ErrInvalidFlow, f.StartNode)
	}

	for _, n := range f.Nodes {
		switch n.Type {
		case entities.NodeMessage, entities.NodeTransfer, entities.NodeEnd:
		case entities.NodeInput:
			if n.InputVar == "" {
				return fmt.Errorf("%w: input node %q needs input_var", entities.ErrInvalidFlow, n.ID)
			}
		case entities.NodeButtons, entities.NodeList:
			if len(n.Options) == 0 {
				return fmt.Errorf("%w: node %q has no options", entities.ErrInvalidFlow, n.ID)
			}
		default:
			return fmt.Errorf("%w: node %q has unknown type %q", entities.ErrInvalidFlow, n.ID, n.Type)
		}
		if n.Next != "" && !ids[n.Next] {
			return fmt.Errorf("%w: node %q points to missing node %q", entities.ErrInvalidFlow, n.ID, n.Next)
		}
		optIDs := map[string]bool{}
		for _, o := range n.Options {
			if o.ID == "" || optIDs[o.ID] {
				return fmt.Errorf("%w: node %q has a blank or duplicate option id", entities.ErrInvalidFlow, n.ID)
			}
			optIDs[o.ID] = true
			if o.Next != "" && !ids[o.Next] {
				return fmt.Errorf("%w: option %q of node %q points to missing node %q", entities.ErrInvalidFlow, o.ID, n.ID, o.Next)
			}
		}
	}
	return nil
}

func (e *BotEngine) ListFlows(ctx context.Context, sellerID string) ([]entities.BotFlow, error) {
	return e.flows.ListFlows(ctx, sellerID)
}

func (e *BotEngine) GetFlow(ctx context.Context, sellerID, id string) (*entities.BotFlow, error) {
	return e.flows.GetFlow(ctx, sellerID, id)
}

func (e *BotEngine) SaveFlow(ctx context.Context, sellerID string, f *entities.BotFlow) error {
	f.SellerID = sellerID
	if f.TriggerKeywords == nil {
		f.TriggerKeywords = []string{}
	}
	if err := ValidateFlow(f); err != nil {
		return err
	}
	return e.flows.SaveFlow(ctx, f)
}

func (e *BotEngine) DeleteFlow(ctx context.Context, sellerID, id string) error {
	return e.flows.DeleteFlow(ctx, sellerID, id)
}

func (e *BotEngine) Settings(ctx context.Context, sellerID string) (entities.BotSettings, error) {
	return e.settings.GetSettings(ctx, sellerID)
}

func (e *BotEngine) SaveSettings(ctx context.Context, sellerID string, s entities.BotSettings) error {
	if err := validation.ValidateStruct(&s,
		validation.Field(&s.SessionTimeout, validation.Min(1), validation.Max(24*60)),
		validation.Field(&s.HumanTimeout, validation.Min(1), validation.Max(7*24*60)),
		validation.Field(&s.ReminderOffsets, validation.Each(validation.Min(-30), validation.Max(30))),
		validation.Field(&s.ReminderTemplate, validation.RuneLength(0, 1000)),
	); err != nil {
		return err
	}
	if s.IgnoreNumbers == nil {
		s.IgnoreNumbers = []string{}
	}
	for i, n := range s.IgnoreNumbers {
		s.IgnoreNumbers[i] = entities.NormalizePhone(n)
	}
	if s.InvalidOption == "" {
		s.InvalidOption = entities.DefaultBotSettings().InvalidOption
	}
	return e.settings.SaveSettings(ctx, sellerID, s)
}

// EndSession drops a conversation, e.g. after an attendant closes it.
func (e *BotEngine) EndSession(ctx context.Context, sellerID, phone string) error {
	return e.sessions.DeleteSession(ctx, sellerID, entities.NormalizePhone(phone))
}

func (e *BotEngine) ActiveSessions(ctx context.Context, sellerID string) (int, error) {
	return e.sessions.CountSessions(ctx, sellerID)
}
