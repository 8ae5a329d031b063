package usecases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/interfaces"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/logger"
)

// InboundHandler consumes normalised inbound messages.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg entities.InboundMessage) error
}

// webhookSetter is implemented by gateways whose instances need their
// webhook re-registered on reconnect.
type webhookSetter interface {
	SetWebhook(ctx context.Context, instance, webhookURL string) error
}

// phoneResolver is implemented by gateways that can tell which number an
// instance is paired with.
type phoneResolver interface {
	PhoneNumber(ctx context.Context, instance string) (string, error)
}

const inboundDedupTTL = 10 * time.Minute

type WhatsAppUsecase struct {
	instances  InstanceStore
	gateway    interfaces.InstanceGateway
	bot        InboundHandler
	locker     interfaces.Locker
	notifier   interfaces.Notifier
	retrier    interfaces.Retrier
	webhookURL string
	staleAfter time.Duration
	now        func() time.Time
	log        *logrus.Entry
}

type WhatsAppDeps struct {
	Instances  InstanceStore
	Gateway    interfaces.InstanceGateway
	Bot        InboundHandler
	Locker     interfaces.Locker
	Notifier   interfaces.Notifier
	Retrier    interfaces.Retrier
	WebhookURL string
	StaleAfter time.Duration
}

func NewWhatsAppUsecase(d WhatsAppDeps) *WhatsAppUsecase {
	stale := d.StaleAfter
	if stale <= 0 {
		stale = 5 * time.Minute
	}
	return &WhatsAppUsecase{
		instances:  d.Instances,
		gateway:    d.Gateway,
		bot:        d.Bot,
		locker:     d.Locker,
		notifier:   d.Notifier,
		retrier:    d.Retrier,
		webhookURL: d.WebhookURL,
		staleAfter: stale,
		now:        time.Now,
		log:        logger.Component("whatsapp"),
	}
}

// InstanceName derives the gateway instance name of a seller.
func InstanceName(sellerID string) string {
	id := strings.ReplaceAll(sellerID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return "seller-" + id
}

// Connect creates the seller's instance on first use and starts pairing.
// The returned QR is empty once the device is already paired.
func (uc *WhatsAppUsecase) Connect(ctx context.Context, sellerID string) (*entities.QRCode, error) {
	var qr *entities.QRCode
	err := withLock(ctx, uc.locker, waConnectKey(sellerID), operationLockTTL, func() error {
		inst, err := uc.ensureInstance(ctx, sellerID)
		if err != nil {
			return err
		}

		qr, err = uc.gateway.Connect(ctx, inst.InstanceName)
		if err != nil {
			return fmt.Errorf("connect instance: %w", err)
		}

		if qr.State == entities.StateOpen {
			now := uc.now()
			_, err = uc.instances.UpdateStatus(ctx, inst.InstanceName, entities.InstanceConnected, &now)
			return err
		}
		return uc.instances.SetQRCode(ctx, inst.InstanceName, qr.Base64)
	})
	return qr, err
}

func (uc *WhatsAppUsecase) ensureInstance(ctx context.Context, sellerID string) (*entities.WhatsAppInstance, error) {
	inst, err := uc.instances.GetInstance(ctx, sellerID)
	if err == nil {
		if ws, ok := uc.gateway.(webhookSetter); ok && uc.webhookURL != "" {
			if err := ws.SetWebhook(ctx, inst.InstanceName, uc.webhookURL); err != nil {
				uc.log.WithField("instance", inst.InstanceName).Warnf("webhook refresh failed: %v", err)
			}
		}
		return inst, nil
	}
	if !errors.Is(err, entities.ErrNotFound) {
		return nil, err
	}

	name := InstanceName(sellerID)
	token, err := uc.gateway.CreateInstance(ctx, name, uc.webhookURL)
	if err != nil {
		// The gateway may already know the instance from an earlier install.
		uc.log.WithField("instance", name).Warnf("create instance failed, trying to reuse it: %v", err)
	}
	inst = &entities.WhatsAppInstance{
		SellerID:      sellerID,
		InstanceName:  name,
		InstanceToken: token,
		Status:        entities.InstanceConnecting,
	}
	if err := uc.instances.UpsertInstance(ctx, inst); err != nil {
		return nil, err
	}
	uc.log.WithFields(logrus.Fields{"seller": sellerID, "instance": name}).Info("whatsapp instance registered")
	return inst, nil
}

func (uc *WhatsAppUsecase) Status(ctx context.Context, sellerID string) (*entities.WhatsAppInstance, error) {
	inst, err := uc.instances.GetInstance(ctx, sellerID)
	if errors.Is(err, entities.ErrNotFound) {
		return nil, entities.ErrInstanceNotFound
	}
	return inst, err
}

// QRCode returns the last pairing code stored for the seller's instance.
func (uc *WhatsAppUsecase) QRCode(ctx context.Context, sellerID string) (*entities.QRCode, error) {
	inst, err := uc.Status(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	state := entities.StateConnecting
	switch inst.Status {
	case entities.InstanceConnected:
		state = entities.StateOpen
	case entities.InstanceDisconnected:
		state = entities.StateClose
	}
	return &entities.QRCode{State: state, Base64: inst.QRCode}, nil
}

func (uc *WhatsAppUsecase) Logout(ctx context.Context, sellerID string) error {
	inst, err := uc.Status(ctx, sellerID)
	if err != nil {
		return err
	}
	if err := uc.gateway.Logout(ctx, inst.InstanceName); err != nil {
		return fmt.Errorf("logout instance: %w", err)
	}
	_, err = uc.instances.UpdateStatus(ctx, inst.InstanceName, entities.InstanceDisconnected, nil)
	return err
}

// Heartbeat polls the gateway for the instance state with backoff and
// persists it. A connected instance that drops raises an owner alert.
func (uc *WhatsAppUsecase) Heartbeat(ctx context.Context, sellerID string) (*entities.WhatsAppInstance, error) {
	inst, err := uc.Status(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	return uc.heartbeat(ctx, inst)
}

func (uc *WhatsAppUsecase) heartbeat(ctx context.Context, inst *entities.WhatsAppInstance) (*entities.WhatsAppInstance, error) {
	var state string
	check := func(attempt int) error {
		s, err := uc.gateway.ConnectionState(ctx, inst.InstanceName)
		if err != nil {
			uc.log.WithFields(logrus.Fields{"instance": inst.InstanceName, "attempt": attempt}).
				Debugf("connection state failed: %v", err)
			return err
		}
		state = s
		return nil
	}

	var checkErr error
	if uc.retrier != nil {
		checkErr = uc.retrier.Retry(ctx, check)
	} else {
		checkErr = check(1)
	}
	if checkErr != nil {
		state = entities.StateClose
	}

	now := uc.now()
	status := entities.InstanceStatusFromState(state)
	previous, err := uc.instances.UpdateStatus(ctx, inst.InstanceName, status, &now)
	if err != nil {
		return nil, err
	}
	if previous == entities.InstanceConnected && status == entities.InstanceDisconnected {
		uc.alert(ctx, inst)
	}

	inst.Status = status
	inst.LastHeartbeatAt = &now
	if status == entities.InstanceConnected && inst.Phone == "" {
		uc.recordPhone(ctx, inst)
	}
	if checkErr != nil {
		return inst, fmt.Errorf("connection heartbeat: %w", checkErr)
	}
	return inst, nil
}

// MonitorStale heartbeats every instance not checked within the stale window.
func (uc *WhatsAppUsecase) MonitorStale(ctx context.Context) int {
	stale, err := uc.instances.StaleInstances(ctx, uc.now().Add(-uc.staleAfter))
	if err != nil {
		uc.log.Errorf("list stale instances: %v", err)
		return 0
	}
	for i := range stale {
		if _, err := uc.heartbeat(ctx, &stale[i]); err != nil {
			uc.log.WithField("instance", stale[i].InstanceName).Warn(err)
		}
	}
	return len(stale)
}

func (uc *WhatsAppUsecase) alert(ctx context.Context, inst *entities.WhatsAppInstance) {
	uc.log.WithFields(logrus.Fields{"seller": inst.SellerID, "instance": inst.InstanceName}).Warn("whatsapp disconnected")
	if uc.notifier == nil {
		return
	}
	text := fmt.Sprintf("WhatsApp da instância %s (vendedor %s) desconectou.", inst.InstanceName, inst.SellerID)
	if inst.Phone != "" {
		text += " Número: " + inst.Phone
	}
	if err := uc.notifier.Notify(ctx, text); err != nil {
		uc.log.Warnf("disconnect alert failed: %v", err)
	}
}

// HandleMessages routes inbound gateway messages to the bot. Redelivered
// message ids are dropped.
func (uc *WhatsAppUsecase) HandleMessages(ctx context.Context, instance string, msgs []entities.InboundMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	inst, err := uc.instances.GetInstanceByName(ctx, instance)
	if errors.Is(err, entities.ErrNotFound) {
		return entities.ErrInstanceNotFound
	}
	if err != nil {
		return err
	}

	for _, m := range msgs {
		if m.ID != "" {
			_, fresh, err := uc.locker.TryLock(ctx, inboundKey(instance+":"+m.ID), inboundDedupTTL)
			if err != nil {
				return err
			}
			if !fresh {
				continue
			}
		}
		m.SellerID = inst.SellerID
		m.Instance = instance
		if err := uc.bot.HandleInbound(ctx, m); err != nil {
			uc.log.WithFields(logrus.Fields{"instance": instance, "from": m.From}).Errorf("bot failed: %v", err)
		}
	}
	return nil
}

// HandleMessage adapts HandleMessages to the push-style gateway callback.
func (uc *WhatsAppUsecase) HandleMessage(ctx context.Context, msg entities.InboundMessage) {
	if err := uc.HandleMessages(ctx, msg.Instance, []entities.InboundMessage{msg}); err != nil {
		uc.log.WithField("instance", msg.Instance).Warnf("inbound message dropped: %v", err)
	}
}

// HandleConnectionUpdate records a state pushed by the gateway.
func (uc *WhatsAppUsecase) HandleConnectionUpdate(ctx context.Context, instance, state string) error {
	inst, err := uc.instances.GetInstanceByName(ctx, instance)
	if errors.Is(err, entities.ErrNotFound) {
		return entities.ErrInstanceNotFound
	}
	if err != nil {
		return err
	}

	now := uc.now()
	status := entities.InstanceStatusFromState(state)
	previous, err := uc.instances.UpdateStatus(ctx, instance, status, &now)
	if err != nil {
		return err
	}
	if previous == entities.InstanceConnected && status == entities.InstanceDisconnected {
		uc.alert(ctx, inst)
	}
	return nil
}

// HandleStateChange adapts HandleConnectionUpdate to the push-style callback.
func (uc *WhatsAppUsecase) HandleStateChange(ctx context.Context, instance, state string) {
	if err := uc.HandleConnectionUpdate(ctx, instance, state); err != nil {
		uc.log.WithField("instance", instance).Warnf("state update dropped: %v", err)
	}
}

func (uc *WhatsAppUsecase) HandleQRCode(ctx context.Context, instance, qr string) error {
	return uc.instances.SetQRCode(ctx, instance, qr)
}

func (uc *WhatsAppUsecase) recordPhone(ctx context.Context, inst *entities.WhatsAppInstance) {
	pr, ok := uc.gateway.(phoneResolver)
	if !ok {
		return
	}
	phone, err := pr.PhoneNumber(ctx, inst.InstanceName)
	if err != nil || phone == "" {
		return
	}
	inst.Phone = entities.NormalizePhone(phone)
	if err := uc.instances.SetPhone(ctx, inst.InstanceName, inst.Phone); err != nil {
		uc.log.WithField("instance", inst.InstanceName).Warnf("store phone: %v", err)
	}
}
