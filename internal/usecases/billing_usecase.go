package usecases

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/interfaces"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/logger"
)

type BillingStore interface {
	GetClient(ctx context.Context, sellerID, id string) (*entities.Client, error)
	RenewClient(ctx context.Context, sellerID, clientID string, expiration time.Time, payment *entities.Payment) error
	ListPayments(ctx context.Context, sellerID string, since time.Time, limit int) ([]entities.Payment, error)
	StatusCounts(ctx context.Context, sellerID string, today time.Time) (active, expiring, expired int, projected float64, err error)
	RevenueSince(ctx context.Context, sellerID string, since time.Time) (float64, error)
	ClientsExpiringOn(ctx context.Context, sellerID string, day time.Time) ([]entities.Client, error)
	ClaimReminder(ctx context.Context, sellerID, clientID string, expiration time.Time, offset int) (bool, error)
	ReleaseReminder(ctx context.Context, clientID string, expiration time.Time, offset int) error
}

// SettingsStore holds the per-seller bot and reminder settings.
type SettingsStore interface {
	GetSettings(ctx context.Context, sellerID string) (entities.BotSettings, error)
	SaveSettings(ctx context.Context, sellerID string, s entities.BotSettings) error
}

type UsageStore interface {
	IncrementSent(ctx context.Context, sellerID string) error
	IncrementReceived(ctx context.Context, sellerID string) error
}

type InstanceStore interface {
	GetInstance(ctx context.Context, sellerID string) (*entities.WhatsAppInstance, error)
	GetInstanceByName(ctx context.Context, name string) (*entities.WhatsAppInstance, error)
	UpsertInstance(ctx context.Context, inst *entities.WhatsAppInstance) error
	UpdateStatus(ctx context.Context, name string, status entities.InstanceStatus, heartbeat *time.Time) (entities.InstanceStatus, error)
	SetQRCode(ctx context.Context, name, qr string) error
	SetPhone(ctx context.Context, name, phone string) error
	StaleInstances(ctx context.Context, before time.Time) ([]entities.WhatsAppInstance, error)
	ListConnected(ctx context.Context) ([]entities.WhatsAppInstance, error)
}

type RenewInput struct {
	Months int      `json:"months"`
	Amount *float64 `json:"amount"`
	Method string   `json:"method"`
	Notes  string   `json:"notes"`
}

type RenewResult struct {
	Client  *entities.Client  `json:"client"`
	Payment *entities.Payment `json:"payment"`
	Quote   *Quote            `json:"quote,omitempty"`
}

type ReminderReport struct {
	SellerID string `json:"seller_id"`
	Sent     int    `json:"sent"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
}

type BillingUsecase struct {
	store          BillingStore
	catalog        CatalogStore
	settings       SettingsStore
	instances      InstanceStore
	usage          UsageStore
	gateway        interfaces.Gateway
	locker         interfaces.Locker
	pricing        *PricingCalculator
	defaultOffsets []int
	loc            *time.Location
	now            func() time.Time
	log            *logrus.Entry
}

type BillingDeps struct {
	Store          BillingStore
	Catalog        CatalogStore
	Settings       SettingsStore
	Instances      InstanceStore
	Usage          UsageStore
	Gateway        interfaces.Gateway
	Locker         interfaces.Locker
	Pricing        *PricingCalculator
	DefaultOffsets []int
	Location       *time.Location
}

func NewBillingUsecase(d BillingDeps) *BillingUsecase {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	pricing := d.Pricing
	if pricing == nil {
		pricing = NewPricingCalculator(nil)
	}
	return &BillingUsecase{
		store:          d.Store,
		catalog:        d.Catalog,
		settings:       d.Settings,
		instances:      d.Instances,
		usage:          d.Usage,
		gateway:        d.Gateway,
		locker:         d.Locker,
		pricing:        pricing,
		defaultOffsets: d.DefaultOffsets,
		loc:            loc,
		now:            time.Now,
		log:            logger.Component("billing"),
	}
}

func (uc *BillingUsecase) today() time.Time {
	return entities.DateOf(uc.now().In(uc.loc))
}

// RenewalDate extends from the later of today and the current expiration.
func RenewalDate(today, current time.Time, months, planDays int) time.Time {
	y, m, d := current.Date()
	exp := time.Date(y, m, d, 0, 0, 0, 0, today.Location())
	base := today
	if exp.After(base) {
		base = exp
	}
	return base.AddDate(0, 0, months*planDays)
}

func (uc *BillingUsecase) Quote(ctx context.Context, sellerID, planID string, months int) (*Quote, error) {
	plan, err := uc.catalog.GetPlan(ctx, sellerID, planID)
	if err != nil {
		return nil, err
	}
	q, err := uc.pricing.Quote(*plan, months)
	if err != nil {
		return nil, validation.Errors{"months": err}
	}
	return &q, nil
}

// Renew extends a client by months plan periods and records the payment,
// serialised per client.
func (uc *BillingUsecase) Renew(ctx context.Context, sellerID, clientID string, in RenewInput) (*RenewResult, error) {
	if err := validation.ValidateStruct(&in,
		validation.Field(&in.Months, validation.Required, validation.Min(1), validation.Max(36)),
		validation.Field(&in.Amount, validation.Min(0.0)),
		validation.Field(&in.Method, validation.RuneLength(0, 40)),
	); err != nil {
		return nil, err
	}

	var result *RenewResult
	err := withLock(ctx, uc.locker, renewKey(clientID), operationLockTTL, func() error {
		client, err := uc.store.GetClient(ctx, sellerID, clientID)
		if err != nil {
			return err
		}

		var plan *entities.Plan
		if client.PlanID != nil {
			plan, err = uc.catalog.GetPlan(ctx, sellerID, *client.PlanID)
			if err != nil && !errors.Is(err, entities.ErrNotFound) {
				return err
			}
		}

		var quote *Quote
		amount := client.Price * float64(in.Months)
		if plan != nil {
			q, err := uc.pricing.Quote(*plan, in.Months)
			if err != nil {
				return err
			}
			quote = &q
			amount = q.Total
		}
		if in.Amount != nil {
			amount = *in.Amount
		}

		newExp := RenewalDate(uc.today(), client.ExpirationDate, in.Months, planDays(plan))
		method := in.Method
		if method == "" {
			method = "manual"
		}
		payment := &entities.Payment{
			SellerID: sellerID,
			ClientID: &client.ID,
			Amount:   roundCents(amount),
			Months:   in.Months,
			Method:   method,
			Notes:    in.Notes,
			PaidAt:   uc.now(),
		}
		if err := uc.store.RenewClient(ctx, sellerID, clientID, newExp, payment); err != nil {
			return fmt.Errorf("renew client: %w", err)
		}

		client.ExpirationDate = newExp
		client.IsPaid = true
		result = &RenewResult{Client: client, Payment: payment, Quote: quote}
		uc.log.WithFields(logrus.Fields{
			"seller": sellerID, "client": clientID, "months": in.Months, "expires": newExp.Format(dateLayout),
		}).Info("client renewed")
		return nil
	})
	return result, err
}

func (uc *BillingUsecase) Summary(ctx context.Context, sellerID string) (*entities.BillingSummary, error) {
	today := uc.today()
	active, expiring, expired, projected, err := uc.store.StatusCounts(ctx, sellerID, today)
	if err != nil {
		return nil, err
	}

	firstOfMonth := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, uc.loc)
	revenue, err := uc.store.RevenueSince(ctx, sellerID, firstOfMonth)
	if err != nil {
		return nil, err
	}
	costs, err := uc.catalog.ServerCosts(ctx, sellerID)
	if err != nil {
		return nil, err
	}

	return &entities.BillingSummary{
		ActiveClients:    active,
		ExpiringClients:  expiring,
		ExpiredClients:   expired,
		RevenueThisMonth: roundCents(revenue),
		ProjectedMonthly: roundCents(projected),
		ServerCosts:      roundCents(costs),
		Profit:           roundCents(revenue - costs),
	}, nil
}

func (uc *BillingUsecase) Payments(ctx context.Context, sellerID string, days int) ([]entities.Payment, error) {
	if days <= 0 {
		days = 30
	}
	return uc.store.ListPayments(ctx, sellerID, uc.today().AddDate(0, 0, -days), 500)
}

// reminderOffsets returns unique offsets, largest first.
func reminderOffsets(configured, fallback []int) []int {
	src := configured
	if len(src) == 0 {
		src = fallback
	}
	seen := map[int]bool{}
	out := make([]int, 0, len(src))
	for _, o := range src {
		if !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

// RunReminders sends due reminders for every seller with a connected
// WhatsApp instance and reminders enabled.
func (uc *BillingUsecase) RunReminders(ctx context.Context) []ReminderReport {
	instances, err := uc.instances.ListConnected(ctx)
	if err != nil {
		uc.log.Errorf("list connected instances: %v", err)
		return nil
	}

	reports := []ReminderReport{}
	for _, inst := range instances {
		report, err := uc.SendReminders(ctx, inst.SellerID, false)
		if err != nil {
			uc.log.WithField("seller", inst.SellerID).Errorf("reminders failed: %v", err)
			continue
		}
		if report.Sent+report.Failed > 0 {
			reports = append(reports, *report)
		}
	}
	return reports
}

// SendReminders sends the seller's reminder template to clients expiring at
// each configured offset. Each (client, expiration, offset) goes out at most
// once; a failed send releases its claim so a later run retries it. force
// ignores the seller's enabled switch.
func (uc *BillingUsecase) SendReminders(ctx context.Context, sellerID string, force bool) (*ReminderReport, error) {
	report := &ReminderReport{SellerID: sellerID}

	settings, err := uc.settings.GetSettings(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	if !settings.ReminderEnabled && !force {
		return report, nil
	}

	inst, err := uc.instances.GetInstance(ctx, sellerID)
	if errors.Is(err, entities.ErrNotFound) {
		return nil, entities.ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	if inst.Status != entities.InstanceConnected {
		return nil, entities.ErrGatewayUnavailable
	}

	today := uc.today()
	now := uc.now().In(uc.loc)
	for _, offset := range reminderOffsets(settings.ReminderOffsets, uc.defaultOffsets) {
		day := today.AddDate(0, 0, offset)
		clients, err := uc.store.ClientsExpiringOn(ctx, sellerID, day)
		if err != nil {
			return report, err
		}

		for i := range clients {
			c := &clients[i]
			claimed, err := uc.store.ClaimReminder(ctx, sellerID, c.ID, c.ExpirationDate, offset)
			if err != nil {
				return report, err
			}
			if !claimed {
				report.Skipped++
				continue
			}

			text := RenderTemplate(settings.ReminderTemplate, TemplateData{Client: c, Now: now})
			if err := uc.gateway.SendText(ctx, inst.InstanceName, c.Phone, text); err != nil {
				report.Failed++
				uc.log.WithFields(logrus.Fields{"seller": sellerID, "client": c.ID}).Warnf("reminder not sent: %v", err)
				if rerr := uc.store.ReleaseReminder(ctx, c.ID, c.ExpirationDate, offset); rerr != nil {
					uc.log.Errorf("release reminder claim: %v", rerr)
				}
				continue
			}
			report.Sent++
			if err := uc.usage.IncrementSent(ctx, sellerID); err != nil {
				uc.log.Debugf("usage increment failed: %v", err)
			}
		}
	}

	if report.Sent+report.Failed > 0 {
		uc.log.WithFields(logrus.Fields{
			"seller": sellerID, "sent": report.Sent, "failed": report.Failed, "skipped": report.Skipped,
		}).Info("billing reminders processed")
	}
	return report, nil
}
