package usecases

import (
	"context"
	"errors"
	"time"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
)

type UsageReader interface {
	GetTodayUsage(ctx context.Context, sellerID string) (sent, received int, err error)
	GetMonthUsage(ctx context.Context, sellerID string) (sent, received int, err error)
	GetUsageHistory(ctx context.Context, sellerID string, days int) ([]entities.DailyUsage, error)
}

type UsageCounts struct {
	Sent     int `json:"sent"`
	Received int `json:"received"`
}

type DashboardStats struct {
	Billing           *entities.BillingSummary   `json:"billing"`
	WhatsApp          *entities.WhatsAppInstance `json:"whatsapp,omitempty"`
	ActiveBotSessions int                        `json:"active_bot_sessions"`
	UsageToday        UsageCounts                `json:"usage_today"`
	UsageMonth        UsageCounts                `json:"usage_month"`
	UsageHistory      []entities.DailyUsage      `json:"usage_history"`
	GeneratedAt       time.Time                  `json:"generated_at"`
}

type DashboardUsecase struct {
	billing   *BillingUsecase
	instances InstanceStore
	sessions  BotSessionStore
	usage     UsageReader
}

func NewDashboardUsecase(billing *BillingUsecase, instances InstanceStore, sessions BotSessionStore, usage UsageReader) *DashboardUsecase {
	return &DashboardUsecase{
		billing:   billing,
		instances: instances,
		sessions:  sessions,
		usage:     usage,
	}
}

// Stats gathers the seller's home screen numbers.
func (u *DashboardUsecase) Stats(ctx context.Context, sellerID string, historyDays int) (*DashboardStats, error) {
	summary, err := u.billing.Summary(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	stats := &DashboardStats{Billing: summary, GeneratedAt: time.Now()}

	inst, err := u.instances.GetInstance(ctx, sellerID)
	switch {
	case err == nil:
		stats.WhatsApp = inst
	case !errors.Is(err, entities.ErrNotFound):
		return nil, err
	}

	if stats.ActiveBotSessions, err = u.sessions.CountSessions(ctx, sellerID); err != nil {
		return nil, err
	}
	if stats.UsageToday.Sent, stats.UsageToday.Received, err = u.usage.GetTodayUsage(ctx, sellerID); err != nil {
		return nil, err
	}
	if stats.UsageMonth.Sent, stats.UsageMonth.Received, err = u.usage.GetMonthUsage(ctx, sellerID); err != nil {
		return nil, err
	}

	if historyDays <= 0 || historyDays > 90 {
		historyDays = 7
	}
	if stats.UsageHistory, err = u.usage.GetUsageHistory(ctx, sellerID, historyDays); err != nil {
		return nil, err
	}
	return stats, nil
}
