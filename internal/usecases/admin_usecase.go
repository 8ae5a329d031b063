package usecases

import (
	"context"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/logger"
)

type AdminStore interface {
	GetByID(ctx context.Context, id string) (*entities.User, error)
	ListUsers(ctx context.Context, search string, limit, offset int) ([]entities.UserWithRole, error)
	SetActive(ctx context.Context, id string, active bool) error
	SetRole(ctx context.Context, userID string, role entities.Role) error
	ExtendSubscription(ctx context.Context, id string, days int, permanent bool) (*entities.User, error)
	RevokeUserSessions(ctx context.Context, userID string) error
	PlatformStats(ctx context.Context) (*entities.PlatformStats, error)
}

type ExtendInput struct {
	Days      int  `json:"days"`
	Permanent bool `json:"permanent"`
}

// AdminUsecase holds the platform owner's operations on seller accounts.
type AdminUsecase struct {
	users    AdminStore
	auth     *AuthUsecase
	whatsapp *WhatsAppUsecase
	log      *logrus.Entry
}

func NewAdminUsecase(users AdminStore, auth *AuthUsecase, whatsapp *WhatsAppUsecase) *AdminUsecase {
	return &AdminUsecase{
		users:    users,
		auth:     auth,
		whatsapp: whatsapp,
		log:      logger.Component("admin"),
	}
}

func (a *AdminUsecase) Stats(ctx context.Context) (*entities.PlatformStats, error) {
	return a.users.PlatformStats(ctx)
}

func (a *AdminUsecase) ListUsers(ctx context.Context, search string, limit, offset int) ([]entities.UserWithRole, error) {
	return a.users.ListUsers(ctx, search, limit, offset)
}

// SetActive blocks or unblocks a user. Blocking also revokes the user's
// refresh sessions.
func (a *AdminUsecase) SetActive(ctx context.Context, userID string, active bool) error {
	if err := a.users.SetActive(ctx, userID, active); err != nil {
		return err
	}
	if !active {
		if err := a.users.RevokeUserSessions(ctx, userID); err != nil {
			return fmt.Errorf("revoke sessions: %w", err)
		}
	}
	a.auth.UserUpdated(ctx, userID)
	a.log.WithFields(logrus.Fields{"user": userID, "active": active}).Info("user activation changed")
	return nil
}

func (a *AdminUsecase) SetRole(ctx context.Context, userID string, role entities.Role) error {
	if !role.Valid() {
		return validation.Errors{"role": fmt.Errorf("must be admin, seller or user")}
	}
	if _, err := a.users.GetByID(ctx, userID); err != nil {
		return err
	}
	if err := a.users.SetRole(ctx, userID, role); err != nil {
		return err
	}
	a.auth.UserUpdated(ctx, userID)
	a.log.WithFields(logrus.Fields{"user": userID, "role": role}).Info("role changed")
	return nil
}

func (a *AdminUsecase) ExtendSubscription(ctx context.Context, userID string, in ExtendInput) (*entities.User, error) {
	if !in.Permanent {
		if err := validation.Validate(in.Days, validation.Required, validation.Min(1), validation.Max(3650)); err != nil {
			return nil, validation.Errors{"days": err}
		}
	}
	user, err := a.users.ExtendSubscription(ctx, userID, in.Days, in.Permanent)
	if err != nil {
		return nil, err
	}
	a.auth.UserUpdated(ctx, userID)
	return user, nil
}

// FixRole repairs a user left without a role.
func (a *AdminUsecase) FixRole(ctx context.Context, userID string) (entities.Role, error) {
	role, err := a.auth.FixUserRoles(ctx, userID)
	if err != nil {
		return "", err
	}
	a.auth.UserUpdated(ctx, userID)
	return role, nil
}

func (a *AdminUsecase) DisconnectWhatsApp(ctx context.Context, sellerID string) error {
	return a.whatsapp.Logout(ctx, sellerID)
}
