package usecases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/interfaces"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/logger"
)

type ClientStore interface {
	SaveClient(ctx context.Context, c *entities.Client, apps []entities.ClientApp, payment *entities.Payment) error
	GetClient(ctx context.Context, sellerID, id string) (*entities.Client, error)
	FindByPhone(ctx context.Context, sellerID, phone string) (*entities.Client, error)
	ListClients(ctx context.Context, sellerID string, f entities.ClientFilter, today time.Time) ([]entities.Client, int, error)
	DeleteClient(ctx context.Context, sellerID, id string) error
	ArchiveClient(ctx context.Context, sellerID, id string, archived bool) error
}

type CatalogStore interface {
	ListServers(ctx context.Context, sellerID string) ([]entities.Server, error)
	GetServer(ctx context.Context, sellerID, id string) (*entities.Server, error)
	SaveServer(ctx context.Context, s *entities.Server) error
	DeleteServer(ctx context.Context, sellerID, id string) error
	ServerCosts(ctx context.Context, sellerID string) (float64, error)

	ListPlans(ctx context.Context, sellerID string) ([]entities.Plan, error)
	GetPlan(ctx context.Context, sellerID, id string) (*entities.Plan, error)
	SavePlan(ctx context.Context, p *entities.Plan) error
	DeletePlan(ctx context.Context, sellerID, id string) error
	UpsertPlans(ctx context.Context, sellerID string, plans []entities.Plan) (int, error)
}

const (
	credentialCacheTTL = 5 * time.Minute
	defaultPlanDays    = 30
	dateLayout         = "2006-01-02"
)

func credentialCacheKey(clientID string) string {
	return "cred:" + clientID
}

var digitsOnly = regexp.MustCompile(`^[0-9]+$`)

type ClientUsecase struct {
	clients ClientStore
	catalog CatalogStore
	locker  interfaces.Locker
	cache   interfaces.Cache
	cipher  interfaces.Encrypter
	loc     *time.Location
	now     func() time.Time
	log     *logrus.Entry
}

func NewClientUsecase(clients ClientStore, catalog CatalogStore, locker interfaces.Locker,
	cache interfaces.Cache, cipher interfaces.Encrypter, loc *time.Location) *ClientUsecase {
	if loc == nil {
		loc = time.UTC
	}
	return &ClientUsecase{
		clients: clients,
		catalog: catalog,
		locker:  locker,
		cache:   cache,
		cipher:  cipher,
		loc:     loc,
		now:     time.Now,
		log:     logger.Component("clients"),
	}
}

func (uc *ClientUsecase) today() time.Time {
	return entities.DateOf(uc.now().In(uc.loc))
}

// ValidateClientInput normalises the phone and checks the payload.
func ValidateClientInput(in *entities.ClientInput) error {
	in.Name = strings.TrimSpace(in.Name)
	in.Phone = entities.NormalizePhone(in.Phone)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))

	err := validation.ValidateStruct(in,
		validation.Field(&in.Name, validation.Required, validation.RuneLength(2, 120)),
		validation.Field(&in.Phone, validation.Required, validation.Length(10, 15),
			validation.Match(digitsOnly).Error("must contain digits only")),
		validation.Field(&in.Email, is.EmailFormat),
		validation.Field(&in.Price, validation.Min(0.0)),
		validation.Field(&in.ExpirationDate, validation.Date(dateLayout)),
		validation.Field(&in.Notes, validation.RuneLength(0, 2000)),
	)
	if err != nil {
		return err
	}

	appErrs := validation.Errors{}
	for i := range in.Apps {
		app := in.Apps[i]
		if err := validation.ValidateStruct(&app,
			validation.Field(&app.AppName, validation.Required, validation.RuneLength(1, 120)),
			validation.Field(&app.MACAddress, validation.RuneLength(0, 64)),
			validation.Field(&app.ExpirationDate, validation.Date(dateLayout)),
		); err != nil {
			appErrs[fmt.Sprintf("apps.%d", i)] = err
		}
	}
	return appErrs.Filter()
}

// SaveClient validates, encrypts and writes a client with its apps in one
// transaction, serialised per seller and client.
func (uc *ClientUsecase) SaveClient(ctx context.Context, sellerID string, in entities.ClientInput) (*entities.Client, error) {
	if err := ValidateClientInput(&in); err != nil {
		return nil, err
	}

	lockOn := in.ID
	if lockOn == "" {
		lockOn = in.Phone
	}

	var saved *entities.Client
	err := withLock(ctx, uc.locker, clientSaveKey(sellerID, lockOn), operationLockTTL, func() error {
		var err error
		saved, err = uc.save(ctx, sellerID, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := uc.cache.Delete(ctx, credentialCacheKey(saved.ID)); err != nil {
		uc.log.WithField("client", saved.ID).Warnf("credential cache invalidation failed: %v", err)
	}
	return saved, nil
}

// existingClient resolves the row a save writes to. A create whose phone
// already belongs to a live client updates that client, so a repeated
// submission does not insert a duplicate.
func (uc *ClientUsecase) existingClient(ctx context.Context, sellerID string, in entities.ClientInput) (*entities.Client, error) {
	if in.ID != "" {
		return uc.clients.GetClient(ctx, sellerID, in.ID)
	}
	c, err := uc.clients.FindByPhone(ctx, sellerID, in.Phone)
	if errors.Is(err, entities.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	uc.log.WithFields(logrus.Fields{"seller": sellerID, "client": c.ID}).Info("phone already registered, updating existing client")
	return c, nil
}

func (uc *ClientUsecase) save(ctx context.Context, sellerID string, in entities.ClientInput) (*entities.Client, error) {
	existing, err := uc.existingClient(ctx, sellerID, in)
	if err != nil {
		return nil, err
	}

	client := &entities.Client{
		SellerID: sellerID,
		Name:     in.Name,
		Phone:    in.Phone,
		Email:    in.Email,
		IsPaid:   in.IsPaid,
		Device:   strings.TrimSpace(in.Device),
		Notes:    strings.TrimSpace(in.Notes),
	}
	isNew := existing == nil
	if isNew {
		client.ID = uuid.NewString()
	} else {
		client.ID = existing.ID
		client.Archived = existing.Archived
	}

	var plan *entities.Plan
	if in.PlanID != "" {
		p, err := uc.catalog.GetPlan(ctx, sellerID, in.PlanID)
		if errors.Is(err, entities.ErrNotFound) {
			return nil, validation.Errors{"plan_id": errors.New("unknown plan")}
		}
		if err != nil {
			return nil, err
		}
		plan = p
		client.PlanID = &p.ID
		client.PlanName = p.Name
	}
	if in.ServerID != "" {
		s, err := uc.catalog.GetServer(ctx, sellerID, in.ServerID)
		if errors.Is(err, entities.ErrNotFound) {
			return nil, validation.Errors{"server_id": errors.New("unknown server")}
		}
		if err != nil {
			return nil, err
		}
		client.ServerID = &s.ID
	}

	switch {
	case in.ExpirationDate != "":
		exp, _ := time.ParseInLocation(dateLayout, in.ExpirationDate, uc.loc)
		client.ExpirationDate = exp
	case existing != nil:
		client.ExpirationDate = existing.ExpirationDate
	default:
		client.ExpirationDate = uc.today().AddDate(0, 0, planDays(plan))
	}

	switch {
	case in.Price != nil:
		client.Price = *in.Price
	case plan != nil:
		client.Price = plan.Price
	case existing != nil:
		client.Price = existing.Price
	}

	if err := uc.encryptCredentials(client, existing, in); err != nil {
		return nil, err
	}
	apps, err := uc.buildApps(existing, in.Apps)
	if err != nil {
		return nil, err
	}

	var payment *entities.Payment
	if isNew && client.IsPaid && client.Price > 0 {
		clientID := client.ID
		payment = &entities.Payment{
			SellerID: sellerID,
			ClientID: &clientID,
			Amount:   client.Price,
			Months:   monthsOf(plan),
			Method:   "initial",
			Notes:    "initial payment",
			PaidAt:   uc.now(),
		}
	}

	if err := uc.clients.SaveClient(ctx, client, apps, payment); err != nil {
		return nil, fmt.Errorf("save client: %w", err)
	}

	uc.log.WithFields(logrus.Fields{"seller": sellerID, "client": client.ID, "new": isNew}).Info("client saved")
	return client, nil
}

// encryptCredentials keeps the stored value when an update leaves a field blank.
func (uc *ClientUsecase) encryptCredentials(c, existing *entities.Client, in entities.ClientInput) error {
	var err error
	if in.Login != "" || existing == nil {
		if c.LoginEnc, err = uc.cipher.Encrypt(in.Login); err != nil {
			return fmt.Errorf("encrypt login: %w", err)
		}
	} else {
		c.LoginEnc = existing.LoginEnc
	}
	if in.Password != "" || existing == nil {
		if c.PasswordEnc, err = uc.cipher.Encrypt(in.Password); err != nil {
			return fmt.Errorf("encrypt password: %w", err)
		}
	} else {
		c.PasswordEnc = existing.PasswordEnc
	}
	return nil
}

func (uc *ClientUsecase) buildApps(existing *entities.Client, inputs []entities.ClientAppInput) ([]entities.ClientApp, error) {
	previousKeys := map[string]string{}
	if existing != nil {
		for _, a := range existing.Apps {
			previousKeys[strings.ToLower(a.AppName)] = a.DeviceKeyEnc
		}
	}

	apps := make([]entities.ClientApp, 0, len(inputs))
	for _, in := range inputs {
		app := entities.ClientApp{
			AppName:    strings.TrimSpace(in.AppName),
			MACAddress: strings.ToUpper(strings.TrimSpace(in.MACAddress)),
		}
		if in.DeviceKey != "" {
			enc, err := uc.cipher.Encrypt(in.DeviceKey)
			if err != nil {
				return nil, fmt.Errorf("encrypt device key: %w", err)
			}
			app.DeviceKeyEnc = enc
		} else {
			app.DeviceKeyEnc = previousKeys[strings.ToLower(app.AppName)]
		}
		if in.ExpirationDate != "" {
			exp, _ := time.ParseInLocation(dateLayout, in.ExpirationDate, uc.loc)
			app.ExpirationDate = &exp
		}
		apps = append(apps, app)
	}
	return apps, nil
}

func planDays(plan *entities.Plan) int {
	if plan == nil || plan.DurationDays <= 0 {
		return defaultPlanDays
	}
	return plan.DurationDays
}

func monthsOf(plan *entities.Plan) int {
	months := planDays(plan) / 30
	if months < 1 {
		return 1
	}
	return months
}

func (uc *ClientUsecase) GetClient(ctx context.Context, sellerID, id string) (*entities.Client, error) {
	return uc.clients.GetClient(ctx, sellerID, id)
}

type ClientPage struct {
	Clients []entities.Client `json:"clients"`
	Total   int               `json:"total"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

func (uc *ClientUsecase) ListClients(ctx context.Context, sellerID string, f entities.ClientFilter) (*ClientPage, error) {
	switch f.Status {
	case "", entities.ClientActive, entities.ClientExpired, entities.ClientExpiring:
	default:
		return nil, validation.Errors{"status": errors.New("must be active, expired or expiring")}
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	clients, total, err := uc.clients.ListClients(ctx, sellerID, f, uc.today())
	if err != nil {
		return nil, err
	}
	return &ClientPage{Clients: clients, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

func (uc *ClientUsecase) DeleteClient(ctx context.Context, sellerID, id string) error {
	if err := uc.clients.DeleteClient(ctx, sellerID, id); err != nil {
		return err
	}
	return uc.cache.Delete(ctx, credentialCacheKey(id))
}

func (uc *ClientUsecase) ArchiveClient(ctx context.Context, sellerID, id string, archived bool) error {
	return uc.clients.ArchiveClient(ctx, sellerID, id, archived)
}

// GetCredentials decrypts a client's access data, caching the result briefly.
func (uc *ClientUsecase) GetCredentials(ctx context.Context, sellerID, id string) (*entities.ClientCredentials, error) {
	key := credentialCacheKey(id)
	if raw, ok, err := uc.cache.Get(ctx, key); err == nil && ok {
		var creds entities.ClientCredentials
		if json.Unmarshal([]byte(raw), &creds) == nil {
			// The cache key carries no seller, so ownership is checked again.
			if _, err := uc.clients.GetClient(ctx, sellerID, id); err != nil {
				return nil, err
			}
			return &creds, nil
		}
	}

	client, err := uc.clients.GetClient(ctx, sellerID, id)
	if err != nil {
		return nil, err
	}

	creds := &entities.ClientCredentials{ClientID: client.ID, AppKeys: map[string]string{}}
	if creds.Login, err = uc.cipher.Decrypt(client.LoginEnc); err != nil {
		return nil, fmt.Errorf("decrypt login: %w", err)
	}
	if creds.Password, err = uc.cipher.Decrypt(client.PasswordEnc); err != nil {
		return nil, fmt.Errorf("decrypt password: %w", err)
	}
	for _, app := range client.Apps {
		if app.DeviceKeyEnc == "" {
			continue
		}
		plain, err := uc.cipher.Decrypt(app.DeviceKeyEnc)
		if err != nil {
			return nil, fmt.Errorf("decrypt device key of %s: %w", app.AppName, err)
		}
		creds.AppKeys[app.AppName] = plain
	}

	if raw, err := json.Marshal(creds); err == nil {
		if err := uc.cache.Set(ctx, key, string(raw), credentialCacheTTL); err != nil {
			uc.log.Debugf("credential cache write failed: %v", err)
		}
	}
	return creds, nil
}

// ExportClientsCSV writes every unarchived client as CSV.
func (uc *ClientUsecase) ExportClientsCSV(ctx context.Context, sellerID string) ([]byte, error) {
	today := uc.today()
	rows := []*entities.ClientCSV{}

	f := entities.ClientFilter{Limit: 500}
	for {
		clients, total, err := uc.clients.ListClients(ctx, sellerID, f, today)
		if err != nil {
			return nil, err
		}
		for _, c := range clients {
			rows = append(rows, &entities.ClientCSV{
				Name:           c.Name,
				Phone:          c.Phone,
				Email:          c.Email,
				Plan:           c.PlanName,
				Price:          c.Price,
				ExpirationDate: c.ExpirationDate.Format(dateLayout),
				Status:         string(c.Status(uc.now().In(uc.loc))),
				Paid:           c.IsPaid,
			})
		}
		f.Offset += len(clients)
		if len(clients) == 0 || f.Offset >= total {
			break
		}
	}
	return gocsv.MarshalBytes(&rows)
}

// Catalog

func validateServer(s *entities.Server) error {
	s.Name = strings.TrimSpace(s.Name)
	return validation.ValidateStruct(s,
		validation.Field(&s.Name, validation.Required, validation.RuneLength(2, 120)),
		validation.Field(&s.PanelURL, is.URL),
		validation.Field(&s.MonthlyCost, validation.Min(0.0)),
	)
}

func validatePlan(p *entities.Plan) error {
	p.Name = strings.TrimSpace(p.Name)
	return validation.ValidateStruct(p,
		validation.Field(&p.Name, validation.Required, validation.RuneLength(2, 120)),
		validation.Field(&p.DurationDays, validation.Required, validation.Min(1), validation.Max(3650)),
		validation.Field(&p.Price, validation.Min(0.0)),
		validation.Field(&p.Screens, validation.Min(0), validation.Max(100)),
	)
}

func (uc *ClientUsecase) ListServers(ctx context.Context, sellerID string) ([]entities.Server, error) {
	return uc.catalog.ListServers(ctx, sellerID)
}

func (uc *ClientUsecase) SaveServer(ctx context.Context, sellerID string, s *entities.Server) error {
	if err := validateServer(s); err != nil {
		return err
	}
	s.SellerID = sellerID
	return uc.catalog.SaveServer(ctx, s)
}

func (uc *ClientUsecase) DeleteServer(ctx context.Context, sellerID, id string) error {
	return uc.catalog.DeleteServer(ctx, sellerID, id)
}

func (uc *ClientUsecase) ListPlans(ctx context.Context, sellerID string) ([]entities.Plan, error) {
	return uc.catalog.ListPlans(ctx, sellerID)
}

func (uc *ClientUsecase) SavePlan(ctx context.Context, sellerID string, p *entities.Plan) error {
	if err := validatePlan(p); err != nil {
		return err
	}
	p.SellerID = sellerID
	return uc.catalog.SavePlan(ctx, p)
}

func (uc *ClientUsecase) DeletePlan(ctx context.Context, sellerID, id string) error {
	return uc.catalog.DeletePlan(ctx, sellerID, id)
}

// ImportPlansCSV reads plans with the columns id,name,duration_days,price,
// screens,is_active. Every row is validated before anything is written.
func (uc *ClientUsecase) ImportPlansCSV(ctx context.Context, sellerID string, r io.Reader) (int, error) {
	var rows []*entities.Plan
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return 0, validation.Errors{"file": fmt.Errorf("invalid csv: %w", err)}
	}

	plans := make([]entities.Plan, 0, len(rows))
	errs := validation.Errors{}
	for i, p := range rows {
		if err := validatePlan(p); err != nil {
			errs[fmt.Sprintf("row %d", i+2)] = err
			continue
		}
		plans = append(plans, *p)
	}
	if err := errs.Filter(); err != nil {
		return 0, err
	}
	return uc.catalog.UpsertPlans(ctx, sellerID, plans)
}
