package usecases

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
)

type memClients struct {
	mu       sync.Mutex
	clients  map[string]entities.Client
	payments []entities.Payment
}

func newMemClients() *memClients { return &memClients{clients: map[string]entities.Client{}} }

func (m *memClients) SaveClient(_ context.Context, c *entities.Client, apps []entities.ClientApp, p *entities.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.Apps = apps
	m.clients[c.ID] = cp
	if p != nil {
		m.payments = append(m.payments, *p)
	}
	return nil
}

func (m *memClients) GetClient(_ context.Context, sellerID, id string) (*entities.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok || c.SellerID != sellerID {
		return nil, entities.ErrNotFound
	}
	return &c, nil
}

func (m *memClients) FindByPhone(_ context.Context, sellerID, phone string) (*entities.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		if c.SellerID == sellerID && c.Phone == phone && !c.Archived {
			return &c, nil
		}
	}
	return nil, entities.ErrNotFound
}

func (m *memClients) ListClients(_ context.Context, sellerID string, f entities.ClientFilter, _ time.Time) ([]entities.Client, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []entities.Client
	for _, c := range m.clients {
		if c.SellerID == sellerID && c.Archived == f.Archived {
			all = append(all, c)
		}
	}
	total := len(all)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}
	return all[f.Offset:end], total, nil
}

func (m *memClients) DeleteClient(_ context.Context, _, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, id)
	return nil
}

func (m *memClients) ArchiveClient(_ context.Context, _, id string, archived bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.clients[id]
	c.Archived = archived
	m.clients[id] = c
	return nil
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]string
}

func (c *mapCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = map[string]string{}
	}
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// prefixCipher marks values instead of encrypting them.
type prefixCipher struct{}

func (prefixCipher) Encrypt(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	return "enc:" + s, nil
}

func (prefixCipher) Decrypt(s string) (string, error) { return strings.TrimPrefix(s, "enc:"), nil }

type clientHarness struct {
	uc      *ClientUsecase
	store   *memClients
	catalog *memCatalog
	cache   *mapCache
	locker  *memLocker
}

func newClientHarness() *clientHarness {
	h := &clientHarness{
		store: newMemClients(),
		catalog: &memCatalog{
			plans:   map[string]entities.Plan{"p1": {ID: "p1", SellerID: "s1", Name: "Trimestral", DurationDays: 90, Price: 80}},
			servers: []entities.Server{{ID: "srv1", SellerID: "s1", Name: "Principal"}},
		},
		cache:  &mapCache{},
		locker: newMemLocker(),
	}
	h.uc = NewClientUsecase(h.store, h.catalog, h.locker, h.cache, prefixCipher{}, time.UTC)
	h.uc.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return h
}

func validInput() entities.ClientInput {
	return entities.ClientInput{
		Name:     "  Carlos Souza ",
		Phone:    "(11) 97777-6666",
		Email:    " Carlos@Example.com ",
		Login:    "carlos",
		Password: "s3nha",
		PlanID:   "p1",
		ServerID: "srv1",
		IsPaid:   true,
		Apps: []entities.ClientAppInput{
			{AppName: "IPTV Smarters", MACAddress: "aa:bb:cc:dd:ee:ff", DeviceKey: "key-1", ExpirationDate: "2027-01-01"},
		},
	}
}

func TestValidateClientInput(t *testing.T) {
	in := validInput()
	require.NoError(t, ValidateClientInput(&in))
	assert.Equal(t, "Carlos Souza", in.Name)
	assert.Equal(t, "5511977776666", in.Phone)
	assert.Equal(t, "carlos@example.com", in.Email)

	for name, mutate := range map[string]func(in *entities.ClientInput){
		"blank name":   func(in *entities.ClientInput) { in.Name = " " },
		"short phone":  func(in *entities.ClientInput) { in.Phone = "1234" },
		"bad email":    func(in *entities.ClientInput) { in.Email = "not-an-email" },
		"bad date":     func(in *entities.ClientInput) { in.ExpirationDate = "01/03/2026" },
		"negative":     func(in *entities.ClientInput) { p := -1.0; in.Price = &p },
		"app w/o name": func(in *entities.ClientInput) { in.Apps[0].AppName = "" },
		"bad app date": func(in *entities.ClientInput) { in.Apps[0].ExpirationDate = "2027-13-01" },
	} {
		in := validInput()
		mutate(&in)
		err := ValidateClientInput(&in)
		require.Error(t, err, name)
		var verrs validation.Errors
		assert.ErrorAs(t, err, &verrs, name)
	}
}

func TestClients_CreateEncryptsAndRecordsPayment(t *testing.T) {
	h := newClientHarness()

	c, err := h.uc.SaveClient(context.Background(), "s1", validInput())
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "enc:carlos", c.LoginEnc)
	assert.Equal(t, "enc:s3nha", c.PasswordEnc)
	assert.Equal(t, "Trimestral", c.PlanName)
	assert.Equal(t, 80.0, c.Price)
	assert.Equal(t, time.Date(2026, 5, 30, 0, 0, 0, 0, time.UTC), c.ExpirationDate, "defaults to one plan period")
	require.NotNil(t, c.ServerID)
	assert.Equal(t, "srv1", *c.ServerID)

	stored, err := h.store.GetClient(context.Background(), "s1", c.ID)
	require.NoError(t, err)
	require.Len(t, stored.Apps, 1)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", stored.Apps[0].MACAddress)
	assert.Equal(t, "enc:key-1", stored.Apps[0].DeviceKeyEnc)

	require.Len(t, h.store.payments, 1)
	assert.Equal(t, 80.0, h.store.payments[0].Amount)
	assert.Equal(t, 3, h.store.payments[0].Months)
	assert.Equal(t, "initial", h.store.payments[0].Method)
}

func TestClients_UpdateKeepsBlankCredentials(t *testing.T) {
	h := newClientHarness()
	ctx := context.Background()
	c, err := h.uc.SaveClient(ctx, "s1", validInput())
	require.NoError(t, err)

	in := validInput()
	in.ID = c.ID
	in.Login = ""
	in.Password = "nova"
	in.ExpirationDate = "2026-04-15"
	in.Apps[0].DeviceKey = ""
	updated, err := h.uc.SaveClient(ctx, "s1", in)
	require.NoError(t, err)

	assert.Equal(t, c.ID, updated.ID)
	assert.Equal(t, "enc:carlos", updated.LoginEnc)
	assert.Equal(t, "enc:nova", updated.PasswordEnc)
	assert.Equal(t, time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC), updated.ExpirationDate)
	assert.Len(t, h.store.payments, 1, "updates do not record payments")

	stored, _ := h.store.GetClient(ctx, "s1", c.ID)
	assert.Equal(t, "enc:key-1", stored.Apps[0].DeviceKeyEnc)
}

func TestClients_RepeatedCreateUpdatesSamePhone(t *testing.T) {
	h := newClientHarness()
	ctx := context.Background()

	first, err := h.uc.SaveClient(ctx, "s1", validInput())
	require.NoError(t, err)

	again := validInput()
	again.Phone = "+55 11 97777-6666"
	again.Notes = "segunda tentativa"
	second, err := h.uc.SaveClient(ctx, "s1", again)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, h.store.clients, 1)
	assert.Equal(t, "segunda tentativa", h.store.clients[first.ID].Notes)
	assert.Len(t, h.store.payments, 1, "the repeat is an update and records no payment")

	require.NoError(t, h.store.ArchiveClient(ctx, "s1", first.ID, true))
	third, err := h.uc.SaveClient(ctx, "s1", validInput())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID, "archived clients do not absorb new registrations")
	assert.Len(t, h.store.clients, 2)
}

func TestClients_SaveRejects(t *testing.T) {
	h := newClientHarness()
	ctx := context.Background()

	in := validInput()
	in.PlanID = "ghost"
	_, err := h.uc.SaveClient(ctx, "s1", in)
	var verrs validation.Errors
	require.ErrorAs(t, err, &verrs)
	assert.Contains(t, verrs, "plan_id")

	in = validInput()
	in.ID = "missing"
	_, err = h.uc.SaveClient(ctx, "s1", in)
	assert.ErrorIs(t, err, entities.ErrNotFound)

	_, ok, _ := h.locker.TryLock(ctx, clientSaveKey("s1", "5511977776666"), time.Minute)
	require.True(t, ok)
	_, err = h.uc.SaveClient(ctx, "s1", validInput())
	assert.ErrorIs(t, err, entities.ErrOperationInProgress)
	assert.Empty(t, h.store.clients)
}

func TestClients_CredentialsAreCachedPerOwner(t *testing.T) {
	h := newClientHarness()
	ctx := context.Background()
	c, err := h.uc.SaveClient(ctx, "s1", validInput())
	require.NoError(t, err)

	creds, err := h.uc.GetCredentials(ctx, "s1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, "carlos", creds.Login)
	assert.Equal(t, "s3nha", creds.Password)
	assert.Equal(t, "key-1", creds.AppKeys["IPTV Smarters"])

	_, cached, _ := h.cache.Get(ctx, credentialCacheKey(c.ID))
	assert.True(t, cached)

	_, err = h.uc.GetCredentials(ctx, "intruder", c.ID)
	assert.ErrorIs(t, err, entities.ErrNotFound)

	in := validInput()
	in.ID = c.ID
	in.Password = "trocada"
	_, err = h.uc.SaveClient(ctx, "s1", in)
	require.NoError(t, err)

	creds, err = h.uc.GetCredentials(ctx, "s1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, "trocada", creds.Password, "saving invalidates the cached copy")
}

func TestClients_ListClampsFilter(t *testing.T) {
	h := newClientHarness()
	ctx := context.Background()
	_, err := h.uc.SaveClient(ctx, "s1", validInput())
	require.NoError(t, err)

	page, err := h.uc.ListClients(ctx, "s1", entities.ClientFilter{Limit: 10000, Offset: -3})
	require.NoError(t, err)
	assert.Equal(t, 50, page.Limit)
	assert.Zero(t, page.Offset)
	assert.Equal(t, 1, page.Total)

	_, err = h.uc.ListClients(ctx, "s1", entities.ClientFilter{Status: "lost"})
	assert.Error(t, err)
}

func TestClients_ExportCSV(t *testing.T) {
	h := newClientHarness()
	ctx := context.Background()
	_, err := h.uc.SaveClient(ctx, "s1", validInput())
	require.NoError(t, err)

	out, err := h.uc.ExportClientsCSV(ctx, "s1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "name,phone,email,plan,price,expiration_date,status,paid", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "Carlos Souza,5511977776666,carlos@example.com,Trimestral,"))
	assert.True(t, strings.HasSuffix(lines[1], ",2026-05-30,active,true"))
}

func TestClients_ImportPlansCSV(t *testing.T) {
	h := newClientHarness()
	ctx := context.Background()

	n, err := h.uc.ImportPlansCSV(ctx, "s1", strings.NewReader(
		"id,name,duration_days,price,screens,is_active\n"+
			",Mensal,30,30.00,1,true\n"+
			",Anual,365,300.00,2,true\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, h.catalog.saved, 2)
	assert.Equal(t, "Anual", h.catalog.saved[1].Name)

	_, err = h.uc.ImportPlansCSV(ctx, "s1", strings.NewReader(
		"id,name,duration_days,price,screens,is_active\n"+
			",Mensal,30,30.00,1,true\n"+
			",X,0,10,1,true\n"))
	var verrs validation.Errors
	require.ErrorAs(t, err, &verrs)
	assert.Contains(t, verrs, "row 3")
	assert.Len(t, h.catalog.saved, 2, "nothing is written when a row is invalid")
}

func TestClients_CatalogValidation(t *testing.T) {
	h := newClientHarness()
	ctx := context.Background()

	assert.Error(t, h.uc.SaveServer(ctx, "s1", &entities.Server{Name: "X"}))
	assert.Error(t, h.uc.SaveServer(ctx, "s1", &entities.Server{Name: "Backup", PanelURL: "not a url"}))

	srv := &entities.Server{Name: "Backup", PanelURL: "https://panel.example.com", MonthlyCost: 40}
	require.NoError(t, h.uc.SaveServer(ctx, "s1", srv))
	assert.Equal(t, "s1", srv.SellerID)

	assert.Error(t, h.uc.SavePlan(ctx, "s1", &entities.Plan{Name: "Mensal"}))
	p := &entities.Plan{ID: "p2", Name: "Mensal", DurationDays: 30, Price: 30}
	require.NoError(t, h.uc.SavePlan(ctx, "s1", p))
	assert.Equal(t, "s1", p.SellerID)
}
