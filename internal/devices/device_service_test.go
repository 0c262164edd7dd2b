package devices

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resul067142/yenirr/internal/activity"
	"github.com/resul067142/yenirr/internal/auth"
	"github.com/resul067142/yenirr/internal/authz"
	"github.com/resul067142/yenirr/internal/repository"
)

// memoryDevices implements DeviceStore in memory
type memoryDevices struct {
	mu      sync.Mutex
	devices map[uuid.UUID]*repository.Device
	owners  *memoryOwners
	clock   func() time.Time
}

func (m *memoryDevices) withOwner(d *repository.Device) repository.DeviceWithOwner {
	out := repository.DeviceWithOwner{Device: *d}
	if u, ok := m.owners.users[d.UserID]; ok {
		out.OwnerUsername = u.Username
		out.OwnerFirstName = u.FirstName
		out.OwnerLastName = u.LastName
		out.OwnerNationalID = u.NationalID
	}
	return out
}

func (m *memoryDevices) add(d repository.Device) *repository.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = m.clock()
	}
	d.UpdatedAt = d.CreatedAt
	m.devices[d.ID] = &d
	return &d
}

func (m *memoryDevices) List(_ context.Context, p repository.ListDeviceParams) ([]repository.DeviceWithOwner, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rows []repository.DeviceWithOwner
	for _, d := range m.devices {
		switch {
		case p.OwnerID != nil && d.UserID != *p.OwnerID:
			continue
		case p.DeviceType != "" && d.DeviceType != p.DeviceType:
			continue
		case p.IsActive != nil && d.IsActive != *p.IsActive:
			continue
		case p.FromDate != nil && d.CreatedAt.Before(*p.FromDate):
			continue
		case p.ToDate != nil && !d.CreatedAt.Before(*p.ToDate):
			continue
		case p.Search != "" && !strings.Contains(d.GSMNumber+" "+d.DeviceEmail+" "+deref(d.DeviceName), p.Search):
			continue
		}
		rows = append(rows, m.withOwner(d))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })

	total := len(rows)
	if p.Limit > 0 {
		start := (p.Page - 1) * p.Limit
		if start > total {
			start = total
		}
		end := start + p.Limit
		if end > total {
			end = total
		}
		rows = rows[start:end]
	}
	return rows, total, nil
}

func (m *memoryDevices) GetByID(_ context.Context, id uuid.UUID) (*repository.DeviceWithOwner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, repository.ErrDeviceNotFound
	}
	out := m.withOwner(d)
	return &out, nil
}

func (m *memoryDevices) Create(_ context.Context, device *repository.Device) error {
	device.ID = uuid.New()
	device.CreatedAt = m.clock()
	device.UpdatedAt = device.CreatedAt
	cp := *device
	m.mu.Lock()
	m.devices[cp.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *memoryDevices) Update(_ context.Context, device *repository.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[device.ID]; !ok {
		return repository.ErrDeviceNotFound
	}
	device.UpdatedAt = m.clock()
	cp := *device
	m.devices[cp.ID] = &cp
	return nil
}

func (m *memoryDevices) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return repository.ErrDeviceNotFound
	}
	delete(m.devices, id)
	return nil
}

func (m *memoryDevices) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return repository.ErrDeviceNotFound
	}
	d.IsActive = active
	return nil
}

func (m *memoryDevices) DeviceEmailExists(_ context.Context, email string, excludeID *uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if excludeID != nil && d.ID == *excludeID {
			continue
		}
		if strings.EqualFold(d.DeviceEmail, email) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryDevices) GSMExists(_ context.Context, ownerID uuid.UUID, gsm string, excludeID *uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if excludeID != nil && d.ID == *excludeID {
			continue
		}
		if d.UserID == ownerID && d.GSMNumber == gsm {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryDevices) Totals(ctx context.Context, ownerID *uuid.UUID) (*repository.DeviceTotals, error) {
	rows, _, _ := m.List(ctx, repository.ListDeviceParams{OwnerID: ownerID, Limit: -1})
	totals := &repository.DeviceTotals{Total: len(rows)}
	for _, d := range rows {
		if d.IsActive {
			totals.Active++
		}
	}
	return totals, nil
}

func (m *memoryDevices) CountByType(ctx context.Context, ownerID *uuid.UUID) ([]repository.LabelCount, error) {
	rows, _, _ := m.List(ctx, repository.ListDeviceParams{OwnerID: ownerID, Limit: -1})
	byType := map[string]int{}
	for _, d := range rows {
		byType[d.DeviceType]++
	}
	var out []repository.LabelCount
	for label, count := range byType {
		out = append(out, repository.LabelCount{Label: label, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out, nil
}

func (m *memoryDevices) CreatedSince(ctx context.Context, ownerID *uuid.UUID, since time.Time, _ string) ([]repository.DateCount, error) {
	rows, _, _ := m.List(ctx, repository.ListDeviceParams{OwnerID: ownerID, FromDate: &since, Limit: -1})
	byDay := map[time.Time]int{}
	for _, d := range rows {
		byDay[truncateDay(d.CreatedAt)]++
	}
	var out []repository.DateCount
	for day, count := range byDay {
		out = append(out, repository.DateCount{Date: day, Count: count})
	}
	return out, nil
}

// memoryOwners implements OwnerStore in memory
type memoryOwners struct {
	users map[uuid.UUID]*repository.User
}

func (o *memoryOwners) add(u repository.User) *repository.User {
	u.ID = uuid.New()
	o.users[u.ID] = &u
	return &u
}

func (o *memoryOwners) GetByID(_ context.Context, id uuid.UUID) (*repository.User, error) {
	u, ok := o.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (o *memoryOwners) Totals(_ context.Context) (*repository.UserTotals, error) {
	totals := &repository.UserTotals{}
	for _, u := range o.users {
		totals.Total++
		if u.IsActive {
			totals.Active++
		}
	}
	return totals, nil
}

type recordedEntries struct {
	mu      sync.Mutex
	entries []activity.Entry
}

func (r *recordedEntries) Record(_ context.Context, e activity.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordedEntries) ofType(t string) []activity.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []activity.Entry
	for _, e := range r.entries {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

var fixedNow = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

type testEnv struct {
	svc      *Service
	devices  *memoryDevices
	owners   *memoryOwners
	recorder *recordedEntries
	admin    *repository.User
	alice    *repository.User
	bob      *repository.User
}

func newTestEnv() *testEnv {
	owners := &memoryOwners{users: map[uuid.UUID]*repository.User{}}
	clock := func() time.Time { return fixedNow }
	devices := &memoryDevices{devices: map[uuid.UUID]*repository.Device{}, owners: owners, clock: clock}
	recorder := &recordedEntries{}

	env := &testEnv{devices: devices, owners: owners, recorder: recorder}
	env.svc = NewService(ServiceConfig{Devices: devices, Owners: owners, Activity: recorder})
	env.svc.now = clock

	env.admin = owners.add(repository.User{Username: "admin", FirstName: "Ali", LastName: "Veli",
		NationalID: "11111111110", Role: authz.RoleAdmin, IsActive: true})
	env.alice = owners.add(repository.User{Username: "alice", FirstName: "Ayşe", LastName: "Demir",
		NationalID: "22222222220", Role: authz.RoleUser, IsActive: true})
	env.bob = owners.add(repository.User{Username: "bob", FirstName: "Burak", LastName: "Kaya",
		NationalID: "33333333330", Role: authz.RoleUser, IsActive: true})
	return env
}

func (e *testEnv) actor(u *repository.User) Actor {
	return Actor{ID: u.ID, Caps: authz.For(u.Role), Client: auth.ClientInfo{IPAddress: "198.51.100.7", UserAgent: "test"}}
}

func (e *testEnv) phone(owner *repository.User, gsm string) *repository.Device {
	return e.devices.add(repository.Device{
		UserID:      owner.ID,
		GSMNumber:   gsm,
		DeviceEmail: strings.TrimPrefix(gsm, "+") + "@cihaz.example.com",
		DeviceType:  TypePhone,
		IsActive:    true,
	})
}

func validRequest() DeviceRequest {
	return DeviceRequest{
		GSMNumber:   "05321234567",
		DeviceEmail: "Tracker@Example.com",
		DeviceType:  TypeVehicleTracker,
		DeviceName:  "Servis <b>Aracı</b>",
		IMEI:        "356938035643809",
		Notes:       "<script>x</script>ön koltuk",
	}
}

var ctx = context.Background()

func TestList_Visibility(t *testing.T) {
	env := newTestEnv()
	env.phone(env.alice, "+905320000001")
	env.phone(env.alice, "+905320000002")
	env.phone(env.bob, "+905320000003")

	resp, err := env.svc.List(ctx, env.actor(env.alice), 1, Filter{})
	require.NoError(t, err)
	assert.Len(t, resp.Devices, 2)
	for _, d := range resp.Devices {
		assert.Equal(t, env.alice.ID, d.UserID)
		assert.Nil(t, d.Owner)
	}

	resp, err = env.svc.List(ctx, env.actor(env.admin), 1, Filter{})
	require.NoError(t, err)
	assert.Len(t, resp.Devices, 3)
	assert.Equal(t, 3, resp.Pagination.TotalCount)
	require.NotNil(t, resp.Devices[0].Owner)
}

func TestList_InclusiveDateRange(t *testing.T) {
	env := newTestEnv()
	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	env.devices.add(repository.Device{UserID: env.alice.ID, GSMNumber: "+905320000001", DeviceEmail: "a@x.com",
		DeviceType: TypePhone, CreatedAt: day.Add(23 * time.Hour)})
	env.devices.add(repository.Device{UserID: env.alice.ID, GSMNumber: "+905320000002", DeviceEmail: "b@x.com",
		DeviceType: TypePhone, CreatedAt: day.AddDate(0, 0, 1)})

	resp, err := env.svc.List(ctx, env.actor(env.admin), 1, Filter{From: &day, To: &day})
	require.NoError(t, err)
	require.Len(t, resp.Devices, 1)
	assert.Equal(t, "+905320000001", resp.Devices[0].GSMNumber)
}

func TestGet_ForeignAndUnknown(t *testing.T) {
	env := newTestEnv()
	bobs := env.phone(env.bob, "+905320000003")

	_, err := env.svc.Get(ctx, env.actor(env.alice), bobs.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.svc.Get(ctx, env.actor(env.alice), uuid.New())
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	got, err := env.svc.Get(ctx, env.actor(env.admin), bobs.ID)
	require.NoError(t, err)
	assert.Equal(t, "Burak Kaya", got.Owner.FullName)
	assert.Equal(t, "Telefon", got.DeviceTypeLabel)
}

func TestCreate_NormalizesAndLogs(t *testing.T) {
	env := newTestEnv()

	got, details, err := env.svc.Create(ctx, env.actor(env.alice), validRequest())
	require.NoError(t, err)
	require.Empty(t, details)

	assert.Equal(t, env.alice.ID, got.UserID)
	assert.Equal(t, "+905321234567", got.GSMNumber)
	assert.Equal(t, "tracker@example.com", got.DeviceEmail)
	assert.Equal(t, "Servis Aracı", *got.DeviceName)
	assert.Equal(t, "ön koltuk", *got.Notes)
	assert.True(t, got.IsActive)
	assert.Nil(t, got.Brand)

	entries := env.recorder.ofType(activity.TypeDeviceAdd)
	require.Len(t, entries, 1)
	assert.Equal(t, env.alice.ID, entries[0].UserID)
	assert.Equal(t, "Yeni cihaz eklendi: Araç Takip Cihazı - +905321234567", entries[0].Description)
}

func TestCreate_Validation(t *testing.T) {
	env := newTestEnv()

	cases := map[string]func(r *DeviceRequest){
		"gsm_number":   func(r *DeviceRequest) { r.GSMNumber = "12ab" },
		"device_email": func(r *DeviceRequest) { r.DeviceEmail = "not-an-email" },
		"imei":         func(r *DeviceRequest) { r.IMEI = "12345" },
		"email_number": func(r *DeviceRequest) { r.EmailNumber = "1234567890123456" },
		"device_type":  func(r *DeviceRequest) { r.DeviceType = "drone" },
		"device_name":  func(r *DeviceRequest) { r.DeviceName = strings.Repeat("a", 101) },
		"brand":        func(r *DeviceRequest) { r.Brand = strings.Repeat("b", 51) },
		"device_group": func(r *DeviceRequest) { r.DeviceGroup = strings.Repeat("g", 101) },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			req := validRequest()
			mutate(&req)
			_, details, err := env.svc.Create(ctx, env.actor(env.alice), req)
			require.NoError(t, err)
			assert.Contains(t, details, field)
		})
	}
	assert.Empty(t, env.recorder.ofType(activity.TypeDeviceAdd))
}

func TestCreate_Conflicts(t *testing.T) {
	env := newTestEnv()
	_, _, err := env.svc.Create(ctx, env.actor(env.alice), validRequest())
	require.NoError(t, err)

	req := validRequest()
	req.GSMNumber = "05329999999"
	_, _, err = env.svc.Create(ctx, env.actor(env.bob), req)
	assert.ErrorIs(t, err, ErrDeviceEmailExists)

	req = validRequest()
	req.DeviceEmail = "other@example.com"
	req.GSMNumber = "+905321234567"
	_, _, err = env.svc.Create(ctx, env.actor(env.alice), req)
	assert.ErrorIs(t, err, ErrDeviceGSMExists)

	// same number under another owner is fine
	_, details, err := env.svc.Create(ctx, env.actor(env.bob), req)
	require.NoError(t, err)
	assert.Empty(t, details)
}

func TestCreate_ForOtherUser(t *testing.T) {
	env := newTestEnv()

	req := validRequest()
	req.UserID = env.bob.ID.String()
	got, details, err := env.svc.Create(ctx, env.actor(env.admin), req)
	require.NoError(t, err)
	require.Empty(t, details)
	assert.Equal(t, env.bob.ID, got.UserID)

	req = validRequest()
	req.DeviceEmail = "x@example.com"
	req.UserID = env.bob.ID.String()
	_, _, err = env.svc.Create(ctx, env.actor(env.alice), req)
	assert.ErrorIs(t, err, ErrForbidden)

	req.UserID = uuid.NewString()
	_, details, err = env.svc.Create(ctx, env.actor(env.admin), req)
	require.NoError(t, err)
	assert.Contains(t, details, "user_id")
}

func TestUpdate_KeepsOwnEmail(t *testing.T) {
	env := newTestEnv()
	created, _, err := env.svc.Create(ctx, env.actor(env.alice), validRequest())
	require.NoError(t, err)

	req := validRequest()
	req.Brand = "Teltonika"
	inactive := false
	req.IsActive = &inactive
	got, details, err := env.svc.Update(ctx, env.actor(env.alice), created.ID, req)
	require.NoError(t, err)
	require.Empty(t, details)
	assert.Equal(t, "Teltonika", *got.Brand)
	assert.False(t, got.IsActive)
	assert.Equal(t, env.alice.ID, got.UserID)
	assert.Len(t, env.recorder.ofType(activity.TypeDeviceEdit), 1)

	_, _, err = env.svc.Update(ctx, env.actor(env.bob), created.ID, req)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDelete(t *testing.T) {
	env := newTestEnv()
	d := env.phone(env.alice, "+905320000001")

	assert.ErrorIs(t, env.svc.Delete(ctx, env.actor(env.bob), d.ID), ErrForbidden)
	require.NoError(t, env.svc.Delete(ctx, env.actor(env.alice), d.ID))
	assert.ErrorIs(t, env.svc.Delete(ctx, env.actor(env.alice), d.ID), ErrDeviceNotFound)

	entries := env.recorder.ofType(activity.TypeDeviceDelete)
	require.Len(t, entries, 1)
	assert.Equal(t, "Cihaz silindi: Telefon - +905320000001", entries[0].Description)
}

func TestToggle(t *testing.T) {
	env := newTestEnv()
	d := env.phone(env.alice, "+905320000001")

	got, err := env.svc.Toggle(ctx, env.actor(env.alice), d.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	got, err = env.svc.Toggle(ctx, env.actor(env.admin), d.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)

	entries := env.recorder.ofType(activity.TypeDeviceEdit)
	require.Len(t, entries, 2)
	assert.Equal(t, "Cihaz durumu pasif yapıldı: Telefon - +905320000001", entries[0].Description)
	assert.Equal(t, "Cihaz durumu aktif yapıldı: Telefon - +905320000001", entries[1].Description)
}

func TestStatistics(t *testing.T) {
	env := newTestEnv()
	env.phone(env.alice, "+905320000001")
	env.devices.add(repository.Device{UserID: env.alice.ID, GSMNumber: "+905320000002", DeviceEmail: "t@x.com",
		DeviceType: TypeTablet, CreatedAt: fixedNow.AddDate(0, 0, -2)})
	env.devices.add(repository.Device{UserID: env.bob.ID, GSMNumber: "+905320000003", DeviceEmail: "c@x.com",
		DeviceType: TypeIPCamera, IsActive: true, CreatedAt: fixedNow.AddDate(0, 0, -30)})

	stats, err := env.svc.Statistics(ctx, env.actor(env.alice))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Inactive)
	assert.Equal(t, float64(2), stats.AvgPerUser)
	require.Len(t, stats.LastDays, StatisticsDays)
	assert.Equal(t, "15.03", stats.LastDays[6].Label)
	assert.Equal(t, 1, stats.LastDays[6].Count)
	assert.Equal(t, 1, stats.LastDays[4].Count)
	assert.Equal(t, 0, stats.LastDays[0].Count)

	stats, err = env.svc.Statistics(ctx, env.actor(env.admin))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Len(t, stats.ByType, 3)
	// 3 devices over 3 active accounts
	assert.Equal(t, float64(1), stats.AvgPerUser)
}
