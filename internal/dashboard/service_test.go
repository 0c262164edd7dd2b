package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resul067142/yenirr/internal/activity"
	"github.com/resul067142/yenirr/internal/api"
	"github.com/resul067142/yenirr/internal/authz"
	appctx "github.com/resul067142/yenirr/internal/context"
	"github.com/resul067142/yenirr/internal/devices"
	"github.com/resul067142/yenirr/internal/repository"
)

var fixedNow = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

type stubUsers struct{}

func (stubUsers) Totals(context.Context) (*repository.UserTotals, error) {
	return &repository.UserTotals{Total: 5, Active: 4, Locked: 1}, nil
}

func (stubUsers) CountByRole(context.Context) ([]repository.LabelCount, error) {
	return []repository.LabelCount{
		{Label: authz.RoleUser, Count: 3},
		{Label: authz.RoleAdmin, Count: 1},
		{Label: authz.RoleSuperAdmin, Count: 0},
	}, nil
}

func (stubUsers) RegistrationsSince(_ context.Context, _ time.Time, bucket string) ([]repository.DateCount, error) {
	if bucket == repository.BucketMonth {
		return []repository.DateCount{{Date: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Count: 2}}, nil
	}
	return []repository.DateCount{{Date: time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), Count: 1}}, nil
}

// stubDevices records the owner filter of the last call
type stubDevices struct {
	mu     sync.Mutex
	owners []*uuid.UUID
}

func (s *stubDevices) seen(owner *uuid.UUID) {
	s.mu.Lock()
	s.owners = append(s.owners, owner)
	s.mu.Unlock()
}

func (s *stubDevices) Totals(_ context.Context, owner *uuid.UUID) (*repository.DeviceTotals, error) {
	s.seen(owner)
	if owner != nil {
		return &repository.DeviceTotals{Total: 2, Active: 1}, nil
	}
	return &repository.DeviceTotals{Total: 10, Active: 7}, nil
}

func (s *stubDevices) CountByType(_ context.Context, owner *uuid.UUID) ([]repository.LabelCount, error) {
	s.seen(owner)
	return []repository.LabelCount{
		{Label: devices.TypePhone, Count: 4},
		{Label: devices.TypeTablet, Count: 2},
		{Label: devices.TypeComputer, Count: 1},
		{Label: devices.TypeIoT, Count: 1},
		{Label: devices.TypeIPCamera, Count: 1},
		{Label: devices.TypeOther, Count: 1},
	}, nil
}

func (s *stubDevices) CreatedSince(_ context.Context, owner *uuid.UUID, _ time.Time, bucket string) ([]repository.DateCount, error) {
	s.seen(owner)
	if bucket == repository.BucketMonth {
		return []repository.DateCount{{Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Count: 6}}, nil
	}
	return []repository.DateCount{{Date: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), Count: 3}}, nil
}

func (s *stubDevices) TopOwners(_ context.Context, limit int) ([]repository.OwnerDeviceCount, error) {
	return []repository.OwnerDeviceCount{{Username: "alice", DeviceCount: 6}}, nil
}

type stubActivity struct {
	lastUser *uuid.UUID
}

func (a *stubActivity) Recent(_ context.Context, userID *uuid.UUID, limit int) ([]repository.ActivityLogWithUser, error) {
	a.lastUser = userID
	return []repository.ActivityLogWithUser{{
		ActivityLog: repository.ActivityLog{ID: uuid.New(), LogType: activity.TypeLogin, Description: "Giriş"},
		Username:    "alice",
	}}, nil
}

func (a *stubActivity) CountSince(_ context.Context, logType string, _ time.Time) (int, error) {
	return map[string]int{
		activity.TypeLogin:       12,
		activity.TypeLoginFailed: 3,
		activity.TypeDeviceAdd:   2,
	}[logType], nil
}

func (a *stubActivity) Count(context.Context) (int, error) {
	return 4000, nil
}

type recordedEntries struct {
	entries []activity.Entry
}

func (r *recordedEntries) Record(_ context.Context, e activity.Entry) error {
	r.entries = append(r.entries, e)
	return nil
}

type testEnv struct {
	svc      *Service
	devices  *stubDevices
	activity *stubActivity
	recorder *recordedEntries
}

func newTestEnv() *testEnv {
	env := &testEnv{devices: &stubDevices{}, activity: &stubActivity{}, recorder: &recordedEntries{}}
	env.svc = NewService(stubUsers{}, env.devices, env.activity, env.recorder)
	env.svc.now = func() time.Time { return fixedNow }
	return env
}

func actorFor(role string) devices.Actor {
	return devices.Actor{ID: uuid.New(), Caps: authz.For(role)}
}

var ctx = context.Background()

func TestHome_User(t *testing.T) {
	env := newTestEnv()
	actor := actorFor(authz.RoleUser)

	home, err := env.svc.Home(ctx, actor)
	require.NoError(t, err)
	assert.False(t, home.IsAdmin)
	assert.Nil(t, home.Admin)
	assert.Equal(t, 2, home.TotalDevices)
	assert.Equal(t, 1, home.InactiveDevices)
	require.Len(t, home.LastDaysDevices, HomeDays)
	assert.Equal(t, 3, home.LastDaysDevices[HomeDays-1].Count)

	for _, owner := range env.devices.owners {
		require.NotNil(t, owner)
		assert.Equal(t, actor.ID, *owner)
	}
	require.NotNil(t, env.activity.lastUser)
	require.Len(t, home.RecentActivities, 1)
	assert.Empty(t, home.RecentActivities[0].Username)
}

func TestHome_Admin(t *testing.T) {
	env := newTestEnv()

	home, err := env.svc.Home(ctx, actorFor(authz.RoleAdmin))
	require.NoError(t, err)
	assert.True(t, home.IsAdmin)
	require.NotNil(t, home.Admin)
	assert.Equal(t, 4, home.Admin.ActiveUsers)
	assert.Equal(t, 1, home.Admin.LockedAccounts)
	assert.Equal(t, 2.5, home.Admin.AvgDevicesPerUser)
	assert.Equal(t, []RoleCount{
		{Role: authz.RoleUser, Label: "Standart Kullanıcı", Count: 3},
		{Role: authz.RoleAdmin, Label: "Admin", Count: 1},
	}, home.Admin.UserRoles)
	assert.Equal(t, 1, home.Admin.LastDaysUsers[HomeDays-2].Count)
	assert.Nil(t, env.activity.lastUser)
	assert.Equal(t, "alice", home.RecentActivities[0].Username)
}

func TestStatistics(t *testing.T) {
	env := newTestEnv()

	stats, err := env.svc.Statistics(ctx, actorFor(authz.RoleUser))
	require.NoError(t, err)
	assert.Nil(t, stats.Admin)
	require.Len(t, stats.Monthly, StatisticsMonths)
	last := stats.Monthly[StatisticsMonths-1]
	assert.Equal(t, "03.2024", last.Label)
	assert.Equal(t, 6, last.Devices)
	assert.Nil(t, last.Users)

	stats, err = env.svc.Statistics(ctx, actorFor(authz.RoleSuperAdmin))
	require.NoError(t, err)
	require.NotNil(t, stats.Admin)
	assert.Len(t, stats.Admin.TopTypes, TopTypes)
	assert.Len(t, stats.DeviceTypes, 6)
	assert.Equal(t, "alice", stats.Admin.TopUsers[0].Username)
	// January 2024 is the third month from the end
	require.NotNil(t, stats.Monthly[9].Users)
	assert.Equal(t, 2, *stats.Monthly[9].Users)
	assert.Equal(t, 0, *stats.Monthly[11].Users)
}

func TestSystem(t *testing.T) {
	env := newTestEnv()

	_, err := env.svc.System(ctx, actorFor(authz.RoleUser))
	assert.ErrorIs(t, err, ErrForbidden)

	info, err := env.svc.System(ctx, actorFor(authz.RoleAdmin))
	require.NoError(t, err)
	assert.Equal(t, 12, info.RecentLogins)
	assert.Equal(t, 3, info.RecentFailedLogins)
	assert.Equal(t, 2, info.RecentDeviceAdds)
	// 5*1024 + 10*512 + 4000*256
	assert.Equal(t, int64(1034240), info.EstimatedDBSize)
	assert.Equal(t, 0.99, info.EstimatedDBSizeMB)

	require.Len(t, env.recorder.entries, 1)
	assert.Equal(t, activity.TypeSystemAccess, env.recorder.entries[0].Type)
}

func TestRoutes_SystemRequiresAdmin(t *testing.T) {
	env := newTestEnv()
	for role, want := range map[string]int{
		authz.RoleUser:  http.StatusForbidden,
		authz.RoleAdmin: http.StatusOK,
	} {
		r := chi.NewRouter()
		RegisterRoutes(r, NewHandler(env.svc, nil), func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				c := appctx.WithUser(req.Context(), uuid.NewString(), "u", role)
				next.ServeHTTP(w, req.WithContext(authz.WithCapabilities(c, authz.For(role))))
			})
		})

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard/system", nil))
		assert.Equal(t, want, rec.Code, role)

		var resp api.APIResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, want == http.StatusOK, resp.Success)
	}
}
