// Package dashboard aggregates account, device and activity counters into
// the overview, statistics and system information views.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/resul067142/yenirr/internal/activity"
	"github.com/resul067142/yenirr/internal/auth"
	"github.com/resul067142/yenirr/internal/authz"
	"github.com/resul067142/yenirr/internal/devices"
	"github.com/resul067142/yenirr/internal/repository"
)

const (
	// RecentLimit is the number of activity entries on the overview
	RecentLimit = 10
	// HomeDays is the length of the daily series on the overview
	HomeDays = 7
	// StatisticsMonths is the length of the monthly series
	StatisticsMonths = 12
	// TopUsers is the number of users in the device count ranking
	TopUsers = 10
	// TopTypes is the number of device types in the type ranking
	TopTypes = 5
	// SystemWindow is the look-back of the system activity counters
	SystemWindow = 24 * time.Hour
)

// Rough per-row storage estimates in bytes
const (
	userRowBytes   = 1024
	deviceRowBytes = 512
	logRowBytes    = 256
)

// ErrForbidden is returned when the actor may not see a view
var ErrForbidden = errors.New("insufficient permissions")

// UserStats provides account aggregates
type UserStats interface {
	Totals(ctx context.Context) (*repository.UserTotals, error)
	CountByRole(ctx context.Context) ([]repository.LabelCount, error)
	RegistrationsSince(ctx context.Context, since time.Time, bucket string) ([]repository.DateCount, error)
}

// DeviceStats provides device aggregates
type DeviceStats interface {
	Totals(ctx context.Context, ownerID *uuid.UUID) (*repository.DeviceTotals, error)
	CountByType(ctx context.Context, ownerID *uuid.UUID) ([]repository.LabelCount, error)
	CreatedSince(ctx context.Context, ownerID *uuid.UUID, since time.Time, bucket string) ([]repository.DateCount, error)
	TopOwners(ctx context.Context, limit int) ([]repository.OwnerDeviceCount, error)
}

// ActivityStats provides activity log aggregates
type ActivityStats interface {
	Recent(ctx context.Context, userID *uuid.UUID, limit int) ([]repository.ActivityLogWithUser, error)
	CountSince(ctx context.Context, logType string, since time.Time) (int, error)
	Count(ctx context.Context) (int, error)
}

// RoleCount is the number of active accounts holding one role
type RoleCount struct {
	Role  string `json:"role"`
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Home is the overview. Admin is set for actors who see every device.
type Home struct {
	IsAdmin          bool                     `json:"is_admin"`
	TotalDevices     int                      `json:"total_devices"`
	ActiveDevices    int                      `json:"active_devices"`
	InactiveDevices  int                      `json:"inactive_devices"`
	DeviceTypes      []devices.LabeledCount   `json:"device_type_stats"`
	LastDaysDevices  []devices.DayCount       `json:"last_7_days_devices"`
	RecentActivities []activity.EntryResponse `json:"recent_activities"`
	Admin            *AdminHome               `json:"admin,omitempty"`
}

// AdminHome holds the system-wide part of the overview
type AdminHome struct {
	ActiveUsers       int                `json:"total_users"`
	LockedAccounts    int                `json:"locked_accounts"`
	AvgDevicesPerUser float64            `json:"avg_devices_per_user"`
	UserRoles         []RoleCount        `json:"user_role_stats"`
	LastDaysUsers     []devices.DayCount `json:"last_7_days_users"`
}

// MonthCount holds one month of the statistics series. Users is only set
// in the system-wide view.
type MonthCount struct {
	Month   string `json:"month"`
	Label   string `json:"label"`
	Users   *int   `json:"users,omitempty"`
	Devices int    `json:"devices"`
}

// Statistics is the detailed statistics view
type Statistics struct {
	IsAdmin      bool                   `json:"is_admin"`
	TotalDevices int                    `json:"total_devices"`
	DeviceTypes  []devices.LabeledCount `json:"device_type_detailed"`
	Monthly      []MonthCount           `json:"monthly_stats"`
	Admin        *AdminStatistics       `json:"admin,omitempty"`
}

// AdminStatistics holds the system-wide part of the statistics view
type AdminStatistics struct {
	ActiveUsers int                           `json:"total_users"`
	UserRoles   []RoleCount                   `json:"user_role_detailed"`
	TopUsers    []repository.OwnerDeviceCount `json:"top_users"`
	TopTypes    []devices.LabeledCount        `json:"top_device_types"`
}

// SystemInfo is the administrator system summary
type SystemInfo struct {
	TotalUsers         int     `json:"total_users"`
	ActiveUsers        int     `json:"active_users"`
	LockedUsers        int     `json:"locked_users"`
	TotalDevices       int     `json:"total_devices"`
	ActiveDevices      int     `json:"active_devices"`
	RecentLogins       int     `json:"recent_logins"`
	RecentFailedLogins int     `json:"recent_failed_logins"`
	RecentDeviceAdds   int     `json:"recent_device_adds"`
	ActivityEntries    int     `json:"activity_entries"`
	EstimatedDBSize    int64   `json:"estimated_db_size"`
	EstimatedDBSizeMB  float64 `json:"estimated_db_size_mb"`
}

// Service builds the dashboard views
type Service struct {
	users    UserStats
	devices  DeviceStats
	activity ActivityStats
	recorder auth.ActivityRecorder
	now      func() time.Time
}

// NewService creates a new dashboard Service. recorder may be nil.
func NewService(users UserStats, devs DeviceStats, act ActivityStats, recorder auth.ActivityRecorder) *Service {
	return &Service{
		users:    users,
		devices:  devs,
		activity: act,
		recorder: recorder,
		now:      time.Now,
	}
}

// Home returns the overview for the actor
func (s *Service) Home(ctx context.Context, actor devices.Actor) (*Home, error) {
	now := s.now()
	admin := actor.Caps.CanViewAllDevices
	var owner *uuid.UUID
	if !admin {
		owner = &actor.ID
	}

	totals, err := s.devices.Totals(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to count devices: %w", err)
	}
	byType, err := s.devices.CountByType(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to count device types: %w", err)
	}
	added, err := s.devices.CreatedSince(ctx, owner, devices.StartOfDays(now, HomeDays), repository.BucketDay)
	if err != nil {
		return nil, fmt.Errorf("failed to count new devices: %w", err)
	}
	recent, err := s.activity.Recent(ctx, owner, RecentLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent activity: %w", err)
	}

	home := &Home{
		IsAdmin:          admin,
		TotalDevices:     totals.Total,
		ActiveDevices:    totals.Active,
		InactiveDevices:  totals.Total - totals.Active,
		DeviceTypes:      devices.LabelTypes(byType),
		LastDaysDevices:  devices.FillDays(added, now, HomeDays),
		RecentActivities: entries(recent, admin),
	}
	if !admin {
		return home, nil
	}

	users, err := s.users.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}
	roles, err := s.users.CountByRole(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count roles: %w", err)
	}
	joined, err := s.users.RegistrationsSince(ctx, devices.StartOfDays(now, HomeDays), repository.BucketDay)
	if err != nil {
		return nil, fmt.Errorf("failed to count registrations: %w", err)
	}

	home.Admin = &AdminHome{
		ActiveUsers:       users.Active,
		LockedAccounts:    users.Locked,
		AvgDevicesPerUser: devices.Average(totals.Total, users.Active),
		UserRoles:         labelRoles(roles),
		LastDaysUsers:     devices.FillDays(joined, now, HomeDays),
	}
	return home, nil
}

// Statistics returns the detailed statistics for the actor
func (s *Service) Statistics(ctx context.Context, actor devices.Actor) (*Statistics, error) {
	now := s.now()
	admin := actor.Caps.CanViewAllDevices
	var owner *uuid.UUID
	if !admin {
		owner = &actor.ID
	}
	since := devices.StartOfMonths(now, StatisticsMonths)

	totals, err := s.devices.Totals(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to count devices: %w", err)
	}
	byType, err := s.devices.CountByType(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to count device types: %w", err)
	}
	added, err := s.devices.CreatedSince(ctx, owner, since, repository.BucketMonth)
	if err != nil {
		return nil, fmt.Errorf("failed to count new devices: %w", err)
	}

	types := devices.LabelTypes(byType)
	stats := &Statistics{
		IsAdmin:      admin,
		TotalDevices: totals.Total,
		DeviceTypes:  types,
	}
	deviceMonths := devices.FillMonths(added, now, StatisticsMonths)
	stats.Monthly = make([]MonthCount, len(deviceMonths))
	for i, m := range deviceMonths {
		stats.Monthly[i] = MonthCount{Month: m.Date, Label: m.Label, Devices: m.Count}
	}
	if !admin {
		return stats, nil
	}

	users, err := s.users.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}
	roles, err := s.users.CountByRole(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count roles: %w", err)
	}
	joined, err := s.users.RegistrationsSince(ctx, since, repository.BucketMonth)
	if err != nil {
		return nil, fmt.Errorf("failed to count registrations: %w", err)
	}
	top, err := s.devices.TopOwners(ctx, TopUsers)
	if err != nil {
		return nil, fmt.Errorf("failed to rank users: %w", err)
	}

	for i, m := range devices.FillMonths(joined, now, StatisticsMonths) {
		count := m.Count
		stats.Monthly[i].Users = &count
	}
	topTypes := types
	if len(topTypes) > TopTypes {
		topTypes = topTypes[:TopTypes]
	}
	stats.Admin = &AdminStatistics{
		ActiveUsers: users.Active,
		UserRoles:   labelRoles(roles),
		TopUsers:    top,
		TopTypes:    topTypes,
	}
	return stats, nil
}

// System returns the system summary. Only actors who see every device may
// read it; each read is recorded as a system access.
func (s *Service) System(ctx context.Context, actor devices.Actor) (*SystemInfo, error) {
	if !actor.Caps.CanViewAllDevices {
		return nil, ErrForbidden
	}
	since := s.now().Add(-SystemWindow)

	users, err := s.users.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}
	totals, err := s.devices.Totals(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to count devices: %w", err)
	}

	info := &SystemInfo{
		TotalUsers:    users.Total,
		ActiveUsers:   users.Active,
		LockedUsers:   users.Locked,
		TotalDevices:  totals.Total,
		ActiveDevices: totals.Active,
	}
	counters := []struct {
		logType string
		dst     *int
	}{
		{activity.TypeLogin, &info.RecentLogins},
		{activity.TypeLoginFailed, &info.RecentFailedLogins},
		{activity.TypeDeviceAdd, &info.RecentDeviceAdds},
	}
	for _, c := range counters {
		n, err := s.activity.CountSince(ctx, c.logType, since)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s entries: %w", c.logType, err)
		}
		*c.dst = n
	}
	if info.ActivityEntries, err = s.activity.Count(ctx); err != nil {
		return nil, fmt.Errorf("failed to count activity entries: %w", err)
	}

	info.EstimatedDBSize = EstimateSize(info.TotalUsers, info.TotalDevices, info.ActivityEntries)
	info.EstimatedDBSizeMB = math.Round(float64(info.EstimatedDBSize)/(1024*1024)*100) / 100

	if s.recorder != nil {
		_ = s.recorder.Record(ctx, activity.Entry{
			UserID:      actor.ID,
			Type:        activity.TypeSystemAccess,
			Description: "Sistem bilgileri görüntülendi",
			IPAddress:   actor.Client.IPAddress,
			UserAgent:   actor.Client.UserAgent,
		})
	}
	return info, nil
}

// EstimateSize approximates the database size in bytes from row counts
func EstimateSize(users, deviceCount, logs int) int64 {
	return int64(users)*userRowBytes + int64(deviceCount)*deviceRowBytes + int64(logs)*logRowBytes
}

func labelRoles(counts []repository.LabelCount) []RoleCount {
	out := make([]RoleCount, 0, len(counts))
	for _, c := range counts {
		if c.Count == 0 {
			continue
		}
		label, ok := authz.RoleLabels[c.Label]
		if !ok {
			label = c.Label
		}
		out = append(out, RoleCount{Role: c.Label, Label: label, Count: c.Count})
	}
	return out
}

func entries(logs []repository.ActivityLogWithUser, withUser bool) []activity.EntryResponse {
	out := make([]activity.EntryResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, activity.ToEntryResponse(l, withUser))
	}
	return out
}
