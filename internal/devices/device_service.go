package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/resul067142/yenirr/internal/activity"
	"github.com/resul067142/yenirr/internal/api"
	"github.com/resul067142/yenirr/internal/auth"
	"github.com/resul067142/yenirr/internal/authz"
	"github.com/resul067142/yenirr/internal/repository"
	"github.com/resul067142/yenirr/internal/sanitizer"
	"github.com/resul067142/yenirr/internal/validation"
)

const (
	// PageSize is the number of devices per list page
	PageSize = 20
	// StatisticsDays is the length of the daily series in statistics
	StatisticsDays = 7
)

// Service errors
var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrForbidden         = errors.New("insufficient permissions")
	ErrDeviceEmailExists = errors.New("device email already exists")
	ErrDeviceGSMExists   = errors.New("gsm number already registered")
)

// Error codes for API responses
const (
	CodeDeviceEmailExists = "DEVICE_EMAIL_EXISTS"
	CodeDeviceGSMExists   = "DEVICE_GSM_EXISTS"
)

// DeviceStore is the device persistence used by the service
type DeviceStore interface {
	List(ctx context.Context, params repository.ListDeviceParams) ([]repository.DeviceWithOwner, int, error)
	GetByID(ctx context.Context, id uuid.UUID) (*repository.DeviceWithOwner, error)
	Create(ctx context.Context, device *repository.Device) error
	Update(ctx context.Context, device *repository.Device) error
	Delete(ctx context.Context, id uuid.UUID) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	DeviceEmailExists(ctx context.Context, email string, excludeID *uuid.UUID) (bool, error)
	GSMExists(ctx context.Context, ownerID uuid.UUID, gsm string, excludeID *uuid.UUID) (bool, error)
	Totals(ctx context.Context, ownerID *uuid.UUID) (*repository.DeviceTotals, error)
	CountByType(ctx context.Context, ownerID *uuid.UUID) ([]repository.LabelCount, error)
	CreatedSince(ctx context.Context, ownerID *uuid.UUID, since time.Time, bucket string) ([]repository.DateCount, error)
}

// OwnerStore resolves device owners and account totals
type OwnerStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*repository.User, error)
	Totals(ctx context.Context) (*repository.UserTotals, error)
}

// Actor is the authenticated user performing a request
type Actor struct {
	ID     uuid.UUID
	Caps   authz.Capabilities
	Client auth.ClientInfo
}

// scope returns the owner filter for queries made by the actor
func (a Actor) scope() *uuid.UUID {
	if a.Caps.CanViewAllDevices {
		return nil
	}
	id := a.ID
	return &id
}

// DeviceRequest is the payload of device create and update. UserID is only
// honoured on create and only for actors who see every device.
type DeviceRequest struct {
	UserID      string `json:"user_id" validate:"omitempty,uuid"`
	GSMNumber   string `json:"gsm_number" validate:"required,gsm"`
	DeviceEmail string `json:"device_email" validate:"required,email,max=254"`
	EmailNumber string `json:"email_number" validate:"omitempty,digits15"`
	DeviceType  string `json:"device_type" validate:"required"`
	DeviceName  string `json:"device_name" validate:"max=100"`
	Brand       string `json:"brand" validate:"max=50"`
	Model       string `json:"model" validate:"max=50"`
	IMEI        string `json:"imei" validate:"omitempty,digits15"`
	DeviceGroup string `json:"device_group" validate:"max=100"`
	Notes       string `json:"notes"`
	IsActive    *bool  `json:"is_active"`
}

// Filter narrows device lists and exports. To is an inclusive day.
type Filter struct {
	DeviceType string
	IsActive   *bool
	From       *time.Time
	To         *time.Time
	Search     string
	Sort       string
}

func (f Filter) params(owner *uuid.UUID) repository.ListDeviceParams {
	p := repository.ListDeviceParams{
		OwnerID:    owner,
		DeviceType: f.DeviceType,
		IsActive:   f.IsActive,
		FromDate:   f.From,
		Search:     strings.TrimSpace(f.Search),
		Sort:       f.Sort,
	}
	if f.To != nil {
		next := f.To.AddDate(0, 0, 1)
		p.ToDate = &next
	}
	return p
}

// OwnerResponse identifies the owner of a device
type OwnerResponse struct {
	ID         uuid.UUID `json:"id"`
	Username   string    `json:"username"`
	FullName   string    `json:"full_name"`
	NationalID string    `json:"national_id"`
}

// DeviceResponse is the API representation of a device
type DeviceResponse struct {
	ID              uuid.UUID      `json:"id"`
	UserID          uuid.UUID      `json:"user_id"`
	GSMNumber       string         `json:"gsm_number"`
	DeviceEmail     string         `json:"device_email"`
	EmailNumber     *string        `json:"email_number"`
	DeviceType      string         `json:"device_type"`
	DeviceTypeLabel string         `json:"device_type_label"`
	DeviceName      *string        `json:"device_name"`
	Brand           *string        `json:"brand"`
	Model           *string        `json:"model"`
	IMEI            *string        `json:"imei"`
	DeviceGroup     *string        `json:"device_group"`
	Notes           *string        `json:"notes"`
	IsActive        bool           `json:"is_active"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Owner           *OwnerResponse `json:"owner,omitempty"`
}

// ListResponse is one page of devices
type ListResponse struct {
	Devices    []DeviceResponse   `json:"devices"`
	Pagination api.PaginationInfo `json:"pagination"`
}

// Statistics summarizes the devices visible to the actor
type Statistics struct {
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	Inactive   int            `json:"inactive"`
	ByType     []LabeledCount `json:"by_type"`
	LastDays   []DayCount     `json:"last_7_days"`
	AvgPerUser float64        `json:"avg_devices_per_user"`
}

// Service handles device management
type Service struct {
	devices  DeviceStore
	owners   OwnerStore
	activity auth.ActivityRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// ServiceConfig contains the dependencies of Service
type ServiceConfig struct {
	Devices  DeviceStore
	Owners   OwnerStore
	Activity auth.ActivityRecorder
	Logger   *slog.Logger
}

// NewService creates a new devices Service
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		devices:  cfg.Devices,
		owners:   cfg.Owners,
		activity: cfg.Activity,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// List returns one page of the devices visible to the actor
func (s *Service) List(ctx context.Context, actor Actor, page int, filter Filter) (*ListResponse, error) {
	if page < 1 {
		page = 1
	}
	params := filter.params(actor.scope())
	params.Page = page
	params.Limit = PageSize

	rows, total, err := s.devices.List(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	out := make([]DeviceResponse, 0, len(rows))
	for i := range rows {
		out = append(out, present(&rows[i], actor))
	}
	return &ListResponse{
		Devices:    out,
		Pagination: api.NewPagination(page, PageSize, total),
	}, nil
}

// Get returns one device the actor may see
func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (*DeviceResponse, error) {
	device, err := s.visible(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	resp := present(device, actor)
	return &resp, nil
}

// Create registers a device. Validation problems are returned as the second value.
func (s *Service) Create(ctx context.Context, actor Actor, req DeviceRequest) (*DeviceResponse, map[string][]string, error) {
	req = normalize(req)
	details := validate(req)

	ownerID := actor.ID
	if req.UserID != "" && details["user_id"] == nil {
		id := uuid.MustParse(req.UserID)
		if id != actor.ID && !actor.Caps.CanViewAllDevices {
			return nil, nil, ErrForbidden
		}
		if _, err := s.owners.GetByID(ctx, id); err != nil {
			if !errors.Is(err, repository.ErrUserNotFound) {
				return nil, nil, err
			}
			details = validation.Merge(details, map[string][]string{"user_id": {"Unknown user"}})
		}
		ownerID = id
	}
	if len(details) > 0 {
		return nil, details, nil
	}

	if err := s.ensureUnique(ctx, ownerID, req, nil); err != nil {
		return nil, nil, err
	}

	device := &repository.Device{UserID: ownerID, IsActive: true}
	apply(device, req)
	if err := s.devices.Create(ctx, device); err != nil {
		return nil, nil, mapConflict(err)
	}

	s.logger.Info("device created",
		slog.String("device_id", device.ID.String()),
		slog.String("owner_id", ownerID.String()),
		slog.String("actor_id", actor.ID.String()),
	)
	s.record(ctx, actor, activity.TypeDeviceAdd,
		fmt.Sprintf("Yeni cihaz eklendi: %s - %s", TypeLabel(device.DeviceType), device.GSMNumber))

	created, err := s.devices.GetByID(ctx, device.ID)
	if err != nil {
		return nil, nil, mapConflict(err)
	}
	resp := present(created, actor)
	return &resp, nil, nil
}

// Update replaces the editable fields of a device
func (s *Service) Update(ctx context.Context, actor Actor, id uuid.UUID, req DeviceRequest) (*DeviceResponse, map[string][]string, error) {
	req = normalize(req)
	req.UserID = ""
	if details := validate(req); len(details) > 0 {
		return nil, details, nil
	}

	existing, err := s.visible(ctx, actor, id)
	if err != nil {
		return nil, nil, err
	}
	if err := s.ensureUnique(ctx, existing.UserID, req, &existing.ID); err != nil {
		return nil, nil, err
	}

	device := existing.Device
	apply(&device, req)
	if err := s.devices.Update(ctx, &device); err != nil {
		return nil, nil, mapConflict(err)
	}
	existing.Device = device

	s.record(ctx, actor, activity.TypeDeviceEdit,
		fmt.Sprintf("Cihaz güncellendi: %s - %s", TypeLabel(device.DeviceType), device.GSMNumber))

	resp := present(existing, actor)
	return &resp, nil, nil
}

// Delete removes a device
func (s *Service) Delete(ctx context.Context, actor Actor, id uuid.UUID) error {
	device, err := s.visible(ctx, actor, id)
	if err != nil {
		return err
	}
	if err := s.devices.Delete(ctx, id); err != nil {
		return mapConflict(err)
	}

	s.logger.Info("device deleted",
		slog.String("device_id", id.String()),
		slog.String("actor_id", actor.ID.String()),
	)
	s.record(ctx, actor, activity.TypeDeviceDelete,
		fmt.Sprintf("Cihaz silindi: %s - %s", TypeLabel(device.DeviceType), device.GSMNumber))
	return nil
}

// Toggle flips the active flag of a device
func (s *Service) Toggle(ctx context.Context, actor Actor, id uuid.UUID) (*DeviceResponse, error) {
	device, err := s.visible(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	active := !device.IsActive
	if err := s.devices.SetActive(ctx, id, active); err != nil {
		return nil, mapConflict(err)
	}
	device.IsActive = active
	device.UpdatedAt = s.now().UTC()

	status := "pasif"
	if active {
		status = "aktif"
	}
	s.record(ctx, actor, activity.TypeDeviceEdit,
		fmt.Sprintf("Cihaz durumu %s yapıldı: %s - %s", status, TypeLabel(device.DeviceType), device.GSMNumber))

	resp := present(device, actor)
	return &resp, nil
}

// Statistics summarizes the devices visible to the actor. For actors who
// see every device the average is taken over active accounts; otherwise it
// is the actor's own device count.
func (s *Service) Statistics(ctx context.Context, actor Actor) (*Statistics, error) {
	owner := actor.scope()
	now := s.now()

	totals, err := s.devices.Totals(ctx, owner)
	if err != nil {
		return nil, err
	}
	byType, err := s.devices.CountByType(ctx, owner)
	if err != nil {
		return nil, err
	}
	daily, err := s.devices.CreatedSince(ctx, owner, StartOfDays(now, StatisticsDays), repository.BucketDay)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		Total:    totals.Total,
		Active:   totals.Active,
		Inactive: totals.Total - totals.Active,
		ByType:   LabelTypes(byType),
		LastDays: FillDays(daily, now, StatisticsDays),
	}

	if owner != nil {
		stats.AvgPerUser = float64(totals.Total)
		return stats, nil
	}
	users, err := s.owners.Totals(ctx)
	if err != nil {
		return nil, err
	}
	stats.AvgPerUser = Average(totals.Total, users.Active)
	return stats, nil
}

// Average returns total/count rounded to one decimal, or 0 when count is 0
func Average(total, count int) float64 {
	if count == 0 {
		return 0
	}
	return math.Round(float64(total)/float64(count)*10) / 10
}

// visible loads a device and checks that the actor may see it
func (s *Service) visible(ctx context.Context, actor Actor, id uuid.UUID) (*repository.DeviceWithOwner, error) {
	device, err := s.devices.GetByID(ctx, id)
	if err != nil {
		return nil, mapConflict(err)
	}
	if !actor.Caps.CanViewAllDevices && device.UserID != actor.ID {
		return nil, ErrForbidden
	}
	return device, nil
}

func (s *Service) ensureUnique(ctx context.Context, ownerID uuid.UUID, req DeviceRequest, excludeID *uuid.UUID) error {
	taken, err := s.devices.DeviceEmailExists(ctx, req.DeviceEmail, excludeID)
	if err != nil {
		return err
	}
	if taken {
		return ErrDeviceEmailExists
	}
	taken, err = s.devices.GSMExists(ctx, ownerID, validation.NormalizeGSM(req.GSMNumber), excludeID)
	if err != nil {
		return err
	}
	if taken {
		return ErrDeviceGSMExists
	}
	return nil
}

func (s *Service) record(ctx context.Context, actor Actor, logType, description string) {
	if s.activity == nil {
		return
	}
	_ = s.activity.Record(ctx, activity.Entry{
		UserID:      actor.ID,
		Type:        logType,
		Description: description,
		IPAddress:   actor.Client.IPAddress,
		UserAgent:   actor.Client.UserAgent,
	})
}

func normalize(req DeviceRequest) DeviceRequest {
	req.UserID = strings.TrimSpace(req.UserID)
	req.GSMNumber = strings.TrimSpace(req.GSMNumber)
	req.DeviceEmail = strings.TrimSpace(strings.ToLower(req.DeviceEmail))
	req.EmailNumber = strings.TrimSpace(req.EmailNumber)
	req.DeviceType = strings.TrimSpace(req.DeviceType)
	req.DeviceName = sanitizer.StripTags(req.DeviceName)
	req.Brand = sanitizer.StripTags(req.Brand)
	req.Model = sanitizer.StripTags(req.Model)
	req.IMEI = strings.TrimSpace(req.IMEI)
	req.DeviceGroup = sanitizer.StripTags(req.DeviceGroup)
	req.Notes = sanitizer.StripTagsMultiline(req.Notes)
	return req
}

func validate(req DeviceRequest) map[string][]string {
	details := validation.Struct(req)
	if req.DeviceType != "" && !IsValidType(req.DeviceType) {
		details = validation.Merge(details, map[string][]string{"device_type": {"Unknown device type"}})
	}
	return details
}

func apply(device *repository.Device, req DeviceRequest) {
	device.GSMNumber = validation.NormalizeGSM(req.GSMNumber)
	device.DeviceEmail = req.DeviceEmail
	device.EmailNumber = optional(req.EmailNumber)
	device.DeviceType = req.DeviceType
	device.DeviceName = optional(req.DeviceName)
	device.Brand = optional(req.Brand)
	device.Model = optional(req.Model)
	device.IMEI = optional(req.IMEI)
	device.DeviceGroup = optional(req.DeviceGroup)
	device.Notes = optional(req.Notes)
	if req.IsActive != nil {
		device.IsActive = *req.IsActive
	}
}

func present(d *repository.DeviceWithOwner, actor Actor) DeviceResponse {
	resp := DeviceResponse{
		ID:              d.ID,
		UserID:          d.UserID,
		GSMNumber:       d.GSMNumber,
		DeviceEmail:     d.DeviceEmail,
		EmailNumber:     d.EmailNumber,
		DeviceType:      d.DeviceType,
		DeviceTypeLabel: TypeLabel(d.DeviceType),
		DeviceName:      d.DeviceName,
		Brand:           d.Brand,
		Model:           d.Model,
		IMEI:            d.IMEI,
		DeviceGroup:     d.DeviceGroup,
		Notes:           d.Notes,
		IsActive:        d.IsActive,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	if actor.Caps.CanViewAllDevices {
		resp.Owner = ownerOf(d)
	}
	return resp
}

func ownerOf(d *repository.DeviceWithOwner) *OwnerResponse {
	return &OwnerResponse{
		ID:         d.UserID,
		Username:   d.OwnerUsername,
		FullName:   strings.TrimSpace(d.OwnerFirstName + " " + d.OwnerLastName),
		NationalID: d.OwnerNationalID,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func mapConflict(err error) error {
	switch {
	case errors.Is(err, repository.ErrDeviceNotFound):
		return ErrDeviceNotFound
	case errors.Is(err, repository.ErrDeviceEmailExists):
		return ErrDeviceEmailExists
	case errors.Is(err, repository.ErrDeviceGSMExists):
		return ErrDeviceGSMExists
	}
	return err
}
