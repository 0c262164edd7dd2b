// Package devices manages tracked devices: CRUD with owner visibility,
// statistics and CSV, JSON and XLSX export.
package devices

import (
	"time"

	"github.com/resul067142/yenirr/internal/repository"
)

// Device types
const (
	TypePhone          = "phone"
	TypeTablet         = "tablet"
	TypeComputer       = "computer"
	TypeIoT            = "iot"
	TypeVehicleCamera  = "vehicle_camera"
	TypeVehicleTracker = "vehicle_tracker"
	TypeIPCamera       = "ip_camera"
	TypeOther          = "other"
)

// DeviceType is a catalogue entry
type DeviceType struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Types lists every device type in display order
var Types = []DeviceType{
	{TypePhone, "Telefon"},
	{TypeTablet, "Tablet"},
	{TypeComputer, "Bilgisayar"},
	{TypeIoT, "IoT Cihazı"},
	{TypeVehicleCamera, "Araç Kamerası"},
	{TypeVehicleTracker, "Araç Takip Cihazı"},
	{TypeIPCamera, "IP Kamera"},
	{TypeOther, "Diğer"},
}

var typeLabels = func() map[string]string {
	m := make(map[string]string, len(Types))
	for _, t := range Types {
		m[t.Value] = t.Label
	}
	return m
}()

// IsValidType reports whether t is a known device type
func IsValidType(t string) bool {
	_, ok := typeLabels[t]
	return ok
}

// TypeLabel returns the display name of t
func TypeLabel(t string) string {
	if label, ok := typeLabels[t]; ok {
		return label
	}
	return "Bilinmeyen"
}

// LabeledCount is a count with its display label
type LabeledCount struct {
	Value string `json:"value"`
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LabelTypes attaches display names to per-type counts and drops zeros
func LabelTypes(counts []repository.LabelCount) []LabeledCount {
	out := make([]LabeledCount, 0, len(counts))
	for _, c := range counts {
		if c.Count == 0 {
			continue
		}
		out = append(out, LabeledCount{Value: c.Label, Label: TypeLabel(c.Label), Count: c.Count})
	}
	return out
}

// DayCount is the number of items created on one day
type DayCount struct {
	Date  string `json:"date"`
	Label string `json:"label"`
	Count int    `json:"count"`
}

// FillDays expands sparse per-day counts into the days consecutive days
// ending on today, oldest first. Missing days count zero.
func FillDays(counts []repository.DateCount, today time.Time, days int) []DayCount {
	byDay := make(map[string]int, len(counts))
	for _, c := range counts {
		byDay[c.Date.UTC().Format("2006-01-02")] += c.Count
	}

	start := truncateDay(today).AddDate(0, 0, -(days - 1))
	out := make([]DayCount, 0, days)
	for i := 0; i < days; i++ {
		d := start.AddDate(0, 0, i)
		key := d.Format("2006-01-02")
		out = append(out, DayCount{Date: key, Label: d.Format("02.01"), Count: byDay[key]})
	}
	return out
}

// FillMonths is FillDays for calendar months. Labels read "01.2006".
func FillMonths(counts []repository.DateCount, now time.Time, months int) []DayCount {
	byMonth := make(map[string]int, len(counts))
	for _, c := range counts {
		byMonth[c.Date.UTC().Format("2006-01")] += c.Count
	}

	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -(months - 1), 0)
	out := make([]DayCount, 0, months)
	for i := 0; i < months; i++ {
		m := first.AddDate(0, i, 0)
		key := m.Format("2006-01")
		out = append(out, DayCount{Date: key, Label: m.Format("01.2006"), Count: byMonth[key]})
	}
	return out
}

// StartOfDays returns midnight UTC of the first day of a days long window ending today
func StartOfDays(today time.Time, days int) time.Time {
	return truncateDay(today).AddDate(0, 0, -(days - 1))
}

// StartOfMonths returns the first instant of a months long window ending this month
func StartOfMonths(now time.Time, months int) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -(months - 1), 0)
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
