package devices

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/resul067142/yenirr/internal/activity"
	"github.com/resul067142/yenirr/internal/metrics"
	"github.com/resul067142/yenirr/internal/repository"
)

// Export formats
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatXLSX = "xlsx"
)

// ErrUnknownFormat is returned for an unsupported export format
var ErrUnknownFormat = errors.New("unknown export format")

const (
	exportDateLayout = "02.01.2006 15:04"
	exportSheet      = "Cihazlar"
)

var contentTypes = map[string]string{
	FormatCSV:  "text/csv; charset=utf-8",
	FormatJSON: "application/json; charset=utf-8",
	FormatXLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

var (
	baseHeaders  = []string{"Cihaz Adı", "Cihaz Türü", "GSM Numarası", "E-posta", "Marka", "Model", "IMEI", "Durum"}
	ownerHeaders = []string{"Kullanıcı", "TC Kimlik"}
	dateHeader   = "Kayıt Tarihi"
)

// ExportFile is a rendered export ready to be sent
type ExportFile struct {
	Filename    string
	ContentType string
	Data        []byte
	Count       int
}

// ExportOwner is the nested owner of a JSON export record
type ExportOwner struct {
	Username   string `json:"username"`
	FullName   string `json:"full_name"`
	NationalID string `json:"national_id"`
}

// ExportRecord is one device in a JSON export
type ExportRecord struct {
	ID          uuid.UUID    `json:"id"`
	DeviceName  string       `json:"device_name"`
	DeviceType  string       `json:"device_type"`
	GSMNumber   string       `json:"gsm_number"`
	DeviceEmail string       `json:"device_email"`
	Brand       string       `json:"brand"`
	Model       string       `json:"model"`
	IMEI        string       `json:"imei"`
	IsActive    bool         `json:"is_active"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Owner       *ExportOwner `json:"owner,omitempty"`
}

// Export renders every device matching filter in format. Owner columns are
// included when the actor sees every device.
func (s *Service) Export(ctx context.Context, actor Actor, format string, filter Filter) (*ExportFile, error) {
	if !actor.Caps.CanExportData {
		return nil, ErrForbidden
	}
	contentType, ok := contentTypes[format]
	if !ok {
		return nil, ErrUnknownFormat
	}

	params := filter.params(actor.scope())
	params.Limit = -1
	rows, _, err := s.devices.List(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to load devices for export: %w", err)
	}

	withOwner := actor.Caps.CanViewAllDevices
	var buf bytes.Buffer
	switch format {
	case FormatCSV:
		err = WriteCSV(&buf, rows, withOwner)
	case FormatJSON:
		err = WriteJSON(&buf, rows, withOwner)
	case FormatXLSX:
		err = WriteXLSX(&buf, rows, withOwner)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to render %s export: %w", format, err)
	}

	metrics.DevicesExportedTotal.WithLabelValues(format).Inc()
	s.logger.Info("devices exported",
		slog.String("format", format),
		slog.Int("count", len(rows)),
		slog.String("actor_id", actor.ID.String()),
	)
	s.record(ctx, actor, activity.TypeExportData,
		fmt.Sprintf("Cihaz verileri dışa aktarıldı (%s, %d kayıt)", strings.ToUpper(format), len(rows)))

	return &ExportFile{
		Filename:    ExportFilename(s.now(), format),
		ContentType: contentType,
		Data:        buf.Bytes(),
		Count:       len(rows),
	}, nil
}

// ExportFilename returns devices_YYYYMMDD_HHMMSS.<format>
func ExportFilename(t time.Time, format string) string {
	return fmt.Sprintf("devices_%s.%s", t.Format("20060102_150405"), format)
}

// Headers returns the export column titles
func Headers(withOwner bool) []string {
	headers := append([]string{}, baseHeaders...)
	if withOwner {
		headers = append(headers, ownerHeaders...)
	}
	return append(headers, dateHeader)
}

// Row returns the export cells of one device in Headers order
func Row(d *repository.DeviceWithOwner, withOwner bool) []string {
	status := "Pasif"
	if d.IsActive {
		status = "Aktif"
	}
	row := []string{
		deref(d.DeviceName),
		TypeLabel(d.DeviceType),
		d.GSMNumber,
		d.DeviceEmail,
		deref(d.Brand),
		deref(d.Model),
		deref(d.IMEI),
		status,
	}
	if withOwner {
		row = append(row, strings.TrimSpace(d.OwnerFirstName+" "+d.OwnerLastName), d.OwnerNationalID)
	}
	return append(row, d.CreatedAt.Format(exportDateLayout))
}

// WriteCSV writes rows as semicolon separated UTF-8 with a byte order mark
func WriteCSV(w io.Writer, rows []repository.DeviceWithOwner, withOwner bool) error {
	if _, err := io.WriteString(w, "\uFEFF"); err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	cw.Comma = ';'
	if err := cw.Write(Headers(withOwner)); err != nil {
		return err
	}
	for i := range rows {
		if err := cw.Write(Row(&rows[i], withOwner)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes rows as an indented JSON array
func WriteJSON(w io.Writer, rows []repository.DeviceWithOwner, withOwner bool) error {
	records := make([]ExportRecord, 0, len(rows))
	for i := range rows {
		d := &rows[i]
		rec := ExportRecord{
			ID:          d.ID,
			DeviceName:  deref(d.DeviceName),
			DeviceType:  TypeLabel(d.DeviceType),
			GSMNumber:   d.GSMNumber,
			DeviceEmail: d.DeviceEmail,
			Brand:       deref(d.Brand),
			Model:       deref(d.Model),
			IMEI:        deref(d.IMEI),
			IsActive:    d.IsActive,
			CreatedAt:   d.CreatedAt,
			UpdatedAt:   d.UpdatedAt,
		}
		if withOwner {
			rec.Owner = &ExportOwner{
				Username:   d.OwnerUsername,
				FullName:   strings.TrimSpace(d.OwnerFirstName + " " + d.OwnerLastName),
				NationalID: d.OwnerNationalID,
			}
		}
		records = append(records, rec)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

// WriteXLSX writes rows as a single sheet workbook
func WriteXLSX(w io.Writer, rows []repository.DeviceWithOwner, withOwner bool) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return err
	}

	headers := Headers(withOwner)
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(exportSheet, cell, h); err != nil {
			return err
		}
	}
	for r := range rows {
		for c, v := range Row(&rows[r], withOwner) {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(exportSheet, cell, v); err != nil {
				return err
			}
		}
	}

	last, err := excelize.ColumnNumberToName(len(headers))
	if err != nil {
		return err
	}
	if err := f.SetColWidth(exportSheet, "A", last, 18); err != nil {
		return err
	}
	return f.Write(w)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
