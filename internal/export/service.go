// Package export writes the audit history of one entity, its snapshots and
// the membership links it owns, to an xlsx workbook.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/medledger/internal/association"
	"github.com/rpattn/medledger/internal/domain"
)

const (
	SnapshotSheet = "Snapshots"

	maxSheetName = 31
)

var snapshotHeaders = []string{
	"Snapshot", "Valid From", "Valid To", "Deleted", "Token",
	"User", "Device", "Action UTC", "Action Local",
}

var linkHeaders = []string{
	"Link", "Member", "Associated At", "Associated By",
	"Disassociated At", "Disassociated By", "Attributes",
}

// HistorySource reads the snapshot history of one entity kind.
type HistorySource interface {
	Kind() string
	HistoryViews(ctx context.Context, key uuid.UUID) ([]domain.SnapshotView, error)
}

// LinkSource reads the link history an owner has under a relation.
type LinkSource interface {
	LinkHistory(ctx context.Context, owner uuid.UUID, relation string) ([]association.Link, error)
}

// HistoryRequest selects the entity and the relations to include.
type HistoryRequest struct {
	Source    HistorySource
	Key       uuid.UUID
	Relations []string
}

// Summary reports what a workbook contains.
type Summary struct {
	Snapshots int
	Links     map[string]int
}

type Service struct {
	links     LinkSource
	exportDir string
	now       func() time.Time
}

type Option func(*Service)

func WithExportDirectory(dir string) Option {
	return func(s *Service) {
		if strings.TrimSpace(dir) != "" {
			s.exportDir = filepath.Clean(dir)
		}
	}
}

// WithClock overrides the time used to name export files.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(links LinkSource, opts ...Option) *Service {
	service := &Service{
		links:     links,
		exportDir: filepath.Join(os.TempDir(), "medledger-exports"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// ExportHistory writes the workbook for req into the export directory and
// returns its path.
func (s *Service) ExportHistory(ctx context.Context, req HistoryRequest) (string, Summary, error) {
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return "", Summary{}, fmt.Errorf("failed to create export directory: %w", err)
	}
	path := filepath.Join(s.exportDir, s.fileName(req))

	file, err := os.CreateTemp(s.exportDir, "history-*.xlsx.tmp")
	if err != nil {
		return "", Summary{}, fmt.Errorf("failed to create export file: %w", err)
	}
	tempName := file.Name()
	defer func() { _ = os.Remove(tempName) }()

	summary, err := s.WriteHistory(ctx, file, req)
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close export file: %w", closeErr)
	}
	if err != nil {
		return "", Summary{}, err
	}
	if err := os.Rename(tempName, path); err != nil {
		return "", Summary{}, fmt.Errorf("failed to finalize export file: %w", err)
	}
	return path, summary, nil
}

// WriteHistory streams the workbook for req to w.
func (s *Service) WriteHistory(ctx context.Context, w io.Writer, req HistoryRequest) (Summary, error) {
	views, err := req.Source.HistoryViews(ctx, req.Key)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read %s history: %w", req.Source.Kind(), err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return Summary{}, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := f.SetSheetName(f.GetSheetName(0), SnapshotSheet); err != nil {
		return Summary{}, fmt.Errorf("failed to name snapshot sheet: %w", err)
	}
	if err := writeSnapshots(f, header, views); err != nil {
		return Summary{}, err
	}

	summary := Summary{Snapshots: len(views), Links: make(map[string]int, len(req.Relations))}
	for _, relation := range req.Relations {
		links, err := s.links.LinkHistory(ctx, req.Key, relation)
		if err != nil {
			return Summary{}, fmt.Errorf("failed to read %s links: %w", relation, err)
		}
		sheet := SheetName(relation)
		if _, err := f.NewSheet(sheet); err != nil {
			return Summary{}, fmt.Errorf("failed to add sheet %s: %w", sheet, err)
		}
		if err := writeLinks(f, sheet, header, links); err != nil {
			return Summary{}, err
		}
		summary.Links[relation] = len(links)
	}

	if err := f.Write(w); err != nil {
		return Summary{}, fmt.Errorf("failed to write workbook: %w", err)
	}
	return summary, nil
}

func writeSnapshots(f *excelize.File, header int, views []domain.SnapshotView) error {
	props := propertyNames(views)
	headers := append(append([]string(nil), snapshotHeaders...), props...)
	if err := writeRow(f, SnapshotSheet, 1, toRow(headers)); err != nil {
		return err
	}
	if err := f.SetRowStyle(SnapshotSheet, 1, 1, header); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}

	for i, v := range views {
		row := []any{
			v.SnapshotKey.String(),
			formatValue(v.ValidFrom),
			formatValue(v.ValidTo),
			formatValue(v.Deleted),
			v.Token.String(),
			v.Audit.UserKey.String(),
			v.Audit.DeviceKey.String(),
			formatValue(v.Audit.UTC),
			v.Audit.Local.Format("2006-01-02 15:04:05"),
		}
		for _, name := range props {
			row = append(row, formatValue(v.Properties[name]))
		}
		if err := writeRow(f, SnapshotSheet, i+2, row); err != nil {
			return err
		}
	}
	return nil
}

func writeLinks(f *excelize.File, sheet string, header int, links []association.Link) error {
	if err := writeRow(f, sheet, 1, toRow(linkHeaders)); err != nil {
		return err
	}
	if err := f.SetRowStyle(sheet, 1, 1, header); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}
	for i, link := range links {
		closedBy := ""
		if link.DisassociatedBy != nil {
			closedBy = link.DisassociatedBy.UserKey.String()
		}
		attrs := ""
		if len(link.Attributes) > 0 {
			attrs = formatValue(link.Attributes)
		}
		row := []any{
			link.LinkKey.String(),
			link.MemberKey.String(),
			formatValue(link.AssociatedAt),
			link.AssociatedBy.UserKey.String(),
			formatValue(link.DisassociatedAt),
			closedBy,
			attrs,
		}
		if err := writeRow(f, sheet, i+2, row); err != nil {
			return err
		}
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, rowNum int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return fmt.Errorf("failed to address row %d: %w", rowNum, err)
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", sheet, rowNum, err)
	}
	return nil
}

// SheetName returns the worksheet name used for a relation's links.
func SheetName(relation string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			return '-'
		}
		return r
	}, relation)
	if len(name) > maxSheetName {
		name = name[:maxSheetName]
	}
	return name
}

func (s *Service) fileName(req HistoryRequest) string {
	return fmt.Sprintf("%s-%s-%s.xlsx",
		sanitizeFileComponent(req.Source.Kind()),
		req.Key.String()[:8],
		s.now().UTC().Format("20060102T150405Z"))
}

func propertyNames(views []domain.SnapshotView) []string {
	seen := map[string]struct{}{}
	for _, v := range views {
		for name := range v.Properties {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func toRow(values []string) []any {
	row := make([]any, len(values))
	for i, v := range values {
		row[i] = v
	}
	return row
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-' || r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	result := strings.Trim(builder.String(), "-")
	if result == "" {
		return "export"
	}
	return result
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if v == nil {
			return ""
		}
		return v.UTC().Format(time.RFC3339Nano)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case fmt.Stringer:
		return v.String()
	case float32, float64, int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%v", v)
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}
