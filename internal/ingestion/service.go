// Package ingestion imports a domain user roster from a CSV or xlsx file.
// Each row becomes its own unit of work: a bad row is reported and skipped,
// it never rolls back the rows before it.
package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/medledger/internal/domain"
	"github.com/rpattn/medledger/internal/logger"
	"github.com/rpattn/medledger/internal/repository"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}
)

// Roster columns. Headers are matched after lower-casing and replacing
// spaces, dots and dashes with underscores.
const (
	ColumnAccountName = "account_name"
	ColumnDomainName  = "domain_name"
	ColumnFirstName   = "first_name"
	ColumnLastName    = "last_name"
	ColumnEmail       = "email"
	ColumnActive      = "active"
)

// Service imports domain users.
type Service struct {
	users  repository.DomainUserRepository
	logger zerolog.Logger
}

// NewService creates a new ingestion service.
func NewService(users repository.DomainUserRepository, l zerolog.Logger) *Service {
	return &Service{users: users, logger: logger.Component(l, "ingestion")}
}

// Request describes the ingestion input.
type Request struct {
	FileName       string
	HeaderRowIndex *int
	Data           io.Reader
	// Action stamps every snapshot written by the import.
	Action domain.ActionContext
}

// RowError reports why one data row was skipped. Row is the 1-based CSV
// record or sheet row.
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Summary reports the outcome of an import.
type Summary struct {
	TotalRows   int        `json:"totalRows"`
	Created     int        `json:"created"`
	Updated     int        `json:"updated"`
	Unchanged   int        `json:"unchanged"`
	InvalidRows int        `json:"invalidRows"`
	Errors      []RowError `json:"errors,omitempty"`
}

type tableData struct {
	headers []string
	rows    []tableRow
}

// tableRow is a data row with its 1-based record number.
type tableRow struct {
	number int
	cells  []string
}

// Ingest reads the roster and creates or revises one domain user per row.
// Rows are matched to live users by qualified account name.
func (s *Service) Ingest(ctx context.Context, req Request) (Summary, error) {
	var summary Summary

	if req.Data == nil {
		return summary, errors.New("data reader is required")
	}
	if err := req.Action.Validate(); err != nil {
		return summary, err
	}

	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return summary, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(payload) == 0 {
		return summary, errors.New("file is empty")
	}

	table, err := parseTable(req.FileName, payload, req.HeaderRowIndex)
	if err != nil {
		return summary, err
	}
	columns := make(map[string]int, len(table.headers))
	for idx, header := range table.headers {
		columns[header] = idx
	}
	if _, ok := columns[ColumnAccountName]; !ok {
		return summary, fmt.Errorf("missing %s column", ColumnAccountName)
	}

	existing, err := s.users.List(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to load domain users: %w", err)
	}
	byName := make(map[string]domain.DomainUser, len(existing))
	for _, user := range existing {
		byName[strings.ToLower(user.QualifiedName())] = user
	}

	summary.TotalRows = len(table.rows)
	for _, row := range table.rows {
		rowNumber := row.number

		incoming, err := userFromRow(row.cells, columns)
		if err != nil {
			s.rowError(&summary, rowNumber, err)
			continue
		}

		name := strings.ToLower(incoming.QualifiedName())
		current, found := byName[name]
		if !found {
			created, err := s.users.Create(ctx, req.Action, incoming)
			if err != nil {
				s.rowError(&summary, rowNumber, err)
				continue
			}
			byName[name] = created
			summary.Created++
			continue
		}

		if sameAccount(current, incoming) {
			summary.Unchanged++
			continue
		}
		incoming.Key, incoming.Token = current.Key, current.Token
		updated, err := s.users.Update(ctx, req.Action, incoming)
		if err != nil {
			s.rowError(&summary, rowNumber, err)
			continue
		}
		byName[name] = updated
		summary.Updated++
	}

	s.logger.Info().
		Str("file", req.FileName).
		Int("rows", summary.TotalRows).
		Int("created", summary.Created).
		Int("updated", summary.Updated).
		Int("invalid", summary.InvalidRows).
		Msg("roster imported")
	return summary, nil
}

func (s *Service) rowError(summary *Summary, rowNumber int, err error) {
	summary.InvalidRows++
	summary.Errors = append(summary.Errors, RowError{Row: rowNumber, Message: err.Error()})
	s.logger.Warn().Int("row", rowNumber).Err(err).Msg("roster row skipped")
}

func userFromRow(row []string, columns map[string]int) (domain.DomainUser, error) {
	cell := func(name string) string {
		idx, ok := columns[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	user := domain.DomainUser{
		AccountName: cell(ColumnAccountName),
		DomainName:  cell(ColumnDomainName),
		FirstName:   cell(ColumnFirstName),
		LastName:    cell(ColumnLastName),
		Email:       strings.ToLower(cell(ColumnEmail)),
		Active:      true,
	}
	if raw := cell(ColumnActive); raw != "" {
		active, err := coerceBool(raw)
		if err != nil {
			return domain.DomainUser{}, fmt.Errorf("field %s: %w", ColumnActive, err)
		}
		user.Active = active
	}
	return user, nil
}

func sameAccount(a, b domain.DomainUser) bool {
	return a.AccountName == b.AccountName &&
		a.DomainName == b.DomainName &&
		a.FirstName == b.FirstName &&
		a.LastName == b.LastName &&
		a.Email == b.Email &&
		a.Active == b.Active
}

func parseTable(fileName string, payload []byte, headerRowIndex *int) (tableData, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return parseCSV(payload, headerRowIndex)
	case ".xlsx":
		return parseExcel(payload, headerRowIndex)
	default:
		return tableData{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func parseCSV(payload []byte, headerRowIndex *int) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}
	return normalizeTable(records, headerRowIndex)
}

func parseExcel(payload []byte, headerRowIndex *int) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return normalizeTable(rows, headerRowIndex)
}

func normalizeTable(records [][]string, headerRowIndex *int) (tableData, error) {
	if len(records) == 0 {
		return tableData{}, errors.New("no rows found in file")
	}

	var headerRow []string
	var dataRows []tableRow

	if headerRowIndex != nil {
		if *headerRowIndex < 0 || *headerRowIndex >= len(records) {
			return tableData{}, fmt.Errorf("header row index %d out of range", *headerRowIndex)
		}
		if len(cleanRow(records[*headerRowIndex])) == 0 {
			return tableData{}, fmt.Errorf("selected header row %d is empty", *headerRowIndex+1)
		}
		headerRow = records[*headerRowIndex]
		for idx := *headerRowIndex + 1; idx < len(records); idx++ {
			dataRows = append(dataRows, tableRow{number: idx + 1, cells: records[idx]})
		}
	} else {
		for idx, row := range records {
			if headerRow == nil {
				if len(cleanRow(row)) > 0 {
					headerRow = row
				}
				continue
			}
			dataRows = append(dataRows, tableRow{number: idx + 1, cells: row})
		}
	}

	if headerRow == nil {
		return tableData{}, errors.New("header row could not be detected")
	}

	headers := sanitizeHeaders(headerRow)
	for i := range dataRows {
		dataRows[i].cells = padRow(dataRows[i].cells, len(headers))
	}

	return tableData{headers: headers, rows: filterEmptyRows(dataRows)}, nil
}

func cleanRow(row []string) []string {
	var cleaned []string
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			cleaned = append(cleaned, cell)
		}
	}
	return cleaned
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.ToLower(strings.TrimSpace(value))
		name = strings.NewReplacer(" ", "_", ".", "_", "-", "_").Replace(name)
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}

	return headers
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}

func filterEmptyRows(rows []tableRow) []tableRow {
	var filtered []tableRow
	for _, row := range rows {
		if len(cleanRow(row.cells)) > 0 {
			filtered = append(filtered, row)
		}
	}
	return filtered
}

func coerceBool(raw string) (bool, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "1", "yes", "y":
		return true, nil
	case "0", "no", "n":
		return false, nil
	}
	boolVal, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("unable to coerce %q to boolean", raw)
	}
	return boolVal, nil
}
