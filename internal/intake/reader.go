// Package intake turns schedule exports into appointments and, depending
// on the mode, into identities and links.
package intake

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

var (
	ErrMissingDateColumn = errors.New("schedule file has no appointment_date column")
	ErrEmptyFile         = errors.New("schedule file is empty")
	ErrUnsupportedFormat = errors.New("unsupported schedule file format")
)

// ScheduleRow is one data row of a schedule export with its values as
// written in the file. Line is 1-based and counts the header.
type ScheduleRow struct {
	Line            int    `json:"line"`
	ExternalRef     string `json:"external_ref,omitempty"`
	Phone           string `json:"phone,omitempty"`
	MRN             string `json:"mrn,omitempty"`
	FirstName       string `json:"first_name,omitempty"`
	LastName        string `json:"last_name,omitempty"`
	DateOfBirth     string `json:"dob,omitempty"`
	AppointmentDate string `json:"appointment_date"`
	AppointmentTime string `json:"appointment_time,omitempty"`
	Provider        string `json:"provider,omitempty"`
	Status          string `json:"status,omitempty"`
}

type column int

const (
	colExternalRef column = iota
	colPhone
	colMRN
	colFirstName
	colLastName
	colDOB
	colDate
	colTime
	colProvider
	colStatus
)

var headerAliases = map[string]column{
	"external_ref":     colExternalRef,
	"id":               colExternalRef,
	"phone":            colPhone,
	"patient_phone":    colPhone,
	"mrn":              colMRN,
	"patient_mrn":      colMRN,
	"first_name":       colFirstName,
	"last_name":        colLastName,
	"dob":              colDOB,
	"date_of_birth":    colDOB,
	"appointment_date": colDate,
	"date":             colDate,
	"appointment_time": colTime,
	"time":             colTime,
	"provider":         colProvider,
	"provider_name":    colProvider,
	"status":           colStatus,
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	return strings.ReplaceAll(h, " ", "_")
}

// Read dispatches on the file extension.
func Read(filename string, r io.Reader, sheet string) ([]ScheduleRow, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".txt":
		return ReadCSV(r)
	case ".xlsx", ".xlsm":
		return ReadXLSX(r, sheet)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(filename))
}

// ReadCSV parses a header-driven CSV export.
func ReadCSV(r io.Reader) ([]ScheduleRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	// csv.Reader skips empty lines and folds quoted newlines into one
	// record, so the file line comes from the reader, not the index.
	var records []record
	for {
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		line, _ := cr.FieldPos(0)
		records = append(records, record{line: line, fields: fields})
	}
	return parseRecords(records)
}

// ReadXLSX parses the named sheet, or the first one when sheet is empty.
func ReadXLSX(r io.Reader, sheet string) ([]ScheduleRow, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(0)
		if sheet == "" {
			return nil, ErrEmptyFile
		}
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	records := make([]record, len(rows))
	for i, r := range rows {
		records[i] = record{line: i + 1, fields: r}
	}
	return parseRecords(records)
}

// record is one raw row with the 1-based file line it starts on.
type record struct {
	line   int
	fields []string
}

func parseRecords(records []record) ([]ScheduleRow, error) {
	headerAt := -1
	for i, rec := range records {
		if !blank(rec.fields) {
			headerAt = i
			break
		}
	}
	if headerAt < 0 {
		return nil, ErrEmptyFile
	}

	index := make(map[column]int)
	for i, h := range records[headerAt].fields {
		if col, ok := headerAliases[normalizeHeader(h)]; ok {
			if _, dup := index[col]; !dup {
				index[col] = i
			}
		}
	}
	if _, ok := index[colDate]; !ok {
		return nil, ErrMissingDateColumn
	}

	var rows []ScheduleRow
	for i := headerAt + 1; i < len(records); i++ {
		rec := records[i].fields
		if blank(rec) {
			continue
		}
		get := func(c column) string {
			idx, ok := index[c]
			if !ok || idx >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[idx])
		}
		rows = append(rows, ScheduleRow{
			Line:            records[i].line,
			ExternalRef:     get(colExternalRef),
			Phone:           get(colPhone),
			MRN:             get(colMRN),
			FirstName:       get(colFirstName),
			LastName:        get(colLastName),
			DateOfBirth:     get(colDOB),
			AppointmentDate: get(colDate),
			AppointmentTime: get(colTime),
			Provider:        get(colProvider),
			Status:          get(colStatus),
		})
	}
	return rows, nil
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
