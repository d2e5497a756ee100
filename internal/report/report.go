// Package report models the CSV reports exported by the marketplace.
//
// A report is a header plus records; each record is read into a Row keyed
// by column name. Rows are never mutated after parsing: filtering and
// sorting always produce new slices.
package report

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
)

// Type is the report flavour requested from the marketplace.
type Type string

const (
	// Full is the aggregated results report of an origin job.
	Full Type = "full"
	// Source is the uploaded source data of a QA job.
	Source Type = "source"
)

// ArchiveName is the name of the CSV entry inside the downloaded zip.
func (t Type) ArchiveName(jobID string) string {
	switch t {
	case Full:
		return "f" + jobID + ".csv"
	default:
		return string(t) + jobID + ".csv"
	}
}

// Report columns read by the pipeline.
const (
	ColWorkerID           = "_worker_id"
	ColCreatedAt          = "_created_at"
	ColUnitID             = "_unit_id"
	ColAudioAnnotationURL = "audio_annotation_url"
	ColAudioURL           = "audio_url"
	ColDisplayID          = "display_id"
	ColDuration           = "duration"
	ColFileID             = "pe_file_id"
	ColFileName           = "pe_file_name"
	ColStoreID            = "pe_store_id"
	ColQAJob              = "qa_job"
	ColSampleRate         = "sample"
	ColOrigCreatedAt      = "orig_created_at"
)

var (
	ErrMissingQAJob      = errors.New("qa job id missing from origin report")
	ErrMissingSampleRate = errors.New("sample rate missing from origin report")
)

// Row is one record of a report keyed by column name.
type Row map[string]string

// Get returns the trimmed value of col, or "" when the column is absent.
func (r Row) Get(col string) string {
	return strings.TrimSpace(r[col])
}

// Table is a parsed report.
type Table struct {
	Rows []Row
}

// ParseCSV reads a report with a header line.
func ParseCSV(r io.Reader) (*Table, error) {
	maps, err := gocsv.CSVToMaps(r)
	if err != nil {
		return nil, fmt.Errorf("parse report csv: %w", err)
	}
	rows := make([]Row, 0, len(maps))
	for _, m := range maps {
		rows = append(rows, Row(m))
	}
	return &Table{Rows: rows}, nil
}

// Len returns the number of rows; a nil table has none.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// MaxSampleRate bounds the per-group draw count to ten times the group
// size. Larger values (and +Inf) are rejected.
const MaxSampleRate = 10

// QALink reads the linked QA job ID and sample rate from the last row of an
// origin report. The last row carries the most recent job settings.
func (t *Table) QALink() (qaJobID string, rate float64, err error) {
	if t.Len() == 0 {
		return "", 0, ErrMissingQAJob
	}
	last := t.Rows[len(t.Rows)-1]

	qaJobID = NormalizeJobID(last.Get(ColQAJob))
	if qaJobID == "" {
		return "", 0, ErrMissingQAJob
	}

	raw := last.Get(ColSampleRate)
	if raw == "" {
		return "", 0, ErrMissingSampleRate
	}
	rate, err = strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(rate) || rate <= 0 || rate > MaxSampleRate {
		return "", 0, fmt.Errorf("%w: %q", ErrMissingSampleRate, raw)
	}
	return qaJobID, rate, nil
}

// NormalizeJobID strips the ".0" suffix spreadsheet tools add to numeric IDs.
func NormalizeJobID(id string) string {
	id = strings.TrimSpace(id)
	if whole, frac, ok := strings.Cut(id, "."); ok && strings.Trim(frac, "0") == "" {
		return whole
	}
	return id
}
