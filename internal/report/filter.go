package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/araddon/dateparse"
	"github.com/rs/zerolog/log"
)

// ParseTime parses a report timestamp. Reports mix "1/2/2006 15:04:05" and
// ISO layouts, so the layout is detected per value. Zone-less values are UTC.
func ParseTime(s string) (time.Time, error) {
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// HighWaterMark returns the latest orig_created_at in a QA source report.
// ok is false when no row carries a parsable timestamp.
func HighWaterMark(qa *Table) (mark time.Time, ok bool) {
	if qa == nil {
		return time.Time{}, false
	}
	for _, row := range qa.Rows {
		t, err := ParseTime(row.Get(ColOrigCreatedAt))
		if err != nil {
			continue
		}
		if !ok || t.After(mark) {
			mark, ok = t, true
		}
	}
	return mark, ok
}

type stampedRow struct {
	row Row
	at  time.Time
}

// SortByCreated returns every row, oldest _created_at first. Rows whose
// timestamp does not parse follow the dated ones in report order. Ties keep
// report order.
func SortByCreated(rows []Row) []Row {
	dated := make([]stampedRow, 0, len(rows))
	var undated []Row
	for _, row := range rows {
		t, err := ParseTime(row.Get(ColCreatedAt))
		if err != nil {
			log.Warn().Err(err).Str("unitId", row.Get(ColUnitID)).Msg("Row has unparsable created_at, ordering it last")
			undated = append(undated, row)
			continue
		}
		dated = append(dated, stampedRow{row: row, at: t})
	}
	sort.SliceStable(dated, func(i, j int) bool { return dated[i].at.Before(dated[j].at) })
	return append(collect(dated, 0), undated...)
}

// NewSince returns rows created strictly after mark, oldest first, capped
// to limit rows. limit <= 0 disables the cap.
func NewSince(rows []Row, mark time.Time, limit int) []Row {
	return collect(stamp(rows, func(t time.Time) bool { return t.After(mark) }), limit)
}

func stamp(rows []Row, keep func(time.Time) bool) []stampedRow {
	out := make([]stampedRow, 0, len(rows))
	for _, row := range rows {
		t, err := ParseTime(row.Get(ColCreatedAt))
		if err != nil {
			log.Warn().Err(err).Str("unitId", row.Get(ColUnitID)).Msg("Dropping row with unparsable created_at")
			continue
		}
		if keep(t) {
			out = append(out, stampedRow{row: row, at: t})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].at.Before(out[j].at) })
	return out
}

func collect(stamped []stampedRow, limit int) []Row {
	if limit > 0 && len(stamped) > limit {
		stamped = stamped[:limit]
	}
	rows := make([]Row, len(stamped))
	for i, s := range stamped {
		rows[i] = s.row
	}
	return rows
}
