package analysis

import (
	"fmt"
	"time"
)

// timestampLayout is the log's native timestamp format. The column is
// text, so period filters are closed string intervals over it.
const timestampLayout = "20060102 15:04:05"

// Period is the analysis window: a single day or a whole month.
type Period struct {
	year  int
	month time.Month
	day   int // 0 for a whole month
}

// Day builds a single-day period.
func Day(date time.Time) Period {
	return Period{year: date.Year(), month: date.Month(), day: date.Day()}
}

// Month builds a whole-month period.
func Month(year int, month time.Month) Period {
	return Period{year: year, month: month}
}

// Bounds returns the inclusive timestamp interval covering the period.
func (p Period) Bounds() (string, string) {
	if p.day != 0 {
		d := fmt.Sprintf("%04d%02d%02d", p.year, p.month, p.day)
		return d + " 00:00:00", d + " 23:59:59"
	}
	last := time.Date(p.year, p.month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	lo := fmt.Sprintf("%04d%02d01 00:00:00", p.year, p.month)
	hi := fmt.Sprintf("%04d%02d%02d 23:59:59", p.year, p.month, last)
	return lo, hi
}

// Label names the period in report file names: YYYYMMDD for a day,
// YYYYMM for a month.
func (p Period) Label() string {
	if p.day != 0 {
		return fmt.Sprintf("%04d%02d%02d", p.year, p.month, p.day)
	}
	return fmt.Sprintf("%04d%02d", p.year, p.month)
}

func (p Period) String() string {
	if p.day != 0 {
		return fmt.Sprintf("%04d-%02d-%02d", p.year, p.month, p.day)
	}
	return fmt.Sprintf("%04d-%02d", p.year, p.month)
}
