package schema

import (
	"fmt"
	"strings"
	"time"
)

// Date is a calendar date serialized as an ISO-8601 string ("2006-01-02").
// Invoices carry dates without time-of-day; using a dedicated type keeps
// the wire format stable regardless of the producer's timezone.
type Date struct {
	time.Time
}

// NewDate builds a Date from year, month, day in UTC.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func (d Date) String() string {
	return d.Format("2006-01-02")
}

// MarshalJSON encodes the date as a quoted ISO-8601 string.
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON decodes an ISO-8601 date string.
func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return fmt.Errorf("schema: invalid date %q: %w", s, err)
	}
	d.Time = t
	return nil
}

// Before reports whether d is strictly before other.
func (d Date) Before(other Date) bool {
	return d.Time.Before(other.Time)
}

// After reports whether d is strictly after other.
func (d Date) After(other Date) bool {
	return d.Time.After(other.Time)
}

// ParseVendorDate parses a date as written on a vendor invoice. ISO-8601
// is accepted unconditionally. Two-slash forms are ambiguous between
// DD/MM/YYYY and MM/DD/YYYY; the vendor's locale decides, with the
// impossible reading (month > 12) rescued by swapping.
func ParseVendorDate(s string, vendor VendorType) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, fmt.Errorf("schema: empty date")
	}

	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return NewDate(t.Year(), t.Month(), t.Day()), nil
		}
	}

	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Date{}, fmt.Errorf("schema: unparseable date %q", s)
	}

	first, errA := atoi2(parts[0])
	second, errB := atoi2(parts[1])
	year, errC := atoi2(parts[2])
	if errA != nil || errB != nil || errC != nil {
		return Date{}, fmt.Errorf("schema: unparseable date %q", s)
	}
	if year < 100 {
		year += 2000
	}

	var day, month int
	if vendor.DayFirstDates() {
		day, month = first, second
	} else {
		month, day = first, second
	}
	// Rescue the impossible reading: 25/01/2026 under a month-first
	// locale can only mean day-first, and vice versa.
	if month > 12 && day <= 12 {
		day, month = month, day
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return Date{}, fmt.Errorf("schema: date %q out of range", s)
	}

	d := NewDate(year, time.Month(month), day)
	// time.Date normalizes overflow (e.g. Feb 31 -> Mar 3); reject it.
	if d.Day() != day || d.Month() != time.Month(month) {
		return Date{}, fmt.Errorf("schema: date %q does not exist", s)
	}
	return d, nil
}

func atoi2(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-digit %q", c)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
