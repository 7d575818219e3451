package loan

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// DATE - Business date, day granularity
// =============================================================================

const dateLayout = "2006-01-02"

type Date struct {
	Time time.Time
}

// Constructors
func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return DateOf(t), nil
}

func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Comparison
func (d Date) Before(other Date) bool        { return d.Time.Before(other.Time) }
func (d Date) Equal(other Date) bool         { return d.Time.Equal(other.Time) }
func (d Date) After(other Date) bool         { return d.Time.After(other.Time) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.After(other) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.Before(other) }

// Compare returns -1, 0 or 1.
func (d Date) Compare(other Date) int {
	switch {
	case d.Before(other):
		return -1
	case d.After(other):
		return 1
	}
	return 0
}

// Arithmetic
func (d Date) AddDays(n int) Date   { return Date{Time: d.Time.AddDate(0, 0, n)} }
func (d Date) AddMonths(n int) Date { return Date{Time: d.Time.AddDate(0, n, 0)} }

func (d Date) IsZero() bool   { return d.Time.IsZero() }
func (d Date) String() string { return d.Time.Format(dateLayout) }

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Value stores a date as its ISO string.
func (d Date) Value() (driver.Value, error) {
	return d.String(), nil
}

func (d *Date) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := ParseDate(v)
		if err != nil {
			return err
		}
		*d = parsed
	case []byte:
		return d.Scan(string(v))
	case time.Time:
		*d = DateOf(v)
	default:
		return fmt.Errorf("scan date from %T", src)
	}
	return nil
}

// DaysBetween returns the number of days from a to b.
func DaysBetween(a, b Date) int {
	return int(b.Time.Sub(a.Time).Hours() / 24)
}

// MinDate returns the earlier of a and b.
func MinDate(a, b Date) Date {
	if b.Before(a) {
		return b
	}
	return a
}

// =============================================================================
// CLOCK - Business date provider
// =============================================================================

// Clock supplies the business date. Nothing in this module reads the wall
// clock for business logic; every operation takes its date from a Clock.
type Clock interface {
	// BusinessDate is the date new transactions are submitted on.
	BusinessDate() Date

	// COBDate is the most recent business date that close-of-business
	// should have processed (the day before the business date).
	COBDate() Date
}

// SystemClock derives the business date from UTC wall time.
type SystemClock struct{}

func (SystemClock) BusinessDate() Date { return DateOf(time.Now().UTC()) }
func (SystemClock) COBDate() Date      { return DateOf(time.Now().UTC()).AddDays(-1) }

// FixedClock is a settable clock for tests and back-office date control.
type FixedClock struct {
	mu   sync.RWMutex
	date Date
}

func NewFixedClock(d Date) *FixedClock {
	return &FixedClock{date: d}
}

func (c *FixedClock) BusinessDate() Date {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.date
}

func (c *FixedClock) COBDate() Date {
	return c.BusinessDate().AddDays(-1)
}

func (c *FixedClock) Set(d Date) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.date = d
}

// Advance moves the business date forward by n days.
func (c *FixedClock) Advance(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.date = c.date.AddDays(n)
}
