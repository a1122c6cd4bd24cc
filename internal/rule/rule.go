package rule

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrBadRule marks a rule that cannot be scheduled. Callers reject the task
// at compile time and surface the wrapped detail to the task owner.
var ErrBadRule = errors.New("invalid schedule rule")

// Kind selects which mode of a Rule is semantically active.
// Unused mode fields are ignored, never partially interpreted.
type Kind string

const (
	KindDaily        Kind = "daily"
	KindByDay        Kind = "by_day"
	KindByWeek       Kind = "by_week"
	KindByMonth      Kind = "by_month"
	KindByYear       Kind = "by_year"
	KindByInterval   Kind = "by_interval"
	KindSpecificDate Kind = "specific_date"
	KindCustom       Kind = "custom"
)

// DayModeKind describes day-of-month semantics for day-driven kinds.
type DayModeKind string

const (
	DayEvery            DayModeKind = "every_day"
	DaySpecific         DayModeKind = "specific_days"
	DayLast             DayModeKind = "last_day"
	DayFirstWorkday     DayModeKind = "first_workday"
	DayLastWorkday      DayModeKind = "last_workday"
	DayNthWorkday       DayModeKind = "nth_workday"
	DaySpecificWeekdays DayModeKind = "specific_weekdays"
)

type DayMode struct {
	Mode     DayModeKind `json:"mode"`
	Days     []int       `json:"days,omitempty"`     // specific_days, 1..31
	Nth      int         `json:"nth,omitempty"`      // nth_workday, 1-based
	Weekdays []int       `json:"weekdays,omitempty"` // specific_weekdays, ISO 1=Mon..7=Sun
}

// Occurrence restricts a by_week rule to the nth occurrence of the weekday
// within the month.
type Occurrence string

const (
	OccurEvery  Occurrence = "every"
	OccurFirst  Occurrence = "first"
	OccurSecond Occurrence = "second"
	OccurThird  Occurrence = "third"
	OccurFourth Occurrence = "fourth"
	OccurLast   Occurrence = "last"
)

type WeekMode struct {
	Weekdays   []int      `json:"weekdays"` // ISO 1=Mon..7=Sun
	Occurrence Occurrence `json:"occurrence,omitempty"`
}

type Unit string

const (
	UnitDays   Unit = "days"
	UnitWeeks  Unit = "weeks"
	UnitMonths Unit = "months"
	UnitYears  Unit = "years"
)

// IntervalMode fires every Value units elapsed since Reference.
//
// YearInterval is an additional year-level gate anchored at Reference's year:
// 0 restricts firing to that single calendar year, 1 allows every year, N>1
// allows only years where (year-anchor) is a multiple of N. Nil means no gate.
type IntervalMode struct {
	Value        int       `json:"value"`
	Unit         Unit      `json:"unit"`
	Reference    time.Time `json:"reference"`
	YearInterval *int      `json:"year_interval,omitempty"`
}

// ExcludeSettings veto a date before any mode logic runs.
type ExcludeSettings struct {
	Holidays bool     `json:"holidays,omitempty"`
	Weekends bool     `json:"weekends,omitempty"`
	Dates    []string `json:"dates,omitempty"` // ISO "2006-01-02"
}

func (x ExcludeSettings) excludesDate(day time.Time) bool {
	if len(x.Dates) == 0 {
		return false
	}
	iso := ISODate(day)
	for _, d := range x.Dates {
		if d == iso {
			return true
		}
	}
	return false
}

// Predicate extends KindCustom without touching the evaluator contract.
type Predicate func(day time.Time) bool

// Rule describes when a task recurs. It is treated as an immutable value:
// evaluation and compilation never mutate it.
type Rule struct {
	Kind     Kind            `json:"kind"`
	Months   []time.Month    `json:"months,omitempty"` // empty means all months
	Day      DayMode         `json:"day,omitempty"`
	Week     WeekMode        `json:"week,omitempty"`
	Interval IntervalMode    `json:"interval,omitempty"`
	Dates    []string        `json:"dates,omitempty"` // specific_date members, ISO
	Times    []string        `json:"times,omitempty"` // "HH:MM"; empty for worksheet tasks
	Exclude  ExcludeSettings `json:"exclude,omitempty"`

	Custom Predicate `json:"-"`
}

// variant is the single dispatch point for kind-specific behavior.
// Adding a rule kind means adding one variant and one case in variantOf.
type variant interface {
	appliesOn(r *Rule, day time.Time, cal *Calendar) bool
	candidate(r *Rule) Primitive
	describe(r *Rule, b *strings.Builder)
}

// variantOf is the only place that switches on Kind. Validate relies on it
// rejecting unknown kinds, so evaluation and compilation can assume the
// dispatch is total.
func variantOf(k Kind) (variant, error) {
	switch k {
	case KindDaily, KindByDay, KindByMonth:
		return dayVariant{}, nil
	case KindByYear:
		return yearVariant{}, nil
	case KindByWeek:
		return weekVariant{}, nil
	case KindByInterval:
		return intervalVariant{}, nil
	case KindSpecificDate:
		return dateVariant{}, nil
	case KindCustom:
		return customVariant{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrBadRule, k)
	}
}

// Validate rejects rules that cannot be scheduled. It checks only the mode
// that Kind activates; unused modes may hold anything.
func (r *Rule) Validate() error {
	if _, err := variantOf(r.Kind); err != nil {
		return err
	}

	for _, m := range r.Months {
		if m < time.January || m > time.December {
			return fmt.Errorf("%w: month %d out of range", ErrBadRule, m)
		}
	}

	switch r.Kind {
	case KindDaily, KindByDay, KindByMonth, KindByYear:
		if err := r.Day.validate(); err != nil {
			return err
		}
	case KindByWeek:
		if len(r.Week.Weekdays) == 0 {
			return fmt.Errorf("%w: by_week requires weekdays", ErrBadRule)
		}
		for _, wd := range r.Week.Weekdays {
			if wd < 1 || wd > 7 {
				return fmt.Errorf("%w: weekday %d out of range (ISO 1..7)", ErrBadRule, wd)
			}
		}
		switch r.Week.Occurrence {
		case "", OccurEvery, OccurFirst, OccurSecond, OccurThird, OccurFourth, OccurLast:
		default:
			return fmt.Errorf("%w: unknown occurrence %q", ErrBadRule, r.Week.Occurrence)
		}
	case KindByInterval:
		if r.Interval.Value <= 0 {
			return fmt.Errorf("%w: interval value must be > 0", ErrBadRule)
		}
		switch r.Interval.Unit {
		case UnitDays, UnitWeeks, UnitMonths, UnitYears:
		default:
			return fmt.Errorf("%w: unknown interval unit %q", ErrBadRule, r.Interval.Unit)
		}
		if r.Interval.Reference.IsZero() {
			return fmt.Errorf("%w: interval rule requires a reference date", ErrBadRule)
		}
		if yi := r.Interval.YearInterval; yi != nil && *yi < 0 {
			return fmt.Errorf("%w: year interval must be >= 0", ErrBadRule)
		}
	case KindSpecificDate:
		if len(r.Dates) == 0 {
			return fmt.Errorf("%w: specific_date requires dates", ErrBadRule)
		}
		for _, d := range r.Dates {
			if _, err := time.Parse(isoDateLayout, d); err != nil {
				return fmt.Errorf("%w: bad date %q", ErrBadRule, d)
			}
		}
	}

	for _, t := range r.Times {
		if _, err := ParseClock(t); err != nil {
			return fmt.Errorf("%w: %v", ErrBadRule, err)
		}
	}
	return nil
}

func (d DayMode) validate() error {
	switch d.Mode {
	case "", DayEvery, DayLast, DayFirstWorkday, DayLastWorkday:
		return nil
	case DaySpecific:
		if len(d.Days) == 0 {
			return fmt.Errorf("%w: specific_days requires days", ErrBadRule)
		}
		for _, n := range d.Days {
			if n < 1 || n > 31 {
				return fmt.Errorf("%w: day %d out of range", ErrBadRule, n)
			}
		}
		return nil
	case DayNthWorkday:
		if d.Nth < 1 {
			return fmt.Errorf("%w: nth_workday requires nth >= 1", ErrBadRule)
		}
		return nil
	case DaySpecificWeekdays:
		if len(d.Weekdays) == 0 {
			return fmt.Errorf("%w: specific_weekdays requires weekdays", ErrBadRule)
		}
		for _, wd := range d.Weekdays {
			if wd < 1 || wd > 7 {
				return fmt.Errorf("%w: weekday %d out of range (ISO 1..7)", ErrBadRule, wd)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown day mode %q", ErrBadRule, d.Mode)
	}
}

func (r *Rule) inMonths(day time.Time) bool {
	// Empty filter means "all months", not "no months".
	if len(r.Months) == 0 {
		return true
	}
	m := day.Month()
	for _, want := range r.Months {
		if m == want {
			return true
		}
	}
	return false
}

// ---- Clock ----

// Clock is a time of day with minute resolution.
type Clock struct {
	Hour   int
	Minute int
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// At anchors the clock on the given day (same location).
func (c Clock) At(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, day.Location())
}

func (c Clock) Before(o Clock) bool {
	if c.Hour != o.Hour {
		return c.Hour < o.Hour
	}
	return c.Minute < o.Minute
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return Clock{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return Clock{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("invalid minute in %q", s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

// SortClocks orders clocks ascending in place.
func SortClocks(cs []Clock) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Before(cs[j]) })
}

// ---- date helpers ----

const isoDateLayout = "2006-01-02"

// Midnight truncates t to the start of its civil day.
func Midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ISODate renders the civil date as "2006-01-02".
func ISODate(t time.Time) string { return t.Format(isoDateLayout) }

// ParseISODate parses "2006-01-02" in the given location.
func ParseISODate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation(isoDateLayout, strings.TrimSpace(s), loc)
}

// isoWeekday maps Go's Sunday=0 to ISO Monday=1..Sunday=7.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// epochDays counts civil days independent of location and DST, so interval
// arithmetic never drifts across variable-length days.
func epochDays(t time.Time) int {
	y, m, d := t.Date()
	return int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
}

// daysBetween is the exact number of civil days from a to b (negative if b < a).
func daysBetween(a, b time.Time) int { return epochDays(b) - epochDays(a) }

// monthsBetween is the whole-month index difference from a to b.
func monthsBetween(a, b time.Time) int {
	ay, am, _ := a.Date()
	by, bm, _ := b.Date()
	return (int(by)-int(ay))*12 + int(bm) - int(am)
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// isLastDayOfMonth reports whether day+1 rolls into the next month.
func isLastDayOfMonth(day time.Time) bool {
	return day.AddDate(0, 0, 1).Month() != day.Month()
}
