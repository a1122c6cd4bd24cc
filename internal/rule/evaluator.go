package rule

import (
	"sync"
	"time"

	"chime/pkg/logx"
)

// HolidayFunc reports whether a civil date is a holiday.
// The default evaluator has none; callers plug in a regional table.
type HolidayFunc func(day time.Time) bool

// Calendar caches the per-(year, month) list of workdays (non-weekend days).
// first/last/nth workday math indexes into this list.
type Calendar struct {
	mu       sync.Mutex
	workdays map[int][]int // year*100+int(month) -> day numbers, ascending
}

func NewCalendar() *Calendar {
	return &Calendar{workdays: map[int][]int{}}
}

// Workdays returns the non-weekend day numbers of the month, ascending.
// The returned slice is shared; callers must not mutate it.
func (c *Calendar) Workdays(year int, month time.Month) []int {
	key := year*100 + int(month)
	c.mu.Lock()
	defer c.mu.Unlock()
	if ds, ok := c.workdays[key]; ok {
		return ds
	}
	n := daysInMonth(year, month)
	ds := make([]int, 0, n)
	for d := 1; d <= n; d++ {
		t := time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
		if !isWeekend(t) {
			ds = append(ds, d)
		}
	}
	c.workdays[key] = ds
	return ds
}

// Evaluator answers "does this rule apply today?" and "what are today's
// firing instants?". It is pure calendar logic: no I/O, and the only state
// is the workday cache.
type Evaluator struct {
	log     logx.Logger
	cal     *Calendar
	holiday HolidayFunc
}

type EvaluatorOption func(*Evaluator)

// WithHolidays installs the holiday table used by ExcludeSettings.Holidays.
func WithHolidays(fn HolidayFunc) EvaluatorOption {
	return func(e *Evaluator) { e.holiday = fn }
}

func NewEvaluator(log logx.Logger, opts ...EvaluatorOption) *Evaluator {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Evaluator{log: log, cal: NewCalendar()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AppliesOn reports whether the rule fires on the given civil day.
// Exclusion settings veto first, then the month filter, then the active mode.
//
// A panic inside mode logic is treated as "does not apply today": one bad
// rule must never take down a tick loop.
func (e *Evaluator) AppliesOn(r *Rule, day time.Time) (applies bool) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Warn("rule evaluation panicked, treating as no-match",
				logx.String("kind", string(r.Kind)), logx.Any("panic", rec))
			applies = false
		}
	}()

	day = Midnight(day)

	if e.excluded(r, day) {
		return false
	}
	if !r.inMonths(day) {
		return false
	}

	v, err := variantOf(r.Kind)
	if err != nil {
		e.log.Warn("unknown rule kind", logx.String("kind", string(r.Kind)))
		return false
	}
	return v.appliesOn(r, day, e.cal)
}

// TimesOn returns the rule's firing instants for the day, ascending, or nil
// when the rule does not apply. Malformed time strings are dropped with a
// warning, never fatal. Worksheet tasks carry no times; their callers source
// firing instants from spreadsheet rows instead.
func (e *Evaluator) TimesOn(r *Rule, day time.Time) []Clock {
	if !e.AppliesOn(r, day) {
		return nil
	}
	out := make([]Clock, 0, len(r.Times))
	for _, raw := range r.Times {
		c, err := ParseClock(raw)
		if err != nil {
			e.log.Warn("dropping malformed execution time",
				logx.String("time", raw), logx.Err(err))
			continue
		}
		out = append(out, c)
	}
	SortClocks(out)
	return out
}

func (e *Evaluator) excluded(r *Rule, day time.Time) bool {
	x := r.Exclude
	if x.Weekends && isWeekend(day) {
		return true
	}
	if x.Holidays && e.holiday != nil && e.holiday(day) {
		return true
	}
	return x.excludesDate(day)
}

// ---- variant appliesOn implementations ----

type dayVariant struct{}

func (dayVariant) appliesOn(r *Rule, day time.Time, cal *Calendar) bool {
	return dayModeMatches(r.Day, day, cal)
}

func dayModeMatches(d DayMode, day time.Time, cal *Calendar) bool {
	switch d.Mode {
	case "", DayEvery:
		return true
	case DaySpecific:
		n := day.Day()
		for _, want := range d.Days {
			if n == want {
				return true
			}
		}
		return false
	case DayLast:
		return isLastDayOfMonth(day)
	case DayFirstWorkday:
		ws := cal.Workdays(day.Year(), day.Month())
		return len(ws) > 0 && day.Day() == ws[0]
	case DayLastWorkday:
		ws := cal.Workdays(day.Year(), day.Month())
		return len(ws) > 0 && day.Day() == ws[len(ws)-1]
	case DayNthWorkday:
		ws := cal.Workdays(day.Year(), day.Month())
		return d.Nth >= 1 && d.Nth <= len(ws) && day.Day() == ws[d.Nth-1]
	case DaySpecificWeekdays:
		wd := isoWeekday(day)
		for _, want := range d.Weekdays {
			if wd == want {
				return true
			}
		}
		return false
	default:
		return false
	}
}

type yearVariant struct{}

func (yearVariant) appliesOn(r *Rule, day time.Time, cal *Calendar) bool {
	if !yearGateAllows(r.Interval, day) {
		return false
	}
	return dayModeMatches(r.Day, day, cal)
}

// yearGateAllows applies IntervalMode.YearInterval, anchored at the reference
// date's year (or allows all years when there is no gate).
func yearGateAllows(iv IntervalMode, day time.Time) bool {
	yi := iv.YearInterval
	if yi == nil {
		return true
	}
	anchor := iv.Reference.Year()
	if iv.Reference.IsZero() {
		anchor = day.Year()
	}
	switch {
	case *yi == 0:
		return day.Year() == anchor
	case *yi == 1:
		return day.Year() >= anchor
	default:
		d := day.Year() - anchor
		return d >= 0 && d%*yi == 0
	}
}

type weekVariant struct{}

func (weekVariant) appliesOn(r *Rule, day time.Time, _ *Calendar) bool {
	wd := isoWeekday(day)
	found := false
	for _, want := range r.Week.Weekdays {
		if wd == want {
			found = true
			break
		}
	}
	if !found {
		return false
	}

	switch occ := r.Week.Occurrence; occ {
	case "", OccurEvery:
		return true
	case OccurLast:
		// Last occurrence iff the same weekday next week is in the next month.
		return day.AddDate(0, 0, 7).Month() != day.Month()
	default:
		// ceil(day/7) is the ordinal occurrence of this weekday in the month.
		ordinal := (day.Day() + 6) / 7
		return ordinal == occurrenceOrdinal(occ)
	}
}

func occurrenceOrdinal(o Occurrence) int {
	switch o {
	case OccurFirst:
		return 1
	case OccurSecond:
		return 2
	case OccurThird:
		return 3
	case OccurFourth:
		return 4
	default:
		return 0
	}
}

type intervalVariant struct{}

func (intervalVariant) appliesOn(r *Rule, day time.Time, _ *Calendar) bool {
	iv := r.Interval
	ref := Midnight(iv.Reference)
	if day.Before(ref) {
		return false
	}
	if !yearGateAllows(iv, day) {
		return false
	}

	// True calendar differences, not millisecond division: month and week
	// counts must not drift across variable-length months or DST shifts.
	switch iv.Unit {
	case UnitDays:
		return daysBetween(ref, day)%iv.Value == 0
	case UnitWeeks:
		d := daysBetween(ref, day)
		return d%7 == 0 && (d/7)%iv.Value == 0
	case UnitMonths:
		m := monthsBetween(ref, day)
		if m < 0 || m%iv.Value != 0 {
			return false
		}
		return day.Day() == clampDay(ref.Day(), day.Year(), day.Month())
	case UnitYears:
		y := day.Year() - ref.Year()
		if y < 0 || y%iv.Value != 0 {
			return false
		}
		if day.Month() != ref.Month() {
			return false
		}
		return day.Day() == clampDay(ref.Day(), day.Year(), day.Month())
	default:
		return false
	}
}

// clampDay collapses a reference day-of-month into the target month's length,
// so "the 31st" matches Feb 28 (29 in leap years) and a Feb 29 reference
// matches Feb 28 in non-leap years.
func clampDay(refDay, year int, month time.Month) int {
	if n := daysInMonth(year, month); refDay > n {
		return n
	}
	return refDay
}

type dateVariant struct{}

func (dateVariant) appliesOn(r *Rule, day time.Time, _ *Calendar) bool {
	iso := ISODate(day)
	for _, d := range r.Dates {
		if d == iso {
			return true
		}
	}
	return false
}

type customVariant struct{}

func (customVariant) appliesOn(r *Rule, day time.Time, _ *Calendar) bool {
	if r.Custom == nil {
		return true
	}
	return r.Custom(day)
}
