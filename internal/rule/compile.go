package rule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Approximate periods for interval units with no fixed-length representation.
// They only position candidate ticks; the authoritative accept/reject decision
// is always Evaluator.AppliesOn at fire time.
const (
	approxMonth = time.Duration(30.44 * 24 * float64(time.Hour))
	approxYear  = time.Duration(365.25 * 24 * float64(time.Hour))
)

// PrimitiveKind distinguishes the two timing shapes the orchestrator drives.
type PrimitiveKind int

const (
	// PrimCalendar is a set of cron field specs, one per execution time.
	PrimCalendar PrimitiveKind = iota
	// PrimInterval is a fixed period stepped from an anchor instant.
	PrimInterval
)

// IntervalSpec steps a fixed period from Anchor. For months/years units the
// period is approximate (see approxMonth/approxYear) and over-generates
// candidates on purpose.
type IntervalSpec struct {
	Anchor time.Time
	Every  time.Duration
}

// Primitive is the compiled candidate generator for a rule: cheap ticks the
// scheduler can drive directly. It is never the final authority ("every 2
// months on the 31st" has no fixed-length representation), so fire-time code
// re-runs Evaluator.AppliesOn before executing.
type Primitive struct {
	Kind      PrimitiveKind
	CronSpecs []string // 5-field "minute hour dom month dow"
	Intervals []IntervalSpec
}

// Compile translates a rule into its timing primitive. Rules that fail
// Validate are rejected here: the task is never scheduled.
func Compile(r *Rule) (Primitive, error) {
	if err := r.Validate(); err != nil {
		return Primitive{}, err
	}
	v, err := variantOf(r.Kind)
	if err != nil {
		return Primitive{}, err
	}
	return v.candidate(r), nil
}

// Describe renders the rule as a deterministic human-readable line.
// Pure function, no side effects; invalid fields render as-is.
func Describe(r *Rule) string {
	var b strings.Builder
	v, err := variantOf(r.Kind)
	if err != nil {
		b.WriteString("unknown rule")
		return b.String()
	}
	v.describe(r, &b)

	if len(r.Months) > 0 {
		b.WriteString(" in ")
		for i, m := range r.Months {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(m.String())
		}
	}
	if len(r.Times) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(r.Times, ", "))
	}
	if r.Exclude.Weekends {
		b.WriteString(", skipping weekends")
	}
	if r.Exclude.Holidays {
		b.WriteString(", skipping holidays")
	}
	return b.String()
}

// parsedTimes returns the valid clocks; compile-time callers have already
// validated, but Describe and candidates stay tolerant.
func parsedTimes(r *Rule) []Clock {
	out := make([]Clock, 0, len(r.Times))
	for _, raw := range r.Times {
		if c, err := ParseClock(raw); err == nil {
			out = append(out, c)
		}
	}
	SortClocks(out)
	return out
}

// calendarCandidate builds one cron spec per execution time. domField and
// dowField narrow the candidate set where cron can express the mode; "*"
// otherwise, leaving the filtering to the authoritative predicate.
func calendarCandidate(r *Rule, domField, dowField string) Primitive {
	monthField := "*"
	if len(r.Months) > 0 {
		parts := make([]string, len(r.Months))
		for i, m := range r.Months {
			parts[i] = strconv.Itoa(int(m))
		}
		monthField = strings.Join(parts, ",")
	}

	clocks := parsedTimes(r)
	if len(clocks) == 0 {
		// Worksheet-driven rules carry no times; tick once a day at midnight
		// so day-level gating still has a candidate to check.
		clocks = []Clock{{}}
	}

	specs := make([]string, 0, len(clocks))
	for _, c := range clocks {
		specs = append(specs, fmt.Sprintf("%d %d %s %s %s", c.Minute, c.Hour, domField, monthField, dowField))
	}
	return Primitive{Kind: PrimCalendar, CronSpecs: specs}
}

// cronWeekdays converts ISO 1=Mon..7=Sun to cron's 0=Sun..6=Sat field.
func cronWeekdays(iso []int) string {
	parts := make([]string, 0, len(iso))
	for _, wd := range iso {
		parts = append(parts, strconv.Itoa(wd%7))
	}
	return strings.Join(parts, ",")
}

// ---- variant candidate implementations ----

func (dayVariant) candidate(r *Rule) Primitive {
	dom, dow := "*", "*"
	switch r.Day.Mode {
	case DaySpecific:
		parts := make([]string, len(r.Day.Days))
		for i, d := range r.Day.Days {
			parts[i] = strconv.Itoa(d)
		}
		dom = strings.Join(parts, ",")
	case DaySpecificWeekdays:
		dow = cronWeekdays(r.Day.Weekdays)
	}
	// last_day and workday modes tick daily; the predicate filters.
	return calendarCandidate(r, dom, dow)
}

func (yearVariant) candidate(r *Rule) Primitive {
	// Year gating is not a cron dimension; reuse the day candidate.
	return dayVariant{}.candidate(r)
}

func (weekVariant) candidate(r *Rule) Primitive {
	// Occurrence narrowing (second Monday, last Friday) stays with the
	// predicate; the candidate only pins the weekdays.
	return calendarCandidate(r, "*", cronWeekdays(r.Week.Weekdays))
}

func (intervalVariant) candidate(r *Rule) Primitive {
	iv := r.Interval
	var every time.Duration
	switch iv.Unit {
	case UnitDays:
		every = time.Duration(iv.Value) * 24 * time.Hour
	case UnitWeeks:
		every = time.Duration(iv.Value) * 7 * 24 * time.Hour
	case UnitMonths:
		every = time.Duration(iv.Value) * approxMonth
	case UnitYears:
		every = time.Duration(iv.Value) * approxYear
	}

	clocks := parsedTimes(r)
	if len(clocks) == 0 {
		clocks = []Clock{{}}
	}
	ref := Midnight(iv.Reference)
	specs := make([]IntervalSpec, 0, len(clocks))
	for _, c := range clocks {
		specs = append(specs, IntervalSpec{Anchor: c.At(ref), Every: every})
	}
	return Primitive{Kind: PrimInterval, Intervals: specs}
}

func (dateVariant) candidate(r *Rule) Primitive {
	// Literal date sets tick daily at the execution times; the predicate
	// matches the ISO membership.
	return calendarCandidate(r, "*", "*")
}

func (customVariant) candidate(r *Rule) Primitive {
	return calendarCandidate(r, "*", "*")
}

// ---- variant describe implementations ----

func (dayVariant) describe(r *Rule, b *strings.Builder) {
	describeDayMode(r.Day, b)
}

func describeDayMode(d DayMode, b *strings.Builder) {
	switch d.Mode {
	case "", DayEvery:
		b.WriteString("every day")
	case DaySpecific:
		b.WriteString("on day ")
		for i, n := range d.Days {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(strconv.Itoa(n))
		}
		b.WriteString(" of the month")
	case DayLast:
		b.WriteString("on the last day of the month")
	case DayFirstWorkday:
		b.WriteString("on the first workday of the month")
	case DayLastWorkday:
		b.WriteString("on the last workday of the month")
	case DayNthWorkday:
		b.WriteString("on workday ")
		b.WriteString(strconv.Itoa(d.Nth))
		b.WriteString(" of the month")
	case DaySpecificWeekdays:
		b.WriteString("on ")
		writeWeekdays(d.Weekdays, b)
	default:
		b.WriteString("on unknown days")
	}
}

func (yearVariant) describe(r *Rule, b *strings.Builder) {
	describeDayMode(r.Day, b)
	if yi := r.Interval.YearInterval; yi != nil {
		switch {
		case *yi == 0:
			fmt.Fprintf(b, ", only in %d", r.Interval.Reference.Year())
		case *yi == 1:
			b.WriteString(", every year")
		default:
			fmt.Fprintf(b, ", every %d years", *yi)
		}
	}
}

func (weekVariant) describe(r *Rule, b *strings.Builder) {
	switch occ := r.Week.Occurrence; occ {
	case "", OccurEvery:
		b.WriteString("every ")
	default:
		b.WriteString("on the ")
		b.WriteString(string(occ))
		b.WriteString(" ")
	}
	writeWeekdays(r.Week.Weekdays, b)
	if r.Week.Occurrence != "" && r.Week.Occurrence != OccurEvery {
		b.WriteString(" of the month")
	}
}

func (intervalVariant) describe(r *Rule, b *strings.Builder) {
	iv := r.Interval
	unit := strings.TrimSuffix(string(iv.Unit), "s")
	if iv.Value == 1 {
		fmt.Fprintf(b, "every %s", unit)
	} else {
		fmt.Fprintf(b, "every %d %ss", iv.Value, unit)
	}
	if !iv.Reference.IsZero() {
		fmt.Fprintf(b, " from %s", ISODate(iv.Reference))
	}
	if yi := iv.YearInterval; yi != nil {
		switch {
		case *yi == 0:
			fmt.Fprintf(b, ", only in %d", iv.Reference.Year())
		case *yi > 1:
			fmt.Fprintf(b, ", every %d years", *yi)
		}
	}
}

func (dateVariant) describe(r *Rule, b *strings.Builder) {
	b.WriteString("on ")
	b.WriteString(strings.Join(r.Dates, ", "))
}

func (customVariant) describe(r *Rule, b *strings.Builder) {
	b.WriteString("by custom predicate")
}

var isoWeekdayNames = [8]string{"", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

func writeWeekdays(iso []int, b *strings.Builder) {
	for i, wd := range iso {
		if i > 0 {
			b.WriteString(", ")
		}
		if wd >= 1 && wd <= 7 {
			b.WriteString(isoWeekdayNames[wd])
		} else {
			b.WriteString(strconv.Itoa(wd))
		}
	}
}
