package rule

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeCanonicalFields(t *testing.T) {
	t.Parallel()
	r, err := Decode([]byte(`{
		"kind": "by_week",
		"times": ["09:00"],
		"week": {"weekdays": [1, 3], "occurrence": "last"},
		"months": [3, 6, 9, 12]
	}`), time.UTC)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.Kind != KindByWeek || r.Week.Occurrence != OccurLast {
		t.Errorf("rule = %+v", r)
	}
	if len(r.Months) != 4 || r.Months[0] != time.March {
		t.Errorf("months = %v", r.Months)
	}
}

func TestDecodeLegacyAliases(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		json  string
		check func(t *testing.T, r Rule)
	}{
		{
			name: "camelCase day mode",
			json: `{"ruleType": "by_day", "executionTimes": ["10:00"],
				"dayMode": {"type": "specific_days", "values": [5, 20]}}`,
			check: func(t *testing.T, r Rule) {
				if r.Kind != KindByDay || r.Day.Mode != DaySpecific {
					t.Errorf("rule = %+v", r)
				}
				if len(r.Day.Days) != 2 || r.Day.Days[1] != 20 {
					t.Errorf("days = %v", r.Day.Days)
				}
			},
		},
		{
			name: "snake_case week mode with days alias",
			json: `{"rule_type": "by_week", "times": ["08:00"],
				"week_mode": {"days": [6, 7]}}`,
			check: func(t *testing.T, r Rule) {
				if len(r.Week.Weekdays) != 2 || r.Week.Weekdays[0] != 6 {
					t.Errorf("weekdays = %v", r.Week.Weekdays)
				}
			},
		},
		{
			name: "bare-date interval reference",
			json: `{"kind": "by_interval", "times": ["12:00"],
				"intervalMode": {"value": 10, "unit": "days", "referenceDate": "2026-02-01", "yearInterval": 2}}`,
			check: func(t *testing.T, r Rule) {
				want := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
				if !r.Interval.Reference.Equal(want) {
					t.Errorf("reference = %v, want %v", r.Interval.Reference, want)
				}
				if r.Interval.YearInterval == nil || *r.Interval.YearInterval != 2 {
					t.Errorf("year interval = %v", r.Interval.YearInterval)
				}
			},
		},
		{
			name: "legacy exclude flags and dates",
			json: `{"kind": "daily", "times": ["09:00"],
				"excludeSettings": {"excludeHolidays": true, "exclude_weekends": true, "specificDates": ["2026-12-25"]}}`,
			check: func(t *testing.T, r Rule) {
				if !r.Exclude.Holidays || !r.Exclude.Weekends {
					t.Errorf("exclude = %+v", r.Exclude)
				}
				if len(r.Exclude.Dates) != 1 || r.Exclude.Dates[0] != "2026-12-25" {
					t.Errorf("exclude dates = %v", r.Exclude.Dates)
				}
			},
		},
		{
			name: "monthFilter alias",
			json: `{"kind": "daily", "times": ["09:00"], "monthFilter": [1, 2]}`,
			check: func(t *testing.T, r Rule) {
				if len(r.Months) != 2 || r.Months[1] != time.February {
					t.Errorf("months = %v", r.Months)
				}
			},
		},
		{
			name: "specificDates alias",
			json: `{"ruleType": "specific_date", "times": ["11:00"], "specificDates": ["2026-07-04"]}`,
			check: func(t *testing.T, r Rule) {
				if r.Kind != KindSpecificDate || len(r.Dates) != 1 {
					t.Errorf("rule = %+v", r)
				}
			},
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			r, err := Decode([]byte(c.json), time.UTC)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			c.check(t, r)
		})
	}
}

func TestDecodeBareDateUsesLocation(t *testing.T) {
	t.Parallel()
	jakarta, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	r, err := Decode([]byte(`{"kind": "by_interval", "times": ["09:00"],
		"interval": {"value": 1, "unit": "days", "reference": "2026-02-01"}}`), jakarta)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := time.Date(2026, 2, 1, 0, 0, 0, 0, jakarta)
	if !r.Interval.Reference.Equal(want) {
		t.Errorf("reference = %v, want %v", r.Interval.Reference, want)
	}
}

func TestDecodeRejectsUnknownAndInvalid(t *testing.T) {
	t.Parallel()
	bad := []string{
		`{"kind": "daily", "times": ["09:00"], "bogusField": 1}`,
		`{"kind": "daily", "day": {"mode": "every_day", "bogus": true}, "times": ["09:00"]}`,
		`{"kind": "by_week", "times": ["09:00"]}`,
		`{"kind": "daily", "times": ["9am"]}`,
		`not json`,
	}
	for i, j := range bad {
		if _, err := Decode([]byte(j), time.UTC); err == nil {
			t.Errorf("payload %d accepted: %s", i, j)
		} else if !errors.Is(err, ErrBadRule) {
			t.Errorf("payload %d: err = %v, want ErrBadRule", i, err)
		}
	}
}
