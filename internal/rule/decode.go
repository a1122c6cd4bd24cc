package rule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Decode parses a rule from JSON produced by the task-management boundary.
//
// Upstream payloads historically mixed several spellings for the same
// concept (ruleType/kind, dayMode.type/mode, days/values, ...). All legacy
// translation happens here, once, at deserialization; evaluation and
// compilation only ever see the canonical field names.
func Decode(data []byte, loc *time.Location) (Rule, error) {
	if loc == nil {
		loc = time.Local
	}

	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrBadRule, err)
	}

	canon := canonicalize(raw, loc)

	jb, err := json.Marshal(canon)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrBadRule, err)
	}

	var r Rule
	sdec := json.NewDecoder(bytes.NewReader(jb))
	sdec.DisallowUnknownFields()
	if err := sdec.Decode(&r); err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrBadRule, err)
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// topAliases maps legacy top-level keys to canonical ones.
var topAliases = map[string]string{
	"ruletype":        "kind",
	"rule_type":       "kind",
	"monthfilter":     "months",
	"month_filter":    "months",
	"daymode":         "day",
	"day_mode":        "day",
	"weekmode":        "week",
	"week_mode":       "week",
	"intervalmode":    "interval",
	"interval_mode":   "interval",
	"executiontimes":  "times",
	"execution_times": "times",
	"excludesettings": "exclude",
	"exclude_settings": "exclude",
	"specificdates":   "dates",
	"specific_dates":  "dates",
}

var nestedAliases = map[string]map[string]string{
	"day": {
		"type":   "mode",
		"values": "days",
	},
	"week": {
		"days":   "weekdays",
		"values": "weekdays",
	},
	"interval": {
		"referencedate":  "reference",
		"reference_date": "reference",
		"yearinterval":   "year_interval",
	},
	"exclude": {
		"excludeholidays":  "holidays",
		"exclude_holidays": "holidays",
		"excludeweekends":  "weekends",
		"exclude_weekends": "weekends",
		"specificdates":    "dates",
		"specific_dates":   "dates",
	},
}

func canonicalize(raw map[string]any, loc *time.Location) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		key := k
		if c, ok := topAliases[strings.ToLower(k)]; ok {
			key = c
		}
		if sub, ok := v.(map[string]any); ok {
			if aliases, ok := nestedAliases[key]; ok {
				v = canonicalizeNested(sub, aliases)
			}
		}
		out[key] = v
	}

	// Bare-date reference fields become RFC3339 so time.Time decoding works.
	// The date is anchored in the scheduler's location, not UTC.
	if iv, ok := out["interval"].(map[string]any); ok {
		if ref, ok := iv["reference"].(string); ok {
			if t, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(ref), loc); err == nil {
				iv["reference"] = t.Format(time.RFC3339)
			}
		}
	}
	return out
}

func canonicalizeNested(sub map[string]any, aliases map[string]string) map[string]any {
	out := make(map[string]any, len(sub))
	for k, v := range sub {
		key := k
		if c, ok := aliases[strings.ToLower(k)]; ok {
			key = c
		}
		out[key] = v
	}
	return out
}
