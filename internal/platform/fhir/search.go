package fhir

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SearchPrefix is the comparator prefix on ordered search values.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
)

// SearchModifier is a parameter-name modifier, e.g. name:exact.
type SearchModifier string

const (
	ModifierExact      SearchModifier = "exact"
	ModifierContains   SearchModifier = "contains"
	ModifierText       SearchModifier = "text"
	ModifierNot        SearchModifier = "not"
	ModifierAbove      SearchModifier = "above"
	ModifierBelow      SearchModifier = "below"
	ModifierIn         SearchModifier = "in"
	ModifierNotIn      SearchModifier = "not-in"
	ModifierMissing    SearchModifier = "missing"
	ModifierType       SearchModifier = "type"
	ModifierIdentifier SearchModifier = "identifier"
)

// ParsedValue is a raw search value split from its comparator prefix.
type ParsedValue struct {
	Prefix SearchPrefix
	Value  string
}

// ParseSearchValue extracts the comparator prefix from an ordered search value.
// "gt2023-01-01" -> (gt, "2023-01-01"); "100" -> (eq, "100").
func ParseSearchValue(raw string) ParsedValue {
	if len(raw) >= 2 {
		prefix := SearchPrefix(strings.ToLower(raw[:2]))
		switch prefix {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe:
			return ParsedValue{Prefix: prefix, Value: raw[2:]}
		}
	}
	return ParsedValue{Prefix: PrefixEq, Value: raw}
}

// ParseParamModifier splits a parameter name from its modifier.
// "name:exact" -> ("name", exact); "code" -> ("code", "").
func ParseParamModifier(paramName string) (string, SearchModifier) {
	parts := strings.SplitN(paramName, ":", 2)
	if len(parts) == 2 {
		return parts[0], SearchModifier(parts[1])
	}
	return parts[0], ""
}

// DateRange is a closed interval over time. Partial-precision dates expand to
// the full span they denote, so "2024" covers the entire year.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two ranges share any instant.
func (r DateRange) Overlaps(o DateRange) bool {
	return !r.Start.After(o.End) && !r.End.Before(o.Start)
}

// Contains reports whether o lies entirely within r.
func (r DateRange) Contains(o DateRange) bool {
	return !o.Start.Before(r.Start) && !o.End.After(r.End)
}

// ParseDateRange parses a date string of year, year-month, day, or full
// timestamp precision into the interval it denotes. Anything below year
// precision is rejected.
func ParseDateRange(s string) (DateRange, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) == 4: // YYYY
		t, err := time.Parse("2006", s)
		if err != nil {
			return DateRange{}, fmt.Errorf("parse date %q: %w", s, err)
		}
		return DateRange{Start: t, End: t.AddDate(1, 0, 0).Add(-time.Nanosecond)}, nil
	case len(s) == 7: // YYYY-MM
		t, err := time.Parse("2006-01", s)
		if err != nil {
			return DateRange{}, fmt.Errorf("parse date %q: %w", s, err)
		}
		return DateRange{Start: t, End: t.AddDate(0, 1, 0).Add(-time.Nanosecond)}, nil
	case len(s) == 10: // YYYY-MM-DD
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return DateRange{}, fmt.Errorf("parse date %q: %w", s, err)
		}
		return DateRange{Start: t, End: t.AddDate(0, 0, 1).Add(-time.Nanosecond)}, nil
	default:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return DateRange{Start: t, End: t}, nil
			}
		}
		return DateRange{}, fmt.Errorf("unable to parse date: %s", s)
	}
}

// SplitToken splits a token search value on the system separator.
// "sys|code" -> ("sys", "code", true); "code" -> ("", "code", false).
// The pipe flag distinguishes "|code" (explicitly no system) from a bare code.
func SplitToken(value string) (system, code string, hasPipe bool) {
	if i := strings.Index(value, "|"); i >= 0 {
		return value[:i], value[i+1:], true
	}
	return "", value, false
}

// SplitReference splits a reference search value into target type and id.
// "Patient/p1" -> ("Patient", "p1"); "p1" -> ("", "p1").
func SplitReference(value string) (targetType, id string) {
	if i := strings.LastIndex(value, "/"); i >= 0 {
		return value[:i], value[i+1:]
	}
	return "", value
}

// ParsedQuantity is a quantity search value: comparator-prefixed number with
// optional "|system|code" unit qualifier.
type ParsedQuantity struct {
	Prefix SearchPrefix
	Value  float64
	System string
	Unit   string
}

// ParseQuantityValue parses values like "gt5.4" or "5.4|http://unitsofmeasure.org|mg".
func ParseQuantityValue(raw string) (ParsedQuantity, error) {
	parts := strings.SplitN(raw, "|", 3)
	pv := ParseSearchValue(parts[0])
	n, err := strconv.ParseFloat(pv.Value, 64)
	if err != nil {
		return ParsedQuantity{}, fmt.Errorf("parse quantity %q: %w", raw, err)
	}
	q := ParsedQuantity{Prefix: pv.Prefix, Value: n}
	if len(parts) > 1 {
		q.System = parts[1]
	}
	if len(parts) > 2 {
		q.Unit = parts[2]
	}
	return q, nil
}

// CompareOrdered applies a comparator prefix to two float values.
func CompareOrdered(v, target float64, prefix SearchPrefix) bool {
	switch prefix {
	case PrefixNe:
		return v != target
	case PrefixGt:
		return v > target
	case PrefixLt:
		return v < target
	case PrefixGe:
		return v >= target
	case PrefixLe:
		return v <= target
	default:
		return v == target
	}
}

// NormalizeString case-folds and collapses internal whitespace, producing the
// canonical form used for default (inexact) string matching.
func NormalizeString(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
