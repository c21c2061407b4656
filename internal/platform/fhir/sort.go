package fhir

import "strings"

// SortKey is a single _sort directive.
type SortKey struct {
	Param      string
	Descending bool
}

// ParseSort parses the _sort control parameter.
// "-date,status" means date descending, then status ascending.
func ParseSort(raw string) []SortKey {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	keys := make([]SortKey, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k := SortKey{Param: part}
		if strings.HasPrefix(part, "-") {
			k.Descending = true
			k.Param = part[1:]
		}
		if k.Param != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// TotalMode controls whether searchset bundles carry a total count.
type TotalMode string

const (
	TotalNone     TotalMode = "none"
	TotalEstimate TotalMode = "estimate"
	TotalAccurate TotalMode = "accurate"
)

// ParseTotalParam converts a raw _total value to a TotalMode. Unrecognised
// values degrade to accurate rather than failing the search.
func ParseTotalParam(value string) TotalMode {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "none":
		return TotalNone
	case "estimate":
		return TotalEstimate
	default:
		return TotalAccurate
	}
}
