package query

import (
	"strings"

	"github.com/medstack/recordstore/internal/index"
	"github.com/medstack/recordstore/internal/platform/fhir"
	"github.com/medstack/recordstore/internal/search"
)

// matcher evaluates one condition against a record's index rows. It is built
// once per query so per-record evaluation does no parsing.
type matcher struct {
	cond      search.Condition
	valuesets *search.ValueSetRegistry
	// degradeSystems holds search values whose token system was never observed
	// for this parameter; those values fall back to code-only matching.
	degradeSystems map[string]bool
}

// matches reports whether the condition holds for a record given its rows.
func (m *matcher) matches(rows []index.Entry) bool {
	own := filterParam(rows, m.cond.Param)

	if m.cond.Missing != nil {
		return (len(own) == 0) == *m.cond.Missing
	}

	for _, v := range m.cond.Values {
		if m.matchValue(own, v) {
			return true
		}
	}
	return false
}

func filterParam(rows []index.Entry, param string) []index.Entry {
	var out []index.Entry
	for _, r := range rows {
		if r.Param == param {
			out = append(out, r)
		}
	}
	return out
}

func (m *matcher) matchValue(rows []index.Entry, v string) bool {
	switch m.cond.Def.Kind {
	case search.KindToken:
		return m.matchToken(rows, v)
	case search.KindString:
		return m.matchString(rows, v)
	case search.KindDate:
		return m.matchDate(rows, v)
	case search.KindReference:
		return m.matchReference(rows, v)
	case search.KindQuantity:
		return m.matchQuantity(rows, v)
	case search.KindNumber:
		return m.matchNumber(rows, v)
	case search.KindURI:
		return m.matchURI(rows, v)
	case search.KindComposite:
		return m.matchComposite(rows, v)
	}
	return false
}

func (m *matcher) matchToken(rows []index.Entry, v string) bool {
	switch m.cond.Modifier {
	case fhir.ModifierText:
		needle := strings.ToLower(v)
		for _, r := range rows {
			if r.Text != "" && strings.Contains(strings.ToLower(r.Text), needle) {
				return true
			}
		}
		return false
	case fhir.ModifierNot:
		for _, r := range rows {
			if tokenEquals(r, v, m.degradeSystems[v]) {
				return false
			}
		}
		return true
	case fhir.ModifierIn, fhir.ModifierNotIn:
		return m.matchValueSet(rows, v)
	case fhir.ModifierAbove, fhir.ModifierBelow:
		// No code hierarchy is configured, so subsumption collapses to
		// equality. The processor reports this as a warning.
		for _, r := range rows {
			if tokenEquals(r, v, m.degradeSystems[v]) {
				return true
			}
		}
		return false
	default:
		for _, r := range rows {
			if tokenEquals(r, v, m.degradeSystems[v]) {
				return true
			}
		}
		return false
	}
}

// tokenEquals applies the system|code matching table for one row.
func tokenEquals(r index.Entry, v string, degrade bool) bool {
	system, code, hasPipe := fhir.SplitToken(v)
	if degrade || !hasPipe {
		return r.Code == code
	}
	switch {
	case system == "" && code != "":
		// "|code": explicitly system-less
		return !r.HasSystem && r.Code == code
	case system != "" && code == "":
		// "system|": any code in the system
		return r.System == system
	default:
		return r.System == system && r.Code == code
	}
}

func (m *matcher) matchValueSet(rows []index.Entry, url string) bool {
	known := true
	anyMember := false
	for _, r := range rows {
		member, ok := m.valuesets.Contains(url, r.System, r.Code)
		if !ok {
			known = false
			break
		}
		if member {
			anyMember = true
		}
	}
	if !known {
		// Unknown ValueSet: :in finds nothing, :not-in excludes nothing.
		return m.cond.Modifier == fhir.ModifierNotIn
	}
	if m.cond.Modifier == fhir.ModifierIn {
		return anyMember
	}
	return !anyMember
}

func (m *matcher) matchString(rows []index.Entry, v string) bool {
	switch m.cond.Modifier {
	case fhir.ModifierExact:
		for _, r := range rows {
			if r.Exact == v {
				return true
			}
		}
	case fhir.ModifierContains:
		needle := fhir.NormalizeString(v)
		for _, r := range rows {
			if strings.Contains(r.Norm, needle) {
				return true
			}
		}
	default:
		prefix := fhir.NormalizeString(v)
		for _, r := range rows {
			if strings.HasPrefix(r.Norm, prefix) {
				return true
			}
		}
	}
	return false
}

// matchDate compares the query interval against each row's stored interval.
func (m *matcher) matchDate(rows []index.Entry, v string) bool {
	pv := fhir.ParseSearchValue(v)
	qr, err := fhir.ParseDateRange(pv.Value)
	if err != nil {
		return false
	}
	for _, r := range rows {
		if dateMatch(fhir.DateRange{Start: r.Start, End: r.End}, qr, pv.Prefix) {
			return true
		}
	}
	return false
}

func dateMatch(rec, q fhir.DateRange, prefix fhir.SearchPrefix) bool {
	switch prefix {
	case fhir.PrefixNe:
		return !q.Contains(rec)
	case fhir.PrefixGt:
		return rec.End.After(q.End)
	case fhir.PrefixLt:
		return rec.Start.Before(q.Start)
	case fhir.PrefixGe:
		return !rec.End.Before(q.Start)
	case fhir.PrefixLe:
		return !rec.Start.After(q.End)
	default:
		return q.Contains(rec)
	}
}

func (m *matcher) matchReference(rows []index.Entry, v string) bool {
	if m.cond.Modifier == fhir.ModifierIdentifier {
		system, value, _ := fhir.SplitToken(v)
		for _, r := range rows {
			if r.IdentValue == value && (system == "" || r.IdentSystem == system) {
				return true
			}
		}
		return false
	}
	if m.cond.Modifier == fhir.ModifierType {
		for _, r := range rows {
			if r.TargetType == v {
				return true
			}
		}
		return false
	}

	ref := strings.TrimPrefix(v, "urn:uuid:")
	tt, id := fhir.SplitReference(ref)
	if m.cond.TargetType != "" {
		tt = m.cond.TargetType
	}
	for _, r := range rows {
		if r.TargetID != id {
			continue
		}
		if tt == "" || r.TargetType == tt {
			return true
		}
	}
	return false
}

func (m *matcher) matchQuantity(rows []index.Entry, v string) bool {
	pq, err := fhir.ParseQuantityValue(v)
	if err != nil {
		return false
	}
	for _, r := range rows {
		if !fhir.CompareOrdered(r.Value, pq.Value, pq.Prefix) {
			continue
		}
		if pq.System != "" && r.UnitSystem != pq.System {
			continue
		}
		if pq.Unit != "" && r.Unit != pq.Unit {
			continue
		}
		return true
	}
	return false
}

func (m *matcher) matchNumber(rows []index.Entry, v string) bool {
	pq, err := fhir.ParseQuantityValue(v)
	if err != nil {
		return false
	}
	for _, r := range rows {
		if fhir.CompareOrdered(r.Value, pq.Value, pq.Prefix) {
			return true
		}
	}
	return false
}

func (m *matcher) matchURI(rows []index.Entry, v string) bool {
	for _, r := range rows {
		switch m.cond.Modifier {
		case fhir.ModifierBelow:
			if strings.HasPrefix(r.URI, v) {
				return true
			}
		case fhir.ModifierAbove:
			if strings.HasPrefix(v, r.URI) {
				return true
			}
		default:
			if r.URI == v {
				return true
			}
		}
	}
	return false
}

// matchComposite requires every supplied component to match inside a single
// correlated row group.
func (m *matcher) matchComposite(rows []index.Entry, v string) bool {
	parts := strings.Split(v, "$")
	for _, r := range rows {
		if len(parts) > len(r.Components) {
			continue
		}
		all := true
		for i, part := range parts {
			if part == "" {
				continue
			}
			comp := m.cond.Def.Components[i]
			inner := matcher{
				cond: search.Condition{
					Param:  comp.Name,
					Def:    search.ParamDef{Name: comp.Name, Kind: comp.Kind},
					Values: []string{part},
				},
				valuesets: m.valuesets,
			}
			if !inner.matchValue([]index.Entry{r.Components[i]}, part) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}
