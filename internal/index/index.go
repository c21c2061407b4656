// Package index extracts typed, queryable values from record content. Every
// write re-runs extraction so the index rows, reference edges, and compartment
// memberships always describe the current version of a record.
package index

import (
	"strings"
	"time"

	"github.com/medstack/recordstore/internal/platform/fhir"
	"github.com/medstack/recordstore/internal/search"
)

// maxTime caps open-ended period intervals so range comparisons stay total.
var maxTime = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// Entry is one extracted index row. Only the fields for its Kind are set.
type Entry struct {
	Param string
	Kind  search.Kind

	// token
	System    string
	Code      string
	Text      string
	HasSystem bool

	// string
	Norm  string
	Exact string

	// date: the interval the source value denotes
	Start time.Time
	End   time.Time

	// reference
	TargetType  string
	TargetID    string
	Alts        []string
	IdentSystem string
	IdentValue  string

	// quantity / number
	Value      float64
	Unit       string
	UnitSystem string

	// uri
	URI string

	// composite: correlated component entries from one occurrence
	Components []Entry
}

// ReferenceEdge is one typed link between records, kept in a separate table so
// graphs (including cycles) resolve by lookup rather than pointer walking.
// Edges are keyed by the content path the reference sits at, so parameters
// that alias the same path share one edge.
type ReferenceEdge struct {
	SourceType string
	SourceID   string
	Path       string
	TargetType string
	TargetID   string
	Raw        string
}

// Membership is one compartment membership row.
type Membership struct {
	CompartmentType string
	CompartmentID   string
	MemberType      string
	MemberID        string
}

// Extraction is the complete derived state for one record version.
type Extraction struct {
	Entries     []Entry
	Edges       []ReferenceEdge
	Memberships []Membership
}

// Extract runs the type's extraction rules over record content. Fields absent
// from the content produce no entries, which is what makes :missing work.
func Extract(def *search.TypeDef, recordID string, content map[string]interface{}) Extraction {
	var ex Extraction
	if def == nil || content == nil {
		return ex
	}

	edgeSeen := map[string]bool{}
	for _, pdef := range def.Params {
		if pdef.Kind == search.KindComposite {
			ex.Entries = append(ex.Entries, extractComposite(pdef, content)...)
			continue
		}
		for _, path := range pdef.Paths {
			for _, node := range walk(content, path) {
				ents := entriesFromNode(pdef, node)
				ex.Entries = append(ex.Entries, ents...)
				if pdef.Kind != search.KindReference {
					continue
				}
				for _, e := range ents {
					if e.TargetID == "" {
						continue
					}
					edgeKey := path + "\x00" + e.TargetType + "/" + e.TargetID
					if edgeSeen[edgeKey] {
						continue
					}
					edgeSeen[edgeKey] = true
					ex.Edges = append(ex.Edges, ReferenceEdge{
						SourceType: def.Type,
						SourceID:   recordID,
						Path:       path,
						TargetType: e.TargetType,
						TargetID:   e.TargetID,
						Raw:        e.Exact,
					})
				}
			}
		}
	}

	if def.CompartmentParam != "" {
		for _, e := range ex.Entries {
			if e.Kind != search.KindReference || e.Param != def.CompartmentParam {
				continue
			}
			if e.TargetType != "Patient" || e.TargetID == "" {
				continue
			}
			ex.Memberships = append(ex.Memberships, Membership{
				CompartmentType: "Patient",
				CompartmentID:   e.TargetID,
				MemberType:      def.Type,
				MemberID:        recordID,
			})
		}
	}

	return ex
}

// entriesFromNode converts one content node to index entries for a parameter.
func entriesFromNode(def search.ParamDef, node interface{}) []Entry {
	base := Entry{Param: def.Name, Kind: def.Kind}
	switch def.Kind {
	case search.KindToken:
		return tokenEntries(base, node)
	case search.KindString:
		return stringEntries(base, node)
	case search.KindDate:
		return dateEntries(base, node)
	case search.KindReference:
		return referenceEntries(base, def, node)
	case search.KindQuantity, search.KindNumber:
		return quantityEntries(base, node)
	case search.KindURI:
		if s, ok := node.(string); ok && s != "" {
			base.URI = s
			return []Entry{base}
		}
	}
	return nil
}

// tokenEntries pulls (system, code) pairs from coded structures: Coding,
// CodeableConcept, Identifier, bare codes, and booleans.
func tokenEntries(base Entry, node interface{}) []Entry {
	switch v := node.(type) {
	case string:
		if v == "" {
			return nil
		}
		e := base
		e.Code = v
		return []Entry{e}
	case bool:
		e := base
		if v {
			e.Code = "true"
		} else {
			e.Code = "false"
		}
		return []Entry{e}
	case map[string]interface{}:
		// CodeableConcept: recurse into codings, carrying the concept text.
		if codings, ok := v["coding"].([]interface{}); ok {
			text, _ := v["text"].(string)
			var out []Entry
			for _, c := range codings {
				for _, e := range tokenEntries(base, c) {
					if e.Text == "" {
						e.Text = text
					}
					out = append(out, e)
				}
			}
			return out
		}
		// Coding or Identifier.
		e := base
		if sys, ok := v["system"].(string); ok && sys != "" {
			e.System = sys
			e.HasSystem = true
		}
		if code, ok := v["code"].(string); ok {
			e.Code = code
		} else if val, ok := v["value"].(string); ok {
			e.Code = val
		}
		if d, ok := v["display"].(string); ok {
			e.Text = d
		}
		if e.Code == "" && !e.HasSystem {
			return nil
		}
		return []Entry{e}
	}
	return nil
}

func stringEntries(base Entry, node interface{}) []Entry {
	s, ok := node.(string)
	if !ok || s == "" {
		return nil
	}
	e := base
	e.Exact = s
	e.Norm = fhir.NormalizeString(s)
	return []Entry{e}
}

// dateEntries always stores an interval so partial-precision dates answer
// range comparators correctly.
func dateEntries(base Entry, node interface{}) []Entry {
	switch v := node.(type) {
	case string:
		r, err := fhir.ParseDateRange(v)
		if err != nil {
			return nil
		}
		e := base
		e.Start, e.End = r.Start, r.End
		return []Entry{e}
	case map[string]interface{}:
		// Period with optional open ends.
		e := base
		e.End = maxTime
		found := false
		if s, ok := v["start"].(string); ok {
			if r, err := fhir.ParseDateRange(s); err == nil {
				e.Start = r.Start
				found = true
			}
		}
		if s, ok := v["end"].(string); ok {
			if r, err := fhir.ParseDateRange(s); err == nil {
				e.End = r.End
				found = true
			}
		}
		if !found {
			return nil
		}
		return []Entry{e}
	}
	return nil
}

// referenceEntries normalizes every tolerated upstream encoding at index time:
// typed "Type/id", bare id, and urn:uuid forms all land in Alts.
func referenceEntries(base Entry, def search.ParamDef, node interface{}) []Entry {
	m, ok := node.(map[string]interface{})
	if !ok {
		if raw, isStr := node.(string); isStr && raw != "" {
			m = map[string]interface{}{"reference": raw}
		} else {
			return nil
		}
	}

	e := base
	raw, _ := m["reference"].(string)
	e.Exact = raw

	if raw != "" {
		ref := strings.TrimPrefix(raw, "urn:uuid:")
		tt, id := fhir.SplitReference(ref)
		// Full URLs keep their last two segments as Type/id when plausible.
		if strings.Contains(tt, "/") {
			segs := strings.Split(ref, "/")
			if len(segs) >= 2 {
				tt, id = segs[len(segs)-2], segs[len(segs)-1]
			}
		}
		if tt == "" {
			if t, ok := m["type"].(string); ok {
				tt = t
			} else if len(def.Targets) == 1 {
				tt = def.Targets[0]
			}
		}
		e.TargetType, e.TargetID = tt, id
		e.Alts = append(e.Alts, raw, id, "urn:uuid:"+id)
		if tt != "" {
			e.Alts = append(e.Alts, tt+"/"+id)
		}
	}

	if ident, ok := m["identifier"].(map[string]interface{}); ok {
		e.IdentSystem, _ = ident["system"].(string)
		e.IdentValue, _ = ident["value"].(string)
	}

	if e.TargetID == "" && e.IdentValue == "" {
		return nil
	}
	return []Entry{e}
}

func quantityEntries(base Entry, node interface{}) []Entry {
	switch v := node.(type) {
	case float64:
		e := base
		e.Value = v
		return []Entry{e}
	case map[string]interface{}:
		val, ok := toFloat(v["value"])
		if !ok {
			return nil
		}
		e := base
		e.Value = val
		e.Unit, _ = v["unit"].(string)
		e.UnitSystem, _ = v["system"].(string)
		if e.Unit == "" {
			e.Unit, _ = v["code"].(string)
		}
		return []Entry{e}
	}
	return nil
}

// extractComposite indexes each occurrence of a repeating element as one
// correlated entry, so multi-component queries cannot match values drawn from
// different occurrences.
func extractComposite(def search.ParamDef, content map[string]interface{}) []Entry {
	var out []Entry
	for _, root := range def.Roots {
		var occurrences []interface{}
		if root == "" {
			occurrences = []interface{}{content}
		} else {
			occurrences = walk(content, root)
		}
		for _, occ := range occurrences {
			m, ok := occ.(map[string]interface{})
			if !ok {
				continue
			}
			groups := make([][]Entry, 0, len(def.Components))
			complete := true
			for _, comp := range def.Components {
				cdef := search.ParamDef{Name: comp.Name, Kind: comp.Kind}
				var entries []Entry
				for _, node := range walk(m, comp.Path) {
					entries = append(entries, entriesFromNode(cdef, node)...)
				}
				if len(entries) == 0 {
					complete = false
					break
				}
				groups = append(groups, entries)
			}
			if !complete {
				continue
			}
			for _, combo := range crossProduct(groups) {
				out = append(out, Entry{Param: def.Name, Kind: search.KindComposite, Components: combo})
			}
		}
	}
	return out
}

func crossProduct(groups [][]Entry) [][]Entry {
	result := [][]Entry{{}}
	for _, g := range groups {
		var next [][]Entry
		for _, prefix := range result {
			for _, e := range g {
				combo := make([]Entry, len(prefix), len(prefix)+1)
				copy(combo, prefix)
				next = append(next, append(combo, e))
			}
		}
		result = next
	}
	return result
}

// walk descends a dotted path through the content tree, flattening arrays at
// every step. It returns every leaf node the path reaches.
func walk(node interface{}, path string) []interface{} {
	current := []interface{}{node}
	for _, seg := range strings.Split(path, ".") {
		var next []interface{}
		for _, n := range current {
			switch v := n.(type) {
			case map[string]interface{}:
				if child, ok := v[seg]; ok {
					next = append(next, flatten(child)...)
				}
			case []interface{}:
				for _, item := range v {
					if m, ok := item.(map[string]interface{}); ok {
						if child, ok := m[seg]; ok {
							next = append(next, flatten(child)...)
						}
					}
				}
			}
		}
		current = next
		if len(current) == 0 {
			return nil
		}
	}
	return current
}

func flatten(v interface{}) []interface{} {
	if arr, ok := v.([]interface{}); ok {
		var out []interface{}
		for _, item := range arr {
			out = append(out, flatten(item)...)
		}
		return out
	}
	return []interface{}{v}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
