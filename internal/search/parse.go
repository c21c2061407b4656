package search

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/medstack/recordstore/internal/platform/fhir"
)

// ValidationError reports a malformed or unsupported search input. It names
// the offending parameter so callers can surface a precise outcome.
type ValidationError struct {
	Param  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid search parameter %q: %s", e.Param, e.Detail)
}

func invalid(param, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Param: param, Detail: fmt.Sprintf(format, args...)}
}

// Condition is one validated parameter occurrence. Values combine with OR;
// separate Conditions combine with AND.
type Condition struct {
	Param    string
	Def      ParamDef
	Modifier fhir.SearchModifier
	// Missing is set when the :missing modifier was used; the Values slice is
	// empty in that case.
	Missing *bool
	// TargetType constrains reference matches when a typed modifier was used.
	TargetType string
	Values     []string
}

// Chain is a chained parameter: constrain this record by a search on the
// record it references. subject:Patient.name=John.
type Chain struct {
	RefParam   string
	RefDef     ParamDef
	TargetType string
	Cond       Condition // condition evaluated against the target type
}

// HasClause is a reverse chain: constrain this record by a search on records
// that reference it. _has:Observation:patient:code=1234-5.
type HasClause struct {
	SourceType string
	RefParam   string
	Cond       Condition // condition evaluated against the source type
}

// IncludeSpec is a parsed _include or _revinclude directive.
type IncludeSpec struct {
	Source string
	Param  string
	Target string // optional target-type narrowing
}

// Query is the fully validated form of a search request.
type Query struct {
	Type        string
	Conds       []Condition
	Chains      []Chain
	Has         []HasClause
	IDs         []string
	// ByID is set when _id constrained the query; an empty IDs list then
	// matches nothing rather than falling back to a full scan.
	ByID bool
	LastUpdated []string
	Count       int
	Offset      int
	Sort        []fhir.SortKey
	Includes    []IncludeSpec
	RevIncludes []IncludeSpec
	Total       fhir.TotalMode
	RawQuery    string
}

const (
	defaultCount = 20
	maxCount     = 100
)

// Parse validates raw query values against the registry's allowed-parameter
// table for recordType and builds the query model. Any failure short-circuits:
// no partially built query is ever returned.
func Parse(recordType string, values url.Values, reg *Registry) (*Query, error) {
	def, ok := reg.Type(recordType)
	if !ok {
		return nil, invalid(recordType, "unknown record type")
	}

	q := &Query{
		Type:     recordType,
		Count:    defaultCount,
		Total:    fhir.TotalAccurate,
		RawQuery: canonicalQuery(values),
	}

	for key, vals := range values {
		for _, raw := range vals {
			if err := parseOne(q, def, reg, key, raw); err != nil {
				return nil, err
			}
		}
	}
	return q, nil
}

func parseOne(q *Query, def *TypeDef, reg *Registry, key, raw string) error {
	switch {
	case strings.HasPrefix(key, "_has:"):
		return parseHas(q, def, reg, key, raw)
	case strings.HasPrefix(key, "_"):
		return parseControl(q, def, reg, key, raw)
	case strings.Contains(key, "."):
		return parseChain(q, def, reg, key, raw)
	default:
		return parseCondition(q, def, key, raw)
	}
}

func parseCondition(q *Query, def *TypeDef, key, raw string) error {
	base, mod := fhir.ParseParamModifier(key)
	pdef, ok := def.Params[base]
	if !ok {
		return invalid(base, "not a supported parameter for %s", def.Type)
	}

	cond := Condition{Param: base, Def: pdef, Modifier: mod}

	// A capitalised modifier on a reference parameter is a target-type filter
	// (subject:Patient=p1).
	if mod != "" && pdef.Kind == KindReference && mod[0] >= 'A' && mod[0] <= 'Z' {
		tt := string(mod)
		if !targetAllowed(pdef, tt) {
			return invalid(key, "type %s is not a valid target for %s", tt, base)
		}
		cond.Modifier = ""
		cond.TargetType = tt
	} else if !ModifierAllowed(pdef.Kind, mod) {
		return invalid(key, "modifier %q is not allowed on %s parameters", mod, pdef.Kind)
	}

	if cond.Modifier == fhir.ModifierMissing {
		m, err := missingValue(key, raw)
		if err != nil {
			return err
		}
		cond.Missing = m
		q.Conds = append(q.Conds, cond)
		return nil
	}

	cond.Values = splitValues(raw)
	if len(cond.Values) == 0 {
		return invalid(key, "empty value")
	}
	for _, v := range cond.Values {
		if err := validateValue(pdef, cond.Modifier, v); err != nil {
			return invalid(key, "%v", err)
		}
	}

	// :type filters on the reference target tag; the value is the type name.
	if cond.Modifier == fhir.ModifierType {
		for _, v := range cond.Values {
			if !targetAllowed(pdef, v) {
				return invalid(key, "type %s is not a valid target for %s", v, base)
			}
		}
	}

	q.Conds = append(q.Conds, cond)
	return nil
}

func parseChain(q *Query, def *TypeDef, reg *Registry, key, raw string) error {
	dot := strings.Index(key, ".")
	refPart, targetParam := key[:dot], key[dot+1:]
	if targetParam == "" {
		return invalid(key, "chained parameter is missing the target parameter")
	}

	refName, explicitType := refPart, ""
	if i := strings.Index(refPart, ":"); i >= 0 {
		refName, explicitType = refPart[:i], refPart[i+1:]
	}

	refDef, ok := def.Params[refName]
	if !ok || refDef.Kind != KindReference {
		return invalid(key, "%q is not a reference parameter on %s", refName, def.Type)
	}

	targetType := explicitType
	if targetType == "" {
		if len(refDef.Targets) != 1 {
			return invalid(key, "chain target type is ambiguous for %q; qualify as %s:Type.%s", refName, refName, targetParam)
		}
		targetType = refDef.Targets[0]
	} else if !targetAllowed(refDef, targetType) {
		return invalid(key, "type %s is not a valid target for %s", targetType, refName)
	}

	targetDef, ok := reg.Type(targetType)
	if !ok {
		return invalid(key, "unknown chain target type %s", targetType)
	}

	innerBase, innerMod := fhir.ParseParamModifier(targetParam)
	innerDef, ok := targetDef.Params[innerBase]
	if !ok {
		return invalid(key, "%q is not a supported parameter for %s", innerBase, targetType)
	}
	if !ModifierAllowed(innerDef.Kind, innerMod) {
		return invalid(key, "modifier %q is not allowed on %s parameters", innerMod, innerDef.Kind)
	}

	cond, err := innerCondition(key, raw, innerBase, innerDef, innerMod)
	if err != nil {
		return err
	}

	q.Chains = append(q.Chains, Chain{
		RefParam:   refName,
		RefDef:     refDef,
		TargetType: targetType,
		Cond:       cond,
	})
	return nil
}

func parseHas(q *Query, def *TypeDef, reg *Registry, key, raw string) error {
	rest := strings.TrimPrefix(key, "_has:")
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return invalid(key, "_has requires the form _has:Type:refParam:param")
	}
	sourceType, refParam, innerParam := parts[0], parts[1], parts[2]

	sourceDef, ok := reg.Type(sourceType)
	if !ok {
		return invalid(key, "unknown record type %s", sourceType)
	}
	refDef, ok := sourceDef.Params[refParam]
	if !ok || refDef.Kind != KindReference {
		return invalid(key, "%q is not a reference parameter on %s", refParam, sourceType)
	}
	if !targetAllowed(refDef, def.Type) {
		return invalid(key, "%s.%s does not reference %s", sourceType, refParam, def.Type)
	}

	innerBase, innerMod := fhir.ParseParamModifier(innerParam)
	innerDef, ok := sourceDef.Params[innerBase]
	if !ok {
		return invalid(key, "%q is not a supported parameter for %s", innerBase, sourceType)
	}
	if !ModifierAllowed(innerDef.Kind, innerMod) {
		return invalid(key, "modifier %q is not allowed on %s parameters", innerMod, innerDef.Kind)
	}

	cond, err := innerCondition(key, raw, innerBase, innerDef, innerMod)
	if err != nil {
		return err
	}

	q.Has = append(q.Has, HasClause{SourceType: sourceType, RefParam: refParam, Cond: cond})
	return nil
}

// innerCondition builds the condition a chain or _has clause evaluates on the
// other type, with the same :missing handling as direct parameters.
func innerCondition(key, raw, base string, def ParamDef, mod fhir.SearchModifier) (Condition, error) {
	cond := Condition{Param: base, Def: def, Modifier: mod}
	if mod == fhir.ModifierMissing {
		m, err := missingValue(key, raw)
		if err != nil {
			return cond, err
		}
		cond.Missing = m
		return cond, nil
	}
	cond.Values = splitValues(raw)
	if len(cond.Values) == 0 {
		return cond, invalid(key, "empty value")
	}
	for _, v := range cond.Values {
		if err := validateValue(def, mod, v); err != nil {
			return cond, invalid(key, "%v", err)
		}
	}
	return cond, nil
}

func missingValue(key, raw string) (*bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true":
		v := true
		return &v, nil
	case "false":
		v := false
		return &v, nil
	}
	return nil, invalid(key, ":missing requires true or false, got %q", raw)
}

func parseControl(q *Query, def *TypeDef, reg *Registry, key, raw string) error {
	switch key {
	case "_id":
		ids := splitValues(raw)
		if len(ids) == 0 {
			return invalid(key, "empty value")
		}
		// Comma-separated ids OR within one occurrence; repeated _id
		// occurrences AND, like every other parameter.
		if q.ByID {
			q.IDs = intersect(q.IDs, ids)
		} else {
			q.IDs = ids
			q.ByID = true
		}
	case "_lastUpdated":
		pv := fhir.ParseSearchValue(raw)
		if _, err := fhir.ParseDateRange(pv.Value); err != nil {
			return invalid(key, "%v", err)
		}
		q.LastUpdated = append(q.LastUpdated, raw)
	case "_count":
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return invalid(key, "must be a non-negative integer, got %q", raw)
		}
		if n > maxCount {
			n = maxCount
		}
		q.Count = n
	case "_offset":
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return invalid(key, "must be a non-negative integer, got %q", raw)
		}
		q.Offset = n
	case "_sort":
		for _, k := range fhir.ParseSort(raw) {
			if k.Param != "_id" && k.Param != "_lastUpdated" {
				pdef, ok := def.Params[k.Param]
				if !ok {
					return invalid(key, "%q is not a supported sort parameter for %s", k.Param, def.Type)
				}
				if pdef.Kind == KindComposite {
					return invalid(key, "cannot sort on composite parameter %q", k.Param)
				}
			}
			q.Sort = append(q.Sort, k)
		}
	case "_include":
		spec, err := parseIncludeSpec(key, raw, reg)
		if err != nil {
			return err
		}
		if spec.Source != def.Type {
			return invalid(key, "_include source must be %s, got %s", def.Type, spec.Source)
		}
		q.Includes = append(q.Includes, spec)
	case "_revinclude":
		spec, err := parseIncludeSpec(key, raw, reg)
		if err != nil {
			return err
		}
		q.RevIncludes = append(q.RevIncludes, spec)
	case "_total":
		q.Total = fhir.ParseTotalParam(raw)
	default:
		return invalid(key, "unknown control parameter")
	}
	return nil
}

func parseIncludeSpec(key, raw string, reg *Registry) (IncludeSpec, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return IncludeSpec{}, invalid(key, "expected Type:param or Type:param:Target, got %q", raw)
	}
	spec := IncludeSpec{Source: parts[0], Param: parts[1]}
	if len(parts) == 3 {
		spec.Target = parts[2]
	}

	srcDef, ok := reg.Type(spec.Source)
	if !ok {
		return IncludeSpec{}, invalid(key, "unknown record type %s", spec.Source)
	}
	pdef, ok := srcDef.Params[spec.Param]
	if !ok || pdef.Kind != KindReference {
		return IncludeSpec{}, invalid(key, "%q is not a reference parameter on %s", spec.Param, spec.Source)
	}
	if spec.Target != "" && !targetAllowed(pdef, spec.Target) {
		return IncludeSpec{}, invalid(key, "type %s is not a valid target for %s.%s", spec.Target, spec.Source, spec.Param)
	}
	return spec, nil
}

// validateValue checks a single search value against the parameter kind, so
// no malformed value survives into predicate construction.
func validateValue(def ParamDef, mod fhir.SearchModifier, v string) error {
	if v == "" {
		return fmt.Errorf("empty value")
	}
	switch def.Kind {
	case KindDate:
		pv := fhir.ParseSearchValue(v)
		if _, err := fhir.ParseDateRange(pv.Value); err != nil {
			return err
		}
	case KindNumber:
		pv := fhir.ParseSearchValue(v)
		if _, err := strconv.ParseFloat(pv.Value, 64); err != nil {
			return fmt.Errorf("parse number %q: %w", v, err)
		}
	case KindQuantity:
		if _, err := fhir.ParseQuantityValue(v); err != nil {
			return err
		}
	case KindComposite:
		parts := strings.Split(v, "$")
		if len(parts) > len(def.Components) {
			return fmt.Errorf("composite value has %d components, parameter defines %d", len(parts), len(def.Components))
		}
		for i, part := range parts {
			if part == "" {
				continue
			}
			comp := def.Components[i]
			if err := validateValue(ParamDef{Name: comp.Name, Kind: comp.Kind}, "", part); err != nil {
				return fmt.Errorf("component %s: %w", comp.Name, err)
			}
		}
	}
	return nil
}

func targetAllowed(def ParamDef, targetType string) bool {
	for _, t := range def.Targets {
		if t == targetType {
			return true
		}
	}
	return false
}

func intersect(a, b []string) []string {
	allowed := make(map[string]bool, len(b))
	for _, v := range b {
		allowed[v] = true
	}
	out := a[:0]
	for _, v := range a {
		if allowed[v] {
			out = append(out, v)
		}
	}
	return out
}

// splitValues splits comma-separated OR values, dropping empties.
func splitValues(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// canonicalQuery re-encodes the request query minus pagination controls, used
// verbatim when building self/next/previous links.
func canonicalQuery(values url.Values) string {
	filtered := url.Values{}
	for k, vs := range values {
		if k == "_count" || k == "_offset" {
			continue
		}
		filtered[k] = vs
	}
	return filtered.Encode()
}
