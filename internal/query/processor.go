// Package query turns a validated search query into a result set. Evaluation
// runs over the engine's index rows only; record bodies are touched just for
// the page being returned.
package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/medstack/recordstore/internal/index"
	"github.com/medstack/recordstore/internal/platform/fhir"
	"github.com/medstack/recordstore/internal/search"
	"github.com/medstack/recordstore/internal/store"
)

// checkEvery bounds how many candidates are scanned between deadline checks.
const checkEvery = 256

const deadlineWarning = "search was cut short by the evaluation deadline; results are incomplete"

// Processor executes searches against the engine.
type Processor struct {
	engine    *store.Engine
	reg       *search.Registry
	valuesets *search.ValueSetRegistry
	log       zerolog.Logger
	timeout   time.Duration
}

// Options configures a processor.
type Options struct {
	Engine    *store.Engine
	ValueSets *search.ValueSetRegistry
	Logger    zerolog.Logger
	// Timeout bounds one search evaluation; zero means no bound.
	Timeout time.Duration
}

// NewProcessor builds a processor bound to an engine.
func NewProcessor(opts Options) *Processor {
	if opts.ValueSets == nil {
		opts.ValueSets = search.NewValueSetRegistry()
	}
	return &Processor{
		engine:    opts.Engine,
		reg:       opts.Engine.Registry(),
		valuesets: opts.ValueSets,
		log:       opts.Logger,
		timeout:   opts.Timeout,
	}
}

// ValueSets exposes the registry so expansions can be loaded at startup.
func (p *Processor) ValueSets() *search.ValueSetRegistry { return p.valuesets }

// Result is one evaluated search: the page of matches, their includes, and
// everything needed to assemble the response bundle.
type Result struct {
	Matches  []*store.Record
	Includes []*store.Record
	Total    int
	HasMore  bool
	// Partial is set when the evaluation deadline cut the scan short.
	Partial  bool
	Warnings []string
}

// Search evaluates a parsed query. Validation errors were already rejected at
// parse time; errors here are internal.
func (p *Processor) Search(ctx context.Context, q *search.Query) (*Result, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	started := time.Now()

	res := &Result{}
	matchers := p.buildMatchers(q, res)

	// A deadline expiring while chain or _has sub-queries resolve yields the
	// same partial result the main scan produces, never an error.
	chainSets, err := p.resolveChains(ctx, q)
	if err != nil {
		return p.cutShort(ctx, res, err, q, started)
	}
	hasSet, err := p.resolveHas(ctx, q)
	if err != nil {
		return p.cutShort(ctx, res, err, q, started)
	}

	var candidates []string
	if q.ByID {
		candidates = dedupeSorted(q.IDs)
	} else {
		candidates = p.engine.LiveIDs(q.Type)
	}

	var matched []*store.Record
scan:
	for i, id := range candidates {
		if i%checkEvery == 0 && ctx.Err() != nil {
			res.Partial = true
			break scan
		}
		rec, err := p.engine.Get(q.Type, id)
		if err != nil {
			continue // explicit _id values may not exist
		}
		if !p.recordMatches(q, matchers, chainSets, hasSet, rec) {
			continue
		}
		matched = append(matched, rec)
	}

	p.sortRecords(q, matched)

	res.Total = len(matched)
	start, end := q.Offset, q.Offset+q.Count
	if start > len(matched) {
		start = len(matched)
	}
	if end > len(matched) {
		end = len(matched)
	}
	res.Matches = matched[start:end]
	res.HasMore = end < len(matched)

	if res.Partial {
		res.Warnings = append(res.Warnings, deadlineWarning)
	}

	incs, err := p.resolveIncludes(q, res.Matches)
	if err != nil {
		return nil, err
	}
	res.Includes = incs

	p.log.Debug().Str("type", q.Type).Int("total", res.Total).
		Int("page", len(res.Matches)).Dur("took", time.Since(started)).
		Bool("partial", res.Partial).Msg("search evaluated")
	return res, nil
}

// cutShort converts a deadline hit during sub-query resolution into an empty
// partial result. Any other error stays an error.
func (p *Processor) cutShort(ctx context.Context, res *Result, err error, q *search.Query, started time.Time) (*Result, error) {
	if ctx.Err() == nil {
		return nil, err
	}
	res.Partial = true
	res.Warnings = append(res.Warnings, deadlineWarning)
	p.log.Debug().Str("type", q.Type).Int("total", 0).
		Dur("took", time.Since(started)).Bool("partial", true).Msg("search evaluated")
	return res, nil
}

// buildMatchers compiles the direct conditions, detecting token systems never
// observed in the index so those values degrade to code-only matching.
func (p *Processor) buildMatchers(q *search.Query, res *Result) []*matcher {
	observed := p.observedSystems(q)
	out := make([]*matcher, 0, len(q.Conds))
	for _, cond := range q.Conds {
		m := &matcher{cond: cond, valuesets: p.valuesets, degradeSystems: map[string]bool{}}
		if cond.Def.Kind == search.KindToken && cond.Modifier != fhir.ModifierIn && cond.Modifier != fhir.ModifierNotIn {
			for _, v := range cond.Values {
				system, _, hasPipe := fhir.SplitToken(v)
				if hasPipe && system != "" && !observed[cond.Param][system] {
					m.degradeSystems[v] = true
					res.Warnings = append(res.Warnings, fmt.Sprintf(
						"system %q has not been seen for parameter %q; matched on code alone", system, cond.Param))
				}
			}
		}
		if cond.Modifier == fhir.ModifierAbove || cond.Modifier == fhir.ModifierBelow {
			if cond.Def.Kind == search.KindToken {
				res.Warnings = append(res.Warnings, fmt.Sprintf(
					"no code hierarchy is configured for %q; :%s matched exact codes only", cond.Param, cond.Modifier))
			}
		}
		out = append(out, m)
	}
	return out
}

// observedSystems collects the token systems present in the index for the
// parameters this query filters on.
func (p *Processor) observedSystems(q *search.Query) map[string]map[string]bool {
	params := map[string]bool{}
	for _, cond := range q.Conds {
		if cond.Def.Kind == search.KindToken {
			params[cond.Param] = true
		}
	}
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]map[string]bool, len(params))
	for _, id := range p.engine.LiveIDs(q.Type) {
		for _, row := range p.engine.EntriesFor(q.Type, id) {
			if !params[row.Param] || !row.HasSystem {
				continue
			}
			if out[row.Param] == nil {
				out[row.Param] = map[string]bool{}
			}
			out[row.Param][row.System] = true
		}
	}
	return out
}

func (p *Processor) recordMatches(q *search.Query, matchers []*matcher, chainSets []map[string]bool, hasSet map[string]bool, rec *store.Record) bool {
	if len(q.LastUpdated) > 0 && !matchLastUpdated(q.LastUpdated, rec.LastUpdated) {
		return false
	}
	rows := p.engine.EntriesFor(rec.Type, rec.ID)
	for _, m := range matchers {
		if !m.matches(rows) {
			return false
		}
	}
	for i, chain := range q.Chains {
		if !p.chainMatches(chain, chainSets[i], rows) {
			return false
		}
	}
	if hasSet != nil && !hasSet[rec.ID] {
		return false
	}
	return true
}

func matchLastUpdated(values []string, at time.Time) bool {
	for _, raw := range values {
		pv := fhir.ParseSearchValue(raw)
		qr, err := fhir.ParseDateRange(pv.Value)
		if err != nil {
			return false
		}
		instant := fhir.DateRange{Start: at, End: at}
		if !dateMatch(instant, qr, pv.Prefix) {
			return false
		}
	}
	return true
}

// resolveChains evaluates each chain's inner condition over the target type
// once, producing the id set a reference must land in.
func (p *Processor) resolveChains(ctx context.Context, q *search.Query) ([]map[string]bool, error) {
	if len(q.Chains) == 0 {
		return nil, nil
	}
	sets := make([]map[string]bool, len(q.Chains))
	for i, chain := range q.Chains {
		m := &matcher{cond: chain.Cond, valuesets: p.valuesets}
		set := map[string]bool{}
		for j, id := range p.engine.LiveIDs(chain.TargetType) {
			if j%checkEvery == 0 && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if m.matches(p.engine.EntriesFor(chain.TargetType, id)) {
				set[id] = true
			}
		}
		sets[i] = set
	}
	return sets, nil
}

func (p *Processor) chainMatches(chain search.Chain, targets map[string]bool, rows []index.Entry) bool {
	for _, r := range rows {
		if r.Kind != search.KindReference || r.Param != chain.RefParam {
			continue
		}
		if r.TargetType == chain.TargetType && targets[r.TargetID] {
			return true
		}
	}
	return false
}

// resolveHas evaluates every _has clause and intersects them into one allowed
// id set for the searched type. A nil return means no _has constraint.
func (p *Processor) resolveHas(ctx context.Context, q *search.Query) (map[string]bool, error) {
	if len(q.Has) == 0 {
		return nil, nil
	}
	var combined map[string]bool
	for _, clause := range q.Has {
		m := &matcher{cond: clause.Cond, valuesets: p.valuesets}
		paths := p.refPaths(clause.SourceType, clause.RefParam)
		set := map[string]bool{}
		for j, id := range p.engine.LiveIDs(clause.SourceType) {
			if j%checkEvery == 0 && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !m.matches(p.engine.EntriesFor(clause.SourceType, id)) {
				continue
			}
			for _, edge := range p.engine.EdgesFrom(clause.SourceType, id) {
				if paths[edge.Path] && edge.TargetType == q.Type {
					set[edge.TargetID] = true
				}
			}
		}
		if combined == nil {
			combined = set
			continue
		}
		for id := range combined {
			if !set[id] {
				delete(combined, id)
			}
		}
	}
	return combined, nil
}

// resolveIncludes fetches referenced and referencing records for the current
// page, deduplicated against the matches and each other.
func (p *Processor) resolveIncludes(q *search.Query, matches []*store.Record) ([]*store.Record, error) {
	if len(q.Includes) == 0 && len(q.RevIncludes) == 0 {
		return nil, nil
	}
	seen := map[string]bool{}
	for _, rec := range matches {
		seen[rec.Key()] = true
	}
	var out []*store.Record
	add := func(recordType, id string) {
		key := fhir.FormatReference(recordType, id)
		if seen[key] {
			return
		}
		rec, err := p.engine.Get(recordType, id)
		if err != nil {
			return // dangling references include nothing
		}
		seen[key] = true
		out = append(out, rec)
	}

	incPaths := make([]map[string]bool, len(q.Includes))
	for i, spec := range q.Includes {
		incPaths[i] = p.refPaths(q.Type, spec.Param)
	}
	revPaths := make([]map[string]bool, len(q.RevIncludes))
	for i, spec := range q.RevIncludes {
		revPaths[i] = p.refPaths(spec.Source, spec.Param)
	}

	for _, rec := range matches {
		for i, spec := range q.Includes {
			for _, edge := range p.engine.EdgesFrom(rec.Type, rec.ID) {
				if !incPaths[i][edge.Path] {
					continue
				}
				if spec.Target != "" && edge.TargetType != spec.Target {
					continue
				}
				add(edge.TargetType, edge.TargetID)
			}
		}
		for i, spec := range q.RevIncludes {
			for _, edge := range p.engine.EdgesInto(rec.Type, rec.ID) {
				if edge.SourceType != spec.Source || !revPaths[i][edge.Path] {
					continue
				}
				add(edge.SourceType, edge.SourceID)
			}
		}
	}
	return out, nil
}

// refPaths returns the extraction paths of a reference parameter. Edges carry
// the content path, so aliased parameters over the same path resolve to the
// same edges.
func (p *Processor) refPaths(recordType, param string) map[string]bool {
	def, ok := p.reg.Type(recordType)
	if !ok {
		return nil
	}
	pdef, ok := def.Params[param]
	if !ok {
		return nil
	}
	out := make(map[string]bool, len(pdef.Paths))
	for _, path := range pdef.Paths {
		out[path] = true
	}
	return out
}

// sortRecords orders matches by the query's sort keys with an id tiebreak, so
// pagination is stable.
func (p *Processor) sortRecords(q *search.Query, recs []*store.Record) {
	keys := q.Sort
	sort.SliceStable(recs, func(i, j int) bool {
		for _, k := range keys {
			ci := p.sortValue(k, recs[i])
			cj := p.sortValue(k, recs[j])
			// Records without a value sort last in either direction.
			if ci == "" || cj == "" {
				if ci == cj {
					continue
				}
				return cj == ""
			}
			if ci == cj {
				continue
			}
			if k.Descending {
				return ci > cj
			}
			return ci < cj
		}
		return recs[i].ID < recs[j].ID
	})
}

// sortValue derives a comparable key string for one record and sort key.
func (p *Processor) sortValue(k fhir.SortKey, rec *store.Record) string {
	switch k.Param {
	case "_id":
		return rec.ID
	case "_lastUpdated":
		return rec.LastUpdated.UTC().Format(time.RFC3339Nano)
	}
	best := ""
	for _, row := range p.engine.EntriesFor(rec.Type, rec.ID) {
		if row.Param != k.Param {
			continue
		}
		v := entrySortValue(row)
		if v == "" {
			continue
		}
		if best == "" || v < best {
			best = v
		}
	}
	return best
}

func entrySortValue(row index.Entry) string {
	switch row.Kind {
	case search.KindToken:
		return row.Code
	case search.KindString:
		return row.Norm
	case search.KindDate:
		return row.Start.UTC().Format(time.RFC3339Nano)
	case search.KindQuantity, search.KindNumber:
		// Zero-padded fixed-point keeps numeric and lexical order aligned.
		return fmt.Sprintf("%020.6f", row.Value)
	case search.KindURI:
		return row.URI
	case search.KindReference:
		return fhir.FormatReference(row.TargetType, row.TargetID)
	}
	return ""
}

// Everything returns a patient record with every record in its compartment.
func (p *Processor) Everything(ctx context.Context, patientID string) ([]*store.Record, error) {
	patient, err := p.engine.Get("Patient", patientID)
	if err != nil {
		return nil, err
	}
	out := []*store.Record{patient}
	members := p.engine.CompartmentMembers(patientID)
	sort.Slice(members, func(i, j int) bool {
		if members[i].MemberType != members[j].MemberType {
			return members[i].MemberType < members[j].MemberType
		}
		return members[i].MemberID < members[j].MemberID
	})
	for i, m := range members {
		if i%checkEvery == 0 && ctx.Err() != nil {
			return out, ctx.Err()
		}
		rec, err := p.engine.Get(m.MemberType, m.MemberID)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func dedupeSorted(ids []string) []string {
	set := map[string]bool{}
	for _, id := range ids {
		set[strings.TrimSpace(id)] = true
	}
	delete(set, "")
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
