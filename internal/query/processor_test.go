package query

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medstack/recordstore/internal/platform/fhir"
	"github.com/medstack/recordstore/internal/search"
	"github.com/medstack/recordstore/internal/store"
)

type fixture struct {
	engine *store.Engine
	proc   *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine, err := store.NewEngine(context.Background(), store.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &fixture{
		engine: engine,
		proc:   NewProcessor(Options{Engine: engine, Logger: zerolog.Nop()}),
	}
}

func (f *fixture) create(t *testing.T, recordType string, content map[string]interface{}) {
	t.Helper()
	if _, err := f.engine.Create(context.Background(), recordType, content); err != nil {
		t.Fatalf("create %s: %v", recordType, err)
	}
}

func (f *fixture) search(t *testing.T, recordType, rawQuery string) *Result {
	t.Helper()
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		t.Fatalf("parse query %q: %v", rawQuery, err)
	}
	q, err := search.Parse(recordType, values, f.engine.Registry())
	if err != nil {
		t.Fatalf("parse search %q: %v", rawQuery, err)
	}
	res, err := f.proc.Search(context.Background(), q)
	if err != nil {
		t.Fatalf("search %q: %v", rawQuery, err)
	}
	return res
}

func ids(res *Result) []string {
	out := make([]string, 0, len(res.Matches))
	for _, r := range res.Matches {
		out = append(out, r.ID)
	}
	return out
}

func wantIDs(t *testing.T, res *Result, want ...string) {
	t.Helper()
	got := ids(res)
	if len(got) != len(want) {
		t.Fatalf("matches = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("matches = %v, want %v", got, want)
		}
	}
}

func obs(id, status, patientID string, code map[string]interface{}, extra map[string]interface{}) map[string]interface{} {
	content := map[string]interface{}{
		"id":      id,
		"status":  status,
		"subject": map[string]interface{}{"reference": "Patient/" + patientID},
	}
	if code != nil {
		content["code"] = code
	}
	for k, v := range extra {
		content[k] = v
	}
	return content
}

func loinc(code string) map[string]interface{} {
	return map[string]interface{}{
		"coding": []interface{}{
			map[string]interface{}{"system": "http://loinc.org", "code": code},
		},
	}
}

func TestTokenSearch(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Observation", obs("o1", "final", "p1", loinc("8867-4"), nil))
	f.create(t, "Observation", obs("o2", "preliminary", "p1", loinc("8867-4"), nil))
	f.create(t, "Observation", obs("o3", "final", "p1", map[string]interface{}{
		"coding": []interface{}{map[string]interface{}{"code": "8867-4"}},
	}, nil))

	cases := []struct {
		name  string
		query string
		want  []string
	}{
		{"bare code matches any system", "code=8867-4", []string{"o1", "o2", "o3"}},
		{"system and code", "code=http://loinc.org|8867-4", []string{"o1", "o2"}},
		{"explicitly systemless", "code=|8867-4", []string{"o3"}},
		{"any code in system", "code=http://loinc.org|", []string{"o1", "o2"}},
		{"or values", "status=final,preliminary", []string{"o1", "o2", "o3"}},
		{"and conditions", "status=final&code=http://loinc.org|8867-4", []string{"o1"}},
		{"not modifier", "status:not=final", []string{"o2"}},
		{"no match", "status=amended", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wantIDs(t, f.search(t, "Observation", tc.query), tc.want...)
		})
	}
}

func TestTokenTextModifier(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Observation", obs("o1", "final", "p1", map[string]interface{}{
		"text": "Resting heart rate",
		"coding": []interface{}{
			map[string]interface{}{"system": "http://loinc.org", "code": "8867-4", "display": "Heart rate"},
		},
	}, nil))
	wantIDs(t, f.search(t, "Observation", "code:text=heart"), "o1")
	wantIDs(t, f.search(t, "Observation", "code:text=glucose"))
}

func TestUnknownSystemDegradesToCode(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Observation", obs("o1", "final", "p1", loinc("8867-4"), nil))

	res := f.search(t, "Observation", "code=http://snomed.info/sct|8867-4")
	wantIDs(t, res, "o1")
	if len(res.Warnings) == 0 {
		t.Error("expected a degraded-match warning")
	}
}

func TestValueSetModifiers(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Observation", obs("o1", "final", "p1", loinc("8867-4"), nil))
	f.create(t, "Observation", obs("o2", "final", "p1", loinc("2339-0"), nil))
	f.proc.ValueSets().Register("http://vs.example/vitals", []fhir.Coding{
		{System: "http://loinc.org", Code: "8867-4"},
	})

	wantIDs(t, f.search(t, "Observation", "code:in=http://vs.example/vitals"), "o1")
	wantIDs(t, f.search(t, "Observation", "code:not-in=http://vs.example/vitals"), "o2")

	// Unknown ValueSet URL: :in matches nothing, :not-in matches everything.
	wantIDs(t, f.search(t, "Observation", "code:in=http://vs.example/unknown"))
	wantIDs(t, f.search(t, "Observation", "code:not-in=http://vs.example/unknown"), "o1", "o2")
}

func TestStringSearch(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Patient", map[string]interface{}{
		"id": "p1",
		"name": []interface{}{
			map[string]interface{}{"family": "Eve", "given": []interface{}{"Anna"}},
		},
	})
	f.create(t, "Patient", map[string]interface{}{
		"id": "p2",
		"name": []interface{}{
			map[string]interface{}{"family": "Everson"},
		},
	})

	cases := []struct {
		name  string
		query string
		want  []string
	}{
		{"default is prefix", "family=eve", []string{"p1", "p2"}},
		{"case insensitive", "family=EVE", []string{"p1", "p2"}},
		{"exact", "family:exact=Eve", []string{"p1"}},
		{"exact is case sensitive", "family:exact=eve", nil},
		{"contains", "family:contains=vers", []string{"p2"}},
		{"no prefix match mid-word", "family=verson", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wantIDs(t, f.search(t, "Patient", tc.query), tc.want...)
		})
	}
}

func TestDateSearch(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Patient", map[string]interface{}{"id": "p1", "birthDate": "1990-03-15"})
	f.create(t, "Patient", map[string]interface{}{"id": "p2", "birthDate": "1990-07-01"})
	f.create(t, "Patient", map[string]interface{}{"id": "p3", "birthDate": "1991"})

	cases := []struct {
		name  string
		query string
		want  []string
	}{
		{"eq day", "birthdate=1990-03-15", []string{"p1"}},
		{"eq year contains both", "birthdate=1990", []string{"p1", "p2"}},
		{"year does not contain wider year", "birthdate=1991-01", nil},
		{"ge", "birthdate=ge1990-07-01", []string{"p2", "p3"}},
		{"le", "birthdate=le1990-03-15", []string{"p1"}},
		{"gt year boundary", "birthdate=gt1990", []string{"p3"}},
		{"lt", "birthdate=lt1990-07-01", []string{"p1"}},
		{"ne", "birthdate=ne1990", []string{"p3"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wantIDs(t, f.search(t, "Patient", tc.query), tc.want...)
		})
	}
}

func TestMissingModifier(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Patient", map[string]interface{}{"id": "p1", "birthDate": "1990-03-15"})
	f.create(t, "Patient", map[string]interface{}{"id": "p2"})

	wantIDs(t, f.search(t, "Patient", "birthdate:missing=true"), "p2")
	wantIDs(t, f.search(t, "Patient", "birthdate:missing=false"), "p1")
}

func TestReferenceSearch(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Observation", obs("o1", "final", "p1", nil, nil))
	f.create(t, "Observation", obs("o2", "final", "p2", nil, nil))

	wantIDs(t, f.search(t, "Observation", "subject=Patient/p1"), "o1")
	wantIDs(t, f.search(t, "Observation", "subject=p1"), "o1")
	wantIDs(t, f.search(t, "Observation", "patient=Patient/p2"), "o2")
	wantIDs(t, f.search(t, "Observation", "subject=Patient/p9"))
}

func TestReferenceIdentifierModifier(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Observation", obs("o1", "final", "p1", nil, map[string]interface{}{
		"subject": map[string]interface{}{
			"identifier": map[string]interface{}{"system": "http://mrn.example", "value": "42"},
		},
	}))
	wantIDs(t, f.search(t, "Observation", "subject:identifier=http://mrn.example|42"), "o1")
	wantIDs(t, f.search(t, "Observation", "subject:identifier=42"), "o1")
	wantIDs(t, f.search(t, "Observation", "subject:identifier=http://other.example|42"))
}

func TestQuantitySearch(t *testing.T) {
	f := newFixture(t)
	mk := func(id string, value float64) map[string]interface{} {
		return obs(id, "final", "p1", nil, map[string]interface{}{
			"valueQuantity": map[string]interface{}{
				"value": value, "unit": "mg/dL", "system": "http://unitsofmeasure.org",
			},
		})
	}
	f.create(t, "Observation", mk("o1", 85))
	f.create(t, "Observation", mk("o2", 140))

	cases := []struct {
		name  string
		query string
		want  []string
	}{
		{"eq", "value-quantity=85", []string{"o1"}},
		{"gt", "value-quantity=gt100", []string{"o2"}},
		{"le", "value-quantity=le140", []string{"o1", "o2"}},
		{"with unit", "value-quantity=85|http://unitsofmeasure.org|mg/dL", []string{"o1"}},
		{"wrong unit", "value-quantity=85|http://unitsofmeasure.org|mmol/L", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wantIDs(t, f.search(t, "Observation", tc.query), tc.want...)
		})
	}
}

func TestCompositeSearch(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Observation", obs("bp", "final", "p1", nil, map[string]interface{}{
		"component": []interface{}{
			map[string]interface{}{
				"code":          loinc("8480-6"),
				"valueQuantity": map[string]interface{}{"value": float64(120), "unit": "mmHg"},
			},
			map[string]interface{}{
				"code":          loinc("8462-4"),
				"valueQuantity": map[string]interface{}{"value": float64(80), "unit": "mmHg"},
			},
		},
	}))

	wantIDs(t, f.search(t, "Observation", "code-value-quantity=http://loinc.org|8480-6$gt100"), "bp")
	wantIDs(t, f.search(t, "Observation", "code-value-quantity=http://loinc.org|8462-4$80"), "bp")
	// Components from different occurrences must not correlate.
	wantIDs(t, f.search(t, "Observation", "code-value-quantity=http://loinc.org|8462-4$gt100"))
}

func TestChainedSearch(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Patient", map[string]interface{}{
		"id":   "p1",
		"name": []interface{}{map[string]interface{}{"family": "Smith"}},
	})
	f.create(t, "Patient", map[string]interface{}{
		"id":   "p2",
		"name": []interface{}{map[string]interface{}{"family": "Jones"}},
	})
	f.create(t, "Observation", obs("o1", "final", "p1", nil, nil))
	f.create(t, "Observation", obs("o2", "final", "p2", nil, nil))

	wantIDs(t, f.search(t, "Observation", "patient.family=Smith"), "o1")
	wantIDs(t, f.search(t, "Observation", "subject:Patient.family=Jones"), "o2")
	wantIDs(t, f.search(t, "Observation", "patient.family=Nobody"))
}

func TestChainedMissingModifier(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Patient", map[string]interface{}{"id": "p1", "active": true})
	f.create(t, "Patient", map[string]interface{}{"id": "p2"})
	f.create(t, "Observation", obs("o1", "final", "p1", nil, nil))
	f.create(t, "Observation", obs("o2", "final", "p2", nil, nil))

	wantIDs(t, f.search(t, "Observation", "patient.active:missing=true"), "o2")
	wantIDs(t, f.search(t, "Observation", "patient.active:missing=false"), "o1")
}

func TestReverseChainMissingModifier(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Patient", map[string]interface{}{"id": "p1"})
	f.create(t, "Patient", map[string]interface{}{"id": "p2"})
	f.create(t, "Encounter", map[string]interface{}{"id": "e1", "subject": map[string]interface{}{"reference": "Patient/p1"}})
	f.create(t, "Observation", obs("o1", "final", "p1", nil, map[string]interface{}{
		"encounter": map[string]interface{}{"reference": "Encounter/e1"},
	}))
	f.create(t, "Observation", obs("o2", "final", "p2", nil, nil))

	wantIDs(t, f.search(t, "Patient", "_has:Observation:patient:encounter:missing=true"), "p2")
	wantIDs(t, f.search(t, "Patient", "_has:Observation:patient:encounter:missing=false"), "p1")
}

func TestReverseChain(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Patient", map[string]interface{}{"id": "p1"})
	f.create(t, "Patient", map[string]interface{}{"id": "p2"})
	f.create(t, "Observation", obs("o1", "final", "p1", loinc("8867-4"), nil))

	wantIDs(t, f.search(t, "Patient", "_has:Observation:patient:code=8867-4"), "p1")
	wantIDs(t, f.search(t, "Patient", "_has:Observation:patient:code=0000-0"))
}

func TestIDAndLastUpdated(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Patient", map[string]interface{}{"id": "p1"})
	f.create(t, "Patient", map[string]interface{}{"id": "p2"})

	wantIDs(t, f.search(t, "Patient", "_id=p2"), "p2")
	wantIDs(t, f.search(t, "Patient", "_id=p2,p1"), "p1", "p2")
	wantIDs(t, f.search(t, "Patient", "_id=missing"))

	// Repeated _id occurrences intersect like any other repeated parameter.
	wantIDs(t, f.search(t, "Patient", "_id=p1,p2&_id=p2"), "p2")
	wantIDs(t, f.search(t, "Patient", "_id=p1&_id=p2"))

	year := time.Now().UTC().Year()
	wantIDs(t, f.search(t, "Patient", "_lastUpdated=ge"+time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02")), "p1", "p2")
	wantIDs(t, f.search(t, "Patient", "_lastUpdated=lt2000-01-01"))
}

func TestSortAndPagination(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Patient", map[string]interface{}{"id": "p1", "birthDate": "1990-01-01"})
	f.create(t, "Patient", map[string]interface{}{"id": "p2", "birthDate": "1985-01-01"})
	f.create(t, "Patient", map[string]interface{}{"id": "p3", "birthDate": "1999-01-01"})
	f.create(t, "Patient", map[string]interface{}{"id": "p4"})

	res := f.search(t, "Patient", "_sort=birthdate")
	wantIDs(t, res, "p2", "p1", "p3", "p4")

	res = f.search(t, "Patient", "_sort=-birthdate")
	// Records without the sort value stay last even descending.
	wantIDs(t, res, "p3", "p1", "p2", "p4")

	res = f.search(t, "Patient", "_sort=birthdate&_count=2")
	wantIDs(t, res, "p2", "p1")
	if res.Total != 4 || !res.HasMore {
		t.Errorf("total = %d hasMore = %v", res.Total, res.HasMore)
	}

	res = f.search(t, "Patient", "_sort=birthdate&_count=2&_offset=2")
	wantIDs(t, res, "p3", "p4")
	if res.HasMore {
		t.Error("last page should not report more")
	}

	res = f.search(t, "Patient", "_count=0")
	if len(res.Matches) != 0 || res.Total != 4 {
		t.Errorf("count=0 should return totals only: %v total=%d", ids(res), res.Total)
	}
}

func TestIncludeAndRevInclude(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Patient", map[string]interface{}{"id": "p1"})
	f.create(t, "Practitioner", map[string]interface{}{"id": "dr1"})
	f.create(t, "Observation", obs("o1", "final", "p1", nil, map[string]interface{}{
		"performer": []interface{}{map[string]interface{}{"reference": "Practitioner/dr1"}},
	}))
	f.create(t, "Observation", obs("o2", "final", "p1", nil, nil))

	res := f.search(t, "Observation", "status=final&_include=Observation:subject")
	wantIDs(t, res, "o1", "o2")
	if len(res.Includes) != 1 || res.Includes[0].ID != "p1" {
		t.Fatalf("includes = %v", res.Includes)
	}

	res = f.search(t, "Observation", "status=final&_include=Observation:subject&_include=Observation:performer")
	if len(res.Includes) != 2 {
		t.Fatalf("want patient and practitioner included, got %v", res.Includes)
	}

	res = f.search(t, "Patient", "_revinclude=Observation:patient")
	wantIDs(t, res, "p1")
	if len(res.Includes) != 2 {
		t.Fatalf("revinclude should pull both observations, got %v", res.Includes)
	}
}

func TestIncludeSkipsDanglingReference(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Observation", obs("o1", "final", "ghost", nil, nil))
	res := f.search(t, "Observation", "_include=Observation:subject")
	wantIDs(t, res, "o1")
	if len(res.Includes) != 0 {
		t.Errorf("dangling reference must include nothing, got %v", res.Includes)
	}
}

func TestDeadlineYieldsPartialResult(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Patient", map[string]interface{}{"id": "p1"})

	values, _ := url.ParseQuery("")
	q, err := search.Parse("Patient", values, f.engine.Registry())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.proc.Search(ctx, q)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !res.Partial {
		t.Error("cancelled search should be marked partial")
	}
	if len(res.Warnings) == 0 {
		t.Error("partial result should carry a warning")
	}
}

func TestDeadlineDuringSubQueryYieldsPartialResult(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Patient", map[string]interface{}{
		"id":   "p1",
		"name": []interface{}{map[string]interface{}{"family": "Smith"}},
	})
	f.create(t, "Observation", obs("o1", "final", "p1", loinc("8867-4"), nil))

	cases := []struct {
		recordType string
		raw        string
	}{
		{"Observation", "patient.family=Smith"},
		{"Patient", "_has:Observation:patient:code=8867-4"},
	}
	for _, tc := range cases {
		values, _ := url.ParseQuery(tc.raw)
		q, err := search.Parse(tc.recordType, values, f.engine.Registry())
		if err != nil {
			t.Fatalf("parse %q: %v", tc.raw, err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res, err := f.proc.Search(ctx, q)
		if err != nil {
			t.Fatalf("search %q: deadline must yield a partial result, got error %v", tc.raw, err)
		}
		if !res.Partial {
			t.Errorf("search %q: result not marked partial", tc.raw)
		}
		if len(res.Warnings) == 0 {
			t.Errorf("search %q: partial result carries no warning", tc.raw)
		}
	}
}

func TestDeletedRecordsNeverMatch(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Patient", map[string]interface{}{"id": "p1", "gender": "female"})
	f.create(t, "Patient", map[string]interface{}{"id": "p2", "gender": "female"})
	if _, err := f.engine.Delete(context.Background(), "Patient", "p2", -1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	wantIDs(t, f.search(t, "Patient", "gender=female"), "p1")
	wantIDs(t, f.search(t, "Patient", "_id=p2"))
}

func TestUpdateMovesSearchResults(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Patient", map[string]interface{}{"id": "p1"})
	f.create(t, "Observation", obs("o1", "final", "p1", loinc("1234-5"), map[string]interface{}{
		"valueQuantity": map[string]interface{}{"value": float64(10)},
	}))

	wantIDs(t, f.search(t, "Observation", "patient=p1&code=1234-5"), "o1")
	wantIDs(t, f.search(t, "Observation", "value-quantity=10"), "o1")

	if _, err := f.engine.Update(context.Background(), "Observation", "o1", obs("o1", "final", "p1", loinc("1234-5"), map[string]interface{}{
		"valueQuantity": map[string]interface{}{"value": float64(20)},
	}), -1); err != nil {
		t.Fatalf("Update: %v", err)
	}

	wantIDs(t, f.search(t, "Observation", "value-quantity=10"))
	wantIDs(t, f.search(t, "Observation", "value-quantity=20"), "o1")
	hist, err := f.engine.History("Observation", "o1")
	if err != nil || len(hist) != 2 {
		t.Fatalf("history = %v err = %v", hist, err)
	}
}

func TestEverything(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Patient", map[string]interface{}{"id": "p1"})
	f.create(t, "Observation", obs("o1", "final", "p1", nil, nil))
	f.create(t, "Condition", map[string]interface{}{
		"id":      "c1",
		"subject": map[string]interface{}{"reference": "Patient/p1"},
	})
	f.create(t, "Observation", obs("o2", "final", "p2", nil, nil))

	recs, err := f.proc.Everything(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Everything: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("compartment size = %d, want 3", len(recs))
	}
	if recs[0].Type != "Patient" || recs[0].ID != "p1" {
		t.Errorf("patient must lead the result, got %s", recs[0].Key())
	}
}
