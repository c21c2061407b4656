// Package search defines the per-record-type search parameter configuration
// and turns raw query strings into a validated query model. The registry is an
// explicit object handed to the indexer and query processor by reference;
// nothing in here is process-global.
package search

import (
	"sort"
	"sync"

	"github.com/medstack/recordstore/internal/platform/fhir"
)

// Kind is the value type of a search parameter.
type Kind int

const (
	KindToken Kind = iota
	KindString
	KindDate
	KindReference
	KindQuantity
	KindNumber
	KindURI
	KindComposite
)

func (k Kind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindString:
		return "string"
	case KindDate:
		return "date"
	case KindReference:
		return "reference"
	case KindQuantity:
		return "quantity"
	case KindNumber:
		return "number"
	case KindURI:
		return "uri"
	case KindComposite:
		return "composite"
	default:
		return "unknown"
	}
}

// ComponentDef is one component of a composite parameter. Path is relative to
// the occurrence root so that correlated components always come from the same
// repeating element.
type ComponentDef struct {
	Name string
	Kind Kind
	Path string
}

// ParamDef maps a search parameter to the content paths that feed it.
type ParamDef struct {
	Name    string
	Kind    Kind
	Paths   []string // dotted paths into the record content
	Targets []string // allowed target types for reference params
	// Composite configuration: each root names a repeating element whose
	// occurrences are indexed as correlated component groups. The empty root
	// denotes the record itself.
	Roots      []string
	Components []ComponentDef
}

// TypeDef is the full search configuration for one record type.
type TypeDef struct {
	Type string
	// CompartmentParam names the reference parameter that links a record into
	// the Patient compartment. Empty means the type is not compartment-owned.
	CompartmentParam string
	Params           map[string]ParamDef
}

// Registry holds the supported-parameter tables for every record type.
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*TypeDef
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*TypeDef)}
}

// Register adds or replaces the definition for a record type.
func (r *Registry) Register(def *TypeDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if def.Params == nil {
		def.Params = make(map[string]ParamDef)
	}
	r.types[def.Type] = def
}

// Type returns the definition for a record type.
func (r *Registry) Type(recordType string) (*TypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[recordType]
	return def, ok
}

// Param looks up a single parameter definition.
func (r *Registry) Param(recordType, name string) (ParamDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[recordType]
	if !ok {
		return ParamDef{}, false
	}
	p, ok := def.Params[name]
	return p, ok
}

// Types returns all registered record type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// kindModifiers is the allow-list of modifiers per parameter kind.
var kindModifiers = map[Kind]map[fhir.SearchModifier]bool{
	KindToken: {
		fhir.ModifierText: true, fhir.ModifierNot: true, fhir.ModifierAbove: true,
		fhir.ModifierBelow: true, fhir.ModifierIn: true, fhir.ModifierNotIn: true,
		fhir.ModifierMissing: true,
	},
	KindString: {
		fhir.ModifierExact: true, fhir.ModifierContains: true, fhir.ModifierMissing: true,
	},
	KindReference: {
		fhir.ModifierMissing: true, fhir.ModifierType: true, fhir.ModifierIdentifier: true,
	},
	KindDate:     {fhir.ModifierMissing: true},
	KindNumber:   {fhir.ModifierMissing: true},
	KindQuantity: {fhir.ModifierMissing: true},
	KindURI: {
		fhir.ModifierAbove: true, fhir.ModifierBelow: true, fhir.ModifierMissing: true,
	},
	KindComposite: {fhir.ModifierMissing: true},
}

// ModifierAllowed reports whether a modifier is valid for a parameter kind.
func ModifierAllowed(k Kind, m fhir.SearchModifier) bool {
	if m == "" {
		return true
	}
	return kindModifiers[k][m]
}

// DefaultRegistry returns the built-in configuration for the core clinical
// record types.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(&TypeDef{
		Type: "Patient",
		Params: map[string]ParamDef{
			"identifier": {Name: "identifier", Kind: KindToken, Paths: []string{"identifier"}},
			"name":       {Name: "name", Kind: KindString, Paths: []string{"name.family", "name.given", "name.text"}},
			"family":     {Name: "family", Kind: KindString, Paths: []string{"name.family"}},
			"given":      {Name: "given", Kind: KindString, Paths: []string{"name.given"}},
			"gender":     {Name: "gender", Kind: KindToken, Paths: []string{"gender"}},
			"birthdate":  {Name: "birthdate", Kind: KindDate, Paths: []string{"birthDate"}},
			"active":     {Name: "active", Kind: KindToken, Paths: []string{"active"}},
			"address-city": {Name: "address-city", Kind: KindString, Paths: []string{"address.city"}},
			"general-practitioner": {
				Name: "general-practitioner", Kind: KindReference,
				Paths: []string{"generalPractitioner"}, Targets: []string{"Practitioner"},
			},
		},
	})

	r.Register(&TypeDef{
		Type: "Practitioner",
		Params: map[string]ParamDef{
			"identifier": {Name: "identifier", Kind: KindToken, Paths: []string{"identifier"}},
			"name":       {Name: "name", Kind: KindString, Paths: []string{"name.family", "name.given", "name.text"}},
			"family":     {Name: "family", Kind: KindString, Paths: []string{"name.family"}},
			"active":     {Name: "active", Kind: KindToken, Paths: []string{"active"}},
		},
	})

	r.Register(&TypeDef{
		Type:             "Observation",
		CompartmentParam: "patient",
		Params: map[string]ParamDef{
			"identifier": {Name: "identifier", Kind: KindToken, Paths: []string{"identifier"}},
			"status":     {Name: "status", Kind: KindToken, Paths: []string{"status"}},
			"category":   {Name: "category", Kind: KindToken, Paths: []string{"category"}},
			"code":       {Name: "code", Kind: KindToken, Paths: []string{"code"}},
			"patient": {
				Name: "patient", Kind: KindReference,
				Paths: []string{"subject"}, Targets: []string{"Patient"},
			},
			"subject": {
				Name: "subject", Kind: KindReference,
				Paths: []string{"subject"}, Targets: []string{"Patient", "Device"},
			},
			"encounter": {
				Name: "encounter", Kind: KindReference,
				Paths: []string{"encounter"}, Targets: []string{"Encounter"},
			},
			"performer": {
				Name: "performer", Kind: KindReference,
				Paths: []string{"performer"}, Targets: []string{"Practitioner"},
			},
			"date":           {Name: "date", Kind: KindDate, Paths: []string{"effectiveDateTime", "effectivePeriod"}},
			"value-quantity": {Name: "value-quantity", Kind: KindQuantity, Paths: []string{"valueQuantity"}},
			"value-string":   {Name: "value-string", Kind: KindString, Paths: []string{"valueString"}},
			"code-value-quantity": {
				Name: "code-value-quantity", Kind: KindComposite,
				Roots: []string{"", "component"},
				Components: []ComponentDef{
					{Name: "code", Kind: KindToken, Path: "code"},
					{Name: "value", Kind: KindQuantity, Path: "valueQuantity"},
				},
			},
			"code-value-concept": {
				Name: "code-value-concept", Kind: KindComposite,
				Roots: []string{"", "component"},
				Components: []ComponentDef{
					{Name: "code", Kind: KindToken, Path: "code"},
					{Name: "value", Kind: KindToken, Path: "valueCodeableConcept"},
				},
			},
		},
	})

	r.Register(&TypeDef{
		Type:             "Condition",
		CompartmentParam: "patient",
		Params: map[string]ParamDef{
			"identifier":      {Name: "identifier", Kind: KindToken, Paths: []string{"identifier"}},
			"code":            {Name: "code", Kind: KindToken, Paths: []string{"code"}},
			"clinical-status": {Name: "clinical-status", Kind: KindToken, Paths: []string{"clinicalStatus"}},
			"patient": {
				Name: "patient", Kind: KindReference,
				Paths: []string{"subject"}, Targets: []string{"Patient"},
			},
			"subject": {
				Name: "subject", Kind: KindReference,
				Paths: []string{"subject"}, Targets: []string{"Patient"},
			},
			"encounter": {
				Name: "encounter", Kind: KindReference,
				Paths: []string{"encounter"}, Targets: []string{"Encounter"},
			},
			"onset-date":    {Name: "onset-date", Kind: KindDate, Paths: []string{"onsetDateTime", "onsetPeriod"}},
			"recorded-date": {Name: "recorded-date", Kind: KindDate, Paths: []string{"recordedDate"}},
		},
	})

	r.Register(&TypeDef{
		Type:             "Encounter",
		CompartmentParam: "patient",
		Params: map[string]ParamDef{
			"identifier": {Name: "identifier", Kind: KindToken, Paths: []string{"identifier"}},
			"status":     {Name: "status", Kind: KindToken, Paths: []string{"status"}},
			"class":      {Name: "class", Kind: KindToken, Paths: []string{"class"}},
			"patient": {
				Name: "patient", Kind: KindReference,
				Paths: []string{"subject"}, Targets: []string{"Patient"},
			},
			"subject": {
				Name: "subject", Kind: KindReference,
				Paths: []string{"subject"}, Targets: []string{"Patient"},
			},
			"practitioner": {
				Name: "practitioner", Kind: KindReference,
				Paths: []string{"participant.individual"}, Targets: []string{"Practitioner"},
			},
			"date":   {Name: "date", Kind: KindDate, Paths: []string{"period"}},
			"length": {Name: "length", Kind: KindNumber, Paths: []string{"length.value"}},
		},
	})

	r.Register(&TypeDef{
		Type:             "MedicationRequest",
		CompartmentParam: "patient",
		Params: map[string]ParamDef{
			"identifier": {Name: "identifier", Kind: KindToken, Paths: []string{"identifier"}},
			"status":     {Name: "status", Kind: KindToken, Paths: []string{"status"}},
			"intent":     {Name: "intent", Kind: KindToken, Paths: []string{"intent"}},
			"code":       {Name: "code", Kind: KindToken, Paths: []string{"medicationCodeableConcept"}},
			"patient": {
				Name: "patient", Kind: KindReference,
				Paths: []string{"subject"}, Targets: []string{"Patient"},
			},
			"subject": {
				Name: "subject", Kind: KindReference,
				Paths: []string{"subject"}, Targets: []string{"Patient"},
			},
			"encounter": {
				Name: "encounter", Kind: KindReference,
				Paths: []string{"encounter"}, Targets: []string{"Encounter"},
			},
			"requester": {
				Name: "requester", Kind: KindReference,
				Paths: []string{"requester"}, Targets: []string{"Practitioner"},
			},
			"authoredon": {Name: "authoredon", Kind: KindDate, Paths: []string{"authoredOn"}},
		},
	})

	r.Register(&TypeDef{
		Type:             "Procedure",
		CompartmentParam: "patient",
		Params: map[string]ParamDef{
			"identifier": {Name: "identifier", Kind: KindToken, Paths: []string{"identifier"}},
			"status":     {Name: "status", Kind: KindToken, Paths: []string{"status"}},
			"code":       {Name: "code", Kind: KindToken, Paths: []string{"code"}},
			"patient": {
				Name: "patient", Kind: KindReference,
				Paths: []string{"subject"}, Targets: []string{"Patient"},
			},
			"subject": {
				Name: "subject", Kind: KindReference,
				Paths: []string{"subject"}, Targets: []string{"Patient"},
			},
			"encounter": {
				Name: "encounter", Kind: KindReference,
				Paths: []string{"encounter"}, Targets: []string{"Encounter"},
			},
			"date": {Name: "date", Kind: KindDate, Paths: []string{"performedDateTime", "performedPeriod"}},
		},
	})

	r.Register(&TypeDef{
		Type:             "DiagnosticReport",
		CompartmentParam: "patient",
		Params: map[string]ParamDef{
			"identifier": {Name: "identifier", Kind: KindToken, Paths: []string{"identifier"}},
			"status":     {Name: "status", Kind: KindToken, Paths: []string{"status"}},
			"code":       {Name: "code", Kind: KindToken, Paths: []string{"code"}},
			"patient": {
				Name: "patient", Kind: KindReference,
				Paths: []string{"subject"}, Targets: []string{"Patient"},
			},
			"subject": {
				Name: "subject", Kind: KindReference,
				Paths: []string{"subject"}, Targets: []string{"Patient"},
			},
			"encounter": {
				Name: "encounter", Kind: KindReference,
				Paths: []string{"encounter"}, Targets: []string{"Encounter"},
			},
			"result": {
				Name: "result", Kind: KindReference,
				Paths: []string{"result"}, Targets: []string{"Observation"},
			},
			"date": {Name: "date", Kind: KindDate, Paths: []string{"effectiveDateTime", "effectivePeriod"}},
		},
	})

	r.Register(&TypeDef{
		Type: "Questionnaire",
		Params: map[string]ParamDef{
			"url":    {Name: "url", Kind: KindURI, Paths: []string{"url"}},
			"title":  {Name: "title", Kind: KindString, Paths: []string{"title"}},
			"status": {Name: "status", Kind: KindToken, Paths: []string{"status"}},
			"date":   {Name: "date", Kind: KindDate, Paths: []string{"date"}},
		},
	})

	r.Register(&TypeDef{
		Type:             "QuestionnaireResponse",
		CompartmentParam: "patient",
		Params: map[string]ParamDef{
			"identifier":    {Name: "identifier", Kind: KindToken, Paths: []string{"identifier"}},
			"status":        {Name: "status", Kind: KindToken, Paths: []string{"status"}},
			"questionnaire": {Name: "questionnaire", Kind: KindURI, Paths: []string{"questionnaire"}},
			"patient": {
				Name: "patient", Kind: KindReference,
				Paths: []string{"subject"}, Targets: []string{"Patient"},
			},
			"subject": {
				Name: "subject", Kind: KindReference,
				Paths: []string{"subject"}, Targets: []string{"Patient"},
			},
			"authored": {Name: "authored", Kind: KindDate, Paths: []string{"authored"}},
		},
	})

	return r
}

// ValueSetRegistry resolves ValueSet URLs for the :in and :not-in token
// modifiers. Membership is keyed by "system|code" with a bare-code fallback.
type ValueSetRegistry struct {
	mu   sync.RWMutex
	sets map[string]map[string]bool
}

// NewValueSetRegistry creates an empty ValueSet registry.
func NewValueSetRegistry() *ValueSetRegistry {
	return &ValueSetRegistry{sets: make(map[string]map[string]bool)}
}

// Register records the expansion of a ValueSet URL.
func (v *ValueSetRegistry) Register(url string, codings []fhir.Coding) {
	v.mu.Lock()
	defer v.mu.Unlock()
	set := make(map[string]bool, len(codings)*2)
	for _, c := range codings {
		set[c.System+"|"+c.Code] = true
		set[c.Code] = true
	}
	v.sets[url] = set
}

// Contains reports whether (system, code) is in the named ValueSet. The second
// return value reports whether the ValueSet URL is known at all.
func (v *ValueSetRegistry) Contains(url, system, code string) (member, known bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	set, ok := v.sets[url]
	if !ok {
		return false, false
	}
	if set[system+"|"+code] {
		return true, true
	}
	return set[code], true
}
