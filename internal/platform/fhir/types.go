// Package fhir holds the wire-level vocabulary shared by every layer: the
// common datatypes, the OperationOutcome error envelope, and the Bundle
// envelope for search results and history.
package fhir

import (
	"fmt"
	"net/url"
	"time"
)

// Meta is the server-maintained metadata block on every returned record.
type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
}

// Coding is one code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// FormatReference renders the canonical "Type/id" reference form.
func FormatReference(recordType, id string) string {
	return recordType + "/" + id
}

// Issue severities and codes used in outcomes.
const (
	SeverityError       = "error"
	SeverityWarning     = "warning"
	SeverityInformation = "information"

	IssueInvalid      = "invalid"
	IssueNotFound     = "not-found"
	IssueConflict     = "conflict"
	IssueProcessing   = "processing"
	IssueTimeout      = "timeout"
	IssueNotSupported = "not-supported"
)

// OperationOutcomeIssue is one diagnostic entry in an outcome.
type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// OperationOutcome is the error and warning envelope for every non-2xx
// response and for warnings attached to partial results.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// NewOperationOutcome builds an outcome with a single issue.
func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// ErrorOutcome builds a processing error outcome.
func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(SeverityError, IssueProcessing, diagnostics)
}

// InvalidOutcome builds a validation error outcome, optionally naming the
// offending parameter in the expression path.
func InvalidOutcome(diagnostics string, expression ...string) *OperationOutcome {
	o := NewOperationOutcome(SeverityError, IssueInvalid, diagnostics)
	o.Issue[0].Expression = expression
	return o
}

// NotFoundOutcome builds a not-found outcome.
func NotFoundOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(SeverityError, IssueNotFound, diagnostics)
}

// ConflictOutcome builds a version-conflict outcome.
func ConflictOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(SeverityError, IssueConflict, diagnostics)
}

// AddWarning appends a warning issue, used for degraded or partial results.
func (o *OperationOutcome) AddWarning(code, diagnostics string) {
	o.Issue = append(o.Issue, OperationOutcomeIssue{
		Severity: SeverityWarning, Code: code, Diagnostics: diagnostics,
	})
}

// Bundle search entry modes.
const (
	SearchModeMatch   = "match"
	SearchModeInclude = "include"
	SearchModeOutcome = "outcome"
)

// BundleLink is one navigation link on a bundle.
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleSearch tags an entry with how it entered the result set.
type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// BundleResponse carries per-entry status in history bundles.
type BundleResponse struct {
	Status string `json:"status,omitempty"`
	Etag   string `json:"etag,omitempty"`
}

// BundleEntry is one record in a bundle.
type BundleEntry struct {
	FullURL  string                 `json:"fullUrl,omitempty"`
	Resource map[string]interface{} `json:"resource,omitempty"`
	Search   *BundleSearch          `json:"search,omitempty"`
	Response *BundleResponse        `json:"response,omitempty"`
}

// Bundle is the container for search results and version histories.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// NewSearchset builds an empty searchset bundle.
func NewSearchset() *Bundle {
	return &Bundle{ResourceType: "Bundle", Type: "searchset"}
}

// NewHistoryBundle builds an empty history bundle.
func NewHistoryBundle() *Bundle {
	return &Bundle{ResourceType: "Bundle", Type: "history"}
}

// SetTotal attaches a total count to the bundle.
func (b *Bundle) SetTotal(n int) {
	b.Total = &n
}

// PageLinks is the pagination navigation set for a searchset.
type PageLinks struct {
	Self     string
	Next     string
	Previous string
}

// BuildPageLinks derives self/next/previous URLs from the canonical query.
// hasMore reports whether results exist past the current page.
func BuildPageLinks(basePath, canonicalQuery string, count, offset int, hasMore bool) PageLinks {
	page := func(off int) string {
		q := url.Values{}
		q.Set("_count", fmt.Sprintf("%d", count))
		q.Set("_offset", fmt.Sprintf("%d", off))
		sep := "?"
		full := basePath
		if canonicalQuery != "" {
			full += "?" + canonicalQuery
			sep = "&"
		}
		return full + sep + q.Encode()
	}
	links := PageLinks{Self: page(offset)}
	if hasMore {
		links.Next = page(offset + count)
	}
	if offset > 0 {
		prev := offset - count
		if prev < 0 {
			prev = 0
		}
		links.Previous = page(prev)
	}
	return links
}

// Apply attaches the navigation links to a bundle.
func (l PageLinks) Apply(b *Bundle) {
	b.Link = append(b.Link, BundleLink{Relation: "self", URL: l.Self})
	if l.Next != "" {
		b.Link = append(b.Link, BundleLink{Relation: "next", URL: l.Next})
	}
	if l.Previous != "" {
		b.Link = append(b.Link, BundleLink{Relation: "previous", URL: l.Previous})
	}
}
