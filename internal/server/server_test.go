package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medstack/recordstore/internal/query"
	"github.com/medstack/recordstore/internal/store"
)

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()
	engine, err := store.NewEngine(context.Background(), store.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	proc := query.NewProcessor(query.Options{Engine: engine, Logger: zerolog.Nop()})
	srv := New(Options{Engine: engine, Processor: proc, Logger: zerolog.Nop()})
	return srv.Echo()
}

func do(t *testing.T, e *echo.Echo, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCreateReadLifecycle(t *testing.T) {
	e := newTestServer(t)

	rec := do(t, e, http.MethodPost, "/fhir/Patient",
		`{"resourceType":"Patient","id":"p1","gender":"female"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/fhir/Patient/p1" {
		t.Errorf("Location = %q", loc)
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"1"` {
		t.Errorf("ETag = %q", etag)
	}

	rec = do(t, e, http.MethodGet, "/fhir/Patient/p1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["gender"] != "female" || body["resourceType"] != "Patient" {
		t.Errorf("body = %v", body)
	}
	meta := body["meta"].(map[string]interface{})
	if meta["versionId"] != "1" {
		t.Errorf("meta = %v", meta)
	}
}

func TestCreateRejectsMismatchedType(t *testing.T) {
	e := newTestServer(t)
	rec := do(t, e, http.MethodPost, "/fhir/Patient", `{"resourceType":"Observation"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if decode(t, rec)["resourceType"] != "OperationOutcome" {
		t.Error("error body must be an OperationOutcome")
	}
}

func TestUnknownTypeIs404(t *testing.T) {
	e := newTestServer(t)
	rec := do(t, e, http.MethodPost, "/fhir/Widget", `{"a":1}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUpdateWithIfMatch(t *testing.T) {
	e := newTestServer(t)
	do(t, e, http.MethodPost, "/fhir/Patient", `{"id":"p1","gender":"female"}`, nil)

	rec := do(t, e, http.MethodPut, "/fhir/Patient/p1", `{"gender":"other"}`,
		map[string]string{"If-Match": `W/"1"`})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d body = %s", rec.Code, rec.Body.String())
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"2"` {
		t.Errorf("ETag = %q", etag)
	}

	rec = do(t, e, http.MethodPut, "/fhir/Patient/p1", `{"gender":"male"}`,
		map[string]string{"If-Match": `W/"1"`})
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("stale If-Match status = %d", rec.Code)
	}

	rec = do(t, e, http.MethodPut, "/fhir/Patient/p1", `{"gender":"male"}`,
		map[string]string{"If-Match": "bogus"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad If-Match status = %d", rec.Code)
	}
}

func TestDeleteThenGone(t *testing.T) {
	e := newTestServer(t)
	do(t, e, http.MethodPost, "/fhir/Patient", `{"id":"p1"}`, nil)

	rec := do(t, e, http.MethodDelete, "/fhir/Patient/p1", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = do(t, e, http.MethodGet, "/fhir/Patient/p1", "", nil)
	if rec.Code != http.StatusGone {
		t.Fatalf("read after delete status = %d", rec.Code)
	}
	rec = do(t, e, http.MethodDelete, "/fhir/Patient/p1", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("double delete status = %d", rec.Code)
	}
}

func TestHistoryAndVRead(t *testing.T) {
	e := newTestServer(t)
	do(t, e, http.MethodPost, "/fhir/Patient", `{"id":"p1","gender":"female"}`, nil)
	do(t, e, http.MethodPut, "/fhir/Patient/p1", `{"gender":"other"}`, nil)
	do(t, e, http.MethodDelete, "/fhir/Patient/p1", "", nil)

	rec := do(t, e, http.MethodGet, "/fhir/Patient/p1/_history", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	bundle := decode(t, rec)
	entries := bundle["entry"].([]interface{})
	if len(entries) != 3 {
		t.Fatalf("history entries = %d", len(entries))
	}
	first := entries[0].(map[string]interface{})
	if first["resource"] != nil {
		t.Error("tombstone entry must carry no resource")
	}

	rec = do(t, e, http.MethodGet, "/fhir/Patient/p1/_history/1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("vread status = %d", rec.Code)
	}
	if decode(t, rec)["gender"] != "female" {
		t.Error("vread returned wrong version")
	}

	rec = do(t, e, http.MethodGet, "/fhir/Patient/p1/_history/9", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing version status = %d", rec.Code)
	}
}

func TestSearchBundle(t *testing.T) {
	e := newTestServer(t)
	do(t, e, http.MethodPost, "/fhir/Patient", `{"id":"p1","gender":"female"}`, nil)
	do(t, e, http.MethodPost, "/fhir/Patient", `{"id":"p2","gender":"male"}`, nil)

	rec := do(t, e, http.MethodGet, "/fhir/Patient?gender=female", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d body = %s", rec.Code, rec.Body.String())
	}
	bundle := decode(t, rec)
	if bundle["type"] != "searchset" {
		t.Errorf("bundle type = %v", bundle["type"])
	}
	if bundle["total"].(float64) != 1 {
		t.Errorf("total = %v", bundle["total"])
	}
	entries := bundle["entry"].([]interface{})
	entry := entries[0].(map[string]interface{})
	if entry["search"].(map[string]interface{})["mode"] != "match" {
		t.Error("entry not tagged as match")
	}

	// Unknown parameter is a structured 400 naming the parameter.
	rec = do(t, e, http.MethodGet, "/fhir/Patient?favourite-colour=blue", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown param status = %d", rec.Code)
	}
	outcome := decode(t, rec)
	issue := outcome["issue"].([]interface{})[0].(map[string]interface{})
	expr := issue["expression"].([]interface{})
	if expr[0] != "favourite-colour" {
		t.Errorf("issue expression = %v", expr)
	}
}

func TestSearchPost(t *testing.T) {
	e := newTestServer(t)
	do(t, e, http.MethodPost, "/fhir/Patient", `{"id":"p1","gender":"female"}`, nil)

	req := httptest.NewRequest(http.MethodPost, "/fhir/Patient/_search",
		strings.NewReader("gender=female"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if decode(t, rec)["total"].(float64) != 1 {
		t.Error("form search found nothing")
	}
}

func TestSearchPagingLinks(t *testing.T) {
	e := newTestServer(t)
	for _, id := range []string{"p1", "p2", "p3"} {
		do(t, e, http.MethodPost, "/fhir/Patient", `{"id":"`+id+`"}`, nil)
	}
	rec := do(t, e, http.MethodGet, "/fhir/Patient?_count=2", "", nil)
	bundle := decode(t, rec)
	links := bundle["link"].([]interface{})
	rels := map[string]string{}
	for _, l := range links {
		m := l.(map[string]interface{})
		rels[m["relation"].(string)] = m["url"].(string)
	}
	if rels["self"] == "" || rels["next"] == "" {
		t.Fatalf("links = %v", rels)
	}
	if !strings.Contains(rels["next"], "_offset=2") {
		t.Errorf("next link = %q", rels["next"])
	}
}

func TestEverythingEndpoint(t *testing.T) {
	e := newTestServer(t)
	do(t, e, http.MethodPost, "/fhir/Patient", `{"id":"p1"}`, nil)
	do(t, e, http.MethodPost, "/fhir/Observation",
		`{"id":"o1","status":"final","subject":{"reference":"Patient/p1"}}`, nil)

	rec := do(t, e, http.MethodGet, "/fhir/Patient/p1/$everything", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	bundle := decode(t, rec)
	if bundle["total"].(float64) != 2 {
		t.Errorf("total = %v", bundle["total"])
	}

	rec = do(t, e, http.MethodGet, "/fhir/Patient/ghost/$everything", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing patient status = %d", rec.Code)
	}
}

func TestReindexEndpoint(t *testing.T) {
	e := newTestServer(t)
	do(t, e, http.MethodPost, "/fhir/Patient", `{"id":"p1"}`, nil)

	rec := do(t, e, http.MethodPost, "/fhir/$reindex", `{"types":["Patient"]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["scanned"].(float64) != 1 {
		t.Errorf("scanned = %v", body["scanned"])
	}
}

func TestCapabilityStatement(t *testing.T) {
	e := newTestServer(t)
	rec := do(t, e, http.MethodGet, "/fhir/metadata", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["resourceType"] != "CapabilityStatement" {
		t.Errorf("resourceType = %v", body["resourceType"])
	}
	rest := body["rest"].([]interface{})[0].(map[string]interface{})
	if len(rest["resource"].([]interface{})) == 0 {
		t.Error("capability lists no resources")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestServer(t)
	if rec := do(t, e, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	do(t, e, http.MethodGet, "/fhir/Patient", "", nil)
	rec := do(t, e, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "recordstore_http_requests_total") {
		t.Error("request counter missing from scrape")
	}
}
