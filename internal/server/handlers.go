package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medstack/recordstore/internal/platform/fhir"
	"github.com/medstack/recordstore/internal/search"
	"github.com/medstack/recordstore/internal/store"
)

// Health reports liveness.
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Create handles POST /fhir/:type.
func (s *Server) Create(c echo.Context) error {
	recordType := c.Param("type")
	content, err := decodeBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	if rt, ok := content["resourceType"].(string); ok && rt != recordType {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(
			fmt.Sprintf("body resourceType %q does not match URL type %q", rt, recordType)))
	}
	rec, err := s.engine.Create(c.Request().Context(), recordType, content)
	if err != nil {
		return s.storeError(c, err, false)
	}
	s.met.ObserveWrite(recordType, "create")
	c.Response().Header().Set("Location", "/fhir/"+rec.Key())
	c.Response().Header().Set("ETag", rec.VersionETag())
	return c.JSON(http.StatusCreated, rec.Body())
}

// Read handles GET /fhir/:type/:id.
func (s *Server) Read(c echo.Context) error {
	rec, err := s.engine.Get(c.Param("type"), c.Param("id"))
	if err != nil {
		return s.storeError(c, err, false)
	}
	c.Response().Header().Set("ETag", rec.VersionETag())
	c.Response().Header().Set("Last-Modified", rec.LastUpdated.UTC().Format(http.TimeFormat))
	return c.JSON(http.StatusOK, rec.Body())
}

// VRead handles GET /fhir/:type/:id/_history/:vid.
func (s *Server) VRead(c echo.Context) error {
	version, err := strconv.Atoi(c.Param("vid"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("version must be an integer"))
	}
	rec, err := s.engine.GetVersion(c.Param("type"), c.Param("id"), version)
	if err != nil {
		return s.storeError(c, err, false)
	}
	if rec.Deleted {
		return c.JSON(http.StatusGone, fhir.NewOperationOutcome(
			fhir.SeverityInformation, fhir.IssueNotFound,
			fmt.Sprintf("version %d of %s is a deletion", version, rec.Key())))
	}
	c.Response().Header().Set("ETag", rec.VersionETag())
	return c.JSON(http.StatusOK, rec.Body())
}

// Update handles PUT /fhir/:type/:id with optional If-Match concurrency.
func (s *Server) Update(c echo.Context) error {
	recordType, id := c.Param("type"), c.Param("id")
	content, err := decodeBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	if bodyID, ok := content["id"].(string); ok && bodyID != id {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(
			fmt.Sprintf("body id %q does not match URL id %q", bodyID, id)))
	}
	expected, conditional, err := parseIfMatch(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	rec, err := s.engine.Update(c.Request().Context(), recordType, id, content, expected)
	if err != nil {
		return s.storeError(c, err, conditional)
	}
	s.met.ObserveWrite(recordType, "update")
	c.Response().Header().Set("ETag", rec.VersionETag())
	return c.JSON(http.StatusOK, rec.Body())
}

// Delete handles DELETE /fhir/:type/:id.
func (s *Server) Delete(c echo.Context) error {
	expected, conditional, err := parseIfMatch(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	rec, err := s.engine.Delete(c.Request().Context(), c.Param("type"), c.Param("id"), expected)
	if err != nil {
		return s.storeError(c, err, conditional)
	}
	s.met.ObserveWrite(rec.Type, "delete")
	c.Response().Header().Set("ETag", rec.VersionETag())
	return c.NoContent(http.StatusNoContent)
}

// History handles GET /fhir/:type/:id/_history.
func (s *Server) History(c echo.Context) error {
	recs, err := s.engine.History(c.Param("type"), c.Param("id"))
	if err != nil {
		return s.storeError(c, err, false)
	}
	bundle := fhir.NewHistoryBundle()
	bundle.SetTotal(len(recs))
	for _, rec := range recs {
		entry := fhir.BundleEntry{
			FullURL: "/fhir/" + rec.Key(),
			Response: &fhir.BundleResponse{
				Status: historyStatus(rec),
				Etag:   rec.VersionETag(),
			},
		}
		if !rec.Deleted {
			entry.Resource = rec.Body()
		}
		bundle.Entry = append(bundle.Entry, entry)
	}
	return c.JSON(http.StatusOK, bundle)
}

func historyStatus(rec *store.Record) string {
	switch {
	case rec.Deleted:
		return "204 No Content"
	case rec.Version == 1:
		return "201 Created"
	default:
		return "200 OK"
	}
}

// Search handles GET /fhir/:type.
func (s *Server) Search(c echo.Context) error {
	return s.runSearch(c, c.Param("type"), c.QueryParams())
}

// SearchPost handles POST /fhir/:type/_search with form-encoded parameters.
func (s *Server) SearchPost(c echo.Context) error {
	// FormParams already folds the URL query into the form body.
	params, err := c.FormParams()
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("malformed form body"))
	}
	return s.runSearch(c, c.Param("type"), params)
}

func (s *Server) runSearch(c echo.Context, recordType string, values url.Values) error {
	q, err := search.Parse(recordType, values, s.engine.Registry())
	if err != nil {
		s.met.ObserveSearch(recordType, "invalid", 0)
		var verr *search.ValidationError
		if errors.As(err, &verr) {
			return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(verr.Detail, verr.Param))
		}
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}

	res, err := s.proc.Search(c.Request().Context(), q)
	if err != nil {
		s.met.ObserveSearch(recordType, "error", 0)
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	outcome := "ok"
	if res.Partial {
		outcome = "partial"
	}
	s.met.ObserveSearch(recordType, outcome, res.Total)

	bundle := fhir.NewSearchset()
	if q.Total != fhir.TotalNone && !res.Partial {
		bundle.SetTotal(res.Total)
	}
	links := fhir.BuildPageLinks("/fhir/"+recordType, q.RawQuery, q.Count, q.Offset, res.HasMore && q.Count > 0)
	links.Apply(bundle)

	for _, rec := range res.Matches {
		bundle.Entry = append(bundle.Entry, fhir.BundleEntry{
			FullURL:  "/fhir/" + rec.Key(),
			Resource: rec.Body(),
			Search:   &fhir.BundleSearch{Mode: fhir.SearchModeMatch},
		})
	}
	for _, rec := range res.Includes {
		bundle.Entry = append(bundle.Entry, fhir.BundleEntry{
			FullURL:  "/fhir/" + rec.Key(),
			Resource: rec.Body(),
			Search:   &fhir.BundleSearch{Mode: fhir.SearchModeInclude},
		})
	}
	if len(res.Warnings) > 0 {
		warn := &fhir.OperationOutcome{ResourceType: "OperationOutcome"}
		for _, w := range res.Warnings {
			warn.AddWarning(fhir.IssueProcessing, w)
		}
		raw, err := json.Marshal(warn)
		if err == nil {
			var resource map[string]interface{}
			if json.Unmarshal(raw, &resource) == nil {
				bundle.Entry = append(bundle.Entry, fhir.BundleEntry{
					Resource: resource,
					Search:   &fhir.BundleSearch{Mode: fhir.SearchModeOutcome},
				})
			}
		}
	}
	return c.JSON(http.StatusOK, bundle)
}

// Everything handles GET /fhir/Patient/:id/$everything.
func (s *Server) Everything(c echo.Context) error {
	recs, err := s.proc.Everything(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.storeError(c, err, false)
	}
	bundle := fhir.NewSearchset()
	bundle.SetTotal(len(recs))
	for i, rec := range recs {
		mode := fhir.SearchModeInclude
		if i == 0 {
			mode = fhir.SearchModeMatch
		}
		bundle.Entry = append(bundle.Entry, fhir.BundleEntry{
			FullURL:  "/fhir/" + rec.Key(),
			Resource: rec.Body(),
			Search:   &fhir.BundleSearch{Mode: mode},
		})
	}
	return c.JSON(http.StatusOK, bundle)
}

// Reindex handles POST /fhir/$reindex.
func (s *Server) Reindex(c echo.Context) error {
	var req struct {
		Types []string `json:"types"`
	}
	if c.Request().ContentLength > 0 {
		if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
			return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("malformed reindex request"))
		}
	}
	req.Types = append(req.Types, c.QueryParams()["type"]...)
	started := time.Now()
	stats, err := s.engine.Reindex(c.Request().Context(), store.ReindexOptions{
		Types:    req.Types,
		PageSize: s.reindexPage,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"scanned": stats.Scanned,
		"updated": stats.Updated,
		"took":    time.Since(started).String(),
	})
}

// storeError maps engine errors onto HTTP outcomes. conditional selects 412
// over 409 when an If-Match precondition failed.
func (s *Server) storeError(c echo.Context, err error, conditional bool) error {
	switch {
	case errors.Is(err, store.ErrDeleted):
		return c.JSON(http.StatusGone, fhir.NotFoundOutcome(err.Error()))
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrUnknownType):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(err.Error()))
	case errors.Is(err, store.ErrConflict):
		status := http.StatusConflict
		if conditional {
			status = http.StatusPreconditionFailed
		}
		return c.JSON(status, fhir.ConflictOutcome(err.Error()))
	default:
		s.log.Error().Err(err).Msg("request failed")
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
}

func decodeBody(c echo.Context) (map[string]interface{}, error) {
	var content map[string]interface{}
	if err := json.NewDecoder(c.Request().Body).Decode(&content); err != nil {
		return nil, fmt.Errorf("malformed JSON body: %v", err)
	}
	return content, nil
}

// parseIfMatch reads the If-Match header as a version precondition.
// Returns -1 when the header is absent.
func parseIfMatch(c echo.Context) (version int, present bool, err error) {
	raw := c.Request().Header.Get("If-Match")
	if raw == "" {
		return -1, false, nil
	}
	v := strings.TrimPrefix(strings.TrimSpace(raw), "W/")
	v = strings.Trim(v, `"`)
	n, convErr := strconv.Atoi(v)
	if convErr != nil || n < 1 {
		return -1, true, fmt.Errorf("If-Match must be a version ETag like W/\"3\", got %q", raw)
	}
	return n, true, nil
}
