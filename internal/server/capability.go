package server

import (
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"
)

// Capability handles GET /fhir/metadata: the machine-readable description of
// the record types and search parameters this server supports.
func (s *Server) Capability(c echo.Context) error {
	reg := s.engine.Registry()
	var resources []map[string]interface{}
	for _, recordType := range reg.Types() {
		def, ok := reg.Type(recordType)
		if !ok {
			continue
		}
		names := make([]string, 0, len(def.Params))
		for name := range def.Params {
			names = append(names, name)
		}
		sort.Strings(names)

		params := make([]map[string]interface{}, 0, len(names))
		for _, name := range names {
			params = append(params, map[string]interface{}{
				"name": name,
				"type": def.Params[name].Kind.String(),
			})
		}
		resources = append(resources, map[string]interface{}{
			"type": recordType,
			"interaction": []map[string]string{
				{"code": "read"}, {"code": "vread"}, {"code": "update"},
				{"code": "delete"}, {"code": "history-instance"},
				{"code": "create"}, {"code": "search-type"},
			},
			"searchParam":      params,
			"searchInclude":    []string{"*"},
			"searchRevInclude": []string{"*"},
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"json"},
		"rest": []map[string]interface{}{
			{"mode": "server", "resource": resources},
		},
	})
}
