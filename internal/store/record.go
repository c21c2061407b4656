package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/medstack/recordstore/internal/platform/fhir"
)

// Record is one stored version of a clinical record. Content is treated as
// immutable once written; callers must not modify the returned map.
type Record struct {
	Type        string                 `json:"resourceType"`
	ID          string                 `json:"id"`
	Version     int                    `json:"version"`
	LastUpdated time.Time              `json:"lastUpdated"`
	Deleted     bool                   `json:"deleted"`
	Content     map[string]interface{} `json:"content"`
}

// Key returns the canonical "Type/id" identity of the record.
func (r *Record) Key() string {
	return r.Type + "/" + r.ID
}

// VersionETag renders the version as a weak ETag for conditional requests.
func (r *Record) VersionETag() string {
	return fmt.Sprintf(`W/"%d"`, r.Version)
}

// Body returns the record content with resourceType, id, and meta stamped in.
// Deleted versions have no body.
func (r *Record) Body() map[string]interface{} {
	if r.Deleted {
		return nil
	}
	body := make(map[string]interface{}, len(r.Content)+3)
	for k, v := range r.Content {
		body[k] = v
	}
	body["resourceType"] = r.Type
	body["id"] = r.ID
	body["meta"] = fhir.Meta{
		VersionID:   strconv.Itoa(r.Version),
		LastUpdated: r.LastUpdated.UTC(),
	}
	return body
}

// Clone deep-copies the record through its JSON form. Used where a caller
// needs a mutable view, never on the hot read path.
func (r *Record) Clone() (*Record, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("clone record %s: %w", r.Key(), err)
	}
	var out Record
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("clone record %s: %w", r.Key(), err)
	}
	return &out, nil
}
