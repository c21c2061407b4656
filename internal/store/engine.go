// Package store holds the versioned record engine. All reads and searches are
// served from authoritative in-memory state guarded by a single RWMutex;
// writes extract index rows outside the critical section, persist through the
// backend, and only then mutate the in-memory tables. A record version and its
// index rows therefore change together or not at all.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/medstack/recordstore/internal/index"
	"github.com/medstack/recordstore/internal/search"
)

const defaultCacheSize = 1024

// Engine is the versioned record store and its search index.
type Engine struct {
	reg     *search.Registry
	backend Backend
	log     zerolog.Logger
	clock   func() time.Time

	mu           sync.RWMutex
	cur          map[string]map[string]*Record   // type -> id -> current version
	hist         map[string]map[string][]*Record // type -> id -> versions, newest first
	entries      map[string]map[string][]index.Entry
	edgesFrom    map[string][]index.ReferenceEdge // "Type/id" -> outgoing
	edgesInto    map[string][]index.ReferenceEdge // "Type/id" -> incoming
	compartments map[string][]index.Membership    // patient id -> members
	indexVersion map[string]int                   // "Type/id" -> version the rows describe

	cache *lru.Cache[string, *Record]
}

// Options configures a new engine.
type Options struct {
	Registry  *search.Registry
	Backend   Backend
	Logger    zerolog.Logger
	CacheSize int
	Clock     func() time.Time
}

// NewEngine creates an engine and hydrates it from the backend.
func NewEngine(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Registry == nil {
		opts.Registry = search.DefaultRegistry()
	}
	if opts.Backend == nil {
		opts.Backend = NewMemoryBackend()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	cache, err := lru.New[string, *Record](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("init record cache: %w", err)
	}
	e := &Engine{
		reg:          opts.Registry,
		backend:      opts.Backend,
		log:          opts.Logger,
		clock:        opts.Clock,
		cur:          make(map[string]map[string]*Record),
		hist:         make(map[string]map[string][]*Record),
		entries:      make(map[string]map[string][]index.Entry),
		edgesFrom:    make(map[string][]index.ReferenceEdge),
		edgesInto:    make(map[string][]index.ReferenceEdge),
		compartments: make(map[string][]index.Membership),
		indexVersion: make(map[string]int),
		cache:        cache,
	}
	if err := e.load(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Registry exposes the parameter registry the engine indexes with.
func (e *Engine) Registry() *search.Registry { return e.reg }

// load replays the backend's record versions and rebuilds the index from the
// current content, so stale persisted rows can never survive a restart.
func (e *Engine) load(ctx context.Context) error {
	records, err := e.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load backend: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range records {
		e.appendHistoryLocked(rec)
	}
	count := 0
	for typ, ids := range e.cur {
		def, ok := e.reg.Type(typ)
		if !ok {
			continue
		}
		for id, rec := range ids {
			if rec.Deleted {
				continue
			}
			e.applyIndexLocked(def, id, rec.Version, index.Extract(def, id, rec.Content))
			count++
		}
	}
	if count > 0 {
		e.log.Info().Int("records", count).Msg("store hydrated and reindexed")
	}
	return nil
}

func (e *Engine) appendHistoryLocked(rec *Record) {
	if e.hist[rec.Type] == nil {
		e.hist[rec.Type] = make(map[string][]*Record)
		e.cur[rec.Type] = make(map[string]*Record)
	}
	e.hist[rec.Type][rec.ID] = append([]*Record{rec}, e.hist[rec.Type][rec.ID]...)
	if cur, ok := e.cur[rec.Type][rec.ID]; !ok || rec.Version > cur.Version {
		e.cur[rec.Type][rec.ID] = rec
	}
}

// applyIndexLocked replaces all derived state for one record.
func (e *Engine) applyIndexLocked(def *search.TypeDef, id string, version int, ex index.Extraction) {
	key := def.Type + "/" + id
	e.dropIndexLocked(def.Type, id)
	if e.entries[def.Type] == nil {
		e.entries[def.Type] = make(map[string][]index.Entry)
	}
	if len(ex.Entries) > 0 {
		e.entries[def.Type][id] = ex.Entries
	}
	if len(ex.Edges) > 0 {
		e.edgesFrom[key] = ex.Edges
		for _, edge := range ex.Edges {
			tkey := edge.TargetType + "/" + edge.TargetID
			e.edgesInto[tkey] = append(e.edgesInto[tkey], edge)
		}
	}
	for _, m := range ex.Memberships {
		e.compartments[m.CompartmentID] = append(e.compartments[m.CompartmentID], m)
	}
	e.indexVersion[key] = version
}

func (e *Engine) dropIndexLocked(typ, id string) {
	key := typ + "/" + id
	if byID := e.entries[typ]; byID != nil {
		delete(byID, id)
	}
	for _, edge := range e.edgesFrom[key] {
		tkey := edge.TargetType + "/" + edge.TargetID
		in := e.edgesInto[tkey]
		kept := in[:0]
		for _, cand := range in {
			if cand.SourceType != typ || cand.SourceID != id {
				kept = append(kept, cand)
			}
		}
		if len(kept) == 0 {
			delete(e.edgesInto, tkey)
		} else {
			e.edgesInto[tkey] = kept
		}
	}
	delete(e.edgesFrom, key)
	for pid, members := range e.compartments {
		kept := members[:0]
		for _, m := range members {
			if m.MemberType != typ || m.MemberID != id {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			delete(e.compartments, pid)
		} else {
			e.compartments[pid] = kept
		}
	}
	delete(e.indexVersion, key)
}

// Create stores a new record. An id inside the content wins; otherwise one is
// generated. Creating over an existing live id fails with ErrConflict.
func (e *Engine) Create(ctx context.Context, recordType string, content map[string]interface{}) (*Record, error) {
	def, ok := e.reg.Type(recordType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, recordType)
	}
	id, _ := content["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	content = stripEnvelope(content)
	ex := index.Extract(def, id, content)

	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.currentLocked(recordType, id)
	if prev != nil && !prev.Deleted {
		return nil, fmt.Errorf("%w: %s/%s already exists", ErrConflict, recordType, id)
	}
	version := 1
	if prev != nil {
		version = prev.Version + 1
	}
	return e.commitLocked(ctx, def, &Record{
		Type: recordType, ID: id, Version: version,
		LastUpdated: e.clock().UTC(), Content: content,
	}, ex)
}

// Update writes a new version of an existing record. expectedVersion < 0 skips
// the precondition. Updating a deleted or absent id fails with ErrNotFound.
func (e *Engine) Update(ctx context.Context, recordType, id string, content map[string]interface{}, expectedVersion int) (*Record, error) {
	def, ok := e.reg.Type(recordType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, recordType)
	}
	content = stripEnvelope(content)
	ex := index.Extract(def, id, content)

	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.currentLocked(recordType, id)
	if prev == nil || prev.Deleted {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, recordType, id)
	}
	if expectedVersion >= 0 && prev.Version != expectedVersion {
		return nil, fmt.Errorf("%w: %s/%s is at version %d, expected %d",
			ErrConflict, recordType, id, prev.Version, expectedVersion)
	}
	return e.commitLocked(ctx, def, &Record{
		Type: recordType, ID: id, Version: prev.Version + 1,
		LastUpdated: e.clock().UTC(), Content: content,
	}, ex)
}

// Delete soft-deletes a record: a tombstone version joins the history and all
// index rows for the id disappear. Deleting twice fails with ErrNotFound.
func (e *Engine) Delete(ctx context.Context, recordType, id string, expectedVersion int) (*Record, error) {
	def, ok := e.reg.Type(recordType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, recordType)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.currentLocked(recordType, id)
	if prev == nil || prev.Deleted {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, recordType, id)
	}
	if expectedVersion >= 0 && prev.Version != expectedVersion {
		return nil, fmt.Errorf("%w: %s/%s is at version %d, expected %d",
			ErrConflict, recordType, id, prev.Version, expectedVersion)
	}
	return e.commitLocked(ctx, def, &Record{
		Type: recordType, ID: id, Version: prev.Version + 1,
		LastUpdated: e.clock().UTC(), Deleted: true,
	}, index.Extraction{})
}

// commitLocked persists through the backend first; in-memory state changes
// only after the backend accepts the write.
func (e *Engine) commitLocked(ctx context.Context, def *search.TypeDef, rec *Record, ex index.Extraction) (*Record, error) {
	tx := WriteTx{Record: rec, Entries: ex.Entries, Edges: ex.Edges, Memberships: ex.Memberships}
	if err := e.backend.Apply(ctx, tx); err != nil {
		e.log.Error().Err(err).Str("record", rec.Key()).Msg("backend rejected write")
		return nil, fmt.Errorf("persist %s: %w", rec.Key(), err)
	}
	e.appendHistoryLocked(rec)
	if rec.Deleted {
		e.dropIndexLocked(rec.Type, rec.ID)
		e.cache.Remove(rec.Key())
	} else {
		e.applyIndexLocked(def, rec.ID, rec.Version, ex)
		e.cache.Add(rec.Key(), rec)
	}
	e.log.Debug().Str("record", rec.Key()).Int("version", rec.Version).
		Bool("deleted", rec.Deleted).Msg("record written")
	return rec, nil
}

func (e *Engine) currentLocked(recordType, id string) *Record {
	if byID := e.cur[recordType]; byID != nil {
		return byID[id]
	}
	return nil
}

// Get returns the current version of a live record.
func (e *Engine) Get(recordType, id string) (*Record, error) {
	key := recordType + "/" + id
	if rec, ok := e.cache.Get(key); ok && !rec.Deleted {
		return rec, nil
	}
	// The cache write stays inside the read lock. Writers publish through the
	// cache while holding the write lock, so a miss filled here can never
	// overwrite a newer version committed in between.
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec := e.currentLocked(recordType, id)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if rec.Deleted {
		return nil, fmt.Errorf("%w: %s", ErrDeleted, key)
	}
	e.cache.Add(key, rec)
	return rec, nil
}

// GetVersion returns one specific version from the history.
func (e *Engine) GetVersion(recordType, id string, version int) (*Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, rec := range e.historyLocked(recordType, id) {
		if rec.Version == version {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s version %d", ErrNotFound, recordType, id, version)
}

// History returns all versions newest first, tombstones included.
func (e *Engine) History(recordType, id string) ([]*Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	hist := e.historyLocked(recordType, id)
	if len(hist) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, recordType, id)
	}
	out := make([]*Record, len(hist))
	copy(out, hist)
	return out, nil
}

func (e *Engine) historyLocked(recordType, id string) []*Record {
	if byID := e.hist[recordType]; byID != nil {
		return byID[id]
	}
	return nil
}

// LiveIDs returns the ids of all live records of a type, sorted.
func (e *Engine) LiveIDs(recordType string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.liveIDsLocked(recordType)
}

func (e *Engine) liveIDsLocked(recordType string) []string {
	var out []string
	for id, rec := range e.cur[recordType] {
		if !rec.Deleted {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// EntriesFor returns the index rows for one live record. The second return
// reports whether the rows describe the record's current version; the engine
// self-heals a stale row set before answering.
func (e *Engine) EntriesFor(recordType, id string) []index.Entry {
	e.mu.RLock()
	rec := e.currentLocked(recordType, id)
	key := recordType + "/" + id
	stale := rec != nil && !rec.Deleted && e.indexVersion[key] != rec.Version
	var rows []index.Entry
	if byID := e.entries[recordType]; byID != nil {
		rows = byID[id]
	}
	e.mu.RUnlock()
	if !stale {
		return rows
	}
	e.healRecord(recordType, id)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if byID := e.entries[recordType]; byID != nil {
		return byID[id]
	}
	return nil
}

// healRecord recomputes the index rows for one record from its current
// content. Used when a consistency check finds drift.
func (e *Engine) healRecord(recordType, id string) {
	def, ok := e.reg.Type(recordType)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.currentLocked(recordType, id)
	if rec == nil || rec.Deleted {
		e.dropIndexLocked(recordType, id)
		return
	}
	e.log.Warn().Str("record", recordType+"/"+id).Msg("index drift detected, reindexing record")
	e.applyIndexLocked(def, id, rec.Version, index.Extract(def, id, rec.Content))
}

// EdgesFrom returns the outgoing reference edges of a record.
func (e *Engine) EdgesFrom(recordType, id string) []index.ReferenceEdge {
	e.mu.RLock()
	defer e.mu.RUnlock()
	edges := e.edgesFrom[recordType+"/"+id]
	out := make([]index.ReferenceEdge, len(edges))
	copy(out, edges)
	return out
}

// EdgesInto returns the incoming reference edges of a record.
func (e *Engine) EdgesInto(recordType, id string) []index.ReferenceEdge {
	e.mu.RLock()
	defer e.mu.RUnlock()
	edges := e.edgesInto[recordType+"/"+id]
	out := make([]index.ReferenceEdge, len(edges))
	copy(out, edges)
	return out
}

// CompartmentMembers returns every live record in a patient's compartment.
func (e *Engine) CompartmentMembers(patientID string) []index.Membership {
	e.mu.RLock()
	defer e.mu.RUnlock()
	members := e.compartments[patientID]
	out := make([]index.Membership, len(members))
	copy(out, members)
	return out
}

// Close releases the backend.
func (e *Engine) Close() error {
	return e.backend.Close()
}

// stripEnvelope removes server-owned fields from incoming content so they
// never leak into the index or the stored body.
func stripEnvelope(content map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(content))
	for k, v := range content {
		switch k {
		case "resourceType", "id", "meta":
			continue
		}
		out[k] = v
	}
	return out
}
