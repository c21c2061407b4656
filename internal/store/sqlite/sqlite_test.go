package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/medstack/recordstore/internal/store"
)

func TestApplyAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.db")

	backend, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	engine, err := store.NewEngine(ctx, store.Options{Backend: backend, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	if _, err := engine.Create(ctx, "Patient", map[string]interface{}{"id": "p-1", "gender": "female"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := engine.Update(ctx, "Patient", "p-1", map[string]interface{}{"gender": "other"}, 1); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := engine.Create(ctx, "Observation", map[string]interface{}{
		"id":      "obs-1",
		"status":  "final",
		"subject": map[string]interface{}{"reference": "Patient/p-1"},
	}); err != nil {
		t.Fatalf("Create observation: %v", err)
	}
	if _, err := engine.Delete(ctx, "Observation", "obs-1", -1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Fresh process against the same file.
	backend2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	engine2, err := store.NewEngine(ctx, store.Options{Backend: backend2, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewEngine after reopen: %v", err)
	}
	defer engine2.Close()

	rec, err := engine2.Get("Patient", "p-1")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if rec.Version != 2 || rec.Content["gender"] != "other" {
		t.Errorf("reloaded record = %+v", rec)
	}

	if _, err := engine2.Get("Observation", "obs-1"); !errors.Is(err, store.ErrDeleted) {
		t.Errorf("tombstone lost across restart: %v", err)
	}
	hist, err := engine2.History("Observation", "obs-1")
	if err != nil {
		t.Fatalf("History after reload: %v", err)
	}
	if len(hist) != 2 || !hist[0].Deleted {
		t.Errorf("history after reload = %+v", hist)
	}

	// Index derived state is rebuilt on load.
	if rows := engine2.EntriesFor("Patient", "p-1"); len(rows) == 0 {
		t.Error("index rows not rebuilt after reload")
	}
	if edges := engine2.EdgesInto("Patient", "p-1"); len(edges) != 0 {
		t.Errorf("deleted record still has edges: %+v", edges)
	}

	// Version chain continues from the persisted state.
	updated, err := engine2.Update(ctx, "Patient", "p-1", map[string]interface{}{"gender": "male"}, 2)
	if err != nil {
		t.Fatalf("Update after reload: %v", err)
	}
	if updated.Version != 3 {
		t.Errorf("version after reload = %d, want 3", updated.Version)
	}
}
