package store

import (
	"context"

	"github.com/medstack/recordstore/internal/index"
)

// WriteTx is the full unit of work for one record write: the new version plus
// the complete derived index state for it. Backends persist it atomically or
// not at all.
type WriteTx struct {
	Record      *Record
	Entries     []index.Entry
	Edges       []index.ReferenceEdge
	Memberships []index.Membership
}

// Backend is durable storage behind the engine. The engine holds the
// authoritative in-memory state; a backend only has to replay every accepted
// WriteTx and hand the record versions back on startup.
type Backend interface {
	// Apply persists one write atomically. A returned error aborts the write
	// and the engine's state is left untouched.
	Apply(ctx context.Context, tx WriteTx) error
	// Load returns every stored record version, oldest first per record.
	Load(ctx context.Context) ([]*Record, error)
	Close() error
}

// MemoryBackend keeps nothing outside the engine. It backs tests and
// ephemeral deployments.
type MemoryBackend struct{}

func NewMemoryBackend() *MemoryBackend { return &MemoryBackend{} }

func (*MemoryBackend) Apply(context.Context, WriteTx) error  { return nil }
func (*MemoryBackend) Load(context.Context) ([]*Record, error) { return nil, nil }
func (*MemoryBackend) Close() error                          { return nil }
