// Package coldstore defines the boundary interface for a hive's cold blob
// backend. A real deployment would back this with cloud object storage;
// no concrete cloud adapter ships here (see SPEC_FULL.md §1 out-of-scope
// notes), only an in-memory reference implementation for tests and
// local-only daemons.
package coldstore

import (
	"sync"

	"github.com/crv-vcs/crv/crverr"
)

// Archiver stores and retrieves whole pack files by name, independent of
// the local repo.Layout a hive daemon also maintains on disk.
type Archiver interface {
	Put(name string, data []byte) error
	Get(name string) ([]byte, error)
	Delete(name string) error
}

// MemArchiver is an in-memory Archiver, sufficient for tests and
// single-node deployments that have no real cold tier.
type MemArchiver struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemArchiver constructs an empty MemArchiver.
func NewMemArchiver() *MemArchiver {
	return &MemArchiver{blobs: make(map[string][]byte)}
}

func (a *MemArchiver) Put(name string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	a.blobs[name] = cp
	return nil
}

func (a *MemArchiver) Get(name string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.blobs[name]
	if !ok {
		return nil, crverr.New(crverr.NotFound, "no such archive blob: %s", name)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (a *MemArchiver) Delete(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.blobs, name)
	return nil
}
