// Package catalog is the Metadata Store Facade of spec.md §4.1: read/write
// of the database catalog, table descriptors, and bulk-job descriptors
// through an opaque storage.Backend, plus an in-memory descriptor cache.
package catalog

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/framepipe/coordinator/api"
	"github.com/framepipe/coordinator/internal/storage"
)

// Canonical blob paths, spec.md §6.
const (
	dbMetaPath = "db_metadata.bin"
)

func tablePath(id int) string { return fmt.Sprintf("tables/%d/descriptor.bin", id) }
func jobPath(id int) string   { return fmt.Sprintf("jobs/%d/descriptor.bin", id) }

// TableDescriptor is persisted per output table (spec.md §3).
type TableDescriptor struct {
	ID        int
	Name      string
	Columns   []api.Column
	EndRows   []int
	BulkJobID int
	CreatedAt time.Time
	Committed bool
}

func (t TableDescriptor) toAPI() api.TableDescriptor {
	return api.TableDescriptor{
		ID: t.ID, Name: t.Name, Columns: t.Columns, EndRows: t.EndRows,
		BulkJobID: t.BulkJobID, CreatedAt: t.CreatedAt, Committed: t.Committed,
	}
}

// BulkJobDescriptor is persisted once before workers start, and rewritten
// with the final node count at the end (spec.md §3, §4.7 step 11).
type BulkJobDescriptor struct {
	ID              int
	Name            string
	WorkPacketSize  int
	IOPacketSize    int
	NodeCountAtEnd  int
	Jobs            []api.Job
	Committed       bool
	CreatedAt       time.Time
}

// DatabaseMeta is the catalog: name<->id bijections and monotonic counters
// (spec.md §3). It is mutated only under the caller's global work lock; this
// package does no locking of its own beyond what's needed for its own
// fields, matching the "owns no lock, is locked from above" shape of a
// facade object.
type DatabaseMeta struct {
	NextTableID int
	NextJobID   int

	TableIDByName map[string]int
	TableNames    map[int]string
	TableCommitted map[int]bool

	JobIDByName map[string]int
	JobNames    map[int]string
	JobCommitted map[int]bool
}

func newDatabaseMeta() *DatabaseMeta {
	return &DatabaseMeta{
		TableIDByName:  map[string]int{},
		TableNames:     map[int]string{},
		TableCommitted: map[int]bool{},
		JobIDByName:    map[string]int{},
		JobNames:       map[int]string{},
		JobCommitted:   map[int]bool{},
	}
}

type dbMetaWire struct {
	NextTableID    int
	NextJobID      int
	TableIDByName  map[string]int
	TableCommitted map[int]bool
	JobIDByName    map[string]int
	JobCommitted   map[int]bool
}

func (m *DatabaseMeta) marshal() ([]byte, error) {
	w := dbMetaWire{
		NextTableID: m.NextTableID, NextJobID: m.NextJobID,
		TableIDByName: m.TableIDByName, TableCommitted: m.TableCommitted,
		JobIDByName: m.JobIDByName, JobCommitted: m.JobCommitted,
	}
	return json.Marshal(w)
}

func unmarshalDBMeta(data []byte) (*DatabaseMeta, error) {
	var w dbMetaWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	m := newDatabaseMeta()
	m.NextTableID, m.NextJobID = w.NextTableID, w.NextJobID
	if w.TableIDByName != nil {
		m.TableIDByName = w.TableIDByName
	}
	if w.TableCommitted != nil {
		m.TableCommitted = w.TableCommitted
	}
	if w.JobIDByName != nil {
		m.JobIDByName = w.JobIDByName
	}
	if w.JobCommitted != nil {
		m.JobCommitted = w.JobCommitted
	}
	for name, id := range m.TableIDByName {
		m.TableNames[id] = name
	}
	for name, id := range m.JobIDByName {
		m.JobNames[id] = name
	}
	return m, nil
}

// Facade bundles the backend, the persisted catalog, and the descriptor
// cache behind the read/write operations spec.md §4.1 names.
type Facade struct {
	backend storage.Backend

	mu   sync.Mutex // protects meta in-process between load and persist
	meta *DatabaseMeta

	cache *tableMetaCache
}

// Open loads (or initializes) the database catalog and, if
// prefetchTableMetadata is set, warms the descriptor cache with a bounded
// worker pool (spec.md §4.1, §4.7 "Transient pools").
func Open(backend storage.Backend, prefetchTableMetadata bool) (*Facade, error) {
	f := &Facade{backend: backend, cache: newTableMetaCache()}

	data, err := backend.Read(dbMetaPath)
	switch {
	case err == storage.ErrNotFound:
		f.meta = newDatabaseMeta()
		if werr := f.persistMetaLocked(); werr != nil {
			return nil, werr
		}
	case err != nil:
		return nil, err
	default:
		f.meta, err = unmarshalDBMeta(data)
		if err != nil {
			return nil, fmt.Errorf("catalog: corrupt %s: %w", dbMetaPath, err)
		}
	}

	if prefetchTableMetadata {
		if err := f.prefetch(); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// ReadDBMeta returns a pointer to the live in-memory catalog metadata, not
// a copy. Callers hold the
// caller's global work lock while mutating it; this method exists purely so
// the catalog package, not its caller, owns the wire format.
func (f *Facade) ReadDBMeta() *DatabaseMeta {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta
}

// WriteDBMeta persists the (already-mutated) catalog.
func (f *Facade) WriteDBMeta() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.persistMetaLocked()
}

func (f *Facade) persistMetaLocked() error {
	data, err := f.meta.marshal()
	if err != nil {
		return err
	}
	return f.backend.Write(dbMetaPath, data)
}

// ReadTableMeta fetches a table descriptor, consulting the cache first.
func (f *Facade) ReadTableMeta(id int) (TableDescriptor, error) {
	if td, ok := f.cache.get(id); ok {
		return td, nil
	}
	data, err := f.backend.Read(tablePath(id))
	if err != nil {
		return TableDescriptor{}, err
	}
	var td TableDescriptor
	if err := json.Unmarshal(data, &td); err != nil {
		return TableDescriptor{}, fmt.Errorf("catalog: corrupt table %d: %w", id, err)
	}
	f.cache.put(id, td)
	return td, nil
}

// WriteTableMeta persists a table descriptor and updates the cache in place
// (spec.md §4.1: "The cache is updated in-place when new tables are
// created").
func (f *Facade) WriteTableMeta(td TableDescriptor) error {
	data, err := json.Marshal(td)
	if err != nil {
		return err
	}
	if err := f.backend.Write(tablePath(td.ID), data); err != nil {
		return err
	}
	f.cache.put(td.ID, td)
	return nil
}

// WriteBulkJobMeta persists a bulk-job descriptor.
func (f *Facade) WriteBulkJobMeta(bd BulkJobDescriptor) error {
	data, err := json.Marshal(bd)
	if err != nil {
		return err
	}
	return f.backend.Write(jobPath(bd.ID), data)
}

// ReadBulkJobMeta fetches a bulk-job descriptor.
func (f *Facade) ReadBulkJobMeta(id int) (BulkJobDescriptor, error) {
	data, err := f.backend.Read(jobPath(id))
	if err != nil {
		return BulkJobDescriptor{}, err
	}
	var bd BulkJobDescriptor
	if err := json.Unmarshal(data, &bd); err != nil {
		return BulkJobDescriptor{}, fmt.Errorf("catalog: corrupt job %d: %w", id, err)
	}
	return bd, nil
}

// Flush delegates to the backend, per spec.md §4.7 step 11.
func (f *Facade) Flush() error { return f.backend.Flush() }

// ToAPI converts a TableDescriptor to its client-facing shape.
func ToAPI(t TableDescriptor) api.TableDescriptor { return t.toAPI() }
