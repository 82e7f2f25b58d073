package catalog

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/framepipe/coordinator/api"
	"github.com/framepipe/coordinator/internal/storage"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	backend, err := storage.Open("file", t.TempDir())
	must.NoError(t, err)
	f, err := Open(backend, false)
	must.NoError(t, err)
	return f
}

func TestOpenInitializesEmptyCatalog(t *testing.T) {
	f := newTestFacade(t)
	meta := f.ReadDBMeta()
	must.Eq(t, 0, meta.NextTableID)
	must.Eq(t, 0, meta.NextJobID)
}

func TestWriteReadTableMetaUsesCache(t *testing.T) {
	f := newTestFacade(t)
	td := TableDescriptor{ID: 1, Name: "frames", Columns: []api.Column{{Name: "frame", Type: "bytes"}}, EndRows: []int{100}}
	must.NoError(t, f.WriteTableMeta(td))

	got, err := f.ReadTableMeta(1)
	must.NoError(t, err)
	must.Eq(t, "frames", got.Name)
	must.Eq(t, 100, got.EndRows[0])
}

func TestWriteReadDBMetaRoundTrips(t *testing.T) {
	f := newTestFacade(t)
	meta := f.ReadDBMeta()
	meta.NextTableID = 5
	meta.TableIDByName["frames"] = 0
	meta.TableNames[0] = "frames"
	must.NoError(t, f.WriteDBMeta())

	backend := f.backend
	f2, err := Open(backend, false)
	must.NoError(t, err)
	got := f2.ReadDBMeta()
	must.Eq(t, 5, got.NextTableID)
	must.Eq(t, "frames", got.TableNames[0])
}

func TestBulkJobMetaRoundTrips(t *testing.T) {
	f := newTestFacade(t)
	bd := BulkJobDescriptor{ID: 1, Name: "job1", WorkPacketSize: 64, IOPacketSize: 256}
	must.NoError(t, f.WriteBulkJobMeta(bd))

	got, err := f.ReadBulkJobMeta(1)
	must.NoError(t, err)
	must.Eq(t, "job1", got.Name)
	must.Eq(t, 256, got.IOPacketSize)
}
