package registry

import (
	"io"
	"net/rpc"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/framepipe/coordinator/api"
)

// nullDialer never actually connects; it hands back a *rpc.Client wired to
// a connection that blocks on Read, since none of these tests exercise
// live replay RPC round-trips (covered instead by asserting the
// registry's own bookkeeping).
func nullDialer(address string, port int) (*rpc.Client, error) {
	return rpc.NewClient(newDiscardConn()), nil
}

// discardConn blocks forever on Read (as a real idle connection would)
// rather than busy-spinning, and swallows writes; it exists only so
// rpc.NewClient has something to wrap.
type discardConn struct {
	closed chan struct{}
}

func newDiscardConn() *discardConn { return &discardConn{closed: make(chan struct{})} }

func (c *discardConn) Read(p []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}
func (c *discardConn) Write(p []byte) (int, error) { return len(p), nil }
func (c *discardConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func TestRegisterAssignsSequentialNodeIDs(t *testing.T) {
	r, err := New(nullDialer)
	must.NoError(t, err)

	id1, err := r.Register("10.0.0.1", 9000)
	must.NoError(t, err)
	id2, err := r.Register("10.0.0.2", 9000)
	must.NoError(t, err)
	must.Eq(t, 0, id1)
	must.Eq(t, 1, id2)
}

func TestUnregisterMarksInactive(t *testing.T) {
	r, err := New(nullDialer)
	must.NoError(t, err)
	id, err := r.Register("10.0.0.1", 9000)
	must.NoError(t, err)

	must.NoError(t, r.Unregister(id))
	w, ok := r.Get(id)
	must.True(t, ok)
	must.False(t, w.Active)
	must.Eq(t, 0, len(r.Active()))
}

func TestActiveExcludesRetired(t *testing.T) {
	r, err := New(nullDialer)
	must.NoError(t, err)
	id1, _ := r.Register("a", 1)
	_, _ = r.Register("b", 2)
	must.NoError(t, r.Unregister(id1))

	must.Eq(t, 1, len(r.Active()))
	must.Eq(t, 2, len(r.All()))
}

func TestRegisterOpRejectsDuplicate(t *testing.T) {
	r, err := New(nullDialer)
	must.NoError(t, err)

	args := api.RegisterOpArgs{Spec: api.Op{Name: "Histogram"}}
	must.NoError(t, r.RegisterOp(args))
	must.True(t, r.HasOp("Histogram"))
	must.Error(t, r.RegisterOp(args))
}

func TestRegisterQueuesUnstartedOnlyWhileJobActive(t *testing.T) {
	r, err := New(nullDialer)
	must.NoError(t, err)

	id1, err := r.Register("a", 1)
	must.NoError(t, err)
	must.Eq(t, 0, id1)
	must.Eq(t, 0, len(r.DrainUnstarted())) // no job active yet

	r.SetJobActive(true)
	id2, err := r.Register("b", 1)
	must.NoError(t, err)

	late := r.DrainUnstarted()
	must.Eq(t, 1, len(late))
	must.Eq(t, id2, late[0])
	must.Eq(t, 0, len(r.DrainUnstarted())) // drained, and id1 never queued

	r.SetJobActive(false)
	_, err = r.Register("c", 1)
	must.NoError(t, err)
	must.Eq(t, 0, len(r.DrainUnstarted()))
}

func TestLocalityGroupsByHost(t *testing.T) {
	r, err := New(nullDialer)
	must.NoError(t, err)
	idA1, _ := r.Register("host-a", 1)
	idA2, _ := r.Register("host-a", 2)
	idB1, _ := r.Register("host-b", 1)

	loc := Locality(r.Active())
	must.Eq(t, 2, loc[idA1][1])
	must.Eq(t, 2, loc[idA2][1])
	must.Eq(t, 1, loc[idB1][1])
	must.Eq(t, 0, loc[idB1][0])
	// The two host-a workers get distinct local ids within {0, 1}.
	must.True(t, loc[idA1][0] != loc[idA2][0])
	must.True(t, loc[idA1][0] == 0 || loc[idA1][0] == 1)
	must.True(t, loc[idA2][0] == 0 || loc[idA2][0] == 1)
}

func TestRecordAndResetFailedPings(t *testing.T) {
	r, err := New(nullDialer)
	must.NoError(t, err)
	id, _ := r.Register("a", 1)

	n, err := r.RecordFailedPing(id)
	must.NoError(t, err)
	must.Eq(t, 1, n)
	n, err = r.RecordFailedPing(id)
	must.NoError(t, err)
	must.Eq(t, 2, n)

	must.NoError(t, r.ResetFailedPings(id))
	w, _ := r.Get(id)
	must.Eq(t, 0, w.FailedPings)
}
