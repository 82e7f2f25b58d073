package master

import (
	"context"
	"net"
	"net/rpc"
	"strconv"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"
	"github.com/stretchr/testify/require"

	"github.com/framepipe/coordinator/api"
	"github.com/framepipe/coordinator/internal/catalog"
	"github.com/framepipe/coordinator/internal/config"
	"github.com/framepipe/coordinator/internal/ingest"
	"github.com/framepipe/coordinator/internal/storage"
)

// startTestMaster boots a Master on an ephemeral port and returns a dialed
// client plus the catalog facade backing it, exercising the same
// listener/codec wiring a real worker or CLI client drives.
func startTestMaster(t *testing.T) (*rpc.Client, *catalog.Facade) {
	t.Helper()

	backend, err := storage.Open("file", t.TempDir())
	require.NoError(t, err)
	cat, err := catalog.Open(backend, false)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.DBPath = t.TempDir()
	cfg.RPCBindAddr = "127.0.0.1:0"
	cfg.HTTPBindAddr = "127.0.0.1:0"
	require.NoError(t, cfg.Validate())

	m, err := New(cfg, hclog.NewNullLogger(), cat, ingest.NullProber{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- m.Serve(ctx) }()

	var addr string
	require.Eventually(t, func() bool {
		addr = m.Addr()
		return addr != ""
	}, 2*time.Second, 5*time.Millisecond)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	client := msgpackrpc.NewClient(conn)

	t.Cleanup(func() {
		client.Close()
		cancel()
		<-serveErr
	})
	return client, cat
}

// fakeWorker answers every Worker.* RPC the master makes (op/kernel replay,
// NewJob announcement, Ping, Shutdown) with a bare acknowledgement, enough
// for RegisterWorker's replay and the driver's Announcing-phase broadcast
// to round-trip against a real listener instead of a local in-process stub.
type fakeWorker struct{}

func (fakeWorker) RegisterOp(args api.RegisterOpArgs, reply *api.Empty) error {
	*reply = api.Empty{}
	return nil
}

func (fakeWorker) RegisterPythonKernel(args api.RegisterPythonKernelArgs, reply *api.Empty) error {
	*reply = api.Empty{}
	return nil
}

func (fakeWorker) NewJob(args api.WorkerNewJobArgs, reply *api.Empty) error {
	*reply = api.Empty{}
	return nil
}

func (fakeWorker) Ping(args api.Empty, reply *api.Empty) error {
	*reply = api.Empty{}
	return nil
}

func (fakeWorker) Shutdown(args api.Empty, reply *api.Empty) error {
	*reply = api.Empty{}
	return nil
}

// startFakeWorker listens for the same msgpackrpc codec the registry dials
// with and returns the host/port RegisterWorker needs.
func startFakeWorker(t *testing.T) (string, int) {
	t.Helper()
	rpcServer := rpc.NewServer()
	require.NoError(t, rpcServer.RegisterName("Worker", fakeWorker{}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go rpcServer.ServeCodec(msgpackrpc.NewServerCodec(conn))
		}
	}()
	t.Cleanup(func() { ln.Close() })

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestPingRoundTrip(t *testing.T) {
	client, _ := startTestMaster(t)
	var reply api.Empty
	require.NoError(t, client.Call("Master.Ping", api.Empty{}, &reply))
}

func TestListTablesEmptyCatalog(t *testing.T) {
	client, _ := startTestMaster(t)
	var reply api.ListTablesReply
	require.NoError(t, client.Call("Master.ListTables", api.ListTablesArgs{}, &reply))
	require.True(t, reply.Success)
	require.Empty(t, reply.Names)
}

func TestActiveWorkersEmptyRegistry(t *testing.T) {
	client, _ := startTestMaster(t)
	var reply api.ActiveWorkersReply
	require.NoError(t, client.Call("Master.ActiveWorkers", api.ActiveWorkersArgs{}, &reply))
	require.True(t, reply.Success)
	require.Empty(t, reply.Workers)
}

func TestNewJobRejectsUnknownInputTable(t *testing.T) {
	client, _ := startTestMaster(t)

	params := api.BulkJobParameters{
		JobName:        "t1",
		WorkPacketSize: 64,
		IOPacketSize:   256,
		Jobs: []api.Job{{
			OutputTable: "out1",
			Inputs: []api.InputBinding{
				{OpIndex: 0, TableName: "frames", ColumnName: "frame"},
			},
			Ops: []api.Op{
				{Name: "INPUT"},
				{Name: api.OutputSentinel, Inputs: []string{"0:frame"}},
			},
		}},
	}

	var newJobReply api.NewJobReply
	err := client.Call("Master.NewJob", params, &newJobReply)
	require.NoError(t, err)
	// frames is unknown to the catalog, so admission is rejected before any
	// mutation -- exactly the validation-before-persistence rule spec.md §7
	// requires.
	require.False(t, newJobReply.Success)

	var status api.JobStatus
	require.NoError(t, client.Call("Master.GetJobStatus", api.Empty{}, &status))
	require.True(t, status.Finished)
}

// TestNewJobThenDriveToCompletionCommitsTable drives spec.md §8 scenario 1
// end to end over the real RPC surface: two workers register, a job is
// submitted, every task is pulled and finished alternately by both
// workers, and the output table commits.
func TestNewJobThenDriveToCompletionCommitsTable(t *testing.T) {
	client, cat := startTestMaster(t)

	meta := cat.ReadDBMeta()
	tableID := meta.NextTableID
	meta.NextTableID++
	meta.TableIDByName["frames"] = tableID
	meta.TableNames[tableID] = "frames"
	require.NoError(t, cat.WriteDBMeta())
	require.NoError(t, cat.WriteTableMeta(catalog.TableDescriptor{
		ID: tableID, Name: "frames",
		Columns: []api.Column{{Name: "frame", Type: "bytes"}},
		EndRows: []int{100}, Committed: true,
	}))

	var nodeIDs []int
	for i := 0; i < 2; i++ {
		host, port := startFakeWorker(t)
		var regReply api.RegisterWorkerReply
		require.NoError(t, client.Call("Master.RegisterWorker", api.RegisterWorkerArgs{Address: host, Port: port}, &regReply))
		require.True(t, regReply.Success)
		nodeIDs = append(nodeIDs, regReply.NodeID)
	}

	params := api.BulkJobParameters{
		JobName:        "t1",
		WorkPacketSize: 25,
		IOPacketSize:   25,
		Jobs: []api.Job{{
			OutputTable: "out1",
			Inputs: []api.InputBinding{
				{OpIndex: 0, TableName: "frames", ColumnName: "frame"},
			},
			Ops: []api.Op{
				{Name: "INPUT"},
				{Name: api.OutputSentinel, Inputs: []string{"0:frame"}},
			},
		}},
	}

	var newJobReply api.NewJobReply
	require.NoError(t, client.Call("Master.NewJob", params, &newJobReply))
	require.True(t, newJobReply.Success)

	for i, drained := 0, false; !drained; i++ {
		require.Less(t, i, 200, "job never drained")
		nodeID := nodeIDs[i%len(nodeIDs)]

		var next api.NextWorkReply
		require.NoError(t, client.Call("Master.NextWork", api.NextWorkArgs{NodeID: nodeID}, &next))
		switch next.Status {
		case api.NextWorkNoMoreWork:
			drained = true
		case api.NextWorkWait:
			time.Sleep(5 * time.Millisecond)
		case api.NextWorkHasWork:
			var fin api.Result
			require.NoError(t, client.Call("Master.FinishedWork", api.FinishedWorkArgs{
				NodeID: nodeID, JobIndex: next.JobIndex, TaskIndex: next.TaskIndex,
			}, &fin))
			require.True(t, fin.Success)
		}
	}

	var status api.JobStatus
	require.Eventually(t, func() bool {
		require.NoError(t, client.Call("Master.GetJobStatus", api.Empty{}, &status))
		return status.Finished
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, status.JobsDone)
	require.Equal(t, 0, status.JobsFailed)

	var tables api.GetTablesReply
	require.NoError(t, client.Call("Master.GetTables", api.GetTablesArgs{Names: []string{"out1"}}, &tables))
	require.True(t, tables.Success)
	require.Len(t, tables.Tables, 1)
	require.True(t, tables.Tables[0].Committed)
	require.Equal(t, []int{25, 50, 75, 100}, tables.Tables[0].EndRows)
}

// TestNextWorkIgnoresInactiveWorker covers spec.md §4.5's active-worker
// gate (P1): once a worker is unregistered, a still-open connection
// calling NextWork must get no_more_work rather than a fresh task, since
// its outstanding work was already reassigned.
func TestNextWorkIgnoresInactiveWorker(t *testing.T) {
	client, cat := startTestMaster(t)

	meta := cat.ReadDBMeta()
	tableID := meta.NextTableID
	meta.NextTableID++
	meta.TableIDByName["frames"] = tableID
	meta.TableNames[tableID] = "frames"
	require.NoError(t, cat.WriteDBMeta())
	require.NoError(t, cat.WriteTableMeta(catalog.TableDescriptor{
		ID: tableID, Name: "frames",
		Columns: []api.Column{{Name: "frame", Type: "bytes"}},
		EndRows: []int{100}, Committed: true,
	}))

	host, port := startFakeWorker(t)
	var regReply api.RegisterWorkerReply
	require.NoError(t, client.Call("Master.RegisterWorker", api.RegisterWorkerArgs{Address: host, Port: port}, &regReply))
	require.True(t, regReply.Success)
	nodeID := regReply.NodeID

	params := api.BulkJobParameters{
		JobName:        "t1",
		WorkPacketSize: 25,
		IOPacketSize:   25,
		Jobs: []api.Job{{
			OutputTable: "out1",
			Inputs: []api.InputBinding{
				{OpIndex: 0, TableName: "frames", ColumnName: "frame"},
			},
			Ops: []api.Op{
				{Name: "INPUT"},
				{Name: api.OutputSentinel, Inputs: []string{"0:frame"}},
			},
		}},
	}
	var newJobReply api.NewJobReply
	require.NoError(t, client.Call("Master.NewJob", params, &newJobReply))
	require.True(t, newJobReply.Success)

	var unregReply api.Result
	require.NoError(t, client.Call("Master.UnregisterWorker", api.UnregisterWorkerArgs{NodeID: nodeID}, &unregReply))
	require.True(t, unregReply.Success)

	var next api.NextWorkReply
	require.NoError(t, client.Call("Master.NextWork", api.NextWorkArgs{NodeID: nodeID}, &next))
	require.Equal(t, api.NextWorkNoMoreWork, next.Status)

	var fin api.Result
	require.NoError(t, client.Call("Master.FinishedWork", api.FinishedWorkArgs{NodeID: nodeID, JobIndex: 0, TaskIndex: 0}, &fin))
	require.True(t, fin.Success)
}

func TestPokeWatchdogAcks(t *testing.T) {
	client, _ := startTestMaster(t)
	var reply api.Result
	require.NoError(t, client.Call("Master.PokeWatchdog", api.Empty{}, &reply))
	require.True(t, reply.Success)
}
