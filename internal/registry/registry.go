// Package registry is the Worker Registry of spec.md §4.3: the set of live
// workers, the replayable op/kernel registration log every newly joined
// worker must catch up on, and the RPC client used to push work to a
// worker. Grounded on the teacher's go-memdb-backed client manager
// (client/servers/manager.go) and on RegisterWorker/UnregisterWorker/
// ActiveWorkers/LoadOp/RegisterOp/RegisterPythonKernel in master.cpp.
package registry

import (
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	memdb "github.com/hashicorp/go-memdb"
	set "github.com/hashicorp/go-set/v3"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"

	"github.com/framepipe/coordinator/api"
)

// WorkerEntry is one row of the worker table.
type WorkerEntry struct {
	NodeID       int
	Address      string
	Port         int
	Active       bool
	FailedPings  int
	RegisteredAt time.Time
	RetiredAt    time.Time

	// Outstanding is a set of (jobIndex<<32|taskIndex) keys that nothing in
	// the coordinator fills; the tasks a worker holds are tracked by
	// dispatch.State, which the Fault Controller reassigns from on removal
	// (spec.md §4.6).
	Outstanding *set.Set[int64]

	client *rpc.Client
}

func (w *WorkerEntry) toAPI() api.WorkerInfo {
	return api.WorkerInfo{
		NodeID: w.NodeID, Address: w.Address, Port: w.Port, Active: w.Active,
		OutstandingN: w.Outstanding.Size(), FailedPings: w.FailedPings,
		RegisteredAt: w.RegisteredAt, RetiredAt: w.RetiredAt,
	}
}

// TaskKey packs a (jobIndex, taskIndex) pair into the int64 keys Outstanding
// stores, since go-set/v3 needs a comparable, ordered element type.
func TaskKey(jobIndex, taskIndex int) int64 {
	return int64(jobIndex)<<32 | int64(uint32(taskIndex))
}

const tableWorkers = "workers"

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableWorkers: {
				Name: tableWorkers,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "NodeID"},
					},
					"active": {
						Name:    "active",
						Indexer: &memdb.FieldSetIndex{Field: "Active"},
					},
				},
			},
		},
	}
}

// Dialer opens an RPC client to a worker, substitutable in tests.
type Dialer func(address string, port int) (*rpc.Client, error)

// DialMsgpackRPC is the production Dialer: net-rpc-msgpackrpc over TCP, the
// same codec/transport pairing the teacher uses for its RPC surface.
func DialMsgpackRPC(address string, port int) (*rpc.Client, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", address, port), 5*time.Second)
	if err != nil {
		return nil, err
	}
	return msgpackrpc.NewClient(conn), nil
}

// Registry tracks live workers and the replayable op/kernel log. It does
// not rely on a caller's lock: its own mutex guards the node-id counter,
// the op/kernel logs and the unstarted list, and memdb serializes write
// transactions.
type Registry struct {
	dial Dialer

	mu  sync.Mutex
	db  *memdb.MemDB
	nextNodeID int

	opLog     []api.RegisterOpArgs
	kernelLog []api.RegisterPythonKernelArgs
	opNames   map[string]bool

	// jobActive and unstarted implement the Worker Registry's "unstarted"
	// list (spec.md §4.3): a worker registering while a bulk job is
	// driving is queued here for the Job Lifecycle Driver's per-loop
	// late-joiner scan (spec.md §4.7 step 9) instead of being announced
	// the job immediately.
	jobActive bool
	unstarted []int
}

// New constructs an empty registry using dial to reach workers.
func New(dial Dialer) (*Registry, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, err
	}
	return &Registry{
		dial:    dial,
		db:      db,
		opNames: map[string]bool{},
	}, nil
}

// Register adds a worker and returns its assigned node id. It replays every
// previously registered op and Python kernel onto the new worker before
// returning, mirroring master.cpp's RegisterWorker.
func (r *Registry) Register(address string, port int) (int, error) {
	r.mu.Lock()
	nodeID := r.nextNodeID
	r.nextNodeID++
	entry := &WorkerEntry{
		NodeID: nodeID, Address: address, Port: port, Active: true,
		RegisteredAt: time.Now(), Outstanding: set.New[int64](0),
	}
	ops := append([]api.RegisterOpArgs(nil), r.opLog...)
	kernels := append([]api.RegisterPythonKernelArgs(nil), r.kernelLog...)
	jobActive := r.jobActive
	r.mu.Unlock()

	client, err := r.dial(address, port)
	if err != nil {
		return 0, fmt.Errorf("registry: dial worker %s:%d: %w", address, port, err)
	}
	entry.client = client

	for _, op := range ops {
		if err := callWorker(client, "Worker.RegisterOp", op, &api.Empty{}); err != nil {
			client.Close()
			return 0, fmt.Errorf("registry: replay op %q to new worker: %w", op.Spec.Name, err)
		}
	}
	for _, k := range kernels {
		if err := callWorker(client, "Worker.RegisterPythonKernel", k, &api.Empty{}); err != nil {
			client.Close()
			return 0, fmt.Errorf("registry: replay kernel %q to new worker: %w", k.Spec.OpName, err)
		}
	}

	txn := r.db.Txn(true)
	if err := txn.Insert(tableWorkers, entry); err != nil {
		txn.Abort()
		client.Close()
		return 0, err
	}
	txn.Commit()

	// Enqueue onto the unstarted list only if a job is currently active;
	// otherwise there is nothing for the driver's late-joiner scan to
	// announce (spec.md §4.3).
	if jobActive {
		r.mu.Lock()
		r.unstarted = append(r.unstarted, nodeID)
		r.mu.Unlock()
	}
	return nodeID, nil
}

// SetJobActive toggles whether a bulk job is currently driving. The Job
// Lifecycle Driver calls this around its Announcing/Driving phases and its
// final commit/abort, so Register knows whether a newly joined worker needs
// to be queued for late announcement.
func (r *Registry) SetJobActive(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobActive = active
	if !active {
		r.unstarted = nil
	}
}

// DrainUnstarted returns and clears every node id queued since the last
// drain, for the driver's per-loop late-joiner scan (spec.md §4.7 step 9).
func (r *Registry) DrainUnstarted() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.unstarted
	r.unstarted = nil
	return out
}

// Locality computes each worker's (local_id, local_total) pair by grouping
// workers that share a host address, node-id ascending within a host
// (spec.md §4.7 step 7).
func Locality(workers []*WorkerEntry) map[int][2]int {
	byHost := map[string][]int{}
	for _, w := range workers {
		byHost[w.Address] = append(byHost[w.Address], w.NodeID)
	}
	out := make(map[int][2]int, len(workers))
	for _, ids := range byHost {
		total := len(ids)
		for i, id := range ids {
			out[id] = [2]int{i, total}
		}
	}
	return out
}

// Unregister marks a worker retired and drops its RPC client. The caller
// (the driver/fault controller) is responsible for reassigning any of its
// outstanding tasks first.
func (r *Registry) Unregister(nodeID int) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableWorkers, "id", nodeID)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("registry: unknown worker %d", nodeID)
	}
	w := raw.(*WorkerEntry)
	cp := *w
	cp.Active = false
	cp.RetiredAt = time.Now()
	if err := txn.Insert(tableWorkers, &cp); err != nil {
		return err
	}
	txn.Commit()
	if w.client != nil {
		w.client.Close()
	}
	return nil
}

// Get returns the live entry for a node id.
func (r *Registry) Get(nodeID int) (*WorkerEntry, bool) {
	txn := r.db.Txn(false)
	raw, err := txn.First(tableWorkers, "id", nodeID)
	if err != nil || raw == nil {
		return nil, false
	}
	return raw.(*WorkerEntry), true
}

// Active returns every worker currently marked active, node-id ascending.
func (r *Registry) Active() []*WorkerEntry {
	txn := r.db.Txn(false)
	it, err := txn.Get(tableWorkers, "active", true)
	if err != nil {
		return nil
	}
	var out []*WorkerEntry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*WorkerEntry))
	}
	return out
}

// All returns every worker, active or retired.
func (r *Registry) All() []*WorkerEntry {
	txn := r.db.Txn(false)
	it, err := txn.Get(tableWorkers, "id")
	if err != nil {
		return nil
	}
	var out []*WorkerEntry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*WorkerEntry))
	}
	return out
}

// RecordFailedPing increments a worker's consecutive-ping-failure count and
// returns the new count, used by the Fault Controller's 3-strikes rule.
func (r *Registry) RecordFailedPing(nodeID int) (int, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableWorkers, "id", nodeID)
	if err != nil || raw == nil {
		return 0, fmt.Errorf("registry: unknown worker %d", nodeID)
	}
	w := raw.(*WorkerEntry)
	cp := *w
	cp.FailedPings++
	if err := txn.Insert(tableWorkers, &cp); err != nil {
		return 0, err
	}
	txn.Commit()
	return cp.FailedPings, nil
}

// ResetFailedPings clears a worker's failure streak on a successful ping.
func (r *Registry) ResetFailedPings(nodeID int) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableWorkers, "id", nodeID)
	if err != nil || raw == nil {
		return nil
	}
	w := raw.(*WorkerEntry)
	if w.FailedPings == 0 {
		return nil
	}
	cp := *w
	cp.FailedPings = 0
	if err := txn.Insert(tableWorkers, &cp); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// ToAPI converts the live worker set to its client-facing shape.
func ToAPI(entries []*WorkerEntry) []api.WorkerInfo {
	out := make([]api.WorkerInfo, len(entries))
	for i, e := range entries {
		out[i] = e.toAPI()
	}
	return out
}

// RegisterOp appends to the replay log and fans the registration out to
// every live worker (spec.md §4.3).
func (r *Registry) RegisterOp(args api.RegisterOpArgs) error {
	r.mu.Lock()
	if r.opNames[args.Spec.Name] {
		r.mu.Unlock()
		return fmt.Errorf("registry: op %q already registered", args.Spec.Name)
	}
	r.opNames[args.Spec.Name] = true
	r.opLog = append(r.opLog, args)
	r.mu.Unlock()

	return r.broadcast(func(c *rpc.Client) error {
		return callWorker(c, "Worker.RegisterOp", args, &api.Empty{})
	})
}

// RegisterPythonKernel appends to the kernel replay log and fans it out.
func (r *Registry) RegisterPythonKernel(args api.RegisterPythonKernelArgs) error {
	r.mu.Lock()
	r.kernelLog = append(r.kernelLog, args)
	r.mu.Unlock()

	return r.broadcast(func(c *rpc.Client) error {
		return callWorker(c, "Worker.RegisterPythonKernel", args, &api.Empty{})
	})
}

// HasOp reports whether an op name has been registered.
func (r *Registry) HasOp(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opNames[name]
}

func (r *Registry) broadcast(fn func(*rpc.Client) error) error {
	var wg sync.WaitGroup
	workers := r.Active()
	errCh := make(chan error, len(workers))
	for _, w := range workers {
		w := w
		if w.client == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- fn(w.client)
		}()
	}
	go func() {
		wg.Wait()
		close(errCh)
	}()
	var first error
	for err := range errCh {
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ActiveNodeIDs returns the node ids of every active worker, satisfying
// fault.WorkerSource.
func (r *Registry) ActiveNodeIDs() []int {
	active := r.Active()
	ids := make([]int, len(active))
	for i, w := range active {
		ids[i] = w.NodeID
	}
	return ids
}

// Ping calls a worker's Ping RPC with the given timeout, satisfying
// fault.WorkerSource.
func (r *Registry) Ping(nodeID int, timeout time.Duration) error {
	w, ok := r.Get(nodeID)
	if !ok || w.client == nil {
		return fmt.Errorf("registry: worker %d not connected", nodeID)
	}
	call := w.client.Go("Worker.Ping", &api.Empty{}, &api.Empty{}, make(chan *rpc.Call, 1))
	select {
	case res := <-call.Done:
		return res.Error
	case <-time.After(timeout):
		return fmt.Errorf("registry: ping to worker %d timed out after %s", nodeID, timeout)
	}
}

// Client exposes the raw RPC client to a worker, used by the driver to
// announce NewJob and by the master's watchdog to broadcast Shutdown, so
// neither needs to reimplement dialing.
func (w *WorkerEntry) Client() *rpc.Client { return w.client }

func callWorker(c *rpc.Client, method string, args, reply interface{}) error {
	return c.Call(method, args, reply)
}
