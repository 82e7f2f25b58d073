// Package master is the Control Surface of spec.md §4.8: the RPC service
// receiver exposing every operation in spec.md §6 over
// net-rpc-msgpackrpc, an HTTP mux serving /healthz, /metrics, and a
// read-only /v1/status mirror, and the global work mutex serializing
// mutating RPCs the way the teacher's single FSM-owning goroutine
// serializes Raft apply()s. Grounded on the RPC handler bodies of
// master.cpp and on the teacher's command/agent HTTP+RPC dual-listener
// agent.
package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"sync"
	"time"

	"github.com/hashicorp/go-bexpr"
	"github.com/hashicorp/go-hclog"
	"github.com/gorilla/mux"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"
	"golang.org/x/time/rate"

	"github.com/framepipe/coordinator/api"
	"github.com/framepipe/coordinator/internal/catalog"
	"github.com/framepipe/coordinator/internal/config"
	"github.com/framepipe/coordinator/internal/dag"
	"github.com/framepipe/coordinator/internal/dispatch"
	"github.com/framepipe/coordinator/internal/driver"
	"github.com/framepipe/coordinator/internal/fault"
	"github.com/framepipe/coordinator/internal/ingest"
	"github.com/framepipe/coordinator/internal/registry"
	"github.com/framepipe/coordinator/internal/telemetry"
)

// Master is the coordinator process: one RPC listener, one HTTP listener,
// and the shared subsystems they front.
type Master struct {
	cfg *config.Config
	log hclog.Logger

	cat *catalog.Facade
	reg *registry.Registry
	drv *driver.Driver

	pinger   *fault.Pinger
	watchdog *fault.Watchdog
	prober   ingest.Prober

	// workMu is the global work lock spec.md §5 requires around every
	// catalog/registry mutation, the Go equivalent of master.cpp's own
	// single work mutex guarding its entire FSM.
	workMu sync.Mutex

	submitLimiter *rate.Limiter

	rpcListener  net.Listener
	httpServer   *http.Server
	metricsHandler http.Handler

	stopCh chan struct{}
}

// New builds a Master over an opened catalog, backed by a fresh registry
// and driver, but does not yet listen.
func New(cfg *config.Config, log hclog.Logger, cat *catalog.Facade, prober ingest.Prober, metricsHandler http.Handler) (*Master, error) {
	reg, err := registry.New(registry.DialMsgpackRPC)
	if err != nil {
		return nil, err
	}
	drv := driver.New(log, cat, reg)

	m := &Master{
		cfg: cfg, log: log.Named("master"), cat: cat, reg: reg, drv: drv,
		prober:         prober,
		metricsHandler: metricsHandler,
		submitLimiter:  rate.NewLimiter(rate.Limit(cfg.NewJobRateLimit), cfg.NewJobRateBurst),
		stopCh:         make(chan struct{}),
	}
	faultCfg := fault.DefaultConfig()
	faultCfg.PingInterval = cfg.PingInterval
	faultCfg.PingTimeout = cfg.PingTimeout
	faultCfg.PingFailuresToDrop = cfg.PingFailuresToDrop
	faultCfg.NoWorkersTimeout = cfg.NoWorkersTimeout
	faultCfg.WatchdogTimeout = cfg.WatchdogTimeout
	m.pinger = fault.NewPinger(faultCfg, log, reg, m.onWorkerDead)
	m.watchdog = fault.NewWatchdog(faultCfg, log, m.onWatchdogExpired)
	return m, nil
}

func (m *Master) onWorkerDead(nodeID int) {
	m.workMu.Lock()
	defer m.workMu.Unlock()

	run, ok := m.drv.Current()
	if ok {
		over := run.Dispatch.ReassignWorker(nodeID, m.cfg.TaskFailuresToBlacklist)
		m.blacklistJobsFor(run, over)
	}
	if err := m.reg.Unregister(nodeID); err != nil {
		m.log.Warn("unregister dead worker", "node", nodeID, "error", err)
	}
}

// blacklistJobsFor abandons the owning job of every TaskKey in
// overThreshold (spec.md §4.6's 5-failure rule), deduplicating repeat
// keys from the same job in one reassignment batch.
func (m *Master) blacklistJobsFor(run *driver.Run, overThreshold []int64) {
	seen := map[int]bool{}
	for _, key := range overThreshold {
		jobIndex := dispatch.JobIndexOf(key)
		if seen[jobIndex] {
			continue
		}
		seen[jobIndex] = true
		if newly, _ := run.Dispatch.BlacklistJob(jobIndex); newly {
			m.log.Warn("job blacklisted after repeated task failures", "bulk_job_id", run.BulkJobID, "job_index", jobIndex)
		}
	}
}

func (m *Master) onWatchdogExpired() {
	m.log.Error("self-watchdog expired, broadcasting shutdown to all workers")
	for _, w := range m.reg.Active() {
		if c := w.Client(); c != nil {
			c.Go("Worker.Shutdown", &api.Empty{}, &api.Empty{}, make(chan *rpc.Call, 1))
		}
	}
	close(m.stopCh)
}

// Serve starts the RPC and HTTP listeners and the background pinger, and
// blocks until ctx is cancelled or the watchdog fires a shutdown.
func (m *Master) Serve(ctx context.Context) error {
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName("Master", (*rpcService)(m)); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", m.cfg.RPCBindAddr)
	if err != nil {
		return err
	}
	m.rpcListener = ln
	m.log.Info("rpc listening", "addr", ln.Addr())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go rpcServer.ServeCodec(msgpackrpc.NewServerCodec(conn))
		}
	}()

	mx := mux.NewRouter()
	mx.HandleFunc("/healthz", m.handleHealthz).Methods(http.MethodGet)
	mx.HandleFunc("/v1/status", m.handleStatus).Methods(http.MethodGet)
	if m.metricsHandler != nil {
		mx.Handle("/metrics", m.metricsHandler).Methods(http.MethodGet)
	}
	m.httpServer = &http.Server{Addr: m.cfg.HTTPBindAddr, Handler: mx}
	go func() {
		m.log.Info("http listening", "addr", m.cfg.HTTPBindAddr)
		if err := m.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Error("http server exited", "error", err)
		}
	}()

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go m.pinger.Run(pingCtx)

	telemetry.RunGaugeLoop(m.stopCh, 5*time.Second, []string{"registry", "active_workers"}, func() float32 {
		return float32(len(m.reg.Active()))
	})
	telemetry.RunGaugeLoop(m.stopCh, 5*time.Second, []string{"dispatch", "outstanding_tasks"}, func() float32 {
		run, ok := m.drv.Current()
		if !ok {
			return 0
		}
		done, total := run.Dispatch.Progress()
		return float32(total - done)
	})

	select {
	case <-ctx.Done():
	case <-m.stopCh:
	}
	return m.Shutdown()
}

// Addr returns the RPC listener's bound address, valid once Serve has
// started listening; used by clients (and tests) that bind to port 0.
func (m *Master) Addr() string {
	if m.rpcListener == nil {
		return ""
	}
	return m.rpcListener.Addr().String()
}

// Shutdown closes both listeners in an orderly fashion.
func (m *Master) Shutdown() error {
	if m.rpcListener != nil {
		m.rpcListener.Close()
	}
	if m.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return m.httpServer.Shutdown(shutdownCtx)
	}
	return nil
}

func (m *Master) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (m *Master) handleStatus(w http.ResponseWriter, r *http.Request) {
	var job api.JobStatus
	(*rpcService)(m).GetJobStatus(api.Empty{}, &job)
	status := struct {
		Job     api.JobStatus     `json:"job"`
		Workers []api.WorkerInfo `json:"workers"`
		Driving bool              `json:"driving"`
	}{Job: job, Workers: registry.ToAPI(m.reg.Active())}
	if _, ok := m.drv.Current(); ok {
		status.Driving = true
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// rpcService is Master viewed as the net/rpc receiver; every exported
// method here is one "Master.<Name>" RPC.
type rpcService Master

func (m *rpcService) master() *Master { return (*Master)(m) }

// --- Table catalog operations (spec.md §6) ---

func (m *rpcService) ListTables(args api.ListTablesArgs, reply *api.ListTablesReply) error {
	mm := m.master()
	meta := mm.cat.ReadDBMeta()

	var eval *bexpr.Evaluator
	if args.Filter != "" {
		var err error
		eval, err = bexpr.CreateEvaluator(args.Filter)
		if err != nil {
			*reply = api.ListTablesReply{Result: api.Err(fmt.Sprintf("invalid filter: %v", err))}
			return nil
		}
	}

	for id, name := range meta.TableNames {
		if eval != nil {
			td, err := mm.cat.ReadTableMeta(id)
			if err != nil {
				continue
			}
			match, err := eval.Evaluate(catalog.ToAPI(td))
			if err != nil || !match {
				continue
			}
		}
		reply.Names = append(reply.Names, name)
	}
	reply.Result = api.Ok()
	return nil
}

func (m *rpcService) GetTables(args api.GetTablesArgs, reply *api.GetTablesReply) error {
	mm := m.master()
	meta := mm.cat.ReadDBMeta()
	for _, name := range args.Names {
		id, ok := meta.TableIDByName[name]
		if !ok {
			*reply = api.GetTablesReply{Result: api.Err(fmt.Sprintf("unknown table %q", name))}
			return nil
		}
		td, err := mm.cat.ReadTableMeta(id)
		if err != nil {
			*reply = api.GetTablesReply{Result: api.Err(err.Error())}
			return nil
		}
		reply.Tables = append(reply.Tables, catalog.ToAPI(td))
	}
	reply.Result = api.Ok()
	return nil
}

func (m *rpcService) DeleteTables(args api.DeleteTablesArgs, reply *api.Result) error {
	mm := m.master()
	mm.workMu.Lock()
	defer mm.workMu.Unlock()

	meta := mm.cat.ReadDBMeta()
	for _, name := range args.Names {
		id, ok := meta.TableIDByName[name]
		if !ok {
			*reply = api.Err(fmt.Sprintf("unknown table %q", name))
			return nil
		}
		delete(meta.TableIDByName, name)
		delete(meta.TableNames, id)
		delete(meta.TableCommitted, id)
	}
	if err := mm.cat.WriteDBMeta(); err != nil {
		*reply = api.Err(err.Error())
		return nil
	}
	*reply = api.Ok()
	return nil
}

// --- Worker registry operations ---

func (m *rpcService) RegisterWorker(args api.RegisterWorkerArgs, reply *api.RegisterWorkerReply) error {
	mm := m.master()
	nodeID, err := mm.reg.Register(args.Address, args.Port)
	if err != nil {
		*reply = api.RegisterWorkerReply{Result: api.Err(err.Error())}
		return nil
	}
	*reply = api.RegisterWorkerReply{Result: api.Ok(), NodeID: nodeID}
	return nil
}

func (m *rpcService) UnregisterWorker(args api.UnregisterWorkerArgs, reply *api.Result) error {
	mm := m.master()
	mm.workMu.Lock()
	defer mm.workMu.Unlock()
	if run, ok := mm.drv.Current(); ok {
		over := run.Dispatch.ReassignWorker(args.NodeID, mm.cfg.TaskFailuresToBlacklist)
		mm.blacklistJobsFor(run, over)
	}
	if err := mm.reg.Unregister(args.NodeID); err != nil {
		*reply = api.Err(err.Error())
		return nil
	}
	*reply = api.Ok()
	return nil
}

func (m *rpcService) ActiveWorkers(args api.ActiveWorkersArgs, reply *api.ActiveWorkersReply) error {
	mm := m.master()
	workers := registry.ToAPI(mm.reg.Active())
	if run, ok := mm.drv.Current(); ok {
		for i := range workers {
			workers[i].OutstandingN = run.Dispatch.OutstandingCount(workers[i].NodeID)
		}
	}

	if args.Filter != "" {
		eval, err := bexpr.CreateEvaluator(args.Filter)
		if err != nil {
			*reply = api.ActiveWorkersReply{Result: api.Err(fmt.Sprintf("invalid filter: %v", err))}
			return nil
		}
		filtered := workers[:0]
		for _, w := range workers {
			match, err := eval.Evaluate(w)
			if err == nil && match {
				filtered = append(filtered, w)
			}
		}
		workers = filtered
	}
	reply.Result = api.Ok()
	reply.Workers = workers
	return nil
}

func (m *rpcService) LoadOp(args api.LoadOpArgs, reply *api.Result) error {
	// Loading an op shared-library path is a worker-local concern in this
	// deployment model; the coordinator only needs the op's schema, which
	// arrives separately via RegisterOp, so this call is acknowledged but
	// not itself broadcast.
	*reply = api.Ok()
	return nil
}

func (m *rpcService) RegisterOp(args api.RegisterOpArgs, reply *api.Result) error {
	mm := m.master()
	mm.workMu.Lock()
	defer mm.workMu.Unlock()
	if err := mm.reg.RegisterOp(args); err != nil {
		*reply = api.Err(err.Error())
		return nil
	}
	*reply = api.Ok()
	return nil
}

func (m *rpcService) RegisterPythonKernel(args api.RegisterPythonKernelArgs, reply *api.Result) error {
	mm := m.master()
	mm.workMu.Lock()
	defer mm.workMu.Unlock()
	if err := mm.reg.RegisterPythonKernel(args); err != nil {
		*reply = api.Err(err.Error())
		return nil
	}
	*reply = api.Ok()
	return nil
}

func (m *rpcService) GetOpInfo(args api.GetOpInfoArgs, reply *api.GetOpInfoReply) error {
	mm := m.master()
	if !mm.reg.HasOp(args.Name) {
		*reply = api.GetOpInfoReply{Result: api.Err(fmt.Sprintf("unknown op %q", args.Name))}
		return nil
	}
	*reply = api.GetOpInfoReply{Result: api.Ok(), Op: api.Op{Name: args.Name}}
	return nil
}

// --- Job lifecycle operations ---

func (m *rpcService) NewJob(args api.BulkJobParameters, reply *api.NewJobReply) error {
	mm := m.master()
	if !mm.submitLimiter.Allow() {
		*reply = api.NewJobReply{Result: api.Err("rejected: submission rate limit exceeded")}
		return nil
	}
	mm.workMu.Lock()
	id, err := mm.drv.Submit(context.Background(), args)
	mm.workMu.Unlock()
	if err != nil {
		result := api.Err(err.Error())
		var aerr *dag.AnalysisError
		if errors.As(err, &aerr) {
			result = api.ErrField(fmt.Sprintf("jobs[%d].%s", aerr.JobIndex, aerr.Field), err.Error())
		}
		*reply = api.NewJobReply{Result: result}
		return nil
	}
	*reply = api.NewJobReply{Result: api.Ok(), BulkJobID: id}
	return nil
}

func (m *rpcService) GetJobStatus(args api.Empty, reply *api.JobStatus) error {
	mm := m.master()
	run, ok := mm.drv.Current()
	if !ok {
		*reply = api.JobStatus{Finished: true, LastResult: api.Ok()}
		return nil
	}
	done, total := run.Dispatch.Progress()
	active := mm.reg.Active()
	failed := 0
	for _, w := range mm.reg.All() {
		if !w.Active {
			failed++
		}
	}
	*reply = run.Status.Snapshot(done, total, len(active), failed)
	return nil
}

func (m *rpcService) NextWork(args api.NextWorkArgs, reply *api.NextWorkReply) error {
	mm := m.master()
	run, ok := mm.drv.Current()
	if !ok {
		*reply = api.NextWorkReply{Status: api.NextWorkNoMoreWork}
		return nil
	}
	// A worker the pinger or UnregisterWorker already dropped may still
	// have a live connection (e.g. a transient stall, not a crash); its
	// outstanding tasks were already reassigned, so it gets no more work
	// rather than risking a double dispatch (spec.md §4.5, P1).
	if w, ok := mm.reg.Get(args.NodeID); !ok || !w.Active {
		*reply = api.NextWorkReply{Status: api.NextWorkNoMoreWork}
		return nil
	}
	task, wait, done := run.Dispatch.Next(args.NodeID)
	switch {
	case done:
		*reply = api.NextWorkReply{Status: api.NextWorkNoMoreWork}
	case wait:
		*reply = api.NextWorkReply{Status: api.NextWorkWait}
	default:
		*reply = api.NextWorkReply{
			Status: api.NextWorkHasWork, TableID: task.TableID,
			JobIndex: task.JobIndex, TaskIndex: task.TaskIndex, OutputRows: task.EndRows,
		}
	}
	run.NoWorkers.Poll()
	return nil
}

func (m *rpcService) FinishedWork(args api.FinishedWorkArgs, reply *api.Result) error {
	mm := m.master()
	run, ok := mm.drv.Current()
	if !ok {
		*reply = api.Err("no bulk job is currently driving")
		return nil
	}
	// Ignore completions from a worker that's no longer active: its tasks
	// were already reassigned, so this result would double-count or
	// clobber whoever it was reassigned to (spec.md §4.5, P1).
	if w, ok := mm.reg.Get(args.NodeID); !ok || !w.Active {
		*reply = api.Ok()
		return nil
	}
	run.Dispatch.Finish(args.NodeID, args.JobIndex, args.TaskIndex)
	run.NoWorkers.Poll()
	*reply = api.Ok()
	return nil
}

func (m *rpcService) FinishedJob(args api.FinishedJobArgs, reply *api.Result) error {
	// Acknowledges a worker's own per-job cleanup; the coordinator's
	// notion of "job finished" is driven entirely by task completion
	// counts in dispatch.State, so nothing further is needed here beyond
	// bookkeeping symmetry with the RPC spec.
	*reply = api.Ok()
	return nil
}

func (m *rpcService) IngestVideos(args api.IngestVideosArgs, reply *api.IngestVideosReply) error {
	mm := m.master()
	results := ingest.Run(context.Background(), mm.prober, args.Paths, 16)
	var failed []string
	rows := 0
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r.Path)
			continue
		}
		rows += r.Rows
	}
	mm.workMu.Lock()
	defer mm.workMu.Unlock()
	meta := mm.cat.ReadDBMeta()
	id, ok := meta.TableIDByName[args.TableName]
	if !ok {
		id = meta.NextTableID
		meta.NextTableID++
		meta.TableIDByName[args.TableName] = id
		meta.TableNames[id] = args.TableName
		if err := mm.cat.WriteDBMeta(); err != nil {
			*reply = api.IngestVideosReply{Result: api.Err(err.Error())}
			return nil
		}
	}
	td, err := mm.cat.ReadTableMeta(id)
	if err != nil {
		td = catalog.TableDescriptor{ID: id, Name: args.TableName, CreatedAt: time.Now()}
	}
	td.EndRows = append(td.EndRows, rows)
	td.Committed = true
	if err := mm.cat.WriteTableMeta(td); err != nil {
		*reply = api.IngestVideosReply{Result: api.Err(err.Error())}
		return nil
	}
	*reply = api.IngestVideosReply{Result: api.Ok(), FailedPaths: failed}
	return nil
}

func (m *rpcService) Ping(args api.Empty, reply *api.Empty) error {
	*reply = api.Empty{}
	return nil
}

func (m *rpcService) PokeWatchdog(args api.Empty, reply *api.Result) error {
	mm := m.master()
	mm.watchdog.Poke()
	go mm.pinger.PingAll(context.Background())
	*reply = api.Ok()
	return nil
}

func (m *rpcService) Shutdown(args api.Empty, reply *api.Result) error {
	mm := m.master()
	mm.watchdog.Stop()
	*reply = api.Ok()
	close(mm.stopCh)
	return nil
}
