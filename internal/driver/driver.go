// Package driver is the Job Lifecycle Driver of spec.md §4.7: the
// single-threaded state machine that takes a submitted bulk job from
// validation through partitioning, worker announcement, driving to
// completion, and final commit-or-abort. Grounded on process_job() and
// start_job_processor() in the original C++ master.cpp, restated as a Go
// goroutine reading off a channel the way master.cpp's own job-processor
// thread reads off a work queue, correlated end to end with a
// go-uuid-generated run id for log correlation.
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	uuid "github.com/hashicorp/go-uuid"

	"github.com/framepipe/coordinator/api"
	"github.com/framepipe/coordinator/internal/catalog"
	"github.com/framepipe/coordinator/internal/dag"
	"github.com/framepipe/coordinator/internal/dispatch"
	"github.com/framepipe/coordinator/internal/fault"
	"github.com/framepipe/coordinator/internal/partition"
	"github.com/framepipe/coordinator/internal/registry"
)

// Phase enumerates the state machine's states (spec.md §4.7).
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseValidating
	PhasePartitioning
	PhaseAnnouncing
	PhaseDriving
	PhaseCommitting
	PhaseAborting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseValidating:
		return "validating"
	case PhasePartitioning:
		return "partitioning"
	case PhaseAnnouncing:
		return "announcing"
	case PhaseDriving:
		return "driving"
	case PhaseCommitting:
		return "committing"
	case PhaseAborting:
		return "aborting"
	default:
		return "unknown"
	}
}

// tableLookupAdapter satisfies dag.TableLookup over the catalog facade.
type tableLookupAdapter struct{ cat *catalog.Facade }

func (a tableLookupAdapter) LookupTable(name string) (dag.TableInfo, bool) {
	meta := a.cat.ReadDBMeta()
	id, ok := meta.TableIDByName[name]
	if !ok {
		return dag.TableInfo{}, false
	}
	td, err := a.cat.ReadTableMeta(id)
	if err != nil {
		return dag.TableInfo{}, false
	}
	rows := 0
	if n := len(td.EndRows); n > 0 {
		rows = td.EndRows[n-1]
	}
	return dag.TableInfo{Columns: td.Columns, NumRows: rows}, true
}

type opLookupAdapter struct{ reg *registry.Registry }

func (a opLookupAdapter) LookupOp(name string) (api.Op, bool) {
	if name == "INPUT" || name == api.OutputSentinel {
		return api.Op{Name: name}, true
	}
	// The registry only records RegisterOpArgs in its replay log; expose
	// the subset the DAG analyzer needs through HasOp plus a best-effort
	// zero-value op when the full spec isn't tracked separately.
	if a.reg.HasOp(name) {
		return api.Op{Name: name}, true
	}
	return api.Op{}, false
}

// JobStatusTracker is the live status GetJobStatus reads, one per active
// bulk job.
type JobStatusTracker struct {
	mu         sync.Mutex
	phase      Phase
	jobsDone   int
	jobsFailed int
	totalJobs  int
	lastResult api.Result
	finished   bool
}

// setPhase records the state machine's current phase (spec.md §4.7).
func (t *JobStatusTracker) setPhase(p Phase) {
	t.mu.Lock()
	t.phase = p
	t.mu.Unlock()
}

// Phase returns the state machine's current phase.
func (t *JobStatusTracker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Snapshot assembles the current status for GetJobStatus; tasksDone/
// tasksTotal/numWorkers/failedWorkers come from the caller since the
// tracker itself only owns job-level (not task-level) counters.
func (t *JobStatusTracker) Snapshot(tasksDone, tasksTotal, numWorkers, failedWorkers int) api.JobStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return api.JobStatus{
		Finished: t.finished, TasksDone: tasksDone, TotalTasks: tasksTotal,
		JobsDone: t.jobsDone, JobsFailed: t.jobsFailed, TotalJobs: t.totalJobs,
		NumWorkers: numWorkers, FailedWorkers: failedWorkers, LastResult: t.lastResult,
	}
}

// Run is one bulk job's live, in-flight state, returned to the Control
// Surface so its RPC handlers can route NextWork/FinishedWork/FinishedJob
// and GetJobStatus calls without the driver itself being in the RPC path.
type Run struct {
	ID        string // correlation id, go-uuid generated
	BulkJobID int

	Dispatch *dispatch.State
	NoWorkers *fault.NoWorkersTimer
	Status   *JobStatusTracker

	// jobTableID maps a job index to its (uncommitted) output table id, so
	// commit can mark the right descriptor committed.
	jobTableID []int
	jobInfo    []dag.JobInfo

	// params is retained so late joiners can be announced the same
	// BulkJobParameters the initial Announcing-phase broadcast sent.
	params api.BulkJobParameters

	// announced tracks which node ids have already received the NewJob
	// broadcast, so the late-joiner scan never double-announces a worker
	// reachable from more than one tick. Only touched from Submit and the
	// single drive() goroutine, so it needs no lock of its own.
	announced map[int]bool
}

// Driver runs the single bulk-job-at-a-time state machine. Submit rejects
// a new bulk job while one is in flight; spec.md §5 requires at most one
// bulk job driving at a time, matching master.cpp's single job-processor
// thread.
type Driver struct {
	log hclog.Logger
	cat *catalog.Facade
	reg *registry.Registry

	ioPacketSize int // unused; Submit partitions with BulkJobParameters.IOPacketSize

	mu      sync.Mutex
	current *Run
}

// New constructs a Driver over the given catalog and registry.
func New(log hclog.Logger, cat *catalog.Facade, reg *registry.Registry) *Driver {
	return &Driver{log: log.Named("driver"), cat: cat, reg: reg}
}

// Current returns the currently-driving Run, if any.
func (d *Driver) Current() (*Run, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, d.current != nil
}

// Submit validates, partitions, and begins driving a new bulk job. It
// blocks until the job has been fully validated and announced to workers
// (PhaseAnnouncing complete) so NewJob's synchronous Result can report
// admission failures, then returns, leaving the job driving in the
// background — mirroring process_job()'s own synchronous-validation,
// asynchronous-execution split.
func (d *Driver) Submit(ctx context.Context, params api.BulkJobParameters) (int, error) {
	d.mu.Lock()
	if d.current != nil {
		d.mu.Unlock()
		return 0, fmt.Errorf("driver: a bulk job is already in flight")
	}
	d.mu.Unlock()

	runID, err := uuid.GenerateUUID()
	if err != nil {
		return 0, err
	}
	log := d.log.With("run_id", runID, "job_name", params.JobName)
	log.Info("bulk job submitted")

	if err := partition.Validate(params.IOPacketSize, params.WorkPacketSize); err != nil {
		return 0, err
	}

	info, err := dag.Analyze(tableLookupAdapter{d.cat}, opLookupAdapter{d.reg}, params.Jobs)
	if err != nil {
		return 0, err
	}

	meta := d.cat.ReadDBMeta()
	bulkJobID := meta.NextJobID
	meta.NextJobID++
	meta.JobIDByName[params.JobName] = bulkJobID
	meta.JobNames[bulkJobID] = params.JobName
	if err := d.cat.WriteDBMeta(); err != nil {
		return 0, err
	}

	// Reserve the bulk-job id and write the preliminary descriptor before
	// partitioning (spec.md §4.7 step 4), recording the worker count at
	// submission time; it is rewritten with the final count once the job
	// commits or aborts (step 11).
	if err := d.cat.WriteBulkJobMeta(catalog.BulkJobDescriptor{
		ID: bulkJobID, Name: params.JobName,
		WorkPacketSize: params.WorkPacketSize, IOPacketSize: params.IOPacketSize,
		NodeCountAtEnd: len(d.reg.Active()), Jobs: params.Jobs, CreatedAt: time.Now(),
	}); err != nil {
		return 0, err
	}

	var merr multierror.Error
	jobTableID := make([]int, len(params.Jobs))
	var tasks []dispatch.Task
	for ji, job := range params.Jobs {
		plan := partition.PlanJob(info.Jobs[ji], params.IOPacketSize)
		tableID := meta.NextTableID
		meta.NextTableID++
		meta.TableIDByName[job.OutputTable] = tableID
		meta.TableNames[tableID] = job.OutputTable
		jobTableID[ji] = tableID

		td := catalog.TableDescriptor{
			ID: tableID, Name: job.OutputTable, Columns: info.Jobs[ji].OutputColumns,
			EndRows: plan.EndRows, BulkJobID: bulkJobID, CreatedAt: time.Now(), Committed: false,
		}
		if err := d.cat.WriteTableMeta(td); err != nil {
			merr.Errors = append(merr.Errors, err)
			continue
		}

		prevEnd := 0
		for ti, end := range plan.EndRows {
			tasks = append(tasks, dispatch.Task{
				JobIndex: ji, TaskIndex: ti, TableID: tableID,
				EndRows: []int{prevEnd, end},
			})
			prevEnd = end
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return 0, err
	}
	if err := d.cat.WriteDBMeta(); err != nil {
		return 0, err
	}

	run := &Run{
		ID: runID, BulkJobID: bulkJobID,
		Dispatch: dispatch.NewState(bulkJobID, tasks),
		Status:   &JobStatusTracker{totalJobs: len(params.Jobs)},
		jobTableID: jobTableID, jobInfo: info.Jobs,
		params: params, announced: map[int]bool{},
	}
	run.NoWorkers = fault.NewNoWorkersTimer(fault.DefaultConfig(), log, run.Dispatch.HasWorkOutstanding, func() {
		d.abort(run, "no workers held outstanding work within the configured timeout")
	})

	d.mu.Lock()
	d.current = run
	d.mu.Unlock()

	// Announcing phase (spec.md §4.7 step 7): snapshot locality and
	// broadcast NewJob to every worker active right now. d.reg.SetJobActive
	// keeps the registry queuing any worker that registers after this
	// point onto its unstarted list, for drive()'s late-joiner scan.
	run.Status.setPhase(PhaseAnnouncing)
	d.reg.SetJobActive(true)
	d.announceWorkers(run, d.reg.Active(), log)
	run.Status.setPhase(PhaseDriving)

	log.Info("bulk job announced", "bulk_job_id", bulkJobID, "tasks", len(tasks), "workers", len(d.reg.Active()))
	go d.drive(ctx, run, log)

	return bulkJobID, nil
}

// announceWorkers broadcasts Worker.NewJob to every worker in the given
// set that hasn't already been announced this run, via the same
// fan-out-goroutines-then-wait shape as registry.broadcast and
// fault.Pinger.pingRound: an asynchronous RPC completion queue (spec.md
// §4.7 step 7), not a sequential loop.
func (d *Driver) announceWorkers(run *Run, workers []*registry.WorkerEntry, log hclog.Logger) {
	if len(workers) == 0 {
		return
	}
	locality := registry.Locality(d.reg.Active())

	var wg sync.WaitGroup
	for _, w := range workers {
		if run.announced[w.NodeID] {
			continue
		}
		run.announced[w.NodeID] = true
		client := w.Client()
		if client == nil {
			continue
		}
		loc := locality[w.NodeID]
		args := api.WorkerNewJobArgs{
			BulkJobID: run.BulkJobID, JobName: run.params.JobName,
			Jobs: run.params.Jobs, WorkPacketSize: run.params.WorkPacketSize,
			IOPacketSize: run.params.IOPacketSize, LocalID: loc[0], LocalTotal: loc[1],
		}
		w, client, args := w, client, args
		wg.Add(1)
		go func() {
			defer wg.Done()
			var reply api.Empty
			if err := client.Call("Worker.NewJob", args, &reply); err != nil {
				log.Warn("announce job to worker", "node", w.NodeID, "error", err)
			}
		}()
	}
	wg.Wait()
}

func (d *Driver) drive(ctx context.Context, run *Run, log hclog.Logger) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Late-joiner scan (spec.md §4.7 step 9): any worker that
			// registered after the Announcing-phase broadcast went out
			// sits in the registry's unstarted list until announced here.
			if late := d.reg.DrainUnstarted(); len(late) > 0 {
				workers := make([]*registry.WorkerEntry, 0, len(late))
				for _, nodeID := range late {
					if w, ok := d.reg.Get(nodeID); ok && w.Active {
						workers = append(workers, w)
					}
				}
				d.announceWorkers(run, workers, log)
			}
			run.NoWorkers.Poll()
			done, total := run.Dispatch.Progress()
			if total > 0 && done >= total {
				d.commit(run, log)
				return
			}
		}
	}
}

func (d *Driver) commit(run *Run, log hclog.Logger) {
	log.Info("bulk job complete, committing tables")
	run.Status.setPhase(PhaseCommitting)
	d.reg.SetJobActive(false)
	meta := d.cat.ReadDBMeta()
	var merr multierror.Error
	jobsDone, jobsFailed := 0, 0
	for ji, tableID := range run.jobTableID {
		if run.Dispatch.IsBlacklisted(ji) {
			// Abandoned job: its table stays uncommitted (spec.md §4.6,
			// §7's "other jobs proceed" rule) while the rest of the bulk
			// still commits normally.
			jobsFailed++
			continue
		}
		td, err := d.cat.ReadTableMeta(tableID)
		if err != nil {
			merr.Errors = append(merr.Errors, err)
			jobsFailed++
			continue
		}
		td.Committed = true
		if err := d.cat.WriteTableMeta(td); err != nil {
			merr.Errors = append(merr.Errors, err)
			jobsFailed++
			continue
		}
		meta.TableCommitted[tableID] = true
		jobsDone++
	}
	committed := merr.ErrorOrNil() == nil && jobsFailed == 0
	meta.JobCommitted[run.BulkJobID] = committed
	if err := d.cat.WriteDBMeta(); err != nil {
		merr.Errors = append(merr.Errors, err)
	}
	d.rewriteBulkJobDescriptor(run, committed)
	if err := d.cat.Flush(); err != nil {
		merr.Errors = append(merr.Errors, err)
	}

	run.Status.mu.Lock()
	run.Status.finished = true
	run.Status.jobsDone = jobsDone
	run.Status.jobsFailed = jobsFailed
	if err := merr.ErrorOrNil(); err != nil {
		run.Status.lastResult = api.Err(err.Error())
	} else if jobsFailed > 0 {
		run.Status.lastResult = api.Err(fmt.Sprintf("%d of %d jobs blacklisted after repeated task failures", jobsFailed, len(run.jobTableID)))
	} else {
		run.Status.lastResult = api.Ok()
	}
	run.Status.mu.Unlock()

	run.NoWorkers.Stop()
	d.mu.Lock()
	d.current = nil
	d.mu.Unlock()
}

func (d *Driver) abort(run *Run, reason string) {
	d.log.Warn("aborting bulk job", "bulk_job_id", run.BulkJobID, "reason", reason)
	run.Status.setPhase(PhaseAborting)
	d.reg.SetJobActive(false)
	run.Status.mu.Lock()
	run.Status.finished = true
	run.Status.lastResult = api.Err(reason)
	run.Status.jobsFailed = run.Status.totalJobs
	run.Status.mu.Unlock()
	run.NoWorkers.Stop()
	d.rewriteBulkJobDescriptor(run, false)

	d.mu.Lock()
	if d.current == run {
		d.current = nil
	}
	d.mu.Unlock()
}

// rewriteBulkJobDescriptor persists the final worker count and committed
// flag into the bulk job's descriptor (spec.md §4.7 step 11). A write
// failure here is logged, not fatal: the job's commit/abort outcome has
// already been decided and this descriptor is informational history, not a
// gate on table visibility.
func (d *Driver) rewriteBulkJobDescriptor(run *Run, committed bool) {
	bd, err := d.cat.ReadBulkJobMeta(run.BulkJobID)
	if err != nil {
		d.log.Warn("read bulk job descriptor for final rewrite", "bulk_job_id", run.BulkJobID, "error", err)
		return
	}
	bd.NodeCountAtEnd = len(d.reg.Active())
	bd.Committed = committed
	if err := d.cat.WriteBulkJobMeta(bd); err != nil {
		d.log.Warn("rewrite bulk job descriptor", "bulk_job_id", run.BulkJobID, "error", err)
	}
}
