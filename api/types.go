// Package api holds the wire types shared by the master's RPC surface, its
// HTTP status mirror, and the CLI. They are plain structs so that
// github.com/hashicorp/net-rpc-msgpackrpc can encode them directly.
package api

import "time"

// OutputSentinel is the reserved op name every job's DAG must terminate in.
const OutputSentinel = "OUTPUT"

// Column describes one named, typed column flowing between ops.
type Column struct {
	Name string
	Type string
}

// Stencil is the set of relative row offsets an op reads to produce one
// output row.
type Stencil []int

// Op is a node in a job's operator DAG.
type Op struct {
	Name     string
	Inputs   []string // "<opIndex>:<column>" references to the op outputs feeding this op
	Columns  []Column // output columns
	Stencil  Stencil
	Bounded  bool // true if the op carries bounded state across the whole table
	Warmup   int  // rows of lead-in required before steady-state output begins
	IsSlice  bool // true if this op introduces a slice group
	Variadic bool // true if Inputs accepts a variable column list rather than a fixed one

	// SliceGroupRows is the per-group input-row count for a slice op
	// (meaningful only when IsSlice is true); each entry is one slice
	// group's size, in submission order. A client whose slice groups are
	// all the same size (e.g. fixed-length video clips) may still list
	// them individually, or leave this empty to let the analyzer treat
	// the whole bound table as a single group.
	SliceGroupRows []int
}

// InputBinding binds one op's input slot to a source table + column.
type InputBinding struct {
	OpIndex    int
	OpName     string
	TableName  string
	ColumnName string
}

// Job is one output-table computation inside a BulkJob. It is never
// persisted directly; it lives inside a BulkJobParameters/BulkJobDescriptor.
type Job struct {
	OutputTable string
	Inputs      []InputBinding
	Ops         []Op
}

// BulkJobParameters is the argument to NewJob.
type BulkJobParameters struct {
	JobName       string
	Jobs          []Job
	WorkPacketSize int
	IOPacketSize   int
}

// WorkerNewJobArgs is broadcast to every active worker when a bulk job
// begins driving (spec.md §4.7 step 7: the Announcing phase). It carries
// the job shape plus the worker's own locality slot, computed by grouping
// active workers by host, so workers sharing a host can coordinate GPU
// slot assignment downstream.
type WorkerNewJobArgs struct {
	BulkJobID      int
	JobName        string
	Jobs           []Job
	WorkPacketSize int
	IOPacketSize   int
	LocalID        int
	LocalTotal     int
}

// Result is the structured {success, msg} envelope spec.md §7 requires on
// every client-visible response.
type Result struct {
	Success bool
	Msg     string
	// Field optionally names the offending BulkJobParameters field/job
	// index, an ergonomic addition over the bare spec for CLI highlighting.
	Field string
}

func Ok() Result { return Result{Success: true} }

func Err(msg string) Result { return Result{Success: false, Msg: msg} }

func ErrField(field, msg string) Result { return Result{Success: false, Msg: msg, Field: field} }

// NewJobReply is returned by NewJob.
type NewJobReply struct {
	Result
	BulkJobID int
}

// TableDescriptor mirrors internal/catalog.TableDescriptor for clients.
type TableDescriptor struct {
	ID        int
	Name      string
	Columns   []Column
	EndRows   []int // cumulative end-row boundary per task
	BulkJobID int
	CreatedAt time.Time
	Committed bool
}

// ListTablesReply is returned by ListTables.
type ListTablesReply struct {
	Result
	Names []string
}

// GetTablesReply is returned by GetTables.
type GetTablesReply struct {
	Result
	Tables []TableDescriptor
}

// DeleteTablesArgs is the argument to DeleteTables.
type DeleteTablesArgs struct {
	Names []string
}

// GetTablesArgs is the argument to GetTables.
type GetTablesArgs struct {
	Names []string
}

// ListTablesArgs is the argument to ListTables. Filter is an optional
// github.com/hashicorp/go-bexpr boolean expression evaluated over
// TableDescriptor.
type ListTablesArgs struct {
	Filter string
}

// ActiveWorkersArgs is the argument to ActiveWorkers.
type ActiveWorkersArgs struct {
	Filter string
}

// WorkerInfo mirrors internal/registry.WorkerEntry for clients.
type WorkerInfo struct {
	NodeID        int
	Address       string
	Port          int
	Active        bool
	OutstandingN  int
	FailedPings   int
	RegisteredAt  time.Time
	RetiredAt     time.Time
}

// ActiveWorkersReply is returned by ActiveWorkers.
type ActiveWorkersReply struct {
	Result
	Workers []WorkerInfo
}

// RegisterWorkerArgs is the argument to RegisterWorker.
type RegisterWorkerArgs struct {
	Address string
	Port    int
}

// RegisterWorkerReply is returned by RegisterWorker.
type RegisterWorkerReply struct {
	Result
	NodeID int
}

// UnregisterWorkerArgs is the argument to UnregisterWorker.
type UnregisterWorkerArgs struct {
	NodeID int
}

// LoadOpArgs is the argument to LoadOp.
type LoadOpArgs struct {
	Path string
}

// RegisterOpArgs is the argument to RegisterOp.
type RegisterOpArgs struct {
	Spec Op
}

// KernelSpec describes a Python kernel implementation registered for an op.
type KernelSpec struct {
	OpName       string
	DeviceType   string // "CPU" or "GPU"
	KernelModule string
	KernelClass  string
}

// RegisterPythonKernelArgs is the argument to RegisterPythonKernel.
type RegisterPythonKernelArgs struct {
	Spec KernelSpec
}

// GetOpInfoArgs is the argument to GetOpInfo.
type GetOpInfoArgs struct {
	Name string
}

// GetOpInfoReply is returned by GetOpInfo. Op carries only the op's Name;
// the columns, stencil and bounded/unbounded flag given at registration
// are not returned.
type GetOpInfoReply struct {
	Result
	Op Op
}

// JobStatus is returned by GetJobStatus.
type JobStatus struct {
	Finished      bool
	TasksDone     int
	TotalTasks    int
	JobsDone      int
	JobsFailed    int
	TotalJobs     int
	NumWorkers    int
	FailedWorkers int
	LastResult    Result
}

// NextWorkArgs is the argument to NextWork.
type NextWorkArgs struct {
	NodeID int
}

// NextWorkStatus enumerates NextWork's three possible outcomes.
type NextWorkStatus int

const (
	NextWorkHasWork NextWorkStatus = iota
	NextWorkWait
	NextWorkNoMoreWork
)

// NextWorkReply is returned by NextWork.
type NextWorkReply struct {
	Status     NextWorkStatus
	TableID    int
	JobIndex   int
	TaskIndex  int
	OutputRows []int
}

// FinishedWorkArgs is the argument to FinishedWork.
type FinishedWorkArgs struct {
	NodeID    int
	JobIndex  int
	TaskIndex int
	NumRows   int
}

// FinishedJobArgs is the argument to FinishedJob.
type FinishedJobArgs struct {
	NodeID int
}

// IngestVideosArgs is the argument to IngestVideos.
type IngestVideosArgs struct {
	TableName string
	Paths     []string
}

// IngestVideosReply is returned by IngestVideos.
type IngestVideosReply struct {
	Result
	FailedPaths []string
}

// Empty is used for RPCs that take or return no meaningful payload.
type Empty struct{}
