// Package dag is the DAG Analyzer of spec.md §4.2. It validates a job's
// operator graph, maps input-op indices to source columns, and derives the
// row counts the Task Partitioner needs — reconstructed from the call
// sites of the validate_jobs_and_ops / determine_input_rows_to_slices /
// derive_slice_final_output_rows trio in the original C++ master.cpp.
package dag

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/framepipe/coordinator/api"
)

// InputOpName is the reserved structural op name marking a job's
// table-bound leaf; the required sink is api.OutputSentinel.
const (
	InputOpName = "INPUT"
)

// TableInfo is what the analyzer needs to know about a table referenced as
// job input: its columns (for column resolution) and its row count (for
// slice/total row derivation).
type TableInfo struct {
	Columns []api.Column
	NumRows int
}

// TableLookup resolves input table names. internal/catalog's Facade
// satisfies this via a small adapter so dag never imports catalog directly.
type TableLookup interface {
	LookupTable(name string) (TableInfo, bool)
}

// OpLookup resolves a registered op's column schema, needed when an op's
// input columns must be cross-referenced against the registry rather than
// the literal Job.Ops slice (spec.md §4.3's process-wide op registry).
type OpLookup interface {
	LookupOp(name string) (api.Op, bool)
}

// AnalysisError is the structured validation error spec.md §7 requires:
// reported before any persisted mutation.
type AnalysisError struct {
	JobIndex int
	Field    string
	Msg      string
}

func (e *AnalysisError) Error() string {
	if e.JobIndex >= 0 {
		return fmt.Sprintf("job %d: %s: %s", e.JobIndex, e.Field, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// JobInfo is the per-job result of analysis.
type JobInfo struct {
	// InputOpColumn maps an INPUT op's index to the resolved source column.
	InputOpColumn map[int]api.Column
	// OutputColumns is the last user op's output columns — the schema the
	// output table is created with.
	OutputColumns []api.Column
	// SliceOpIndex/SliceGroupRows describe the job's single slice family, if
	// any; SliceOpIndex is -1 when the job has no slice op. SliceGroupRows
	// is the exact per-group row count, in order — the Task Partitioner
	// must place one task boundary at the end of every group, never
	// straddling one (spec.md §4.4, P6).
	SliceOpIndex    int
	SliceGroupRows  []int
	TotalOutputRows int
}

// Info is the analyzer's overall result, one JobInfo per input job.
type Info struct {
	Jobs []JobInfo
}

// Analyze validates every job's DAG and computes the column/row mappings
// spec.md §4.2 names. It never mutates persisted state; callers only
// persist after Analyze succeeds.
func Analyze(tables TableLookup, ops OpLookup, jobs []api.Job) (*Info, error) {
	var result multierror.Error
	info := &Info{Jobs: make([]JobInfo, len(jobs))}

	for ji, job := range jobs {
		ji, job := ji, job
		jobInfo, err := analyzeJob(tables, ops, ji, job)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		info.Jobs[ji] = *jobInfo
	}

	if len(result.Errors) > 0 {
		return nil, result.ErrorOrNil()
	}
	return info, nil
}

func analyzeJob(tables TableLookup, ops OpLookup, ji int, job api.Job) (*JobInfo, error) {
	if len(job.Ops) == 0 {
		return nil, &AnalysisError{JobIndex: ji, Field: "ops", Msg: "job has no ops"}
	}
	last := job.Ops[len(job.Ops)-1]
	if last.Name != api.OutputSentinel {
		return nil, &AnalysisError{ji, "ops", fmt.Sprintf("DAG must terminate in a single %s sink, got %q", api.OutputSentinel, last.Name)}
	}
	for i, op := range job.Ops[:len(job.Ops)-1] {
		if op.Name == api.OutputSentinel {
			return nil, &AnalysisError{ji, "ops", fmt.Sprintf("%s sink must be the only sink, found a second one at op %d", api.OutputSentinel, i)}
		}
	}

	// Map input-op-index -> resolved source column (spec.md §4.2(a)).
	inputOpColumn := map[int]api.Column{}
	for _, bind := range job.Inputs {
		if bind.OpIndex < 0 || bind.OpIndex >= len(job.Ops) {
			return nil, &AnalysisError{ji, "inputs", fmt.Sprintf("input binding references out-of-range op index %d", bind.OpIndex)}
		}
		if job.Ops[bind.OpIndex].Name != InputOpName {
			return nil, &AnalysisError{ji, "inputs", fmt.Sprintf("op %d bound as input is not an %s op", bind.OpIndex, InputOpName)}
		}
		table, ok := tables.LookupTable(bind.TableName)
		if !ok {
			return nil, &AnalysisError{ji, "inputs", fmt.Sprintf("unknown input table %q", bind.TableName)}
		}
		var found *api.Column
		for _, c := range table.Columns {
			if c.Name == bind.ColumnName {
				c := c
				found = &c
				break
			}
		}
		if found == nil {
			return nil, &AnalysisError{ji, "inputs", fmt.Sprintf("table %q has no column %q", bind.TableName, bind.ColumnName)}
		}
		inputOpColumn[bind.OpIndex] = *found
	}

	// At most one slice family per job (spec.md §4.2 policy).
	sliceOpIdx := -1
	for i, op := range job.Ops {
		if op.IsSlice {
			if sliceOpIdx != -1 {
				return nil, &AnalysisError{ji, "ops", "at most one slice family is supported per job"}
			}
			sliceOpIdx = i
		}
	}

	// Column-info resolution for the sink's inputs, walking through
	// built-in (structural) ops transparently — mirrors
	// determine_column_info in the original C++ master.cpp.
	outputCols := make([]api.Column, 0, len(last.Inputs))
	for _, inputOpName := range last.Inputs {
		col, err := resolveColumn(job, ops, inputOpColumn, inputOpName, ji)
		if err != nil {
			return nil, err
		}
		outputCols = append(outputCols, col)
	}

	// Row-count derivation. The job's total output row count is the largest
	// row count among its bound input tables; for a sliced job with explicit
	// SliceGroupRows, the sum of those groups replaces it below. The
	// partitioner (partition.PlanJob) turns these counts into exact task
	// boundaries.
	total := 0
	found := false
	for _, bind := range job.Inputs {
		table, _ := tables.LookupTable(bind.TableName)
		if !found || table.NumRows > total {
			total = table.NumRows
			found = true
		}
	}
	if !found {
		return nil, &AnalysisError{ji, "inputs", "job has no input table bindings"}
	}

	var sliceGroupRows []int
	if sliceOpIdx != -1 {
		sliceGroupRows = job.Ops[sliceOpIdx].SliceGroupRows
		if len(sliceGroupRows) == 0 {
			// No explicit per-group sizes: the whole bound table is one
			// slice group (determine_slice_final_output_rows's fallback
			// when a job's slice op doesn't subdivide its input further).
			sliceGroupRows = []int{total}
		} else {
			// Explicit groups are the ground truth for this job's total
			// output row count (spec.md §4.2(c)), since a slice op may
			// subdivide a bound table into groups that don't sum to its
			// full row count (e.g. a held-out tail).
			sum := 0
			for _, n := range sliceGroupRows {
				sum += n
			}
			total = sum
		}
	}

	return &JobInfo{
		InputOpColumn:   inputOpColumn,
		OutputColumns:   outputCols,
		SliceOpIndex:    sliceOpIdx,
		SliceGroupRows:  sliceGroupRows,
		TotalOutputRows: total,
	}, nil
}

// resolveColumn finds the Column an op-input reference refers to, walking
// through the built-in structural ops (see isBuiltin) as pass-throughs:
// a reference to a structural op resolves through whichever of that op's
// own inputs names the same column.
func resolveColumn(job api.Job, ops OpLookup, inputOpColumn map[int]api.Column, opInputName string, ji int) (api.Column, error) {
	// opInputName is of the form "<opIndex>:<column>" produced by the CLI /
	// client when building a Job; callers constructing Jobs directly set
	// Op.Inputs to those same encoded references.
	opIdx, col, err := splitOpInput(opInputName)
	if err != nil {
		return api.Column{}, &AnalysisError{ji, "ops", err.Error()}
	}
	if opIdx < 0 || opIdx >= len(job.Ops) {
		return api.Column{}, &AnalysisError{ji, "ops", fmt.Sprintf("op input references out-of-range op index %d", opIdx)}
	}
	op := job.Ops[opIdx]

	if op.Name == InputOpName {
		c, ok := inputOpColumn[opIdx]
		if !ok {
			return api.Column{}, &AnalysisError{ji, "inputs", fmt.Sprintf("%s op %d has no resolved input binding", InputOpName, opIdx)}
		}
		return c, nil
	}

	if isBuiltin(op.Name) {
		// Structural op: walk through to whichever of its own inputs
		// produced the named column.
		for _, in := range op.Inputs {
			_, innerCol, err := splitOpInput(in)
			if err == nil && innerCol == col {
				return resolveColumn(job, ops, inputOpColumn, in, ji)
			}
		}
		return api.Column{}, &AnalysisError{ji, "ops", fmt.Sprintf("structural op %d has no input column %q", opIdx, col)}
	}

	// A registered user op: its own declared Columns are authoritative.
	if registered, ok := ops.LookupOp(op.Name); ok {
		for _, c := range registered.Columns {
			if c.Name == col {
				return c, nil
			}
		}
	}
	for _, c := range op.Columns {
		if c.Name == col {
			return c, nil
		}
	}
	return api.Column{}, &AnalysisError{ji, "ops", fmt.Sprintf("op %q has no output column %q", op.Name, col)}
}

func isBuiltin(name string) bool {
	switch name {
	case "SLICE", "UNSLICE", "SAMPLE", "SPACE", "PASS":
		return true
	default:
		return false
	}
}

func splitOpInput(s string) (int, string, error) {
	var opIdx int
	var col string
	n, err := fmt.Sscanf(s, "%d:%s", &opIdx, &col)
	if err != nil || n != 2 {
		return 0, "", fmt.Errorf("malformed op input reference %q, want \"<opIndex>:<column>\"", s)
	}
	return opIdx, col, nil
}
