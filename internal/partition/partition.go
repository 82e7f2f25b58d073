// Package partition is the Task Partitioner of spec.md §4.4: turns one
// job's total/slice row counts into the concrete per-task row-boundary
// list, respecting io_packet_size chunking in the common case and slice
// group boundaries when the job has one. Grounded on the task-boundary
// derivation block of process_job() in the original C++ master.cpp (the loop
// building end_rows by io_packet_size strides, special-cased around
// slice_input_rows).
package partition

import (
	"fmt"

	"github.com/framepipe/coordinator/internal/dag"
)

// Plan is one job's partitioning: the cumulative end-row boundary of every
// task, in order. A task's row range is [Plan.EndRows[i-1], Plan.EndRows[i])
// (0 for i==0).
type Plan struct {
	EndRows []int
}

// Validate checks the io_packet_size/work_packet_size relationship spec.md
// §4.4 requires before any partitioning is attempted.
func Validate(ioPacketSize, workPacketSize int) error {
	if ioPacketSize <= 0 || workPacketSize <= 0 {
		return fmt.Errorf("partition: io_packet_size and work_packet_size must be positive")
	}
	if ioPacketSize%workPacketSize != 0 {
		return fmt.Errorf("partition: io_packet_size (%d) must be a positive multiple of work_packet_size (%d)", ioPacketSize, workPacketSize)
	}
	return nil
}

// PlanJob computes task boundaries for one job. When info.SliceOpIndex is -1
// the job is partitioned by plain io_packet_size chunking over
// info.TotalOutputRows; otherwise every task boundary is placed at a slice
// group edge from info.SliceGroupRows and io_packet_size plays no part —
// spec.md §4.4 guarantees boundaries "propagating the slice group's row
// boundaries through the DAG", never merged toward a packet size, so a task
// never straddles a slice edge (P6).
func PlanJob(info dag.JobInfo, ioPacketSize int) Plan {
	if info.SliceOpIndex == -1 {
		return Plan{EndRows: chunk(info.TotalOutputRows, ioPacketSize)}
	}
	return Plan{EndRows: sliceBoundaries(info.SliceGroupRows)}
}

// sliceBoundaries turns a list of per-group row counts into the cumulative
// end-row boundary list the Dispatcher expects, one task per group.
func sliceBoundaries(groupRows []int) []int {
	var ends []int
	cum := 0
	for _, n := range groupRows {
		if n <= 0 {
			continue
		}
		cum += n
		ends = append(ends, cum)
	}
	return ends
}

// chunk produces strict io_packet_size strides, with a final short task for
// the remainder, the same shape as master.cpp's non-sliced partitioning
// loop.
func chunk(totalRows, ioPacketSize int) []int {
	if totalRows <= 0 {
		return nil
	}
	var ends []int
	for end := ioPacketSize; end < totalRows; end += ioPacketSize {
		ends = append(ends, end)
	}
	ends = append(ends, totalRows)
	return ends
}
