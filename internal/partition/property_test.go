package partition

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/framepipe/coordinator/internal/dag"
)

// TestPlanJobBoundariesAreMonotonicAndComplete checks the invariant every
// Plan must hold regardless of input shape: boundaries strictly increase and
// the last one always equals the job's total row count (P2's "total_tasks_
// used == total_tasks" conservation property, restated over row ranges
// rather than task counts).
func TestPlanJobBoundariesAreMonotonicAndComplete(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		totalRows := rapid.IntRange(0, 10_000).Draw(rt, "totalRows")
		ioPacketSize := rapid.IntRange(1, 2_000).Draw(rt, "ioPacketSize")

		info := dag.JobInfo{TotalOutputRows: totalRows, SliceOpIndex: -1}
		plan := PlanJob(info, ioPacketSize)

		if totalRows <= 0 {
			if len(plan.EndRows) != 0 {
				rt.Fatalf("expected no tasks for totalRows=%d, got %v", totalRows, plan.EndRows)
			}
			return
		}

		prev := 0
		for _, end := range plan.EndRows {
			if end <= prev {
				rt.Fatalf("boundaries not strictly increasing: %v", plan.EndRows)
			}
			prev = end
		}
		if plan.EndRows[len(plan.EndRows)-1] != totalRows {
			rt.Fatalf("last boundary %d != totalRows %d", plan.EndRows[len(plan.EndRows)-1], totalRows)
		}
	})
}

// TestPlanJobSlicedNeverStraddlesAGroupBoundary is P6 (slice alignment):
// every task boundary for a sliced job lands exactly at the end of one
// slice group, never partway through one — even when groups have different
// sizes and io_packet_size has no relation to any of them.
func TestPlanJobSlicedNeverStraddlesAGroupBoundary(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		groups := rapid.SliceOfN(rapid.IntRange(1, 5_000), 1, 10).Draw(rt, "groups")
		ioPacketSize := rapid.IntRange(1, 2_000).Draw(rt, "ioPacketSize")

		total := 0
		for _, g := range groups {
			total += g
		}
		info := dag.JobInfo{SliceOpIndex: 0, SliceGroupRows: groups, TotalOutputRows: total}
		plan := PlanJob(info, ioPacketSize)

		if len(plan.EndRows) != len(groups) {
			rt.Fatalf("expected one task per slice group (%d groups), got %v", len(groups), plan.EndRows)
		}
		cum := 0
		for i, g := range groups {
			cum += g
			if plan.EndRows[i] != cum {
				rt.Fatalf("boundary %d = %d, want cumulative group end %d", i, plan.EndRows[i], cum)
			}
		}
		if plan.EndRows[len(plan.EndRows)-1] != total {
			rt.Fatalf("last boundary %d != total rows %d", plan.EndRows[len(plan.EndRows)-1], total)
		}
	})
}
