package partition

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/framepipe/coordinator/internal/dag"
)

func TestValidate(t *testing.T) {
	must.NoError(t, Validate(256, 64))
	must.Error(t, Validate(0, 64))
	must.Error(t, Validate(100, 64))
}

func TestChunkExact(t *testing.T) {
	ends := chunk(256, 64)
	must.Eq(t, []int{64, 128, 192, 256}, ends)
}

func TestChunkRemainder(t *testing.T) {
	ends := chunk(200, 64)
	must.Eq(t, []int{64, 128, 192, 200}, ends)
}

func TestChunkSmallerThanPacket(t *testing.T) {
	ends := chunk(10, 64)
	must.Eq(t, []int{10}, ends)
}

func TestPlanJobNoSlice(t *testing.T) {
	info := dag.JobInfo{SliceOpIndex: -1, TotalOutputRows: 130}
	plan := PlanJob(info, 64)
	must.Eq(t, []int{64, 128, 130}, plan.EndRows)
}

func TestPlanJobWithSlice(t *testing.T) {
	info := dag.JobInfo{SliceOpIndex: 2, SliceGroupRows: []int{64, 64, 64, 64}, TotalOutputRows: 256}
	plan := PlanJob(info, 64)
	must.Eq(t, []int{64, 128, 192, 256}, plan.EndRows)
}

func TestPlanJobWithUnevenSliceGroups(t *testing.T) {
	// spec.md §8 scenario 5: groups [10, 20, 30] produce boundaries
	// [10, 30, 60], regardless of io_packet_size.
	info := dag.JobInfo{SliceOpIndex: 0, SliceGroupRows: []int{10, 20, 30}, TotalOutputRows: 60}
	plan := PlanJob(info, 100)
	must.Eq(t, []int{10, 30, 60}, plan.EndRows)
}

func TestPlanJobZeroRows(t *testing.T) {
	info := dag.JobInfo{SliceOpIndex: -1, TotalOutputRows: 0}
	plan := PlanJob(info, 64)
	must.Eq(t, 0, len(plan.EndRows))
}
