package dispatch

import (
	"testing"

	"github.com/shoenig/test/must"
)

func newTestState() *State {
	return NewState(1, []Task{
		{JobIndex: 0, TaskIndex: 0, TableID: 10, EndRows: []int{0, 64}},
		{JobIndex: 0, TaskIndex: 1, TableID: 10, EndRows: []int{64, 128}},
		{JobIndex: 0, TaskIndex: 2, TableID: 10, EndRows: []int{128, 192}},
	})
}

func TestNextDispatchesFIFO(t *testing.T) {
	s := newTestState()

	t1, wait, done := s.Next(1)
	must.False(t, wait)
	must.False(t, done)
	must.Eq(t, 0, t1.TaskIndex)

	t2, _, _ := s.Next(1)
	must.Eq(t, 1, t2.TaskIndex)
}

func TestNextWaitsWhenDrained(t *testing.T) {
	s := newTestState()
	for i := 0; i < 3; i++ {
		s.Next(1)
	}
	_, wait, done := s.Next(1)
	must.True(t, wait)
	must.False(t, done)
}

func TestFinishMarksJobDone(t *testing.T) {
	s := newTestState()
	for i := 0; i < 3; i++ {
		task, _, _ := s.Next(1)
		jobDone := s.Finish(1, task.JobIndex, task.TaskIndex)
		if i < 2 {
			must.False(t, jobDone)
		} else {
			must.True(t, jobDone)
		}
	}
}

func TestReassignWorkerRequeuesToFront(t *testing.T) {
	s := newTestState()
	s.Next(1) // task 0 to worker 1
	s.Next(1) // task 1 to worker 1

	over := s.ReassignWorker(1, 5)
	must.Eq(t, 0, len(over))

	// Reassigned tasks are retried before any fresh task: task 2 was never
	// dispatched yet, so the next two Next() calls should return the
	// reassigned tasks (0 and 1) before task 2.
	next, _, _ := s.Next(2)
	must.True(t, next.TaskIndex == 0 || next.TaskIndex == 1)
}

func TestReassignWorkerCrossesBlacklistThreshold(t *testing.T) {
	s := NewState(1, []Task{{JobIndex: 0, TaskIndex: 0, TableID: 10, EndRows: []int{0, 64}}})

	var over []int64
	for i := 1; i <= 5; i++ {
		task, wait, done := s.Next(1)
		must.False(t, wait)
		must.False(t, done)
		must.Eq(t, 0, task.TaskIndex)

		over = s.ReassignWorker(1, 5)
		if i < 5 {
			must.Eq(t, 0, len(over))
		}
	}
	must.Eq(t, 1, len(over))
}

func TestHasWorkOutstanding(t *testing.T) {
	s := newTestState()
	must.False(t, s.HasWorkOutstanding())
	s.Next(1)
	must.True(t, s.HasWorkOutstanding())
}

func TestBlacklistJobCountsRemainingTasksDone(t *testing.T) {
	s := newTestState()
	task, _, _ := s.Next(1) // task 0 dispatched; tasks 1 and 2 still queued
	must.Eq(t, 0, task.TaskIndex)

	newly, jobDone := s.BlacklistJob(0)
	must.True(t, newly)
	must.True(t, jobDone) // the job's only job index is now fully accounted for

	done, total := s.Progress()
	must.Eq(t, total, done)
	must.True(t, s.IsBlacklisted(0))

	// Blacklisting again reports no change and doesn't double-count.
	newly, _ = s.BlacklistJob(0)
	must.False(t, newly)
	done2, _ := s.Progress()
	must.Eq(t, done, done2)
}

func TestNextDropsTasksFromABlacklistedJob(t *testing.T) {
	s := newTestState()
	s.Next(1) // task 0 dispatched, outstanding

	_, jobDone := s.BlacklistJob(0)
	must.True(t, jobDone)

	// Tasks 1 and 2 were still sitting unallocated; BlacklistJob purged them
	// from the deque, so Next finds nothing left and reports done rather
	// than handing out abandoned work.
	_, wait, done := s.Next(2)
	must.False(t, wait)
	must.True(t, done)
}

func TestReassignWorkerPreservesTaskPayloadOnRequeue(t *testing.T) {
	s := newTestState()
	task, _, _ := s.Next(1)
	must.Eq(t, 10, task.TableID)

	s.ReassignWorker(1, 5)
	requeued, _, _ := s.Next(2)
	must.Eq(t, 10, requeued.TableID)
	must.Eq(t, []int{0, 64}, requeued.EndRows)
}
