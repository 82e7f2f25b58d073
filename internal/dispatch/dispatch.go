// Package dispatch is the Work Dispatcher of spec.md §4.5: the
// per-bulk-job queue of unallocated tasks, the per-worker outstanding sets,
// and the NextWork/FinishedWork/FinishedJob state transitions. Grounded on
// the task deque in master.cpp's process_job() (std::deque<TaskRequest>
// with push_back for fresh tasks and push_front for reassigned ones, so a
// failed worker's work is retried before any task that hasn't started
// yet), and instrumented with the teacher's go-metrics counters.
package dispatch

import (
	"container/list"
	"sync"

	"github.com/hashicorp/go-metrics"
	set "github.com/hashicorp/go-set/v3"
)

// Task identifies one unit of work within one job of a bulk job.
type Task struct {
	JobIndex  int
	TaskIndex int
	TableID   int
	// EndRows is the cumulative row-boundary slice for this task, carried
	// through to the worker as NextWorkReply.OutputRows.
	EndRows []int
}

// State is one bulk job's live dispatch state. Every method takes State's
// own mutex, so RPC handlers and the driver's goroutine may call it
// concurrently without holding the global work lock.
type State struct {
	mu sync.Mutex

	BulkJobID int

	// unallocated is a FIFO-fresh / LIFO-reassigned deque: new tasks are
	// pushed to the back, reassigned tasks (from a failed or finished
	// worker, or a failure retry) are pushed to the front, so the next
	// NextWork call drains urgent work first.
	unallocated *list.List // of *Task

	// perWorkerOutstanding maps node id -> set of TaskKey currently
	// assigned to that worker.
	perWorkerOutstanding map[int]*set.Set[int64]

	// failureCount maps TaskKey -> number of times a task has failed
	// (its worker died or reported failure) before completing, driving the
	// blacklist threshold the Fault Controller enforces.
	failureCount map[int64]int

	// doneTasks marks every TaskKey already counted toward tasksDone,
	// whether by a real FinishedWork or by a blacklist sweep, so the two
	// paths can race without double-counting (spec.md I3).
	doneTasks map[int64]bool

	// taskKeysByJob lists every TaskKey belonging to a job index, built
	// once at construction, so BlacklistJob can sweep a whole job's
	// remaining tasks into total_tasks_used in one step (spec.md §4.6,
	// P5).
	taskKeysByJob map[int][]int64

	// byKey looks up a task's full (TableID, EndRows) payload by TaskKey;
	// the task list is fixed at construction, so this never needs
	// updating, only consulting when ReassignWorker rebuilds a queue
	// entry from just the TaskKeys an outstanding set holds.
	byKey map[int64]*Task

	// blacklisted marks a job index as abandoned; NextWork discards any
	// task it pops belonging to a blacklisted job (spec.md §4.5).
	blacklisted map[int]bool

	tasksDone  int
	tasksTotal int
}

// TaskKey packs a task's (jobIndex, taskIndex) into the int64 registry.TaskKey
// uses, duplicated here (rather than imported) to keep dispatch free of a
// registry dependency; both packages agree on the same packing scheme.
func TaskKey(jobIndex, taskIndex int) int64 {
	return int64(jobIndex)<<32 | int64(uint32(taskIndex))
}

// JobIndexOf recovers the job index packed into a TaskKey, for callers
// (the Fault Controller) that only have the key from ReassignWorker's
// overThreshold slice.
func JobIndexOf(key int64) int {
	return int(int32(key >> 32))
}

// NewState builds a dispatcher for one bulk job from its ordered task list.
func NewState(bulkJobID int, tasks []Task) *State {
	s := &State{
		BulkJobID:            bulkJobID,
		unallocated:          list.New(),
		perWorkerOutstanding: map[int]*set.Set[int64]{},
		failureCount:         map[int64]int{},
		doneTasks:            map[int64]bool{},
		taskKeysByJob:        map[int][]int64{},
		byKey:                map[int64]*Task{},
		blacklisted:          map[int]bool{},
		tasksTotal:           len(tasks),
	}
	for i := range tasks {
		t := tasks[i]
		s.unallocated.PushBack(&t)
		key := TaskKey(t.JobIndex, t.TaskIndex)
		s.taskKeysByJob[t.JobIndex] = append(s.taskKeysByJob[t.JobIndex], key)
		s.byKey[key] = &t
	}
	return s
}

// outstandingSet returns (creating if needed) a worker's outstanding set.
func (s *State) outstandingSet(nodeID int) *set.Set[int64] {
	os, ok := s.perWorkerOutstanding[nodeID]
	if !ok {
		os = set.New[int64](0)
		s.perWorkerOutstanding[nodeID] = os
	}
	return os
}

// Next pops the next task for nodeID, or reports Wait/Done. A task is only
// handed out once per NextWork call; it stays "outstanding" for that
// worker until FinishedWork or a Fault Controller reassignment.
func (s *State) Next(nodeID int) (task *Task, wait bool, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unallocated.Len() == 0 {
		if s.tasksDone >= s.tasksTotal {
			return nil, false, true
		}
		return nil, true, false
	}

	front := s.unallocated.Front()
	s.unallocated.Remove(front)
	t := front.Value.(*Task)
	if s.blacklisted[t.JobIndex] {
		// The task's job was abandoned after this task was queued;
		// BlacklistJob already counted it toward tasksDone, so just drop
		// it and tell the worker to check back (spec.md §4.5).
		return nil, true, false
	}
	s.outstandingSet(nodeID).Insert(TaskKey(t.JobIndex, t.TaskIndex))
	metrics.IncrCounter([]string{"dispatch", "task_assigned"}, 1)
	return t, false, false
}

// Finish records task completion for nodeID, returning whether the whole
// job's task list is now exhausted.
func (s *State) Finish(nodeID, jobIndex, taskIndex int) (jobDone bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := TaskKey(jobIndex, taskIndex)
	if os, ok := s.perWorkerOutstanding[nodeID]; ok {
		os.Remove(key)
	}
	delete(s.failureCount, key)
	if !s.doneTasks[key] {
		s.doneTasks[key] = true
		s.tasksDone++
	}
	metrics.IncrCounter([]string{"dispatch", "task_finished"}, 1)
	return s.tasksDone >= s.tasksTotal
}

// BlacklistJob abandons jobIndex (spec.md §4.6's 5-failure rule): every
// one of its tasks not already finished is immediately counted toward
// total_tasks_used (P5, "blacklisting a job immediately advances the
// global completion counter by that job's remaining tasks"), and any
// copy still sitting in the unallocated deque is purged so NextWork
// never hands it out. Returns whether this crossed the job from
// not-blacklisted to blacklisted (so callers don't double-log) and
// whether the whole bulk job is now done.
func (s *State) BlacklistJob(jobIndex int) (newlyBlacklisted, jobDone bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.blacklisted[jobIndex] {
		return false, s.tasksDone >= s.tasksTotal
	}
	s.blacklisted[jobIndex] = true

	for _, key := range s.taskKeysByJob[jobIndex] {
		delete(s.failureCount, key)
		if !s.doneTasks[key] {
			s.doneTasks[key] = true
			s.tasksDone++
		}
	}
	for e := s.unallocated.Front(); e != nil; {
		next := e.Next()
		if t := e.Value.(*Task); t.JobIndex == jobIndex {
			s.unallocated.Remove(e)
		}
		e = next
	}
	metrics.IncrCounter([]string{"dispatch", "job_blacklisted"}, 1)
	return true, s.tasksDone >= s.tasksTotal
}

// IsBlacklisted reports whether jobIndex has been abandoned.
func (s *State) IsBlacklisted(jobIndex int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blacklisted[jobIndex]
}

// Progress reports the counters GetJobStatus needs.
func (s *State) Progress() (done, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasksDone, s.tasksTotal
}

// ReassignWorker requeues every task outstanding for nodeID to the front of
// the unallocated deque (so it is retried before fresh work), incrementing
// each task's failure count. It returns the TaskKeys whose failure count
// has reached blacklistThreshold; the Fault Controller blacklists the job
// owning each of them (spec.md §4.6's 5-failure rule, "total_tasks_used_
// += remaining" accounting).
func (s *State) ReassignWorker(nodeID, blacklistThreshold int) (overThreshold []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	os, ok := s.perWorkerOutstanding[nodeID]
	if !ok {
		return nil
	}
	keys := os.Slice()
	delete(s.perWorkerOutstanding, nodeID)

	for _, key := range keys {
		s.failureCount[key]++
		if s.failureCount[key] >= blacklistThreshold {
			overThreshold = append(overThreshold, key)
		}
		t, ok := s.byKey[key]
		if !ok {
			// Should be unreachable: every outstanding key was handed out
			// from a *Task built in NewState and recorded in byKey.
			jobIndex, taskIndex := JobIndexOf(key), int(int32(key))
			t = &Task{JobIndex: jobIndex, TaskIndex: taskIndex}
		}
		s.unallocated.PushFront(t)
		metrics.IncrCounter([]string{"dispatch", "task_reassigned"}, 1)
	}
	return overThreshold
}

// OutstandingCount reports how many tasks a worker currently holds, used by
// ActiveWorkers.
func (s *State) OutstandingCount(nodeID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if os, ok := s.perWorkerOutstanding[nodeID]; ok {
		return os.Size()
	}
	return 0
}

// HasWorkOutstanding reports whether any task is currently assigned to any
// worker — fault.NoWorkersTimer arms on any Poll that finds this false,
// including before the first task has been handed out.
func (s *State) HasWorkOutstanding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, os := range s.perWorkerOutstanding {
		if os.Size() > 0 {
			return true
		}
	}
	return false
}
