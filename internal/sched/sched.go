// Package sched implements the priority round-robin preemptive
// scheduler: tick accounting, the next-runnable scan, sleeper wakeup and
// the context switch itself, across the kernel's own process table
// records rather than goroutines.
package sched

import (
	"github.com/go-logr/logr"
	"github.com/iansmith/alteo/internal/asm"
	"github.com/iansmith/alteo/internal/proc"
)

// Stats mirrors "total switches, ticks per priority, idle ticks".
type Stats struct {
	TotalSwitches uint64
	TicksByPriority [4]uint64
	IdleTicks     uint64
}

// Scheduler holds run-queue scan state. A package-level singleton, same
// "owned-once" pattern as internal/mm/pmm and internal/proc.
type Scheduler struct {
	log       logr.Logger
	table     *proc.Table
	currentSP *uintptr
	cursor    int
	tick      uint64
	stats     Stats
}

var global *Scheduler

// switchContextFn is indirected (production: asm.SwitchContext) so tests
// can drive the scan/selection logic without actually swapping stack
// pointers, which would corrupt a userspace test goroutine's stack.
var switchContextFn = asm.SwitchContext

// UseNoopSwitchForTest substitutes fn for asm.SwitchContext; fn must
// still honor the (oldSP *uintptr, newSP uintptr) contract by writing
// something into *oldSP, since production code reads it back on the next
// switch.
func UseNoopSwitchForTest(fn func(oldSP *uintptr, newSP uintptr)) {
	switchContextFn = fn
}

// Init builds the scheduler around table, with pid 0 (idle) as the
// initially running process.
func Init(log logr.Logger, table *proc.Table) *Scheduler {
	idle, _ := table.Get(0)
	idle.State = proc.StateRunning
	proc.SetCurrentPid(0)

	s := &Scheduler{
		log:       log,
		table:     table,
		currentSP: &idle.SavedSP,
	}
	global = s
	if log.GetSink() != nil {
		log.Info("scheduler initialized")
	}
	return s
}

// Global returns the singleton built by Init.
func Global() *Scheduler { return global }

// Stats reports the running counters.
func (s *Scheduler) Stats() Stats { return s.stats }

// Tick accounts one timer tick. It decrements the running process's
// remaining slice, wakes any sleeper whose deadline has arrived, and —
// when the slice is exhausted — switches to the next runnable process.
// cmd/kernel does not install it on a timer vector; it runs only when a
// caller invokes it.
func (s *Scheduler) Tick() {
	s.tick++

	for _, p := range s.table.All() {
		if p.State == proc.StateSleeping && p.SleepDeadline <= s.tick {
			p.State = proc.StateReady
			p.RemainSlice = p.DefaultSlice
		}
	}

	current, ok := s.table.Get(proc.CurrentPid())
	if !ok {
		return
	}

	if current.Pid != 0 {
		s.stats.TicksByPriority[current.Priority]++
	} else {
		s.stats.IdleTicks++
	}

	if current.RemainSlice > 0 {
		current.RemainSlice--
	}
	if current.RemainSlice > 0 {
		return
	}

	s.switchToNext(current)
}

// pickNext selects the highest-priority ready process, breaking ties by
// rotating the scan start point across calls for fairness. Falls
// back to pid 0 (idle) when nothing else is ready.
func (s *Scheduler) pickNext(exclude int) *proc.Process {
	all := s.table.All()
	if len(all) == 0 {
		idle, _ := s.table.Get(0)
		return idle
	}

	var best *proc.Process
	n := len(all)
	start := s.cursor
	for i := 0; i < n; i++ {
		p := all[(start+i)%n]
		if p.State != proc.StateReady {
			continue
		}
		if p.Pid == exclude {
			continue
		}
		if best == nil || p.Priority < best.Priority {
			best = p
			s.cursor = (start + i + 1) % n
		}
	}

	if best == nil {
		idle, _ := s.table.Get(0)
		return idle
	}
	return best
}

// switchToNext performs the actual context switch away from current,
// refilling its slice if it is still ready (quantum expiry, not a block/
// sleep/exit) and marking the chosen successor running.
func (s *Scheduler) switchToNext(current *proc.Process) {
	if current.State == proc.StateRunning {
		current.State = proc.StateReady
		current.RemainSlice = current.DefaultSlice
	}

	next := s.pickNext(current.Pid)
	if next.Pid == current.Pid {
		current.State = proc.StateRunning
		return
	}

	next.State = proc.StateRunning
	proc.SetCurrentPid(next.Pid)
	s.stats.TotalSwitches++

	oldSPSlot := &current.SavedSP
	switchContextFn(oldSPSlot, next.SavedSP)
}

// Yield voluntarily gives up the remainder of the current process's
// slice, the cooperative counterpart to Tick's preemptive path.
func (s *Scheduler) Yield() {
	current, ok := s.table.Get(proc.CurrentPid())
	if !ok {
		return
	}
	current.RemainSlice = 0
	s.switchToNext(current)
}

// Block transitions the current process out of the run queue entirely
// (distinct from a slice-exhausted reschedule: it will not become ready
// again until something explicitly wakes it).
func (s *Scheduler) Block() {
	current, ok := s.table.Get(proc.CurrentPid())
	if !ok {
		return
	}
	current.State = proc.StateBlocked
	s.switchToNext(current)
}

// Wake moves a blocked process back to ready.
func (s *Scheduler) Wake(pid int) {
	p, ok := s.table.Get(pid)
	if !ok || p.State != proc.StateBlocked {
		return
	}
	p.State = proc.StateReady
	p.RemainSlice = p.DefaultSlice
}

// Sleep transitions the current process to sleeping until tick deadline.
func (s *Scheduler) Sleep(deadline uint64) {
	current, ok := s.table.Get(proc.CurrentPid())
	if !ok {
		return
	}
	current.State = proc.StateSleeping
	current.SleepDeadline = deadline
	s.switchToNext(current)
}
