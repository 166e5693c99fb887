// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kernel implements the scheduler core of the simulated
// operating system: the PCB state machine, the round-robin ready ring,
// and the block/unblock primitives everything else is built on.
//
// Every PCB is backed by a goroutine, but at most one of them runs at a
// time: a goroutine executes only while its PCB is current_running and
// parks on its PCB's condition variable otherwise. The kernel mutex
// stands in for the bare-metal "disable interrupts" critical section;
// EnterCritical and LeaveCritical take and release it.
package kernel

import (
	"errors"
	"sync"

	"github.com/jacobsa/timeutil"
	"github.com/krihaa/kernel-samples/internal/logger"
)

// Kernel owns the ready ring and the current_running anchor.
//
// LOCK ORDERING
//
// The kernel mutex is the innermost lock in the system: it is acquired
// with no other kernel mutex held, and nothing may be acquired while
// holding it. Subsystem locks (memory, mailbox, filesystem) are built ON
// it via Block/Unblock, so acquiring one of those enters and leaves the
// critical section internally.
type Kernel struct {
	clock timeutil.Clock

	mu sync.Mutex

	// The PCB currently executing.
	//
	// INVARIANT: non-nil from Run until halt
	//
	// GUARDED_BY(mu)
	current *Proc

	// Anchor for building the initial ring before Run.
	//
	// GUARDED_BY(mu)
	ringHead *Proc

	// GUARDED_BY(mu)
	nextPID int

	// GUARDED_BY(mu)
	halted bool

	// Closed when the last PCB exits.
	done chan struct{}

	// Context-switch accounting. See stats.go.
	//
	// GUARDED_BY(mu)
	stats   SwitchStats
	pending *pendingSwitch
}

// New creates a kernel with no processes. The clock drives context-switch
// timing; pass timeutil.RealClock() outside tests.
func New(clock timeutil.Clock) *Kernel {
	return &Kernel{
		clock:   clock,
		nextPID: 1,
		done:    make(chan struct{}),
	}
}

////////////////////////////////////////////////////////////////////////
// Process creation
////////////////////////////////////////////////////////////////////////

func (k *Kernel) spawn(body func(*Proc), kind Kind, state State) *Proc {
	k.mu.Lock()
	defer k.mu.Unlock()

	p := &Proc{
		k:     k,
		pid:   k.nextPID,
		kind:  kind,
		body:  body,
		state: state,
	}
	k.nextPID++
	p.wake = sync.NewCond(&k.mu)

	// Insert at the tail of the ring, i.e. immediately before the head.
	if k.ringHead == nil {
		p.next = p
		p.previous = p
		k.ringHead = p
	} else {
		tail := k.ringHead.previous
		p.previous = tail
		p.next = k.ringHead
		tail.next = p
		k.ringHead.previous = p
	}
	return p
}

// Spawn adds a user process to the ready ring in FIRST_TIME state. The
// body runs on its own goroutine once the scheduler first dispatches it;
// returning from body exits the process.
func (k *Kernel) Spawn(body func(*Proc)) *Proc {
	return k.spawn(body, KindProcess, StateFirstTime)
}

// SpawnThread adds a kernel thread. Threads share the kernel page
// directory instead of getting their own.
func (k *Kernel) SpawnThread(body func(*Proc)) *Proc {
	return k.spawn(body, KindThread, StateFirstTimeThread)
}

// Run dispatches the first spawned PCB and blocks until every PCB has
// exited.
func (k *Kernel) Run() error {
	k.mu.Lock()
	if k.ringHead == nil {
		k.mu.Unlock()
		return errors.New("kernel: nothing to run")
	}
	k.current = k.ringHead
	k.dispatch()
	k.mu.Unlock()

	<-k.done
	return nil
}

// Done is closed when the last PCB exits.
func (k *Kernel) Done() <-chan struct{} {
	return k.done
}

// Current returns the PCB currently executing. Only meaningful when
// called from a process body or while the kernel is halted.
func (k *Kernel) Current() *Proc {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

////////////////////////////////////////////////////////////////////////
// Critical sections
////////////////////////////////////////////////////////////////////////

// EnterCritical suspends scheduling decisions; the user-space equivalent
// of disabling interrupts.
func (k *Kernel) EnterCritical() {
	k.mu.Lock()
}

// LeaveCritical ends the critical section.
func (k *Kernel) LeaveCritical() {
	k.mu.Unlock()
}

////////////////////////////////////////////////////////////////////////
// Scheduling
////////////////////////////////////////////////////////////////////////

// Yield gives up the CPU; the caller resumes after one full round of the
// ready ring.
func (k *Kernel) Yield() {
	k.mu.Lock()
	k.schedulerEntry()
	k.mu.Unlock()
}

// Block marks the current PCB blocked, appends it to q, and switches to
// the next ready PCB. It returns when the PCB is unblocked and scheduled
// again.
//
// LOCKS_REQUIRED(critical section)
func (k *Kernel) Block(q *WaitQueue) {
	p := k.current
	p.state = StateBlocked
	q.push(p)
	k.schedulerEntry()
}

// Unblock pops the head of q, marks it ready and inserts it immediately
// before current_running, so it runs after one full round. PCBs that
// exited while queued are discarded rather than rescheduled; Unblock
// reports whether a live PCB was actually woken.
//
// LOCKS_REQUIRED(critical section)
func (k *Kernel) Unblock(q *WaitQueue) bool {
	for {
		p, ok := q.pop()
		if !ok {
			return false
		}
		if p.state == StateExited {
			continue
		}
		p.state = StateReady
		p.previous = k.current.previous
		p.next = k.current
		k.current.previous.next = p
		k.current.previous = p
		return true
	}
}

// schedulerEntry is the context-switch trampoline: it runs the scheduler
// and parks the calling goroutine until its PCB is current_running again.
// A goroutine whose PCB exited returns immediately so it can unwind.
//
// LOCKS_REQUIRED(k.mu)
func (k *Kernel) schedulerEntry() {
	p := k.current
	k.scheduler()
	if p.state == StateExited || k.halted {
		return
	}
	for k.current != p {
		p.wake.Wait()
	}
	k.noteRunning(p)
}

// scheduler picks the next PCB. Blocked and exited PCBs are spliced out
// of the ready ring; exit of the last PCB halts the kernel.
//
// LOCKS_REQUIRED(k.mu)
func (k *Kernel) scheduler() {
	cr := k.current
	if cr.state == StateBlocked || cr.state == StateExited {
		if cr.state == StateExited && cr.next == cr {
			logger.Infof("All processes have exited")
			k.halted = true
			close(k.done)
			return
		}
		cr.previous.next = cr.next
		cr.next.previous = cr.previous
		k.current = cr.next
		// The ring links are reused as nothing while off the ring; clear
		// them so a stale splice cannot corrupt the ring.
		cr.next = nil
		cr.previous = nil
	} else {
		k.current = k.current.next
	}
	k.noteSwitch(cr)
	k.dispatch()
}

// dispatch starts never-run PCBs and wakes resumed ones. A PCB picked
// while its goroutine is already running (yield with a single ready PCB)
// needs neither: the caller's wait predicate is already satisfied.
//
// LOCKS_REQUIRED(k.mu)
func (k *Kernel) dispatch() {
	p := k.current
	switch p.state {
	case StateFirstTime:
		p.state = StateReady
		k.startProcess(p)
	case StateFirstTimeThread:
		p.state = StateReady
		k.startThread(p)
	default:
		p.wake.Signal()
	}
}

func (k *Kernel) startProcess(p *Proc) { k.start(p) }
func (k *Kernel) startThread(p *Proc)  { k.start(p) }

// start launches the goroutine backing p. The goroutine waits its first
// turn, runs the body, and performs the exit transition when the body
// returns or unwinds via Exit/Terminate.
func (k *Kernel) start(p *Proc) {
	go func() {
		k.mu.Lock()
		for k.current != p {
			p.wake.Wait()
		}
		k.noteRunning(p)
		k.mu.Unlock()

		defer k.finish(p)
		p.body(p)
	}()
}

// finish is deferred by every PCB goroutine: it absorbs the Exit
// sentinel, re-raises real panics, and retires the PCB.
func (k *Kernel) finish(p *Proc) {
	if r := recover(); r != nil {
		if _, ok := r.(procExitSentinel); !ok {
			panic(r)
		}
	}
	k.mu.Lock()
	p.state = StateExited
	k.schedulerEntry()
	k.mu.Unlock()
}
