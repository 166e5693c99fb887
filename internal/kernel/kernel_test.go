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

package kernel

import (
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKernel() *Kernel {
	return New(timeutil.RealClock())
}

func run(t *testing.T, k *Kernel) {
	t.Helper()
	require.NoError(t, k.Run())
	select {
	case <-k.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("kernel did not halt")
	}
}

func TestRun_NoProcesses(t *testing.T) {
	k := newTestKernel()
	assert.Error(t, k.Run())
}

func TestRoundRobin_StrictOrder(t *testing.T) {
	k := newTestKernel()
	var order []int

	body := func(p *Proc) {
		for i := 0; i < 3; i++ {
			order = append(order, p.PID())
			p.Yield()
		}
	}
	k.Spawn(body)
	k.Spawn(body)
	k.Spawn(body)

	run(t, k)

	assert.Equal(t, []int{1, 2, 3, 1, 2, 3, 1, 2, 3}, order)
}

func TestExit_RemovesFromRing(t *testing.T) {
	k := newTestKernel()
	var order []int

	k.Spawn(func(p *Proc) {
		order = append(order, p.PID())
	})
	k.Spawn(func(p *Proc) {
		for i := 0; i < 2; i++ {
			order = append(order, p.PID())
			p.Yield()
		}
	})
	k.Spawn(func(p *Proc) {
		for i := 0; i < 2; i++ {
			order = append(order, p.PID())
			p.Yield()
		}
	})

	run(t, k)

	// PID 1 exits after its first slot; 2 and 3 keep alternating.
	assert.Equal(t, []int{1, 2, 3, 2, 3}, order)
}

func TestExit_MidBody(t *testing.T) {
	k := newTestKernel()
	var order []int

	k.Spawn(func(p *Proc) {
		order = append(order, p.PID())
		p.Exit()
		order = append(order, -1) // not reached
	})
	k.Spawn(func(p *Proc) {
		order = append(order, p.PID())
	})

	run(t, k)

	assert.Equal(t, []int{1, 2}, order)
}

func TestTerminate_OnlyKillsCaller(t *testing.T) {
	k := newTestKernel()
	var survived bool

	k.Spawn(func(p *Proc) {
		p.Terminate("synthetic fault")
	})
	k.Spawn(func(p *Proc) {
		survived = true
	})

	run(t, k)

	assert.True(t, survived)
}

func TestBlockUnblock_FIFO(t *testing.T) {
	k := newTestKernel()
	var q WaitQueue
	var order []string

	waiter := func(name string) func(*Proc) {
		return func(p *Proc) {
			k.EnterCritical()
			k.Block(&q)
			k.LeaveCritical()
			order = append(order, name)
		}
	}
	k.Spawn(waiter("a"))
	k.Spawn(waiter("b"))
	k.Spawn(func(p *Proc) {
		// Both waiters have blocked by the time the third slot runs.
		k.EnterCritical()
		k.Unblock(&q)
		k.Unblock(&q)
		k.LeaveCritical()
		order = append(order, "waker")
	})

	run(t, k)

	// The waker finishes its slot first; the waiters resume in FIFO
	// order after it.
	assert.Equal(t, []string{"waker", "a", "b"}, order)
}

func TestUnblock_SkipsExited(t *testing.T) {
	k := newTestKernel()

	live := k.Spawn(func(p *Proc) {})
	dead := k.Spawn(func(p *Proc) {})

	// Manufacture the §9.7 situation: an exited PCB lingering at the
	// head of a waiting queue, a live blocked one behind it.
	k.mu.Lock()
	k.current = live
	dead.state = StateExited
	var q WaitQueue
	q.push(dead)
	q.push(live)
	live.state = StateBlocked

	woken := k.Unblock(&q)
	assert.True(t, woken)
	assert.Equal(t, StateReady, live.state)
	assert.True(t, q.Empty())

	// An all-corpses queue wakes nobody.
	var q2 WaitQueue
	q2.push(dead)
	assert.False(t, k.Unblock(&q2))
	k.mu.Unlock()
}

func TestRing_Invariant(t *testing.T) {
	k := newTestKernel()
	for i := 0; i < 5; i++ {
		k.Spawn(func(p *Proc) {})
	}

	k.mu.Lock()
	p := k.ringHead
	for i := 0; i < 5; i++ {
		assert.Same(t, p, p.next.previous)
		assert.Same(t, p, p.previous.next)
		p = p.next
	}
	assert.Same(t, k.ringHead, p, "ring must close after 5 hops")
	k.mu.Unlock()
}

func TestWaitQueue_FIFO(t *testing.T) {
	var q WaitQueue
	a, b, c := &Proc{pid: 1}, &Proc{pid: 2}, &Proc{pid: 3}

	assert.True(t, q.Empty())
	q.push(a)
	q.push(b)
	q.push(c)
	assert.Equal(t, 3, q.Len())

	for want := 1; want <= 3; want++ {
		p, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, want, p.PID())
	}
	_, ok := q.pop()
	assert.False(t, ok)
}

func TestSwitchStats_CountsTransitions(t *testing.T) {
	var clock timeutil.SimulatedClock
	clock.SetTime(time.Now())
	k := New(&clock)

	k.Spawn(func(p *Proc) {
		p.Yield()
	})
	k.SpawnThread(func(p *Proc) {
		p.Yield()
	})

	run(t, k)

	stats := k.SwitchStats()
	assert.Greater(t, stats.Switches(), 0)
	// A process handed off to a thread at least once.
	assert.Greater(t, stats.Counts[KindProcess][KindThread], 0)
}

func TestGetpid(t *testing.T) {
	k := newTestKernel()
	var pids []int
	k.Spawn(func(p *Proc) { pids = append(pids, p.PID()) })
	k.SpawnThread(func(p *Proc) { pids = append(pids, p.PID()) })

	run(t, k)

	assert.Equal(t, []int{1, 2}, pids)
}
