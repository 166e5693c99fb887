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

// Package ksync provides the scheduler-integrated synchronization
// primitives: locks, condition variables, semaphores and barriers, all
// built on the kernel's Block/Unblock inside critical sections. These
// primitives never fail; initialization exactly once is the caller's
// responsibility.
package ksync

import (
	"github.com/krihaa/kernel-samples/internal/kernel"
)

////////////////////////////////////////////////////////////////////////
// Lock
////////////////////////////////////////////////////////////////////////

// Lock is a FIFO mutual-exclusion lock. Release with waiters hands
// ownership directly to the head of the queue: the lock never becomes
// observably unlocked in between.
type Lock struct {
	k *kernel.Kernel

	// GUARDED_BY(critical section)
	locked  bool
	waiting kernel.WaitQueue
}

// NewLock returns an unlocked lock.
func NewLock(k *kernel.Kernel) *Lock {
	return &Lock{k: k}
}

// acquireHelper takes the lock or blocks the caller on its queue.
//
// LOCKS_REQUIRED(critical section)
func (l *Lock) acquireHelper() {
	if !l.locked {
		l.locked = true
	} else {
		l.k.Block(&l.waiting)
	}
}

// Acquire blocks until the lock is held by the calling PCB.
func (l *Lock) Acquire() {
	l.k.EnterCritical()
	l.acquireHelper()
	l.k.LeaveCritical()
}

// Release unlocks, or transfers ownership to the first waiter. If every
// queued waiter has exited in the meantime the lock becomes free.
func (l *Lock) Release() {
	l.k.EnterCritical()
	if !l.k.Unblock(&l.waiting) {
		l.locked = false
	}
	l.k.LeaveCritical()
}

////////////////////////////////////////////////////////////////////////
// Condition variable
////////////////////////////////////////////////////////////////////////

// Condition is a condition variable used together with a Lock.
type Condition struct {
	k *kernel.Kernel

	// GUARDED_BY(critical section)
	waiting kernel.WaitQueue
}

// NewCondition returns a condition variable with no waiters.
func NewCondition(k *kernel.Kernel) *Condition {
	return &Condition{k: k}
}

// Wait releases m, blocks the caller on the condition, and reacquires m
// once woken. The release happens before the critical section around the
// block is entered, so a signal arriving in that window finds no waiter
// yet; signals are drops, not counts, and callers must re-check their
// predicate in a loop.
func (c *Condition) Wait(m *Lock) {
	m.Release()
	c.k.EnterCritical()
	c.k.Block(&c.waiting)
	m.acquireHelper()
	c.k.LeaveCritical()
}

// Signal wakes the first waiter, if any.
func (c *Condition) Signal() {
	c.k.EnterCritical()
	if !c.waiting.Empty() {
		c.k.Unblock(&c.waiting)
	}
	c.k.LeaveCritical()
}

// Broadcast wakes every waiter.
func (c *Condition) Broadcast() {
	c.k.EnterCritical()
	for !c.waiting.Empty() {
		c.k.Unblock(&c.waiting)
	}
	c.k.LeaveCritical()
}

////////////////////////////////////////////////////////////////////////
// Semaphore
////////////////////////////////////////////////////////////////////////

// Semaphore is a counting semaphore. While the counter is negative its
// magnitude equals the number of blocked waiters.
type Semaphore struct {
	k *kernel.Kernel

	// GUARDED_BY(critical section)
	counter int
	waiting kernel.WaitQueue
}

// NewSemaphore returns a semaphore with the given initial count.
func NewSemaphore(k *kernel.Kernel, value int) *Semaphore {
	return &Semaphore{k: k, counter: value}
}

// Up increments the counter and wakes a waiter when one exists.
func (s *Semaphore) Up() {
	s.k.EnterCritical()
	s.counter++
	if s.counter >= 0 && !s.waiting.Empty() {
		s.k.Unblock(&s.waiting)
	}
	s.k.LeaveCritical()
}

// Down decrements the counter, blocking while it is negative.
func (s *Semaphore) Down() {
	s.k.EnterCritical()
	s.counter--
	if s.counter < 0 {
		s.k.Block(&s.waiting)
	}
	s.k.LeaveCritical()
}

////////////////////////////////////////////////////////////////////////
// Barrier
////////////////////////////////////////////////////////////////////////

// Barrier releases its waiters in batches of reach arrivals. The arrival
// counter resets on release, so the barrier can be reused.
type Barrier struct {
	k *kernel.Kernel

	// GUARDED_BY(critical section)
	counter int
	reach   int
	waiting kernel.WaitQueue
}

// NewBarrier returns a barrier that opens after n arrivals.
func NewBarrier(k *kernel.Kernel, n int) *Barrier {
	return &Barrier{k: k, reach: n}
}

// Wait blocks until reach PCBs have arrived; the last arrival wakes the
// rest and resets the barrier.
func (b *Barrier) Wait() {
	b.k.EnterCritical()
	b.counter++
	if b.counter == b.reach {
		for !b.waiting.Empty() {
			b.k.Unblock(&b.waiting)
		}
		b.counter = 0
	} else {
		b.k.Block(&b.waiting)
	}
	b.k.LeaveCritical()
}
