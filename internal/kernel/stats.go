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
	"time"

	"github.com/krihaa/kernel-samples/internal/logger"
)

// SwitchStats counts context switches and accumulates switch latency by
// transition kind, indexed [from][to] with KindProcess and KindThread.
type SwitchStats struct {
	Counts [2][2]int
	Total  [2][2]time.Duration
}

// Switches returns the total number of context switches observed.
func (s SwitchStats) Switches() (n int) {
	for _, row := range s.Counts {
		for _, c := range row {
			n += c
		}
	}
	return
}

type pendingSwitch struct {
	from Kind
	at   time.Time
}

// SwitchStats returns a snapshot of the switch counters.
func (k *Kernel) SwitchStats() SwitchStats {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stats
}

// noteSwitch records that the scheduler is switching away from cr. The
// measurement completes in noteRunning, on whichever goroutine the
// scheduler hands the CPU to.
//
// LOCKS_REQUIRED(k.mu)
func (k *Kernel) noteSwitch(cr *Proc) {
	if k.halted {
		return
	}
	k.pending = &pendingSwitch{from: cr.kind, at: k.clock.Now()}
}

// noteRunning completes the switch measurement started by noteSwitch.
//
// LOCKS_REQUIRED(k.mu)
func (k *Kernel) noteRunning(p *Proc) {
	if k.pending == nil {
		return
	}
	d := k.clock.Now().Sub(k.pending.at)
	k.stats.Counts[k.pending.from][p.kind]++
	k.stats.Total[k.pending.from][p.kind] += d
	logger.Tracef(
		"context switch %v->%v: %v (count %d)",
		k.pending.from, p.kind, d, k.stats.Counts[k.pending.from][p.kind])
	k.pending = nil
}
