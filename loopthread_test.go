// Copyright 2023 Kami
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

package reactor

import (
	"testing"
)

func TestLoopThread_StartLoopBlocksUntilLoopIsReady(t *testing.T) {
	var initRan bool
	th := NewLoopThread(func(l *EventLoop) { initRan = true }, "t")
	loop, err := th.StartLoop()
	if err != nil {
		t.Fatalf("StartLoop: %v", err)
	}
	if loop == nil {
		t.Fatalf("StartLoop returned a nil loop")
	}
	if !initRan {
		t.Fatalf("ThreadInitCallback did not run before StartLoop returned")
	}
	th.Stop()
}

func TestLoopThreadPool_ZeroThreadsServesFromBaseLoop(t *testing.T) {
	base, err := NewEventLoop()
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	defer base.Close()

	pool := NewLoopThreadPool(base, "pool")
	if err := pool.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := pool.NextLoop(); got != base {
		t.Fatalf("NextLoop() = %p, want base loop %p", got, base)
	}
}

func TestLoopThreadPool_RoundRobinsAcrossWorkers(t *testing.T) {
	base, err := NewEventLoop()
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	defer base.Close()

	pool := NewLoopThreadPool(base, "pool")
	pool.SetThreadNum(3)
	if err := pool.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	first := pool.NextLoop()
	second := pool.NextLoop()
	third := pool.NextLoop()
	fourth := pool.NextLoop()

	if first == second || second == third || first == third {
		t.Fatalf("round robin returned duplicate loops within one full cycle")
	}
	if fourth != first {
		t.Fatalf("round robin did not wrap back to the first loop after a full cycle")
	}
}
