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
	"sync"

	"go.uber.org/multierr"
)

// ThreadInitCallback runs once per worker loop, on that loop's own
// goroutine, before it starts serving connections.
type ThreadInitCallback func(loop *EventLoop)

// LoopThread binds one EventLoop to one goroutine, the Go analogue of
// EventLoopThread: "one loop per thread" backed here by "one loop per
// goroutine locked to its own OS thread."
type LoopThread struct {
	cb   ThreadInitCallback
	name string

	mu   sync.Mutex
	cond *sync.Cond
	loop *EventLoop
	done chan struct{}
}

// NewLoopThread constructs a LoopThread. cb may be nil.
func NewLoopThread(cb ThreadInitCallback, name string) *LoopThread {
	t := &LoopThread{cb: cb, name: name, done: make(chan struct{})}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// StartLoop spawns the worker goroutine and blocks until its
// EventLoop has been constructed and is about to run, mirroring
// EventLoopThread::startLoop's condvar handshake.
func (t *LoopThread) StartLoop() (*EventLoop, error) {
	errCh := make(chan error, 1)
	go t.threadFunc(errCh)

	if err := <-errCh; err != nil {
		return nil, err
	}

	t.mu.Lock()
	for t.loop == nil {
		t.cond.Wait()
	}
	loop := t.loop
	t.mu.Unlock()
	return loop, nil
}

func (t *LoopThread) threadFunc(errCh chan error) {
	loop, err := NewEventLoop()
	if err != nil {
		errCh <- err
		return
	}
	errCh <- nil

	if t.cb != nil {
		t.cb(loop)
	}

	t.mu.Lock()
	t.loop = loop
	t.cond.Signal()
	t.mu.Unlock()

	loop.Run()

	t.mu.Lock()
	t.loop = nil
	t.mu.Unlock()
	close(t.done)
}

// Stop asks the worker loop to quit and waits for its goroutine to
// return.
func (t *LoopThread) Stop() {
	t.mu.Lock()
	loop := t.loop
	t.mu.Unlock()
	if loop != nil {
		loop.Quit()
		<-t.done
	}
}

// LoopThreadPool spawns N worker threads, each running its own
// EventLoop, and round-robins new connections across them. With
// N == 0 the base loop alone serves every connection.
type LoopThreadPool struct {
	base    *EventLoop
	name    string
	started bool

	numThreads int
	next       int
	threads    []*LoopThread
	loops      []*EventLoop
}

// NewLoopThreadPool builds a pool anchored to the acceptor's base
// loop.
func NewLoopThreadPool(base *EventLoop, name string) *LoopThreadPool {
	return &LoopThreadPool{base: base, name: name}
}

// SetThreadNum configures how many worker loops Start will spawn.
// Must be called before Start.
func (p *LoopThreadPool) SetThreadNum(n int) { p.numThreads = n }

// Start spawns numThreads worker threads, running cb (if non-nil) on
// each loop before it begins serving. Start returns only once every
// worker loop is constructed and ready.
func (p *LoopThreadPool) Start(cb ThreadInitCallback) error {
	p.started = true
	for i := 0; i < p.numThreads; i++ {
		t := NewLoopThread(cb, p.name)
		p.threads = append(p.threads, t)
		loop, err := t.StartLoop()
		if err != nil {
			return err
		}
		p.loops = append(p.loops, loop)
	}
	if p.numThreads == 0 && cb != nil {
		cb(p.base)
	}
	return nil
}

// NextLoop returns the base loop when the pool has no worker threads,
// otherwise the next worker loop in round-robin order. Only ever
// called from the base loop's thread, so next index bookkeeping needs
// no synchronization.
func (p *LoopThreadPool) NextLoop() *EventLoop {
	if len(p.loops) == 0 {
		return p.base
	}
	loop := p.loops[p.next]
	p.next = (p.next + 1) % len(p.loops)
	return loop
}

// AllLoops returns every worker loop (empty if the pool has none).
func (p *LoopThreadPool) AllLoops() []*EventLoop { return p.loops }

// Started reports whether Start has been called.
func (p *LoopThreadPool) Started() bool { return p.started }

// Stop quits and joins every worker thread, aggregating any errors
// encountered tearing down their loops.
func (p *LoopThreadPool) Stop() error {
	var err error
	for i, t := range p.threads {
		t.Stop()
		err = multierr.Append(err, p.loops[i].Close())
	}
	return err
}
