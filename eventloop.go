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
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/govoltron/reactor/logx"
	"github.com/govoltron/reactor/poller"
)

// kPollTimeMs is the fixed poll(2)/epoll_wait(2) timeout, matching
// the source's kPollTimeMs.
const kPollTimeMs = 10 * time.Second

// EventLoop is a single-threaded reactor: it owns a Poller, the set
// of channels registered with it, a cross-thread task queue, and a
// notification fd used to break out of Poll early. Run locks the
// calling goroutine to its OS thread for the loop's lifetime and
// records that goroutine's id (the Go analogue of the source's
// thread-local t_loopInThisThread and CurrentThread::tid caching);
// while the loop is running, every other loop-affine method panics if
// called from a different goroutine without going through
// RunInLoop/QueueInLoop.
type EventLoop struct {
	pl       poller.Poller
	channels map[int]*Channel

	looping atomic.Bool
	quit    atomic.Bool
	tid     atomic.Uint64

	wakeupFD      int
	wakeupChannel *Channel

	mu             sync.Mutex
	pendingTasks   []func()
	callingPending atomic.Bool

	pollReturnTime time.Time
}

// NewEventLoop constructs a loop and its notification channel. It
// does not start running until Run is called on the thread that is
// to own it.
func NewEventLoop() (*EventLoop, error) {
	pl, err := poller.New()
	if err != nil {
		return nil, err
	}
	wakeupFD, err := newWakeupFD()
	if err != nil {
		pl.Close()
		return nil, err
	}

	loop := &EventLoop{
		pl:       pl,
		channels: make(map[int]*Channel),
		wakeupFD: wakeupFD,
	}
	loop.wakeupChannel = newChannel(loop, wakeupFD)
	loop.wakeupChannel.SetReadCallback(func(time.Time) { loop.handleWakeupRead() })
	loop.wakeupChannel.EnableReading()
	return loop, nil
}

// Run blocks, driving the loop's main iteration until Quit is called.
// It must be invoked on the goroutine that will own this loop; it
// pins that goroutine to its current OS thread for the duration.
func (l *EventLoop) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.tid.Store(goroutineID())
	l.looping.Store(true)
	l.quit.Store(false)
	logx.L().Debugf("event loop %p start looping on tid %d", l, l.tid.Load())

	var active []poller.Channel
	for !l.quit.Load() {
		active = active[:0]
		t, err := l.pl.Poll(kPollTimeMs, &active)
		if err != nil {
			logx.L().Errorw("poller wait failed", "error", err)
			continue
		}
		l.pollReturnTime = t

		for _, pc := range active {
			pc.(*Channel).HandleEvent(t)
		}
		l.runPendingTasks()
	}

	logx.L().Debugf("event loop %p stop looping", l)
	l.looping.Store(false)
}

// Quit requests the loop stop after its current iteration. If called
// from another goroutine, it wakes the loop so the flag is observed
// promptly instead of waiting out the poll timeout.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		l.wakeup()
	}
}

// IsInLoopThread reports whether the calling goroutine is the one
// running this loop's Run.
func (l *EventLoop) IsInLoopThread() bool {
	return goroutineID() == l.tid.Load()
}

// assertInLoopThread panics on a loop-affinity violation, matching
// the source's "Programming errors: calling loop-affine methods from
// the wrong thread -> abort." The check is skipped while the loop
// isn't actively running Run (before its first iteration, or after it
// has returned): with no goroutine driving the loop there is nothing
// to race with, and final teardown (Close) legitimately happens from
// whichever goroutine is shutting the pool down.
func (l *EventLoop) assertInLoopThread() {
	if l.looping.Load() && !l.IsInLoopThread() {
		panic("reactor: EventLoop method called from outside its owning thread")
	}
}

// RunInLoop executes task on the loop's thread: inline if the caller
// is already there, otherwise queued for the next iteration.
func (l *EventLoop) RunInLoop(task func()) {
	if l.IsInLoopThread() {
		task()
		return
	}
	l.QueueInLoop(task)
}

// QueueInLoop appends task to the pending queue under the loop's
// mutex. It wakes the loop if the caller is on another thread, or if
// the loop is currently draining its task queue (so a task that
// schedules another task doesn't have to wait out a full poll
// timeout before it runs).
func (l *EventLoop) QueueInLoop(task func()) {
	l.mu.Lock()
	l.pendingTasks = append(l.pendingTasks, task)
	l.mu.Unlock()

	if !l.IsInLoopThread() || l.callingPending.Load() {
		l.wakeup()
	}
}

// runPendingTasks swaps the pending queue out under the lock and
// executes the swapped-out tasks without holding it, so tasks queued
// during this drain run on the next iteration rather than deadlocking
// or running unboundedly long while the mutex is held.
func (l *EventLoop) runPendingTasks() {
	l.callingPending.Store(true)
	defer l.callingPending.Store(false)

	l.mu.Lock()
	tasks := l.pendingTasks
	l.pendingTasks = nil
	l.mu.Unlock()

	for _, task := range tasks {
		task()
	}
}

// wakeup writes to the notification fd so a blocked Poll returns
// early.
func (l *EventLoop) wakeup() {
	if err := writeWakeup(l.wakeupFD); err != nil {
		logx.L().Errorw("event loop wakeup write failed", "error", err)
	}
}

func (l *EventLoop) handleWakeupRead() {
	if err := readWakeup(l.wakeupFD); err != nil {
		logx.L().Errorw("event loop wakeup read failed", "error", err)
	}
}

// updateChannel registers ch (or updates its interest) with the
// loop's poller and tracks it for removeChannel/hasChannel.
func (l *EventLoop) updateChannel(ch *Channel) {
	l.assertInLoopThread()
	l.channels[ch.FD()] = ch
	if err := l.pl.UpdateChannel(ch); err != nil {
		logx.L().Errorw("update channel failed", "fd", ch.FD(), "error", err)
	}
}

// removeChannel drops ch from the loop's poller and channel set.
func (l *EventLoop) removeChannel(ch *Channel) {
	l.assertInLoopThread()
	delete(l.channels, ch.FD())
	if err := l.pl.RemoveChannel(ch); err != nil {
		logx.L().Errorw("remove channel failed", "fd", ch.FD(), "error", err)
	}
}

// hasChannel reports whether ch is currently registered.
func (l *EventLoop) hasChannel(ch *Channel) bool {
	l.assertInLoopThread()
	return l.pl.HasChannel(ch)
}

// PollReturnTime is the wallclock time of the most recent Poll
// wakeup.
func (l *EventLoop) PollReturnTime() time.Time { return l.pollReturnTime }

// Close tears down the loop's own resources (its poller and
// notification fd). Call only after Run has returned.
func (l *EventLoop) Close() error {
	l.wakeupChannel.DisableAll()
	l.wakeupChannel.Remove()
	if err := closeWakeup(l.wakeupFD); err != nil {
		return err
	}
	return l.pl.Close()
}

// goroutineID returns the calling goroutine's runtime id, parsed out
// of its own stack trace header ("goroutine 123 [running]:"). Go has
// no public API for this and no true thread-local storage; this is
// the Go-native stand-in for the source's CurrentThread::tid()
// caching, giving EventLoop a stable, comparable identity for the
// specific goroutine that called Run, independent of the OS thread
// that goroutine happens to be scheduled on.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	field := strings.Fields(string(buf[:n]))[1]
	id, err := strconv.ParseUint(field, 10, 64)
	if err != nil {
		panic("reactor: could not parse goroutine id: " + err.Error())
	}
	return id
}
