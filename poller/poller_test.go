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

package poller

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// fakeChannel is a minimal Channel implementation for exercising a
// Poller directly, without depending on the reactor package (which
// would import this one).
type fakeChannel struct {
	fd       int
	interest Event
	received Event
	reg      Registration
}

func (c *fakeChannel) FD() int                      { return c.fd }
func (c *fakeChannel) Interest() Event               { return c.interest }
func (c *fakeChannel) Registration() Registration    { return c.reg }
func (c *fakeChannel) SetRegistration(r Registration) { c.reg = r }
func (c *fakeChannel) SetReceived(e Event)           { c.received = e }

func testPollerBecomesReadable(t *testing.T, pl Poller) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	ch := &fakeChannel{fd: fds[0], interest: Readable}
	if err := pl.UpdateChannel(ch); err != nil {
		t.Fatalf("UpdateChannel: %v", err)
	}
	if !pl.HasChannel(ch) {
		t.Fatalf("HasChannel false right after UpdateChannel")
	}

	var active []Channel
	if _, err := pl.Poll(10*time.Millisecond, &active); err != nil {
		t.Fatalf("Poll before write: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("channel reported active before any data was written")
	}

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	active = active[:0]
	if _, err := pl.Poll(time.Second, &active); err != nil {
		t.Fatalf("Poll after write: %v", err)
	}
	if len(active) != 1 || active[0] != Channel(ch) {
		t.Fatalf("active = %v, want exactly [ch]", active)
	}
	if ch.received&Readable == 0 {
		t.Fatalf("received mask %v does not include Readable", ch.received)
	}

	ch.interest = 0
	if err := pl.UpdateChannel(ch); err != nil {
		t.Fatalf("UpdateChannel (disable): %v", err)
	}
	if err := pl.RemoveChannel(ch); err != nil {
		t.Fatalf("RemoveChannel: %v", err)
	}
	if pl.HasChannel(ch) {
		t.Fatalf("HasChannel true after RemoveChannel")
	}
}

func TestEpollPoller_BecomesReadable(t *testing.T) {
	pl, err := newDefaultPoller()
	if err != nil {
		t.Fatalf("newDefaultPoller: %v", err)
	}
	defer pl.Close()
	testPollerBecomesReadable(t, pl)
}

func TestPollPoller_BecomesReadable(t *testing.T) {
	pl, err := newPollPoller()
	if err != nil {
		t.Fatalf("newPollPoller: %v", err)
	}
	defer pl.Close()
	testPollerBecomesReadable(t, pl)
}

func TestNew_SelectsPollViaEnv(t *testing.T) {
	t.Setenv(usePollEnv, "1")
	pl, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pl.Close()
	if _, ok := pl.(*pollPoller); !ok {
		t.Fatalf("New() with %s set = %T, want *pollPoller", usePollEnv, pl)
	}
}

func TestNew_DefaultsToEpollOnLinux(t *testing.T) {
	t.Setenv(usePollEnv, "")
	pl, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pl.Close()
	if _, ok := pl.(*epollPoller); !ok {
		t.Fatalf("New() with no env set = %T, want *epollPoller", pl)
	}
}
