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
	"time"

	"github.com/govoltron/reactor/poller"
)

// tieChecker is the liveness capability a Channel's tied owner
// provides. Go's GC makes the source's weak_ptr/shared_ptr dance
// unnecessary for memory safety, but the logical race it guards
// against is still real: a connection can be logically torn down
// (connect_destroyed) while an event for its fd is already queued for
// dispatch. alive reports false once that has happened.
type tieChecker interface {
	alive() bool
}

// Channel binds one fd to an interest mask, the mask the poller last
// reported, and the four per-event callbacks. A Channel belongs to
// exactly one EventLoop and must only be touched from that loop's
// goroutine.
type Channel struct {
	loop *EventLoop
	fd   int

	interest poller.Event
	received poller.Event
	reg      poller.Registration

	tie tieChecker

	readCB  func(time.Time)
	writeCB func()
	closeCB func()
	errorCB func()
}

// newChannel constructs a Channel for fd, owned by loop. It is not
// registered with the loop's poller until an interest bit is enabled.
func newChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd, reg: poller.New}
}

func (c *Channel) FD() int                  { return c.fd }
func (c *Channel) Interest() poller.Event    { return c.interest }
func (c *Channel) Registration() poller.Registration { return c.reg }
func (c *Channel) SetRegistration(r poller.Registration) { c.reg = r }
func (c *Channel) SetReceived(e poller.Event) { c.received = e }

// Loop returns the owning EventLoop.
func (c *Channel) Loop() *EventLoop { return c.loop }

// IsWriting reports whether write interest is currently enabled.
func (c *Channel) IsWriting() bool { return c.interest&poller.Writable != 0 }

// IsReading reports whether read interest is currently enabled.
func (c *Channel) IsReading() bool { return c.interest&poller.Readable != 0 }

// SetReadCallback installs the callback fired when the fd is
// readable, hung-up-but-still-readable, or has priority data.
func (c *Channel) SetReadCallback(cb func(time.Time)) { c.readCB = cb }

// SetWriteCallback installs the callback fired when the fd is
// writable.
func (c *Channel) SetWriteCallback(cb func()) { c.writeCB = cb }

// SetCloseCallback installs the callback fired on a hang-up with no
// pending readable data.
func (c *Channel) SetCloseCallback(cb func()) { c.closeCB = cb }

// SetErrorCallback installs the callback fired on a reported error.
func (c *Channel) SetErrorCallback(cb func()) { c.errorCB = cb }

// Tie binds the channel to an owner whose liveness must be checked
// before any callback fires. Installed once, when a TcpConnection
// transitions to Connected.
func (c *Channel) Tie(owner tieChecker) { c.tie = owner }

// EnableReading enables read interest and pushes the updated mask to
// the owning loop's poller.
func (c *Channel) EnableReading() {
	c.interest |= poller.Readable | poller.PriorityReadable
	c.update()
}

// DisableReading disables read interest.
func (c *Channel) DisableReading() {
	c.interest &^= poller.Readable | poller.PriorityReadable
	c.update()
}

// EnableWriting enables write interest.
func (c *Channel) EnableWriting() {
	c.interest |= poller.Writable
	c.update()
}

// DisableWriting disables write interest.
func (c *Channel) DisableWriting() {
	c.interest &^= poller.Writable
	c.update()
}

// DisableAll clears every interest bit.
func (c *Channel) DisableAll() {
	c.interest = 0
	c.update()
}

// Remove drops the channel from its owning loop's poller entirely.
func (c *Channel) Remove() {
	c.loop.removeChannel(c)
}

func (c *Channel) update() {
	c.loop.updateChannel(c)
}

// HandleEvent dispatches the received mask to the appropriate
// callback. If the channel is tied, a dead owner turns this into a
// silent no-op, preventing dispatch against a torn-down connection.
func (c *Channel) HandleEvent(receiveTime time.Time) {
	if c.tie != nil && !c.tie.alive() {
		return
	}
	c.handleEventWithGuard(receiveTime)
}

func (c *Channel) handleEventWithGuard(receiveTime time.Time) {
	if c.received&poller.HangUp != 0 && c.received&poller.Readable == 0 {
		if c.closeCB != nil {
			c.closeCB()
		}
		return
	}
	if c.received&poller.Error != 0 {
		if c.errorCB != nil {
			c.errorCB()
		}
	}
	if c.received&(poller.Readable|poller.PriorityReadable|poller.PeerHangUp) != 0 {
		if c.readCB != nil {
			c.readCB(receiveTime)
		}
	}
	if c.received&poller.Writable != 0 {
		if c.writeCB != nil {
			c.writeCB()
		}
	}
}
