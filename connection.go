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

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/govoltron/reactor/logx"
)

// defaultHighWaterMark is TcpConnection's default output-buffer
// threshold above which HighWaterMarkCallback fires, matching the
// source's constructor default.
const defaultHighWaterMark = 64 * 1024 * 1024

type connState int32

const (
	stateConnecting connState = iota
	stateConnected
	stateDisconnecting
	stateDisconnected
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateDisconnecting:
		return "disconnecting"
	case stateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnectionCallback fires when a connection is established and again
// when it is torn down; Connected() distinguishes the two.
type ConnectionCallback func(conn *TcpConnection)

// MessageCallback fires whenever new bytes have landed in a
// connection's input buffer. It must Retrieve what it consumes.
type MessageCallback func(conn *TcpConnection, buf *Buffer, receiveTime time.Time)

// WriteCompleteCallback fires once a connection's output buffer has
// fully drained to the kernel.
type WriteCompleteCallback func(conn *TcpConnection)

// HighWaterMarkCallback fires when a connection's output buffer
// crosses its high water mark going up, reporting the new size.
type HighWaterMarkCallback func(conn *TcpConnection, size int)

// CloseCallback is TcpServer's hook for removing a connection from
// its registry; applications use ConnectionCallback instead.
type CloseCallback func(conn *TcpConnection)

// defaultConnectionCallback is the connection callback a TcpServer
// installs until the application sets its own: a no-op, matching the
// source's defaultConnectionCallback.
func defaultConnectionCallback(conn *TcpConnection) {}

// defaultMessageCallback is the message callback a TcpServer installs
// until the application sets its own: it drains (and so drops) every
// byte that arrives, matching the source's defaultMessageCallback.
// Without this, a connection whose application never reads messages
// would grow its input buffer without bound.
func defaultMessageCallback(conn *TcpConnection, buf *Buffer, receiveTime time.Time) {
	buf.RetrieveAll()
}

// TcpConnection wraps one established, non-blocking connected socket.
// It lives entirely on one subloop: every method that touches its
// state, buffers, or channel either runs on that loop already or
// routes there via RunInLoop, matching the source's TcpConnection.
type TcpConnection struct {
	loop *EventLoop
	name string

	st atomic.Int32

	sock    *socket
	channel *Channel

	localAddr Address
	peerAddr  Address

	inputBuffer  *Buffer
	outputBuffer *Buffer

	highWaterMark int

	connectionCB     ConnectionCallback
	messageCB        MessageCallback
	writeCompleteCB  WriteCompleteCallback
	highWaterMarkCB  HighWaterMarkCallback
	closeCB          CloseCallback

	destroyed atomic.Bool
}

// NewTcpConnection wraps a freshly accepted fd into a TcpConnection
// bound to loop (one of the pool's subloops). The connection starts
// in the Connecting state; ConnectEstablished transitions it once the
// owning TcpServer has wired its callbacks.
func NewTcpConnection(loop *EventLoop, name string, connFD int, localAddr, peerAddr Address) *TcpConnection {
	c := &TcpConnection{
		loop:          loop,
		name:          name,
		sock:          &socket{fd: connFD},
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		inputBuffer:   NewBuffer(),
		outputBuffer:  NewBuffer(),
		highWaterMark: defaultHighWaterMark,
	}
	c.st.Store(int32(stateConnecting))
	c.channel = newChannel(loop, connFD)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	c.sock.setKeepAlive(true)
	logx.L().Infow("connection created", "name", name, "fd", connFD)
	return c
}

func (c *TcpConnection) state() connState     { return connState(c.st.Load()) }
func (c *TcpConnection) setState(s connState) { c.st.Store(int32(s)) }

// Name is the connection's server-assigned identifier.
func (c *TcpConnection) Name() string { return c.name }

// Loop returns the subloop this connection is bound to.
func (c *TcpConnection) Loop() *EventLoop { return c.loop }

// LocalAddress returns the local endpoint.
func (c *TcpConnection) LocalAddress() Address { return c.localAddr }

// PeerAddress returns the remote endpoint.
func (c *TcpConnection) PeerAddress() Address { return c.peerAddr }

// SetTCPNoDelay toggles TCP_NODELAY on the connection's socket,
// matching the source's TcpConnection::setTcpNoDelay.
func (c *TcpConnection) SetTCPNoDelay(on bool) error { return c.sock.setTCPNoDelay(on) }

// Connected reports whether the connection is in the Connected state.
func (c *TcpConnection) Connected() bool { return c.state() == stateConnected }

// Disconnected reports whether the connection has fully torn down.
func (c *TcpConnection) Disconnected() bool { return c.state() == stateDisconnected }

// alive implements tieChecker: once ConnectDestroyed has run, queued
// or in-flight events for this fd must not dispatch.
func (c *TcpConnection) alive() bool { return !c.destroyed.Load() }

// SetConnectionCallback installs the callback fired on both
// establishment and teardown.
func (c *TcpConnection) SetConnectionCallback(cb ConnectionCallback) { c.connectionCB = cb }

// SetMessageCallback installs the callback fired when data arrives.
func (c *TcpConnection) SetMessageCallback(cb MessageCallback) { c.messageCB = cb }

// SetWriteCompleteCallback installs the callback fired once the
// output buffer fully drains.
func (c *TcpConnection) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCB = cb }

// SetHighWaterMarkCallback installs the backpressure callback and its
// threshold, overriding the default.
func (c *TcpConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCB = cb
	c.highWaterMark = mark
}

// SetCloseCallback installs TcpServer's registry-removal hook.
func (c *TcpConnection) SetCloseCallback(cb CloseCallback) { c.closeCB = cb }

// ConnectEstablished transitions Connecting -> Connected, ties the
// channel to this connection's liveness, enables reading, and fires
// ConnectionCallback. Must run on the connection's own loop.
func (c *TcpConnection) ConnectEstablished() {
	c.loop.assertInLoopThread()
	if c.state() != stateConnecting {
		panic("reactor: ConnectEstablished called on a connection that is not Connecting")
	}
	c.setState(stateConnected)
	c.channel.Tie(c)
	c.channel.EnableReading()
	if c.connectionCB != nil {
		c.connectionCB(c)
	}
}

// ConnectDestroyed transitions a still-Connected connection to
// Disconnected, disables its channel, and fires ConnectionCallback one
// last time; the state change and callback happen only on a call made
// while Connected, matching the source's guarded connectDestroyed.
// Every call removes the channel from the poller, and the first call
// closes the connection's fd, so it is safe to call more than once.
func (c *TcpConnection) ConnectDestroyed() {
	c.loop.assertInLoopThread()
	if c.state() == stateConnected {
		c.setState(stateDisconnected)
		c.channel.DisableAll()
		if c.connectionCB != nil {
			c.connectionCB(c)
		}
	}
	c.channel.Remove()
	if c.destroyed.CAS(false, true) {
		c.sock.close()
	}
}

// Send queues message for delivery, routing to the connection's own
// loop if called from elsewhere.
func (c *TcpConnection) Send(message []byte) {
	if c.state() != stateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(message)
		return
	}
	buf := append([]byte(nil), message...)
	c.loop.RunInLoop(func() { c.sendInLoop(buf) })
}

// Shutdown half-closes the connection's write side once any queued
// output has drained. Routed through the loop like the source's
// shutdown/shutdownInLoop pair.
func (c *TcpConnection) Shutdown() {
	if c.state() == stateConnected {
		c.setState(stateDisconnecting)
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *TcpConnection) handleRead(receiveTime time.Time) {
	c.loop.assertInLoopThread()
	n, err := c.inputBuffer.ReadFromFD(c.sock.FD())
	switch {
	case n > 0:
		if c.messageCB != nil {
			c.messageCB(c, c.inputBuffer, receiveTime)
		}
	case err == nil || err == unix.ECONNRESET:
		c.handleClose()
	default:
		logx.L().Errorw("connection read failed", "name", c.name, "error", err)
		c.handleError()
	}
}

func (c *TcpConnection) handleWrite() {
	c.loop.assertInLoopThread()
	if !c.channel.IsWriting() {
		logx.L().Debugw("connection is down, ignoring writable event", "name", c.name)
		return
	}
	n, err := c.outputBuffer.WriteToFD(c.sock.FD())
	if err != nil {
		logx.L().Errorw("connection write failed", "name", c.name, "error", err)
		return
	}
	c.outputBuffer.Retrieve(n)
	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.writeCompleteCB != nil {
			cb := c.writeCompleteCB
			c.loop.QueueInLoop(func() { cb(c) })
		}
		if c.state() == stateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

func (c *TcpConnection) handleClose() {
	c.loop.assertInLoopThread()
	if s := c.state(); s != stateConnected && s != stateDisconnecting {
		return
	}
	logx.L().Infow("connection closed", "name", c.name, "state", c.state())
	c.setState(stateDisconnected)
	c.channel.DisableAll()

	if c.connectionCB != nil {
		c.connectionCB(c)
	}
	if c.closeCB != nil {
		c.closeCB(c)
	}
}

func (c *TcpConnection) handleError() {
	err := getSocketError(c.sock.FD())
	logx.L().Errorw("connection socket error", "name", c.name, "error", err)
}

func (c *TcpConnection) sendInLoop(data []byte) {
	c.loop.assertInLoopThread()

	if c.state() == stateDisconnected {
		logx.L().Warnw("giving up writing to disconnected connection", "name", c.name)
		return
	}

	var (
		nwrote    int
		faultErr  bool
		remaining = len(data)
	)

	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.sock.FD(), data)
		switch {
		case err == nil:
			nwrote = n
			remaining = len(data) - n
			if remaining == 0 && c.writeCompleteCB != nil {
				cb := c.writeCompleteCB
				c.loop.QueueInLoop(func() { cb(c) })
			}
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			// normal for a non-blocking socket with a full send buffer
		default:
			logx.L().Errorw("connection write failed", "name", c.name, "error", err)
			if err == unix.EPIPE || err == unix.ECONNRESET {
				faultErr = true
			}
		}
	}

	if !faultErr && remaining > 0 {
		leftLen := c.outputBuffer.ReadableBytes()
		if leftLen+remaining >= c.highWaterMark && leftLen < c.highWaterMark && c.highWaterMarkCB != nil {
			cb := c.highWaterMarkCB
			size := leftLen + remaining
			c.loop.QueueInLoop(func() { cb(c, size) })
		}
		c.outputBuffer.Append(data[nwrote:])
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
	}
}

func (c *TcpConnection) shutdownInLoop() {
	c.loop.assertInLoopThread()
	if !c.channel.IsWriting() {
		c.sock.shutdownWrite()
	}
}
