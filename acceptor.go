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
	"fmt"
	"net"
	"os"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"golang.org/x/sys/unix"

	"github.com/govoltron/reactor/logx"
)

// NewConnectionCallback is invoked on the Acceptor's loop whenever a
// new connection is accepted.
type NewConnectionCallback func(connFd int, peer Address)

// Acceptor owns the listening socket and its Channel, and lives on
// the base loop of a TcpServer, matching the source's Acceptor:
// listen() and the readCallback that drives accept() both only ever
// run there.
type Acceptor struct {
	loop    *EventLoop
	sock    *socket
	lnFile  *os.File // non-nil only when the SO_REUSEPORT listener was built via go_reuseport
	channel *Channel

	reusePort bool
	listening bool

	idleFD int

	newConnectionCB NewConnectionCallback
}

// NewAcceptor builds an Acceptor bound to listenAddr. reusePort
// requests SO_REUSEPORT: the listening socket is then built through
// go_reuseport.Listen (the pack's standard way of obtaining a
// SO_REUSEPORT listener) and its fd detached and put in non-blocking
// mode, rather than bound by hand.
func NewAcceptor(loop *EventLoop, listenAddr Address, reusePort bool) (*Acceptor, error) {
	a := &Acceptor{loop: loop, reusePort: reusePort, idleFD: -1}

	if reusePort {
		ln, err := reuseport.Listen("tcp", listenAddr.ToIPPort())
		if err != nil {
			return nil, fmt.Errorf("acceptor: reuseport listen %s: %w", listenAddr, err)
		}
		tcpLn, ok := ln.(*net.TCPListener)
		if !ok {
			ln.Close()
			return nil, fmt.Errorf("acceptor: reuseport listener for %s was not TCP", listenAddr)
		}
		f, err := tcpLn.File()
		tcpLn.Close()
		if err != nil {
			return nil, fmt.Errorf("acceptor: detach reuseport listener fd: %w", err)
		}
		if err := unix.SetNonblock(int(f.Fd()), true); err != nil {
			f.Close()
			return nil, fmt.Errorf("acceptor: set nonblocking: %w", err)
		}
		a.lnFile = f
		a.sock = &socket{fd: int(f.Fd())}
	} else {
		sock, err := newNonblockingSocket()
		if err != nil {
			return nil, err
		}
		if err := sock.setReuseAddr(true); err != nil {
			sock.close()
			return nil, err
		}
		if err := sock.bindAddress(listenAddr); err != nil {
			sock.close()
			return nil, err
		}
		a.sock = sock
	}

	// idleFD is a spare, otherwise-unused fd held in reserve so a
	// temporary EMFILE during accept() has something to close and
	// reopen, matching the source's Acceptor::idleFd_.
	if idleFD, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0); err == nil {
		a.idleFD = idleFD
	} else {
		logx.L().Warnw("acceptor: could not reserve idle fd", "error", err)
	}

	a.channel = newChannel(loop, a.sock.FD())
	a.channel.SetReadCallback(a.handleRead)
	return a, nil
}

// SetNewConnectionCallback installs the callback fired for each
// accepted connection.
func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) { a.newConnectionCB = cb }

// Listening reports whether Listen has been called.
func (a *Acceptor) Listening() bool { return a.listening }

// Listen starts listening and enables read interest, matching
// Acceptor::listen. Must run on the Acceptor's loop.
func (a *Acceptor) Listen() error {
	a.loop.assertInLoopThread()
	a.listening = true
	if !a.reusePort {
		if err := a.sock.listen(); err != nil {
			return err
		}
	}
	a.channel.EnableReading()
	return nil
}

// handleRead runs on the Acceptor's loop and accepts exactly one
// connection per readable notification. The poller is level-triggered
// on read interest, so any further backlog still pending after this
// call is picked up again on the next Poll iteration rather than
// requiring an accept loop here.
func (a *Acceptor) handleRead(time.Time) {
	connFD, peer, err := a.sock.accept()
	if err != nil {
		a.handleAcceptError(err)
		return
	}
	if a.newConnectionCB != nil {
		a.newConnectionCB(connFD, peer)
	} else {
		unix.Close(connFD)
	}
}

// handleAcceptError implements the source's EMFILE shedding: give back
// the reserved idle fd, accept and immediately drop one connection to
// relieve the fd pressure, then reopen the reserve.
func (a *Acceptor) handleAcceptError(err error) {
	if err == unix.EMFILE && a.idleFD >= 0 {
		unix.Close(a.idleFD)
		fd, _, acceptErr := a.sock.accept()
		if acceptErr == nil {
			unix.Close(fd)
		}
		if reopened, openErr := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0); openErr == nil {
			a.idleFD = reopened
		} else {
			a.idleFD = -1
		}
		logx.L().Warnw("acceptor: shed a connection under EMFILE")
		return
	}
	logx.L().Errorw("acceptor: accept failed", "error", err)
}

// Close tears down the listening socket, its channel, and the
// reserved idle fd.
func (a *Acceptor) Close() error {
	a.channel.DisableAll()
	a.channel.Remove()
	if a.idleFD >= 0 {
		unix.Close(a.idleFD)
	}
	if a.lnFile != nil {
		return a.lnFile.Close()
	}
	return a.sock.close()
}
