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
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/govoltron/reactor/logx"
)

// ReusePort selects whether TcpServer's listening socket sets
// SO_REUSEPORT in addition to SO_REUSEADDR.
type ReusePort bool

const (
	NoReusePort ReusePort = false
	DoReusePort ReusePort = true
)

// TcpServer is the user-facing facade tying one Acceptor (on the base
// loop) to a LoopThreadPool of subloops, and owning the registry of
// live connections. Matches the source's TcpServer.
type TcpServer struct {
	loop *EventLoop
	name string
	addr Address

	acceptor   *Acceptor
	threadPool *LoopThreadPool

	connectionCB    ConnectionCallback
	messageCB       MessageCallback
	writeCompleteCB WriteCompleteCallback
	threadInitCB    ThreadInitCallback
	highWaterMark   int
	highWaterMarkCB HighWaterMarkCallback

	started atomic.Bool
	nextID  int

	mu          sync.Mutex
	connections map[string]*TcpConnection
}

// NewTcpServer builds a TcpServer bound to baseLoop, listening on
// listenAddr once Start is called.
func NewTcpServer(baseLoop *EventLoop, listenAddr Address, name string, reusePort ReusePort) (*TcpServer, error) {
	acceptor, err := NewAcceptor(baseLoop, listenAddr, bool(reusePort))
	if err != nil {
		return nil, fmt.Errorf("tcp server %q: %w", name, err)
	}

	s := &TcpServer{
		loop:          baseLoop,
		name:          name,
		addr:          listenAddr,
		acceptor:      acceptor,
		threadPool:    NewLoopThreadPool(baseLoop, name),
		connectionCB:  defaultConnectionCallback,
		messageCB:     defaultMessageCallback,
		highWaterMark: defaultHighWaterMark,
		nextID:        1,
		connections:   make(map[string]*TcpConnection),
	}
	acceptor.SetNewConnectionCallback(s.newConnection)
	return s, nil
}

// Name is the server's configured name.
func (s *TcpServer) Name() string { return s.name }

// IPPort renders the listen address as "ip:port".
func (s *TcpServer) IPPort() string { return s.addr.ToIPPort() }

// Loop returns the base loop the Acceptor runs on.
func (s *TcpServer) Loop() *EventLoop { return s.loop }

// SetThreadNum configures how many subloops the server's pool spawns.
// Must be called before Start.
func (s *TcpServer) SetThreadNum(n int) { s.threadPool.SetThreadNum(n) }

// SetThreadInitCallback installs a hook run on each subloop (and the
// base loop, if the pool has no subloops) before it serves
// connections.
func (s *TcpServer) SetThreadInitCallback(cb ThreadInitCallback) { s.threadInitCB = cb }

// SetConnectionCallback installs the per-connection establish/teardown hook.
func (s *TcpServer) SetConnectionCallback(cb ConnectionCallback) { s.connectionCB = cb }

// SetMessageCallback installs the per-connection data-arrival hook.
func (s *TcpServer) SetMessageCallback(cb MessageCallback) { s.messageCB = cb }

// SetWriteCompleteCallback installs the per-connection drain-complete hook.
func (s *TcpServer) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeCompleteCB = cb }

// SetHighWaterMarkCallback installs the backpressure hook and
// threshold applied to every connection this server creates
// afterward.
func (s *TcpServer) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	s.highWaterMarkCB = cb
	s.highWaterMark = mark
}

// Start spawns the subloop pool and begins listening. Idempotent:
// only the first call has any effect.
func (s *TcpServer) Start() error {
	if !s.started.CAS(false, true) {
		return nil
	}
	if err := s.threadPool.Start(s.threadInitCB); err != nil {
		return err
	}
	if s.acceptor.Listening() {
		panic("reactor: TcpServer acceptor already listening")
	}
	s.loop.RunInLoop(func() {
		if err := s.acceptor.Listen(); err != nil {
			logx.L().Fatalw("tcp server listen failed", "name", s.name, "error", err)
		}
	})
	return nil
}

// newConnection runs on the base loop (Acceptor's read callback):
// picks the next subloop round-robin, wraps the fd in a
// TcpConnection, registers it, and hands it off to its subloop to
// finish establishment.
func (s *TcpServer) newConnection(connFD int, peerAddr Address) {
	s.loop.assertInLoopThread()

	ioLoop := s.threadPool.NextLoop()
	connName := fmt.Sprintf("%s-%s#%d", s.name, s.IPPort(), s.nextID)
	s.nextID++

	localAddr := getLocalAddr(connFD)
	logx.L().Infow("new connection", "server", s.name, "conn", connName, "peer", peerAddr)

	conn := NewTcpConnection(ioLoop, connName, connFD, localAddr, peerAddr)
	s.mu.Lock()
	s.connections[connName] = conn
	s.mu.Unlock()

	conn.SetConnectionCallback(s.connectionCB)
	conn.SetMessageCallback(s.messageCB)
	conn.SetWriteCompleteCallback(s.writeCompleteCB)
	conn.SetHighWaterMarkCallback(s.highWaterMarkCB, s.highWaterMark)
	conn.SetCloseCallback(s.removeConnection)

	ioLoop.RunInLoop(conn.ConnectEstablished)
}

// removeConnection is a connection's CloseCallback; it always hops
// back to the base loop so the registry is only ever mutated there.
func (s *TcpServer) removeConnection(conn *TcpConnection) {
	s.loop.RunInLoop(func() { s.removeConnectionInLoop(conn) })
}

func (s *TcpServer) removeConnectionInLoop(conn *TcpConnection) {
	s.loop.assertInLoopThread()
	s.mu.Lock()
	delete(s.connections, conn.Name())
	s.mu.Unlock()
	logx.L().Infow("connection removed", "server", s.name, "conn", conn.Name())

	ioLoop := conn.Loop()
	ioLoop.QueueInLoop(conn.ConnectDestroyed)
}

// Close tears every live connection down, stops the subloop pool, and
// closes the acceptor, aggregating whatever errors its steps produce.
func (s *TcpServer) Close() error {
	s.loop.assertInLoopThread()

	s.mu.Lock()
	conns := make([]*TcpConnection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Loop().RunInLoop(c.ConnectDestroyed)
	}

	var err error
	err = multierr.Append(err, s.threadPool.Stop())
	err = multierr.Append(err, s.acceptor.Close())
	return err
}
