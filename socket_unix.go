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

//go:build linux || freebsd || dragonfly

package reactor

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// socket is a small RAII-style wrapper around a raw fd, the Go
// analogue of the source's Socket class. Acceptor and TcpConnection
// each own one so the fd has exactly one owner and is closed exactly
// once.
type socket struct {
	fd int
}

// newNonblockingSocket creates a non-blocking, close-on-exec TCP
// socket. setNonBlockAndCloseOnExec in the source combines O_NONBLOCK
// with `!=` instead of `|=`; this ORs the flag in, as the design
// notes require.
func newNonblockingSocket() (*socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: socket(2): %w", err)
	}
	return &socket{fd: fd}, nil
}

func (s *socket) FD() int { return s.fd }

func (s *socket) setReuseAddr(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolToInt(on))
}

func (s *socket) setReusePort(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolToInt(on))
}

func (s *socket) setKeepAlive(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolToInt(on))
}

func (s *socket) setTCPNoDelay(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(on))
}

// bindAddress binds the socket to addr.
func (s *socket) bindAddress(addr Address) error {
	sa := &unix.SockaddrInet4{Port: addr.Port}
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := unix.Bind(s.fd, sa); err != nil {
		return fmt.Errorf("socket: bind %s: %w", addr, err)
	}
	return nil
}

// listen marks the socket as a listening socket with the backlog the
// spec fixes at 1024.
func (s *socket) listen() error {
	const backlog = 1024
	if err := unix.Listen(s.fd, backlog); err != nil {
		return fmt.Errorf("socket: listen: %w", err)
	}
	return nil
}

// accept accepts one connection, returning a non-blocking,
// close-on-exec connected fd and the peer's address, using the
// accept4(2) flags variant so the new fd never races exec() or a
// second accept before it is configured.
func (s *socket) accept() (connFd int, peer Address, err error) {
	nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, Address{}, err
	}
	return nfd, sockaddrToAddress(sa), nil
}

// shutdownWrite half-closes the write side, matching
// Socket::shutdownWrite.
func (s *socket) shutdownWrite() error {
	return unix.Shutdown(s.fd, unix.SHUT_WR)
}

func (s *socket) close() error {
	return unix.Close(s.fd)
}

// getSocketError retrieves SO_ERROR, the source's getSocketError.
func getSocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

// getLocalAddr wraps getsockname.
func getLocalAddr(fd int) Address {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return Address{}
	}
	return sockaddrToAddress(sa)
}

// getPeerAddr wraps getpeername.
func getPeerAddr(fd int) Address {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return Address{}
	}
	return sockaddrToAddress(sa)
}

func sockaddrToAddress(sa unix.Sockaddr) Address {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return Address{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	case *unix.SockaddrInet6:
		return Address{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	default:
		return Address{}
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// resolveListenAddr parses "host:port" into an Address suitable for
// bindAddress. Name resolution beyond literal IPs is out of scope.
func resolveListenAddr(hostport string) (Address, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", hostport)
	if err != nil {
		return Address{}, fmt.Errorf("socket: invalid listen address %q: %w", hostport, err)
	}
	return addressFromTCP(tcpAddr), nil
}
