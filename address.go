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
)

// Address is the single-host address helper the spec treats as an
// external collaborator (InetAddress in the source). It wraps the
// minimum sockaddr_in-equivalent information a Channel's owning
// connection and the Acceptor need.
type Address struct {
	IP   net.IP
	Port int
}

// NewAddress builds an Address from a dotted IP string and a port.
func NewAddress(ip string, port int) Address {
	return Address{IP: net.ParseIP(ip), Port: port}
}

// NewAddressFromString parses a "host:port" listen address, the form
// cmd/echo and TcpServer callers take on the command line.
func NewAddressFromString(hostport string) (Address, error) {
	return resolveListenAddr(hostport)
}

// addressFromTCP converts a *net.TCPAddr, as returned by
// getsockname/getpeername, into an Address.
func addressFromTCP(a *net.TCPAddr) Address {
	if a == nil {
		return Address{}
	}
	return Address{IP: a.IP, Port: a.Port}
}

// ToIP renders just the host portion.
func (a Address) ToIP() string {
	if a.IP == nil {
		return ""
	}
	return a.IP.String()
}

// ToIPPort renders "ip:port".
func (a Address) ToIPPort() string {
	return fmt.Sprintf("%s:%d", a.ToIP(), a.Port)
}

func (a Address) String() string { return a.ToIPPort() }
