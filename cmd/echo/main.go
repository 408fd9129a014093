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

// Command echo is a runnable demonstration of the reactor engine: it
// echoes every byte it receives back to the sender, on the number of
// subloops given by -threads (three by default).
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/govoltron/reactor"
	"github.com/govoltron/reactor/logx"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9981", "listen address")
	threads := flag.Int("threads", 3, "number of subloops")
	flag.Parse()

	baseLoop, err := reactor.NewEventLoop()
	if err != nil {
		logx.L().Fatalw("create base loop", "error", err)
	}

	listenAddr, err := reactor.NewAddressFromString(*addr)
	if err != nil {
		logx.L().Fatalw("parse listen address", "error", err)
	}

	server, err := reactor.NewTcpServer(baseLoop, listenAddr, "echo", reactor.NoReusePort)
	if err != nil {
		logx.L().Fatalw("create tcp server", "error", err)
	}
	server.SetThreadNum(*threads)

	server.SetConnectionCallback(func(conn *reactor.TcpConnection) {
		if conn.Connected() {
			logx.L().Infow("client connected", "conn", conn.Name(), "peer", conn.PeerAddress())
		} else {
			logx.L().Infow("client disconnected", "conn", conn.Name())
		}
	})
	server.SetMessageCallback(func(conn *reactor.TcpConnection, buf *reactor.Buffer, receiveTime time.Time) {
		conn.Send([]byte(buf.RetrieveAllAsString()))
	})

	if err := server.Start(); err != nil {
		logx.L().Fatalw("start tcp server", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		baseLoop.RunInLoop(func() {
			server.Close()
			baseLoop.Quit()
		})
	}()

	baseLoop.Run()
}
