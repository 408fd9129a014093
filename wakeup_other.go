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

//go:build !linux

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// wakeupWriteFDs maps each wakeup self-pipe's read end to its write
// end. The self-pipe stands in for eventfd on platforms without it;
// only the read end is ever registered with a poller.
var wakeupWriteFDs = make(map[int]int)

// newWakeupFD creates a non-blocking self-pipe and returns its read
// end, tracking the paired write end for writeWakeup/closeWakeup.
func newWakeupFD() (int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, fmt.Errorf("reactor: pipe2: %w", err)
	}
	wakeupWriteFDs[fds[0]] = fds[1]
	return fds[0], nil
}

func writeWakeup(readFD int) error {
	writeFD := wakeupWriteFDs[readFD]
	_, err := unix.Write(writeFD, []byte{1})
	return err
}

func readWakeup(readFD int) error {
	var buf [64]byte
	_, err := unix.Read(readFD, buf[:])
	return err
}

func closeWakeup(readFD int) error {
	writeFD := wakeupWriteFDs[readFD]
	delete(wakeupWriteFDs, readFD)
	unix.Close(writeFD)
	return unix.Close(readFD)
}
