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
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// newWakeupFD creates the per-loop notification fd. On Linux this is
// a non-blocking eventfd, matching EventLoop's createEventFd. Its
// only role is to break Poll early when cross-thread work arrives.
func newWakeupFD() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("reactor: eventfd: %w", err)
	}
	return fd, nil
}

// writeWakeup writes the 8-byte value 1 that wakeup() sends.
func writeWakeup(fd int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	n, err := unix.Write(fd, buf[:])
	if err != nil {
		return err
	}
	if n != 8 {
		return fmt.Errorf("reactor: wakeup wrote %d bytes instead of 8", n)
	}
	return nil
}

// readWakeup drains the 8 bytes handleWakeupRead expects.
func readWakeup(fd int) error {
	var buf [8]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		return err
	}
	if n != 8 {
		return fmt.Errorf("reactor: wakeup read %d bytes instead of 8", n)
	}
	return nil
}

func closeWakeup(fd int) error {
	return unix.Close(fd)
}
