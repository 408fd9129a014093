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
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller is the array-scan Poller, a slice of {fd, events,
// revents} scanned in full on every call. It is selected by setting
// MUDUO_USE_POLL, and is also the default on platforms without an
// epoll-style readiness set.
//
// Vacant slots (a channel that currently wants no events) are marked
// by negating the fd as -fd-1, matching PollPoller::updateChannel, so
// the kernel ignores them without the slice being reshuffled.
type pollPoller struct {
	fds      []unix.PollFd
	slot     map[int]int // fd -> index into fds
	channels map[int]Channel
}

func newPollPoller() (Poller, error) {
	return &pollPoller{
		slot:     make(map[int]int),
		channels: make(map[int]Channel),
	}, nil
}

func (p *pollPoller) Poll(timeout time.Duration, active *[]Channel) (time.Time, error) {
	n, err := unix.Poll(p.fds, int(timeout/time.Millisecond))
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, nil
		}
		return now, fmt.Errorf("poller: poll: %w", err)
	}
	for i := 0; i < len(p.fds) && n > 0; i++ {
		if p.fds[i].Revents == 0 {
			continue
		}
		n--
		fd := p.fds[i].Fd
		if fd < 0 {
			fd = -fd - 1
		}
		ch, ok := p.channels[int(fd)]
		if !ok {
			continue
		}
		ch.SetReceived(fromPollEvents(p.fds[i].Revents))
		*active = append(*active, ch)
	}
	return now, nil
}

func (p *pollPoller) UpdateChannel(ch Channel) error {
	fd := ch.FD()
	switch ch.Registration() {
	case New:
		pfd := unix.PollFd{Fd: int32(fd), Events: toPollEvents(ch.Interest())}
		p.fds = append(p.fds, pfd)
		p.slot[fd] = len(p.fds) - 1
		p.channels[fd] = ch
		ch.SetRegistration(Added)
	default:
		idx, ok := p.slot[fd]
		if !ok {
			return fmt.Errorf("poller: update of untracked fd %d", fd)
		}
		p.fds[idx].Fd = int32(fd)
		p.fds[idx].Events = toPollEvents(ch.Interest())
		p.fds[idx].Revents = 0
		if ch.Interest() == 0 {
			p.fds[idx].Fd = -int32(fd) - 1
			ch.SetRegistration(Deleted)
		} else {
			ch.SetRegistration(Added)
		}
	}
	return nil
}

func (p *pollPoller) RemoveChannel(ch Channel) error {
	fd := ch.FD()
	idx, ok := p.slot[fd]
	if !ok {
		return nil
	}
	delete(p.channels, fd)
	delete(p.slot, fd)
	last := len(p.fds) - 1
	if idx == last {
		p.fds = p.fds[:last]
	} else {
		p.fds[idx] = p.fds[last]
		p.fds = p.fds[:last]
		movedFd := p.fds[idx].Fd
		if movedFd < 0 {
			movedFd = -movedFd - 1
		}
		p.slot[int(movedFd)] = idx
	}
	ch.SetRegistration(New)
	return nil
}

func (p *pollPoller) HasChannel(ch Channel) bool {
	existing, ok := p.channels[ch.FD()]
	return ok && existing == ch
}

func (p *pollPoller) Close() error { return nil }

func toPollEvents(e Event) int16 {
	var out int16
	if e&Readable != 0 {
		out |= unix.POLLIN
	}
	if e&PriorityReadable != 0 {
		out |= unix.POLLPRI
	}
	if e&Writable != 0 {
		out |= unix.POLLOUT
	}
	return out
}

func fromPollEvents(e int16) Event {
	var out Event
	if e&unix.POLLIN != 0 {
		out |= Readable
	}
	if e&unix.POLLPRI != 0 {
		out |= PriorityReadable
	}
	if e&unix.POLLOUT != 0 {
		out |= Writable
	}
	if e&unix.POLLERR != 0 {
		out |= Error
	}
	if e&unix.POLLHUP != 0 {
		out |= HangUp
	}
	return out
}
