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

// initEventListSize is the epoll_wait scratch size a fresh
// epollPoller starts with; it doubles whenever a Poll call fills it,
// mirroring EPollPoller::kInitEventListSize.
const initEventListSize = 16

// epollPoller is the readiness-set Poller, backed by a single epoll
// instance. Like the source's EPollPoller, it keeps its own fd ->
// Channel map and never takes ownership of a channel.
type epollPoller struct {
	epfd     int
	events   []unix.EpollEvent
	channels map[int]Channel
}

func newDefaultPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}
	return &epollPoller{
		epfd:     epfd,
		events:   make([]unix.EpollEvent, initEventListSize),
		channels: make(map[int]Channel),
	}, nil
}

func (p *epollPoller) Poll(timeout time.Duration, active *[]Channel) (time.Time, error) {
	n, err := unix.EpollWait(p.epfd, p.events, int(timeout/time.Millisecond))
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, nil
		}
		return now, fmt.Errorf("poller: epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		ch, ok := p.channels[fd]
		if !ok {
			continue
		}
		ch.SetReceived(fromEpollEvents(p.events[i].Events))
		*active = append(*active, ch)
	}
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return now, nil
}

func (p *epollPoller) UpdateChannel(ch Channel) error {
	switch ch.Registration() {
	case New, Deleted:
		fd := ch.FD()
		if ch.Registration() == New {
			p.channels[fd] = ch
		}
		if err := p.update(unix.EPOLL_CTL_ADD, ch); err != nil {
			return err
		}
		ch.SetRegistration(Added)
	default: // Added
		if ch.Interest() == 0 {
			if err := p.update(unix.EPOLL_CTL_DEL, ch); err != nil {
				return err
			}
			ch.SetRegistration(Deleted)
		} else {
			if err := p.update(unix.EPOLL_CTL_MOD, ch); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *epollPoller) RemoveChannel(ch Channel) error {
	fd := ch.FD()
	delete(p.channels, fd)
	if ch.Registration() == Added {
		if err := p.update(unix.EPOLL_CTL_DEL, ch); err != nil {
			return err
		}
	}
	ch.SetRegistration(New)
	return nil
}

func (p *epollPoller) HasChannel(ch Channel) bool {
	existing, ok := p.channels[ch.FD()]
	return ok && existing == ch
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}

func (p *epollPoller) update(op int, ch Channel) error {
	ev := unix.EpollEvent{
		Events: toEpollEvents(ch.Interest()),
		Fd:     int32(ch.FD()),
	}
	if err := unix.EpollCtl(p.epfd, op, ch.FD(), &ev); err != nil {
		return fmt.Errorf("poller: epoll_ctl: %w", err)
	}
	return nil
}

func toEpollEvents(e Event) uint32 {
	var out uint32
	if e&Readable != 0 {
		out |= unix.EPOLLIN
	}
	if e&PriorityReadable != 0 {
		out |= unix.EPOLLPRI
	}
	if e&Writable != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func fromEpollEvents(e uint32) Event {
	var out Event
	if e&unix.EPOLLIN != 0 {
		out |= Readable
	}
	if e&unix.EPOLLPRI != 0 {
		out |= PriorityReadable
	}
	if e&unix.EPOLLOUT != 0 {
		out |= Writable
	}
	if e&unix.EPOLLERR != 0 {
		out |= Error
	}
	if e&unix.EPOLLHUP != 0 {
		out |= HangUp
	}
	if e&unix.EPOLLRDHUP != 0 {
		out |= PeerHangUp
	}
	return out
}
