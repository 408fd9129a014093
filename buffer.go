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
	"golang.org/x/sys/unix"
)

// cheapPrepend reserves room at the front of the buffer so that a
// length header can be prepended without moving the readable bytes.
const cheapPrepend = 8

// initialBufferSize is the writable capacity a freshly constructed
// Buffer offers, not counting cheapPrepend.
const initialBufferSize = 1024

// extraBufferSize is the size of the stack scratch buffer used by
// ReadFromFD to absorb reads that overflow the buffer's writable
// region in one readv(2).
const extraBufferSize = 65536

// Buffer is a growable byte buffer with separate read and write
// cursors, modeled after org.jboss.netty.buffer.ChannelBuffer:
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	+-------------------+------------------+------------------+
//	0        <=      readerIndex   <=   writerIndex    <=    cap
//
// A Buffer is not safe for concurrent use; each TcpConnection owns
// two (input and output) and touches them only from its subloop.
type Buffer struct {
	buf    []byte
	reader int
	writer int
}

// NewBuffer returns a Buffer with the default initial capacity.
func NewBuffer() *Buffer {
	return NewBufferSize(initialBufferSize)
}

// NewBufferSize returns a Buffer with room for initialSize writable
// bytes beyond the cheap-prepend region.
func NewBufferSize(initialSize int) *Buffer {
	return &Buffer{
		buf:    make([]byte, cheapPrepend+initialSize),
		reader: cheapPrepend,
		writer: cheapPrepend,
	}
}

// ReadableBytes returns the number of bytes available to Peek/Retrieve.
func (b *Buffer) ReadableBytes() int { return b.writer - b.reader }

// WritableBytes returns the number of bytes that can be Appended
// without growing the buffer.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writer }

// PrependableBytes returns the number of bytes available before the
// reader index, for cheap header prepends.
func (b *Buffer) PrependableBytes() int { return b.reader }

// Peek returns the readable region without consuming it. The slice
// aliases the buffer and is only valid until the next mutating call.
func (b *Buffer) Peek() []byte { return b.buf[b.reader:b.writer] }

// Retrieve advances the reader index by n, discarding n readable
// bytes. If n exceeds ReadableBytes, RetrieveAll is used instead.
func (b *Buffer) Retrieve(n int) {
	if n <= b.ReadableBytes() {
		b.reader += n
		return
	}
	b.RetrieveAll()
}

// RetrieveAll discards all readable bytes and resets both cursors to
// the start of the content region so that PrependableBytes reports
// cheapPrepend again.
func (b *Buffer) RetrieveAll() {
	b.reader = cheapPrepend
	b.writer = cheapPrepend
}

// RetrieveAllAsString drains the whole readable region into a string.
func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// RetrieveAsString copies the first n readable bytes out as a string
// and then retires them from the buffer.
func (b *Buffer) RetrieveAsString(n int) string {
	s := string(b.buf[b.reader : b.reader+n])
	b.Retrieve(n)
	return s
}

// Append copies data onto the end of the writable region, growing or
// compacting the buffer first if necessary.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritable(len(data))
	b.writer += copy(b.buf[b.writer:], data)
}

// EnsureWritable grows or compacts the buffer so that at least n
// bytes can be Appended without a further allocation.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

// makeSpace implements the growth policy from spec: grow in place
// when the prependable slack plus the writable tail still can't fit
// n bytes even after compaction; otherwise slide the readable region
// down to cheapPrepend and reuse the freed space. The source's own
// condition (len - writerIndex - (readerIndex - kCheapPrepend)) is
// algebraically fragile for small len, so this uses the equivalent,
// clearer comparison called out in the design notes.
func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+(b.reader-cheapPrepend) < n {
		grown := make([]byte, b.writer+n)
		copy(grown, b.buf[:b.writer])
		b.buf = grown
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf[cheapPrepend:], b.buf[b.reader:b.writer])
	b.reader = cheapPrepend
	b.writer = b.reader + readable
}

// Swap exchanges the contents of b and other in place. Provided as a
// real implementation of the source's empty Buffer::swap.
func (b *Buffer) Swap(other *Buffer) {
	b.buf, other.buf = other.buf, b.buf
	b.reader, other.reader = other.reader, b.reader
	b.writer, other.writer = other.writer, b.writer
}

// ReadFromFD performs a single vectored read into the buffer's
// writable tail plus a 64 KiB stack scratch, so that one syscall can
// absorb a read larger than the buffer's current capacity. It never
// loops to drain EAGAIN; the caller re-arms read interest on the
// poller and waits for the next readiness notification.
func (b *Buffer) ReadFromFD(fd int) (n int, err error) {
	var extra [extraBufferSize]byte

	writable := b.WritableBytes()
	iov := make([][]byte, 0, 2)
	iov = append(iov, b.buf[b.writer:])
	if writable < len(extra) {
		iov = append(iov, extra[:])
	}

	nn, rerr := readv(fd, iov)
	if rerr != nil {
		return 0, rerr
	}
	n = nn
	switch {
	case n <= writable:
		b.writer += n
	default:
		b.writer = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return n, nil
}

// WriteToFD performs a single write(2) of the whole readable region.
// It does not retry and does not loop on partial writes; the caller
// is expected to re-arm write interest and continue on the next
// writable notification.
func (b *Buffer) WriteToFD(fd int) (n int, err error) {
	n, err = unix.Write(fd, b.Peek())
	return
}

// readv wraps the readv(2) syscall over a small iovec built from Go
// slices, matching Buffer::readFd's use of a two-entry iovec.
func readv(fd int, iov [][]byte) (int, error) {
	return unix.Readv(fd, iov)
}
