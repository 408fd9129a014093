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
	"syscall"
	"testing"
)

func TestBuffer_AppendAndRetrieve(t *testing.T) {
	b := NewBuffer()
	if got := b.PrependableBytes(); got != cheapPrepend {
		t.Fatalf("PrependableBytes = %d, want %d", got, cheapPrepend)
	}

	b.Append([]byte("hello"))
	if got := b.ReadableBytes(); got != 5 {
		t.Fatalf("ReadableBytes = %d, want 5", got)
	}

	if got := string(b.Peek()); got != "hello" {
		t.Fatalf("Peek = %q, want %q", got, "hello")
	}

	if got := b.RetrieveAsString(2); got != "he" {
		t.Fatalf("RetrieveAsString(2) = %q, want %q", got, "he")
	}
	if got := b.ReadableBytes(); got != 3 {
		t.Fatalf("ReadableBytes after partial retrieve = %d, want 3", got)
	}
}

func TestBuffer_RetrieveExactlyReadable(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("abc"))
	b.Retrieve(b.ReadableBytes())
	if got := b.ReadableBytes(); got != 0 {
		t.Fatalf("ReadableBytes after exact retrieve = %d, want 0", got)
	}
	// Retrieve(n == readable) must not fold back to cheapPrepend the
	// way Retrieve(n > readable) does.
	if got := b.PrependableBytes(); got != cheapPrepend+3 {
		t.Fatalf("PrependableBytes after exact retrieve = %d, want %d", got, cheapPrepend+3)
	}
}

func TestBuffer_RetrieveAllResetsToCheapPrepend(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("abc"))
	b.Retrieve(100) // exceeds readable, falls back to RetrieveAll
	if got := b.PrependableBytes(); got != cheapPrepend {
		t.Fatalf("PrependableBytes after over-retrieve = %d, want %d", got, cheapPrepend)
	}
	if got := b.ReadableBytes(); got != 0 {
		t.Fatalf("ReadableBytes after over-retrieve = %d, want 0", got)
	}
}

func TestBuffer_EnsureWritableGrowsWhenCompactionIsNotEnough(t *testing.T) {
	b := NewBufferSize(4)
	b.Append([]byte("ab")) // 2 readable, 2 writable left
	b.Retrieve(2)          // compaction alone would leave only 4 writable bytes
	b.EnsureWritable(1000)
	if got := b.WritableBytes(); got < 1000 {
		t.Fatalf("WritableBytes after growth = %d, want >= 1000", got)
	}
}

func TestBuffer_EnsureWritableCompactsInPlace(t *testing.T) {
	b := NewBufferSize(16)
	b.Append([]byte("0123456789")) // 10 readable, 6 writable
	b.Retrieve(8)                  // 2 readable, slack freed at front
	before := len(b.buf)
	b.EnsureWritable(12)
	if len(b.buf) != before {
		t.Fatalf("buffer reallocated on a compactable EnsureWritable, len went from %d to %d", before, len(b.buf))
	}
	if got := string(b.Peek()); got != "89" {
		t.Fatalf("Peek after compaction = %q, want %q", got, "89")
	}
}

func TestBuffer_Swap(t *testing.T) {
	a := NewBuffer()
	a.Append([]byte("from-a"))
	b := NewBuffer()
	b.Append([]byte("from-b"))

	a.Swap(b)

	if got := string(a.Peek()); got != "from-b" {
		t.Fatalf("a.Peek() after swap = %q, want %q", got, "from-b")
	}
	if got := string(b.Peek()); got != "from-a" {
		t.Fatalf("b.Peek() after swap = %q, want %q", got, "from-a")
	}
}

func TestBuffer_ReadFromFDOverflowsIntoExtraBuffer(t *testing.T) {
	server, client := socketPair(t)
	defer server.Close()
	defer client.Close()

	payload := make([]byte, initialBufferSize+1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	go func() {
		client.Write(payload)
		client.Close()
	}()

	b := NewBufferSize(8) // deliberately tiny so the read overflows into extra
	sockFD, err := fileDescriptor(server)
	if err != nil {
		t.Fatalf("fileDescriptor: %v", err)
	}

	var total int
	for total < len(payload) {
		n, err := b.ReadFromFD(sockFD)
		if n == 0 && err != nil {
			break
		}
		total += n
	}
	if total != len(payload) {
		t.Fatalf("read %d bytes, want %d", total, len(payload))
	}
	if got := b.ReadableBytes(); got != len(payload) {
		t.Fatalf("ReadableBytes = %d, want %d", got, len(payload))
	}
	if string(b.Peek()[:4]) != string(payload[:4]) {
		t.Fatalf("buffer content mismatch at head")
	}
}

// socketPair returns two connected loopback TCP connections for tests
// that need a real fd, matching the pack's preference for real
// sockets over mocks.
func socketPair(t *testing.T) (serverSide, clientSide net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptedCh <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-acceptedCh
	if server == nil {
		t.Fatalf("accept failed")
	}
	return server, client
}

// fileDescriptor extracts the raw fd backing c, for tests that need
// to drive Buffer.ReadFromFD directly against a real socket.
func fileDescriptor(c net.Conn) (int, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("%T is not a syscall.Conn", c)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}
