// Copyright © 2021 Kris Nóva <kris@nivenly.com>
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
//
// ────────────────────────────────────────────────────────────────────────────
//
//  ███████╗██╗      █████╗ ███████╗██╗  ██╗██████╗
//  ██╔════╝██║     ██╔══██╗██╔════╝██║  ██║██╔══██╗
//  █████╗  ██║     ███████║███████╗███████║██║  ██║
//  ██╔══╝  ██║     ██╔══██║╚════██║██╔══██║██║  ██║
//  ██║     ███████╗██║  ██║███████║██║  ██║██████╔╝
//  ╚═╝     ╚══════╝╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝╚═════╝
//
// ────────────────────────────────────────────────────────────────────────────

package rtmp

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ByteChannel is the byte level transport of a connection. Reads block
// until exactly n bytes are available, consumed bytes can be pushed back
// with Unread, and writes leave in slices of at most WriteSliceSize bytes.
//
// Any transport failure is sticky and wraps ErrConnectionClosed.
type ByteChannel struct {
	w        io.Writer
	r        *bufio.Reader
	pushback []byte

	bytesRead    uint64
	bytesWritten uint64

	readError  error
	writeError error
	wmu        sync.Mutex
}

func NewByteChannel(rw io.ReadWriter, bufSize int) *ByteChannel {
	return &ByteChannel{
		w: rw,
		r: bufio.NewReaderSize(rw, bufSize),
	}
}

// Read returns exactly n bytes.
func (c *ByteChannel) Read(n int) ([]byte, error) {
	p := make([]byte, n)
	if err := c.ReadFull(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ReadFull fills p, draining pushed back bytes first.
func (c *ByteChannel) ReadFull(p []byte) error {
	if c.readError != nil {
		return c.readError
	}
	n := copy(p, c.pushback)
	c.pushback = c.pushback[n:]
	if n < len(p) {
		if _, err := io.ReadFull(c.r, p[n:]); err != nil {
			c.readError = fmt.Errorf("%w: %v", ErrConnectionClosed, err)
			return c.readError
		}
	}
	atomic.AddUint64(&c.bytesRead, uint64(len(p)))
	return nil
}

// Unread pushes p back so that the next reads return it first.
func (c *ByteChannel) Unread(p []byte) {
	if len(p) == 0 {
		return
	}
	b := make([]byte, 0, len(p)+len(c.pushback))
	b = append(b, p...)
	c.pushback = append(b, c.pushback...)
	atomic.AddUint64(&c.bytesRead, ^uint64(len(p)-1))
}

func (c *ByteChannel) ReadUintBE(n int) (uint32, error) {
	var b [4]byte
	if err := c.ReadFull(b[:n]); err != nil {
		return 0, err
	}
	ret := uint32(0)
	for i := 0; i < n; i++ {
		ret = ret<<8 + uint32(b[i])
	}
	return ret, nil
}

func (c *ByteChannel) ReadUintLE(n int) (uint32, error) {
	var b [4]byte
	if err := c.ReadFull(b[:n]); err != nil {
		return 0, err
	}
	ret := uint32(0)
	for i := 0; i < n; i++ {
		ret += uint32(b[i]) << uint32(i*8)
	}
	return ret, nil
}

// Write sends all of p.
func (c *ByteChannel) Write(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeError != nil {
		return c.writeError
	}
	for len(p) > 0 {
		n := len(p)
		if n > WriteSliceSize {
			n = WriteSliceSize
		}
		if _, err := c.w.Write(p[:n]); err != nil {
			c.writeError = fmt.Errorf("%w: %v", ErrConnectionClosed, err)
			return c.writeError
		}
		atomic.AddUint64(&c.bytesWritten, uint64(n))
		p = p[n:]
	}
	return nil
}

// BytesRead is the number of bytes consumed by the reader so far.
func (c *ByteChannel) BytesRead() uint64 {
	return atomic.LoadUint64(&c.bytesRead)
}

func (c *ByteChannel) BytesWritten() uint64 {
	return atomic.LoadUint64(&c.bytesWritten)
}

func (c *ByteChannel) ReadError() error {
	return c.readError
}
