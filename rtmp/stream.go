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
	"sync"
)

// Publish modes
const (
	ModeLive   = "live"
	ModeRecord = "record"
	ModeAppend = "append"
)

// Stream is one NetStream of a connection. Inbound messages for the stream
// id are queued in order and consumed by a single goroutine owned by the
// Router.
type Stream struct {
	ID   uint32
	conn *Conn

	queue     chan *Message
	queueOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	// loop is closed when the goroutine consuming queue returns. It is nil
	// until a consumer is started.
	loop chan struct{}

	// serial is held while a queued message is handled and while the
	// stream is released, so release never races a handler.
	serial sync.Mutex
	closed bool

	mu         sync.Mutex
	name       string
	mode       string
	recordFile *FLVFile
	playFile   *FLVFile
	playback   *playback
}

func newStream(c *Conn, id uint32, queueSize int) *Stream {
	return &Stream{
		ID:    id,
		conn:  c,
		queue: make(chan *Message, queueSize),
		done:  make(chan struct{}),
	}
}

func (s *Stream) Conn() *Conn {
	return s.conn
}

func (s *Stream) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Stream) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Stream) setName(name, mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
	s.mode = mode
}

// enqueue hands an inbound message to the stream goroutine. Only the
// connection reader calls it.
func (s *Stream) enqueue(msg *Message) bool {
	select {
	case s.queue <- msg:
		return true
	default:
	}
	select {
	case s.queue <- msg:
		return true
	case <-s.done:
		return false
	case <-s.conn.done:
		return false
	}
}

// finish closes the inbound queue. Messages already queued are still
// handed to the stream goroutine before it releases the stream. Only the
// connection reader calls it, after its last enqueue.
func (s *Stream) finish() {
	s.queueOnce.Do(func() {
		close(s.queue)
	})
}

// Recv blocks for the next inbound message. Queued messages are returned
// before a release is observed. ok is false once the queue is finished and
// drained, or the stream was released with nothing left queued.
func (s *Stream) Recv() (msg *Message, ok bool) {
	select {
	case msg, ok = <-s.queue:
		return msg, ok
	default:
	}
	select {
	case msg, ok = <-s.queue:
		return msg, ok
	case <-s.done:
		return nil, false
	}
}

// Send writes msg on this stream, blocking while the connection queue is full.
func (s *Stream) Send(msg *Message) error {
	msg.StreamID = s.ID
	select {
	case s.conn.outbound <- msg:
		return nil
	case <-s.conn.done:
		return ErrConnectionClosed
	case <-s.done:
		return ErrConnectionClosed
	}
}

// SendCommand encodes and writes cmd on this stream.
func (s *Stream) SendCommand(cmd *Command) error {
	if cmd.Time == 0 {
		cmd.Time = s.conn.RelativeTime()
	}
	cmd.Type = s.conn.rpcType()
	msg, err := cmd.ToMessage(s.ID)
	if err != nil {
		return err
	}
	return s.Send(msg)
}

// sendStatus reports an onStatus event to the client.
func (s *Stream) sendStatus(level, code, description string) error {
	return s.SendCommand(newStatus(level, code, description))
}

// sendMedia writes msg without blocking and drops it when the connection
// is backed up.
func (s *Stream) sendMedia(msg *Message) bool {
	msg.StreamID = s.ID
	return s.conn.tryWriteMessage(msg)
}

func (s *Stream) setRecordFile(f *FLVFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordFile = f
}

func (s *Stream) RecordFile() *FLVFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordFile
}

func (s *Stream) setPlayFile(f *FLVFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playFile = f
}

func (s *Stream) PlayFile() *FLVFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playFile
}

// closeFiles stops playback and closes the record and play files.
func (s *Stream) closeFiles() {
	s.mu.Lock()
	rec, pf, pb := s.recordFile, s.playFile, s.playback
	s.recordFile, s.playFile, s.playback = nil, nil, nil
	s.mu.Unlock()
	if pb != nil {
		pb.stop()
	}
	if rec != nil {
		rec.Close()
	}
	if pf != nil {
		pf.Close()
	}
}

// Done is closed once the stream has been released.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) markDone() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}
