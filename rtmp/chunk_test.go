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
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/gwuhaolin/livego/utils/pio"
)

// newChunkLoop returns a writer and a reader sharing one in memory buffer.
func newChunkLoop() (*ChunkWriter, *ChunkReader, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	ch := NewByteChannel(buf, ConnBufferSize)
	return NewChunkWriter(ch), NewChunkReader(ch), buf
}

func payload(size int, seed byte) []byte {
	p := make([]byte, size)
	for i := range p {
		p[i] = seed + byte(i)
	}
	return p
}

func fullChunk(channel byte, ts, size uint32, typ uint8, streamID uint32, data []byte) []byte {
	b := []byte{channel,
		byte(ts >> 16), byte(ts >> 8), byte(ts),
		byte(size >> 16), byte(size >> 8), byte(size),
		typ,
		byte(streamID), byte(streamID >> 8), byte(streamID >> 16), byte(streamID >> 24),
	}
	return append(b, data...)
}

func expectMessage(t *testing.T, r *ChunkReader, typ uint8, streamID, ts uint32, data []byte) {
	t.Helper()
	msg, err := r.ReadMessage()
	if err != nil {
		t.Errorf("read message: %v", err)
		t.FailNow()
	}
	if msg.Type != typ || msg.StreamID != streamID || msg.Time != ts {
		t.Errorf("expected type=%d stream=%d time=%d, got %s", typ, streamID, ts, msg)
	}
	if !bytes.Equal(msg.Data, data) {
		t.Errorf("payload mismatch for %s", msg)
	}
}

func TestChunkRoundTripSizes(t *testing.T) {
	for _, chunkSize := range []uint32{1, 7, 128, 4096} {
		cs := int(chunkSize)
		for _, size := range []int{0, 1, cs - 1, cs, cs + 1, 3*cs + 5, 70000} {
			t.Run(fmt.Sprintf("chunk%d/size%d", chunkSize, size), func(t *testing.T) {
				w, r, _ := newChunkLoop()
				w.chunkSize = chunkSize
				r.SetChunkSize(chunkSize)
				data := payload(size, byte(size))
				msgs := []*Message{
					{Type: TypeVideo, StreamID: 1, Time: 40, Data: data},
					{Type: TypeVideo, StreamID: 1, Time: 80, Data: data},
					{Type: TypeAudio, StreamID: 1, Time: 81, Data: data[:size/2]},
				}
				for _, msg := range msgs {
					if err := w.WriteMessage(msg); err != nil {
						t.Errorf("write: %v", err)
						t.FailNow()
					}
				}
				for _, msg := range msgs {
					expectMessage(t, r, msg.Type, msg.StreamID, msg.Time, msg.Data)
				}
			})
		}
	}
}

func TestChunkHeaderSelection(t *testing.T) {
	w, r, buf := newChunkLoop()
	cases := []struct {
		msg      *Message
		expected uint8
	}{
		{&Message{Type: TypeAudio, StreamID: 1, Time: 10, Data: payload(10, 1)}, HeaderFull},
		{&Message{Type: TypeAudio, StreamID: 1, Time: 20, Data: payload(10, 2)}, HeaderTime},
		{&Message{Type: TypeAudio, StreamID: 1, Time: 30, Data: payload(12, 3)}, HeaderMessage},
		{&Message{Type: TypeVideo, StreamID: 1, Time: 35, Data: payload(12, 4)}, HeaderMessage},
		{&Message{Type: TypeVideo, StreamID: 1, Time: 35, Data: payload(12, 5)}, HeaderFull},
		{&Message{Type: TypeVideo, StreamID: 1, Time: 5, Data: payload(12, 6)}, HeaderFull},
		{&Message{Type: TypeVideo, StreamID: 2, Time: 40, Data: payload(12, 7)}, HeaderFull},
	}
	for i, c := range cases {
		offset := buf.Len()
		if err := w.WriteMessage(c.msg); err != nil {
			t.Errorf("write %d: %v", i, err)
			t.FailNow()
		}
		if got := buf.Bytes()[offset] >> 6; got != c.expected {
			t.Errorf("message %d: expected header type %d, got %d", i, c.expected, got)
		}
	}
	if cases[6].msg.Channel == cases[0].msg.Channel {
		t.Errorf("expected stream 2 on its own channel, both on %d", cases[0].msg.Channel)
	}
	for _, c := range cases {
		expectMessage(t, r, c.msg.Type, c.msg.StreamID, c.msg.Time, c.msg.Data)
	}
}

func TestChunkExtendedTimestamp(t *testing.T) {
	w, r, _ := newChunkLoop()
	msgs := []*Message{
		{Type: TypeVideo, StreamID: 1, Time: 0x1000000, Data: payload(300, 1)},
		{Type: TypeVideo, StreamID: 1, Time: 0x100000A, Data: payload(300, 2)},
		{Type: TypeVideo, StreamID: 1, Time: 0x200000A, Data: payload(300, 3)},
		{Type: TypeVideo, StreamID: 1, Time: 0x200000B, Data: payload(20, 4)},
		{Type: TypeAudio, StreamID: 3, Time: 0xFFFFFF, Data: payload(20, 5)},
	}
	for _, msg := range msgs {
		if err := w.WriteMessage(msg); err != nil {
			t.Errorf("write: %v", err)
			t.FailNow()
		}
	}
	for _, msg := range msgs {
		expectMessage(t, r, msg.Type, msg.StreamID, msg.Time, msg.Data)
	}
}

func TestChunkAckWindow(t *testing.T) {
	buf := &bytes.Buffer{}
	for i := 0; i < 12; i++ {
		buf.Write(fullChunk(0x03, uint32(i*10), 100, TypeAudio, 1, payload(100, byte(i))))
	}
	ch := NewByteChannel(buf, ConnBufferSize)
	r := NewChunkReader(ch)
	r.SetWindow(1000)
	var acks []uint32
	r.OnAck = func(baseline uint32) {
		acks = append(acks, baseline)
	}
	for i := 0; i < 12; i++ {
		if _, err := r.ReadMessage(); err != nil {
			t.Errorf("read %d: %v", i, err)
			t.FailNow()
		}
	}
	if len(acks) != 1 {
		t.Errorf("expected exactly one ack, got %v", acks)
		t.FailNow()
	}
	if acks[0] != 1008 {
		t.Errorf("expected ack baseline 1008, got %d", acks[0])
	}
}

func TestChunkMissingPriorHeader(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x43, 0x00, 0x00, 0x0A, 0x00, 0x00, 0x04, TypeAudio, 1, 2, 3, 4})
	r := NewChunkReader(NewByteChannel(buf, ConnBufferSize))
	if _, err := r.ReadMessage(); !errors.Is(err, ErrMissingPriorHeader) {
		t.Errorf("expected ErrMissingPriorHeader, got %v", err)
	}
}

func TestChunkInterleavedChannels(t *testing.T) {
	a := payload(200, 1)
	b := payload(50, 2)
	buf := &bytes.Buffer{}
	buf.Write(fullChunk(0x04, 5, 200, TypeVideo, 1, a[:128]))
	buf.Write(fullChunk(0x05, 7, 50, TypeAudio, 1, b))
	buf.WriteByte(HeaderSeparator<<6 | 0x04)
	buf.Write(a[128:])

	r := NewChunkReader(NewByteChannel(buf, ConnBufferSize))
	expectMessage(t, r, TypeAudio, 1, 7, b)
	expectMessage(t, r, TypeVideo, 1, 5, a)
}

func TestChunkChannelEncodings(t *testing.T) {
	w, r, buf := newChunkLoop()
	for i, channel := range []uint32{70, 400} {
		w.nextChannel = channel
		offset := buf.Len()
		msg := &Message{Type: TypeAudio, StreamID: uint32(10 + i), Time: 1, Data: payload(5, 9)}
		if err := w.WriteMessage(msg); err != nil {
			t.Errorf("write: %v", err)
			t.FailNow()
		}
		low := buf.Bytes()[offset] & 0x3f
		if channel < 320 && low != 0 {
			t.Errorf("channel %d: expected the two byte form, got 0x%02x", channel, low)
		}
		if channel >= 320 && low != 1 {
			t.Errorf("channel %d: expected the three byte form, got 0x%02x", channel, low)
		}
		got, err := r.ReadMessage()
		if err != nil {
			t.Errorf("read: %v", err)
			t.FailNow()
		}
		if got.Channel != channel {
			t.Errorf("expected channel %d, got %d", channel, got.Channel)
		}
	}
}

func TestChunkWriterChunkSizeChange(t *testing.T) {
	w, r, buf := newChunkLoop()
	if err := w.WriteMessage(newChunkSize(HighWriteChunkSize)); err != nil {
		t.Errorf("write chunk size: %v", err)
		t.FailNow()
	}
	if w.ChunkSize() != HighWriteChunkSize {
		t.Errorf("expected writer chunk size %d, got %d", HighWriteChunkSize, w.ChunkSize())
	}
	offset := buf.Len()
	data := payload(3000, 7)
	if err := w.WriteMessage(&Message{Type: TypeVideo, StreamID: 1, Time: 1, Data: data}); err != nil {
		t.Errorf("write: %v", err)
		t.FailNow()
	}
	if n := buf.Len() - offset; n != 12+len(data) {
		t.Errorf("expected a single chunk of %d bytes, got %d", 12+len(data), n)
	}

	msg, err := r.ReadMessage()
	if err != nil {
		t.Errorf("read chunk size: %v", err)
		t.FailNow()
	}
	if msg.Type != TypeChunkSize || msg.Channel != ProtocolChannelID {
		t.Errorf("expected chunk size on the protocol channel, got %s", msg)
	}
	r.SetChunkSize(pio.U32BE(msg.Data))
	expectMessage(t, r, TypeVideo, 1, 1, data)
}

func TestChunkMessageTooLarge(t *testing.T) {
	w, _, _ := newChunkLoop()
	msg := &Message{Type: TypeVideo, StreamID: 1, Data: make([]byte, MaxMessageSize+1)}
	if err := w.WriteMessage(msg); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestChunkAggregate(t *testing.T) {
	w, r, _ := newChunkLoop()
	subs := []*Message{
		{Type: TypeAudio, StreamID: 1, Time: 100, Data: payload(20, 1)},
		{Type: TypeVideo, StreamID: 1, Time: 110, Data: payload(200, 2)},
		{Type: TypeData, StreamID: 1, Time: 120, Data: payload(3, 3)},
	}
	agg := &Message{Type: TypeAggregate, StreamID: 1, Time: 100, Data: packAggregate(subs, true)}
	if err := w.WriteMessage(agg); err != nil {
		t.Errorf("write: %v", err)
		t.FailNow()
	}
	for _, sub := range subs {
		expectMessage(t, r, sub.Type, sub.StreamID, sub.Time, sub.Data)
	}
}
