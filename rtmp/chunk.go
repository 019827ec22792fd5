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
	"encoding/binary"
	"fmt"

	"github.com/gwuhaolin/livego/utils/pio"
	"github.com/gwuhaolin/livego/utils/pool"
	"github.com/kris-nova/logger"
)

const (
	extendedTimeMarker uint32 = 0xFFFFFF

	// larger payloads bypass the reassembly pool
	maxPooledMessage uint32 = 64 * 1024
)

// Header is the cached chunk header state of one channel (read side) or one
// stream id (write side).
type Header struct {
	Channel uint32

	// Time is the raw 24 bit time field. For FULL headers it is absolute,
	// otherwise it is a delta. 0xFFFFFF means ExtendedTime holds the value.
	Time         uint32
	ExtendedTime uint32
	Size         uint32
	Type         uint8
	StreamID     uint32

	// CurrentTime is the absolute time of the last completed message.
	CurrentTime uint32

	// HdrType is the type of the last non separator header.
	HdrType uint8
}

func (h *Header) wireTime() uint32 {
	if h.Time == extendedTimeMarker {
		return h.ExtendedTime
	}
	return h.Time
}

type partialMessage struct {
	data []byte
	n    int
}

// ChunkReader demultiplexes chunks from a ByteChannel into complete messages.
type ChunkReader struct {
	ch         *ByteChannel
	pool       *pool.Pool
	headers    map[uint32]*Header
	incomplete map[uint32]*partialMessage
	pending    []*Message

	chunkSize uint32
	winSize   uint32
	winBase   uint64

	// OnAck is called with the new baseline every time the read window is
	// exceeded. The caller is expected to send an ACK carrying it.
	OnAck func(baseline uint32)
}

func NewChunkReader(ch *ByteChannel) *ChunkReader {
	return &ChunkReader{
		ch:         ch,
		pool:       pool.NewPool(),
		headers:    make(map[uint32]*Header),
		incomplete: make(map[uint32]*partialMessage),
		chunkSize:  DefaultChunkSize,
		winSize:    DefaultReadWinSize,
	}
}

// SetChunkSize applies a CHUNK_SIZE received from the peer.
func (r *ChunkReader) SetChunkSize(size uint32) {
	r.chunkSize = clampChunkSize(size)
}

func (r *ChunkReader) ChunkSize() uint32 {
	return r.chunkSize
}

// SetWindow applies a WIN_ACK_SIZE received from the peer and restarts the
// window at the current byte count.
func (r *ChunkReader) SetWindow(size uint32) {
	if size < 1 {
		size = 1
	}
	r.winSize = size
	r.winBase = r.ch.BytesRead()
}

// Abort discards the partial message buffered for a channel.
func (r *ChunkReader) Abort(channel uint32) {
	delete(r.incomplete, channel)
}

// ReadMessage blocks until one complete message is available. Aggregate
// messages are unpacked and their sub messages returned in order.
func (r *ChunkReader) ReadMessage() (*Message, error) {
	for {
		if len(r.pending) > 0 {
			msg := r.pending[0]
			r.pending = r.pending[1:]
			return msg, nil
		}
		msg, err := r.readChunk()
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}
		if msg.Type == TypeAggregate {
			r.pending = append(r.pending, unpackAggregate(msg)...)
			continue
		}
		return msg, nil
	}
}

// readChunk reads one chunk and returns a message if the chunk completed one.
func (r *ChunkReader) readChunk() (*Message, error) {
	b, err := r.ch.ReadUintBE(1)
	if err != nil {
		return nil, err
	}
	hdrtype := uint8(b >> 6)
	channel := b & 0x3f
	switch channel {
	case 0:
		id, err := r.ch.ReadUintLE(1)
		if err != nil {
			return nil, err
		}
		channel = 64 + id
	case 1:
		id, err := r.ch.ReadUintLE(2)
		if err != nil {
			return nil, err
		}
		channel = 64 + id
	}

	header, ok := r.headers[channel]
	if !ok && hdrtype != HeaderFull {
		return nil, fmt.Errorf("%w: channel=%d type=%d", ErrMissingPriorHeader, channel, hdrtype)
	}
	if hdrtype == HeaderFull {
		header = &Header{Channel: channel}
		r.headers[channel] = header
	}

	if hdrtype < HeaderSeparator {
		if header.Time, err = r.ch.ReadUintBE(3); err != nil {
			return nil, err
		}
	}
	if hdrtype < HeaderTime {
		if header.Size, err = r.ch.ReadUintBE(3); err != nil {
			return nil, err
		}
		t, err := r.ch.ReadUintBE(1)
		if err != nil {
			return nil, err
		}
		header.Type = uint8(t)
	}
	if hdrtype < HeaderMessage {
		if header.StreamID, err = r.ch.ReadUintLE(4); err != nil {
			return nil, err
		}
	}
	if header.Time == extendedTimeMarker {
		if header.ExtendedTime, err = r.ch.ReadUintBE(4); err != nil {
			return nil, err
		}
	}

	switch hdrtype {
	case HeaderFull:
		header.CurrentTime = header.wireTime()
		header.HdrType = hdrtype
	case HeaderMessage, HeaderTime:
		header.HdrType = hdrtype
	}

	p, ok := r.incomplete[channel]
	if ok && len(p.data) != int(header.Size) {
		logger.Warning(rtmpMessage(fmt.Sprintf("channel %d restarted mid message, dropping %d bytes", channel, p.n), opWarn))
		ok = false
	}
	if !ok {
		var data []byte
		if header.Size <= maxPooledMessage {
			data = r.pool.Get(int(header.Size))
			data = data[:len(data):len(data)]
		} else {
			data = make([]byte, header.Size)
		}
		p = &partialMessage{data: data}
		r.incomplete[channel] = p
	}

	count := len(p.data) - p.n
	if count > int(r.chunkSize) {
		count = int(r.chunkSize)
	}
	if count > 0 {
		if err := r.ch.ReadFull(p.data[p.n : p.n+count]); err != nil {
			return nil, err
		}
		p.n += count
	}

	if read := r.ch.BytesRead(); read > r.winBase+uint64(r.winSize) {
		r.winBase = read
		if r.OnAck != nil {
			r.OnAck(uint32(read))
		}
	}

	if p.n < len(p.data) {
		return nil, nil
	}
	delete(r.incomplete, channel)

	switch hdrtype {
	case HeaderMessage, HeaderTime:
		header.CurrentTime += header.wireTime()
	case HeaderSeparator:
		if header.HdrType == HeaderMessage || header.HdrType == HeaderTime {
			header.CurrentTime += header.wireTime()
		}
	}

	return &Message{
		Channel:  channel,
		Type:     header.Type,
		StreamID: header.StreamID,
		Time:     header.CurrentTime,
		Data:     p.data,
	}, nil
}

// ChunkWriter multiplexes messages into chunks. It is not safe for
// concurrent use; a connection owns exactly one writer goroutine.
type ChunkWriter struct {
	ch          *ByteChannel
	headers     map[uint32]*Header
	nextChannel uint32
	chunkSize   uint32
	buf         bytes.Buffer
	scratch     [16]byte
}

func NewChunkWriter(ch *ByteChannel) *ChunkWriter {
	return &ChunkWriter{
		ch:          ch,
		headers:     make(map[uint32]*Header),
		nextChannel: FirstDataChannelID,
		chunkSize:   DefaultChunkSize,
	}
}

func (w *ChunkWriter) ChunkSize() uint32 {
	return w.chunkSize
}

// WriteMessage encodes msg as one header chunk plus separator continuations.
// Writing a CHUNK_SIZE message changes the chunk size of every later message.
func (w *ChunkWriter) WriteMessage(msg *Message) error {
	size := uint32(len(msg.Data))
	if size > MaxMessageSize {
		return fmt.Errorf("%w: %d", ErrMessageTooLarge, size)
	}

	var header *Header
	if msg.Type < TypeAudio {
		header = &Header{Channel: ProtocolChannelID}
	} else {
		h, ok := w.headers[msg.StreamID]
		if !ok {
			h = &Header{Channel: w.nextChannel}
			w.nextChannel++
			w.headers[msg.StreamID] = h
		}
		header = h
	}

	var control uint8
	var wireTime uint32
	switch {
	case msg.StreamID != header.StreamID || header.CurrentTime == 0 || msg.Time <= header.CurrentTime:
		control = HeaderFull
		wireTime = msg.Time
	case size != header.Size || msg.Type != header.Type:
		control = HeaderMessage
		wireTime = msg.Time - header.CurrentTime
	default:
		control = HeaderTime
		wireTime = msg.Time - header.CurrentTime
	}
	header.StreamID = msg.StreamID
	header.Size = size
	header.Type = msg.Type
	header.CurrentTime = msg.Time
	header.HdrType = control

	w.buf.Reset()
	w.putHeader(control, header, wireTime)
	for offset := uint32(0); ; {
		end := offset + w.chunkSize
		if end > size {
			end = size
		}
		w.buf.Write(msg.Data[offset:end])
		offset = end
		if offset >= size {
			break
		}
		w.putHeader(HeaderSeparator, header, wireTime)
	}
	msg.Channel = header.Channel

	if err := w.ch.Write(w.buf.Bytes()); err != nil {
		return err
	}
	if msg.Type == TypeChunkSize && size >= 4 {
		w.chunkSize = clampChunkSize(pio.U32BE(msg.Data[:4]))
	}
	return nil
}

func (w *ChunkWriter) putHeader(control uint8, header *Header, wireTime uint32) {
	b := w.scratch[:0]
	channel := header.Channel
	switch {
	case channel < 64:
		b = append(b, control<<6|uint8(channel))
	case channel-64 < 256:
		b = append(b, control<<6, uint8(channel-64))
	default:
		b = append(b, control<<6|1, uint8(channel-64), uint8((channel-64)>>8))
	}
	field := wireTime
	if wireTime >= extendedTimeMarker {
		field = extendedTimeMarker
	}
	if control < HeaderSeparator {
		b = append(b, uint8(field>>16), uint8(field>>8), uint8(field))
	}
	if control < HeaderTime {
		b = append(b, uint8(header.Size>>16), uint8(header.Size>>8), uint8(header.Size), header.Type)
	}
	if control < HeaderMessage {
		b = binary.LittleEndian.AppendUint32(b, header.StreamID)
	}
	if field == extendedTimeMarker {
		b = binary.BigEndian.AppendUint32(b, wireTime)
	}
	w.buf.Write(b)
}
