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

// Package rtmp is the engine of the flashd media server: the RTMP handshake,
// the chunk stream codec, connections, streams and the publish/play router.
package rtmp

import (
	"fmt"
	"time"
)

// Chunk header types. These are the two high bits of the basic header.
const (
	HeaderFull      uint8 = 0x00
	HeaderMessage   uint8 = 0x01
	HeaderTime      uint8 = 0x02
	HeaderSeparator uint8 = 0x03
)

// Message types
const (
	TypeChunkSize     uint8 = 0x01
	TypeAbort         uint8 = 0x02
	TypeAck           uint8 = 0x03
	TypeUserControl   uint8 = 0x04
	TypeWinAckSize    uint8 = 0x05
	TypeSetPeerBW     uint8 = 0x06
	TypeAudio         uint8 = 0x08
	TypeVideo         uint8 = 0x09
	TypeData3         uint8 = 0x0F
	TypeSharedObject3 uint8 = 0x10
	TypeRPC3          uint8 = 0x11
	TypeData          uint8 = 0x12
	TypeSharedObject  uint8 = 0x13
	TypeRPC           uint8 = 0x14
	TypeAggregate     uint8 = 0x16
)

// User control event types
const (
	streamBegin      uint16 = 0
	streamEOF        uint16 = 1
	streamDry        uint16 = 2
	setBufferLen     uint16 = 3
	streamIsRecorded uint16 = 4
	pingRequest      uint16 = 6
	pingResponse     uint16 = 7
)

const (
	DefaultChunkSize    uint32 = 128
	HighWriteChunkSize  uint32 = 4096
	MaxChunkSize        uint32 = 0x7FFFFFFF
	ProtocolChannelID   uint32 = 2
	DefaultReadWinSize  uint32 = 5000000
	DefaultWriteWinSize uint32 = 5000000
	DefaultPort         int    = 1935
	MaxMessageSize      uint32 = 0xFFFFFF

	// FirstDataChannelID is the first chunk channel handed out per stream id on write.
	FirstDataChannelID uint32 = 3

	// FMSVersion is reported to clients in the connect result.
	FMSVersion = "flashd/1,0,0"

	// ConnBufferSize is the size of the per connection read buffer.
	ConnBufferSize = 4096

	// WriteSliceSize is the largest single socket write.
	WriteSliceSize = 4096

	handshakeTimeout = 10 * time.Second
)

var typeNames = map[uint8]string{
	TypeChunkSize:     "chunk_size",
	TypeAbort:         "abort",
	TypeAck:           "ack",
	TypeUserControl:   "user_control",
	TypeWinAckSize:    "win_ack_size",
	TypeSetPeerBW:     "set_peer_bw",
	TypeAudio:         "audio",
	TypeVideo:         "video",
	TypeData3:         "data3",
	TypeSharedObject3: "shared_object3",
	TypeRPC3:          "rpc3",
	TypeData:          "data",
	TypeSharedObject:  "shared_object",
	TypeRPC:           "rpc",
	TypeAggregate:     "aggregate",
}

// TypeName returns a printable name for a message type.
func TypeName(t uint8) string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type_%d", t)
}

// Message is one complete RTMP message. Time is the absolute timestamp in
// milliseconds and len(Data) is always the message size.
type Message struct {
	Channel  uint32
	Type     uint8
	StreamID uint32
	Time     uint32
	Data     []byte
}

// Size is the payload length
func (m *Message) Size() uint32 {
	return uint32(len(m.Data))
}

// Dup returns a deep copy that can be mutated or sent independently.
func (m *Message) Dup() *Message {
	d := *m
	d.Data = make([]byte, len(m.Data))
	copy(d.Data, m.Data)
	return &d
}

func (m *Message) String() string {
	return fmt.Sprintf("%s channel=%d stream=%d time=%d size=%d", TypeName(m.Type), m.Channel, m.StreamID, m.Time, len(m.Data))
}

func clampChunkSize(size uint32) uint32 {
	if size < 1 {
		return 1
	}
	if size > MaxChunkSize {
		return MaxChunkSize
	}
	return size
}
