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
	"io"

	"github.com/gwuhaolin/livego/protocol/amf"
	"github.com/gwuhaolin/livego/utils/pio"
)

// Well known command names
const (
	cmdConnect       = "connect"
	cmdCreateStream  = "createStream"
	cmdCloseStream   = "closeStream"
	cmdDeleteStream  = "deleteStream"
	cmdPublish       = "publish"
	cmdPlay          = "play"
	cmdSeek          = "seek"
	cmdFCUnpublish   = "FCUnpublish"
	cmdOnStatus      = "onStatus"
	cmdResult        = "_result"
	cmdError         = "_error"
	cmdClose         = "close"
	cmdOnMetaData    = "onMetaData"
	cmdSetDataFrame  = "@setDataFrame"
	statusLevel      = "status"
	errorLevel       = "error"
	warningLevel     = "warning"
	statusDescriptor = "description"
)

// Command is an RPC message: a name, a transaction id, the command object
// and the positional arguments.
type Command struct {
	Name string
	ID   float64
	Time uint32
	Type uint8
	Data interface{}
	Args []interface{}
}

func NewCommand(name string, id float64, data interface{}, args ...interface{}) *Command {
	return &Command{
		Name: name,
		ID:   id,
		Type: TypeRPC,
		Data: data,
		Args: args,
	}
}

// CommandFromMessage decodes an RPC or RPC3 message. RPC3 payloads carry a
// leading format byte followed by AMF0 values.
func CommandFromMessage(msg *Message) (*Command, error) {
	payload := msg.Data
	if msg.Type == TypeRPC3 && len(payload) > 0 {
		payload = payload[1:]
	}
	decoder := &amf.Decoder{}
	vs, err := decoder.DecodeBatch(bytes.NewReader(payload), amf.AMF0)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode command: %v", err)
	}
	if len(vs) == 0 {
		return nil, errors.New("decode command: empty payload")
	}
	name, ok := vs[0].(string)
	if !ok {
		return nil, fmt.Errorf("decode command: name is %T", vs[0])
	}
	cmd := &Command{
		Name: name,
		Time: msg.Time,
		Type: msg.Type,
	}
	if len(vs) > 1 {
		cmd.ID, _ = vs[1].(float64)
	}
	if len(vs) > 2 {
		cmd.Data = vs[2]
	}
	if len(vs) > 3 {
		cmd.Args = vs[3:]
	}
	return cmd, nil
}

// ToMessage encodes the command for the given stream id.
func (c *Command) ToMessage(streamID uint32) (*Message, error) {
	buf := bytes.NewBuffer(nil)
	typ := c.Type
	if typ != TypeRPC3 {
		typ = TypeRPC
	} else {
		buf.WriteByte(0x00)
	}
	encoder := &amf.Encoder{}
	values := append([]interface{}{c.Name, c.ID, c.Data}, c.Args...)
	for _, v := range values {
		if _, err := encoder.Encode(buf, v, amf.AMF0); err != nil {
			return nil, fmt.Errorf("encode command %s: %v", c.Name, err)
		}
	}
	return &Message{
		Type:     typ,
		StreamID: streamID,
		Time:     c.Time,
		Data:     buf.Bytes(),
	}, nil
}

// Arg returns the positional argument i or nil.
func (c *Command) Arg(i int) interface{} {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return nil
}

func (c *Command) String() string {
	return fmt.Sprintf("%s id=%v args=%v", c.Name, c.ID, c.Args)
}

// StatusCode returns the code of an onStatus command, or "".
func (c *Command) StatusCode() string {
	if c.Name != cmdOnStatus {
		return ""
	}
	info, ok := c.Arg(0).(amf.Object)
	if !ok {
		return ""
	}
	code, _ := info["code"].(string)
	return code
}

func statusObject(level, code, description string) amf.Object {
	return amf.Object{
		"level":          level,
		"code":           code,
		statusDescriptor: description,
	}
}

// newStatus builds the onStatus command a stream reports to its client.
func newStatus(level, code, description string) *Command {
	return NewCommand(cmdOnStatus, 0, nil, statusObject(level, code, description))
}

func initControlMsg(typ uint8, size int, value uint32) *Message {
	msg := &Message{
		Channel: ProtocolChannelID,
		Type:    typ,
		Data:    make([]byte, size),
	}
	pio.PutU32BE(msg.Data[:4], value)
	return msg
}

func newAck(baseline uint32) *Message {
	return initControlMsg(TypeAck, 4, baseline)
}

func newChunkSize(size uint32) *Message {
	return initControlMsg(TypeChunkSize, 4, size)
}

func newWindowAckSize(size uint32) *Message {
	return initControlMsg(TypeWinAckSize, 4, size)
}

func newSetPeerBandwidth(size uint32) *Message {
	msg := initControlMsg(TypeSetPeerBW, 5, size)
	msg.Data[4] = 2
	return msg
}

/*
   +------------------------------+-------------------------
   |     Event Type ( 2- bytes )  | Event Data
   +------------------------------+-------------------------
   Pay load for the ‘User Control Message’.
*/
func userControlMsg(eventType uint16, values ...uint32) *Message {
	msg := &Message{
		Channel: ProtocolChannelID,
		Type:    TypeUserControl,
		Data:    make([]byte, 2+4*len(values)),
	}
	msg.Data[0] = byte(eventType >> 8)
	msg.Data[1] = byte(eventType)
	for i, v := range values {
		pio.PutU32BE(msg.Data[2+4*i:6+4*i], v)
	}
	return msg
}
