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
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gwuhaolin/livego/protocol/amf"
	"github.com/gwuhaolin/livego/utils/pio"
	"github.com/kris-nova/logger"
)

const (
	clientFlashVer  = "FMLE/3.0 (compatible; flashd)"
	dialTimeout     = 10 * time.Second
	responseTimeout = 10 * time.Second
)

// Client is a minimal RTMP client able to publish or play one stream.
type Client struct {
	addr *URLAddr
	conn net.Conn
	ch   *ByteChannel

	reader *ChunkReader
	writer *ChunkWriter
	wmu    sync.Mutex

	startTime     time.Time
	transactionID float64
	streamID      uint32
}

// Dial connects to url, runs the handshake, the connect call and
// createStream.
func Dial(url string) (*Client, error) {
	addr, err := ParseURLAddr(url)
	if err != nil {
		return nil, err
	}
	nc, err := net.DialTimeout("tcp", addr.Host(), dialTimeout)
	if err != nil {
		return nil, err
	}
	c := NewClient(nc, addr)
	if err := c.open(); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// NewClient wraps an established connection. Dial is the usual entry point.
func NewClient(nc net.Conn, addr *URLAddr) *Client {
	c := &Client{
		addr:      addr,
		conn:      nc,
		ch:        NewByteChannel(nc, ConnBufferSize),
		startTime: time.Now(),
	}
	c.reader = NewChunkReader(c.ch)
	c.writer = NewChunkWriter(c.ch)
	c.reader.OnAck = func(baseline uint32) {
		c.write(newAck(baseline))
	}
	return c
}

func (c *Client) open() error {
	c.conn.SetDeadline(time.Now().Add(responseTimeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := clientHandshake(c.ch, 1); err != nil {
		return fmt.Errorf("handshake: %v", err)
	}
	logger.Debug(rtmpMessage(fmt.Sprintf("client handshake with %s", c.addr.Host()), opHs))

	c.transactionID = 1
	connect := NewCommand(cmdConnect, c.transactionID, amf.Object{
		"app":            c.addr.App(),
		"flashVer":       clientFlashVer,
		"tcUrl":          c.addr.TCURL(),
		"fpad":           false,
		"capabilities":   15,
		"audioCodecs":    4071,
		"videoCodecs":    252,
		"videoFunction":  1,
		"objectEncoding": 0,
	})
	if err := c.writeCommand(connect, 0); err != nil {
		return err
	}
	res, err := c.waitResult(c.transactionID)
	if err != nil {
		return err
	}
	if res.Name == cmdError {
		return fmt.Errorf("connect %s rejected: %v", c.addr.SafeURL(), statusText(res.Arg(0)))
	}

	c.transactionID++
	if err := c.writeCommand(NewCommand(cmdCreateStream, c.transactionID, nil), 0); err != nil {
		return err
	}
	res, err = c.waitResult(c.transactionID)
	if err != nil {
		return err
	}
	id, ok := res.Arg(0).(float64)
	if res.Name != cmdResult || !ok {
		return fmt.Errorf("createStream failed: %v", res)
	}
	c.streamID = uint32(id)
	logger.Info(rtmpMessage(fmt.Sprintf("connected to %s stream=%d", c.addr.SafeURL(), c.streamID), opConn))
	return nil
}

// Publish starts publishing the stream name of the address in live mode.
func (c *Client) Publish() error {
	return c.PublishMode(ModeLive)
}

func (c *Client) PublishMode(mode string) error {
	cmd := NewCommand(cmdPublish, 0, nil, c.addr.Name(), mode)
	if err := c.writeCommand(cmd, c.streamID); err != nil {
		return err
	}
	return c.waitStatus("NetStream.Publish.Start")
}

// Play asks for the stream name of the address from the live edge, or
// from a recording when there is no publisher.
func (c *Client) Play() error {
	return c.PlayFrom(-2)
}

// PlayFrom is Play with an explicit start: -2 live or recorded, -1 live
// only, 0 and above recorded from that offset in milliseconds.
func (c *Client) PlayFrom(start float64) error {
	cmd := NewCommand(cmdPlay, 0, nil, c.addr.Name(), start)
	if err := c.writeCommand(cmd, c.streamID); err != nil {
		return err
	}
	return c.waitStatus("NetStream.Play.Start")
}

// Seek repositions a recorded stream.
func (c *Client) Seek(ms float64) error {
	if err := c.writeCommand(NewCommand(cmdSeek, 0, nil, ms), c.streamID); err != nil {
		return err
	}
	return c.waitStatus("NetStream.Seek.Notify")
}

// WriteMedia sends one audio, video or data message on the stream.
func (c *Client) WriteMedia(typ uint8, ts uint32, data []byte) error {
	return c.write(&Message{
		Type:     typ,
		StreamID: c.streamID,
		Time:     ts,
		Data:     data,
	})
}

// WriteMessage sends msg on the stream of the client.
func (c *Client) WriteMessage(msg *Message) error {
	msg.StreamID = c.streamID
	return c.write(msg)
}

// ReadMessage returns the next message that is not a protocol control
// message. Control messages are applied on the way.
func (c *Client) ReadMessage() (*Message, error) {
	for {
		msg, err := c.reader.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msg.Channel == ProtocolChannelID || msg.Type <= TypeSetPeerBW {
			c.control(msg)
			if msg.Type != TypeUserControl {
				continue
			}
		}
		return msg, nil
	}
}

// ReadCommand returns the next RPC message as a command, skipping media.
func (c *Client) ReadCommand() (*Command, error) {
	for {
		msg, err := c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msg.Type != TypeRPC && msg.Type != TypeRPC3 {
			continue
		}
		return CommandFromMessage(msg)
	}
}

// SetReadDeadline bounds the next reads.
func (c *Client) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Client) StreamID() uint32 {
	return c.streamID
}

func (c *Client) Addr() *URLAddr {
	return c.addr
}

// Close sends closeStream and closes the connection.
func (c *Client) Close() error {
	if c.streamID != 0 {
		c.writeCommand(NewCommand(cmdCloseStream, 0, nil), c.streamID)
	}
	return c.conn.Close()
}

func (c *Client) control(msg *Message) {
	switch msg.Type {
	case TypeChunkSize:
		if len(msg.Data) >= 4 {
			c.reader.SetChunkSize(pio.U32BE(msg.Data[:4]) & 0x7FFFFFFF)
		}
	case TypeWinAckSize:
		if len(msg.Data) >= 4 {
			c.reader.SetWindow(pio.U32BE(msg.Data[:4]))
		}
	case TypeUserControl:
		if len(msg.Data) >= 6 && uint16(msg.Data[0])<<8|uint16(msg.Data[1]) == pingRequest {
			reply := userControlMsg(pingResponse, pio.U32BE(msg.Data[2:6]))
			c.write(reply)
		}
	}
}

func (c *Client) write(msg *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.writer.WriteMessage(msg)
}

func (c *Client) writeCommand(cmd *Command, streamID uint32) error {
	cmd.Time = uint32(time.Since(c.startTime) / time.Millisecond)
	cmd.Type = TypeRPC
	msg, err := cmd.ToMessage(streamID)
	if err != nil {
		return err
	}
	return c.write(msg)
}

func (c *Client) waitResult(id float64) (*Command, error) {
	for {
		cmd, err := c.ReadCommand()
		if err != nil {
			return nil, err
		}
		if (cmd.Name == cmdResult || cmd.Name == cmdError) && cmd.ID == id {
			return cmd, nil
		}
		logger.Debug(rtmpMessage(fmt.Sprintf("client skipping %s", cmd), opWarn))
	}
}

// waitStatus reads until an onStatus with code arrives or an error level
// status is reported.
func (c *Client) waitStatus(code string) error {
	c.conn.SetReadDeadline(time.Now().Add(responseTimeout))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		cmd, err := c.ReadCommand()
		if err != nil {
			return err
		}
		if cmd.Name != cmdOnStatus {
			continue
		}
		info, _ := cmd.Arg(0).(amf.Object)
		if info["level"] == errorLevel {
			return &StatusError{Code: fmt.Sprint(info["code"]), Description: fmt.Sprint(info[statusDescriptor])}
		}
		if info["code"] == code {
			return nil
		}
	}
}

// StatusError is an error level onStatus reported by the server.
type StatusError struct {
	Code        string
	Description string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func statusText(info interface{}) string {
	obj, ok := info.(amf.Object)
	if !ok {
		return fmt.Sprint(info)
	}
	return fmt.Sprintf("%v: %v", obj["code"], obj[statusDescriptor])
}
