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
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gwuhaolin/livego/protocol/amf"
	"github.com/gwuhaolin/livego/utils/pio"
	"github.com/gwuhaolin/livego/utils/uid"
	"github.com/kris-nova/logger"
)

// connHandler receives the application level events of a connection. The
// Router is the production implementation.
type connHandler interface {
	handleConnect(c *Conn, cmd *Command)
	handleCommand(c *Conn, cmd *Command)
	handleStream(c *Conn, s *Stream)
	handleDisconnect(c *Conn)
}

type connOptions struct {
	writeQueueSize  int
	streamQueueSize int
	readTimeout     time.Duration
	writeTimeout    time.Duration
	metrics         *Metrics
}

func defaultConnOptions() connOptions {
	return connOptions{
		writeQueueSize:  1024,
		streamQueueSize: 1024,
	}
}

// Conn is one RTMP client connection. It owns a reader goroutine running
// the handshake and the message loop, and a writer goroutine draining a
// FIFO so that concurrent senders never interleave chunks.
type Conn struct {
	net.Conn

	id        uint64
	uid       string
	lport     int
	startTime time.Time
	opts      connOptions
	handler   connHandler

	ch     *ByteChannel
	reader *ChunkReader
	writer *ChunkWriter

	outbound chan *Message
	done     chan struct{}
	doneOnce sync.Once

	mu             sync.Mutex
	streams        map[uint32]*Stream
	finished       []*Stream
	nextStreamID   uint32
	nextCallID     float64
	objectEncoding float64
	agent          amf.Object
	path           string
	scheme         int

	writeWinSize  uint32
	writeWinSize0 uint32
}

func newConn(nc net.Conn, id uint64, handler connHandler, opts connOptions) *Conn {
	if opts.writeQueueSize < 1 {
		opts.writeQueueSize = 1
	}
	if opts.streamQueueSize < 1 {
		opts.streamQueueSize = 1
	}
	c := &Conn{
		Conn:         nc,
		id:           id,
		uid:          uid.NewId(),
		startTime:    time.Now(),
		opts:         opts,
		handler:      handler,
		outbound:     make(chan *Message, opts.writeQueueSize),
		done:         make(chan struct{}),
		streams:      make(map[uint32]*Stream),
		nextStreamID: 1,
		nextCallID:   2,
		writeWinSize: DefaultWriteWinSize,
	}
	if addr, ok := nc.LocalAddr().(*net.TCPAddr); ok {
		c.lport = addr.Port
	}
	c.ch = NewByteChannel(nc, ConnBufferSize)
	c.reader = NewChunkReader(c.ch)
	c.writer = NewChunkWriter(c.ch)
	c.reader.OnAck = func(baseline uint32) {
		logger.Debug(rtmpConnMessage(c.uid, fmt.Sprintf("ack %d", baseline), opAck))
		c.opts.metrics.ackSent()
		c.writeMessage(newAck(baseline))
	}
	return c
}

// serve runs the connection until the peer goes away. It always tears the
// connection down before returning.
func (c *Conn) serve() {
	c.opts.metrics.connOpened()
	defer c.teardown()
	go c.writeLoop()

	if err := c.negotiate(); err != nil {
		if !errors.Is(err, errPolicyServed) {
			logger.Warning(rtmpConnMessage(c.uid, fmt.Sprintf("handshake: %v", err), opDanger))
		}
		return
	}
	for {
		if c.opts.readTimeout > 0 {
			c.Conn.SetReadDeadline(time.Now().Add(c.opts.readTimeout))
		}
		msg, err := c.reader.ReadMessage()
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				logger.Debug(rtmpConnMessage(c.uid, err.Error(), opStop))
			} else {
				logger.Warning(rtmpConnMessage(c.uid, err.Error(), opDanger))
			}
			return
		}
		c.dispatch(msg)
	}
}

func (c *Conn) negotiate() error {
	c.Conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer c.Conn.SetDeadline(time.Time{})
	if err := serveCrossDomainPolicy(c.ch, c.lport); err != nil {
		return err
	}
	scheme, err := serverHandshake(c.ch)
	if err != nil {
		return err
	}
	c.scheme = scheme
	c.opts.metrics.handshake(scheme)
	logger.Debug(rtmpConnMessage(c.uid, fmt.Sprintf("handshake scheme=%d", scheme), opHs))
	return nil
}

func (c *Conn) teardown() {
	c.shutdown()
	c.handler.handleDisconnect(c)
	c.opts.metrics.connClosed()
	logger.Info(rtmpConnMessage(c.uid, fmt.Sprintf("closed %s", c.RemoteAddr()), opStop))
}

// shutdown stops the writer and closes the socket. Safe to call many times.
func (c *Conn) shutdown() {
	c.doneOnce.Do(func() {
		close(c.done)
	})
	c.Conn.Close()
}

// Close stops the writer and closes the socket. The reader notices and
// tears the connection down.
func (c *Conn) Close() error {
	c.shutdown()
	return nil
}

// Done is closed once the connection stops writing.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.outbound:
			if c.opts.writeTimeout > 0 {
				c.Conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			}
			if err := c.writer.WriteMessage(msg); err != nil {
				logger.Debug(rtmpConnMessage(c.uid, fmt.Sprintf("write: %v", err), opDanger))
				c.shutdown()
				return
			}
			traceMessage(c.uid, msg, opTx)
		case <-c.done:
			return
		}
	}
}

// writeMessage queues msg, blocking while the queue is full.
func (c *Conn) writeMessage(msg *Message) error {
	select {
	case c.outbound <- msg:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	}
}

// tryWriteMessage queues msg unless the queue is full, in which case the
// message is dropped. Used for media fan out so that one slow player never
// stalls a publisher.
func (c *Conn) tryWriteMessage(msg *Message) bool {
	select {
	case c.outbound <- msg:
		return true
	case <-c.done:
		return false
	default:
		c.opts.metrics.dropped()
		return false
	}
}

func (c *Conn) writeCommand(cmd *Command, streamID uint32) error {
	msg, err := cmd.ToMessage(streamID)
	if err != nil {
		return err
	}
	return c.writeMessage(msg)
}

func (c *Conn) dispatch(msg *Message) {
	c.opts.metrics.messageReceived(msg.Type)
	traceMessage(c.uid, msg, opRx)

	if msg.Channel == ProtocolChannelID || msg.Type <= TypeSetPeerBW {
		c.protocolMessage(msg)
		return
	}
	if (msg.Type == TypeRPC || msg.Type == TypeRPC3) && msg.StreamID == 0 {
		cmd, err := CommandFromMessage(msg)
		if err != nil {
			logger.Warning(rtmpConnMessage(c.uid, err.Error(), opWarn))
			return
		}
		c.command(cmd)
		return
	}
	if msg.StreamID == 0 {
		logger.Debug(rtmpConnMessage(c.uid, fmt.Sprintf("dropping %s on stream 0", TypeName(msg.Type)), opWarn))
		return
	}
	s := c.Stream(msg.StreamID)
	if s == nil {
		logger.Warning(rtmpConnMessage(c.uid, fmt.Sprintf("message for unknown stream %d", msg.StreamID), opWarn))
		return
	}
	s.enqueue(msg)
}

func (c *Conn) protocolMessage(msg *Message) {
	switch msg.Type {
	case TypeAck:
		if len(msg.Data) >= 4 {
			atomic.StoreUint32(&c.writeWinSize0, pio.U32BE(msg.Data[:4]))
		}
	case TypeChunkSize:
		if len(msg.Data) >= 4 {
			c.reader.SetChunkSize(pio.U32BE(msg.Data[:4]) & 0x7FFFFFFF)
			logger.Debug(rtmpConnMessage(c.uid, fmt.Sprintf("read chunk size %d", c.reader.ChunkSize()), opConn))
		}
	case TypeWinAckSize:
		if len(msg.Data) >= 4 {
			c.reader.SetWindow(pio.U32BE(msg.Data[:4]))
		}
	case TypeUserControl:
		if len(msg.Data) < 2 {
			return
		}
		event := uint16(msg.Data[0])<<8 | uint16(msg.Data[1])
		if event == setBufferLen && len(msg.Data) >= 10 {
			streamID := pio.U32BE(msg.Data[2:6])
			reply := userControlMsg(streamBegin, streamID)
			reply.Time = c.RelativeTime()
			c.writeMessage(reply)
		}
	case TypeAbort:
		if len(msg.Data) >= 4 {
			c.reader.Abort(pio.U32BE(msg.Data[:4]))
		}
	default:
		logger.Debug(rtmpConnMessage(c.uid, fmt.Sprintf("ignoring %s on protocol channel", TypeName(msg.Type)), opWarn))
	}
}

func (c *Conn) command(cmd *Command) {
	logger.Debug(rtmpConnMessage(c.uid, cmd.String(), opRx))
	switch cmd.Name {
	case cmdConnect:
		agent, _ := cmd.Data.(amf.Object)
		c.mu.Lock()
		c.agent = agent
		if enc, ok := agent["objectEncoding"].(float64); ok {
			c.objectEncoding = enc
		}
		if app, ok := agent["app"].(string); ok {
			c.path = app
		}
		c.mu.Unlock()
		c.handler.handleConnect(c, cmd)
	case cmdCreateStream:
		s := c.createStream()
		reply := &Command{
			Name: cmdResult,
			ID:   cmd.ID,
			Time: c.RelativeTime(),
			Type: c.rpcType(),
			Args: []interface{}{s.ID},
		}
		if err := c.writeCommand(reply, 0); err != nil {
			return
		}
		logger.Debug(rtmpConnMessage(c.uid, fmt.Sprintf("created stream %d", s.ID), opNew))
		c.handler.handleStream(c, s)
	case cmdCloseStream:
		c.finishStream(streamIDArg(cmd))
	case cmdDeleteStream:
		c.finishStream(streamIDArg(cmd))
		c.handler.handleCommand(c, cmd)
	default:
		c.handler.handleCommand(c, cmd)
	}
}

func streamIDArg(cmd *Command) uint32 {
	if f, ok := cmd.Arg(0).(float64); ok && f > 0 {
		return uint32(f)
	}
	return 0
}

func (c *Conn) createStream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := newStream(c, c.nextStreamID, c.opts.streamQueueSize)
	c.streams[s.ID] = s
	c.nextStreamID++
	return s
}

func (c *Conn) removeStream(id uint32) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[id]
	if !ok {
		return nil
	}
	delete(c.streams, id)
	return s
}

// finishStream removes the stream and closes its queue. The stream is kept
// until teardown so its remaining messages can be waited for.
func (c *Conn) finishStream(id uint32) {
	s := c.removeStream(id)
	if s == nil {
		return
	}
	s.finish()
	c.mu.Lock()
	c.finished = append(c.finished, s)
	c.mu.Unlock()
}

// takeStreams removes and returns every stream of the connection,
// including the ones finished by closeStream or deleteStream.
func (c *Conn) takeStreams() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	streams := make([]*Stream, 0, len(c.streams)+len(c.finished))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	streams = append(streams, c.finished...)
	c.streams = make(map[uint32]*Stream)
	c.finished = nil
	sort.Slice(streams, func(i, j int) bool { return streams[i].ID < streams[j].ID })
	return streams
}

// Stream returns the stream with the given id or nil.
func (c *Conn) Stream(id uint32) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *Conn) rpcType() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.objectEncoding == 0 {
		return TypeRPC
	}
	return TypeRPC3
}

// Accept answers the pending connect with NetConnection.Connect.Success.
func (c *Conn) Accept() error {
	c.mu.Lock()
	info := statusObject(statusLevel, "NetConnection.Connect.Success", "Connection succeeded.")
	if _, ok := c.agent["objectEncoding"]; ok {
		info["objectEncoding"] = c.objectEncoding
	}
	c.mu.Unlock()
	props := amf.Object{
		"fmsVer":       FMSVersion,
		"capabilities": 31,
	}
	return c.writeCommand(&Command{Name: cmdResult, ID: 1, Type: c.rpcType(), Data: props, Args: []interface{}{info}}, 0)
}

// Reject answers the pending connect with NetConnection.Connect.Rejected.
func (c *Conn) Reject(reason string) error {
	info := statusObject(statusLevel, "NetConnection.Connect.Rejected", reason)
	info["fmsVer"] = FMSVersion
	return c.writeCommand(&Command{Name: cmdError, ID: 1, Type: c.rpcType(), Args: []interface{}{info}}, 0)
}

// Redirect rejects the pending connect and points the client at url.
func (c *Conn) Redirect(url, reason string) error {
	if reason == "" {
		reason = "Connection failed"
	}
	info := statusObject(statusLevel, "NetConnection.Connect.Rejected", reason)
	info["fmsVer"] = FMSVersion
	info["ex"] = amf.Object{"code": 302, "redirect": url}
	return c.writeCommand(&Command{Name: cmdError, ID: 1, Type: c.rpcType(), Args: []interface{}{info}}, 0)
}

// Call invokes a method on the client.
func (c *Conn) Call(method string, args ...interface{}) error {
	c.mu.Lock()
	id := c.nextCallID
	c.nextCallID++
	c.mu.Unlock()
	return c.writeCommand(&Command{Name: method, ID: id, Time: c.RelativeTime(), Type: c.rpcType(), Args: args}, 0)
}

// RelativeTime is the number of milliseconds since the connection started.
func (c *Conn) RelativeTime() uint32 {
	return uint32(time.Since(c.startTime) / time.Millisecond)
}

func (c *Conn) ID() uint64 {
	return c.id
}

func (c *Conn) UID() string {
	return c.uid
}

// Path is the app path the client connected to, such as "live/room1".
func (c *Conn) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// Agent is the command object of the connect call.
func (c *Conn) Agent() amf.Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent
}

func (c *Conn) ObjectEncoding() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.objectEncoding
}

// WriteWindow returns the peer window size and the last acknowledged byte count.
func (c *Conn) WriteWindow() (uint32, uint32) {
	return c.writeWinSize, atomic.LoadUint32(&c.writeWinSize0)
}
