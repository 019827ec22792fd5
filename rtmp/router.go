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
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kris-nova/logger"
)

// DefaultApp is the factory key used when no app is registered under the
// name a client connects to.
const DefaultApp = "*"

// Registry issues monotonically increasing ids for connections and
// application instances.
type Registry struct {
	conns     uint64
	instances uint64
}

func (g *Registry) NextConn() uint64 {
	return atomic.AddUint64(&g.conns, 1)
}

func (g *Registry) NextInstance() uint64 {
	return atomic.AddUint64(&g.instances, 1)
}

// Instance is the state of one application path such as "live/room1". It
// is shared by every connection on that path.
type Instance struct {
	id   uint64
	name string
	path string
	app  App

	// pending counts connects still running OnConnect, guarded by Router.mu
	pending int

	mu         sync.Mutex
	clients    map[*Conn]struct{}
	publishers map[string]*Stream
	players    map[string][]*Stream
}

func newInstance(id uint64, name, path string) *Instance {
	return &Instance{
		id:         id,
		name:       name,
		path:       path,
		clients:    make(map[*Conn]struct{}),
		publishers: make(map[string]*Stream),
		players:    make(map[string][]*Stream),
	}
}

func (inst *Instance) ID() uint64 {
	return inst.id
}

// Name is the app name, the first element of the path.
func (inst *Instance) Name() string {
	return inst.name
}

func (inst *Instance) Path() string {
	return inst.path
}

func (inst *Instance) App() App {
	return inst.app
}

// Publisher returns the stream publishing name, or nil.
func (inst *Instance) Publisher(name string) *Stream {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.publishers[name]
}

// Publishers lists the published names in order.
func (inst *Instance) Publishers() []string {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	names := make([]string, 0, len(inst.publishers))
	for name := range inst.publishers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Players returns a copy of the players of name. The second value reports
// whether the name has an entry at all.
func (inst *Instance) Players(name string) ([]*Stream, bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	players, ok := inst.players[name]
	if !ok {
		return nil, false
	}
	out := make([]*Stream, len(players))
	copy(out, players)
	return out, true
}

// PlayerCounts maps every played name to its number of players.
func (inst *Instance) PlayerCounts() map[string]int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	counts := make(map[string]int, len(inst.players))
	for name, players := range inst.players {
		counts[name] = len(players)
	}
	return counts
}

func (inst *Instance) Clients() []*Conn {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	clients := make([]*Conn, 0, len(inst.clients))
	for c := range inst.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	return clients
}

func (inst *Instance) hasClient(c *Conn) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	_, ok := inst.clients[c]
	return ok
}

// Router owns the application instances and drives the publish and play
// state machine for every stream.
type Router struct {
	mu        sync.Mutex
	apps      map[string]AppFactory
	instances map[string]*Instance

	root      string
	recording bool
	metrics   *Metrics
	announcer Announcer
	ids       *Registry
}

// NewRouter creates a Router serving files under root. The default app and
// the wirecast app are registered.
func NewRouter(root string) *Router {
	if root == "" {
		root = "."
	}
	r := &Router{
		apps:      make(map[string]AppFactory),
		instances: make(map[string]*Instance),
		root:      root,
		ids:       &Registry{},
	}
	r.Register(DefaultApp, func(inst *Instance) App { return NewBaseApp() })
	r.Register("wirecast", NewWirecast)
	return r
}

// Register installs the factory for an app name. DefaultApp catches every
// name without its own factory.
func (r *Router) Register(name string, factory AppFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if factory == nil {
		delete(r.apps, name)
		return
	}
	r.apps[name] = factory
}

// SetRecording enables writing published streams to root.
func (r *Router) SetRecording(on bool) {
	r.recording = on
}

func (r *Router) SetMetrics(m *Metrics) {
	r.metrics = m
}

func (r *Router) SetAnnouncer(a Announcer) {
	r.announcer = a
}

func (r *Router) Registry() *Registry {
	return r.ids
}

// Instance returns the live instance of path, or nil.
func (r *Router) Instance(path string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instances[path]
}

// Instances returns the live instances ordered by path.
func (r *Router) Instances() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// instanceOf returns the instance c has been accepted into, or nil.
func (r *Router) instanceOf(c *Conn) *Instance {
	r.mu.Lock()
	inst := r.instances[c.Path()]
	r.mu.Unlock()
	if inst == nil || !inst.hasClient(c) {
		return nil
	}
	return inst
}

// streamFile maps a stream to root/scope/name.flv where scope is the path
// after the app name.
func (r *Router) streamFile(path, name string) string {
	scope := ""
	if i := strings.Index(path, "/"); i >= 0 {
		scope = path[i+1:]
	}
	return filepath.Join(r.root, filepath.Clean("/"+scope+"/"+name+".flv"))
}

func (r *Router) handleConnect(c *Conn, cmd *Command) {
	enc := c.ObjectEncoding()
	if enc != 0 && enc != 3 {
		c.Reject(fmt.Sprintf("Unsupported encoding %v. Please use NetConnection.defaultObjectEncoding=ObjectEncoding.AMF0", enc))
		return
	}
	path := c.Path()
	if path == "" {
		c.Reject("Missing app path")
		return
	}
	name := path
	if i := strings.Index(path, "/"); i >= 0 {
		name = path[:i]
	}

	r.mu.Lock()
	factory, ok := r.apps[name]
	if !ok {
		factory, ok = r.apps[DefaultApp]
	}
	if !ok {
		r.mu.Unlock()
		c.Reject("Application not found: " + name)
		return
	}
	inst, exists := r.instances[path]
	if !exists {
		inst = newInstance(r.ids.NextInstance(), name, path)
		inst.app = factory(inst)
		r.instances[path] = inst
		r.metrics.instanceAdded(1)
		logger.Info(rtmpMessage(fmt.Sprintf("instance %d for %s", inst.id, path), opNew))
	}
	inst.pending++
	r.mu.Unlock()

	win := newWindowAckSize(c.writeWinSize)
	win.Time = c.RelativeTime()
	c.writeMessage(win)
	bw := newSetPeerBandwidth(c.writeWinSize)
	bw.Time = c.RelativeTime()
	c.writeMessage(bw)

	var accepted bool
	err := hook(string(EventConnect), func() {
		accepted = inst.app.OnConnect(c, cmd.Args...)
	})

	r.mu.Lock()
	inst.pending--
	if err == nil && accepted {
		inst.mu.Lock()
		inst.clients[c] = struct{}{}
		inst.mu.Unlock()
	} else if r.instances[path] == inst && inst.pending == 0 && len(inst.Clients()) == 0 {
		delete(r.instances, path)
		r.metrics.instanceAdded(-1)
	}
	r.mu.Unlock()

	switch {
	case err != nil:
		c.Reject("Exception on onConnect")
	case !accepted:
		c.Reject("Rejected in onConnect")
	default:
		logger.Info(rtmpConnMessage(c.uid, fmt.Sprintf("connected %s to %s", c.RemoteAddr(), path), opConn))
		c.Accept()
	}
}

func (r *Router) handleCommand(c *Conn, cmd *Command) {
	inst := r.instanceOf(c)
	if inst == nil {
		logger.Warning(rtmpConnMessage(c.uid, fmt.Sprintf("%s before connect", cmd.Name), opWarn))
		return
	}
	switch cmd.Name {
	case cmdError:
		hook(string(EventStatus), func() { inst.app.OnStatus(c, cmd.Arg(0)) })
	case cmdResult:
		hook(string(EventResult), func() { inst.app.OnResult(c, cmd.Arg(0)) })
	case cmdFCUnpublish:
		r.unpublish(inst, c, streamName(cmd.Arg(0)))
		hook(string(EventUnpublish), func() { inst.app.OnUnpublish(c, cmd.Arg(0)) })
	case cmdDeleteStream:
		hook(string(EventDelete), func() { inst.app.OnDelete(c, cmd.Arg(0)) })
	default:
		var (
			result interface{}
			cerr   error
		)
		err := hook(string(EventCommand), func() {
			result, cerr = inst.app.OnCommand(c, cmd.Name, cmd.Args...)
		})
		reply := &Command{
			Name: cmdResult,
			ID:   cmd.ID,
			Time: c.RelativeTime(),
			Type: c.rpcType(),
		}
		switch {
		case err != nil:
			reply.Name = cmdError
		case cerr != nil:
			reply.Name = cmdError
			reply.Args = []interface{}{statusObject(errorLevel, "NetConnection.Call.Failed", cerr.Error())}
		case result != nil:
			reply.Args = []interface{}{result}
		}
		c.writeCommand(reply, 0)
	}
}

func (r *Router) handleStream(c *Conn, s *Stream) {
	s.loop = make(chan struct{})
	go r.streamLoop(s)
}

// handleDisconnect finishes every stream of c and waits for their queued
// messages to be handled before the instance is left.
func (r *Router) handleDisconnect(c *Conn) {
	for _, s := range c.takeStreams() {
		s.finish()
		if s.loop != nil {
			<-s.loop
		}
		r.releaseStream(s)
	}

	path := c.Path()
	var registered, last bool
	r.mu.Lock()
	inst := r.instances[path]
	if inst != nil {
		inst.mu.Lock()
		_, registered = inst.clients[c]
		delete(inst.clients, c)
		empty := len(inst.clients) == 0
		inst.mu.Unlock()
		if registered && empty && inst.pending == 0 {
			delete(r.instances, path)
			last = true
		}
	}
	r.mu.Unlock()

	if !registered {
		return
	}
	if last {
		r.metrics.instanceAdded(-1)
		logger.Info(rtmpMessage(fmt.Sprintf("instance %d for %s destroyed", inst.id, path), opStop))
	}
	hook(string(EventDisconnect), func() { inst.app.OnDisconnect(c) })
}

// streamLoop consumes the inbound queue of s in order until it is
// finished, then releases s.
func (r *Router) streamLoop(s *Stream) {
	defer close(s.loop)
	for {
		msg, ok := s.Recv()
		if !ok {
			break
		}
		s.serial.Lock()
		if !s.closed {
			r.streamMessage(s, msg)
		}
		s.serial.Unlock()
	}
	r.releaseStream(s)
}

func (r *Router) streamMessage(s *Stream, msg *Message) {
	inst := r.instanceOf(s.conn)
	if inst == nil {
		logger.Warning(rtmpConnMessage(s.conn.uid, fmt.Sprintf("stream %d used before connect", s.ID), opWarn))
		return
	}
	if msg.Type != TypeRPC && msg.Type != TypeRPC3 {
		r.media(inst, s, msg)
		return
	}
	cmd, err := CommandFromMessage(msg)
	if err != nil {
		logger.Warning(rtmpConnMessage(s.conn.uid, err.Error(), opWarn))
		return
	}
	logger.Debug(rtmpConnMessage(s.conn.uid, fmt.Sprintf("stream %d %s", s.ID, cmd), opStream))
	switch cmd.Name {
	case cmdPublish:
		r.publish(inst, s, cmd)
	case cmdPlay:
		r.play(inst, s, cmd)
	case cmdCloseStream:
		s.conn.removeStream(s.ID)
		r.releaseLocked(s)
	case cmdSeek:
		r.seek(s, cmd)
	default:
		logger.Debug(rtmpConnMessage(s.conn.uid, fmt.Sprintf("ignoring %s on stream %d", cmd.Name, s.ID), opWarn))
	}
}

// releaseStream closes s and removes it from the instance maps. It is
// idempotent.
func (r *Router) releaseStream(s *Stream) {
	s.serial.Lock()
	defer s.serial.Unlock()
	r.releaseLocked(s)
}

// releaseLocked requires s.serial.
func (r *Router) releaseLocked(s *Stream) {
	if s.closed {
		return
	}
	s.closed = true
	s.markDone()
	if inst := r.instanceOf(s.conn); inst != nil {
		r.detach(inst, s)
		return
	}
	s.closeFiles()
}

// detach removes s from the publisher and player maps, runs the matching
// close hooks and releases its files.
func (r *Router) detach(inst *Instance, s *Stream) {
	name := s.Name()
	var publisher, player bool
	inst.mu.Lock()
	if name != "" && inst.publishers[name] == s {
		delete(inst.publishers, name)
		publisher = true
	}
	if players, ok := inst.players[name]; ok {
		for i, p := range players {
			if p == s {
				players = append(players[:i], players[i+1:]...)
				player = true
				break
			}
		}
		if len(players) == 0 {
			delete(inst.players, name)
		} else {
			inst.players[name] = players
		}
	}
	inst.mu.Unlock()

	if publisher {
		r.metrics.publisherAdded(-1)
		hook(string(EventClose), func() { inst.app.OnClose(s.conn, s) })
		if r.announcer != nil {
			if err := r.announcer.Withdraw(inst.path, name); err != nil {
				logger.Warning(rtmpMessage(fmt.Sprintf("withdraw %s/%s: %v", inst.path, name, err), opAnnounce))
			}
		}
		logger.Info(rtmpConnMessage(s.conn.uid, fmt.Sprintf("unpublished %s/%s", inst.path, name), opStop))
	}
	if player {
		r.metrics.playerAdded(-1)
		hook(string(EventStop), func() { inst.app.OnStop(s.conn, s) })
		logger.Info(rtmpConnMessage(s.conn.uid, fmt.Sprintf("stopped %s/%s", inst.path, name), opStop))
	}
	s.closeFiles()
	s.setName("", ModeLive)
}

// unpublish detaches the publisher of name owned by c, keeping the stream
// open for another publish.
func (r *Router) unpublish(inst *Instance, c *Conn, name string) {
	s := inst.Publisher(name)
	if s == nil || s.conn != c {
		return
	}
	s.serial.Lock()
	defer s.serial.Unlock()
	if !s.closed && s.Name() == name {
		r.detach(inst, s)
	}
}

// streamName extracts a stream name from a command argument, dropping any
// query string.
func streamName(arg interface{}) string {
	name, _ := arg.(string)
	if i := strings.Index(name, "?"); i >= 0 {
		name = name[:i]
	}
	return name
}

func (r *Router) publish(inst *Instance, s *Stream, cmd *Command) {
	name := streamName(cmd.Arg(0))
	mode := ModeLive
	if m, ok := cmd.Arg(1).(string); ok && m != "" {
		mode = m
	}
	switch mode {
	case ModeLive, ModeRecord, ModeAppend:
	default:
		logger.Warning(rtmpConnMessage(s.conn.uid, fmt.Sprintf("unknown publish mode %q, using live", mode), opWarn))
		mode = ModeLive
	}
	if name == "" {
		s.sendStatus(errorLevel, "NetStream.Publish.BadName", "Missing stream name")
		return
	}
	if s.Name() != "" {
		r.detach(inst, s)
	}

	inst.mu.Lock()
	if _, taken := inst.publishers[name]; taken {
		inst.mu.Unlock()
		logger.Warning(rtmpConnMessage(s.conn.uid, fmt.Sprintf("%s/%s: %v", inst.path, name, ErrBadName), opWarn))
		s.sendStatus(errorLevel, "NetStream.Publish.BadName", "Stream name already in use")
		return
	}
	inst.publishers[name] = s
	inst.mu.Unlock()
	s.setName(name, mode)
	r.metrics.publisherAdded(1)

	hook(string(EventPublish), func() { inst.app.OnPublish(s.conn, s) })

	if r.recording {
		path := r.streamFile(inst.path, name)
		f, err := OpenFLV(path, mode)
		if err != nil {
			logger.Warning(rtmpConnMessage(s.conn.uid, fmt.Sprintf("record %s: %v", path, err), opRecord))
		} else {
			s.setRecordFile(f)
			logger.Info(rtmpConnMessage(s.conn.uid, fmt.Sprintf("recording %s (%s)", path, mode), opRecord))
		}
	}

	s.sendStatus(statusLevel, "NetStream.Publish.Start", name)
	logger.Info(rtmpConnMessage(s.conn.uid, fmt.Sprintf("publishing %s/%s (%s)", inst.path, name, mode), opPub))

	if r.announcer != nil {
		if err := r.announcer.Announce(inst.path, name); err != nil {
			logger.Warning(rtmpMessage(fmt.Sprintf("announce %s/%s: %v", inst.path, name, err), opAnnounce))
		}
	}
}

func (r *Router) play(inst *Instance, s *Stream, cmd *Command) {
	name := streamName(cmd.Arg(0))
	start := -2.0
	if f, ok := cmd.Arg(1).(float64); ok {
		start = f
	}
	if s.Name() != "" {
		r.detach(inst, s)
	}

	live := name != "" && inst.Publisher(name) != nil
	var file *FLVFile
	if name != "" && (start >= 0 || (start == -2 && !live)) {
		path := r.streamFile(inst.path, name)
		f, err := OpenFLV(path, ModePlay)
		switch {
		case err == nil:
			file = f
			if start > 0 {
				if _, err := file.Seek(uint32(start)); err != nil {
					logger.Warning(rtmpConnMessage(s.conn.uid, fmt.Sprintf("seek %s: %v", path, err), opSeek))
				}
			}
		case !os.IsNotExist(err):
			logger.Warning(rtmpConnMessage(s.conn.uid, fmt.Sprintf("open %s: %v", path, err), opWarn))
		}
	}
	if file == nil && !live && (start != -1 || name == "") {
		logger.Info(rtmpConnMessage(s.conn.uid, fmt.Sprintf("%s/%s: %v", inst.path, name, ErrStreamNotFound), opPlay))
		s.sendStatus(errorLevel, "NetStream.Play.StreamNotFound", "Stream name not found")
		return
	}

	s.setName(name, ModeLive)
	s.setPlayFile(file)
	inst.mu.Lock()
	inst.players[name] = append(inst.players[name], s)
	inst.mu.Unlock()
	r.metrics.playerAdded(1)

	hook(string(EventPlay), func() { inst.app.OnPlay(s.conn, s) })

	c := s.conn
	chunk := newChunkSize(HighWriteChunkSize)
	chunk.Time = c.RelativeTime()
	c.writeMessage(chunk)
	begin := userControlMsg(streamBegin, s.ID)
	begin.Time = c.RelativeTime()
	c.writeMessage(begin)

	s.sendStatus(statusLevel, "NetStream.Play.Reset", name)
	s.sendStatus(statusLevel, "NetStream.Play.Start", name)
	s.sendStatus(statusLevel, "NetStream.Play.PublishNotify", name)
	logger.Info(rtmpConnMessage(c.uid, fmt.Sprintf("playing %s/%s start=%v", inst.path, name, start), opPlay))

	if file != nil {
		s.mu.Lock()
		s.playback = startPlayback(s, file)
		s.mu.Unlock()
	}
}

func (r *Router) seek(s *Stream, cmd *Command) {
	ms, _ := cmd.Arg(0).(float64)
	file := s.PlayFile()
	if file == nil || !file.Readable() {
		s.sendStatus(errorLevel, "NetStream.Seek.Failed", "Stream is not seekable")
		return
	}
	if ms < 0 {
		ms = 0
	}
	at, err := file.Seek(uint32(ms))
	if err != nil {
		s.sendStatus(errorLevel, "NetStream.Seek.Failed", err.Error())
		return
	}
	logger.Debug(rtmpConnMessage(s.conn.uid, fmt.Sprintf("seek %s to %d", s.Name(), at), opSeek))
	s.sendStatus(statusLevel, "NetStream.Seek.Notify", s.Name())

	// A pump that reached the end of the file is restarted from the new position.
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.playback == nil:
	case s.playback.finished():
		s.playback = startPlayback(s, file)
	default:
		s.playback.resync()
	}
}

// media fans a published message out to the players of the stream and
// appends it to the record file.
func (r *Router) media(inst *Instance, s *Stream, msg *Message) {
	name := s.Name()
	if name == "" || inst.Publisher(name) != s {
		return
	}
	var pass bool
	if err := hook(string(EventPublishData), func() {
		pass = inst.app.OnPublishData(s.conn, s, msg)
	}); err != nil || !pass {
		return
	}
	players, _ := inst.Players(name)
	for _, p := range players {
		m := msg.Dup()
		var ok bool
		if err := hook(string(EventPlayData), func() {
			ok = inst.app.OnPlayData(p.conn, p, m)
		}); err != nil || !ok {
			continue
		}
		p.sendMedia(m)
	}
	if f := s.RecordFile(); f != nil {
		if err := f.Write(msg); err != nil {
			logger.Warning(rtmpConnMessage(s.conn.uid, fmt.Sprintf("record %s: %v", f.Path(), err), opRecord))
		}
	}
}

// refreshAnnouncements re-announces every live publisher so that expiring
// keys stay present while the stream runs.
func (r *Router) refreshAnnouncements() {
	if r.announcer == nil {
		return
	}
	for _, inst := range r.Instances() {
		for _, name := range inst.Publishers() {
			if err := r.announcer.Announce(inst.path, name); err != nil {
				logger.Warning(rtmpMessage(fmt.Sprintf("announce %s/%s: %v", inst.path, name, err), opAnnounce))
			}
		}
	}
}

func (r *Router) announceLoop(ttl time.Duration, quit <-chan struct{}) {
	interval := ttl / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.refreshAnnouncements()
		case <-quit:
			return
		}
	}
}
