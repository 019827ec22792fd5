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
	"runtime/debug"

	"github.com/kris-nova/logger"
)

// App is the set of hooks an application implements. Embed BaseApp to get
// the default behavior for every hook and override only what is needed.
type App interface {
	// OnConnect decides whether a client may connect. args are the extra
	// arguments of the connect call.
	OnConnect(client *Conn, args ...interface{}) bool
	OnDisconnect(client *Conn)

	OnPublish(client *Conn, stream *Stream)
	OnClose(client *Conn, stream *Stream)
	OnPlay(client *Conn, stream *Stream)
	OnStop(client *Conn, stream *Stream)

	// OnCommand handles any RPC the server does not know. The result is
	// sent back as _result, an error as _error.
	OnCommand(client *Conn, name string, args ...interface{}) (interface{}, error)
	OnStatus(client *Conn, info interface{})
	OnResult(client *Conn, result interface{})
	OnUnpublish(client *Conn, name interface{})
	OnDelete(client *Conn, id interface{})

	// OnPublishData gates a published message before fan out and recording.
	OnPublishData(client *Conn, stream *Stream, msg *Message) bool
	// OnPlayData gates a message per player.
	OnPlayData(client *Conn, stream *Stream, msg *Message) bool
}

// AppFactory creates the App of a new instance.
type AppFactory func(inst *Instance) App

// BaseApp accepts everything and passes all data through. Handlers bound on
// Events replace the default of the matching hook.
type BaseApp struct {
	Events *Events
}

func NewBaseApp() *BaseApp {
	return &BaseApp{Events: NewEvents()}
}

func (a *BaseApp) OnConnect(client *Conn, args ...interface{}) bool {
	return a.Events.callBool(EventConnect, true, client, args)
}

func (a *BaseApp) OnDisconnect(client *Conn) {
	a.Events.call(EventDisconnect, client)
}

func (a *BaseApp) OnPublish(client *Conn, stream *Stream) {
	a.Events.call(EventPublish, client, stream)
}

func (a *BaseApp) OnClose(client *Conn, stream *Stream) {
	a.Events.call(EventClose, client, stream)
}

func (a *BaseApp) OnPlay(client *Conn, stream *Stream) {
	a.Events.call(EventPlay, client, stream)
}

func (a *BaseApp) OnStop(client *Conn, stream *Stream) {
	a.Events.call(EventStop, client, stream)
}

func (a *BaseApp) OnCommand(client *Conn, name string, args ...interface{}) (interface{}, error) {
	return a.Events.callResult(EventCommand, client, name, args)
}

func (a *BaseApp) OnStatus(client *Conn, info interface{}) {
	a.Events.call(EventStatus, client, info)
}

func (a *BaseApp) OnResult(client *Conn, result interface{}) {
	a.Events.call(EventResult, client, result)
}

func (a *BaseApp) OnUnpublish(client *Conn, name interface{}) {
	a.Events.call(EventUnpublish, client, name)
}

func (a *BaseApp) OnDelete(client *Conn, id interface{}) {
	a.Events.call(EventDelete, client, id)
}

func (a *BaseApp) OnPublishData(client *Conn, stream *Stream, msg *Message) bool {
	return a.Events.callBool(EventPublishData, true, client, stream, msg)
}

func (a *BaseApp) OnPlayData(client *Conn, stream *Stream, msg *Message) bool {
	return a.Events.callBool(EventPlayData, true, client, stream, msg)
}

// hook runs an App hook and turns a panic into an error.
func hook(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Critical(rtmpMessage(fmt.Sprintf("hook %s panic: %v", name, r), opDanger))
			logger.Debug("%s", debug.Stack())
			err = fmt.Errorf("hook %s: %v", name, r)
		}
	}()
	fn()
	return nil
}
