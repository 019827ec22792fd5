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
	"reflect"
	"sync"
)

// EventName names one App hook that can be bound on an Events table.
type EventName string

const (
	EventConnect     EventName = "onConnect"
	EventDisconnect  EventName = "onDisconnect"
	EventPublish     EventName = "onPublish"
	EventClose       EventName = "onClose"
	EventPlay        EventName = "onPlay"
	EventStop        EventName = "onStop"
	EventCommand     EventName = "onCommand"
	EventStatus      EventName = "onStatus"
	EventResult      EventName = "onResult"
	EventUnpublish   EventName = "onUnpublish"
	EventDelete      EventName = "onDelete"
	EventPublishData EventName = "onPublishData"
	EventPlayData    EventName = "onPlayData"
)

// eventArity is the number of parameters a handler of each event takes.
var eventArity = map[EventName]int{
	EventConnect:     2, // (client, args)
	EventDisconnect:  1, // (client)
	EventPublish:     2, // (client, stream)
	EventClose:       2,
	EventPlay:        2,
	EventStop:        2,
	EventCommand:     3, // (client, name, args)
	EventStatus:      2, // (client, info)
	EventResult:      2,
	EventUnpublish:   2,
	EventDelete:      2,
	EventPublishData: 3, // (client, stream, msg)
	EventPlayData:    3,
}

// Events is a registration table of hook handlers. Handlers are plain
// funcs and are checked against the arity of their event when bound.
type Events struct {
	mu       sync.RWMutex
	handlers map[EventName]reflect.Value
}

func NewEvents() *Events {
	return &Events{handlers: make(map[EventName]reflect.Value)}
}

// Bind registers fn for the event, replacing any previous handler.
func (e *Events) Bind(name EventName, fn interface{}) error {
	arity, ok := eventArity[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return fmt.Errorf("bind %s: handler is %T, not a func", name, fn)
	}
	if v.Type().IsVariadic() || v.Type().NumIn() != arity {
		return fmt.Errorf("%w: %s takes %d, handler takes %d", ErrHandlerArity, name, arity, v.Type().NumIn())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = v
	return nil
}

func (e *Events) Unbind(name EventName) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, name)
}

func (e *Events) Bound(name EventName) bool {
	if e == nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.handlers[name]
	return ok
}

// call invokes the handler of name if one is bound.
func (e *Events) call(name EventName, args ...interface{}) ([]reflect.Value, bool) {
	if e == nil {
		return nil, false
	}
	e.mu.RLock()
	fn, ok := e.handlers[name]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	t := fn.Type()
	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		if arg == nil {
			in[i] = reflect.Zero(t.In(i))
			continue
		}
		in[i] = reflect.ValueOf(arg)
	}
	return fn.Call(in), true
}

// callBool returns the first bool result of the handler, or def.
func (e *Events) callBool(name EventName, def bool, args ...interface{}) bool {
	out, ok := e.call(name, args...)
	if !ok || len(out) == 0 {
		return def
	}
	if out[0].Kind() == reflect.Bool {
		return out[0].Bool()
	}
	return def
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// callResult returns the (value, error) pair of the handler.
func (e *Events) callResult(name EventName, args ...interface{}) (interface{}, error) {
	out, ok := e.call(name, args...)
	if !ok {
		return nil, nil
	}
	var result interface{}
	var err error
	for _, v := range out {
		if v.Type().Implements(errorType) {
			if !v.IsNil() {
				err = v.Interface().(error)
			}
			continue
		}
		if result == nil {
			result = v.Interface()
		}
	}
	return result, err
}
