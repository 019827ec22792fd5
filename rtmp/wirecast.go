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
	"sync"
)

var (
	avcSequenceHeader = []byte{0x17, 0x00}
	avcIntraNALU      = []byte{0x17, 0x01}
)

type wirecastPublisher struct {
	metaData *Message
	avcSeq   *Message
}

// Wirecast works around publishers that send the AVC sequence header only
// once. It remembers the first metadata and the latest sequence header of
// every publisher, replays the metadata to late players and holds video
// back from a player until it can start on an intra frame.
type Wirecast struct {
	*BaseApp
	inst *Instance

	mu         sync.Mutex
	publishers map[*Stream]*wirecastPublisher
	avcIntra   map[*Stream]bool
}

// NewWirecast is the AppFactory of the wirecast app.
func NewWirecast(inst *Instance) App {
	return &Wirecast{
		BaseApp:    NewBaseApp(),
		inst:       inst,
		publishers: make(map[*Stream]*wirecastPublisher),
		avcIntra:   make(map[*Stream]bool),
	}
}

func (w *Wirecast) OnPublish(client *Conn, stream *Stream) {
	w.BaseApp.OnPublish(client, stream)
	w.mu.Lock()
	w.publishers[stream] = &wirecastPublisher{}
	w.mu.Unlock()
}

func (w *Wirecast) OnClose(client *Conn, stream *Stream) {
	w.BaseApp.OnClose(client, stream)
	w.mu.Lock()
	delete(w.publishers, stream)
	w.mu.Unlock()
}

func (w *Wirecast) OnPlay(client *Conn, stream *Stream) {
	w.BaseApp.OnPlay(client, stream)
	var meta *Message
	w.mu.Lock()
	w.avcIntra[stream] = false
	if state := w.publisherState(stream.Name()); state != nil && state.metaData != nil {
		meta = state.metaData.Dup()
	}
	w.mu.Unlock()
	if meta != nil {
		stream.Send(meta)
	}
}

func (w *Wirecast) OnStop(client *Conn, stream *Stream) {
	w.BaseApp.OnStop(client, stream)
	w.mu.Lock()
	delete(w.avcIntra, stream)
	w.mu.Unlock()
}

func (w *Wirecast) OnPublishData(client *Conn, stream *Stream, msg *Message) bool {
	w.mu.Lock()
	if state := w.publishers[stream]; state != nil {
		if msg.Type == TypeData && state.metaData == nil {
			state.metaData = msg.Dup()
		}
		if msg.Type == TypeVideo && bytes.HasPrefix(msg.Data, avcSequenceHeader) {
			state.avcSeq = msg.Dup()
		}
	}
	w.mu.Unlock()
	return w.BaseApp.OnPublishData(client, stream, msg)
}

func (w *Wirecast) OnPlayData(client *Conn, stream *Stream, msg *Message) bool {
	if msg.Type != TypeVideo {
		return w.BaseApp.OnPlayData(client, stream, msg)
	}
	w.mu.Lock()
	var seq *Message
	switch {
	case bytes.HasPrefix(msg.Data, avcSequenceHeader):
		w.avcIntra[stream] = true
	case !w.avcIntra[stream]:
		if !bytes.HasPrefix(msg.Data, avcIntraNALU) {
			w.mu.Unlock()
			return false
		}
		state := w.publisherState(stream.Name())
		if state == nil || state.avcSeq == nil {
			w.mu.Unlock()
			return false
		}
		seq = state.avcSeq.Dup()
		w.avcIntra[stream] = true
	}
	w.mu.Unlock()
	if seq != nil {
		seq.Time = msg.Time
		stream.sendMedia(seq)
	}
	return w.BaseApp.OnPlayData(client, stream, msg)
}

// publisherState requires w.mu.
func (w *Wirecast) publisherState(name string) *wirecastPublisher {
	if name == "" {
		return nil
	}
	return w.publishers[w.inst.Publisher(name)]
}
