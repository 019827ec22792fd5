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
	"io"
	"sync"
	"time"

	"github.com/kris-nova/logger"
)

// playback pumps a play file to a stream, paced by the tag timestamps.
type playback struct {
	stream *Stream
	file   *FLVFile
	quit   chan struct{}
	seeked chan struct{}
	exited chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func startPlayback(s *Stream, f *FLVFile) *playback {
	p := &playback{
		stream: s,
		file:   f,
		quit:   make(chan struct{}),
		seeked: make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// stop ends the pump and waits for it.
func (p *playback) stop() {
	p.once.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}

// resync restarts pacing after the file position changed.
func (p *playback) resync() {
	select {
	case p.seeked <- struct{}{}:
	default:
	}
}

// finished reports whether the pump has returned, for example at the end
// of the file.
func (p *playback) finished() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

func (p *playback) run() {
	defer p.wg.Done()
	defer close(p.exited)
	var (
		base   time.Time
		baseTs uint32
		synced bool
	)
	for {
		select {
		case <-p.quit:
			return
		case <-p.stream.done:
			return
		case <-p.seeked:
			synced = false
		default:
		}

		msg, err := p.file.ReadNext()
		if err == io.EOF {
			logger.Debug(rtmpMessage(fmt.Sprintf("playback of %s finished", p.file.Path()), opStop))
			p.stream.Send(userControlMsg(streamEOF, p.stream.ID))
			p.stream.sendStatus(statusLevel, "NetStream.Play.Stop", "Stopped playing stream.")
			return
		}
		if err != nil {
			logger.Warning(rtmpMessage(fmt.Sprintf("playback of %s: %v", p.file.Path(), err), opWarn))
			return
		}

		if !synced {
			base, baseTs, synced = time.Now(), msg.Time, true
		}
		if msg.Time > baseTs {
			due := base.Add(time.Duration(msg.Time-baseTs) * time.Millisecond)
			if wait := time.Until(due); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-p.quit:
					timer.Stop()
					return
				case <-p.stream.done:
					timer.Stop()
					return
				case <-p.seeked:
					timer.Stop()
					synced = false
					continue
				}
			}
		}
		if err := p.stream.Send(msg); err != nil {
			return
		}
	}
}
