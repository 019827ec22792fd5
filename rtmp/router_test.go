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
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStreamName(t *testing.T) {
	cases := map[interface{}]string{
		"cam1":            "cam1",
		"cam1?token=abc":  "cam1",
		"room/cam1?a=b&c": "room/cam1",
		"":                "",
		42.0:              "",
	}
	for arg, expected := range cases {
		if got := streamName(arg); got != expected {
			t.Errorf("streamName(%v): expected %q, got %q", arg, expected, got)
		}
	}
}

func TestStreamFile(t *testing.T) {
	r := NewRouter("/var/flashd")
	cases := []struct {
		path, name, expected string
	}{
		{"live", "cam1", "/var/flashd/cam1.flv"},
		{"live/room1", "cam1", "/var/flashd/room1/cam1.flv"},
		{"live", "../../etc/passwd", "/var/flashd/etc/passwd.flv"},
	}
	for _, c := range cases {
		if got := r.streamFile(c.path, c.name); got != filepath.FromSlash(c.expected) {
			t.Errorf("streamFile(%q, %q): expected %s, got %s", c.path, c.name, c.expected, got)
		}
	}
}

func TestRouterFanOut(t *testing.T) {
	srv, addr := startTestServer(t, nil)
	pub := dialTestClient(t, addr, "live/cam1")
	if err := pub.Publish(); err != nil {
		t.Errorf("publish: %v", err)
		t.FailNow()
	}
	p1 := dialTestClient(t, addr, "live/cam1")
	p2 := dialTestClient(t, addr, "live/cam1")
	other := dialTestClient(t, addr, "live/cam2")
	for _, p := range []*Client{p1, p2} {
		if err := p.Play(); err != nil {
			t.Errorf("play: %v", err)
			t.FailNow()
		}
	}
	// live only, waits for a publisher of cam2
	if err := other.PlayFrom(-1); err != nil {
		t.Errorf("play cam2: %v", err)
		t.FailNow()
	}

	inst := srv.Router().Instance("live")
	if inst == nil {
		t.Errorf("expected the live instance")
		t.FailNow()
	}
	if players, _ := inst.Players("cam1"); len(players) != 2 {
		t.Errorf("expected 2 players of cam1, got %d", len(players))
	}
	if len(inst.Clients()) != 4 {
		t.Errorf("expected 4 clients, got %d", len(inst.Clients()))
	}

	audio := []byte{0xAF, 0x01, 0x21, 0x10}
	video := []byte{0x27, 0x01, 0x00, 0x00, 0x00, 0x11}
	pub.WriteMedia(TypeAudio, 100, audio)
	pub.WriteMedia(TypeVideo, 120, video)

	for i, p := range []*Client{p1, p2} {
		msg := readMedia(t, p)
		if msg.Type != TypeAudio || msg.Time != 100 || !bytes.Equal(msg.Data, audio) {
			t.Errorf("player %d: expected audio at 100, got %s", i, msg)
		}
		if msg.StreamID != p.StreamID() {
			t.Errorf("player %d: expected stream %d, got %d", i, p.StreamID(), msg.StreamID)
		}
		msg = readMedia(t, p)
		if msg.Type != TypeVideo || msg.Time != 120 || !bytes.Equal(msg.Data, video) {
			t.Errorf("player %d: expected video at 120, got %s", i, msg)
		}
	}
	expectNoMedia(t, other, 200*time.Millisecond)
}

func TestRouterPlayNotFound(t *testing.T) {
	srv, addr := startTestServer(t, nil)
	c := dialTestClient(t, addr, "live/missing")
	err := c.Play()
	var status *StatusError
	if !errors.As(err, &status) {
		t.Errorf("expected a status error, got %v", err)
		t.FailNow()
	}
	if status.Code != "NetStream.Play.StreamNotFound" {
		t.Errorf("expected StreamNotFound, got %s", status.Code)
	}
	if _, ok := srv.Router().Instance("live").Players("missing"); ok {
		t.Errorf("expected no players entry for a missing stream")
	}
}

func TestRouterDuplicatePublish(t *testing.T) {
	srv, addr := startTestServer(t, nil)
	first := dialTestClient(t, addr, "live/cam1")
	if err := first.Publish(); err != nil {
		t.Errorf("publish: %v", err)
		t.FailNow()
	}
	second := dialTestClient(t, addr, "live/cam1?token=abc")
	err := second.Publish()
	var status *StatusError
	if !errors.As(err, &status) || status.Code != "NetStream.Publish.BadName" {
		t.Errorf("expected BadName, got %v", err)
	}
	if pub := srv.Router().Instance("live").Publisher("cam1"); pub == nil || pub.Conn().RemoteAddr().String() != first.conn.LocalAddr().String() {
		t.Errorf("expected the first client to keep publishing")
	}
}

func TestRouterRepublishAfterUnpublish(t *testing.T) {
	srv, addr := startTestServer(t, nil)
	first := dialTestClient(t, addr, "live/cam1")
	if err := first.Publish(); err != nil {
		t.Errorf("publish: %v", err)
		t.FailNow()
	}
	if err := first.writeCommand(NewCommand(cmdFCUnpublish, 3, nil, "cam1"), 0); err != nil {
		t.Errorf("unpublish: %v", err)
		t.FailNow()
	}
	inst := srv.Router().Instance("live")
	waitFor(t, "cam1 to be unpublished", func() bool {
		return inst.Publisher("cam1") == nil
	})
	second := dialTestClient(t, addr, "live/cam1")
	if err := second.Publish(); err != nil {
		t.Errorf("publish after unpublish: %v", err)
	}
}

func TestRouterDisconnectTeardown(t *testing.T) {
	srv, addr := startTestServer(t, nil)
	closed := make(chan string, 4)
	stopped := make(chan string, 4)
	disconnected := make(chan uint64, 4)
	srv.Router().Register("hooks", func(inst *Instance) App {
		app := NewBaseApp()
		app.Events.Bind(EventClose, func(c *Conn, s *Stream) { closed <- s.Name() })
		app.Events.Bind(EventStop, func(c *Conn, s *Stream) { stopped <- s.Name() })
		app.Events.Bind(EventDisconnect, func(c *Conn) { disconnected <- c.ID() })
		return app
	})

	pub := dialTestClient(t, addr, "hooks/cam1")
	if err := pub.Publish(); err != nil {
		t.Errorf("publish: %v", err)
		t.FailNow()
	}
	player := dialTestClient(t, addr, "hooks/cam1")
	if err := player.Play(); err != nil {
		t.Errorf("play: %v", err)
		t.FailNow()
	}
	if srv.Router().Instance("hooks") == nil {
		t.Errorf("expected the hooks instance")
		t.FailNow()
	}

	expectName := func(ch chan string, hook string) {
		select {
		case name := <-ch:
			if name != "cam1" {
				t.Errorf("%s: expected cam1, got %q", hook, name)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("%s was not called", hook)
		}
	}

	player.Close()
	expectName(stopped, "onStop")
	pub.Close()
	expectName(closed, "onClose")

	waitFor(t, "the hooks instance to be destroyed", func() bool {
		return srv.Router().Instance("hooks") == nil
	})
	for i := 0; i < 2; i++ {
		select {
		case <-disconnected:
		case <-time.After(5 * time.Second):
			t.Errorf("onDisconnect %d was not called", i)
		}
	}
	m := srv.Metrics()
	if v := metricGaugeValue(t, m.publishersActive); v != 0 {
		t.Errorf("expected no publishers, got %v", v)
	}
	if v := metricGaugeValue(t, m.playersActive); v != 0 {
		t.Errorf("expected no players, got %v", v)
	}
	if v := metricGaugeValue(t, m.instancesActive); v != 0 {
		t.Errorf("expected no instances, got %v", v)
	}
}

func TestRouterRejectedConnect(t *testing.T) {
	srv, addr := startTestServer(t, nil)
	srv.Router().Register("locked", func(inst *Instance) App {
		app := NewBaseApp()
		app.Events.Bind(EventConnect, func(c *Conn, args []interface{}) bool { return false })
		return app
	})
	_, err := Dial("rtmp://" + addr + "/locked/cam1")
	if err == nil || !strings.Contains(err.Error(), "Rejected in onConnect") {
		t.Errorf("expected the connect to be rejected, got %v", err)
	}
	if srv.Router().Instance("locked") != nil {
		t.Errorf("expected the rejected instance to be removed")
	}
}

func TestRouterCommands(t *testing.T) {
	srv, addr := startTestServer(t, nil)
	srv.Router().Register("rpc", func(inst *Instance) App {
		app := NewBaseApp()
		app.Events.Bind(EventCommand, func(c *Conn, name string, args []interface{}) (interface{}, error) {
			if name == "fail" {
				return nil, errors.New("no such thing")
			}
			if len(args) > 0 {
				return args[0], nil
			}
			return nil, nil
		})
		return app
	})
	c := dialTestClient(t, addr, "rpc/x")

	if err := c.writeCommand(NewCommand("echo", 5, nil, "hello"), 0); err != nil {
		t.Errorf("write: %v", err)
		t.FailNow()
	}
	res, err := c.waitResult(5)
	if err != nil {
		t.Errorf("echo: %v", err)
		t.FailNow()
	}
	if res.Name != cmdResult || res.Arg(0) != "hello" {
		t.Errorf("expected _result hello, got %s", res)
	}

	if err := c.writeCommand(NewCommand("fail", 6, nil), 0); err != nil {
		t.Errorf("write: %v", err)
		t.FailNow()
	}
	res, err = c.waitResult(6)
	if err != nil {
		t.Errorf("fail: %v", err)
		t.FailNow()
	}
	if res.Name != cmdError || !strings.Contains(statusText(res.Arg(0)), "NetConnection.Call.Failed") {
		t.Errorf("expected _error Call.Failed, got %s", res)
	}
}

func TestRouterSeekLive(t *testing.T) {
	_, addr := startTestServer(t, nil)
	pub := dialTestClient(t, addr, "live/cam1")
	if err := pub.Publish(); err != nil {
		t.Errorf("publish: %v", err)
		t.FailNow()
	}
	player := dialTestClient(t, addr, "live/cam1")
	if err := player.Play(); err != nil {
		t.Errorf("play: %v", err)
		t.FailNow()
	}
	err := player.Seek(1000)
	var status *StatusError
	if !errors.As(err, &status) || status.Code != "NetStream.Seek.Failed" {
		t.Errorf("expected Seek.Failed, got %v", err)
	}
}

func TestRouterRecordAndPlayback(t *testing.T) {
	srv, addr := startTestServer(t, func(cfg *ServerConfig) {
		cfg.Recording = true
	})
	pub := dialTestClient(t, addr, "live/rec1")
	if err := pub.Publish(); err != nil {
		t.Errorf("publish: %v", err)
		t.FailNow()
	}
	recorded := []*Message{
		{Type: TypeAudio, Time: 0, Data: []byte{0xAF, 0x01, 0x01}},
		{Type: TypeVideo, Time: 0, Data: []byte{0x17, 0x01, 0x00, 0x00, 0x00}},
		{Type: TypeAudio, Time: 20, Data: []byte{0xAF, 0x01, 0x02}},
		{Type: TypeVideo, Time: 40, Data: []byte{0x27, 0x01, 0x00, 0x00, 0x00}},
		{Type: TypeAudio, Time: 40, Data: []byte{0xAF, 0x01, 0x03}},
	}
	for _, msg := range recorded {
		if err := pub.WriteMedia(msg.Type, msg.Time, msg.Data); err != nil {
			t.Errorf("write: %v", err)
			t.FailNow()
		}
	}
	pub.Close()
	waitFor(t, "the publisher to go away", func() bool {
		return srv.Router().Instance("live") == nil
	})

	player := dialTestClient(t, addr, "live/rec1")
	if err := player.Play(); err != nil {
		t.Errorf("play recording: %v", err)
		t.FailNow()
	}
	got := readUntilPlayStop(t, player)

	if len(got) != len(recorded) {
		t.Errorf("expected %d messages, got %d", len(recorded), len(got))
		t.FailNow()
	}
	for i, msg := range recorded {
		if got[i].Type != msg.Type || got[i].Time != msg.Time || !bytes.Equal(got[i].Data, msg.Data) {
			t.Errorf("message %d: expected %s, got %s", i, msg, got[i])
		}
	}

	if err := player.Seek(0); err != nil {
		t.Errorf("seek recording: %v", err)
	}
}

// readUntilPlayStop collects media until the server reports Play.Stop.
func readUntilPlayStop(t *testing.T, c *Client) []*Message {
	t.Helper()
	var got []*Message
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer c.SetReadDeadline(time.Time{})
	for {
		msg, err := c.ReadMessage()
		if err != nil {
			t.Errorf("read: %v", err)
			t.FailNow()
		}
		if isMedia(msg) {
			got = append(got, msg)
			continue
		}
		if msg.Type != TypeRPC {
			continue
		}
		cmd, err := CommandFromMessage(msg)
		if err == nil && cmd.StatusCode() == "NetStream.Play.Stop" {
			return got
		}
	}
}

func TestRouterRecordKeepsMediaSentBeforeClose(t *testing.T) {
	cases := map[string]func(c *Client){
		"closeStream": func(c *Client) { c.Close() },
		"socket":      func(c *Client) { c.conn.Close() },
	}
	for how, closeClient := range cases {
		root := t.TempDir()
		srv, addr := startTestServer(t, func(cfg *ServerConfig) {
			cfg.Root = root
			cfg.Recording = true
		})
		for round := 0; round < 3; round++ {
			name := fmt.Sprintf("rec%d", round)
			pub := dialTestClient(t, addr, "live/"+name)
			if err := pub.Publish(); err != nil {
				t.Errorf("%s: publish: %v", how, err)
				t.FailNow()
			}
			for i := 0; i < 5; i++ {
				if err := pub.WriteMedia(TypeAudio, uint32(i*20), []byte{0xAF, 0x01, byte(i)}); err != nil {
					t.Errorf("%s: write: %v", how, err)
					t.FailNow()
				}
			}
			closeClient(pub)
			waitFor(t, "the publisher to go away", func() bool {
				return srv.Router().Instance("live") == nil
			})

			f, err := OpenFLV(filepath.Join(root, name+".flv"), ModePlay)
			if err != nil {
				t.Errorf("%s: open recording: %v", how, err)
				t.FailNow()
			}
			tags := readAll(t, f)
			f.Close()
			if len(tags) != 5 {
				t.Errorf("%s: expected 5 recorded tags in %s, got %d", how, name, len(tags))
				t.FailNow()
			}
			for i, tag := range tags {
				if tag.Time != uint32(i*20) || tag.Data[2] != byte(i) {
					t.Errorf("%s: tag %d out of order: %s", how, i, tag)
				}
			}
		}
	}
}

func TestRouterPlayFile(t *testing.T) {
	root := t.TempDir()
	writeTestRecording(t, filepath.Join(root, "vod1.flv"))
	f, err := OpenFLV(filepath.Join(root, "vod1.flv"), ModePlay)
	if err != nil {
		t.Errorf("open recording: %v", err)
		t.FailNow()
	}
	expected := readAll(t, f)
	f.Close()

	_, addr := startTestServer(t, func(cfg *ServerConfig) {
		cfg.Root = root
	})
	player := dialTestClient(t, addr, "live/vod1")
	if err := player.Play(); err != nil {
		t.Errorf("play file: %v", err)
		t.FailNow()
	}
	got := readUntilPlayStop(t, player)
	if len(got) != len(expected) {
		t.Errorf("expected %d messages, got %d", len(expected), len(got))
		t.FailNow()
	}
	for i, msg := range expected {
		if got[i].Type != msg.Type || got[i].Time != msg.Time || !bytes.Equal(got[i].Data, msg.Data) {
			t.Errorf("message %d: expected %s, got %s", i, msg, got[i])
		}
	}

	if err := player.Seek(1000); err != nil {
		t.Errorf("seek file: %v", err)
		t.FailNow()
	}
	got = readUntilPlayStop(t, player)
	if len(got) == 0 || got[0].Time != 1000 {
		t.Errorf("expected playback to resume at the 1000ms key frame, got %v", got)
	}
}
