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
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gwuhaolin/livego/protocol/amf"
)

func encodeMetaData(t *testing.T, setDataFrame bool) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	encoder := &amf.Encoder{}
	values := []interface{}{cmdOnMetaData, amf.Object{"width": 640.0, "height": 360.0}}
	if setDataFrame {
		values = append([]interface{}{cmdSetDataFrame}, values...)
	}
	for _, v := range values {
		if _, err := encoder.Encode(buf, v, amf.AMF0); err != nil {
			t.Errorf("encode metadata: %v", err)
			t.FailNow()
		}
	}
	return buf.Bytes()
}

func writeTestRecording(t *testing.T, path string) []*Message {
	t.Helper()
	f, err := OpenFLV(path, ModeRecord)
	if err != nil {
		t.Errorf("open for record: %v", err)
		t.FailNow()
	}
	defer f.Close()
	msgs := []*Message{
		{Type: TypeData, Time: 1000, Data: encodeMetaData(t, true)},
		{Type: TypeAudio, Time: 1000, Data: []byte{0xAF, 0x00, 0x12, 0x10}},
		{Type: TypeVideo, Time: 1040, Data: []byte{0x17, 0x00, 0x00, 0x00, 0x00}},
		{Type: TypeRPC, Time: 1050, Data: []byte{0x02}},
		{Type: TypeVideo, Time: 1080, Data: []byte{0x27, 0x01, 0x00, 0x00, 0x00}},
		{Type: TypeVideo, Time: 2000, Data: []byte{0x17, 0x01, 0x00, 0x00, 0x00}},
		{Type: TypeAudio, Time: 2010, Data: []byte{0xAF, 0x01, 0x21}},
	}
	for _, msg := range msgs {
		if err := f.Write(msg); err != nil {
			t.Errorf("write %s: %v", msg, err)
			t.FailNow()
		}
	}
	return msgs
}

func readAll(t *testing.T, f *FLVFile) []*Message {
	t.Helper()
	var out []*Message
	for {
		msg, err := f.ReadNext()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Errorf("read: %v", err)
			t.FailNow()
		}
		out = append(out, msg)
	}
}

func TestFLVRecordAndPlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "room1", "cam1.flv")
	writeTestRecording(t, path)

	f, err := OpenFLV(path, ModePlay)
	if err != nil {
		t.Errorf("open for play: %v", err)
		t.FailNow()
	}
	defer f.Close()
	if !f.Readable() {
		t.Errorf("expected a play file to be readable")
	}
	got := readAll(t, f)
	expected := []struct {
		typ uint8
		ts  uint32
	}{
		{TypeData, 0},
		{TypeAudio, 0},
		{TypeVideo, 40},
		{TypeVideo, 80},
		{TypeVideo, 1000},
		{TypeAudio, 1010},
	}
	if len(got) != len(expected) {
		t.Errorf("expected %d tags, got %d", len(expected), len(got))
		t.FailNow()
	}
	for i, e := range expected {
		if got[i].Type != e.typ || got[i].Time != e.ts {
			t.Errorf("tag %d: expected type=%d time=%d, got %s", i, e.typ, e.ts, got[i])
		}
	}

	vs, err := (&amf.Decoder{}).DecodeBatch(bytes.NewReader(got[0].Data), amf.AMF0)
	if err != nil && err != io.EOF {
		t.Errorf("decode metadata: %v", err)
	}
	if len(vs) != 2 || vs[0] != cmdOnMetaData {
		t.Errorf("expected @setDataFrame to be stripped, got %v", vs)
	}
}

func TestFLVData3(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data3.flv")
	f, err := OpenFLV(path, ModeLive)
	if err != nil {
		t.Errorf("open: %v", err)
		t.FailNow()
	}
	meta := encodeMetaData(t, false)
	if err := f.Write(&Message{Type: TypeData3, Data: append([]byte{0x00}, meta...)}); err != nil {
		t.Errorf("write: %v", err)
	}
	f.Close()

	f, err = OpenFLV(path, ModePlay)
	if err != nil {
		t.Errorf("open for play: %v", err)
		t.FailNow()
	}
	defer f.Close()
	got := readAll(t, f)
	if len(got) != 1 || got[0].Type != TypeData || !bytes.Equal(got[0].Data, meta) {
		t.Errorf("expected one data tag without the format byte, got %v", got)
	}
}

func TestFLVSeek(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seek.flv")
	writeTestRecording(t, path)
	f, err := OpenFLV(path, ModePlay)
	if err != nil {
		t.Errorf("open for play: %v", err)
		t.FailNow()
	}
	defer f.Close()

	cases := []struct {
		seek     uint32
		expected uint32
		typ      uint8
	}{
		{1500, 1000, TypeVideo},
		{500, 40, TypeVideo},
		{0, 0, TypeData},
		{5000, 1000, TypeVideo},
	}
	for _, c := range cases {
		at, err := f.Seek(c.seek)
		if err != nil {
			t.Errorf("seek %d: %v", c.seek, err)
			continue
		}
		if at != c.expected {
			t.Errorf("seek %d: expected %d, got %d", c.seek, c.expected, at)
		}
		msg, err := f.ReadNext()
		if err != nil {
			t.Errorf("read after seek %d: %v", c.seek, err)
			continue
		}
		if msg.Type != c.typ || msg.Time != c.expected {
			t.Errorf("seek %d: expected type=%d time=%d, got %s", c.seek, c.typ, c.expected, msg)
		}
	}
}

func TestFLVSeekRecordFile(t *testing.T) {
	f, err := OpenFLV(filepath.Join(t.TempDir(), "rec.flv"), ModeRecord)
	if err != nil {
		t.Errorf("open: %v", err)
		t.FailNow()
	}
	defer f.Close()
	if f.Readable() {
		t.Errorf("a record file is not readable")
	}
	if _, err := f.Seek(0); !errors.Is(err, ErrNotSeekable) {
		t.Errorf("expected ErrNotSeekable, got %v", err)
	}
}

func TestFLVAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "append.flv")
	writeTestRecording(t, path)

	f, err := OpenFLV(path, ModeAppend)
	if err != nil {
		t.Errorf("open for append: %v", err)
		t.FailNow()
	}
	f.Write(&Message{Type: TypeAudio, Time: 5000, Data: []byte{0xAF, 0x01}})
	f.Write(&Message{Type: TypeAudio, Time: 5020, Data: []byte{0xAF, 0x01}})
	f.Close()

	f, err = OpenFLV(path, ModePlay)
	if err != nil {
		t.Errorf("open for play: %v", err)
		t.FailNow()
	}
	defer f.Close()
	got := readAll(t, f)
	if len(got) != 8 {
		t.Errorf("expected 8 tags, got %d", len(got))
		t.FailNow()
	}
	if got[6].Time != 1011 || got[7].Time != 1031 {
		t.Errorf("expected appended tags at 1011 and 1031, got %d and %d", got[6].Time, got[7].Time)
	}
}

func TestFLVOpenErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := OpenFLV(filepath.Join(dir, "missing.flv"), ModePlay); !os.IsNotExist(err) {
		t.Errorf("expected a not exist error, got %v", err)
	}
	garbage := filepath.Join(dir, "garbage.flv")
	if err := os.WriteFile(garbage, []byte("this is not a video file"), 0644); err != nil {
		t.Errorf("write: %v", err)
		t.FailNow()
	}
	if _, err := OpenFLV(garbage, ModePlay); !errors.Is(err, errNotFLV) {
		t.Errorf("expected errNotFLV, got %v", err)
	}
	if _, err := OpenFLV(filepath.Join(dir, "x.flv"), "bogus"); err == nil {
		t.Errorf("expected an error for an unknown mode")
	}
}
