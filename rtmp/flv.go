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
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gwuhaolin/livego/protocol/amf"
	"github.com/gwuhaolin/livego/utils/pio"
	"github.com/kris-nova/logger"
	"github.com/patrickmn/go-cache"
)

const (
	headerLen        = 11
	flvFileHeaderLen = 9
	flvBodyOffset    = flvFileHeaderLen + 4

	// ModePlay opens an existing file for reading.
	ModePlay = "play"
)

var flvHeader = []byte{0x46, 0x4c, 0x56, 0x01, 0x05, 0x00, 0x00, 0x00, 0x09}

var errNotFLV = errors.New("not an flv file")

// FLVFile is a recorded stream on disk. A file is opened either for play
// (reading tags back as messages) or for record, live or append (writing).
type FLVFile struct {
	mu   sync.Mutex
	path string
	mode string
	f    *os.File
	buf  []byte

	// write side timestamp rebasing
	haveFirst bool
	firstTime uint32
	timeBase  uint32
}

// OpenFLV opens path in the given mode. Modes record and live truncate,
// append continues after the last tag, play requires an existing file.
func OpenFLV(path, mode string) (*FLVFile, error) {
	file := &FLVFile{
		path: path,
		mode: mode,
		buf:  make([]byte, headerLen),
	}
	switch mode {
	case ModePlay:
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		file.f = f
		if err := file.readFileHeader(); err != nil {
			f.Close()
			return nil, err
		}
	case ModeRecord, ModeLive:
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
		if err != nil {
			return nil, err
		}
		file.f = f
		if err := file.writeFileHeader(); err != nil {
			f.Close()
			return nil, err
		}
	case ModeAppend:
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, err
		}
		file.f = f
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		if info.Size() == 0 {
			err = file.writeFileHeader()
		} else {
			err = file.prepareAppend()
		}
		if err != nil {
			f.Close()
			return nil, err
		}
	default:
		return nil, fmt.Errorf("open flv %s: unknown mode %q", path, mode)
	}
	return file, nil
}

func (file *FLVFile) Path() string {
	return file.path
}

func (file *FLVFile) Mode() string {
	return file.mode
}

// Readable is true for files opened in play mode.
func (file *FLVFile) Readable() bool {
	return file.mode == ModePlay
}

func (file *FLVFile) readFileHeader() error {
	h := make([]byte, flvBodyOffset)
	if _, err := io.ReadFull(file.f, h); err != nil {
		return fmt.Errorf("%w: %v", errNotFLV, err)
	}
	if !bytes.Equal(h[:3], flvHeader[:3]) {
		return errNotFLV
	}
	return nil
}

func (file *FLVFile) writeFileHeader() error {
	if _, err := file.f.Write(flvHeader); err != nil {
		return err
	}
	pio.PutI32BE(file.buf[:4], 0)
	_, err := file.f.Write(file.buf[:4])
	return err
}

// prepareAppend positions at the end and continues timestamps after the
// last tag already in the file.
func (file *FLVFile) prepareAppend() error {
	if err := file.readFileHeader(); err != nil {
		return err
	}
	idx, err := buildFLVIndex(file.f)
	if err != nil {
		return err
	}
	if n := len(idx.entries); n > 0 {
		file.timeBase = idx.entries[n-1].time + 1
	}
	_, err = file.f.Seek(0, io.SeekEnd)
	return err
}

// Write appends one message as an FLV tag. Only audio, video and data
// messages are recorded.
func (file *FLVFile) Write(msg *Message) error {
	file.mu.Lock()
	defer file.mu.Unlock()
	if file.f == nil {
		return os.ErrClosed
	}
	if file.mode == ModePlay {
		return fmt.Errorf("write flv %s: opened for play", file.path)
	}
	data := msg.Data
	typeID := msg.Type
	switch msg.Type {
	case TypeAudio, TypeVideo:
	case TypeData3:
		if len(data) > 0 {
			data = data[1:]
		}
		typeID = TypeData
		fallthrough
	case TypeData:
		if reformed, err := amf.MetaDataReform(data, amf.DEL); err == nil {
			data = reformed
		} else {
			logger.Debug(rtmpMessage(fmt.Sprintf("metadata reform: %v", err), opRecord))
		}
	default:
		return nil
	}

	if !file.haveFirst {
		file.haveFirst = true
		file.firstTime = msg.Time
	}
	timestamp := file.timeBase
	if msg.Time > file.firstTime {
		timestamp += msg.Time - file.firstTime
	}

	dataLen := len(data)
	h := file.buf[:headerLen]
	pio.PutU8(h[0:1], typeID)
	pio.PutI24BE(h[1:4], int32(dataLen))
	pio.PutI24BE(h[4:7], int32(timestamp&0xffffff))
	pio.PutU8(h[7:8], uint8(timestamp>>24&0xff))
	pio.PutI24BE(h[8:11], 0)

	if _, err := file.f.Write(h); err != nil {
		return err
	}
	if _, err := file.f.Write(data); err != nil {
		return err
	}
	pio.PutI32BE(h[:4], int32(dataLen+headerLen))
	_, err := file.f.Write(h[:4])
	return err
}

// ReadNext returns the next tag as a message, or io.EOF.
func (file *FLVFile) ReadNext() (*Message, error) {
	file.mu.Lock()
	defer file.mu.Unlock()
	if file.f == nil {
		return nil, io.EOF
	}
	h := file.buf[:headerLen]
	if _, err := io.ReadFull(file.f, h); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	size := pio.U24BE(h[1:4])
	msg := &Message{
		Type: h[0],
		Time: uint32(h[7])<<24 | pio.U24BE(h[4:7]),
		Data: make([]byte, size),
	}
	if _, err := io.ReadFull(file.f, msg.Data); err != nil {
		return nil, io.EOF
	}
	if _, err := io.ReadFull(file.f, file.buf[:4]); err != nil && err != io.EOF {
		return nil, io.EOF
	}
	return msg, nil
}

// Seek positions the reader on the last key frame at or before ms and
// returns the timestamp of that tag.
func (file *FLVFile) Seek(ms uint32) (uint32, error) {
	file.mu.Lock()
	defer file.mu.Unlock()
	if file.f == nil {
		return 0, os.ErrClosed
	}
	if file.mode != ModePlay {
		return 0, ErrNotSeekable
	}
	idx, err := cachedFLVIndex(file.path, file.f)
	if err != nil {
		return 0, err
	}
	entry := idx.find(ms)
	if _, err := file.f.Seek(entry.offset, io.SeekStart); err != nil {
		return 0, err
	}
	return entry.time, nil
}

func (file *FLVFile) Close() error {
	file.mu.Lock()
	defer file.mu.Unlock()
	if file.f == nil {
		return nil
	}
	err := file.f.Close()
	file.f = nil
	return err
}

type flvIndexEntry struct {
	offset   int64
	time     uint32
	keyframe bool
}

// flvIndex lists every tag of a file in order.
type flvIndex struct {
	entries   []flvIndexEntry
	keyframes bool
}

// find returns the entry to resume from for a seek to ms.
func (idx *flvIndex) find(ms uint32) flvIndexEntry {
	best := flvIndexEntry{offset: flvBodyOffset}
	for _, e := range idx.entries {
		if e.time > ms {
			break
		}
		if !idx.keyframes || e.keyframe {
			best = e
		}
	}
	return best
}

func buildFLVIndex(r io.ReadSeeker) (*flvIndex, error) {
	idx := &flvIndex{}
	offset := int64(flvBodyOffset)
	h := make([]byte, headerLen+1)
	for {
		if _, err := r.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
		n, err := io.ReadFull(r, h)
		if n < headerLen {
			break
		}
		size := int64(pio.U24BE(h[1:4]))
		e := flvIndexEntry{
			offset: offset,
			time:   uint32(h[7])<<24 | pio.U24BE(h[4:7]),
		}
		if h[0] == TypeVideo && err == nil && size > 0 {
			e.keyframe = h[headerLen]>>4 == 1
			if e.keyframe {
				idx.keyframes = true
			}
		}
		idx.entries = append(idx.entries, e)
		offset += headerLen + size + 4
	}
	return idx, nil
}

var (
	flvIndexCache = cache.New(5*time.Minute, 10*time.Minute)
	flvIndexTTL   = 5 * time.Minute
)

// SetIndexCacheTTL sets how long seek indexes are kept.
func SetIndexCacheTTL(d time.Duration) {
	flvIndexTTL = d
}

// cachedFLVIndex returns the index of f, keyed on path, size and mtime so
// that a rewritten file is indexed again.
func cachedFLVIndex(path string, f *os.File) (*flvIndex, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s|%d|%d", path, info.Size(), info.ModTime().UnixNano())
	if v, ok := flvIndexCache.Get(key); ok {
		return v.(*flvIndex), nil
	}
	idx, err := buildFLVIndex(f)
	if err != nil {
		return nil, err
	}
	flvIndexCache.Set(key, idx, flvIndexTTL)
	return idx, nil
}
