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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/gwuhaolin/livego/utils/pio"
	"github.com/kris-nova/logger"
)

const (
	handshakeSize = 1536

	// schemeSimple marks a handshake without digests (C1 version bytes are zero).
	schemeSimple = -1
)

var (
	hsClientFullKey = []byte{
		'G', 'e', 'n', 'u', 'i', 'n', 'e', ' ', 'A', 'd', 'o', 'b', 'e', ' ',
		'F', 'l', 'a', 's', 'h', ' ', 'P', 'l', 'a', 'y', 'e', 'r', ' ',
		'0', '0', '1',
		0xF0, 0xEE, 0xC2, 0x4A, 0x80, 0x68, 0xBE, 0xE8, 0x2E, 0x00, 0xD0, 0xD1,
		0x02, 0x9E, 0x7E, 0x57, 0x6E, 0xEC, 0x5D, 0x2D, 0x29, 0x80, 0x6F, 0xAB,
		0x93, 0xB8, 0xE6, 0x36, 0xCF, 0xEB, 0x31, 0xAE,
	}
	hsServerFullKey = []byte{
		'G', 'e', 'n', 'u', 'i', 'n', 'e', ' ', 'A', 'd', 'o', 'b', 'e', ' ',
		'F', 'l', 'a', 's', 'h', ' ', 'M', 'e', 'd', 'i', 'a', ' ',
		'S', 'e', 'r', 'v', 'e', 'r', ' ',
		'0', '0', '1',
		0xF0, 0xEE, 0xC2, 0x4A, 0x80, 0x68, 0xBE, 0xE8, 0x2E, 0x00, 0xD0, 0xD1,
		0x02, 0x9E, 0x7E, 0x57, 0x6E, 0xEC, 0x5D, 0x2D, 0x29, 0x80, 0x6F, 0xAB,
		0x93, 0xB8, 0xE6, 0x36, 0xCF, 0xEB, 0x31, 0xAE,
	}
	hsClientPartialKey = hsClientFullKey[:30]
	hsServerPartialKey = hsServerFullKey[:36]
)

// hsMakeDigest is HMAC-SHA256 over src with the 32 bytes at gap left out.
func hsMakeDigest(key []byte, src []byte, gap int) (dst []byte) {
	h := hmac.New(sha256.New, key)
	if gap <= 0 {
		h.Write(src)
	} else {
		h.Write(src[:gap])
		h.Write(src[gap+32:])
	}
	return h.Sum(nil)
}

func hsCalcDigestPos(p []byte, base int) (pos int) {
	for i := 0; i < 4; i++ {
		pos += int(p[base+i])
	}
	pos = (pos % 728) + base + 4
	return
}

func hsFindDigest(p []byte, key []byte, base int) int {
	gap := hsCalcDigestPos(p, base)
	digest := hsMakeDigest(key, p, gap)
	if !bytes.Equal(p[gap:gap+32], digest) {
		return -1
	}
	return gap
}

// hsDigestBase is where the digest offset bytes live for a scheme.
func hsDigestBase(scheme int) int {
	if scheme == 1 {
		return 772
	}
	return 8
}

func hsDigestPos(p []byte, scheme int) int {
	return hsCalcDigestPos(p, hsDigestBase(scheme))
}

// hsDHPos is the offset of the 128 byte key exchange block.
func hsDHPos(p []byte, scheme int) int {
	base, offset := 1532, 772
	if scheme == 1 {
		base, offset = 768, 8
	}
	pos := 0
	for i := 0; i < 4; i++ {
		pos += int(p[base+i])
	}
	return pos%632 + offset
}

// hsDetectScheme validates the client digest, trying scheme 1 then scheme 0.
func hsDetectScheme(c1 []byte) (int, bool) {
	for _, scheme := range []int{1, 0} {
		if hsFindDigest(c1, hsClientPartialKey, hsDigestBase(scheme)) >= 0 {
			return scheme, true
		}
	}
	return 0, false
}

// handshakeResponse builds S0S1S2 for the given C0C1.
func handshakeResponse(c0c1 []byte) ([]byte, int, error) {
	if len(c0c1) != handshakeSize+1 {
		return nil, 0, fmt.Errorf("handshake: C0C1 length %d", len(c0c1))
	}
	chunkType := c0c1[0]
	c1 := c0c1[1:]

	if pio.U32BE(c1[4:8]) == 0 {
		resp := make([]byte, 1+handshakeSize*2)
		resp[0] = 0x03
		return resp, schemeSimple, nil
	}

	if chunkType > 0x03 {
		return nil, 0, fmt.Errorf("%w: chunk type 0x%02x", ErrUnsupportedEncryption, chunkType)
	}

	scheme, ok := hsDetectScheme(c1)
	if !ok {
		logger.Debug(rtmpMessage("client digest mismatch, using scheme 0", opWarn))
	}
	logger.Debug(rtmpMessage(fmt.Sprintf("client key exchange offset=%d", hsDHPos(c1, scheme)), opHs))

	s1 := make([]byte, handshakeSize)
	if _, err := rand.Read(s1[8:]); err != nil {
		return nil, 0, fmt.Errorf("unable to fill S1: %v", err)
	}
	pio.PutU32BE(s1[0:4], 0)
	copy(s1[4:8], []byte{0x01, 0x02, 0x03, 0x04})

	gap := hsDigestPos(s1, scheme)
	copy(s1[gap:gap+32], hsMakeDigest(hsServerPartialKey, s1, gap))

	challengeOffset := hsDigestPos(c1[:handshakeSize-32], scheme)
	challenge := c1[challengeOffset : challengeOffset+32]
	key := hsMakeDigest(hsServerFullKey, challenge, 0)

	s2 := make([]byte, handshakeSize)
	if _, err := rand.Read(s2[:handshakeSize-32]); err != nil {
		return nil, 0, fmt.Errorf("unable to fill S2: %v", err)
	}
	copy(s2[handshakeSize-32:], hsMakeDigest(key, s2[:handshakeSize-32], 0))

	resp := make([]byte, 0, 1+handshakeSize*2)
	resp = append(resp, chunkType)
	resp = append(resp, s1...)
	resp = append(resp, s2...)
	return resp, scheme, nil
}

// serverHandshake runs the server side of the handshake on a fresh channel.
func serverHandshake(ch *ByteChannel) (int, error) {
	c0c1, err := ch.Read(handshakeSize + 1)
	if err != nil {
		return 0, err
	}
	resp, scheme, err := handshakeResponse(c0c1)
	if err != nil {
		return 0, err
	}
	if err := ch.Write(resp); err != nil {
		return 0, err
	}
	if _, err := ch.Read(handshakeSize); err != nil {
		return 0, err
	}
	return scheme, nil
}

// hsCreateC0C1 builds a C0C1 carrying a client digest for the scheme.
func hsCreateC0C1(scheme int) ([]byte, error) {
	p := make([]byte, handshakeSize+1)
	p[0] = 0x03
	c1 := p[1:]
	if _, err := rand.Read(c1[8:]); err != nil {
		return nil, fmt.Errorf("unable to fill C1: %v", err)
	}
	pio.PutU32BE(c1[0:4], uint32(time.Now().Unix()))
	pio.PutU32BE(c1[4:8], 0x80000702)
	gap := hsDigestPos(c1, scheme)
	copy(c1[gap:gap+32], hsMakeDigest(hsClientPartialKey, c1, gap))
	return p, nil
}

// clientHandshake runs the client side and echoes S1 as C2.
func clientHandshake(ch *ByteChannel, scheme int) error {
	c0c1, err := hsCreateC0C1(scheme)
	if err != nil {
		return err
	}
	if err := ch.Write(c0c1); err != nil {
		return err
	}
	s0s1s2, err := ch.Read(1 + handshakeSize*2)
	if err != nil {
		return err
	}
	return ch.Write(s0s1s2[1 : handshakeSize+1])
}
