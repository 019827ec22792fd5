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
	"crypto/rand"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

func newC0C1(t *testing.T, scheme int) []byte {
	t.Helper()
	c0c1, err := hsCreateC0C1(scheme)
	if err != nil {
		t.Errorf("unable to create C0C1: %v", err)
		t.FailNow()
	}
	return c0c1
}

func TestHandshakeRandomFill(t *testing.T) {
	c0c1 := newC0C1(t, 1)
	a, _, err := handshakeResponse(c0c1)
	if err != nil {
		t.Errorf("first response: %v", err)
		t.FailNow()
	}
	b, _, err := handshakeResponse(c0c1)
	if err != nil {
		t.Errorf("second response: %v", err)
		t.FailNow()
	}
	s1a, s1b := a[1+8:1+handshakeSize], b[1+8:1+handshakeSize]
	if bytes.Equal(s1a, s1b) {
		t.Errorf("expected S1 random bytes to differ between handshakes")
	}
	s2a, s2b := a[1+handshakeSize:1+2*handshakeSize-32], b[1+handshakeSize:1+2*handshakeSize-32]
	if bytes.Equal(s2a, s2b) {
		t.Errorf("expected S2 random bytes to differ between handshakes")
	}
	if bytes.Equal(s2a, make([]byte, len(s2a))) {
		t.Errorf("expected S2 to be filled")
	}
	c1a, c1b := newC0C1(t, 0), newC0C1(t, 0)
	if bytes.Equal(c1a[9:], c1b[9:]) {
		t.Errorf("expected C1 random bytes to differ")
	}
}

func TestHandshakeDetectScheme(t *testing.T) {
	for _, scheme := range []int{0, 1} {
		c0c1 := newC0C1(t, scheme)
		got, ok := hsDetectScheme(c0c1[1:])
		if !ok {
			t.Errorf("scheme %d: digest not found", scheme)
			continue
		}
		if got != scheme {
			t.Errorf("expected scheme %d, got %d", scheme, got)
		}
	}
}

func TestHandshakeResponse(t *testing.T) {
	for _, scheme := range []int{0, 1} {
		c0c1 := newC0C1(t, scheme)
		resp, got, err := handshakeResponse(c0c1)
		if err != nil {
			t.Errorf("scheme %d: %v", scheme, err)
			t.FailNow()
		}
		if got != scheme {
			t.Errorf("expected scheme %d, got %d", scheme, got)
		}
		if len(resp) != 1+2*handshakeSize {
			t.Errorf("expected %d response bytes, got %d", 1+2*handshakeSize, len(resp))
			t.FailNow()
		}
		if resp[0] != c0c1[0] {
			t.Errorf("expected S0 0x%02x, got 0x%02x", c0c1[0], resp[0])
		}

		s1 := resp[1 : 1+handshakeSize]
		if hsFindDigest(s1, hsServerPartialKey, hsDigestBase(scheme)) < 0 {
			t.Errorf("scheme %d: S1 digest does not verify", scheme)
		}

		c1 := c0c1[1:]
		offset := hsDigestPos(c1[:handshakeSize-32], scheme)
		key := hsMakeDigest(hsServerFullKey, c1[offset:offset+32], 0)
		s2 := resp[1+handshakeSize:]
		if !bytes.Equal(s2[handshakeSize-32:], hsMakeDigest(key, s2[:handshakeSize-32], 0)) {
			t.Errorf("scheme %d: S2 digest does not verify", scheme)
		}
	}
}

func TestHandshakeUnknownDigest(t *testing.T) {
	c0c1 := make([]byte, handshakeSize+1)
	rand.Read(c0c1)
	c0c1[0] = 0x03
	copy(c0c1[5:9], []byte{0x09, 0x00, 0x7c, 0x02})
	_, scheme, err := handshakeResponse(c0c1)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if scheme != 0 {
		t.Errorf("expected fallback to scheme 0, got %d", scheme)
	}
}

func TestHandshakeSimple(t *testing.T) {
	c0c1 := make([]byte, handshakeSize+1)
	c0c1[0] = 0x03
	rand.Read(c0c1[9:])
	resp, scheme, err := handshakeResponse(c0c1)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
		t.FailNow()
	}
	if scheme != schemeSimple {
		t.Errorf("expected simple handshake, got scheme %d", scheme)
	}
	if len(resp) != 1+2*handshakeSize || resp[0] != 0x03 {
		t.Errorf("unexpected simple response header len=%d s0=0x%02x", len(resp), resp[0])
		t.FailNow()
	}
	if !bytes.Equal(resp[1:], make([]byte, 2*handshakeSize)) {
		t.Errorf("expected zeroed S1 and S2")
	}
}

func TestHandshakeEncryptionRejected(t *testing.T) {
	c0c1 := newC0C1(t, 1)
	c0c1[0] = 0x06
	_, _, err := handshakeResponse(c0c1)
	if !errors.Is(err, ErrUnsupportedEncryption) {
		t.Errorf("expected ErrUnsupportedEncryption, got %v", err)
	}
}

func TestHandshakeBadLength(t *testing.T) {
	if _, _, err := handshakeResponse(make([]byte, 10)); err == nil {
		t.Errorf("expected an error for a short C0C1")
	}
}

func TestHandshakeOverPipe(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	deadline := time.Now().Add(5 * time.Second)
	server.SetDeadline(deadline)
	client.SetDeadline(deadline)

	type result struct {
		scheme int
		err    error
	}
	done := make(chan result, 1)
	go func() {
		scheme, err := serverHandshake(NewByteChannel(server, ConnBufferSize))
		done <- result{scheme, err}
	}()
	if err := clientHandshake(NewByteChannel(client, ConnBufferSize), 1); err != nil {
		t.Errorf("client handshake: %v", err)
		t.FailNow()
	}
	res := <-done
	if res.err != nil {
		t.Errorf("server handshake: %v", res.err)
		t.FailNow()
	}
	if res.scheme != 1 {
		t.Errorf("expected scheme 1, got %d", res.scheme)
	}
}

func TestCrossDomainPolicy(t *testing.T) {
	out := &bytes.Buffer{}
	ch := NewByteChannel(readWriter{bytes.NewReader(policyFileRequest), out}, 64)
	if err := serveCrossDomainPolicy(ch, 1935); !errors.Is(err, errPolicyServed) {
		t.Errorf("expected errPolicyServed, got %v", err)
	}
	if !strings.Contains(out.String(), `to-ports="1935"`) {
		t.Errorf("policy does not name the port: %s", out.String())
	}

	c0c1 := newC0C1(t, 0)
	ch = NewByteChannel(readWriter{bytes.NewReader(c0c1), out}, 64)
	if err := serveCrossDomainPolicy(ch, 1935); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	p, err := ch.Read(len(c0c1))
	if err != nil {
		t.Errorf("read after peek: %v", err)
		t.FailNow()
	}
	if !bytes.Equal(p, c0c1) {
		t.Errorf("peeked bytes were not pushed back")
	}
}
