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
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultScheme = "rtmp"
	DefaultHost   = "localhost"
	DefaultAppRef = "live"

	generatedNameLength = 12
	generatedNamePrefix = "flashd_"
	generatedNamePool   = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// URLAddr is a parsed RTMP address such as
//   rtmp://host:port/app/scope/name
// where the app path is everything between the host and the last element.
type URLAddr struct {
	raw    string
	scheme string
	host   string
	port   int
	app    string
	name   string
}

// ParseURLAddr parses raw. Missing parts fall back to rtmp, localhost,
// 1935 and the live app. A missing stream name is generated. No DNS
// lookups are made.
func ParseURLAddr(raw string) (*URLAddr, error) {
	s := strings.TrimSpace(raw)
	if !strings.Contains(s, "://") {
		s = DefaultScheme + "://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("unable to url.Parse raw rtmp string: %v", err)
	}
	a := &URLAddr{
		raw:    raw,
		scheme: strings.ToLower(u.Scheme),
		host:   u.Hostname(),
		port:   DefaultPort,
	}
	if a.scheme != DefaultScheme {
		return nil, fmt.Errorf("unsupported scheme %q in %s", u.Scheme, raw)
	}
	if a.host == "" {
		a.host = DefaultHost
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid port %q in %s", p, raw)
		}
		a.port = port
	}

	var parts []string
	for _, part := range strings.Split(u.Path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	switch len(parts) {
	case 0:
		a.app = DefaultAppRef
	case 1:
		a.app = parts[0]
	default:
		a.app = strings.Join(parts[:len(parts)-1], "/")
		a.name = parts[len(parts)-1]
	}
	if u.RawQuery != "" && a.name != "" {
		a.name += "?" + u.RawQuery
	}
	if a.name == "" {
		a.name = generateName()
	}
	return a, nil
}

// Host is the host:port pair to dial.
func (a *URLAddr) Host() string {
	return net.JoinHostPort(a.host, strconv.Itoa(a.port))
}

func (a *URLAddr) Port() int {
	return a.port
}

// App is the connect path, such as live or live/room1.
func (a *URLAddr) App() string {
	return a.app
}

// Name is the stream name used for publish and play.
func (a *URLAddr) Name() string {
	return a.name
}

// TCURL is the tcUrl sent with connect.
func (a *URLAddr) TCURL() string {
	return fmt.Sprintf("%s://%s/%s", a.scheme, a.Host(), a.app)
}

// SafeURL is the address without the stream name.
func (a *URLAddr) SafeURL() string {
	return a.TCURL()
}

// StreamURL is the full address of the stream.
func (a *URLAddr) StreamURL() string {
	return fmt.Sprintf("%s/%s", a.TCURL(), a.name)
}

func (a *URLAddr) String() string {
	return a.SafeURL()
}

func generateName() string {
	b := make([]byte, generatedNameLength)
	for i := range b {
		b[i] = generatedNamePool[rand.Intn(len(generatedNamePool))]
	}
	return generatedNamePrefix + string(b)
}
