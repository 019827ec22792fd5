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
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kris-nova/logger"
	"golang.org/x/net/netutil"
)

const keepAlivePeriod = 10 * time.Second

// Server accepts RTMP connections and hands them to its Router.
type Server struct {
	cfg     *ServerConfig
	router  *Router
	metrics *Metrics
	opts    connOptions

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*Conn]struct{}
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer builds a server from cfg. A nil cfg uses the defaults.
func NewServer(cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	metrics := NewMetrics()
	router := NewRouter(cfg.Root)
	router.SetRecording(cfg.Recording)
	router.SetMetrics(metrics)
	if cfg.IndexCacheTTL > 0 {
		SetIndexCacheTTL(cfg.IndexCacheTTL)
	}
	opts := defaultConnOptions()
	opts.writeQueueSize = cfg.WriteQueueSize
	opts.streamQueueSize = cfg.StreamQueueSize
	opts.readTimeout = cfg.ReadTimeout
	opts.writeTimeout = cfg.WriteTimeout
	opts.metrics = metrics
	return &Server{
		cfg:       cfg,
		router:    router,
		metrics:   metrics,
		opts:      opts,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*Conn]struct{}),
		quit:      make(chan struct{}),
	}
}

func (s *Server) Router() *Router {
	return s.router
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// SetAnnouncer publishes live streams through a. Names are refreshed every
// half TTL until the server closes.
func (s *Server) SetAnnouncer(a Announcer, ttl time.Duration) {
	s.router.SetAnnouncer(a)
	if ttl > 0 {
		go s.router.announceLoop(ttl, s.quit)
	}
}

// keepAliveListener enables TCP_NODELAY and keep alive on accepted
// connections before any wrapping listener hides the *net.TCPConn.
type keepAliveListener struct {
	*net.TCPListener
}

func (l keepAliveListener) Accept() (net.Conn, error) {
	tc, err := l.AcceptTCP()
	if err != nil {
		return nil, err
	}
	tc.SetNoDelay(true)
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(keepAlivePeriod)
	return tc, nil
}

// Listen opens a TCP listener on addr, limited to max_conns concurrent
// connections when configured.
func (s *Server) Listen(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	var listener net.Listener = l
	if tl, ok := l.(*net.TCPListener); ok {
		listener = keepAliveListener{tl}
	}
	if s.cfg.MaxConns > 0 {
		listener = netutil.LimitListener(listener, s.cfg.MaxConns)
	}
	logger.Info(rtmpMessage(fmt.Sprintf("listening on %s", l.Addr()), opListen))
	return listener, nil
}

// Serve accepts connections on l until it fails or the server is closed.
// It returns nil after Close.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		l.Close()
		return nil
	default:
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	var backoff time.Duration
	for {
		nc, err := l.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				logger.Warning(rtmpMessage(fmt.Sprintf("accept: %v, retrying in %v", err, backoff), opWarn))
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		c := newConn(nc, s.router.ids.NextConn(), s.router, s.opts)
		if !s.track(c) {
			nc.Close()
			return nil
		}
		logger.Info(rtmpConnMessage(c.uid, fmt.Sprintf("accepted %s", nc.RemoteAddr()), opServe))
		go func() {
			defer s.untrack(c)
			c.serve()
		}()
	}
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.quit:
		return false
	default:
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// ListenAndServe listens on addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	l, err := s.Listen(addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Close stops every listener, closes every connection and waits for their
// teardown.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.quit)
		for l := range s.listeners {
			l.Close()
		}
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		logger.Info(rtmpMessage("server closed", opStop))
	})
	return nil
}
