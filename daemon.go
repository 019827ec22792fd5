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

package flashd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kris-nova/flashd/rtmp"
	"github.com/kris-nova/logger"
)

// Daemon runs an RTMP server together with its optional status endpoint
// and stream announcer until it is told to stop.
type Daemon struct {
	Config   *rtmp.ServerConfig
	Shutdown chan bool

	server *rtmp.Server
}

func NewDaemon(cfg *rtmp.ServerConfig) *Daemon {
	return &Daemon{
		Config:   cfg,
		Shutdown: make(chan bool, 1),
	}
}

// Run serves until Shutdown receives or the listener fails.
func (d *Daemon) Run() error {
	d.server = rtmp.NewServer(d.Config)
	defer d.server.Close()

	if d.Config.RedisAddr != "" {
		announcer, err := rtmp.NewRedisAnnouncer(d.Config.RedisAddr, d.Config.RedisPwd, d.Config.RedisDB, d.Config.Addr(), d.Config.AnnounceTTL)
		if err != nil {
			return fmt.Errorf("unable to connect announcer: %v", err)
		}
		defer announcer.Close()
		d.server.SetAnnouncer(announcer, d.Config.AnnounceTTL)
		logger.Info("Announcing streams to redis %s", d.Config.RedisAddr)
	}

	listener, err := d.server.Listen(d.Config.Addr())
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %v", d.Config.Addr(), err)
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- d.server.Serve(listener)
	}()

	var status *http.Server
	if d.Config.MetricsAddr != "" {
		status = &http.Server{
			Addr:              d.Config.MetricsAddr,
			Handler:           rtmp.StatusHandler(d.server),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Status endpoint on %s", d.Config.MetricsAddr)
			if err := status.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("status endpoint: %v", err)
			}
		}()
		defer status.Close()
	}

	logger.Always("Serving RTMP on %s (root %s)", d.Config.Addr(), d.Config.Root)
	select {
	case <-d.Shutdown:
		logger.Always("Graceful shutdown...")
		return nil
	case err := <-errCh:
		return err
	}
}

// SigHandler stops the daemon on the usual termination signals.
func (d *Daemon) SigHandler() {
	sigCh := make(chan os.Signal, 2)

	// os.Interrupt is ^C
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, os.Interrupt)
	go func() {
		sig := <-sigCh
		logger.Always("Caught %v, shutting down...", sig)
		d.Shutdown <- true
	}()
}
