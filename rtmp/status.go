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
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kris-nova/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// InstanceStatus is the JSON view of one application instance.
type InstanceStatus struct {
	ID         uint64         `json:"id"`
	Path       string         `json:"path"`
	App        string         `json:"app"`
	Clients    int            `json:"clients"`
	Publishers []string       `json:"publishers"`
	Players    map[string]int `json:"players"`
}

// Status lists the live instances of the router.
func (r *Router) Status() []InstanceStatus {
	instances := r.Instances()
	out := make([]InstanceStatus, 0, len(instances))
	for _, inst := range instances {
		out = append(out, InstanceStatus{
			ID:         inst.ID(),
			Path:       inst.Path(),
			App:        inst.Name(),
			Clients:    len(inst.Clients()),
			Publishers: inst.Publishers(),
			Players:    inst.PlayerCounts(),
		})
	}
	return out
}

// StatusHandler serves /metrics, /healthz and /api/streams for a server.
func StatusHandler(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(s.Metrics().Registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/api/streams", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Router().Status()); err != nil {
			logger.Warning(rtmpMessage(err.Error(), opWarn))
		}
	})
	return r
}
