// Copyright 2023 LiveKit, Inc.
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

package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/turn/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-ice/pkg/config"
	"github.com/livekit/livekit-ice/pkg/portmanager"
	"github.com/livekit/livekit-ice/pkg/telemetry/prometheus"
	"github.com/livekit/livekit-ice/version"
)

const statsUpdateInterval = 10 * time.Second

type LivekitIceServer struct {
	config     *config.Config
	iceService *IceService
	stunServer *turn.Server
	relayPorts *portmanager.PortManager
	promServer *http.Server
	running    atomic.Bool
	done       core.Fuse
	closed     core.Fuse
}

func NewLivekitIceServer(conf *config.Config,
	iceService *IceService,
	stunServer *turn.Server,
	relayPorts *portmanager.PortManager,
) (*LivekitIceServer, error) {
	s := &LivekitIceServer{
		config:     conf,
		iceService: iceService,
		stunServer: stunServer,
		relayPorts: relayPorts,
		done:       core.NewFuse(),
		closed:     core.NewFuse(),
	}

	if conf.PrometheusPort > 0 {
		s.promServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler: promhttp.Handler(),
		}
	}
	return s, nil
}

// NewRelayPortManager builds the pool relay allocations draw their ports from.
func NewRelayPortManager(conf *config.Config) (*portmanager.PortManager, error) {
	return portmanager.New(conf.RelayPortRange())
}

func (s *LivekitIceServer) IsRunning() bool {
	return s.running.Load()
}

func (s *LivekitIceServer) IceService() *IceService {
	return s.iceService
}

// Reload applies the parts of a new config that can change at runtime.
func (s *LivekitIceServer) Reload(conf *config.Config) error {
	start, end := conf.RelayPortRange()
	if err := s.relayPorts.SetRange(start, end); err != nil {
		return err
	}
	logger.Infow("relay port range updated", "start", start, "end", end)
	return nil
}

func (s *LivekitIceServer) Start() error {
	if s.running.Swap(true) {
		return errors.New("already running")
	}
	defer s.closed.Break()

	if err := s.iceService.Start(); err != nil {
		return err
	}
	defer s.iceService.Stop()

	var promListener net.Listener
	if s.promServer != nil {
		// ensure we could listen
		ln, err := net.Listen("tcp", s.promServer.Addr)
		if err != nil {
			return err
		}
		promListener = ln
	}

	ufrag, _ := s.iceService.Credentials()
	logger.Infow("starting livekit-ice server",
		"version", version.Version,
		"udpPort", s.config.RTC.UDPPort,
		"tcpPort", s.config.RTC.TCPPort,
		"nodeIP", s.config.RTC.NodeIP,
		"turn", s.config.RTC.EnableTURN,
		"username", ufrag,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)
	if promListener != nil {
		group.Go(func() error {
			logger.Infow("starting prometheus server", "address", s.promServer.Addr)
			if err := s.promServer.Serve(promListener); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	group.Go(func() error {
		return s.statsWorker(ctx)
	})
	group.Go(func() error {
		select {
		case <-s.done.Watch():
		case <-ctx.Done():
		}
		cancel()
		return nil
	})
	<-ctx.Done()

	if s.promServer != nil {
		// wait for shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.promServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	if s.stunServer != nil {
		_ = s.stunServer.Close()
	}

	err := group.Wait()
	s.running.Store(false)
	return err
}

func (s *LivekitIceServer) Stop() {
	if !s.running.Load() {
		return
	}
	s.done.Break()
	<-s.closed.Watch()
}

func (s *LivekitIceServer) statsWorker(ctx context.Context) error {
	ticker := time.NewTicker(statsUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := prometheus.UpdateNodeStats()
			if err != nil {
				logger.Warnw("could not update node stats", err)
				continue
			}
			relayedIn, relayedOut := prometheus.RelayedBytes()
			logger.Debugw("node stats",
				"cpuLoad", stats.CPULoad,
				"memoryLoad", stats.MemoryLoad,
				"sessions", s.iceService.NumSessions(),
				"allocations", s.iceService.Allocations(),
				"relayedIn", relayedIn,
				"relayedOut", relayedOut,
				"nacks", prometheus.NackTotal(),
			)
		}
	}
}
