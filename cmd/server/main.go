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

package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/bep/debounce"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-ice/pkg/config"
	"github.com/livekit/livekit-ice/pkg/service"
	"github.com/livekit/livekit-ice/pkg/telemetry/prometheus"
	"github.com/livekit/livekit-ice/pkg/utils"
	"github.com/livekit/livekit-ice/version"
)

const reloadDebounce = time.Second

var baseFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:  "bind",
		Usage: "IP address to listen on, use flag multiple times to specify multiple addresses",
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to livekit-ice config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "livekit-ice config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"LIVEKIT_ICE_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "node-ip",
		Usage:   "IP address of the current node, advertised in relayed addresses. Automatically determined by default",
		EnvVars: []string{"NODE_IP"},
	},
	&cli.UintFlag{
		Name:    "udp-port",
		Usage:   "UDP port for STUN and TURN",
		EnvVars: []string{"UDP_PORT"},
	},
	// debugging flags
	&cli.StringFlag{
		Name:  "memprofile",
		Usage: "write memory profile to `file`",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and uses a small relay port range. insecure for production",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:        "livekit-ice",
		Usage:       "STUN and TURN server for WebRTC ICE",
		Description: "run without subcommands to start the server",
		Flags:       append(baseFlags, generatedFlags...),
		Action:      startServer,
		Commands: []*cli.Command{
			{
				Name:   "ports",
				Usage:  "print ports that server is configured to use",
				Action: printPorts,
			},
			{
				Name:   "gather",
				Usage:  "gather local candidates against a STUN or TURN server and print them",
				Action: gatherCandidates,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "server",
						Usage:    "stun: or turn: url, credentials as user:pass@ or via flags",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "username",
						Usage: "TURN username",
					},
					&cli.StringFlag{
						Name:  "password",
						Usage: "TURN password",
					},
					&cli.BoolFlag{
						Name:  "relay",
						Usage: "also allocate a relay candidate, requires a turn: url",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "how long to wait for candidates",
						Value: 5 * time.Second,
					},
				},
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := config.ReadConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(&conf.Logging)

	if c.String("config") == "" && c.String("config-body") == "" && conf.Development {
		logger.Infow("starting in development mode")

		// when dev mode and no config is given, bind to localhost by default
		if conf.BindAddresses == nil {
			conf.BindAddresses = []string{"127.0.0.1"}
			if conf.RTC.NodeIP == "" {
				conf.RTC.NodeIP = "127.0.0.1"
			}
		}
	}
	return conf, nil
}

func startServer(c *cli.Context) error {
	memProfile := c.String("memprofile")

	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	if memProfile != "" {
		if f, err := os.Create(memProfile); err != nil {
			return err
		} else {
			defer func() {
				// run memory profile at termination
				runtime.GC()
				_ = pprof.WriteHeapProfile(f)
				_ = f.Close()
			}()
		}
	}

	if err := conf.ResolveNodeIP(c.Context); err != nil {
		return err
	}

	prometheus.Init(utils.NewIdentifier("ND_"))

	server, err := service.InitializeServer(conf)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	reload := debounce.New(reloadDebounce)
	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				logger.Infow("reload requested", "signal", sig)
				reload(func() { reloadConfig(c, server) })
				continue
			}
			logger.Infow("exit requested, shutting down", "signal", sig)
			server.Stop()
			return
		}
	}()

	return server.Start()
}

// reloadConfig re-reads the config and applies what can change at runtime.
func reloadConfig(c *cli.Context, server *service.LivekitIceServer) {
	confString, err := config.ReadConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		logger.Errorw("could not read config", err)
		return
	}
	conf, err := config.NewConfig(confString, !c.Bool("disable-strict-config"), c, baseFlags)
	if err != nil {
		logger.Errorw("could not parse config", err)
		return
	}
	if err := server.Reload(conf); err != nil {
		logger.Errorw("could not apply config", err)
	}
}
