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
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-ice/pkg/config"
	"github.com/livekit/livekit-ice/pkg/ice"
)

func printPorts(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	printPortList(os.Stdout, conf)
	return nil
}

func printPortList(w io.Writer, conf *config.Config) {
	udpPorts := make([]string, 0)
	tcpPorts := make([]string, 0)

	udpPorts = append(udpPorts, fmt.Sprintf("%d - STUN/TURN", conf.RTC.UDPPort))
	if conf.RTC.TCPPort != 0 {
		tcpPorts = append(tcpPorts, fmt.Sprintf("%d - STUN/TURN over TCP", conf.RTC.TCPPort))
	}
	if conf.RTC.EnableTURN {
		start, end := conf.RelayPortRange()
		udpPorts = append(udpPorts, fmt.Sprintf("%d-%d - TURN relay range", start, end-1))
	}
	if conf.STUN.UDPPort > 0 {
		udpPorts = append(udpPorts, fmt.Sprintf("%d - standalone STUN", conf.STUN.UDPPort))
	}
	if conf.PrometheusPort > 0 {
		tcpPorts = append(tcpPorts, fmt.Sprintf("%d - Prometheus", conf.PrometheusPort))
	}

	fmt.Fprintln(w, "TCP Ports")
	for _, p := range tcpPorts {
		fmt.Fprintln(w, p)
	}

	fmt.Fprintln(w, "UDP Ports")
	for _, p := range udpPorts {
		fmt.Fprintln(w, p)
	}
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}

type gatherListener struct {
	ice.NoopListener
	candidates chan ice.CandidateInfo
}

func (l *gatherListener) OnIceTransportGatheringCandidate(_ ice.Pair, candidate ice.CandidateInfo) {
	select {
	case l.candidates <- candidate:
	default:
	}
}

func gatherCandidates(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	server, err := ice.ParseIceServerInfo(c.String("server"))
	if err != nil {
		return err
	}
	if u := c.String("username"); u != "" {
		server.Username = u
	}
	if p := c.String("password"); p != "" {
		server.Password = p
	}
	relay := c.Bool("relay")
	if relay && server.Schema != ice.SchemaTurn {
		return errors.New("relay gathering requires a turn: url")
	}

	listener := &gatherListener{candidates: make(chan ice.CandidateInfo, 16)}
	agent, err := ice.NewAgent(ice.AgentParams{
		TransportParams: ice.TransportParams{
			Config:   conf.TransportConfig(),
			Logger:   logger.GetLogger().WithValues("command", "gather"),
			Listener: listener,
		},
		Role:      ice.RoleControlling,
		IceServer: server,
	})
	if err != nil {
		return err
	}
	agent.Start()
	defer agent.Close()

	if err := agent.GatherCandidates(true, relay); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	// relay candidates arrive after the allocate transaction completes
wait:
	for {
		select {
		case cand := <-listener.candidates:
			if cand.Type == ice.CandidateTypeRelay || (!relay && cand.Type == ice.CandidateTypeServerReflexive) {
				break wait
			}
		case <-ctx.Done():
			break wait
		}
	}

	renderCandidates(os.Stdout, agent.LocalCandidates())
	return nil
}

func renderCandidates(w io.Writer, candidates []ice.CandidateInfo) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	table := tablewriter.NewWriter(w)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{
		"Type", "Transport", "Address", "Base", "Priority", "Foundation",
	})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_CENTER, tablewriter.ALIGN_CENTER, tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_CENTER,
	})

	for _, cand := range candidates {
		table.Append([]string{
			cand.Type.String(),
			cand.Transport.String(),
			cand.Addr.String(),
			cand.Base.String(),
			humanize.Comma(int64(cand.Priority)),
			cand.Foundation,
		})
	}
	table.Render()
}
