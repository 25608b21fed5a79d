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

package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-ice/pkg/ice"
	"github.com/livekit/livekit-ice/pkg/sfu/buffer"
)

const (
	generatedCLIFlagUsage = "generated"

	DefaultUDPPort        = 3478
	DefaultSessionTimeout = 5 * time.Minute

	devUDPPort = 7882
)

var (
	ErrInvalidUDPPort   = errors.New("rtc.udp_port must be set")
	ErrInvalidPortRange = errors.New("rtc.port_range_start must be below rtc.port_range_end")
)

type Config struct {
	BindAddresses  []string          `yaml:"bind_addresses,omitempty"`
	PrometheusPort uint32            `yaml:"prometheus_port,omitempty"`
	RTC            RTCConfig         `yaml:"rtc,omitempty"`
	TURN           TURNConfig        `yaml:"turn,omitempty"`
	NACK           buffer.NackConfig `yaml:"nack,omitempty"`
	STUN           STUNConfig        `yaml:"stun,omitempty"`
	Logging        LoggingConfig     `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type RTCConfig struct {
	UDPPort       uint32   `yaml:"udp_port,omitempty"`
	TCPPort       uint32   `yaml:"tcp_port,omitempty"`
	NodeIP        string   `yaml:"node_ip,omitempty"`
	UseExternalIP bool     `yaml:"use_external_ip,omitempty"`
	STUNServers   []string `yaml:"stun_servers,omitempty"`

	// static credentials shared by every client session
	Ufrag    string `yaml:"ufrag,omitempty"`
	Password string `yaml:"password,omitempty"`

	// relay allocations use [port_range_start, port_range_end)
	PortRangeStart uint16 `yaml:"port_range_start,omitempty"`
	PortRangeEnd   uint16 `yaml:"port_range_end,omitempty"`

	ICETransportPolicy string        `yaml:"ice_transport_policy,omitempty"`
	MaxSTUNRetry       int           `yaml:"max_stun_retry,omitempty"`
	InitialRTO         time.Duration `yaml:"initial_rto,omitempty"`
	EnableTURN         bool          `yaml:"enable_turn,omitempty"`
	Realm              string        `yaml:"realm,omitempty"`
	SessionTimeout     time.Duration `yaml:"session_timeout,omitempty"`
}

type TURNConfig struct {
	AllocationLifetime     time.Duration `yaml:"allocation_lifetime,omitempty"`
	PermissionLifetime     time.Duration `yaml:"permission_lifetime,omitempty"`
	ChannelBindingLifetime time.Duration `yaml:"channel_binding_lifetime,omitempty"`
	RefreshInterval        time.Duration `yaml:"refresh_interval,omitempty"`
}

// STUNConfig configures the standalone binding-only server. A zero port
// disables it.
type STUNConfig struct {
	UDPPort int `yaml:"udp_port,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
	PionLevel     string `yaml:"pion_level,omitempty"`
}

var DefaultConfig = Config{
	RTC: RTCConfig{
		UDPPort:            DefaultUDPPort,
		PortRangeStart:     30000,
		PortRangeEnd:       40000,
		ICETransportPolicy: ice.PolicyAll.String(),
		MaxSTUNRetry:       ice.DefaultMaxRetries,
		InitialRTO:         ice.DefaultInitialRTO,
		EnableTURN:         true,
		Realm:              ice.DefaultRealm,
		SessionTimeout:     DefaultSessionTimeout,
		STUNServers: []string{
			"stun.l.google.com:19302",
			"stun1.l.google.com:19302",
		},
	},
	TURN: TURNConfig{
		AllocationLifetime:     ice.DefaultAllocationLifetime,
		PermissionLifetime:     ice.DefaultPermissionLifetime,
		ChannelBindingLifetime: ice.DefaultChannelLifetime,
		RefreshInterval:        ice.DefaultRefreshInterval,
	},
	NACK: buffer.DefaultNackConfig,
	Logging: LoggingConfig{
		PionLevel: "error",
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	if err = yaml.Unmarshal(marshalled, &conf); err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if conf.RTC.UDPPort == 0 {
		if !conf.Development {
			return nil, ErrInvalidUDPPort
		}
		conf.RTC.UDPPort = devUDPPort
	}
	if conf.RTC.PortRangeStart == 0 || conf.RTC.PortRangeEnd == 0 {
		// to make it easier to run in dev mode/docker, default to two ports
		if conf.Development {
			conf.RTC.PortRangeStart = 30000
			conf.RTC.PortRangeEnd = 30002
		} else {
			conf.RTC.PortRangeStart = DefaultConfig.RTC.PortRangeStart
			conf.RTC.PortRangeEnd = DefaultConfig.RTC.PortRangeEnd
		}
	}
	if conf.RTC.PortRangeStart >= conf.RTC.PortRangeEnd {
		return nil, ErrInvalidPortRange
	}
	if _, err := ice.ParseTransportPolicy(conf.RTC.ICETransportPolicy); err != nil {
		return nil, fmt.Errorf("could not validate RTC config: %v", err)
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}
	if conf.Logging.PionLevel != "" {
		if conf.Logging.ComponentLevels == nil {
			conf.Logging.ComponentLevels = map[string]string{}
		}
		conf.Logging.ComponentLevels["pion"] = conf.Logging.PionLevel
	}

	return &conf, nil
}

// TransportConfig maps the rtc and turn sections onto the ICE transport knobs.
func (conf *Config) TransportConfig() ice.TransportConfig {
	tc := ice.DefaultTransportConfig()
	tc.InitialRTO = conf.RTC.InitialRTO
	tc.MaxRetries = conf.RTC.MaxSTUNRetry
	tc.AllocationLifetime = conf.TURN.AllocationLifetime
	tc.PermissionLifetime = conf.TURN.PermissionLifetime
	tc.PermissionRefresh = conf.TURN.PermissionLifetime * 4 / 5
	tc.ChannelLifetime = conf.TURN.ChannelBindingLifetime
	tc.ChannelRefresh = conf.TURN.ChannelBindingLifetime * 4 / 5
	tc.RefreshInterval = conf.TURN.RefreshInterval
	return tc
}

func (conf *Config) TransportPolicy() ice.TransportPolicy {
	// validated in NewConfig
	p, _ := ice.ParseTransportPolicy(conf.RTC.ICETransportPolicy)
	return p
}

func (conf *Config) RelayPortRange() (int, int) {
	return int(conf.RTC.PortRangeStart), int(conf.RTC.PortRangeEnd)
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := false
			if len(yamlTagArray) > 1 && yamlTagArray[1] == "inline" {
				isInline = true
			}
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			// map flag name to value
			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVar := fmt.Sprintf("LIVEKIT_ICE_%s", strings.ToUpper(strings.Replace(name, ".", "_", -1)))

		switch {
		case value.Type() == durationType:
			flag = &cli.DurationFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Bool:
			flag = &cli.BoolFlag{
				Name:   name,
				Usage:  generatedCLIFlagUsage,
				Hidden: hidden,
			}
		case kind == reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Int, kind == reflect.Int32:
			flag = &cli.IntFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Int64:
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Uint8, kind == reflect.Uint16, kind == reflect.Uint32:
			flag = &cli.UintFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Float32, kind == reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Slice, kind == reflect.Map, kind == reflect.Struct:
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		// the `c.App.Name != "test"` check is needed because `c.IsSet(...)` is always false in unit tests
		if !c.IsSet(flagName) && c.App.Name != "test" {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			// instantiate value to be set
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch {
		case configValue.Type() == durationType:
			configValue.SetInt(int64(c.Duration(flagName)))
		case kind == reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case kind == reflect.String:
			configValue.SetString(c.String(flagName))
		case kind == reflect.Int, kind == reflect.Int32, kind == reflect.Int64:
			configValue.SetInt(c.Int64(flagName))
		case kind == reflect.Uint8, kind == reflect.Uint16, kind == reflect.Uint32, kind == reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case kind == reflect.Float32, kind == reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("node-ip") {
		conf.RTC.NodeIP = c.String("node-ip")
	}
	if c.IsSet("udp-port") {
		conf.RTC.UDPPort = uint32(c.Uint("udp-port"))
	}
	if c.IsSet("bind") {
		conf.BindAddresses = c.StringSlice("bind")
	}
	return nil
}

// ReadConfigString returns inline config when given, else the contents of the
// config file. "~" and environment variables in the path are expanded.
func ReadConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	path, err := homedir.Expand(os.ExpandEnv(configFile))
	if err != nil {
		return "", err
	}
	outConfigBody, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}

// Note: only pass in logr.Logger with default depth
func SetLogger(l logger.Logger) {
	logger.SetLogger(l, "livekit-ice")
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(&config.Config, "livekit-ice")
}
