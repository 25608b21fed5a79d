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

package ice

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type Schema int

const (
	SchemaStun Schema = iota
	SchemaTurn
)

func (s Schema) String() string {
	if s == SchemaTurn {
		return "turn"
	}
	return "stun"
}

const (
	defaultStunPort       = 3478
	defaultSecureStunPort = 5349
)

// IceServerInfo is a parsed stun:, stuns:, turn: or turns: url. TURN
// credentials can be embedded as user:pass@ or set afterwards.
type IceServerInfo struct {
	URL       string
	Schema    Schema
	Secure    bool
	Host      string
	Port      int
	Transport TransportType
	Username  string
	Password  string
}

func ParseIceServerInfo(raw string) (*IceServerInfo, error) {
	idx := strings.Index(raw, ":")
	if idx < 0 {
		return nil, errors.Wrapf(ErrInvalidIceServerURL, "no schema in %q", raw)
	}

	info := &IceServerInfo{URL: raw}
	switch strings.ToLower(raw[:idx]) {
	case "stun":
		info.Schema = SchemaStun
	case "stuns":
		info.Schema, info.Secure = SchemaStun, true
	case "turn":
		info.Schema = SchemaTurn
	case "turns":
		info.Schema, info.Secure = SchemaTurn, true
	default:
		return nil, errors.Wrap(ErrUnsupportedSchema, raw[:idx])
	}

	rest := raw[idx+1:]
	// credentials first so a '?' inside the password is not taken as the query
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		user, pass, _ := strings.Cut(rest[:at], ":")
		info.Username, info.Password = user, pass
		rest = rest[at+1:]
	}

	var query string
	if q := strings.Index(rest, "?"); q >= 0 {
		rest, query = rest[:q], rest[q+1:]
	}

	info.Port = defaultStunPort
	if info.Secure {
		info.Port = defaultSecureStunPort
	}
	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		// no port
		host = strings.Trim(rest, "[]")
	} else {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return nil, errors.Wrapf(ErrInvalidIceServerURL, "bad port in %q", raw)
		}
		info.Port = p
	}
	if host == "" {
		return nil, errors.Wrapf(ErrInvalidIceServerURL, "no host in %q", raw)
	}
	info.Host = host

	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidIceServerURL, "bad query in %q", raw)
	}
	info.Transport = TransportUDP
	if t := values.Get("transport"); t != "" {
		if info.Transport, err = ParseTransportType(t); err != nil {
			return nil, err
		}
	}
	return info, nil
}

func (i *IceServerInfo) Address() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

func (i *IceServerInfo) String() string {
	return i.Schema.String() + ":" + i.Address() + "?transport=" + i.Transport.String()
}
