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

//go:build wireinject
// +build wireinject

package service

import (
	"github.com/google/wire"

	"github.com/livekit/livekit-ice/pkg/config"
)

var ServiceSet = wire.NewSet(
	NewRelayPortManager,
	NewIceService,
	NewStunServer,
	NewLivekitIceServer,
)

func InitializeServer(conf *config.Config) (*LivekitIceServer, error) {
	wire.Build(
		ServiceSet,
	)
	return &LivekitIceServer{}, nil
}
