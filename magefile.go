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

//go:build mage
// +build mage

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/magefile/mage/mg"

	"github.com/livekit/mageutil"
)

const (
	goChecksumFile = ".checksumgo"
	binaryName     = "livekit-ice"
)

// Default target to run when none is specified
// If not set, running mage will list available targets
var (
	Default     = Build
	checksummer = mageutil.NewChecksummer(".", goChecksumFile, ".go", ".mod")
)

// release targets for BuildAll
var platforms = [][2]string{
	{"linux", "amd64"},
	{"linux", "arm64"},
	{"darwin", "arm64"},
	{"windows", "amd64"},
}

func init() {
	checksummer.IgnoredPaths = []string{
		"pkg/service/wire_gen.go",
	}
}

// explicitly reinstall all deps
func Deps() error {
	return installTools(true)
}

// builds livekit-ice for the host platform
func Build() error {
	mg.Deps(generateWire)
	if !checksummer.IsChanged() {
		fmt.Println("up to date")
		return nil
	}

	if err := buildBinary("", "", binaryName); err != nil {
		return err
	}
	checksummer.WriteChecksum()
	return nil
}

// builds release binaries for every supported platform
func BuildAll() error {
	mg.Deps(generateWire)
	for _, p := range platforms {
		name := fmt.Sprintf("%s-%s-%s", binaryName, p[0], p[1])
		if p[0] == "windows" {
			name += ".exe"
		}
		if err := buildBinary(p[0], p[1], name); err != nil {
			return err
		}
	}
	return nil
}

func buildBinary(goos, goarch, name string) error {
	fmt.Println("building", name)
	if err := os.MkdirAll("bin", 0755); err != nil {
		return err
	}

	out := filepath.Join("..", "..", "bin", name)
	cmd := mageutil.CommandDir(context.Background(), "cmd/server", "go build -buildvcs=false -o "+out)
	if goos != "" {
		cmd.Env = append(os.Environ(), "GOOS="+goos, "GOARCH="+goarch, "CGO_ENABLED=0")
	}
	return cmd.Run()
}

// run unit tests, skipping integration
func Test() error {
	mg.Deps(generateWire, setULimit)
	return mageutil.Run(context.Background(), "go test -short ./... -count=1")
}

// run all tests with the race detector, including the virtual network end to end runs
func TestAll() error {
	mg.Deps(generateWire, setULimit)
	return mageutil.Run(context.Background(), "go test -race ./... -count=1 -timeout=4m -v")
}

// run only the agent and relay end to end tests
func TestE2E() error {
	mg.Deps(setULimit)
	return mageutil.Run(context.Background(), "go test ./pkg/ice/... ./pkg/service/... -run EndToEnd|TurnClient -count=1 -v")
}

func Vet() error {
	return mageutil.Run(context.Background(), "go vet ./...")
}

// cleans up builds
func Clean() {
	fmt.Println("cleaning...")
	_ = os.RemoveAll("bin")
	_ = os.Remove(goChecksumFile)
}

// code generation for wiring
func generateWire() error {
	mg.Deps(installDeps)
	if !checksummer.IsChanged() {
		return nil
	}

	fmt.Println("wiring...")

	wire, err := mageutil.GetToolPath("wire")
	if err != nil {
		return err
	}
	cmd := exec.Command(wire)
	cmd.Dir = "pkg/service"
	mageutil.ConnectStd(cmd)
	return cmd.Run()
}

// implicitly install deps
func installDeps() error {
	return installTools(false)
}

func installTools(force bool) error {
	tools := map[string]string{
		"github.com/google/wire/cmd/wire": "latest",
	}
	for t, v := range tools {
		if err := mageutil.InstallTool(t, v, force); err != nil {
			return err
		}
	}
	return nil
}
