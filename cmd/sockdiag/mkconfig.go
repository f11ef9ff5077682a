// Copyright 2025 The tcpsock Authors.
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
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

// Mkconfig implements subcommands.Command for the "mkconfig" command.
type Mkconfig struct {
	path string
}

// Name implements subcommands.Command.Name.
func (*Mkconfig) Name() string {
	return "mkconfig"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Mkconfig) Synopsis() string {
	return "write a starter TOML config file for the demo stack"
}

// Usage implements subcommands.Command.Usage.
func (*Mkconfig) Usage() string {
	return `mkconfig [flags]

The mkconfig command writes the built-in default configuration to a TOML
file. Edit it and pass it back with --config.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Mkconfig) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.path, "out", "sockdiag.toml", "path of the config file to write")
}

// Execute implements subcommands.Command.Execute.
func (m *Mkconfig) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if _, err := os.Stat(m.path); !os.IsNotExist(err) {
		logrus.Warnf("file %q already exists", m.path)
		return subcommands.ExitFailure
	}
	if err := writeConfig(m.path, defaultConfig()); err != nil {
		logrus.WithError(err).Error("writing config")
		return subcommands.ExitFailure
	}
	logrus.Infof("wrote %q", m.path)
	return subcommands.ExitSuccess
}
