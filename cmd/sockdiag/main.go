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

// Binary sockdiag drives a demo socket stack over an in-process loopback
// network and prints ss-style diagnostics for the sockets living in it.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var (
	configFile = flag.String("config", "", "path to a TOML config file overriding the built-in defaults")
	debug      = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := loadConfig(*configFile)
	if err != nil {
		logrus.WithError(err).Error("loading config")
		os.Exit(128)
	}
	if *debug {
		conf.Debug = true
	}
	if conf.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	// Call the subcommand and pass in the configuration.
	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// forEachCmd invokes the passed callback for each command supported by
// sockdiag.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(Demo), "")
	cb(new(Mkconfig), "")
}
