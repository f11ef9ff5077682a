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
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// config is the configuration for the sockdiag demo stack.
type config struct {
	// ServerAddr is the IPv4 address the server host owns. The listener
	// itself binds the IPv6 wildcard and picks up IPv4 traffic through
	// its dual-stack side.
	ServerAddr string `toml:"server_addr"`
	// ServerAddr6 is the IPv6 address the server host owns.
	ServerAddr6 string `toml:"server_addr6"`
	// ClientAddr is the IPv4 address the client host owns.
	ClientAddr string `toml:"client_addr"`
	// Port is the listener's port.
	Port uint16 `toml:"port"`
	// Conns is how many client connections the demo opens.
	Conns int `toml:"conns"`
	// Backlog is the listener's accept queue limit.
	Backlog int `toml:"backlog"`
	// Payload is the bytes each client sends once established.
	Payload string `toml:"payload"`
	// SendBufferSize and ReceiveBufferSize set the stacks' default buffer
	// sizes. Zero keeps the package defaults.
	SendBufferSize    int `toml:"send_buffer_size"`
	ReceiveBufferSize int `toml:"receive_buffer_size"`
	// MSLMillis shortens the maximum segment lifetime so TIME-WAIT expiry
	// is observable within the demo. Zero keeps the protocol default.
	MSLMillis int `toml:"msl_ms"`
	// Debug enables debug logging.
	Debug bool `toml:"debug"`
}

// defaultConfig returns the configuration the demo runs with when no file
// is given.
func defaultConfig() *config {
	return &config{
		ServerAddr:  "192.168.1.1",
		ServerAddr6: "2001:db8::1",
		ClientAddr:  "192.168.1.2",
		Port:        8080,
		Conns:       3,
		Backlog:     8,
		Payload:     "ping",
	}
}

// loadConfig loads the sockdiag config from a TOML file, starting from the
// defaults. An empty path keeps the defaults.
func loadConfig(path string) (*config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.Wrapf(err, "decode config file %q", path)
	}
	if c.Conns < 1 {
		return nil, errors.Errorf("config %q: conns must be at least 1, got %d", path, c.Conns)
	}
	if c.Port == 0 {
		return nil, errors.Errorf("config %q: port must be nonzero", path)
	}
	return c, nil
}

// writeConfig writes c to path as TOML.
func writeConfig(path string, c *config) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create config file %q", path)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return errors.Wrapf(err, "encode config file %q", path)
	}
	return nil
}
