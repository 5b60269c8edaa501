// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

package arietta

import (
	"os"

	"log/slog"

	"gopkg.in/yaml.v3"
)

// Config is the yaml document shape for a server configuration file.
// Note: struct fields must be public in order for unmarshal to correctly
// populate the data.
type Config struct {
	Server struct {
		// Options contains configurable options for the server.
		Options `yaml:"options"`
	} `yaml:"server"`
}

// OpenConfigFile reads a yaml configuration file and returns the options it
// declares.
func OpenConfigFile(p string) (*Options, error) {
	if p == "" {
		slog.Default().Debug("no config file path provided")
		return nil, nil
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}

	config := new(Config)
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	return &config.Server.Options, nil
}
