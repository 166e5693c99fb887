// Copyright 2024 Google Inc. All Rights Reserved.
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

// Package cfg defines the tool configuration: a struct mirrored by a
// YAML config file and bound to command-line flags through viper.
package cfg

import (
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	Disk DiskConfig `yaml:"disk" mapstructure:"disk"`
}

type LoggingConfig struct {
	// Severity is one of trace, debug, info, warning, error, off.
	Severity string `yaml:"severity" mapstructure:"severity"`

	// Format is text or json.
	Format string `yaml:"format" mapstructure:"format"`

	// FilePath routes logs to a rotated file instead of stderr.
	FilePath string `yaml:"file-path" mapstructure:"file-path"`

	MaxSizeMB  int  `yaml:"max-size-mb" mapstructure:"max-size-mb"`
	MaxBackups int  `yaml:"max-backups" mapstructure:"max-backups"`
	Compress   bool `yaml:"compress" mapstructure:"compress"`
}

type DiskConfig struct {
	// Image is the disk-image file the filesystem and pager operate on.
	Image string `yaml:"image" mapstructure:"image"`

	// OSSectors is the kernel's size in sectors; the filesystem starts
	// at block 2 + os-sectors (past the boot sector and the kernel
	// itself, with one unused block between).
	OSSectors int `yaml:"os-sectors" mapstructure:"os-sectors"`
}

// NewConfig returns the defaults every command starts from.
func NewConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Severity:  "info",
			Format:    "text",
			MaxSizeMB: 100,
		},
		Disk: DiskConfig{
			Image: "image",
		},
	}
}

// BindFlags registers the config flags on flagSet and binds them into v
// so config-file values and flags merge, flags winning.
func BindFlags(v *viper.Viper, flagSet *pflag.FlagSet) error {
	flagSet.String("log-severity", "info", "Lowest severity to log: trace, debug, info, warning, error, off.")
	if err := v.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.String("log-format", "text", "Log format: text or json.")
	if err := v.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.String("log-file", "", "Write logs to this file, rotated, instead of stderr.")
	if err := v.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.String("image", "image", "Disk image file.")
	if err := v.BindPFlag("disk.image", flagSet.Lookup("image")); err != nil {
		return err
	}

	flagSet.Int("os-sectors", 0, "Kernel size in sectors; the filesystem starts after it.")
	if err := v.BindPFlag("disk.os-sectors", flagSet.Lookup("os-sectors")); err != nil {
		return err
	}

	return nil
}

// Load unmarshals the merged viper state into a Config.
func Load(v *viper.Viper) (Config, error) {
	c := NewConfig()
	err := v.Unmarshal(&c, viper.DecodeHook(decodeHook()))
	return c, err
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}
