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

package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(v, fs))

	c, err := Load(v)
	require.NoError(t, err)

	want := NewConfig()
	// Flag defaults mirror NewConfig, so loading with nothing set must
	// be a no-op.
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	assert.NoError(t, c.Validate())
}

func TestFlagsOverrideDefaults(t *testing.T) {
	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(v, fs))
	require.NoError(t, fs.Parse([]string{
		"--log-severity=debug",
		"--log-format=json",
		"--image=disk.img",
		"--os-sectors=7",
	}))

	c, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "debug", c.Logging.Severity)
	assert.Equal(t, "json", c.Logging.Format)
	assert.Equal(t, "disk.img", c.Disk.Image)
	assert.Equal(t, 7, c.Disk.OSSectors)
	assert.NoError(t, c.Validate())
}

func TestConfigFileMergesUnderFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"logging:\n  severity: warning\ndisk:\n  image: from-file.img\n"), 0644))

	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(v, fs))
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	// A flag explicitly set beats the file; an unset flag does not.
	require.NoError(t, fs.Parse([]string{"--image=from-flag.img"}))

	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "warning", c.Logging.Severity)
	assert.Equal(t, "from-flag.img", c.Disk.Image)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad severity", func(c *Config) { c.Logging.Severity = "verbose" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"empty image", func(c *Config) { c.Disk.Image = "" }, true},
		{"negative os sectors", func(c *Config) { c.Disk.OSSectors = -1 }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewConfig()
			tc.mutate(&c)
			err := c.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
