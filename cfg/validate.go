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

import "fmt"

var validSeverities = map[string]bool{
	"trace": true, "debug": true, "info": true,
	"warning": true, "error": true, "off": true,
}

// Validate rejects configurations no command could run with.
func (c *Config) Validate() error {
	if !validSeverities[c.Logging.Severity] {
		return fmt.Errorf("invalid logging severity: %q", c.Logging.Severity)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}
	if c.Disk.Image == "" {
		return fmt.Errorf("disk image path must not be empty")
	}
	if c.Disk.OSSectors < 0 {
		return fmt.Errorf("os-sectors must not be negative")
	}
	return nil
}
