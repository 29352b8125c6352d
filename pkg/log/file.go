// Copyright 2026 The gVisor Authors.
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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileOpts builds the path of a log file from a pattern.
type FileOpts interface {
	// Build constructs the log file path based on the given pattern.
	Build(logPattern string) string
}

// PatternOpts substitutes %COMMAND% and %TIMESTAMP% in a log pattern. A
// pattern ending in '/' names a directory; a default file name is appended.
type PatternOpts struct {
	Command   string
	Timestamp time.Time
}

// Build implements FileOpts.Build.
func (o PatternOpts) Build(logPattern string) string {
	if strings.HasSuffix(logPattern, "/") {
		logPattern += "svsm.log.%TIMESTAMP%.%COMMAND%"
	}
	r := strings.NewReplacer(
		"%COMMAND%", o.Command,
		"%TIMESTAMP%", o.Timestamp.Format("20060102-150405.000000"),
	)
	return r.Replace(logPattern)
}

// OpenFile opens the log file named by logPattern, expanded with opts, and
// creates its directory if needed. An empty pattern means no log file: the
// result is nil, nil.
func OpenFile(logPattern string, flags int, opts FileOpts) (*os.File, error) {
	if logPattern == "" {
		return nil, nil
	}
	path := opts.Build(logPattern)
	if err := os.MkdirAll(filepath.Dir(path), 0775); err != nil {
		return nil, fmt.Errorf("creating log directory for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, flags, 0664)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
