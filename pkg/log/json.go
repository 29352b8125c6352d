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
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// jsonLog is one line of JSONEmitter output.
type jsonLog struct {
	Msg    string    `json:"msg"`
	Caller string    `json:"caller,omitempty"`
	Level  Level     `json:"level"`
	Time   time.Time `json:"time"`
}

var levelNames = map[Level]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	name, ok := levelNames[l]
	if !ok {
		return nil, fmt.Errorf("unknown level %v", l)
	}
	return json.Marshal(name)
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. Levels may be
// given by name or by number.
func (l *Level) UnmarshalJSON(b []byte) error {
	s := string(b)
	if n, err := strconv.Atoi(s); err == nil {
		if _, ok := levelNames[Level(n)]; ok {
			*l = Level(n)
			return nil
		}
		return fmt.Errorf("unknown level %d", n)
	}
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return fmt.Errorf("unknown level %s", s)
	}
	for lv, n := range levelNames {
		if n == name {
			*l = lv
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", name)
}

// JSONEmitter writes one JSON object per message.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	entry := jsonLog{
		Msg:   fmt.Sprintf(format, v...),
		Level: level,
		Time:  timestamp,
	}
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		entry.Caller = filepath.Base(file) + ":" + strconv.Itoa(line)
	}
	b, err := json.Marshal(entry)
	if err != nil {
		panic(err)
	}
	e.Writer.Write(append(b, '\n'))
}
