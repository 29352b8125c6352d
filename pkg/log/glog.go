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
	"runtime"
	"strconv"
	"time"
)

// GoogleEmitter prefixes messages with a glog compatible header and passes
// them to the underlying emitter. Lines have the form
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg
//
// where L is the first letter of the level.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// pidField is the process ID in the seven right aligned columns glog uses
// for the thread ID.
var pidField = fmt.Sprintf("%7d", os.Getpid())

func levelChar(l Level) byte {
	switch l {
	case Warning:
		return 'W'
	case Info:
		return 'I'
	default:
		return 'D'
	}
}

// appendDigits appends the width least significant decimal digits of v.
func appendDigits(b []byte, v, width int) []byte {
	var d [6]byte
	for i := width - 1; i >= 0; i-- {
		d[i] = '0' + byte(v%10)
		v /= 10
	}
	return append(b, d[:width]...)
}

// Emit implements Emitter.Emit.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	b := make([]byte, 0, 64+len(format))
	b = append(b, levelChar(level))

	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	b = appendDigits(b, int(month), 2)
	b = appendDigits(b, day, 2)
	b = append(b, ' ')
	b = appendDigits(b, hour, 2)
	b = append(b, ':')
	b = appendDigits(b, minute, 2)
	b = append(b, ':')
	b = appendDigits(b, second, 2)
	b = append(b, '.')
	b = appendDigits(b, timestamp.Nanosecond()/1000, 6)
	b = append(b, ' ')
	b = append(b, pidField...)
	b = append(b, ' ')

	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		b = append(b, filepath.Base(file)...)
		b = append(b, ':')
		b = strconv.AppendInt(b, int64(line), 10)
	} else {
		b = append(b, "???:0"...)
	}
	b = append(b, "] "...)
	b = append(b, format...)
	b = append(b, '\n')

	g.Emitter.Emit(depth, level, timestamp, string(b), args...)
}
