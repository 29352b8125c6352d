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
	"time"

	"golang.org/x/time/rate"
)

// limitedLogger drops messages once its token bucket is empty.
type limitedLogger struct {
	next    Logger
	limiter *rate.Limiter
}

// allow reports whether a message at level should be passed on. Messages
// that next would discard do not consume a token.
func (l *limitedLogger) allow(level Level) bool {
	return l.next.IsLogging(level) && l.limiter.Allow()
}

func (l *limitedLogger) Debugf(format string, v ...any) {
	if l.allow(Debug) {
		l.next.Debugf(format, v...)
	}
}

func (l *limitedLogger) Infof(format string, v ...any) {
	if l.allow(Info) {
		l.next.Infof(format, v...)
	}
}

func (l *limitedLogger) Warningf(format string, v ...any) {
	if l.allow(Warning) {
		l.next.Warningf(format, v...)
	}
}

func (l *limitedLogger) IsLogging(level Level) bool {
	return l.next.IsLogging(level)
}

// BasicRateLimitedLogger limits the global logger to one message per every.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger limits logger to one message per every.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return BurstRateLimitedLogger(logger, every, 1)
}

// BurstRateLimitedLogger lets up to burst messages through at once and
// refills one message per every. Per-byte device traces use it so that a
// short transfer is logged completely while a long one is cut off.
func BurstRateLimitedLogger(logger Logger, every time.Duration, burst int) Logger {
	return &limitedLogger{
		next:    logger,
		limiter: rate.NewLimiter(rate.Every(every), burst),
	}
}
