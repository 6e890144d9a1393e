// Copyright 2026 The ApplyStream Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package log provides context-aware leveled logging. Log lines carry the
// tags attached to the context via logtags, and format arguments are
// rendered through redact so that unsafe values can be scrubbed from
// operator-facing output.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"

	"github.com/applystream/applystream/pkg/util/syncutil"
)

// Severity identifies the sort of log: info, warning etc.
type Severity int32

// These constants identify the log levels in order of increasing severity.
const (
	InfoLog Severity = iota
	WarningLog
	ErrorLog
	FatalLog
)

const severityChar = "IWEF"

var logging struct {
	mu        syncutil.Mutex
	out       io.Writer
	threshold int32 // atomic Severity
}

func init() {
	logging.out = os.Stderr
}

// SetThreshold discards log entries below the given severity.
func SetThreshold(s Severity) {
	atomic.StoreInt32(&logging.threshold, int32(s))
}

// SetOutput redirects log output, returning the previous writer. Used by
// tests to capture output.
func SetOutput(w io.Writer) io.Writer {
	logging.mu.Lock()
	defer logging.mu.Unlock()
	prev := logging.out
	logging.out = w
	return prev
}

// Safe marks the argument as safe for unredacted reporting.
func Safe(a interface{}) redact.SafeValue {
	return redact.Safe(a)
}

func outputf(ctx context.Context, sev Severity, format string, args ...interface{}) {
	if int32(sev) < atomic.LoadInt32(&logging.threshold) {
		return
	}
	msg := redact.Sprintf(format, args...).StripMarkers()
	var tags string
	if b := logtags.FromContext(ctx); b != nil {
		tags = " [" + b.String() + "]"
	}
	now := time.Now()
	line := fmt.Sprintf("%c%s%s %s\n",
		severityChar[sev], now.Format("060102 15:04:05.000000"), tags, msg)
	logging.mu.Lock()
	fmt.Fprint(logging.out, line)
	logging.mu.Unlock()
	if sev == FatalLog {
		os.Exit(255)
	}
}

// Infof logs to the INFO log.
func Infof(ctx context.Context, format string, args ...interface{}) {
	outputf(ctx, InfoLog, format, args...)
}

// Warningf logs to the WARNING log.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	outputf(ctx, WarningLog, format, args...)
}

// Errorf logs to the ERROR log.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	outputf(ctx, ErrorLog, format, args...)
}

// Fatalf logs to the ERROR log and terminates the process. It is reserved
// for unrecoverable programming errors.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	outputf(ctx, FatalLog, format, args...)
}
