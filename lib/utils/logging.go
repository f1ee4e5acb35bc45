/*
Copyright 2016-2021 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// LoggingPurpose distinguishes the daemon's verbose stderr logging from the
// quieter behavior expected of a one-shot CLI invocation.
type LoggingPurpose int

const (
	LoggingForDaemon LoggingPurpose = iota
	LoggingForCLI
)

// InitLogger configures the global logrus logger for a given purpose and
// verbosity level.
func InitLogger(purpose LoggingPurpose, level logrus.Level) {
	logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	logrus.SetLevel(level)
	switch purpose {
	case LoggingForCLI:
		if level == logrus.DebugLevel {
			logrus.SetFormatter(NewDefaultTextFormatter(isTerminal(os.Stderr)))
			logrus.SetOutput(os.Stderr)
		} else {
			logrus.SetOutput(io.Discard)
		}
	case LoggingForDaemon:
		logrus.SetFormatter(NewDefaultTextFormatter(isTerminal(os.Stderr)))
		logrus.SetOutput(os.Stderr)
	}
}

// NewLogger creates a new, unconfigured logger using the default text
// formatter.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(NewDefaultTextFormatter(isTerminal(os.Stderr)))
	return logger
}

// NewDefaultTextFormatter returns the text formatter used for both CLI and
// daemon output: component name, level, and message, colorized only when
// writing to an interactive terminal.
func NewDefaultTextFormatter(colors bool) logrus.Formatter {
	return &logrus.TextFormatter{
		DisableColors:   !colors,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// FatalError prints a user-facing message derived from err and exits 1. It
// is the CLI entrypoint's standard top-level error handler.
func FatalError(err error) {
	fmt.Fprintln(os.Stderr, UserMessageFromError(err))
	os.Exit(1)
}

// UserMessageFromError renders err for a human. At debug level this
// includes the full gravitational/trace debug report (file/line chain);
// otherwise just the wrapped message(s).
func UserMessageFromError(err error) string {
	if err == nil {
		return ""
	}
	if logrus.GetLevel() == logrus.DebugLevel {
		return trace.DebugReport(err)
	}
	var buf bytes.Buffer
	fmt.Fprint(&buf, Color(Red, "ERROR: "))
	formatErrorWriter(err, &buf)
	return buf.String()
}

func formatErrorWriter(err error, w io.Writer) {
	if err == nil {
		return
	}
	if traceErr, ok := err.(*trace.TraceErr); ok {
		for _, message := range traceErr.Messages {
			fmt.Fprintln(w, AllowNewlines(message))
		}
		fmt.Fprintln(w, AllowNewlines(trace.Unwrap(traceErr).Error()))
		return
	}
	if strErr := err.Error(); strErr != "" {
		fmt.Fprintln(w, AllowNewlines(strErr))
	} else {
		fmt.Fprintln(w, "no further details available, check the server log")
	}
}

const (
	Red    = 31
	Yellow = 33
	Blue   = 36
	Gray   = 37
)

// Color formats v wrapped in the given terminal escape color.
func Color(color int, v interface{}) string {
	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", color, v)
}

// EscapeControl quotes s if it contains non-printable characters, so a
// malicious backend cannot hide output behind ANSI escapes on a CLI.
func EscapeControl(s string) string {
	if needsQuoting(s) {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// AllowNewlines behaves like EscapeControl but tolerates embedded newlines,
// quoting each line independently.
func AllowNewlines(s string) string {
	if !strings.Contains(s, "\n") {
		return EscapeControl(s)
	}
	parts := strings.Split(s, "\n")
	for i, part := range parts {
		parts[i] = EscapeControl(part)
	}
	return strings.Join(parts, "\n")
}

func needsQuoting(text string) bool {
	for _, r := range text {
		if r < 0x20 && r != '\t' {
			return true
		}
	}
	return false
}
