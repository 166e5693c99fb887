// Copyright 2023 Google Inc. All Rights Reserved.
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

package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels understood by the logger. TRACE has no slog
// equivalent, so it is mapped below DEBUG; WARNING is slog's WARN level
// under its full name, and OFF lies above ERROR.
const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
	LevelOff     = slog.Level(12)
)

const (
	textFormat = "text"
	jsonFormat = "json"
)

// Config controls where and how log records are written.
type Config struct {
	// Severity is one of trace, debug, info, warning, error, off.
	Severity string

	// Format is "text" or "json".
	Format string

	// FilePath, if non-empty, routes records to a rotated log file
	// instead of stderr.
	FilePath string

	// Rotation limits for the log file. Zero values fall back to
	// lumberjack defaults.
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

type loggerFactory struct {
	// file is nil when logging to stderr.
	file         *lumberjack.Logger
	format       string
	programLevel *slog.LevelVar
}

var (
	defaultLoggerFactory = &loggerFactory{
		format:       textFormat,
		programLevel: new(slog.LevelVar),
	}
	defaultLogger = defaultLoggerFactory.newLogger("")
)

// Init points the process-wide logger at the destination and severity
// given by c. Call it once, before the kernel starts.
func Init(c Config) error {
	f := &loggerFactory{
		format:       c.Format,
		programLevel: new(slog.LevelVar),
	}
	f.programLevel.Set(severityLevel(c.Severity))

	if c.FilePath != "" {
		f.file = &lumberjack.Logger{
			Filename:   c.FilePath,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			Compress:   c.Compress,
		}
	}

	if c.Format != "" && c.Format != textFormat && c.Format != jsonFormat {
		return fmt.Errorf("unsupported log format: %q", c.Format)
	}

	defaultLoggerFactory = f
	defaultLogger = f.newLogger("")
	return nil
}

// Tracef prints the message with TRACE severity in the specified format.
func Tracef(format string, v ...interface{}) {
	defaultLogger.Log(nil, LevelTrace, fmt.Sprintf(format, v...))
}

// Debugf prints the message with DEBUG severity in the specified format.
func Debugf(format string, v ...interface{}) {
	defaultLogger.Log(nil, LevelDebug, fmt.Sprintf(format, v...))
}

// Infof prints the message with INFO severity in the specified format.
func Infof(format string, v ...interface{}) {
	defaultLogger.Log(nil, LevelInfo, fmt.Sprintf(format, v...))
}

// Warnf prints the message with WARNING severity in the specified format.
func Warnf(format string, v ...interface{}) {
	defaultLogger.Log(nil, LevelWarning, fmt.Sprintf(format, v...))
}

// Errorf prints the message with ERROR severity in the specified format.
func Errorf(format string, v ...interface{}) {
	defaultLogger.Log(nil, LevelError, fmt.Sprintf(format, v...))
}

func (f *loggerFactory) newLogger(prefix string) *slog.Logger {
	return slog.New(f.createJsonOrTextHandler(f.writer(), f.programLevel, prefix))
}

func (f *loggerFactory) writer() io.Writer {
	if f.file != nil {
		return f.file
	}
	return os.Stderr
}

func (f *loggerFactory) createJsonOrTextHandler(
	writer io.Writer,
	levelVar *slog.LevelVar,
	prefix string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       levelVar,
		ReplaceAttr: replaceAttr(prefix),
	}
	if f.format == jsonFormat {
		return slog.NewJSONHandler(writer, opts)
	}
	return slog.NewTextHandler(writer, opts)
}

// replaceAttr renames slog's default keys to the severity/message scheme
// and maps the custom levels to their display names.
func replaceAttr(prefix string) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.LevelKey:
			a.Key = "severity"
			a.Value = slog.StringValue(severityName(a.Value.Any().(slog.Level)))
		case slog.MessageKey:
			a.Key = "message"
			if prefix != "" {
				a.Value = slog.StringValue(prefix + a.Value.String())
			}
		}
		return a
	}
}

func severityName(l slog.Level) string {
	switch {
	case l < LevelDebug:
		return "TRACE"
	case l < LevelInfo:
		return "DEBUG"
	case l < LevelWarning:
		return "INFO"
	case l < LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

func severityLevel(severity string) slog.Level {
	switch severity {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "", "info":
		return LevelInfo
	case "warning":
		return LevelWarning
	case "error":
		return LevelError
	case "off":
		return LevelOff
	default:
		return LevelInfo
	}
}
