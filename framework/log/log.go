/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package log implements a minimalistic logging library on top of zap.
//
// Each component keeps its own Logger value with a Name that is attached to
// every message. Output goes to stderr so that command output on stdout stays
// machine-readable.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structure that writes formatted output to the underlying
// zap core.
//
// Zero value is usable and writes to the process-wide core set by Init.
type Logger struct {
	Name  string
	Debug bool

	// Out overrides the core used by this logger. Used mostly in tests.
	Out *zap.Logger

	// Fields are added to each message.
	Fields map[string]interface{}
}

// DefaultLogger is used by the package-level functions.
var DefaultLogger = Logger{}

var base atomic.Pointer[zap.Logger]

func init() {
	base.Store(newZap(os.Stderr, false))
}

// Init replaces the process-wide core. jsonOutput switches the encoder from
// the console one to JSON.
func Init(w io.Writer, jsonOutput bool) {
	base.Store(newZap(w, jsonOutput))
}

// Sync flushes buffered entries, if any.
func Sync() {
	_ = base.Load().Sync()
}

func newZap(w io.Writer, jsonOutput bool) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder

	var enc zapcore.Encoder
	if jsonOutput {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	// Debug filtering is done by Logger itself, so the core accepts everything.
	core := zapcore.NewCore(enc, zapcore.AddSync(w), zapcore.DebugLevel)
	return zap.New(core)
}

func (l Logger) zap() *zap.SugaredLogger {
	z := l.Out
	if z == nil {
		z = base.Load()
	}
	if l.Name != "" {
		z = z.Named(l.Name)
	}
	s := z.Sugar()
	for k, v := range l.Fields {
		s = s.With(k, v)
	}
	return s
}

func (l Logger) debugEnabled() bool {
	return l.Debug || DefaultLogger.Debug
}

func (l Logger) Printf(format string, val ...interface{}) {
	l.zap().Info(fmt.Sprintf(format, val...))
}

func (l Logger) Println(val ...interface{}) {
	l.zap().Info(strings.TrimRight(fmt.Sprintln(val...), "\n"))
}

func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.debugEnabled() {
		return
	}
	l.zap().Debug(fmt.Sprintf(format, val...))
}

// Msg writes an event log message with the provided key-value pairs.
//
//	l.Msg("account created", "address", addr)
func (l Logger) Msg(msg string, fields ...interface{}) {
	l.zap().Infow(msg, fields...)
}

// DebugMsg is Msg that is only written when debug output is enabled.
func (l Logger) DebugMsg(msg string, fields ...interface{}) {
	if !l.debugEnabled() {
		return
	}
	l.zap().Debugw(msg, fields...)
}

// Warn reports a recovered failure. err is attached as the "reason" field.
func (l Logger) Warn(msg string, err error, fields ...interface{}) {
	if err != nil {
		fields = append(fields, "reason", err.Error())
	}
	l.zap().Warnw(msg, fields...)
}

// Error writes an event log message with the error attached as the "reason"
// field.
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	if err != nil {
		fields = append(fields, "reason", err.Error())
	}
	l.zap().Errorw(msg, fields...)
}

// With returns a copy of the logger with additional fields.
func (l Logger) With(fields ...interface{}) Logger {
	merged := make(map[string]interface{}, len(l.Fields)+len(fields)/2)
	for k, v := range l.Fields {
		merged[k] = v
	}
	for i := 0; i+1 < len(fields); i += 2 {
		merged[fmt.Sprint(fields[i])] = fields[i+1]
	}
	l.Fields = merged
	return l
}

func Printf(format string, val ...interface{}) {
	DefaultLogger.Printf(format, val...)
}

func Println(val ...interface{}) {
	DefaultLogger.Println(val...)
}

func Debugf(format string, val ...interface{}) {
	DefaultLogger.Debugf(format, val...)
}
