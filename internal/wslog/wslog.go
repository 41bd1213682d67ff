// Copyright 2020 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wslog is the small logging facility shared by the endpoint
// controller and the server front-end. It mirrors the *Server's
// Noticef/Warnf/Errorf/Debugf/Tracef convention from the teacher package
// rather than reaching for a structured third-party logger: the teacher
// itself rolls its own.
package wslog

import (
	"fmt"
	"log"
	"os"
)

// Logger is the interface every diagnostic call in this module goes through.
type Logger interface {
	Noticef(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	Tracef(format string, v ...interface{})
}

// NopLogger discards everything. It is the default so embedding
// applications never see output unless they opt in.
type NopLogger struct{}

func (NopLogger) Noticef(string, ...interface{}) {}
func (NopLogger) Warnf(string, ...interface{})   {}
func (NopLogger) Errorf(string, ...interface{})  {}
func (NopLogger) Debugf(string, ...interface{})  {}
func (NopLogger) Tracef(string, ...interface{})  {}

// StdLogger adapts a standard library *log.Logger, tagging each line with a
// severity prefix. Debug/Trace are suppressed unless Verbose/Trace is set,
// matching the teacher's -DV/-V flags in spirit.
type StdLogger struct {
	l       *log.Logger
	Verbose bool
	Trace   bool
}

// NewStdLogger returns a StdLogger writing to stderr with a "[WS] " prefix.
func NewStdLogger() *StdLogger {
	return &StdLogger{l: log.New(os.Stderr, "[WS] ", log.LstdFlags)}
}

func (s *StdLogger) Noticef(format string, v ...interface{}) { s.l.Printf("NOTICE "+format, v...) }
func (s *StdLogger) Warnf(format string, v ...interface{})   { s.l.Printf("WARN   "+format, v...) }
func (s *StdLogger) Errorf(format string, v ...interface{})  { s.l.Printf("ERROR  "+format, v...) }
func (s *StdLogger) Debugf(format string, v ...interface{}) {
	if s.Verbose {
		s.l.Printf("DEBUG  "+format, v...)
	}
}
func (s *StdLogger) Tracef(format string, v ...interface{}) {
	if s.Trace {
		s.l.Printf("TRACE  "+format, v...)
	}
}

// CaptureWriter adapts a Logger into an io.Writer suitable for
// http.Server.ErrorLog, mirroring the teacher's wsCaptureHTTPServerLog.
type CaptureWriter struct {
	Logger Logger
}

func (c *CaptureWriter) Write(p []byte) (int, error) {
	c.Logger.Errorf("%s", fmt.Sprintf("%s", p))
	return len(p), nil
}
