// Copyright 2025 AxonFlow
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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{DEBUG: 0, INFO: 1, WARN: 2, ERROR: 3}

// Logger writes one JSON object per line. It is safe for concurrent use by
// the dispatcher goroutines.
type Logger struct {
	Component  string
	InstanceID string
	Container  string
	MinLevel   LogLevel

	mu  sync.Mutex
	out io.Writer
}

// LogEntry is the wire shape of a log line.
type LogEntry struct {
	Timestamp      string                 `json:"timestamp"`
	Level          LogLevel               `json:"level"`
	Component      string                 `json:"component"`
	InstanceID     string                 `json:"instance_id"`
	Container      string                 `json:"container"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	RequestID      string                 `json:"request_id,omitempty"`
	Message        string                 `json:"message"`
	Fields         map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the named component writing to stdout.
// LOG_LEVEL filters out entries below the given level.
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}
	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}
	minLevel := LogLevel(os.Getenv("LOG_LEVEL"))
	if _, ok := levelRank[minLevel]; !ok {
		minLevel = DEBUG
	}
	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
		MinLevel:   minLevel,
		out:        os.Stdout,
	}
}

// SetOutput redirects the logger, mainly for tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// With returns a copy of the logger for a sub-component ("gateway.gemini").
func (l *Logger) With(component string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{
		Component:  l.Component + "." + component,
		InstanceID: l.InstanceID,
		Container:  l.Container,
		MinLevel:   l.MinLevel,
		out:        l.out,
	}
}

// Log writes a structured entry.
func (l *Logger) Log(level LogLevel, conversationID, requestID, message string, fields map[string]interface{}) {
	if l == nil {
		return
	}
	if levelRank[level] < levelRank[l.MinLevel] {
		return
	}
	entry := LogEntry{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		Level:          level,
		Component:      l.Component,
		InstanceID:     l.InstanceID,
		Container:      l.Container,
		ConversationID: conversationID,
		RequestID:      requestID,
		Message:        message,
		Fields:         fields,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		line = []byte(fmt.Sprintf(`{"level":"ERROR","component":%q,"message":"unmarshalable log entry: %s"}`, l.Component, err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.out
	if out == nil {
		out = os.Stdout
	}
	_, _ = out.Write(append(line, '\n'))
}

func (l *Logger) Info(conversationID, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, conversationID, requestID, message, fields)
}

func (l *Logger) Error(conversationID, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, conversationID, requestID, message, fields)
}

func (l *Logger) Warn(conversationID, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, conversationID, requestID, message, fields)
}

func (l *Logger) Debug(conversationID, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, conversationID, requestID, message, fields)
}

// InfoWithDuration adds duration_ms to fields.
func (l *Logger) InfoWithDuration(conversationID, requestID, message string, d time.Duration, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = float64(d.Microseconds()) / 1000
	l.Info(conversationID, requestID, message, fields)
}

// ErrorWithCode logs an error with the HTTP status it was mapped to.
func (l *Logger) ErrorWithCode(conversationID, requestID, message string, statusCode int, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["status_code"] = statusCode
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(conversationID, requestID, message, fields)
}
