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
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		instanceID     string
		expectedInstID string
	}{
		{name: "with instance ID set", instanceID: "instance-123", expectedInstID: "instance-123"},
		{name: "without instance ID", instanceID: "", expectedInstID: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("INSTANCE_ID", tt.instanceID)
			l := New("council")
			assert.Equal(t, "council", l.Component)
			assert.Equal(t, tt.expectedInstID, l.InstanceID)
			assert.NotEmpty(t, l.Container)
		})
	}
}

func captureEntry(t *testing.T, buf *bytes.Buffer) LogEntry {
	t.Helper()
	var entry LogEntry
	line := strings.TrimSpace(buf.String())
	require.NoError(t, json.Unmarshal([]byte(line), &entry), "log line: %s", line)
	return entry
}

func TestLogWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New("gateway")
	l.SetOutput(&buf)

	l.Warn("conv-1", "req-1", "model query failed", map[string]interface{}{"model": "gemini-2.5-flash"})

	entry := captureEntry(t, &buf)
	assert.Equal(t, WARN, entry.Level)
	assert.Equal(t, "gateway", entry.Component)
	assert.Equal(t, "conv-1", entry.ConversationID)
	assert.Equal(t, "req-1", entry.RequestID)
	assert.Equal(t, "gemini-2.5-flash", entry.Fields["model"])
	_, err := time.Parse(time.RFC3339Nano, entry.Timestamp)
	assert.NoError(t, err)
}

func TestMinLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := New("gateway")
	l.MinLevel = WARN
	l.SetOutput(&buf)

	l.Debug("", "", "noise", nil)
	l.Info("", "", "noise", nil)
	assert.Empty(t, buf.String())

	l.Error("", "", "kept", nil)
	assert.Contains(t, buf.String(), "kept")
}

func TestHelpersAddFields(t *testing.T) {
	var buf bytes.Buffer
	l := New("server")
	l.SetOutput(&buf)

	l.InfoWithDuration("", "", "stage complete", 1500*time.Millisecond, nil)
	entry := captureEntry(t, &buf)
	assert.Equal(t, 1500.0, entry.Fields["duration_ms"])

	buf.Reset()
	l.ErrorWithCode("", "", "save failed", 500, errors.New("disk full"), nil)
	entry = captureEntry(t, &buf)
	assert.Equal(t, float64(500), entry.Fields["status_code"])
	assert.Equal(t, "disk full", entry.Fields["error"])
}

func TestWithSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New("gateway")
	l.SetOutput(&buf)

	l.With("gemini").Info("", "", "hello", nil)
	entry := captureEntry(t, &buf)
	assert.Equal(t, "gateway.gemini", entry.Component)
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() { l.Info("", "", "x", nil) })
}
