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

package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmcouncil/council"
	"llmcouncil/llm"
)

func TestObserveCall_StatusLabels(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveCall("gemini-2.5-flash", "google", nil, 120*time.Millisecond)
	m.ObserveCall("gemini-2.5-flash", "google", llm.NewProviderError("gemini", llm.ErrCodeRateLimit, "429"), time.Second)
	m.ObserveCall("x", "generic", errors.New("boom"), time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.modelCalls.WithLabelValues("gemini-2.5-flash", "google", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.modelCalls.WithLabelValues("gemini-2.5-flash", "google", llm.ErrCodeRateLimit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.modelCalls.WithLabelValues("x", "generic", "error")))
}

func TestObserveStageAndRun(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveStage("explore", 3, 4, 2*time.Second)
	m.ObserveRun(council.StateDone, council.SourceSynthesis, 10*time.Second)
	m.ObserveRetry("m", "google", 2)
	m.ObserveFallback("a", "b")
	m.ObserveRateLimited("message")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.stageResponses.WithLabelValues("explore", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageResponses.WithLabelValues("explore", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("done", "synthesis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.modelRetries.WithLabelValues("m", "google")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.modelFallbacks.WithLabelValues("a", "b")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited.WithLabelValues("message")))
}

func TestHandler_ServesTextFormat(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveRequest("/health", http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/prometheus", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `council_http_requests_total{code="200",route="/health"} 1`))
}

func TestNew_IsolatedRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
