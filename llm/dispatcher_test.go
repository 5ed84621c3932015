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

package llm

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuerier struct {
	mu       sync.Mutex
	fail     map[string]bool
	received map[string][]ChatMessage
}

func (f *fakeQuerier) Query(_ context.Context, model string, msgs []ChatMessage, _ time.Duration) *QueryResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.received == nil {
		f.received = map[string][]ChatMessage{}
	}
	f.received[model] = msgs
	if f.fail[model] {
		return nil
	}
	return &QueryResult{Content: "from " + model, Model: model}
}

func TestDispatchAll_KeySetEqualsInput(t *testing.T) {
	tests := []struct {
		name   string
		models []string
		fail   map[string]bool
	}{
		{"all succeed", []string{"a", "b", "c"}, nil},
		{"some fail", []string{"a", "b", "c"}, map[string]bool{"b": true}},
		{"all fail", []string{"a", "b"}, map[string]bool{"a": true, "b": true}},
		{"empty", []string{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQuerier{fail: tt.fail}
			d := NewDispatcher(q, time.Second)
			d.SetSleep(func(context.Context, time.Duration) error { return nil })

			res := d.DispatchAll(context.Background(), tt.models, []ChatMessage{UserMessage("q")}, nil)

			assert.Equal(t, tt.models, res.Models())
			for _, m := range tt.models {
				r, present := res.Get(m)
				assert.True(t, present)
				assert.Equal(t, tt.fail[m], r == nil)
			}
		})
	}
}

func TestDispatchAll_DeduplicatesModels(t *testing.T) {
	q := &fakeQuerier{}
	d := NewDispatcher(q, time.Second)
	d.SetSleep(func(context.Context, time.Duration) error { return nil })

	res := d.DispatchAll(context.Background(), []string{"a", "b", "a"}, nil, nil)
	assert.Equal(t, []string{"a", "b"}, res.Models())
}

func TestDispatchAll_PerModelOverrides(t *testing.T) {
	q := &fakeQuerier{}
	d := NewDispatcher(q, time.Second)
	d.SetSleep(func(context.Context, time.Duration) error { return nil })

	shared := []ChatMessage{UserMessage("shared")}
	persona := []ChatMessage{{Role: RoleSystem, Content: "you are a skeptic"}, UserMessage("shared")}
	d.DispatchAll(context.Background(), []string{"a", "b"}, shared, map[string][]ChatMessage{"b": persona})

	assert.Equal(t, shared, q.received["a"])
	assert.Equal(t, persona, q.received["b"])
}

func TestDispatchAll_StaggersStarts(t *testing.T) {
	q := &fakeQuerier{}
	d := NewDispatcher(q, time.Second)
	d.randFloat = func() float64 { return 0.5 }

	var mu sync.Mutex
	var delays []time.Duration
	d.SetSleep(func(_ context.Context, delay time.Duration) error {
		mu.Lock()
		delays = append(delays, delay)
		mu.Unlock()
		return nil
	})

	d.DispatchAll(context.Background(), []string{"a", "b", "c"}, nil, nil)

	sort.Slice(delays, func(i, j int) bool { return delays[i] < delays[j] })
	require.Len(t, delays, 2, "the first call starts immediately")
	assert.Equal(t, 1750*time.Millisecond, delays[0])
	assert.Equal(t, 3250*time.Millisecond, delays[1])
}

func TestDispatchAll_CancelledBeforeStartIsAbsent(t *testing.T) {
	q := &fakeQuerier{}
	d := NewDispatcher(q, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.SetSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })

	res := d.DispatchAll(ctx, []string{"a", "b"}, nil, nil)
	assert.Equal(t, []string{"a", "b"}, res.Models())
	r, _ := res.Get("b")
	assert.Nil(t, r)
}

func TestStageResult_Successful(t *testing.T) {
	s := StageResult{{Model: "a", Result: &QueryResult{Content: "x"}}, {Model: "b"}}
	ok := s.Successful()
	require.Len(t, ok, 1)
	assert.Equal(t, "a", ok[0].Model)
	_, present := s.Get("zzz")
	assert.False(t, present)
}

// blockingTransport answers fast models immediately and holds slow ones
// until their context ends.
type blockingTransport struct {
	slow map[string]bool
}

func (b *blockingTransport) Name() string { return "blocking" }

func (b *blockingTransport) Complete(ctx context.Context, req Request) (*QueryResult, error) {
	if b.slow[req.Model] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	select {
	case <-time.After(20 * time.Millisecond):
		return &QueryResult{Content: "ok", Model: req.Model}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestDispatchAll_TimeoutDoesNotCancelSiblings(t *testing.T) {
	gw := NewGateway(NewRegistry(&blockingTransport{slow: map[string]bool{"slow": true}}),
		WithSleep(func(context.Context, time.Duration) error { return nil }), WithLogger(quietLogger()))
	d := NewDispatcher(gw, 100*time.Millisecond)
	d.Interval = 0
	d.Jitter = 0

	start := time.Now()
	res := d.DispatchAll(context.Background(), []string{"slow", "fast1", "fast2"}, []ChatMessage{UserMessage("q")}, nil)
	assert.Less(t, time.Since(start), 2*time.Second)

	slow, present := res.Get("slow")
	assert.True(t, present)
	assert.Nil(t, slow)
	for _, m := range []string{"fast1", "fast2"} {
		r, _ := res.Get(m)
		require.NotNil(t, r, m)
		assert.Equal(t, "ok", r.Content)
	}
}
