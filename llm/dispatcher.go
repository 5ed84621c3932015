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
	"math/rand"
	"sync"
	"time"
)

// Dispatcher fans one batch of queries out to several models with staggered
// start times.
type Dispatcher struct {
	Gateway  Querier
	Interval time.Duration
	Jitter   time.Duration
	Timeout  time.Duration

	randFloat func() float64
	sleep     SleepFunc
}

// NewDispatcher creates a dispatcher with the default 1.5s stagger and up to
// 0.5s of jitter.
func NewDispatcher(gateway Querier, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		Gateway:   gateway,
		Interval:  1500 * time.Millisecond,
		Jitter:    500 * time.Millisecond,
		Timeout:   timeout,
		randFloat: rand.Float64,
		sleep:     sleepContext,
	}
}

// SetSleep replaces the stagger sleep, mainly for tests.
func (d *Dispatcher) SetSleep(sleep SleepFunc) {
	d.sleep = sleep
}

// StartDelay is the stagger applied to the call at index: index*Interval plus
// a random share of Jitter. The first call starts immediately.
func (d *Dispatcher) StartDelay(index int) time.Duration {
	if index == 0 {
		return 0
	}
	delay := time.Duration(index) * d.Interval
	if d.Jitter > 0 && d.randFloat != nil {
		delay += time.Duration(d.randFloat() * float64(d.Jitter))
	}
	return delay
}

// DispatchAll queries every distinct model in models. A model listed in
// overrides receives its own messages instead of shared. The result has one
// entry per distinct model, in input order; failures are present with a nil
// result.
func (d *Dispatcher) DispatchAll(ctx context.Context, models []string, shared []ChatMessage, overrides map[string][]ChatMessage) StageResult {
	unique := make([]string, 0, len(models))
	seen := make(map[string]bool, len(models))
	for _, m := range models {
		if !seen[m] {
			seen[m] = true
			unique = append(unique, m)
		}
	}

	results := make(StageResult, len(unique))
	sleep := d.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var wg sync.WaitGroup
	for i, model := range unique {
		results[i] = StageEntry{Model: model}
		messages := shared
		if o, ok := overrides[model]; ok {
			messages = o
		}
		delay := d.StartDelay(i)

		wg.Add(1)
		go func(i int, model string, messages []ChatMessage, delay time.Duration) {
			defer wg.Done()
			if delay > 0 {
				if err := sleep(ctx, delay); err != nil {
					return
				}
			}
			results[i].Result = d.Gateway.Query(ctx, model, messages, d.Timeout)
		}(i, model, messages, delay)
	}
	wg.Wait()

	return results
}
