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
	"errors"
	"time"

	"llmcouncil/shared/logger"
)

// DefaultTimeout applies when a caller passes a zero timeout.
const DefaultTimeout = 20 * time.Second

// Querier is the contract consumed by the dispatcher and the orchestrator.
type Querier interface {
	Query(ctx context.Context, modelID string, messages []ChatMessage, timeout time.Duration) *QueryResult
}

// Observer receives gateway outcomes; the metrics package implements it.
type Observer interface {
	ObserveCall(model, route string, err error, latency time.Duration)
	ObserveRetry(model, route string, attempt int)
	ObserveFallback(primary, backup string)
}

// Gateway sends one chat request to one model. It composes route selection,
// the route's retry policy, an optional fall-through to the generic route,
// and fallback-model substitution. Failures never escape as errors; Query
// returns nil instead.
type Gateway struct {
	registry       *Registry
	fallbacks      *FallbackChain
	fallThrough    bool
	defaultTimeout time.Duration
	sleep          SleepFunc
	observer       Observer
	log            *logger.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithFallbacks installs the primary -> backup table.
func WithFallbacks(chain *FallbackChain) GatewayOption {
	return func(g *Gateway) { g.fallbacks = chain }
}

// WithFallthrough controls whether a failed direct route gets one attempt on
// the generic route before fallback substitution.
func WithFallthrough(enabled bool) GatewayOption {
	return func(g *Gateway) { g.fallThrough = enabled }
}

// WithDefaultTimeout sets the timeout used when Query receives zero.
func WithDefaultTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.defaultTimeout = d
		}
	}
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(sleep SleepFunc) GatewayOption {
	return func(g *Gateway) { g.sleep = sleep }
}

// WithObserver attaches an outcome observer.
func WithObserver(o Observer) GatewayOption {
	return func(g *Gateway) { g.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) GatewayOption {
	return func(g *Gateway) { g.log = l }
}

// NewGateway creates a gateway over registry.
func NewGateway(registry *Registry, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		registry:       registry,
		fallThrough:    true,
		defaultTimeout: DefaultTimeout,
		sleep:          sleepContext,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		g.log = logger.New("gateway")
	}
	return g
}

// Query returns the model's answer, or nil if the model and its configured
// substitutes all failed. timeout bounds each transport attempt.
func (g *Gateway) Query(ctx context.Context, modelID string, messages []ChatMessage, timeout time.Duration) *QueryResult {
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}
	if res := g.queryModel(ctx, modelID, messages, timeout); res != nil {
		return res
	}
	if ctx.Err() != nil {
		return nil
	}

	for _, backup := range g.fallbacks.Substitutes(modelID) {
		g.log.Info("", "", "substituting fallback model", map[string]interface{}{
			"model":  modelID,
			"backup": backup,
		})
		if g.observer != nil {
			g.observer.ObserveFallback(modelID, backup)
		}
		if res := g.queryModel(ctx, backup, messages, timeout); res != nil {
			return res
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// queryModel runs the selected route with its retry policy, then the
// generic fall-through for direct routes.
func (g *Gateway) queryModel(ctx context.Context, modelID string, messages []ChatMessage, timeout time.Duration) *QueryResult {
	route := g.registry.Select(modelID)
	res, err := g.runRoute(ctx, route, modelID, messages, timeout)
	if err == nil {
		return res
	}

	g.log.Warn("", "", "model query failed", map[string]interface{}{
		"model": modelID,
		"route": route.Name,
		"error": err.Error(),
	})

	if !route.Direct || !g.fallThrough || ctx.Err() != nil {
		return nil
	}
	generic := g.registry.Default()
	generic.Retry = NoRetry()
	res, err = g.runRoute(ctx, generic, modelID, messages, timeout)
	if err != nil {
		g.log.Warn("", "", "generic fall-through failed", map[string]interface{}{
			"model": modelID,
			"error": err.Error(),
		})
		return nil
	}
	return res
}

func (g *Gateway) runRoute(ctx context.Context, route Route, modelID string, messages []ChatMessage, timeout time.Duration) (*QueryResult, error) {
	if route.Transport == nil {
		return nil, errors.New("no transport configured for route " + route.Name)
	}
	req := Request{Model: route.providerModel(modelID), Messages: messages}

	var res *QueryResult
	_, err := route.Retry.Do(ctx, g.sleep, func(attempt int) error {
		if attempt > 1 {
			g.log.Info("", "", "retrying after transient error", map[string]interface{}{
				"model":   modelID,
				"route":   route.Name,
				"attempt": attempt,
			})
			if g.observer != nil {
				g.observer.ObserveRetry(modelID, route.Name, attempt)
			}
		}
		var callErr error
		res, callErr = g.attempt(ctx, route, req, timeout)
		if g.observer != nil {
			g.observer.ObserveCall(modelID, route.Name, callErr, latencyOf(res))
		}
		return callErr
	})
	if err != nil {
		return nil, err
	}
	res.Model = modelID
	return res, nil
}

func (g *Gateway) attempt(ctx context.Context, route Route, req Request, timeout time.Duration) (*QueryResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := route.Transport.Complete(callCtx, req)
	if err == nil && res == nil {
		err = NewProviderError(route.Transport.Name(), ErrCodeInvalidResponse, "empty result")
	}
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &ProviderError{
				Provider: route.Transport.Name(),
				Code:     ErrCodeTimeout,
				Message:  "timed out after " + timeout.String(),
				Cause:    err,
			}
		}
		return nil, err
	}
	res.Latency = time.Since(start)
	return res, nil
}

func latencyOf(res *QueryResult) time.Duration {
	if res == nil {
		return 0
	}
	return res.Latency
}
