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

import "strings"

// Route binds a model-id predicate to a transport and its retry policy.
// Direct routes talk to a provider SDK or API; the default route is the
// generic chat-completions endpoint.
type Route struct {
	Name      string
	Match     func(modelID string) bool
	Transport Transport
	Retry     RetryPolicy
	Direct    bool
	// Rewrite maps the public model id to the id the provider expects.
	Rewrite func(modelID string) string
}

func (r Route) providerModel(modelID string) string {
	if r.Rewrite == nil {
		return modelID
	}
	return r.Rewrite(modelID)
}

// Registry selects a Route for a model id. Routes are evaluated in
// registration order; the default route matches everything else.
type Registry struct {
	routes []Route
	def    Route
}

// NewRegistry creates a registry whose default route uses generic.
func NewRegistry(generic Transport) *Registry {
	return &Registry{
		def: Route{
			Name:      "generic",
			Match:     func(string) bool { return true },
			Transport: generic,
			Retry:     NoRetry(),
		},
	}
}

// Register appends a route with lower priority than those already present.
func (r *Registry) Register(route Route) {
	if route.Transport == nil || route.Match == nil {
		return
	}
	if route.Retry.MaxAttempts == 0 {
		route.Retry = DefaultRetryPolicy()
	}
	r.routes = append(r.routes, route)
}

// Select returns the first matching route or the default route.
func (r *Registry) Select(modelID string) Route {
	for _, route := range r.routes {
		if route.Match(modelID) {
			return route
		}
	}
	return r.def
}

// Default returns the generic route.
func (r *Registry) Default() Route {
	return r.def
}

// PrefixMatcher matches ids that start with any of prefixes.
func PrefixMatcher(prefixes ...string) func(string) bool {
	return func(modelID string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(modelID, p) {
				return true
			}
		}
		return false
	}
}

// GoogleModelPrefixes are the identifiers served by the direct Gemini route.
var GoogleModelPrefixes = []string{"google/", "gemini-", "gemma-", "models/", "deep-research-"}

// GoogleModelName strips router namespacing ("google/", ":free") so the id
// can be sent to the Gemini API.
func GoogleModelName(modelID string) string {
	name := strings.TrimPrefix(modelID, "google/")
	return strings.TrimSuffix(name, ":free")
}

// BedrockModelName strips the "bedrock/" namespace.
func BedrockModelName(modelID string) string {
	return strings.TrimPrefix(modelID, "bedrock/")
}
