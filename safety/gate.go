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

// Package safety implements the two-sided policy checkpoint that guards the
// council pipeline: input is sanitized and screened for prohibited topics,
// output is screened for prompt leakage and personal data.
package safety

import (
	"strings"
)

// RedactionToken replaces every sanitized span of input.
const RedactionToken = "[REDACTED_SAFETY]"

// Direction selects which side of the pipeline is being checked.
type Direction string

const (
	Input  Direction = "input"
	Output Direction = "output"
)

// Category classifies a checked text.
type Category string

const (
	Safe              Category = "Safe"
	ProhibitedContent Category = "ProhibitedContent"
	SystemLeak        Category = "SystemLeak"
	PIILeak           Category = "PIILeak"
)

// Block reasons.
const (
	ReasonProhibited = "Content flagged as prohibited."
	ReasonLeak       = "Potential system prompt leakage detected."
	ReasonPII        = "Potential PII detected."
)

// Decision is the outcome of a check. Text is the sanitized input for the
// input direction and the unchanged text for output.
type Decision struct {
	Allowed   bool     `json:"allowed"`
	Reason    string   `json:"reason,omitempty"`
	Category  Category `json:"category"`
	Text      string   `json:"-"`
	Redacted  []string `json:"redacted,omitempty"`
	Triggered []string `json:"triggered,omitempty"`
}

// Checker is what the orchestrator depends on.
type Checker interface {
	Check(text string, dir Direction) Decision
}

// Gate holds compiled pattern sets. It is read-only after construction and
// safe for concurrent use.
type Gate struct {
	jailbreak  []*PolicyPattern
	prohibited []*PolicyPattern
	leaks      []*PolicyPattern
	pii        []*PolicyPattern
}

// Option customizes a Gate.
type Option func(*Gate)

// WithProhibitedTopics adds extra prohibited-topic patterns.
func WithProhibitedTopics(patterns ...*PolicyPattern) Option {
	return func(g *Gate) { g.prohibited = append(g.prohibited, patterns...) }
}

// WithLeakPatterns adds extra leakage patterns, e.g. names of configured
// personas.
func WithLeakPatterns(patterns ...*PolicyPattern) Option {
	return func(g *Gate) { g.leaks = append(g.leaks, patterns...) }
}

// NewGate builds a gate with the default pattern sets.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		jailbreak:  defaultJailbreakPatterns(),
		prohibited: defaultProhibitedPatterns(),
		leaks:      defaultLeakPatterns(),
		pii:        defaultPIIPatterns(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check classifies text for the given direction.
func (g *Gate) Check(text string, dir Direction) Decision {
	if dir == Output {
		return g.checkOutput(text)
	}
	return g.checkInput(text)
}

// Sanitize redacts every jailbreak match. It is deterministic: patterns are
// applied in a fixed order to the progressively redacted text.
func (g *Gate) Sanitize(text string) (string, []string) {
	var redacted []string
	for _, p := range g.jailbreak {
		spans := p.matches(text)
		if len(spans) == 0 {
			continue
		}
		redacted = append(redacted, p.ID)
		var b strings.Builder
		last := 0
		for _, s := range spans {
			b.WriteString(text[last:s[0]])
			b.WriteString(RedactionToken)
			last = s[1]
		}
		b.WriteString(text[last:])
		text = b.String()
	}
	return text, redacted
}

func (g *Gate) checkInput(text string) Decision {
	sanitized, redacted := g.Sanitize(text)

	category, reason, triggered := Safe, "", firstMatch(g.prohibited, sanitized)
	if triggered != "" {
		category, reason = ProhibitedContent, ReasonProhibited
	}
	return decide(category, reason, sanitized, redacted, triggered)
}

func (g *Gate) checkOutput(text string) Decision {
	if id := firstMatch(g.leaks, text); id != "" {
		return decide(SystemLeak, ReasonLeak, text, nil, id)
	}
	if id := firstMatch(g.pii, text); id != "" {
		return decide(PIILeak, ReasonPII, text, nil, id)
	}
	return decide(Safe, "", text, nil, "")
}

func firstMatch(patterns []*PolicyPattern, text string) string {
	for _, p := range patterns {
		if p.Found(text) {
			return p.ID
		}
	}
	return ""
}

func decide(category Category, reason, text string, redacted []string, triggered string) Decision {
	d := Decision{
		Allowed:  Allowed(category),
		Reason:   reason,
		Category: category,
		Text:     text,
		Redacted: redacted,
	}
	if triggered != "" {
		d.Triggered = []string{triggered}
	}
	return d
}

// Allowed is the whole policy: only Safe text passes.
func Allowed(c Category) bool {
	return c == Safe
}
