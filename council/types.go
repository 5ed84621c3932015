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

package council

import (
	"time"

	"llmcouncil/llm"
	"llmcouncil/ranking"
	"llmcouncil/safety"
)

// State is a pipeline position.
type State string

const (
	StateInputGate      State = "input_gate"
	StateExplore        State = "explore"
	StateGround         State = "ground"
	StateTechnical      State = "technical"
	StateCrossPollinate State = "cross_pollinate"
	StateCritique       State = "critique"
	StateSynthesize     State = "synthesize"
	StateOutputGate     State = "output_gate"
	StateDone           State = "done"
	StateBlocked        State = "blocked"
	StateSafetyWithheld State = "safety_withheld"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateBlocked || s == StateSafetyWithheld
}

// Fixed user-facing texts.
const (
	NoConsensusMessage = "The Council could not reach a consensus."
	BlockedError       = "Blocked by Safety Policy"
	blockedTemplate    = "I cannot process this request. %s"
	safetyAlertFormat  = "**Safety Alert**: The council's answer was withheld. Reason: %s"
)

// Answer sources.
const (
	SourceSynthesis   = "synthesis"
	SourceFallback    = "fallback"
	SourceNoConsensus = "no_consensus"
	SourceBlocked     = "blocked"
	SourceSafetyAlert = "safety_alert"
)

// Config selects models per stage. Which models to use is configuration
// only; the pipeline never chooses models itself.
type Config struct {
	ExploreModels        []string `yaml:"explore_models"`
	GroundModels         []string `yaml:"ground_models"`
	TechnicalModels      []string `yaml:"technical_models"`
	CrossPollinateModels []string `yaml:"cross_pollinate_models"`
	CritiqueModels       []string `yaml:"critique_models"`
	ChairmanModel        string   `yaml:"chairman_model"`
	// Personas maps an explore model to a system instruction sent only to
	// that model.
	Personas          map[string]string `yaml:"personas"`
	TechnicalKeywords []string          `yaml:"technical_keywords"`
	ModelTimeout      time.Duration     `yaml:"model_timeout"`
}

// DefaultTechnicalKeywords trigger the technical branch.
var DefaultTechnicalKeywords = []string{
	"code", "python", "javascript", "typescript", "golang", "function", "algorithm",
	"debug", "api", "sql", "database", "compile", "bug", "programming", "software",
	"script", "regex", "refactor",
}

// TestCase is a lab-mode example the council's prompt strategies are judged
// against.
type TestCase struct {
	ID       string `json:"id" bson:"id"`
	Input    string `json:"input" bson:"input"`
	Expected string `json:"expected" bson:"expected"`
}

// Request is one council run.
type Request struct {
	ConversationID string
	RequestID      string
	Query          string
	Attachments    []llm.AttachmentRef
	// History holds prior turns; assistant turns carry final answers only.
	History []llm.ChatMessage
	// TestCases switches the pipeline into lab mode when non-empty.
	TestCases []TestCase
}

// FinalAnswer is the text returned to the user and where it came from.
type FinalAnswer struct {
	Model   string `json:"model,omitempty"`
	Content string `json:"response"`
	Source  string `json:"source"`
}

// Result is structurally complete for every run: every stage field is
// non-nil, possibly empty.
type Result struct {
	State              State                    `json:"state"`
	SanitizedInput     string                   `json:"sanitized_input"`
	InputDecision      safety.Decision          `json:"input_decision"`
	OutputDecision     *safety.Decision         `json:"output_decision,omitempty"`
	Explore            llm.StageResult          `json:"explore"`
	Ground             llm.StageResult          `json:"ground"`
	TechnicalTriggered bool                     `json:"technical_triggered"`
	Technical          llm.StageResult          `json:"technical"`
	CrossPollinate     llm.StageResult          `json:"cross_pollinate"`
	Critique           llm.StageResult          `json:"critique"`
	LabelToModel       map[string]string        `json:"label_to_model"`
	Rankings           []ranking.Record         `json:"rankings"`
	Aggregate          []ranking.AggregateEntry `json:"aggregate_rankings"`
	Final              FinalAnswer              `json:"final"`
	LabMode            bool                     `json:"lab_mode"`
	Error              string                   `json:"error,omitempty"`
}

func newResult() *Result {
	return &Result{
		State:          StateInputGate,
		Explore:        llm.StageResult{},
		Ground:         llm.StageResult{},
		Technical:      llm.StageResult{},
		CrossPollinate: llm.StageResult{},
		Critique:       llm.StageResult{},
		LabelToModel:   map[string]string{},
		Rankings:       []ranking.Record{},
		Aggregate:      []ranking.AggregateEntry{},
	}
}

// Event is one observable pipeline transition.
type Event struct {
	Type     string                 `json:"type"`
	Data     interface{}            `json:"data,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Event types outside the per-stage start/complete pairs.
const (
	EventInputBlocked   = "input_blocked"
	EventOutputWithheld = "output_withheld"
	EventComplete       = "complete"
	EventError          = "error"
)

// Emitter receives events in order. It is called from the pipeline
// goroutine only.
type Emitter func(Event)

// StartEvent and CompleteEvent name the per-stage events.
func StartEvent(s State) string    { return string(s) + "_start" }
func CompleteEvent(s State) string { return string(s) + "_complete" }
