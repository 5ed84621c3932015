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
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"llmcouncil/llm"
	"llmcouncil/ranking"
	"llmcouncil/safety"
	"llmcouncil/shared/logger"
)

// StageDispatcher runs one parallel stage.
type StageDispatcher interface {
	DispatchAll(ctx context.Context, models []string, shared []llm.ChatMessage, overrides map[string][]llm.ChatMessage) llm.StageResult
}

// Observer receives per-stage and per-run outcomes.
type Observer interface {
	ObserveStage(stage string, succeeded, total int, d time.Duration)
	ObserveRun(final State, source string, d time.Duration)
}

// Orchestrator sequences the council stages. It holds no per-run state and
// is safe for concurrent runs.
type Orchestrator struct {
	cfg        Config
	gate       safety.Checker
	dispatcher StageDispatcher
	gateway    llm.Querier
	technical  *regexp.Regexp
	observer   Observer
	log        *logger.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(orc *Orchestrator) { orc.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(orc *Orchestrator) { orc.log = l }
}

// New builds an orchestrator. Stages with no configured models fall back to
// the explore models; the chairman defaults to the first explore model.
func New(cfg Config, gate safety.Checker, dispatcher StageDispatcher, gateway llm.Querier, opts ...Option) *Orchestrator {
	if len(cfg.GroundModels) == 0 {
		cfg.GroundModels = cfg.ExploreModels
	}
	if len(cfg.TechnicalModels) == 0 {
		cfg.TechnicalModels = cfg.ExploreModels
	}
	if len(cfg.CrossPollinateModels) == 0 {
		cfg.CrossPollinateModels = cfg.ExploreModels
	}
	if len(cfg.CritiqueModels) == 0 {
		cfg.CritiqueModels = cfg.ExploreModels
	}
	if cfg.ChairmanModel == "" && len(cfg.ExploreModels) > 0 {
		cfg.ChairmanModel = cfg.ExploreModels[0]
	}
	if len(cfg.TechnicalKeywords) == 0 {
		cfg.TechnicalKeywords = DefaultTechnicalKeywords
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = llm.DefaultTimeout
	}

	o := &Orchestrator{
		cfg:        cfg,
		gate:       gate,
		dispatcher: dispatcher,
		gateway:    gateway,
		technical:  keywordMatcher(cfg.TechnicalKeywords),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logger.New("council")
	}
	return o
}

func keywordMatcher(keywords []string) *regexp.Regexp {
	quoted := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			quoted = append(quoted, regexp.QuoteMeta(k))
		}
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// IsTechnical reports whether text triggers the technical branch.
func (o *Orchestrator) IsTechnical(text string) bool {
	return o.technical != nil && o.technical.MatchString(text)
}

// Run executes the pipeline. It always returns a complete Result; model
// failures degrade the answer but never surface as errors. emit may be nil.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit Emitter) *Result {
	if emit == nil {
		emit = func(Event) {}
	}
	start := time.Now()
	res := newResult()
	res.LabMode = len(req.TestCases) > 0

	defer func() {
		if o.observer != nil {
			o.observer.ObserveRun(res.State, res.Final.Source, time.Since(start))
		}
		o.log.InfoWithDuration(req.ConversationID, req.RequestID, "council run finished", time.Since(start), map[string]interface{}{
			"state":  string(res.State),
			"source": res.Final.Source,
		})
		emit(Event{Type: EventComplete, Data: res})
	}()

	// InputGate
	decision := o.gate.Check(req.Query, safety.Input)
	res.InputDecision = decision
	res.SanitizedInput = decision.Text
	if !decision.Allowed {
		res.State = StateBlocked
		res.Error = BlockedError
		res.Final = FinalAnswer{Content: fmt.Sprintf(blockedTemplate, decision.Reason), Source: SourceBlocked}
		o.log.Warn(req.ConversationID, req.RequestID, "input blocked by safety gate", map[string]interface{}{
			"category":  string(decision.Category),
			"triggered": decision.Triggered,
		})
		emit(Event{Type: EventInputBlocked, Data: decision})
		return res
	}
	query := decision.Text

	// Explore
	shared := exploreMessages(req, query)
	res.Explore = o.stage(ctx, StateExplore, res, emit, o.cfg.ExploreModels, shared,
		personaOverrides(o.cfg.Personas, o.cfg.ExploreModels, shared), nil)

	// Ground
	res.Ground = o.stage(ctx, StateGround, res, emit, o.cfg.GroundModels, groundPrompt(query, res.Explore), nil, nil)

	// TechnicalBranch
	res.TechnicalTriggered = o.IsTechnical(query)
	if res.TechnicalTriggered {
		res.Technical = o.stage(ctx, StateTechnical, res, emit, o.cfg.TechnicalModels,
			technicalPrompt(query, res.Explore, res.Ground), nil, nil)
	}

	// CrossPollinate
	res.CrossPollinate = o.stage(ctx, StateCrossPollinate, res, emit, o.cfg.CrossPollinateModels,
		crossPollinatePrompt(query, res.Explore, res.Ground, res.Technical), nil, nil)

	// Critique
	candidates := res.Explore.Successful()
	candidateModels := make([]string, 0, len(candidates))
	for _, c := range candidates {
		candidateModels = append(candidateModels, c.Model)
	}
	labels, labelToModel := ranking.AssignLabels(candidateModels)
	candidates = candidates[:len(labels)]
	res.LabelToModel = labelToModel
	res.Critique = o.stage(ctx, StateCritique, res, emit, o.cfg.CritiqueModels,
		critiquePrompt(req, query, labels, candidates, res.CrossPollinate), nil,
		func(stage llm.StageResult) map[string]interface{} {
			for _, e := range stage.Successful() {
				res.Rankings = append(res.Rankings, ranking.NewRecord(e.Model, e.Result.Content))
			}
			res.Aggregate = ranking.Aggregate(res.Rankings, labelToModel)
			return map[string]interface{}{
				"label_to_model":     labelToModel,
				"rankings":           res.Rankings,
				"aggregate_rankings": res.Aggregate,
			}
		})

	// Synthesize
	res.State = StateSynthesize
	emit(Event{Type: StartEvent(StateSynthesize)})
	synthStart := time.Now()
	final := o.gateway.Query(ctx, o.cfg.ChairmanModel, synthesisPrompt(req, query, res), o.cfg.ModelTimeout)
	if final != nil {
		res.Final = FinalAnswer{Model: o.cfg.ChairmanModel, Content: final.Content, Source: SourceSynthesis}
	} else {
		res.Final = o.fallbackAnswer(res)
		o.log.Warn(req.ConversationID, req.RequestID, "synthesis failed, using fallback answer", map[string]interface{}{
			"chairman": o.cfg.ChairmanModel,
			"source":   res.Final.Source,
		})
	}
	if o.observer != nil {
		succeeded := 0
		if final != nil {
			succeeded = 1
		}
		o.observer.ObserveStage(string(StateSynthesize), succeeded, 1, time.Since(synthStart))
	}
	emit(Event{Type: CompleteEvent(StateSynthesize), Data: res.Final})

	// OutputGate
	res.State = StateOutputGate
	out := o.gate.Check(res.Final.Content, safety.Output)
	res.OutputDecision = &out
	if !out.Allowed {
		res.State = StateSafetyWithheld
		res.Final = FinalAnswer{Model: res.Final.Model, Content: fmt.Sprintf(safetyAlertFormat, out.Reason), Source: SourceSafetyAlert}
		o.log.Warn(req.ConversationID, req.RequestID, "output withheld by safety gate", map[string]interface{}{
			"category":  string(out.Category),
			"triggered": out.Triggered,
		})
		emit(Event{Type: EventOutputWithheld, Data: out})
		return res
	}

	res.State = StateDone
	return res
}

// stage runs one parallel dispatch and emits its start/complete events.
// annotate may add metadata to the complete event after the result is in.
func (o *Orchestrator) stage(ctx context.Context, state State, res *Result, emit Emitter, models []string,
	shared []llm.ChatMessage, overrides map[string][]llm.ChatMessage,
	annotate func(llm.StageResult) map[string]interface{}) llm.StageResult {

	res.State = state
	emit(Event{Type: StartEvent(state)})
	start := time.Now()

	result := o.dispatcher.DispatchAll(ctx, models, shared, overrides)
	if result == nil {
		result = llm.StageResult{}
	}

	succeeded := len(result.Successful())
	if o.observer != nil {
		o.observer.ObserveStage(string(state), succeeded, len(result), time.Since(start))
	}
	o.log.Debug("", "", "stage complete", map[string]interface{}{
		"stage":     string(state),
		"succeeded": succeeded,
		"total":     len(result),
	})

	var meta map[string]interface{}
	if annotate != nil {
		meta = annotate(result)
	}
	emit(Event{Type: CompleteEvent(state), Data: result, Metadata: meta})
	return result
}

// fallbackAnswer picks, in order: the best-ranked candidate's explore answer,
// the first successful explore answer, or the fixed no-consensus message.
func (o *Orchestrator) fallbackAnswer(res *Result) FinalAnswer {
	for _, entry := range res.Aggregate {
		if r, _ := res.Explore.Get(entry.Model); r != nil {
			return FinalAnswer{Model: entry.Model, Content: r.Content, Source: SourceFallback}
		}
	}
	if ok := res.Explore.Successful(); len(ok) > 0 {
		return FinalAnswer{Model: ok[0].Model, Content: ok[0].Result.Content, Source: SourceFallback}
	}
	return FinalAnswer{Content: NoConsensusMessage, Source: SourceNoConsensus}
}
