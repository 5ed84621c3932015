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
	"fmt"
	"strings"

	"llmcouncil/llm"
	"llmcouncil/ranking"
)

// summarize renders successful entries tagged with their model id. Failed
// entries are left out; an empty stage renders as a placeholder line.
func summarize(title string, stage llm.StageResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n", title)
	ok := stage.Successful()
	if len(ok) == 0 {
		b.WriteString("(no responses)\n")
		return b.String()
	}
	for _, e := range ok {
		fmt.Fprintf(&b, "\nModel: %s\n%s\n", e.Model, e.Result.Content)
	}
	return b.String()
}

// summarizeUntagged renders successful entries without model ids, for
// prompts that must not reveal which model wrote what.
func summarizeUntagged(title string, stage llm.StageResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n", title)
	ok := stage.Successful()
	if len(ok) == 0 {
		b.WriteString("(no responses)\n")
		return b.String()
	}
	for i, e := range ok {
		fmt.Fprintf(&b, "\nInsight %d:\n%s\n", i+1, e.Result.Content)
	}
	return b.String()
}

func attachmentNote(refs []llm.AttachmentRef) string {
	if len(refs) == 0 {
		return ""
	}
	return fmt.Sprintf("\n\n[User attached %d files]", len(refs))
}

func testCaseBlock(cases []TestCase) string {
	var b strings.Builder
	b.WriteString("## Test cases\n")
	for i, tc := range cases {
		fmt.Fprintf(&b, "\nCase %d (%s)\nInput: %s\nExpected: %s\n", i+1, tc.ID, tc.Input, tc.Expected)
	}
	return b.String()
}

// exploreMessages is the shared transcript for the first stage: prior turns
// followed by the sanitized question with its attachments.
func exploreMessages(req Request, sanitized string) []llm.ChatMessage {
	content := sanitized + attachmentNote(req.Attachments)
	if len(req.TestCases) > 0 {
		content = "Design a prompt strategy for the following task. Describe the prompt you would use and why it " +
			"should generalize across the test cases.\n\nTask: " + content + "\n\n" + testCaseBlock(req.TestCases)
	}
	msgs := make([]llm.ChatMessage, 0, len(req.History)+1)
	msgs = append(msgs, req.History...)
	return append(msgs, llm.ChatMessage{Role: llm.RoleUser, Content: content, Attachments: req.Attachments})
}

func personaOverrides(personas map[string]string, models []string, shared []llm.ChatMessage) map[string][]llm.ChatMessage {
	overrides := make(map[string][]llm.ChatMessage)
	for _, m := range models {
		instruction, ok := personas[m]
		if !ok || instruction == "" {
			continue
		}
		msgs := make([]llm.ChatMessage, 0, len(shared)+1)
		msgs = append(msgs, llm.ChatMessage{Role: llm.RoleSystem, Content: instruction})
		overrides[m] = append(msgs, shared...)
	}
	return overrides
}

func groundPrompt(query string, explore llm.StageResult) []llm.ChatMessage {
	return single(fmt.Sprintf(
		"Question: %s\n\n%s\nCheck the factual claims above. List which are well supported, which are doubtful, "+
			"and what evidence or sources would settle them.",
		query, summarize("Initial responses", explore)))
}

func technicalPrompt(query string, explore, ground llm.StageResult) []llm.ChatMessage {
	return single(fmt.Sprintf(
		"Question: %s\n\n%s\n%s\nReview the technical content for correctness. Point out bugs, unsafe "+
			"patterns and missing edge cases, and give corrected code where needed.",
		query, summarize("Initial responses", explore), summarize("Grounding review", ground)))
}

func crossPollinatePrompt(query string, explore, ground, technical llm.StageResult) []llm.ChatMessage {
	return single(fmt.Sprintf(
		"Question: %s\n\n%s\n%s\n%s\nCombine the strongest ideas above. Note where responses disagree, "+
			"which insights from one answer strengthen another, and what a combined answer should keep.",
		query, summarize("Initial responses", explore), summarize("Grounding review", ground),
		summarize("Technical review", technical)))
}

// critiquePrompt shows the explore answers anonymized as labels so judges
// rank content, not model names.
func critiquePrompt(req Request, query string, labels []string, candidates []llm.StageEntry, cross llm.StageResult) []llm.ChatMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", query)
	if len(req.TestCases) > 0 {
		b.WriteString(testCaseBlock(req.TestCases))
		b.WriteString("\nEvaluate each prompt strategy below against every test case.\n\n")
	} else {
		b.WriteString("Evaluate each response below for accuracy, depth and clarity.\n\n")
	}
	for i, e := range candidates {
		fmt.Fprintf(&b, "%s:\n%s\n\n", labels[i], e.Result.Content)
	}
	b.WriteString(summarizeUntagged("Combined insights", cross))
	fmt.Fprintf(&b, "\nAfter your evaluation, end with a line \"%s\" followed by a numbered list from best to "+
		"worst, one label per line, e.g.\n1. %s\n", ranking.Marker, ranking.Label(0))
	return single(b.String())
}

func synthesisPrompt(req Request, query string, res *Result) []llm.ChatMessage {
	var b strings.Builder
	if res.LabMode {
		b.WriteString("You are the chairman of a council of models. Write one master prompt that performs best across " +
			"the test cases, using the strategies and evaluations below.\n\n")
		b.WriteString(testCaseBlock(req.TestCases))
		b.WriteString("\n")
	} else {
		b.WriteString("You are the chairman of a council of models. Write the single best answer to the question, " +
			"using the work of the council below.\n\n")
	}
	fmt.Fprintf(&b, "Question: %s%s\n\n", query, attachmentNote(req.Attachments))
	b.WriteString(summarize("Initial responses", res.Explore))
	b.WriteString("\n")
	b.WriteString(summarize("Grounding review", res.Ground))
	if res.TechnicalTriggered {
		b.WriteString("\n")
		b.WriteString(summarize("Technical review", res.Technical))
	}
	b.WriteString("\n")
	b.WriteString(summarize("Combined insights", res.CrossPollinate))
	b.WriteString("\n")
	b.WriteString(summarize("Peer critiques", res.Critique))
	if len(res.Aggregate) > 0 {
		b.WriteString("\n## Peer ranking (best first)\n")
		for i, a := range res.Aggregate {
			fmt.Fprintf(&b, "%d. %s (average rank %.2f over %d judges)\n", i+1, a.Model, a.AverageRank, a.VoteCount)
		}
	}

	msgs := make([]llm.ChatMessage, 0, len(req.History)+1)
	msgs = append(msgs, req.History...)
	return append(msgs, llm.ChatMessage{Role: llm.RoleUser, Content: b.String(), Attachments: req.Attachments})
}

func single(content string) []llm.ChatMessage {
	return []llm.ChatMessage{llm.UserMessage(content)}
}
