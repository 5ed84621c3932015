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

package ranking

import "sort"

// Record is one judge's evaluation.
type Record struct {
	JudgeModel  string      `json:"model"`
	RawText     string      `json:"ranking"`
	ParsedOrder ParseResult `json:"parsed_ranking"`
}

// NewRecord parses a judge's text.
func NewRecord(judge, text string) Record {
	return Record{JudgeModel: judge, RawText: text, ParsedOrder: Parse(text)}
}

// AggregateEntry is one candidate's standing across judges.
type AggregateEntry struct {
	Model       string  `json:"model"`
	AverageRank float64 `json:"average_rank"`
	VoteCount   int     `json:"rankings_count"`
}

// Aggregate averages 1-based positions per candidate. Labels missing from
// labelToModel are ignored, and a candidate counts at most once per judge.
// Candidates no judge ranked are omitted. Equal averages keep the order in
// which candidates were first encountered (judge order, then position).
func Aggregate(records []Record, labelToModel map[string]string) []AggregateEntry {
	type tally struct {
		sum   int
		votes int
	}
	tallies := make(map[string]*tally)
	var order []string

	for _, rec := range records {
		counted := make(map[string]bool)
		for i, label := range rec.ParsedOrder.Labels {
			model, ok := labelToModel[label]
			if !ok || counted[model] {
				continue
			}
			counted[model] = true
			t, ok := tallies[model]
			if !ok {
				t = &tally{}
				tallies[model] = t
				order = append(order, model)
			}
			t.sum += i + 1
			t.votes++
		}
	}

	entries := make([]AggregateEntry, 0, len(order))
	for _, model := range order {
		t := tallies[model]
		entries = append(entries, AggregateEntry{
			Model:       model,
			AverageRank: float64(t.sum) / float64(t.votes),
			VoteCount:   t.votes,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].AverageRank < entries[j].AverageRank
	})
	return entries
}
