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

// Package ranking turns judges' free-text evaluations into label orders and
// combines them into one leaderboard.
package ranking

import (
	"fmt"
	"regexp"
	"strings"
)

// Marker is the heading judges are asked to put before their final order.
const Marker = "FINAL RANKING:"

// Tier records which extraction strategy produced a parse.
type Tier int

const (
	// TierNone means no label was recognized.
	TierNone Tier = iota
	// TierNumbered matched "1. Response X" lines after the marker.
	TierNumbered
	// TierMarkerScan matched bare labels after the marker.
	TierMarkerScan
	// TierFullScan matched bare labels anywhere; the marker was missing.
	TierFullScan
)

func (t Tier) String() string {
	switch t {
	case TierNumbered:
		return "numbered"
	case TierMarkerScan:
		return "marker_scan"
	case TierFullScan:
		return "full_scan"
	default:
		return "none"
	}
}

// MarshalText lets Tier appear by name in JSON.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts the names MarshalText produces.
func (t *Tier) UnmarshalText(text []byte) error {
	switch string(text) {
	case "numbered":
		*t = TierNumbered
	case "marker_scan":
		*t = TierMarkerScan
	case "full_scan":
		*t = TierFullScan
	case "none", "":
		*t = TierNone
	default:
		return fmt.Errorf("unknown ranking tier %q", text)
	}
	return nil
}

// ParseResult is a best-effort label order plus how it was found.
type ParseResult struct {
	Labels []string `json:"labels"`
	Tier   Tier     `json:"tier"`
}

var (
	numberedLabel = regexp.MustCompile(`\d+\.\s*(Response [A-Z])\b`)
	bareLabel     = regexp.MustCompile(`Response [A-Z]\b`)
)

// Parse extracts the judge's order. It never fails: text with no
// recognizable label yields an empty order with TierNone.
func Parse(text string) ParseResult {
	if idx := strings.Index(text, Marker); idx >= 0 {
		section := text[idx+len(Marker):]
		// A repeated marker closes the section.
		if next := strings.Index(section, Marker); next >= 0 {
			section = section[:next]
		}

		var labels []string
		for _, m := range numberedLabel.FindAllStringSubmatch(section, -1) {
			labels = append(labels, m[1])
		}
		if labels = dedupe(labels); len(labels) > 0 {
			return ParseResult{Labels: labels, Tier: TierNumbered}
		}
		if labels = dedupe(bareLabel.FindAllString(section, -1)); len(labels) > 0 {
			return ParseResult{Labels: labels, Tier: TierMarkerScan}
		}
	}

	if labels := dedupe(bareLabel.FindAllString(text, -1)); len(labels) > 0 {
		return ParseResult{Labels: labels, Tier: TierFullScan}
	}
	return ParseResult{Labels: []string{}, Tier: TierNone}
}

// dedupe keeps the first occurrence of each label.
func dedupe(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := labels[:0]
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}

// MaxCandidates is the number of distinct single-letter labels.
const MaxCandidates = 26

// Label returns the anonymized label for the candidate at index.
func Label(index int) string {
	return fmt.Sprintf("Response %c", 'A'+index)
}

// AssignLabels maps candidates to "Response A", "Response B", ... in order.
// Candidates past MaxCandidates are left unlabelled.
func AssignLabels(models []string) (labels []string, labelToModel map[string]string) {
	labelToModel = make(map[string]string, len(models))
	for i, m := range models {
		if i >= MaxCandidates {
			break
		}
		l := Label(i)
		labels = append(labels, l)
		labelToModel[l] = m
	}
	return labels, labelToModel
}
