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

package safety

import (
	"regexp"
	"strings"
	"unicode"
)

// PolicyPattern is one detection rule.
type PolicyPattern struct {
	ID          string
	Pattern     *regexp.Regexp
	Description string
	// NotFollowedBy rejects a match when the text right after it matches.
	NotFollowedBy *regexp.Regexp
	// Validator rejects false positives for a candidate match.
	Validator func(match string) bool
}

func newPattern(id, expr, description string) *PolicyPattern {
	return &PolicyPattern{ID: id, Pattern: regexp.MustCompile(expr), Description: description}
}

// matches returns the [start, end) spans that survive NotFollowedBy and
// Validator.
func (p *PolicyPattern) matches(text string) [][]int {
	var spans [][]int
	for _, loc := range p.Pattern.FindAllStringIndex(text, -1) {
		if p.NotFollowedBy != nil && p.NotFollowedBy.MatchString(text[loc[1]:]) {
			continue
		}
		if p.Validator != nil && !p.Validator(text[loc[0]:loc[1]]) {
			continue
		}
		spans = append(spans, loc)
	}
	return spans
}

// Found reports whether text contains at least one accepted match.
func (p *PolicyPattern) Found(text string) bool {
	return len(p.matches(text)) > 0
}

func defaultJailbreakPatterns() []*PolicyPattern {
	youAreNow := newPattern("jb_you_are_now", `(?i)you are now `, "role reassignment")
	// Ordinary role setting ("you are now a tutor") is allowed.
	youAreNow.NotFollowedBy = regexp.MustCompile(`^(?i)(a|the|an)\s`)

	return []*PolicyPattern{
		newPattern("jb_ignore_previous", `(?i)ignore all previous instructions`, "instruction override"),
		newPattern("jb_ignore_all", `(?i)ignore all instructions`, "instruction override"),
		youAreNow,
		newPattern("jb_system_override", `(?i)system override`, "system override"),
		newPattern("jb_debug_mode", `(?i)debug mode`, "mode switch"),
		newPattern("jb_developer_mode", `(?i)developer mode`, "mode switch"),
		newPattern("jb_admin_mode", `(?i)admin mode`, "mode switch"),
		newPattern("jb_god_mode", `(?i)god mode`, "mode switch"),
		newPattern("jb_unrestricted", `(?i)unrestricted`, "restriction removal"),
		newPattern("jb_jailbroken", `(?i)jailbroken`, "jailbreak"),
		newPattern("jb_dan_mode", `(?i)DAN mode`, "jailbreak persona"),
	}
}

func defaultProhibitedPatterns() []*PolicyPattern {
	return []*PolicyPattern{
		newPattern("topic_bomb", `(?i)bomb`, "explosives"),
		newPattern("topic_weapon", `(?i)weapon`, "weapons"),
		newPattern("topic_kill", `(?i)how to kill`, "violence"),
		newPattern("topic_malware", `(?i)generate malware`, "malware"),
		newPattern("topic_exploit", `(?i)exploit vulnerability`, "exploitation"),
		newPattern("topic_card_theft", `(?i)steal credit card`, "fraud"),
		newPattern("topic_intrusion", `(?i)hack into`, "intrusion"),
		newPattern("topic_suicide", `(?i)suicide`, "self-harm"),
		newPattern("topic_self_harm", `(?i)self-harm`, "self-harm"),
	}
}

func defaultLeakPatterns() []*PolicyPattern {
	return []*PolicyPattern{
		newPattern("leak_deconstructor", `(?i)core problem deconstructor`, "persona name"),
		newPattern("leak_analogy_explorer", `(?i)cross-domain analogy explorer`, "persona name"),
		newPattern("leak_analogy_evaluator", `(?i)analogy quality evaluator`, "persona name"),
		newPattern("leak_synthesis_engine", `(?i)synthesis engine`, "persona name"),
		newPattern("leak_system_prompt", `(?i)system prompt`, "prompt disclosure"),
		newPattern("leak_initial_instruction", `(?i)initial instruction`, "prompt disclosure"),
		newPattern("leak_developer_mode", `(?i)developer mode`, "mode disclosure"),
	}
}

func defaultPIIPatterns() []*PolicyPattern {
	card := newPattern("pii_credit_card", `\b(?:\d{4}[- ]?){3}\d{1,7}\b`, "payment card number")
	card.Validator = validateCreditCard

	return []*PolicyPattern{
		newPattern("pii_email", `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`, "email address"),
		newPattern("pii_phone", `\(\d{3}\)\s*\d{3}-\d{4}`, "US phone number"),
		// Any SSN/ITIN shape blocks, issued or not.
		newPattern("pii_government_id", `\d{3}-\d{2}-\d{4}`, "government ID number"),
		card,
	}
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

func validateCreditCard(match string) bool {
	clean := digitsOnly(match)
	if len(clean) < 13 || len(clean) > 19 {
		return false
	}
	return luhnCheck(clean)
}

func luhnCheck(number string) bool {
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
