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

// FallbackChain is a static primary -> backup table. Each model has at most
// one backup.
type FallbackChain struct {
	table   map[string]string
	maxHops int
}

// NewFallbackChain copies table. maxHops bounds how many substitutes are
// tried in sequence; values below 1 mean 1.
func NewFallbackChain(table map[string]string, maxHops int) *FallbackChain {
	if maxHops < 1 {
		maxHops = 1
	}
	t := make(map[string]string, len(table))
	for k, v := range table {
		t[k] = v
	}
	return &FallbackChain{table: t, maxHops: maxHops}
}

// Substitutes returns the ordered backups to try after primary fails.
// Following the table stops at the first model already seen, so a
// self-reference yields nothing and a 2-cycle yields only the backup.
func (f *FallbackChain) Substitutes(primary string) []string {
	if f == nil {
		return nil
	}
	visited := map[string]bool{primary: true}
	var out []string
	current := primary
	for len(out) < f.maxHops {
		next, ok := f.table[current]
		if !ok || next == "" || visited[next] {
			break
		}
		visited[next] = true
		out = append(out, next)
		current = next
	}
	return out
}
