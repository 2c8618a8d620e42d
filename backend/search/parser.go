// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package search parses the query language used by the list endpoints, e.g.
//
//	league:"Summer Cup" status:ongoing date:>=2025-01-01 lions
package search

import (
	"strings"
	"unicode"
)

// Operator is the comparison applied by a Filter.
type Operator string

const (
	OpEqual          Operator = "="
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpRange          Operator = ".." // date:2025-01..2025-02
)

// prefixOperators are checked in order, longest first.
var prefixOperators = []Operator{OpGreaterOrEqual, OpLessOrEqual, OpGreater, OpLess}

// Filter is a key:value criterion.
type Filter struct {
	Key      string
	Value    string
	MaxValue string // OpRange only
	Operator Operator
}

// Query is a parsed search string.
type Query struct {
	Filters  []Filter
	FreeText []string
}

// Parse splits input into key:value filters and free text terms. Quoted
// strings keep their spaces. Keys are lower-cased, values are not.
func Parse(input string) Query {
	q := Query{Filters: []Filter{}, FreeText: []string{}}
	for _, token := range tokenize(input) {
		f, ok := parseFilter(token)
		if !ok {
			q.FreeText = append(q.FreeText, unquote(token))
			continue
		}
		q.Filters = append(q.Filters, f)
	}
	return q
}

func parseFilter(token string) (Filter, bool) {
	key, val, found := strings.Cut(token, ":")
	if !found {
		return Filter{}, false
	}
	key = strings.ToLower(strings.TrimSpace(key))
	val = strings.TrimSpace(val)
	if key == "" || val == "" || strings.ContainsAny(key, `"'`) {
		return Filter{}, false
	}
	// An unquoted second colon is ambiguous.
	if strings.Contains(val, ":") && !isQuoted(val) {
		return Filter{}, false
	}

	if lo, hi, ok := strings.Cut(val, ".."); ok && !isQuoted(val) {
		return Filter{Key: key, Value: unquote(lo), MaxValue: unquote(hi), Operator: OpRange}, true
	}
	for _, op := range prefixOperators {
		if rest, ok := strings.CutPrefix(val, string(op)); ok {
			return Filter{Key: key, Value: unquote(rest), Operator: op}, true
		}
	}
	return Filter{Key: key, Value: unquote(val), Operator: OpEqual}, true
}

// tokenize splits on whitespace outside of quotes.
func tokenize(input string) []string {
	var tokens []string
	var cur strings.Builder
	var quote rune
	for _, r := range input {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
		case unicode.IsSpace(r):
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		case r == '"' || r == '\'':
			quote = r
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

func isQuoted(s string) bool {
	return len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0]
}

func unquote(s string) string {
	if isQuoted(s) {
		return s[1 : len(s)-1]
	}
	return s
}

// ContainsFold reports whether s contains substr, ignoring case.
func ContainsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// MatchesText reports whether every free text term appears in at least one
// of the fields.
func (q Query) MatchesText(fields ...string) bool {
	for _, term := range q.FreeText {
		found := false
		for _, f := range fields {
			if ContainsFold(f, term) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CompareOrdered applies the filter to an ordered string value such as an
// ISO date. OpEqual is a prefix match so date:2025-03 selects a month.
func (f Filter) CompareOrdered(v string) bool {
	switch f.Operator {
	case OpGreater:
		return v > f.Value
	case OpGreaterOrEqual:
		return v >= f.Value
	case OpLess:
		return v < f.Value
	case OpLessOrEqual:
		return v <= f.Value
	case OpRange:
		// "~" sorts after digits so the upper bound includes its prefix.
		return v >= f.Value && v <= f.MaxValue+"~"
	}
	return strings.HasPrefix(v, f.Value)
}
