// Package assertion evaluates a model reply and the tools it invoked against an
// AssertionSpec. Every group present in the spec is evaluated; nothing short-circuits.
package assertion

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"everlaunch/internal/domain"
)

// Assertion types as they appear in results.
const (
	TypeMustInclude              = "must_include"
	TypeMustIncludeAny           = "must_include_any"
	TypeMustIncludeGroups        = "must_include_groups"
	TypeMustIncludeRegex         = "must_include_regex"
	TypeMustNotInclude           = "must_not_include"
	TypeMustTriggerToolAllowed   = "must_trigger_tool_allowed"
	TypeMustNotTriggerTool       = "must_not_trigger_tool"
	TypeMustCaptureFields        = "must_capture_fields"
	TypeResponseLength           = "response_length"
	TypeMustNotIncludeLengthOver = "must_not_include_length_over"
	TypeError                    = "error"
)

// BriefLimit is the character limit behind response_length: brief.
const BriefLimit = 300

// CaptureLeadTool is the tool whose invocation satisfies must_capture_fields.
const CaptureLeadTool = "capture_lead"

var genericCaptureWords = []string{"contact", "information", "details"}

// Outcome is the aggregate result of one evaluation.
type Outcome struct {
	Passed     bool
	PassedList []domain.AssertionResult
	FailedList []domain.AssertionResult
}

// Evaluate runs every assertion group present in spec.
func Evaluate(response string, toolsCalled []string, spec domain.AssertionSpec) Outcome {
	var results []domain.AssertionResult
	if len(spec.MustInclude) > 0 {
		results = append(results, EvalMustInclude(response, spec.MustInclude)...)
	}
	if len(spec.MustIncludeAny) > 0 {
		results = append(results, EvalMustIncludeAny(response, spec.MustIncludeAny))
	}
	if len(spec.MustIncludeGroups) > 0 {
		results = append(results, EvalMustIncludeGroups(response, spec.MustIncludeGroups))
	}
	if len(spec.MustIncludeRegex) > 0 {
		results = append(results, EvalMustIncludeRegex(response, spec.MustIncludeRegex))
	}
	if len(spec.MustNotInclude) > 0 {
		results = append(results, EvalMustNotInclude(response, spec.MustNotInclude)...)
	}
	if len(spec.MustTriggerToolAllowed) > 0 {
		results = append(results, EvalMustTriggerToolAllowed(toolsCalled, spec.MustTriggerToolAllowed))
	}
	if len(spec.MustNotTriggerTool) > 0 {
		results = append(results, EvalMustNotTriggerTool(toolsCalled, spec.MustNotTriggerTool)...)
	}
	if len(spec.MustCaptureFields) > 0 {
		results = append(results, EvalMustCaptureFields(response, toolsCalled, spec.MustCaptureFields))
	}
	if spec.ResponseLength == "brief" {
		results = append(results, EvalMaxLength(TypeResponseLength, response, BriefLimit))
	}
	if spec.MustNotIncludeLengthOver != nil {
		results = append(results, EvalMaxLength(TypeMustNotIncludeLengthOver, response, *spec.MustNotIncludeLengthOver))
	}

	out := Outcome{
		PassedList: []domain.AssertionResult{},
		FailedList: []domain.AssertionResult{},
	}
	for _, r := range results {
		if r.Passed {
			out.PassedList = append(out.PassedList, r)
		} else {
			out.FailedList = append(out.FailedList, r)
		}
	}
	out.Passed = len(out.FailedList) == 0
	return out
}

// ErrorResult is the synthetic assertion recorded when a scenario could not be executed.
func ErrorResult(err error) domain.AssertionResult {
	return domain.AssertionResult{
		Type:    TypeError,
		Passed:  false,
		Details: err.Error(),
	}
}

// EvalMustInclude yields one result per phrase; each phrase must appear.
func EvalMustInclude(response string, phrases []string) []domain.AssertionResult {
	haystack := normalize(response)
	results := make([]domain.AssertionResult, 0, len(phrases))
	for _, phrase := range phrases {
		found := contains(haystack, phrase)
		r := domain.AssertionResult{
			Type:     TypeMustInclude,
			Passed:   found,
			Expected: phrase,
			Details:  fmt.Sprintf("Found required phrase %q", phrase),
		}
		if found {
			r.Matched = []string{phrase}
		} else {
			r.Details = fmt.Sprintf("Missing required phrase %q", phrase)
		}
		results = append(results, r)
	}
	return results
}

// EvalMustIncludeAny passes when at least one phrase appears.
func EvalMustIncludeAny(response string, phrases []string) domain.AssertionResult {
	haystack := normalize(response)
	matched := matchPhrases(haystack, phrases)
	r := domain.AssertionResult{
		Type:     TypeMustIncludeAny,
		Passed:   len(matched) > 0,
		Expected: phrases,
		Matched:  matched,
	}
	if r.Passed {
		r.Details = fmt.Sprintf("Found %s", quoteList(matched))
	} else {
		r.Details = fmt.Sprintf("None of %s found", quoteList(phrases))
	}
	return r
}

// EvalMustIncludeGroups passes when every group has at least one matching phrase.
func EvalMustIncludeGroups(response string, groups [][]string) domain.AssertionResult {
	haystack := normalize(response)
	var matched []string
	var missing []string
	for _, group := range groups {
		hits := matchPhrases(haystack, group)
		if len(hits) == 0 {
			missing = append(missing, "["+strings.Join(quoteEach(group), ", ")+"]")
			continue
		}
		matched = append(matched, hits[0])
	}
	r := domain.AssertionResult{
		Type:     TypeMustIncludeGroups,
		Passed:   len(missing) == 0,
		Expected: groups,
		Matched:  matched,
	}
	if r.Passed {
		r.Details = fmt.Sprintf("All %d phrase groups matched (%s)", len(groups), quoteList(matched))
	} else {
		r.Details = fmt.Sprintf("%d of %d phrase groups unmatched: %s", len(missing), len(groups), strings.Join(missing, "; "))
	}
	return r
}

// EvalMustIncludeRegex passes when at least one pattern matches, case-insensitively.
// Patterns that do not compile count as non-matching.
func EvalMustIncludeRegex(response string, patterns []string) domain.AssertionResult {
	var matched, invalid []string
	for _, pattern := range patterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			invalid = append(invalid, pattern)
			continue
		}
		if re.MatchString(response) {
			matched = append(matched, pattern)
		}
	}
	r := domain.AssertionResult{
		Type:     TypeMustIncludeRegex,
		Passed:   len(matched) > 0,
		Expected: patterns,
		Matched:  matched,
	}
	if r.Passed {
		r.Details = fmt.Sprintf("Matched pattern %s", quoteList(matched))
	} else {
		r.Details = fmt.Sprintf("No pattern matched among %s", quoteList(patterns))
	}
	if len(invalid) > 0 {
		r.Details += fmt.Sprintf(" (invalid patterns ignored: %s)", quoteList(invalid))
	}
	return r
}

// EvalMustNotInclude yields one result per phrase; any occurrence is a violation.
func EvalMustNotInclude(response string, phrases []string) []domain.AssertionResult {
	haystack := normalize(response)
	results := make([]domain.AssertionResult, 0, len(phrases))
	for _, phrase := range phrases {
		found := contains(haystack, phrase)
		r := domain.AssertionResult{
			Type:     TypeMustNotInclude,
			Passed:   !found,
			Expected: phrase,
			Details:  fmt.Sprintf("Forbidden phrase %q not present", phrase),
		}
		if found {
			r.Matched = []string{phrase}
			r.Details = fmt.Sprintf("Forbidden phrase %q found in response", phrase)
		}
		results = append(results, r)
	}
	return results
}

// EvalMustTriggerToolAllowed passes when any listed tool was called. A call matches when
// the names are equal or either contains the other.
func EvalMustTriggerToolAllowed(toolsCalled, allowed []string) domain.AssertionResult {
	var matched []string
	for _, called := range toolsCalled {
		for _, want := range allowed {
			if toolMatches(called, want) {
				matched = append(matched, called)
				break
			}
		}
	}
	r := domain.AssertionResult{
		Type:     TypeMustTriggerToolAllowed,
		Passed:   len(matched) > 0,
		Expected: allowed,
		Matched:  matched,
	}
	if r.Passed {
		r.Details = fmt.Sprintf("Tool %s called", quoteList(matched))
	} else {
		r.Details = fmt.Sprintf("Expected one of %s to be called; called %s", quoteList(allowed), quoteList(toolsCalled))
	}
	return r
}

// EvalMustNotTriggerTool yields one result per forbidden tool.
func EvalMustNotTriggerTool(toolsCalled, forbidden []string) []domain.AssertionResult {
	results := make([]domain.AssertionResult, 0, len(forbidden))
	for _, tool := range forbidden {
		var hits []string
		for _, called := range toolsCalled {
			if tool != "" && strings.Contains(called, tool) {
				hits = append(hits, called)
			}
		}
		r := domain.AssertionResult{
			Type:     TypeMustNotTriggerTool,
			Passed:   len(hits) == 0,
			Expected: tool,
			Matched:  hits,
			Details:  fmt.Sprintf("Forbidden tool %q not called", tool),
		}
		if len(hits) > 0 {
			r.Details = fmt.Sprintf("Forbidden tool %q was called (%s)", tool, quoteList(hits))
		}
		results = append(results, r)
	}
	return results
}

// EvalMustCaptureFields is lenient: a capture_lead call, any field name in the reply, or
// any generic contact word is enough.
func EvalMustCaptureFields(response string, toolsCalled, fields []string) domain.AssertionResult {
	r := domain.AssertionResult{
		Type:     TypeMustCaptureFields,
		Expected: fields,
	}
	for _, called := range toolsCalled {
		if strings.Contains(called, CaptureLeadTool) {
			r.Passed = true
			r.Matched = []string{called}
			r.Details = fmt.Sprintf("Lead captured via %q tool call", called)
			return r
		}
	}
	haystack := normalize(response)
	if hits := matchPhrases(haystack, fields); len(hits) > 0 {
		r.Passed = true
		r.Matched = hits
		r.Details = fmt.Sprintf("Response asks for %s", quoteList(hits))
		return r
	}
	if hits := matchPhrases(haystack, genericCaptureWords); len(hits) > 0 {
		r.Passed = true
		r.Matched = hits
		r.Details = fmt.Sprintf("Response requests contact info (%s)", quoteList(hits))
		return r
	}
	r.Details = fmt.Sprintf("No %s call and no request for %s", CaptureLeadTool, quoteList(fields))
	return r
}

// EvalMaxLength fails when the reply is longer than limit characters.
func EvalMaxLength(kind, response string, limit int) domain.AssertionResult {
	n := utf8.RuneCountInString(response)
	r := domain.AssertionResult{
		Type:     kind,
		Passed:   n <= limit,
		Expected: limit,
	}
	if r.Passed {
		r.Details = fmt.Sprintf("Response length %d within limit %d", n, limit)
	} else {
		r.Details = fmt.Sprintf("Response length %d exceeds limit %d", n, limit)
	}
	return r
}

func toolMatches(called, want string) bool {
	if called == "" || want == "" {
		return false
	}
	return called == want || strings.Contains(called, want) || strings.Contains(want, called)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// contains expects an already normalized haystack.
func contains(haystack, phrase string) bool {
	needle := normalize(phrase)
	if needle == "" {
		return false
	}
	return strings.Contains(haystack, needle)
}

func matchPhrases(haystack string, phrases []string) []string {
	var hits []string
	for _, p := range phrases {
		if contains(haystack, p) {
			hits = append(hits, p)
		}
	}
	return hits
}

func quoteEach(items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}

func quoteList(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(quoteEach(items), ", ")
}
