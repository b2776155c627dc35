package agentlog

import (
	"fmt"
	"strings"
)

// contextEntries is how many preceding entries are attached to each failure.
const contextEntries = 3

// repeatThreshold is the pattern count at which the analyzer recommends
// changing approach instead of retrying.
const repeatThreshold = 3

// FailureReport is one analyzed failure with surrounding context and
// remediation suggestions.
type FailureReport struct {
	Entry       Entry    `json:"entry"`
	Context     []Entry  `json:"context,omitempty"`
	Kind        string   `json:"kind"`
	Suggestions []string `json:"suggestions"`
}

// remediation maps an error-substring family to a failure kind and the
// suggestions surfaced for it.
type remediation struct {
	kind        string
	substrings  []string
	suggestions []string
}

var remediations = []remediation{
	{
		kind:       "timeout",
		substrings: []string{"timeout", "timed out", "deadline exceeded"},
		suggestions: []string{
			"Increase the command timeout or split the work into smaller steps.",
			"Check whether the operation is waiting on a network resource.",
		},
	},
	{
		kind:       "dns",
		substrings: []string{"no such host", "name resolution", "dns"},
		suggestions: []string{
			"Verify the hostname spelling and network connectivity.",
			"Try an IP address or a different mirror.",
		},
	},
	{
		kind:       "ssl",
		substrings: []string{"certificate", "x509", "tls handshake", "ssl"},
		suggestions: []string{
			"Check the system clock and CA bundle.",
			"If this is an internal host, configure its CA certificate.",
		},
	},
	{
		kind:       "permission",
		substrings: []string{"permission denied", "operation not permitted", "access denied"},
		suggestions: []string{
			"Check file ownership and mode bits on the target path.",
			"The operation may need to run as a different user.",
		},
	},
	{
		kind:       "disk",
		substrings: []string{"no space left", "disk full", "quota exceeded"},
		suggestions: []string{
			"Free disk space or move the work to a larger volume.",
		},
	},
	{
		kind:       "not_found",
		substrings: []string{"no such file", "not found", "does not exist"},
		suggestions: []string{
			"List the parent directory to confirm the path.",
			"The file may need to be created first.",
		},
	},
	{
		kind:       "dependency",
		substrings: []string{"command not found", "executable file not found", "module not found", "cannot find package"},
		suggestions: []string{
			"Install the missing dependency before retrying.",
		},
	},
}

// classify maps an error string to a remediation family, defaulting to
// "unknown" with a generic suggestion.
func classify(errText string) (string, []string) {
	lower := strings.ToLower(errText)
	for _, r := range remediations {
		for _, sub := range r.substrings {
			if strings.Contains(lower, sub) {
				return r.kind, r.suggestions
			}
		}
	}
	return "unknown", []string{"Inspect the full error output before retrying."}
}

// AnalyzeFailures selects the failed entries of the log, attaches preceding
// context, classifies each failure, and flags repeated patterns. Reports come
// back oldest first.
func AnalyzeFailures(l *Logger) []FailureReport {
	all := l.Query(Filter{})

	kindCounts := make(map[string]int)
	var reports []FailureReport

	for i, e := range all {
		if e.Success {
			continue
		}
		kind, suggestions := classify(e.Error)
		kindCounts[kind]++

		report := FailureReport{
			Entry:       e,
			Kind:        kind,
			Suggestions: append([]string(nil), suggestions...),
		}
		if e.Tool != "" {
			report.Suggestions = append(report.Suggestions,
				fmt.Sprintf("Review the %s invocation's input for mistakes.", e.Tool))
		}

		start := i - contextEntries
		if start < 0 {
			start = 0
		}
		report.Context = append(report.Context, all[start:i]...)

		if kindCounts[kind] >= repeatThreshold {
			report.Suggestions = append(report.Suggestions,
				fmt.Sprintf("This is the %d%s %s failure; try a different approach instead of retrying.",
					kindCounts[kind], ordinal(kindCounts[kind]), kind))
		}

		reports = append(reports, report)
	}
	return reports
}

func ordinal(n int) string {
	switch n % 10 {
	case 1:
		if n%100 != 11 {
			return "st"
		}
	case 2:
		if n%100 != 12 {
			return "nd"
		}
	case 3:
		if n%100 != 13 {
			return "rd"
		}
	}
	return "th"
}
