// Package diagnostics classifies command failures and drives bounded
// auto-remediation. The bash tool routes every run through here so transient
// network and environment failures get one honest retry with a concrete fix
// instead of surfacing raw stderr.
package diagnostics

import (
	"regexp"
	"strings"
)

// Kind is a failure family recognized from command output.
type Kind string

const (
	KindTimeout    Kind = "timeout"
	KindDNS        Kind = "dns"
	KindSSL        Kind = "ssl"
	KindHTTP       Kind = "http_error"
	KindPermission Kind = "permission"
	KindDiskFull   Kind = "disk_full"
	KindDependency Kind = "dependency_missing"
	KindUnknown    Kind = "unknown"
)

// FixType enumerates the remediations the runner can apply on its own.
type FixType string

const (
	FixSetEnv           FixType = "set_env"
	FixUseMirror        FixType = "use_mirror"
	FixRetryWithTimeout FixType = "retry_with_timeout"
	FixCustom           FixType = "custom"
)

// Fix is one concrete remediation.
type Fix struct {
	Type      FixType           `json:"type"`
	Env       map[string]string `json:"env,omitempty"`
	MirrorURL string            `json:"mirrorUrl,omitempty"`
	TimeoutMS int               `json:"timeoutMs,omitempty"`
	Command   string            `json:"command,omitempty"`
}

// Diagnosis is the classification of one failed run.
type Diagnosis struct {
	Kind              Kind   `json:"kind"`
	Matched           string `json:"matched,omitempty"`
	AutoFixable       bool   `json:"autoFixable"`
	SuggestedFixes    []Fix  `json:"suggestedFixes,omitempty"`
	RequiresUserInput bool   `json:"requiresUserInput"`
	UserQuestion      string `json:"userQuestion,omitempty"`
}

type rule struct {
	kind     Kind
	patterns []*regexp.Regexp
	build    func(match string) Diagnosis
}

var rules = []rule{
	{
		kind: KindTimeout,
		patterns: compile(
			`(?i)timed? ?out`,
			`(?i)deadline exceeded`,
			`(?i)connection timed`,
		),
		build: func(match string) Diagnosis {
			return Diagnosis{
				Kind:        KindTimeout,
				Matched:     match,
				AutoFixable: true,
				SuggestedFixes: []Fix{
					{Type: FixRetryWithTimeout, TimeoutMS: 120_000},
				},
			}
		},
	},
	{
		kind: KindDNS,
		patterns: compile(
			`(?i)could not resolve host`,
			`(?i)no such host`,
			`(?i)name or service not known`,
			`(?i)temporary failure in name resolution`,
		),
		build: func(match string) Diagnosis {
			return Diagnosis{
				Kind:        KindDNS,
				Matched:     match,
				AutoFixable: true,
				SuggestedFixes: []Fix{
					{Type: FixRetryWithTimeout, TimeoutMS: 60_000},
				},
			}
		},
	},
	{
		kind: KindSSL,
		patterns: compile(
			`(?i)certificate verify failed`,
			`(?i)ssl certificate problem`,
			`(?i)x509: certificate`,
			`(?i)tls handshake`,
		),
		build: func(match string) Diagnosis {
			return Diagnosis{
				Kind:              KindSSL,
				Matched:           match,
				AutoFixable:       false,
				RequiresUserInput: true,
				UserQuestion:      "TLS verification failed. Is the host behind a proxy with a custom CA, and if so where is the CA bundle?",
			}
		},
	},
	{
		kind: KindHTTP,
		patterns: compile(
			`(?i)HTTP(?:/[0-9.]+)? (?:status )?(?:code )?(4\d\d|5\d\d)`,
			`(?i)(?:status|error):? (4\d\d|5\d\d)`,
			`(?i)returned (4\d\d|5\d\d)`,
		),
		build: func(match string) Diagnosis {
			d := Diagnosis{Kind: KindHTTP, Matched: match}
			if strings.Contains(match, "5") && serverStatus.MatchString(match) {
				d.AutoFixable = true
				d.SuggestedFixes = []Fix{{Type: FixRetryWithTimeout, TimeoutMS: 60_000}}
			} else {
				d.RequiresUserInput = true
				d.UserQuestion = "The server rejected the request. Are the URL and credentials correct?"
			}
			return d
		},
	},
	{
		kind: KindPermission,
		patterns: compile(
			`(?i)permission denied`,
			`(?i)operation not permitted`,
			`(?i)EACCES`,
		),
		build: func(match string) Diagnosis {
			return Diagnosis{
				Kind:              KindPermission,
				Matched:           match,
				AutoFixable:       false,
				RequiresUserInput: true,
				UserQuestion:      "Permission was denied. Should this run with different credentials or a different target path?",
			}
		},
	},
	{
		kind: KindDiskFull,
		patterns: compile(
			`(?i)no space left on device`,
			`(?i)disk (?:is )?full`,
			`(?i)ENOSPC`,
		),
		build: func(match string) Diagnosis {
			return Diagnosis{
				Kind:              KindDiskFull,
				Matched:           match,
				AutoFixable:       false,
				RequiresUserInput: true,
				UserQuestion:      "The disk is full. Which files or caches may be removed to free space?",
			}
		},
	},
	{
		kind: KindDependency,
		patterns: compile(
			`(?i)command not found`,
			`(?i)no such file or directory.*\b(pip|npm|node|python|cargo|make|gcc)\b`,
			`(?i)is not recognized as an internal or external command`,
			`(?i)ModuleNotFoundError`,
			`(?i)cannot find module`,
		),
		build: func(match string) Diagnosis {
			return Diagnosis{
				Kind:              KindDependency,
				Matched:           match,
				AutoFixable:       false,
				RequiresUserInput: true,
				UserQuestion:      "A required dependency is missing. Should it be installed, and with which package manager?",
			}
		},
	},
}

var serverStatus = regexp.MustCompile(`5\d\d`)

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// Classify matches output against the failure families in order and returns
// the first hit, or an unknown diagnosis.
func Classify(output string) Diagnosis {
	for _, r := range rules {
		for _, re := range r.patterns {
			if m := re.FindString(output); m != "" {
				return r.build(m)
			}
		}
	}
	return Diagnosis{Kind: KindUnknown}
}
