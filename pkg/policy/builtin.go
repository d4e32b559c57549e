package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in admission policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		navigationAllowlistPolicy(),
		scriptRestrictionsPolicy(),
		secretHygienePolicy(),
		planSizePolicy(),
		humanPausePolicy(),
	}
}

// navigationAllowlistPolicy restricts goto targets to http(s) URLs and,
// when an allowlist is configured, to the listed domains.
func navigationAllowlistPolicy() Policy {
	return Policy{
		Name:        "navigation-allowlist",
		Description: "Restricts goto targets to http(s) URLs inside the configured domain allowlist",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"navigation", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stepflow.policies.navigation

import rego.v1

deny contains violation if {
	some i, step in input.steps
	step.type == "goto"
	not startswith(step.url, "http://")
	not startswith(step.url, "https://")
	violation := {
		"message": sprintf("goto target %q must use http or https", [step.url]),
		"severity": "error",
		"step_idx": i,
	}
}

deny contains violation if {
	count(input.context.allowed_domains) > 0
	some i, step in input.steps
	step.type == "goto"
	startswith(step.url, "http")
	not url_allowed(step.url)
	violation := {
		"message": sprintf("goto target %q is outside the domain allowlist", [step.url]),
		"severity": "error",
		"step_idx": i,
	}
}

url_allowed(url) if {
	some domain in input.context.allowed_domains
	contains(url, domain)
}`,
	}
}

// scriptRestrictionsPolicy blocks evaluate and file_upload steps unless
// the admission context opts in.
func scriptRestrictionsPolicy() Policy {
	return Policy{
		Name:        "script-restrictions",
		Description: "Blocks evaluate and file_upload steps unless explicitly allowed",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"scripts", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stepflow.policies.scripts

import rego.v1

deny contains violation if {
	some i, step in input.steps
	step.type == "evaluate"
	not input.context.allow_scripts
	violation := {
		"message": "evaluate steps are not allowed in this context",
		"severity": "error",
		"step_idx": i,
	}
}

deny contains violation if {
	some i, step in input.steps
	step.type == "file_upload"
	not input.context.allow_uploads
	violation := {
		"message": "file_upload steps are not allowed in this context",
		"severity": "error",
		"step_idx": i,
	}
}`,
	}
}

// secretHygienePolicy warns about literal credentials in input steps.
func secretHygienePolicy() Policy {
	return Policy{
		Name:        "secret-hygiene",
		Description: "Warns when input steps type literal values into credential fields instead of ${var} substitutions",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"secrets", "hygiene"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stepflow.policies.secrets

import rego.v1

credential_markers := ["password", "passwd", "secret", "token", "api-key", "api_key"]

deny contains violation if {
	some i, step in input.steps
	step.type == "input"
	some marker in credential_markers
	contains(lower(step.selector), marker)
	not contains(step.text, "${")
	violation := {
		"message": sprintf("input into %q carries a literal value; use a ${var} substitution", [step.selector]),
		"severity": "warning",
		"step_idx": i,
	}
}`,
	}
}

// planSizePolicy warns when a plan exceeds the runtime step budget.
func planSizePolicy() Policy {
	return Policy{
		Name:        "plan-size",
		Description: "Warns when a plan carries more steps than a single run will execute",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"limits"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stepflow.policies.size

import rego.v1

max_steps := 80

deny contains violation if {
	count(input.steps) > max_steps
	violation := {
		"message": sprintf("plan has %d steps; runs stop after %d", [count(input.steps), max_steps]),
		"severity": "warning",
	}
}`,
	}
}

// humanPausePolicy warns about plans that lean on manual intervention.
func humanPausePolicy() Policy {
	return Policy{
		Name:        "human-pauses",
		Description: "Warns when a plan contains more than two pause_for_human steps",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"automation"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stepflow.policies.pauses

import rego.v1

deny contains violation if {
	pauses := count([i |
		some i, step in input.steps
		step.type == "pause_for_human"
	])
	pauses > 2
	violation := {
		"message": sprintf("plan pauses for a human %d times; it should mostly run unattended", [pauses]),
		"severity": "warning",
	}
}`,
	}
}
