package policy

import (
	"time"

	"github.com/openfroyo/towerconf/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is shown to the user but does not stop the run.
	SeverityWarning Severity = "warning"

	// SeverityError stops the run before any mutation.
	SeverityError Severity = "error"

	// SeverityCritical is treated like SeverityError.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the plan.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one Rego module. Its package must define a deny set.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Remediation applies to violations that do not carry their own.
	Remediation string `json:"remediation,omitempty"`

	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was read from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// PolicyViolation is one element of a policy's deny set.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource names the remote object concerned, if any.
	Resource string `json:"resource,omitempty"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Remediation tells the user how to get past the violation.
	Remediation string `json:"remediation,omitempty"`
}

// PolicyResult is the outcome of evaluating every enabled policy.
type PolicyResult struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists violations that do not block, and policies that
	// failed to evaluate.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	EvaluatedAt       time.Time     `json:"evaluated_at"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// PolicyInput is the document policies see as input.
type PolicyInput struct {
	// Command is setup, clean or plan.
	Command string `json:"command"`

	// Method is the credential provider the run would use: ssh or agent.
	Method string `json:"method,omitempty"`

	Plan *engine.Plan `json:"plan"`

	// Context carries facts about the invocation that are not in the plan.
	Context *PolicyContext `json:"context"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// Server is the platform host being configured.
	Server string `json:"server,omitempty"`

	// Workspace is the workspace id, empty for the personal workspace.
	Workspace string `json:"workspace,omitempty"`

	// HasConfigText is set when a non-empty nextflow config will be saved
	// with pipelines.
	HasConfigText bool `json:"has_config_text"`

	// HasPrerunText is set when a non-empty pre-run script will be saved
	// with pipelines.
	HasPrerunText bool `json:"has_prerun_text"`

	// WritesCredential is set when the run creates or re-submits the
	// credential.
	WritesCredential bool `json:"writes_credential"`

	Timestamp time.Time `json:"timestamp"`
}
