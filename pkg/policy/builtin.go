package policy

// Built-in policy names.
const (
	CredentialProviderSwitch = "credential-provider-switch"
	ConfigPropagation        = "config-propagation"
	PrimarySwitch            = "primary-switch"
)

// CleanRemediation is the way out of a credential provider switch.
const CleanRemediation = "run `towerconf clean` first"

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		credentialProviderSwitchPolicy(),
		configPropagationPolicy(),
		primarySwitchPolicy(),
	}
}

// credentialProviderSwitchPolicy rejects re-submitting an existing
// credential with another provider. The platform accepts the update and keeps
// the old provider. Runs that leave the credential alone pass.
func credentialProviderSwitchPolicy() Policy {
	return Policy{
		Name:        CredentialProviderSwitch,
		Description: "An existing credential cannot change between ssh and agent",
		Severity:    SeverityError,
		Enabled:     true,
		Remediation: CleanRemediation,
		Tags:        []string{"credentials"},
		Rego: `package towerconf.policies.credentials

import rego.v1

deny contains violation if {
	input.command != "clean"
	input.method
	input.context.writes_credential
	provider := input.plan.credential_provider
	provider != input.method
	violation := {
		"message": sprintf("credential %s uses the %s provider and cannot be switched to %s", [input.plan.credential_name, provider, input.method]),
		"resource": input.plan.credential_name,
	}
}
`,
	}
}

// configPropagationPolicy warns that launch settings are only saved with
// pipelines the run creates or re-submits.
func configPropagationPolicy() Policy {
	return Policy{
		Name:        ConfigPropagation,
		Description: "Nextflow config and pre-run script only reach pipelines that are created or forced",
		Severity:    SeverityWarning,
		Enabled:     true,
		Remediation: "use --force to update existing pipelines",
		Tags:        []string{"pipelines"},
		Rego: `package towerconf.policies.launch

import rego.v1

launch_text if input.context.has_config_text

launch_text if input.context.has_prerun_text

deny contains violation if {
	input.command != "clean"
	launch_text
	not input.plan.force
	count(input.plan.pipelines_unchanged) > 0
	violation := {
		"message": sprintf("nextflow config and pre-run script will not reach %d existing pipelines: %s", [count(input.plan.pipelines_unchanged), concat(", ", input.plan.pipelines_unchanged)]),
	}
}
`,
	}
}

// primarySwitchPolicy warns when the workspace primary compute environment
// moves away from one this machine does not manage.
func primarySwitchPolicy() Policy {
	return Policy{
		Name:        PrimarySwitch,
		Description: "The workspace primary compute environment is replaced",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"compute"},
		Rego: `package towerconf.policies.primary

import rego.v1

deny contains violation if {
	input.command != "clean"
	primary := input.plan.compute_primary_id
	object.get(input.plan, "compute_id", "") != primary
	violation := {
		"message": sprintf("compute environment %s will replace %s as the primary compute environment", [input.plan.compute_name, primary]),
		"resource": input.plan.compute_name,
	}
}
`,
	}
}
