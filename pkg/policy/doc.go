// Package policy checks a computed plan with Open Policy Agent before
// anything is changed.
//
// Each policy is a Rego module whose package defines a deny set. Elements
// are either a message string or an object:
//
//	deny contains violation if {
//	    input.plan.compute_primary_id != input.plan.compute_id
//	    violation := {
//	        "message": "primary compute environment changes",
//	        "severity": "warning",
//	        "resource": input.plan.compute_name,
//	        "remediation": "...",
//	    }
//	}
//
// The input document is a PolicyInput: the command, the credential provider
// of the run, the engine.Plan as JSON and a PolicyContext.
//
// # Built-in policies
//
// Three policies turn known platform quirks into explicit results:
//
//   - credential-provider-switch (error): an existing credential would be
//     re-submitted with the other provider, which the platform ignores
//   - config-propagation (warning): config or pre-run text only reaches
//     pipelines that are created or forced
//   - primary-switch (warning): another compute environment stops being the
//     workspace primary
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, paths); err != nil {
//	    return err
//	}
//	result, err := eng.EvaluatePlan(ctx, input)
//	if err != nil {
//	    return err
//	}
//	if err := result.Err(); err != nil {
//	    return err // engine.IsPolicyDenied(err)
//	}
//
// Files loaded with LoadPolicies default to warning severity; a deny element
// can raise its own.
package policy
