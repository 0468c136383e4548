// Package engine reconciles one machine's workflow-platform setup.
//
// # Overview
//
// A run goes through four steps:
//
//  1. Inventory - read user, compute environments, credentials, pipelines,
//     labels and the public catalog concurrently (LoadInventory)
//  2. Plan - diff the inventory against the desired Intent (Planner)
//  3. Graph - turn the plan into phased units (Executor.SetupUnits, Graph)
//  4. Apply - run the phases (Executor.Setup, Executor.Clean)
//
// The planner is a pure function: it makes no remote calls and the same
// inputs always yield an equal Plan.
//
// # Phases
//
// Setup runs at most three phases:
//
//   - identity: the credential, then the compute environment that uses it
//   - label creates, label deletes, pipeline deletes and the primary switch
//   - pipeline creates and in-place updates
//
// Units of a phase run concurrently. When one fails, units already running
// finish and later phases are skipped.
//
// # Identity
//
// The ssh method moves through no_key, key_generated, credential_upserted and
// compute_upserted. The agent method replaces the first two states with
// no_agent and agent_connected. If the compute environment cannot be created
// after a fresh credential was, the credential is deleted again (and, for
// ssh, the local key entry removed) before a PARTIAL_SETUP error is returned.
//
// # Errors
//
// Every failure is an *EngineError with a class (transient, throttled,
// conflict, permanent) and a code. Nothing in the package retries.
//
//	if engine.IsPartialSetup(err) {
//	    var e *engine.EngineError
//	    errors.As(err, &e)
//	    fmt.Println(e.Remediation)
//	}
package engine
