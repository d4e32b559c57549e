// Package policy provides Open Policy Agent (OPA) based plan admission.
//
// This package decides whether a compiled plan is allowed to drive a live
// browser session. Plans are evaluated with policies written in the Rego
// language before the runtime executes a single step. It includes built-in
// policies for common safety requirements and supports custom policy loading.
//
// # Architecture
//
// The policy system consists of four main components:
//
//  1. Engine - Compiles and evaluates Rego policies
//  2. Loader - Loads policies from files, directories, and bundles
//  3. Types - Data structures for policies, violations, and results
//  4. Built-in Policies - Pre-defined policies for common requirements
//
// # Usage
//
// Creating a policy engine:
//
//	logger := zerolog.New(os.Stdout)
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Evaluating a plan:
//
//	result, err := engine.EvaluatePlan(ctx, compiled, policy.Context{
//	    Task:           "log in and export the report",
//	    AllowedDomains: []string{"example.com"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if !result.Allowed {
//	    for _, violation := range result.Violations {
//	        fmt.Printf("Policy %s violated: %s\n", violation.Policy, violation.Message)
//	    }
//	}
//
// Loading custom policies:
//
//	paths := []string{
//	    "/etc/stepflow/policies",
//	    "/opt/policies/custom.rego",
//	}
//
//	err = engine.LoadPolicies(ctx, paths)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Built-in Policies
//
// The following policies are included by default:
//
//  1. navigation-allowlist - Restricts goto targets to http(s) URLs on allowed domains
//  2. script-restrictions - Blocks evaluate and file_upload steps unless opted in
//  3. secret-hygiene - Warns about literal credentials typed into password fields
//  4. plan-size - Warns when a plan exceeds the runtime step budget
//  5. human-pauses - Warns when a plan leans on manual intervention
//
// # Custom Policies
//
// Custom policies can be written in Rego and loaded from files:
//
//	package custom.policies.checkout
//
//	import rego.v1
//
//	deny contains violation if {
//	    some i, step in input.steps
//	    step.type == "click"
//	    contains(lower(step.selector), "purchase")
//	    not input.context.dry_run
//
//	    violation := {
//	        "message": "purchase buttons may only be clicked in dry runs",
//	        "severity": "error",
//	        "step_idx": i,
//	    }
//	}
//
// # Input Shape
//
// Policies receive the plan as input.steps, a list of validated step field
// maps with their "type" key, and input.context carrying the task text,
// environment, domain allowlist, and the allow_scripts / allow_uploads /
// dry_run flags. Violations may carry a step_idx pointing at the offending
// step; plan-wide violations omit it.
//
// # Severity Levels
//
// Violations have four severity levels:
//
//  - info: Informational messages
//  - warning: Issues that should be reviewed but don't block the run
//  - error: Issues that block the run
//  - critical: Severe issues requiring immediate attention
//
// # Hot Reload
//
// The loader supports watching policy files for changes and reloading automatically:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return engine.LoadPolicies(ctx, paths)
//	})
//
// # Performance
//
// Policies are compiled once and reused for multiple evaluations. The engine
// uses OPA's PreparedEvalQuery for optimal performance. Caching is implemented
// at both the loader and engine levels.
package policy
