package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/stepflow/stepflow/pkg/plan"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func mustPlan(t *testing.T, raws ...map[string]any) plan.Plan {
	t.Helper()
	p := make(plan.Plan, 0, len(raws))
	for i, raw := range raws {
		step, err := plan.ValidateStep(raw)
		if err != nil {
			t.Fatalf("step %d invalid: %v", i, err)
		}
		p = append(p, step)
	}
	return p
}

func TestNewEngine(t *testing.T) {
	eng := testEngine(t)

	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("No built-in policies loaded")
	}

	expectedPolicies := []string{
		"navigation-allowlist",
		"script-restrictions",
		"secret-hygiene",
		"plan-size",
		"human-pauses",
	}

	for _, expected := range expectedPolicies {
		found := false
		for _, p := range policies {
			if p.Name == expected {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected built-in policy not found: %s", expected)
		}
	}
}

func TestEvaluatePlan_NavigationAllowlist(t *testing.T) {
	eng := testEngine(t)

	tests := []struct {
		name          string
		url           string
		domains       []string
		expectAllowed bool
	}{
		{
			name:          "allowed domain",
			url:           "https://app.example.com/login",
			domains:       []string{"example.com"},
			expectAllowed: true,
		},
		{
			name:          "domain outside allowlist",
			url:           "https://evil.test/login",
			domains:       []string{"example.com"},
			expectAllowed: false,
		},
		{
			name:          "javascript scheme",
			url:           "javascript:alert(1)",
			domains:       nil,
			expectAllowed: false,
		},
		{
			name:          "empty allowlist admits any https url",
			url:           "https://anything.test/",
			domains:       nil,
			expectAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustPlan(t, map[string]any{"type": "goto", "url": tt.url})
			result, err := eng.EvaluatePlan(context.Background(), p, Context{
				AllowedDomains: tt.domains,
			})
			if err != nil {
				t.Fatalf("EvaluatePlan failed: %v", err)
			}
			if result.Allowed != tt.expectAllowed {
				t.Errorf("Allowed = %v, want %v (violations: %+v)",
					result.Allowed, tt.expectAllowed, result.Violations)
			}
		})
	}
}

func TestEvaluatePlan_ScriptRestrictions(t *testing.T) {
	eng := testEngine(t)

	evalPlan := mustPlan(t,
		map[string]any{"type": "evaluate", "script": "document.title"},
	)

	result, err := eng.EvaluatePlan(context.Background(), evalPlan, Context{})
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if result.Allowed {
		t.Error("evaluate step should be blocked without allow_scripts")
	}

	result, err = eng.EvaluatePlan(context.Background(), evalPlan, Context{AllowScripts: true})
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("evaluate step should be allowed with allow_scripts (violations: %+v)", result.Violations)
	}

	uploadPlan := mustPlan(t,
		map[string]any{"type": "file_upload", "selector": "css=input[type='file']", "path": "/tmp/report.csv"},
	)

	result, err = eng.EvaluatePlan(context.Background(), uploadPlan, Context{})
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if result.Allowed {
		t.Error("file_upload step should be blocked without allow_uploads")
	}
}

func TestEvaluatePlan_ViolationCarriesStepIdx(t *testing.T) {
	eng := testEngine(t)

	p := mustPlan(t,
		map[string]any{"type": "goto", "url": "https://app.example.com/"},
		map[string]any{"type": "goto", "url": "ftp://files.example.com/"},
	)

	result, err := eng.EvaluatePlan(context.Background(), p, Context{})
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("non-http goto should block the plan")
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "navigation-allowlist" && v.StepIdx == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a navigation violation at step 1, got %+v", result.Violations)
	}
}

func TestEvaluatePlan_WarningsDoNotBlock(t *testing.T) {
	eng := testEngine(t)

	raws := make([]map[string]any, 0, 85)
	for i := 0; i < 85; i++ {
		raws = append(raws, map[string]any{"type": "wait", "seconds": 0.5})
	}
	raws = append(raws,
		map[string]any{"type": "pause_for_human", "reason": "solve captcha"},
		map[string]any{"type": "pause_for_human", "reason": "review form"},
		map[string]any{"type": "pause_for_human", "reason": "confirm"},
		map[string]any{"type": "input", "selector": "css=#password", "text": "hunter2"},
	)

	result, err := eng.EvaluatePlan(context.Background(), mustPlan(t, raws...), Context{})
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}

	if !result.Allowed {
		t.Errorf("warning-only violations should not block, got %+v", result.Violations)
	}

	wantPolicies := []string{"plan-size", "human-pauses", "secret-hygiene"}
	for _, want := range wantPolicies {
		found := false
		for _, v := range result.Violations {
			if v.Policy == want {
				if v.Severity != string(SeverityWarning) {
					t.Errorf("policy %s severity = %s, want warning", want, v.Severity)
				}
				found = true
			}
		}
		if !found {
			t.Errorf("expected a violation from policy %s, got %+v", want, result.Violations)
		}
	}
}

func TestEvaluatePlan_SecretHygieneSkipsVars(t *testing.T) {
	eng := testEngine(t)

	p := mustPlan(t,
		map[string]any{"type": "input", "selector": "css=#password", "text": "${password}"},
	)

	result, err := eng.EvaluatePlan(context.Background(), p, Context{})
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}

	for _, v := range result.Violations {
		if v.Policy == "secret-hygiene" {
			t.Errorf("var substitution should not trigger secret-hygiene: %+v", v)
		}
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := testEngine(t)

	if err := eng.DisablePolicy("script-restrictions"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}

	p := mustPlan(t, map[string]any{"type": "evaluate", "script": "1+1"})
	result, err := eng.EvaluatePlan(context.Background(), p, Context{})
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("disabled policy should not block, got %+v", result.Violations)
	}

	if err := eng.EnablePolicy("script-restrictions"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}

	result, err = eng.EvaluatePlan(context.Background(), p, Context{})
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if result.Allowed {
		t.Error("re-enabled policy should block again")
	}

	if err := eng.DisablePolicy("no-such-policy"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestGetPolicy(t *testing.T) {
	eng := testEngine(t)

	p, err := eng.GetPolicy("plan-size")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Severity != SeverityWarning {
		t.Errorf("plan-size severity = %s, want warning", p.Severity)
	}

	if _, err := eng.GetPolicy("missing"); err == nil {
		t.Error("expected error for missing policy")
	}
}

func TestReloadPolicies(t *testing.T) {
	eng := testEngine(t)

	before := len(eng.ListPolicies())
	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}
	after := len(eng.ListPolicies())

	if before != after {
		t.Errorf("policy count changed on reload: %d -> %d", before, after)
	}
}

func TestExtractPackageName(t *testing.T) {
	tests := []struct {
		name string
		rego string
		want string
	}{
		{
			name: "simple package",
			rego: "package stepflow.policies.navigation\n\nimport rego.v1",
			want: "stepflow.policies.navigation",
		},
		{
			name: "leading comment",
			rego: "# blocks risky clicks\npackage custom.checkout\n",
			want: "custom.checkout",
		},
		{
			name: "missing package falls back",
			rego: "deny contains x if { x := 1 }",
			want: "stepflow.policies",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractPackageName(tt.rego); got != tt.want {
				t.Errorf("extractPackageName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEvaluatePlan_CustomPolicy(t *testing.T) {
	eng := testEngine(t)

	custom := Policy{
		Name:     "no-new-tabs",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package custom.policies.tabs

import rego.v1

deny contains violation if {
	some i, step in input.steps
	step.type == "new_tab"
	violation := {
		"message": "new tabs are not allowed",
		"severity": "error",
		"step_idx": i,
	}
}`,
	}

	if err := eng.compileAndStorePolicy(context.Background(), &custom); err != nil {
		t.Fatalf("failed to compile custom policy: %v", err)
	}

	p := mustPlan(t, map[string]any{"type": "new_tab"})
	result, err := eng.EvaluatePlan(context.Background(), p, Context{})
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if result.Allowed {
		t.Errorf("custom policy should block, got %+v", result.Violations)
	}
}
