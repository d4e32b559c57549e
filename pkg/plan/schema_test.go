package plan

import (
	"errors"
	"testing"
)

func TestValidateStepProjection(t *testing.T) {
	raw := map[string]any{
		"type":     "click",
		"selector": "#submit",
		"bogus":    "dropped",
		"timeout":  99,
	}
	st, err := ValidateStep(raw)
	if err != nil {
		t.Fatalf("ValidateStep failed: %v", err)
	}
	if st.Type != StepClick {
		t.Errorf("expected type click, got %s", st.Type)
	}
	if st.Selector() != "#submit" {
		t.Errorf("expected selector #submit, got %q", st.Selector())
	}
	if st.Has("bogus") {
		t.Error("unknown key should have been dropped")
	}
	if st.Has("timeout") {
		t.Error("timeout is not an allowed key for click")
	}
	// input untouched
	if _, ok := raw["bogus"]; !ok {
		t.Error("validator must not mutate its input")
	}
}

func TestValidateStepCaseInsensitiveType(t *testing.T) {
	st, err := ValidateStep(map[string]any{"type": "CLICK", "selector": "a"})
	if err != nil {
		t.Fatalf("uppercase type should validate: %v", err)
	}
	if st.Type != StepClick {
		t.Errorf("expected click, got %s", st.Type)
	}
}

func TestValidateStepErrors(t *testing.T) {
	tests := []struct {
		name  string
		raw   map[string]any
		check func(error) bool
	}{
		{"unknown type", map[string]any{"type": "teleport"}, IsUnknownType},
		{"empty type", map[string]any{"selector": "a"}, IsUnknownType},
		{"missing selector", map[string]any{"type": "click"}, IsMissingField},
		{"missing input text", map[string]any{"type": "input", "selector": "#q"}, IsMissingField},
		{"missing url", map[string]any{"type": "goto"}, IsMissingField},
		{"nil step", nil, IsMalformed},
		{
			"drag without target or offsets",
			map[string]any{"type": "drag_and_drop", "source": "#a"},
			IsMissingField,
		},
		{
			"drag with single offset",
			map[string]any{"type": "drag_and_drop", "source": "#a", "to_offset_x": 10},
			IsMissingField,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateStep(tt.raw)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.check(err) {
				t.Errorf("wrong error class: %v", err)
			}
		})
	}
}

func TestValidateStepDefaults(t *testing.T) {
	t.Run("wait seconds", func(t *testing.T) {
		st, err := ValidateStep(map[string]any{"type": "wait", "seconds": 2})
		if err != nil {
			t.Fatal(err)
		}
		if got := st.Float("seconds", 0); got != 2.0 {
			t.Errorf("seconds = %v, want 2.0", got)
		}
	})

	t.Run("scroll defaults", func(t *testing.T) {
		st, err := ValidateStep(map[string]any{"type": "scroll", "direction": "UP", "amount": "300"})
		if err != nil {
			t.Fatal(err)
		}
		if st.Str("direction") != "up" {
			t.Errorf("direction = %q, want up", st.Str("direction"))
		}
		if st.Int("amount", 0) != 300 {
			t.Errorf("amount = %d, want 300", st.Int("amount", 0))
		}
	})

	t.Run("wait_visible timeout default", func(t *testing.T) {
		st, err := ValidateStep(map[string]any{"type": "wait_visible", "selector": "#x"})
		if err != nil {
			t.Fatal(err)
		}
		if st.Int("timeout", 0) != DefaultWaitSec {
			t.Errorf("timeout = %d, want %d", st.Int("timeout", 0), DefaultWaitSec)
		}
	})

	t.Run("wait_url defaults", func(t *testing.T) {
		st, err := ValidateStep(map[string]any{"type": "wait_url", "pattern": "dash"})
		if err != nil {
			t.Fatal(err)
		}
		if st.Bool("regex", true) {
			t.Error("regex should default to false")
		}
		if st.Int("timeout", 0) != DefaultWaitSec {
			t.Errorf("timeout = %d, want %d", st.Int("timeout", 0), DefaultWaitSec)
		}
	})

	t.Run("select by default", func(t *testing.T) {
		st, err := ValidateStep(map[string]any{"type": "select", "selector": "#s", "by": "", "value": "Ads"})
		if err != nil {
			t.Fatal(err)
		}
		if st.Str("by") != "text" {
			t.Errorf("by = %q, want text", st.Str("by"))
		}
	})

	t.Run("assert_text defaults", func(t *testing.T) {
		st, err := ValidateStep(map[string]any{"type": "assert_text", "selector": "h1", "value": "Hello"})
		if err != nil {
			t.Fatal(err)
		}
		if st.Str("attr") != "text" || st.Str("match") != "contains" {
			t.Errorf("attr=%q match=%q, want text/contains", st.Str("attr"), st.Str("match"))
		}
	})
}

func TestValidateStepHotkeyCanonicalization(t *testing.T) {
	tests := []struct {
		name string
		keys any
		want []string
	}{
		{"chord string", "CTRL+A", []string{"CTRL", "A"}},
		{"list", []any{"CTRL", "SHIFT", "P"}, []string{"CTRL", "SHIFT", "P"}},
		{"single key", "ESCAPE", []string{"ESCAPE"}},
		{"chord with spaces", "CTRL + A", []string{"CTRL", "A"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := ValidateStep(map[string]any{"type": "hotkey", "keys": tt.keys})
			if err != nil {
				t.Fatal(err)
			}
			got := st.Strings("keys")
			if len(got) != len(tt.want) {
				t.Fatalf("keys = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("keys[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestValidateStepLoopUntilTick(t *testing.T) {
	t.Run("default tick", func(t *testing.T) {
		st, err := ValidateStep(map[string]any{"type": "loop_until", "selector": "#done", "present": true})
		if err != nil {
			t.Fatal(err)
		}
		if st.Int("timeout", 0) != StepTimeoutSec {
			t.Errorf("timeout = %d, want %d", st.Int("timeout", 0), StepTimeoutSec)
		}
		tick, ok := st.Tick()
		if !ok {
			t.Fatal("expected default tick")
		}
		if tick.Type != StepWait || tick.Float("seconds", 0) != 1.0 {
			t.Errorf("tick = %v, want wait 1s", tick.Fields())
		}
	})

	t.Run("invalid tick replaced", func(t *testing.T) {
		st, err := ValidateStep(map[string]any{
			"type": "loop_until", "selector": "#done", "present": true,
			"tick": map[string]any{"type": "teleport"},
		})
		if err != nil {
			t.Fatal(err)
		}
		tick, ok := st.Tick()
		if !ok || tick.Type != StepWait {
			t.Errorf("invalid tick should fall back to wait, got %v", tick.Fields())
		}
	})

	t.Run("nested tick validated", func(t *testing.T) {
		st, err := ValidateStep(map[string]any{
			"type": "loop_until", "selector": "#done", "present": true,
			"tick": map[string]any{"type": "scroll", "direction": "down", "amount": 200, "junk": 1},
		})
		if err != nil {
			t.Fatal(err)
		}
		tick, _ := st.Tick()
		if tick.Type != StepScroll {
			t.Fatalf("tick type = %s, want scroll", tick.Type)
		}
		if tick.Has("junk") {
			t.Error("tick projection should drop unknown keys")
		}
	})
}

func TestValidateStepIdempotent(t *testing.T) {
	st, err := ValidateStep(map[string]any{"type": "hotkey", "keys": "CTRL+A"})
	if err != nil {
		t.Fatal(err)
	}
	again, err := ValidateStep(st.Fields())
	if err != nil {
		t.Fatalf("revalidation failed: %v", err)
	}
	if st.Signature() != again.Signature() {
		t.Errorf("validation is not idempotent: %s vs %s", st.Signature(), again.Signature())
	}

	loop, err := ValidateStep(map[string]any{
		"type": "loop_until", "selector": "#done", "present": true,
		"tick": map[string]any{"type": "scroll", "direction": "down", "amount": 200},
	})
	if err != nil {
		t.Fatal(err)
	}
	again, err = ValidateStep(loop.Fields())
	if err != nil {
		t.Fatalf("revalidation failed: %v", err)
	}
	tick, ok := again.Tick()
	if !ok {
		t.Fatal("revalidated loop_until lost its tick")
	}
	if tick.Type != StepScroll {
		t.Fatalf("revalidation replaced custom tick: got %s, want scroll", tick.Type)
	}
	if loop.Signature() != again.Signature() {
		t.Errorf("loop_until validation is not idempotent: %s vs %s", loop.Signature(), again.Signature())
	}
}

func TestValidatePlanDropsBadSteps(t *testing.T) {
	raw := []any{
		map[string]any{"type": "goto", "url": "https://example.com"},
		map[string]any{"type": "teleport"},
		"not an object",
		map[string]any{"type": "click"},
		map[string]any{"type": "click", "selector": "#ok"},
	}
	p, err := ValidatePlan(raw)
	if err != nil {
		t.Fatalf("ValidatePlan failed: %v", err)
	}
	if len(p) != 2 {
		t.Fatalf("expected 2 surviving steps, got %d", len(p))
	}
	if p[0].Type != StepGoto || p[1].Type != StepClick {
		t.Errorf("wrong survivors: %s, %s", p[0].Type, p[1].Type)
	}
}

func TestValidatePlanShape(t *testing.T) {
	_, err := ValidatePlan(map[string]any{"type": "click"})
	if !IsMalformed(err) {
		t.Errorf("non-array plan should be malformed, got %v", err)
	}
}

func TestStepSignatureStable(t *testing.T) {
	a, _ := ValidateStep(map[string]any{"type": "input", "selector": "#q", "text": "hi"})
	b, _ := ValidateStep(map[string]any{"text": "hi", "type": "input", "selector": "#q"})
	if a.Signature() != b.Signature() {
		t.Errorf("signature depends on key order: %s vs %s", a.Signature(), b.Signature())
	}
	c, _ := ValidateStep(map[string]any{"type": "input", "selector": "#q", "text": "bye"})
	if a.Signature() == c.Signature() {
		t.Error("different steps must have different signatures")
	}
}

func TestErrorClassification(t *testing.T) {
	err := NewMissingFieldError(StepClick, "selector")
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatal("expected *Error")
	}
	if !errors.Is(err, &Error{Class: ErrorClassMissingField}) {
		t.Error("errors.Is by class failed")
	}
	if errors.Is(err, &Error{Class: ErrorClassUnknownType}) {
		t.Error("errors.Is matched the wrong class")
	}
}

func TestNeedsSelector(t *testing.T) {
	for _, tt := range []struct {
		t    StepType
		want bool
	}{
		{StepClick, true},
		{StepInput, true},
		{StepHover, true},
		{StepSelect, true},
		{StepCheck, true},
		{StepScrollToElement, true},
		{StepGoto, false},
		{StepWait, false},
		{StepWaitVisible, false},
	} {
		if got := NeedsSelector(tt.t); got != tt.want {
			t.Errorf("NeedsSelector(%s) = %v, want %v", tt.t, got, tt.want)
		}
	}
	if !NeedsVisible(StepClick) || NeedsVisible(StepInput) {
		t.Error("visibility probe set is click/hover only")
	}
}
