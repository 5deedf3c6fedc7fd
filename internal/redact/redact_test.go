package redact

import (
	"fmt"
	"strings"
	"testing"

	"github.com/vorion/intentengine/internal/apierrors"
)

func TestApplyRedactsMatchedPath(t *testing.T) {
	data := map[string]interface{}{
		"context": map[string]interface{}{
			"ssn":  "123-45-6789",
			"note": "hello",
		},
	}
	out := Apply(data, []string{"$.context.ssn"})
	ctx := out["context"].(map[string]interface{})
	if ctx["ssn"] != Placeholder {
		t.Fatalf("expected ssn to be redacted, got %v", ctx["ssn"])
	}
	if ctx["note"] != "hello" {
		t.Fatal("unrelated field must be untouched")
	}
}

func TestApplyLeavesOriginalUntouched(t *testing.T) {
	data := map[string]interface{}{"context": map[string]interface{}{"ssn": "123"}}
	Apply(data, []string{"$.context.ssn"})
	ctx := data["context"].(map[string]interface{})
	if ctx["ssn"] != "123" {
		t.Fatal("Apply must not mutate its input")
	}
}

func TestApplyIgnoresNonMatchingPath(t *testing.T) {
	data := map[string]interface{}{"context": map[string]interface{}{"note": "hello"}}
	out := Apply(data, []string{"$.context.missing"})
	ctx := out["context"].(map[string]interface{})
	if ctx["note"] != "hello" {
		t.Fatal("unrelated field must survive a non-matching path")
	}
}

func TestValidateShapeRejectsTooManyTopLevelKeys(t *testing.T) {
	ctx := make(map[string]interface{}, 101)
	for i := 0; i < 101; i++ {
		ctx[fmt.Sprintf("k%d", i)] = "v"
	}
	err := ValidateShape(ctx, map[string]interface{}{})
	if err == nil {
		t.Fatal("expected key-count validation error")
	}
	apiErr, ok := apierrors.As(err)
	if !ok || apiErr.Code != apierrors.CodeValidation {
		t.Fatalf("expected VALIDATION error, got %v", err)
	}
}

func TestValidateShapeRejectsLongString(t *testing.T) {
	ctx := map[string]interface{}{"big": strings.Repeat("x", 10001)}
	if err := ValidateShape(ctx, map[string]interface{}{}); err == nil {
		t.Fatal("expected string-length validation error")
	}
}

func TestValidateShapeAcceptsWithinBounds(t *testing.T) {
	ctx := map[string]interface{}{"goal": "do the thing"}
	if err := ValidateShape(ctx, map[string]interface{}{}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestContextSizeBytes(t *testing.T) {
	size := ContextSizeBytes(map[string]interface{}{"a": "b"})
	if size == 0 {
		t.Fatal("expected non-zero size")
	}
}
