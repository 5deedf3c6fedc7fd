package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithContextFields(t *testing.T) {
	log := New("intake", "debug", "json")
	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithTenant(ctx, "tenant-a")
	ctx = WithIntent(ctx, "intent-9")

	entry := log.WithContext(ctx)
	assert.Equal(t, "trace-1", entry.Data["trace_id"])
	assert.Equal(t, "tenant-a", entry.Data["tenant"])
	assert.Equal(t, "intent-9", entry.Data["intent_id"])
	assert.Equal(t, "intake", entry.Data["service"])
}

func TestWithContextNoFields(t *testing.T) {
	log := New("intake", "info", "text")
	entry := log.WithContext(context.Background())
	_, ok := entry.Data["trace_id"]
	assert.False(t, ok)
}

func TestNamed(t *testing.T) {
	log := New("intake", "info", "json")
	worker := log.Named("evaluate-worker")
	entry := worker.WithContext(context.Background())
	assert.Equal(t, "evaluate-worker", entry.Data["service"])
}

func TestInvalidLevelDefaultsToInfo(t *testing.T) {
	log := New("intake", "not-a-level", "json")
	assert.Equal(t, "info", log.GetLevel().String())
}
