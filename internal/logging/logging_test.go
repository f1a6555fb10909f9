package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithOperationIDTagsLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	Replace(zap.New(core))
	defer InitDefault()

	ctx := WithOperationID(context.Background(), "op-1")
	if got := GetOperationID(ctx); got != "op-1" {
		t.Fatalf("GetOperationID = %q, want op-1", got)
	}

	WithContext(ctx).Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if v := entries[0].ContextMap()["operation_id"]; v != "op-1" {
		t.Errorf("operation_id field = %v, want op-1", v)
	}
}

func TestWithContextFallsBackToGlobal(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	Replace(zap.New(core))
	defer InitDefault()

	WithContext(context.Background()).Info("global")
	if logs.Len() != 1 {
		t.Fatalf("expected global logger to receive entry, got %d", logs.Len())
	}
}

func TestNewOperationIDUnique(t *testing.T) {
	a, b := NewOperationID(), NewOperationID()
	if a == "" || a == b {
		t.Errorf("operation ids not unique: %q %q", a, b)
	}
}
