package governance

import (
	"context"
	"testing"

	"adaptiverag/internal/config"
)

func TestNewClickHouseAuditSink_EmptyDSNReturnsNilSink(t *testing.T) {
	sink, err := NewClickHouseAuditSink(context.Background(), config.GovernanceConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink != nil {
		t.Fatalf("expected a nil sink when ClickHouseDSN is empty, got %+v", sink)
	}
}

func TestNewClickHouseAuditSink_InvalidDSNErrors(t *testing.T) {
	_, err := NewClickHouseAuditSink(context.Background(), config.GovernanceConfig{ClickHouseDSN: "not-a-valid-dsn://\x00"})
	if err == nil {
		t.Fatalf("expected an error for a malformed DSN")
	}
}

func TestClickHouseAuditSink_NilReceiverIsNoOp(t *testing.T) {
	var sink *ClickHouseAuditSink
	if err := sink.Record(context.Background(), Summary{}); err != nil {
		t.Fatalf("expected nil-receiver Record to be a no-op, got %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("expected nil-receiver Close to be a no-op, got %v", err)
	}
}
