package governance

import (
	"context"
	"testing"

	"adaptiverag/internal/config"
)

func TestStart_SealsWithExactlyOnePolicyGateAndAudit(t *testing.T) {
	tr := NewTracker(nil)
	gc := tr.Start(context.Background(), "trace-1", "rag")
	gc.CheckRetrieval(3, "hybrid")
	summary := gc.Seal()

	var policyGates, audits, retrievals int
	for _, cp := range summary.Checkpoints {
		switch cp.Criterion {
		case G1:
			policyGates++
		case G11:
			audits++
		case G3:
			retrievals++
		}
	}
	if policyGates != 1 {
		t.Fatalf("expected exactly one policy_gate checkpoint, got %d", policyGates)
	}
	if audits != 1 {
		t.Fatalf("expected exactly one audit checkpoint, got %d", audits)
	}
	if retrievals < 1 {
		t.Fatalf("expected at least one retrieval checkpoint, got %d", retrievals)
	}
}

func TestSeal_MonotonicTimestamps(t *testing.T) {
	tr := NewTracker(nil)
	gc := tr.Start(context.Background(), "trace-1", "rag")
	gc.CheckRetrieval(1, "hybrid")
	gc.CheckEvidence(1, false)
	summary := gc.Seal()

	for i := 1; i < len(summary.Checkpoints); i++ {
		if summary.Checkpoints[i].Timestamp.Before(summary.Checkpoints[i-1].Timestamp) {
			t.Fatalf("checkpoint timestamps not monotone non-decreasing at index %d", i)
		}
	}
}

func TestCheckEvidence_ZeroCitationsOnCacheHitPasses(t *testing.T) {
	tr := NewTracker(nil)
	gc := tr.Start(context.Background(), "trace-1", "rag")
	gc.CheckEvidence(0, true)
	summary := gc.Seal()

	for _, cp := range summary.Checkpoints {
		if cp.Criterion == G4 {
			if cp.Status != Passed {
				t.Fatalf("expected zero-citation cache hit evidence checkpoint to pass, got %s", cp.Status)
			}
			return
		}
	}
	t.Fatalf("expected an evidence checkpoint")
}

func TestCheckLatency_OverrunIsWarningNotFailure(t *testing.T) {
	tr := NewTracker(nil)
	gc := tr.Start(context.Background(), "trace-1", "rag")
	gc.CheckLatency(config.GovernanceConfig{}, 20_000_000_000) // 20s, over the 10s R1 threshold
	summary := gc.Seal()

	for _, cp := range summary.Checkpoints {
		if cp.Criterion == G7 {
			if cp.Status == Failed {
				t.Fatalf("expected SLO overrun to be a warning, not a failure")
			}
			return
		}
	}
	t.Fatalf("expected a quality/SLO checkpoint")
}
