package feedback

import (
	"context"
	"testing"

	"adaptiverag/internal/config"
	"adaptiverag/internal/rag/answercache"
	"adaptiverag/internal/rag/bandit"
)

func TestHistory_PushAndGetRoundTrips(t *testing.T) {
	h := NewHistory(config.FeedbackConfig{})
	h.Push(HistoryEntry{QueryID: "q1", Query: "what year?", ChosenArm: bandit.ArmHybrid})

	got, ok := h.Get("q1")
	if !ok {
		t.Fatalf("expected entry to be found")
	}
	if got.Query != "what year?" {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestHistory_EvictsOldestPastMaxSize(t *testing.T) {
	h := NewHistory(config.FeedbackConfig{HistorySize: 2})
	h.Push(HistoryEntry{QueryID: "q1"})
	h.Push(HistoryEntry{QueryID: "q2"})
	h.Push(HistoryEntry{QueryID: "q3"})

	if _, ok := h.Get("q1"); ok {
		t.Fatalf("expected oldest entry to be evicted")
	}
	if _, ok := h.Get("q3"); !ok {
		t.Fatalf("expected newest entry to remain")
	}
}

func TestSubmit_UnknownQueryIDErrors(t *testing.T) {
	h := NewHistory(config.FeedbackConfig{})
	svc := NewService(config.FeedbackConfig{}, h, bandit.NewRouter(config.BanditConfig{}), nil)

	if _, err := svc.Submit(context.Background(), "missing", 1.0, ""); err == nil {
		t.Fatalf("expected an error for an unknown query_id")
	}
}

func TestSubmit_SecondSubmissionDoesNotReapply(t *testing.T) {
	h := NewHistory(config.FeedbackConfig{})
	router := bandit.NewRouter(config.BanditConfig{})
	svc := NewService(config.FeedbackConfig{}, h, router, nil)
	h.Push(HistoryEntry{QueryID: "q1", Query: "q", ChosenArm: bandit.ArmHybrid, AutomatedReward: 0.5})

	first, err := svc.Submit(context.Background(), "q1", 1.0, "")
	if err != nil || !first.BanditUpdated {
		t.Fatalf("expected first submission to update the bandit, got %+v err=%v", first, err)
	}

	second, err := svc.Submit(context.Background(), "q1", 0.0, "")
	if err != nil {
		t.Fatalf("unexpected error on resubmission: %v", err)
	}
	if second.BanditUpdated || second.StrategyUpdated {
		t.Fatalf("expected resubmission to be a no-op acknowledgement, got %+v", second)
	}
}

func TestSubmit_CachedLowRatingInvalidatesCache(t *testing.T) {
	h := NewHistory(config.FeedbackConfig{})
	cache, err := answercache.New(config.CacheConfig{}, nil)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	ctx := context.Background()
	cache.Put(ctx, "what year was it?", "1813.", []answercache.Citation{{Source: "x", Score: 0.9}})

	svc := NewService(config.FeedbackConfig{}, h, bandit.NewRouter(config.BanditConfig{}), cache)
	h.Push(HistoryEntry{QueryID: "q1", Query: "what year was it?", IsCached: true})

	resp, err := svc.Submit(ctx, "q1", 0.1, "wrong answer")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.BanditUpdated {
		t.Fatalf("expected bandit_updated=false for a cache-served entry")
	}
	if !resp.StrategyUpdated {
		t.Fatalf("expected strategy_updated=true when the cache entry is invalidated")
	}
	if _, ok := cache.Lookup(ctx, "what year was it?"); ok {
		t.Fatalf("expected cache entry to be invalidated after low rating")
	}
}

func TestSubmit_CachedHighRatingLeavesCacheIntact(t *testing.T) {
	h := NewHistory(config.FeedbackConfig{})
	cache, err := answercache.New(config.CacheConfig{}, nil)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	ctx := context.Background()
	cache.Put(ctx, "what year was it?", "1813.", []answercache.Citation{{Source: "x", Score: 0.9}})

	svc := NewService(config.FeedbackConfig{}, h, bandit.NewRouter(config.BanditConfig{}), cache)
	h.Push(HistoryEntry{QueryID: "q1", Query: "what year was it?", IsCached: true})

	resp, err := svc.Submit(ctx, "q1", 0.9, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.StrategyUpdated || resp.BanditUpdated {
		t.Fatalf("expected no changes for a positively-rated cache hit, got %+v", resp)
	}
	if _, ok := cache.Lookup(ctx, "what year was it?"); !ok {
		t.Fatalf("expected cache entry to remain after a positive rating")
	}
}

func TestSubmit_StrategyServedBlendsRatingAndAutomatedReward(t *testing.T) {
	h := NewHistory(config.FeedbackConfig{})
	router := bandit.NewRouter(config.BanditConfig{})
	before := router.Snapshot()[bandit.ArmHybrid]

	svc := NewService(config.FeedbackConfig{}, h, router, nil)
	h.Push(HistoryEntry{QueryID: "q1", Query: "q", ChosenArm: bandit.ArmHybrid, AutomatedReward: 0.4})

	resp, err := svc.Submit(context.Background(), "q1", 1.0, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !resp.BanditUpdated || !resp.StrategyUpdated {
		t.Fatalf("expected both flags true for a strategy-served entry, got %+v", resp)
	}
	after := router.Snapshot()[bandit.ArmHybrid]
	if after.Alpha+after.Beta != before.Alpha+before.Beta+1 {
		t.Fatalf("expected exactly one bandit update to be applied")
	}
}
