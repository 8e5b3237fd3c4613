// Package feedback implements the feedback loop (C13): a bounded query
// history ring the facade populates per ask() call, and submit_feedback's
// blended-reward re-application to the bandit.
package feedback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"adaptiverag/internal/config"
	"adaptiverag/internal/observability"
	"adaptiverag/internal/rag/answercache"
	"adaptiverag/internal/rag/bandit"
	"adaptiverag/internal/ragerr"
)

// HistoryEntry is one past ask() call's record, keyed by query_id, spec §3's
// QueryHistoryEntry. ChosenArm is empty when the answer was cache-served.
type HistoryEntry struct {
	QueryID         string
	Query           string
	ChosenArm       bandit.Arm
	IsCached        bool
	CacheLayer      answercache.Layer
	AutomatedReward float64
	Timestamp       time.Time
	FeedbackApplied bool
}

// History is a bounded, LRU-by-insertion-order ring of recent queries,
// looked up by query_id when feedback arrives.
type History struct {
	mu      sync.Mutex
	maxSize int
	byID    map[string]*HistoryEntry
	order   []string
}

func NewHistory(cfg config.FeedbackConfig) *History {
	size := cfg.HistorySize
	if size <= 0 {
		size = 1000
	}
	return &History{maxSize: size, byID: make(map[string]*HistoryEntry)}
}

// Push records a new entry, evicting the oldest if the ring is full.
func (h *History) Push(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.byID[e.QueryID]; !exists {
		h.order = append(h.order, e.QueryID)
	}
	cp := e
	h.byID[e.QueryID] = &cp
	for len(h.order) > h.maxSize {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.byID, oldest)
	}
}

// Get returns a copy of the entry for queryID, or false if it has aged out
// or never existed.
func (h *History) Get(queryID string) (HistoryEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.byID[queryID]
	if !ok {
		return HistoryEntry{}, false
	}
	return *e, true
}

func (h *History) markApplied(queryID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.byID[queryID]; ok {
		e.FeedbackApplied = true
	}
}

// Response is submit_feedback's spec §6 return shape.
type Response struct {
	StrategyUpdated bool   `json:"strategy_updated"`
	BanditUpdated   bool   `json:"bandit_updated"`
	Message         string `json:"message"`
}

// Service wires the bandit, answer cache, and event publication that
// submit_feedback needs, per spec §4.C13.
type Service struct {
	History *History
	Bandit  *bandit.Router
	Cache   *answercache.Cache

	writer *kafka.Writer // optional; nil disables event publication
	topic  string
}

// NewService constructs a Service, wiring an optional Kafka writer when
// cfg.KafkaBrokers is non-empty (spec §4.C13's "feedback events may be
// published to an event bus").
func NewService(cfg config.FeedbackConfig, hist *History, router *bandit.Router, cache *answercache.Cache) *Service {
	s := &Service{History: hist, Bandit: router, Cache: cache, topic: cfg.KafkaTopic}
	if len(cfg.KafkaBrokers) > 0 {
		s.writer = &kafka.Writer{
			Addr:     kafka.TCP(cfg.KafkaBrokers...),
			Topic:    cfg.KafkaTopic,
			Balancer: &kafka.LeastBytes{},
		}
	}
	return s
}

// Submit implements spec §4.C13's decision table:
//   - query_id not found -> FEEDBACK_NOT_FOUND
//   - cache-served entry, rating < 0.5 -> invalidate cache, bandit_updated=false
//   - cache-served entry, rating >= 0.5 -> acknowledge, no changes
//   - strategy-served entry -> blend final = 0.7*rating + 0.3*automated_reward,
//     re-applied to the recorded arm
//
// Each entry accepts feedback exactly once; a second submission for the same
// query_id is acknowledged without reapplying the bandit update.
func (s *Service) Submit(ctx context.Context, queryID string, rating float64, comment string) (Response, error) {
	entry, ok := s.History.Get(queryID)
	if !ok {
		return Response{}, ragerr.New(ragerr.FeedbackNotFound, fmt.Sprintf("no query found for query_id %q", queryID))
	}

	logger := observability.LoggerWithTrace(ctx)
	if entry.FeedbackApplied {
		return Response{StrategyUpdated: false, BanditUpdated: false, Message: "feedback already recorded for this query"}, nil
	}

	if entry.IsCached {
		if rating < 0.5 {
			if s.Cache != nil {
				s.Cache.Invalidate(ctx, entry.Query)
			}
			s.History.markApplied(queryID)
			s.publish(ctx, queryID, rating, comment, false)
			return Response{StrategyUpdated: true, BanditUpdated: false, Message: "cached answer invalidated due to low rating"}, nil
		}
		s.History.markApplied(queryID)
		s.publish(ctx, queryID, rating, comment, false)
		return Response{StrategyUpdated: false, BanditUpdated: false, Message: "positive feedback acknowledged for cached answer"}, nil
	}

	final := 0.7*clamp01(rating) + 0.3*clamp01(entry.AutomatedReward)
	if s.Bandit != nil && entry.ChosenArm != "" {
		s.Bandit.Update(ctx, entry.ChosenArm, final)
	}
	s.History.markApplied(queryID)
	s.publish(ctx, queryID, rating, comment, true)
	logger.Debug().Str("query_id", queryID).Str("arm", string(entry.ChosenArm)).Float64("final_reward", final).Msg("feedback_applied")

	return Response{StrategyUpdated: true, BanditUpdated: true, Message: "feedback applied to strategy router"}, nil
}

func (s *Service) publish(ctx context.Context, queryID string, rating float64, comment string, banditUpdated bool) {
	if s.writer == nil {
		return
	}
	payload := fmt.Sprintf(`{"query_id":%q,"rating":%f,"comment":%q,"bandit_updated":%t}`, queryID, rating, comment, banditUpdated)
	if err := s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(queryID), Value: []byte(payload)}); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("feedback_event_publish_failed")
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
