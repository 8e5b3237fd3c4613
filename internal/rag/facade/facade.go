// Package facade implements the RAG Facade (C14): the single public
// ask/submit_feedback surface spec §6 defines, orchestrating the
// classifier, bandit router, the four strategies, the answer cache, and
// the governance tracker behind it.
package facade

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"adaptiverag/internal/config"
	"adaptiverag/internal/observability"
	"adaptiverag/internal/rag/answercache"
	"adaptiverag/internal/rag/bandit"
	"adaptiverag/internal/rag/classify"
	"adaptiverag/internal/rag/feedback"
	"adaptiverag/internal/rag/governance"
	"adaptiverag/internal/rag/strategy"
	"adaptiverag/internal/ragerr"
)

// Response is spec §6's ask() return shape.
type Response struct {
	Answer            string                 `json:"answer"`
	Citations         []answercache.Citation `json:"citations"`
	QueryID           string                 `json:"query_id"`
	SelectedStrategy  string                 `json:"selected_strategy"`
	StrategyReason    string                 `json:"strategy_reason"`
	Confidence        float64                `json:"confidence"`
	QueryType         classify.QueryType     `json:"query_type"`
	Cached            bool                   `json:"cached"`
	NumChunksRetrieved int                   `json:"num_chunks_retrieved"`
	TotalTokens       int                    `json:"total_tokens"`
	Timings           map[string]int64       `json:"timings"`
	GovernanceContext governance.Summary     `json:"governance_context"`
}

// Facade is the sole public entry point: ask() and submit_feedback().
type Facade struct {
	Classifier *classify.Classifier
	Bandit     *bandit.Router
	Cache      *answercache.Cache
	Governance *governance.Tracker
	Audit      *governance.ClickHouseAuditSink
	Feedback   *feedback.Service
	History    *feedback.History

	Hybrid    strategy.Strategy
	Iterative strategy.Strategy
	Graph     strategy.Strategy
	Table     strategy.Strategy

	GovCfg     config.GovernanceConfig
	BudgetMSDefault int64
}

func (f *Facade) strategyFor(arm bandit.Arm) strategy.Strategy {
	switch arm {
	case bandit.ArmIterative:
		return f.Iterative
	case bandit.ArmGraph:
		return f.Graph
	case bandit.ArmTable:
		return f.Table
	default:
		return f.Hybrid
	}
}

func newQueryID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "q_" + hex.EncodeToString(b)
}

// Ask implements spec §6's ask(): cache consult -> classify -> bandit
// selection -> run the chosen strategy -> bandit update -> cache write,
// wrapped in a governance trail that seals on every return path.
func (f *Facade) Ask(ctx context.Context, question string, knobs strategy.Knobs) (Response, error) {
	if question == "" {
		return Response{}, ragerr.New(ragerr.InputValidation, "question must not be empty")
	}

	traceID := newQueryID()
	gc := f.Governance.Start(ctx, traceID, "rag")
	start := time.Now()

	seal := func(resp Response) Response {
		budget := f.BudgetMSDefault
		if budget <= 0 {
			budget = 8000
		}
		gc.CheckLatency(f.GovCfg, time.Since(start))
		summary := gc.Seal()
		if f.Audit != nil {
			_ = f.Audit.Record(ctx, summary)
		}
		resp.GovernanceContext = summary
		resp.QueryID = traceID
		return resp
	}

	if f.Cache != nil {
		if hit, ok := f.Cache.Lookup(ctx, question); ok {
			gc.CheckEvidence(len(hit.Entry.Citations), true)
			gc.CheckRetrieval(len(hit.Entry.Citations), "cached")
			f.History.Push(feedback.HistoryEntry{
				QueryID: traceID, Query: question, IsCached: true, CacheLayer: hit.Layer,
				AutomatedReward: hit.Similarity, Timestamp: time.Now(),
			})
			return seal(Response{
				Answer: hit.Entry.Answer, Citations: hit.Entry.Citations, Cached: true,
				Confidence: hit.Similarity, NumChunksRetrieved: len(hit.Entry.Citations),
				SelectedStrategy: "cached", StrategyReason: "cache_layer_" + strconv.Itoa(int(hit.Layer)),
			}), nil
		}
	}

	record := f.Classifier.Classify(ctx, question)

	available := bandit.AvailableArms(string(record.QueryType))
	isFactual := record.QueryType == classify.FactualDetail
	selection := f.Bandit.Select(ctx, available, record.StrongGraphCue, record.StrongTableCue, isFactual)

	strat := f.strategyFor(selection.Arm)
	result, err := strat.Run(ctx, question, knobs)
	if err != nil {
		gc.CheckGeneration(false, string(ragerr.KindOf(err)))
		gc.CheckReliability(err)
		_ = seal(Response{})
		return Response{}, err
	}

	gc.CheckRetrieval(result.NumChunksRetrieved, string(selection.Arm))
	gc.CheckEvidence(len(result.Citations), false)
	gc.CheckGeneration(result.Answer != "", "")
	gc.CheckReliability(nil)

	reward := bandit.Reward(result.Confidence, result.NumChunksRetrieved > 0, time.Since(start).Milliseconds(), f.BudgetMSDefault)
	f.Bandit.Update(ctx, selection.Arm, reward)

	if f.Cache != nil && answercache.QualityGate(result.Citations, result.NumChunksRetrieved) {
		f.Cache.Put(ctx, question, result.Answer, result.Citations)
	}

	f.History.Push(feedback.HistoryEntry{
		QueryID: traceID, Query: question, ChosenArm: selection.Arm,
		AutomatedReward: reward, Timestamp: time.Now(),
	})

	observability.LoggerWithTrace(ctx).Info().Str("trace_id", traceID).Str("strategy", string(selection.Arm)).
		Str("query_type", string(record.QueryType)).Float64("confidence", result.Confidence).Msg("ask_completed")

	return seal(Response{
		Answer: result.Answer, Citations: result.Citations, Confidence: result.Confidence,
		QueryType: record.QueryType, SelectedStrategy: string(selection.Arm), StrategyReason: selection.Reason,
		NumChunksRetrieved: result.NumChunksRetrieved, TotalTokens: result.TotalTokens, Timings: result.Timings,
	}), nil
}

// SubmitFeedback implements spec §6's submit_feedback().
func (f *Facade) SubmitFeedback(ctx context.Context, queryID string, rating float64, comment string) (feedback.Response, error) {
	return f.Feedback.Submit(ctx, queryID, rating, comment)
}
