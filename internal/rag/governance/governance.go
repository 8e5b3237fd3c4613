// Package governance implements the audit/compliance tracker (C12): a
// per-request GovernanceContext that records an append-only checkpoint
// trail and seals into a summary embedded in the ask() response.
package governance

import (
	"context"
	"sync"
	"time"

	"adaptiverag/internal/config"
	"adaptiverag/internal/observability"
)

// RiskTier is spec §3's risk classification.
type RiskTier string

const (
	R0 RiskTier = "R0"
	R1 RiskTier = "R1"
	R2 RiskTier = "R2"
	R3 RiskTier = "R3"
)

// Criterion is one of the closed set G1..G12 spec §9 names.
type Criterion string

const (
	G1  Criterion = "policy_gate"
	G2  Criterion = "permission"
	G3  Criterion = "retrieval"
	G4  Criterion = "evidence"
	G5  Criterion = "generation"
	G6  Criterion = "privacy"
	G7  Criterion = "quality"
	G8  Criterion = "reliability"
	G9  Criterion = "data_governance"
	G10 Criterion = "dashboard"
	G11 Criterion = "audit"
	G12 Criterion = "cost"
)

// activeCriteria maps risk_tier -> active criteria, per spec §4.C12.
var activeCriteria = map[RiskTier][]Criterion{
	R0: {G1, G2, G6, G7, G11},
	R1: {G1, G2, G6, G7, G11, G3, G4, G5, G8, G9, G10, G12},
	R2: {G1, G2, G6, G7, G11, G3, G4, G5, G8, G9, G10, G12},
	R3: {G1, G2, G6, G7, G11, G3, G4, G5, G8, G9, G10, G12},
}

// operationRiskTier maps operation_type -> risk_tier, per spec §4.C12's
// example mapping ("rag -> R1, code -> R0").
var operationRiskTier = map[string]RiskTier{
	"rag":  R1,
	"code": R0,
}

// Status is a checkpoint's outcome.
type Status string

const (
	Passed  Status = "passed"
	Warning Status = "warning"
	Failed  Status = "failed"
)

// Checkpoint is spec §3's Checkpoint entity.
type Checkpoint struct {
	Criterion Criterion      `json:"criterion"`
	Status    Status         `json:"status"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Summary is the sealed, response-embedded governance record.
type Summary struct {
	TraceID        string       `json:"trace_id"`
	OperationType  string       `json:"operation_type"`
	RiskTier       RiskTier     `json:"risk_tier"`
	ActiveCriteria []Criterion  `json:"active_criteria"`
	Checkpoints    []Checkpoint `json:"checkpoints"`
	Passed         int          `json:"passed"`
	Warned         int          `json:"warned"`
	Failed         int          `json:"failed"`
	StartedAt      time.Time    `json:"started_at"`
	EndedAt        time.Time    `json:"ended_at"`
	DurationMS     int64        `json:"duration_ms"`
}

// Metrics is the observability sink for governance counters/gauges; a
// nil-safe no-op implementation is used when the caller doesn't wire one.
type Metrics interface {
	IncCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, map[string]string)             {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)      {}

// Context is a single request's governance trail. Construct via Tracker.Start.
type Context struct {
	mu sync.Mutex

	traceID       string
	operationType string
	riskTier      RiskTier
	active        map[Criterion]bool
	checkpoints   []Checkpoint
	startedAt     time.Time
	endedAt       time.Time

	metrics Metrics
}

// Checkpoint appends a checkpoint record and emits a labeled counter, per
// spec §4.C12 ("each checkpoint appends a record and emits a labeled
// counter increment").
func (c *Context) Checkpoint(criterion Criterion, status Status, message string, metadata map[string]any) {
	c.mu.Lock()
	cp := Checkpoint{Criterion: criterion, Status: status, Message: message, Metadata: metadata, Timestamp: time.Now()}
	c.checkpoints = append(c.checkpoints, cp)
	c.mu.Unlock()

	c.metrics.IncCounter("governance_checkpoints_total", map[string]string{
		"criterion": string(criterion), "status": string(status), "operation": c.operationType,
	})
}

// RiskTier reports the context's resolved risk tier.
func (c *Context) RiskTier() RiskTier { return c.riskTier }

// SLOThreshold returns the latency threshold (spec §4.C12: 10s for R1, 15s
// for R2+) used by the overrun-is-a-warning-not-a-failure rule.
func (c *Context) SLOThreshold(cfg config.GovernanceConfig) time.Duration {
	switch c.riskTier {
	case R1:
		if cfg.SLOWarnR1 > 0 {
			return cfg.SLOWarnR1
		}
		return 10 * time.Second
	default:
		if cfg.SLOWarnR2Plus > 0 {
			return cfg.SLOWarnR2Plus
		}
		return 15 * time.Second
	}
}

// CheckLatency records an SLO checkpoint: a warning (never a failure) if
// elapsed exceeds the tier's threshold.
func (c *Context) CheckLatency(cfg config.GovernanceConfig, elapsed time.Duration) {
	threshold := c.SLOThreshold(cfg)
	if elapsed > threshold {
		c.Checkpoint(G7, Warning, "operation exceeded SLO threshold", map[string]any{
			"elapsed_ms": elapsed.Milliseconds(), "threshold_ms": threshold.Milliseconds(),
		})
		return
	}
	c.Checkpoint(G7, Passed, "within SLO threshold", nil)
}

// CheckEvidence records the retrieval/evidence checkpoint. On R1 a zero
// citation count is "passed" with a note, per spec §4.C12 ("cache hits and
// synthesized answers are legitimate").
func (c *Context) CheckEvidence(numCitations int, cacheHit bool) {
	if numCitations == 0 {
		msg := "no citations retrieved"
		if cacheHit {
			msg = "answer served from cache; zero citations is expected"
		} else {
			msg = "zero citations; treated as legitimate for a synthesized answer"
		}
		c.Checkpoint(G4, Passed, msg, map[string]any{"num_citations": 0})
		return
	}
	c.Checkpoint(G4, Passed, "citations present", map[string]any{"num_citations": numCitations})
}

// CheckRetrieval records the retrieval checkpoint a strategy run must leave,
// satisfying spec §8's "at least one retrieval checkpoint when a strategy ran".
func (c *Context) CheckRetrieval(numChunks int, strategy string) {
	status := Passed
	msg := "retrieval returned chunks"
	if numChunks == 0 {
		status = Warning
		msg = "retrieval returned no chunks"
	}
	c.Checkpoint(G3, status, msg, map[string]any{"num_chunks": numChunks, "strategy": strategy})
}

// CheckGeneration records whether answer generation produced output.
func (c *Context) CheckGeneration(hasAnswer bool, kindOnFailure string) {
	if hasAnswer {
		c.Checkpoint(G5, Passed, "answer generated", nil)
		return
	}
	c.Checkpoint(G5, Failed, "answer generation failed", map[string]any{"kind": kindOnFailure})
}

// CheckReliability records a failure against the reliability criterion, for
// VECTOR_STORE_UNAVAILABLE-class errors per spec §7.
func (c *Context) CheckReliability(err error) {
	if err == nil {
		c.Checkpoint(G8, Passed, "backends reachable", nil)
		return
	}
	c.Checkpoint(G8, Failed, "backend unavailable", map[string]any{"error": err.Error()})
}

// Seal finalizes the context and returns its summary. Idempotent: calling it
// twice returns the same end time.
func (c *Context) Seal() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endedAt.IsZero() {
		c.endedAt = time.Now()
		// c.mu is already held, so the seal record is appended directly
		// rather than through Checkpoint, which takes the same lock.
		c.checkpoints = append(c.checkpoints, Checkpoint{Criterion: G11, Status: Passed, Message: "audit trail sealed", Timestamp: c.endedAt})
		c.metrics.IncCounter("governance_checkpoints_total", map[string]string{
			"criterion": string(G11), "status": string(Passed), "operation": c.operationType,
		})
	}

	var passed, warned, failed int
	active := make([]Criterion, 0, len(c.active))
	for crit := range c.active {
		active = append(active, crit)
	}
	for _, cp := range c.checkpoints {
		switch cp.Status {
		case Passed:
			passed++
		case Warning:
			warned++
		case Failed:
			failed++
		}
	}

	c.metrics.ObserveHistogram("governance_operation_latency_ms", float64(c.endedAt.Sub(c.startedAt).Milliseconds()),
		map[string]string{"operation": c.operationType, "risk_tier": string(c.riskTier)})
	for _, crit := range active {
		v := 1.0
		if failed > 0 {
			v = 0.0
		}
		c.metrics.SetGauge("governance_compliance", v, map[string]string{"criterion": string(crit), "risk_tier": string(c.riskTier)})
	}

	return Summary{
		TraceID: c.traceID, OperationType: c.operationType, RiskTier: c.riskTier,
		ActiveCriteria: active, Checkpoints: append([]Checkpoint{}, c.checkpoints...),
		Passed: passed, Warned: warned, Failed: failed,
		StartedAt: c.startedAt, EndedAt: c.endedAt,
		DurationMS: c.endedAt.Sub(c.startedAt).Milliseconds(),
	}
}

// Tracker constructs governance contexts.
type Tracker struct {
	metrics Metrics
}

// NewTracker constructs a Tracker. metrics may be nil to use a no-op sink.
func NewTracker(metrics Metrics) *Tracker {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Tracker{metrics: metrics}
}

// Start opens a new GovernanceContext for traceID/operationType, seeds its
// active criteria from the risk-tier mapping, and appends the mandatory
// (exactly-one) G1 policy_gate checkpoint, per spec §8's invariant.
func (t *Tracker) Start(ctx context.Context, traceID, operationType string) *Context {
	tier, ok := operationRiskTier[operationType]
	if !ok {
		tier = R1
	}
	active := make(map[Criterion]bool, len(activeCriteria[tier]))
	for _, c := range activeCriteria[tier] {
		active[c] = true
	}
	gc := &Context{
		traceID: traceID, operationType: operationType, riskTier: tier,
		active: active, startedAt: time.Now(), metrics: t.metrics,
	}
	gc.Checkpoint(G1, Passed, "policy gate evaluated", map[string]any{"operation_type": operationType})
	observability.LoggerWithTrace(ctx).Debug().Str("trace_id", traceID).Str("risk_tier", string(tier)).Msg("governance_context_started")
	return gc
}
