package governance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"adaptiverag/internal/config"
)

// ClickHouseAuditSink persists sealed governance summaries to ClickHouse,
// the audit trail spec §4.C12 expects G11 checkpoints to durably feed.
// Constructing one is optional: an empty DSN disables it entirely.
type ClickHouseAuditSink struct {
	conn    clickhouse.Conn
	table   string
	timeout time.Duration
}

// NewClickHouseAuditSink opens a connection from cfg.ClickHouseDSN. It
// returns (nil, nil) when the DSN is empty so callers can unconditionally
// wire the result without a nil-check branch at every call site.
func NewClickHouseAuditSink(ctx context.Context, cfg config.GovernanceConfig) (*ClickHouseAuditSink, error) {
	dsn := strings.TrimSpace(cfg.ClickHouseDSN)
	if dsn == "" {
		return nil, nil
	}
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &ClickHouseAuditSink{conn: conn, table: "governance_audit", timeout: 5 * time.Second}, nil
}

// Record appends one sealed summary as a row. Failures are the caller's to
// log and swallow — audit persistence must never fail an ask() request.
func (s *ClickHouseAuditSink) Record(ctx context.Context, summary Summary) error {
	if s == nil || s.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	criteria := make([]string, len(summary.ActiveCriteria))
	for i, c := range summary.ActiveCriteria {
		criteria[i] = string(c)
	}
	return s.conn.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (trace_id, operation_type, risk_tier, active_criteria, passed, warned, failed, duration_ms, started_at, ended_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", s.table),
		summary.TraceID, summary.OperationType, string(summary.RiskTier), criteria,
		summary.Passed, summary.Warned, summary.Failed, summary.DurationMS, summary.StartedAt, summary.EndedAt,
	)
}

// Close releases the underlying connection.
func (s *ClickHouseAuditSink) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
