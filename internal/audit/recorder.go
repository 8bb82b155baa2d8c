package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// Outcome enumerates what happened to a liquidation decision, mirroring the
// Executor decision points: dispatch, skip, competitor loss, revert, success.
type Outcome string

const (
	OutcomeDispatched      Outcome = "dispatched"
	OutcomeSkippedUnprofit Outcome = "skipped_unprofitable"
	OutcomeCompetitorBeat  Outcome = "competitor_beat"
	OutcomeReverted        Outcome = "reverted"
	OutcomeSucceeded       Outcome = "succeeded"
)

// Attempt is one recorded Executor decision.
type Attempt struct {
	CorrelationID string
	Timestamp     time.Time
	Chain         string
	Protocol      string
	User          string
	Outcome       Outcome
	ProfitUSD     float64
	GasCostUSD    float64
	TxHash        string
	Reason        string
}

const schema = `
CREATE TABLE IF NOT EXISTS execution_attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    correlation_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    chain TEXT NOT NULL,
    protocol TEXT NOT NULL,
    user TEXT NOT NULL,
    outcome TEXT NOT NULL,
    profit_usd REAL NOT NULL,
    gas_cost_usd REAL NOT NULL,
    tx_hash TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_execution_attempts_user ON execution_attempts(chain, protocol, user);
CREATE INDEX IF NOT EXISTS idx_execution_attempts_ts ON execution_attempts(timestamp);
`

// Recorder appends Executor decisions to a local SQLite table. A Recorder is
// additive and never gates the pipeline: callers treat Record's error as
// log-and-ignore, matching the ambient stack's "never blocks the hot path"
// posture used for metrics and webhook delivery elsewhere in this module.
type Recorder struct {
	db *sql.DB
}

// Open creates (or migrates) the audit database at path.
func Open(path string) (*Recorder, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("audit database path must be configured")
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

// Record appends one attempt. A fresh correlation ID is minted when the
// caller does not already have one to thread through logs.
func (r *Recorder) Record(ctx context.Context, a Attempt) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("audit recorder not configured")
	}
	if a.CorrelationID == "" {
		a.CorrelationID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO execution_attempts(correlation_id, timestamp, chain, protocol, user, outcome, profit_usd, gas_cost_usd, tx_hash, reason)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, a.CorrelationID, a.Timestamp.UTC(), strings.ToLower(a.Chain), strings.ToLower(a.Protocol), strings.ToLower(a.User), string(a.Outcome), a.ProfitUSD, a.GasCostUSD, a.TxHash, a.Reason)
	if err != nil {
		return fmt.Errorf("insert audit attempt: %w", err)
	}
	return nil
}

// RecentByUser returns the most recent attempts for a (chain, protocol, user)
// triple, newest first — used by operators diagnosing why a position was or
// wasn't liquidated.
func (r *Recorder) RecentByUser(ctx context.Context, chain, protocol, user string, limit int) ([]Attempt, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("audit recorder not configured")
	}
	rows, err := r.db.QueryContext(ctx, `
        SELECT correlation_id, timestamp, chain, protocol, user, outcome, profit_usd, gas_cost_usd, tx_hash, reason
        FROM execution_attempts
        WHERE chain = ? AND protocol = ? AND user = ?
        ORDER BY timestamp DESC
        LIMIT ?
    `, strings.ToLower(chain), strings.ToLower(protocol), strings.ToLower(user), limit)
	if err != nil {
		return nil, fmt.Errorf("query audit attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]Attempt, 0)
	for rows.Next() {
		var a Attempt
		var outcome string
		if err := rows.Scan(&a.CorrelationID, &a.Timestamp, &a.Chain, &a.Protocol, &a.User, &outcome, &a.ProfitUSD, &a.GasCostUSD, &a.TxHash, &a.Reason); err != nil {
			return nil, fmt.Errorf("scan audit attempt: %w", err)
		}
		a.Outcome = Outcome(outcome)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit attempts: %w", err)
	}
	return attempts, nil
}

// PruneBefore deletes attempts older than cutoff, returning how many rows
// were removed. Run on a daily schedule so the audit database stays bounded.
func (r *Recorder) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, fmt.Errorf("audit recorder not configured")
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM execution_attempts WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune audit attempts: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune audit attempts: %w", err)
	}
	return removed, nil
}

// Close releases the underlying database connection.
func (r *Recorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
