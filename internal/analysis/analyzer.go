// Package analysis runs the security analysis catalogue over imported
// audit events. Every query goes through the resilient executor; the
// throttle behind it bounds actual database concurrency while the
// catalogue itself fans out.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"auditscope/internal/config"
	"auditscope/internal/executor"
)

// Result caps, carried over from the report this catalogue replaces.
const (
	failedLoginLimit          = 1000
	privOpsByUserLimit        = 500
	privOpsDetailLimit        = 1000
	privLoginDetailLimit      = 1000
	operationStatsLimit       = 100
	errorCodeLimit            = 100
	afterHoursDetailLimit     = 50
	nonWhitelistedDetailLimit = 1000
	queryClipLength           = 200
)

// QueryRunner executes one request. The resilient executor satisfies
// it.
type QueryRunner interface {
	Execute(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// Options configure the catalogue's thresholds and membership lists.
// An empty list disables its analysis: the result is zero-valued and no
// query is issued.
type Options struct {
	FailedLoginThreshold int
	PrivilegedKeywords   []string
	PrivilegedUsers      []string
	AfterHoursUsers      []string
	AllowedIPs           []string
	WorkHourStart        int
	WorkHourEnd          int
}

// Analyzer runs the catalogue.
type Analyzer struct {
	runner QueryRunner
	opts   Options
	log    *slog.Logger
}

// New creates an Analyzer.
func New(runner QueryRunner, opts Options, log *slog.Logger) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{runner: runner, opts: opts, log: log}
}

// Run executes the full catalogue for the period. A presence precheck
// short-circuits an empty period without issuing analysis queries.
// Individual analysis failures land in Report.Failures; only the
// precheck itself can fail the run.
func (a *Analyzer) Run(ctx context.Context, p Period) (*Report, error) {
	report := &Report{Period: p, Failures: make(map[string]error)}

	lo, hi := p.Bounds()
	res, err := a.query(ctx, "SELECT COUNT(*) FROM audit_log WHERE timestamp BETWEEN $1 AND $2",
		[]any{lo, hi}, executor.SingleRow{})
	if err != nil {
		return nil, fmt.Errorf("presence check for %s: %w", p, err)
	}
	if scalar(res) == 0 {
		a.log.Info("no audit events in period, skipping analysis", "period", p.String())
		report.Empty = true
		return report, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	step := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			start := time.Now()
			if err := fn(gctx); err != nil {
				a.log.Error("analysis failed", "analysis", name, "error", err)
				mu.Lock()
				report.Failures[name] = err
				mu.Unlock()
				return nil
			}
			a.log.Info("analysis complete", "analysis", name, "duration", time.Since(start))
			return nil
		})
	}

	step("summary", func(ctx context.Context) error {
		r, err := a.Summary(ctx, p)
		report.Summary = r
		return err
	})
	step("failed_logins", func(ctx context.Context) error {
		r, err := a.FailedLogins(ctx, p)
		report.FailedLogins = r
		return err
	})
	step("privileged_operations", func(ctx context.Context) error {
		r, err := a.PrivilegedOps(ctx, p)
		report.PrivilegedOps = r
		return err
	})
	step("privileged_logins", func(ctx context.Context) error {
		r, err := a.PrivilegedLogins(ctx, p)
		report.PrivilegedLogins = r
		return err
	})
	step("operation_stats", func(ctx context.Context) error {
		r, err := a.OperationStats(ctx, p)
		report.OperationStats = r
		return err
	})
	step("error_stats", func(ctx context.Context) error {
		r, err := a.ErrorStats(ctx, p)
		report.ErrorStats = r
		return err
	})
	step("after_hours", func(ctx context.Context) error {
		r, err := a.AfterHours(ctx, p)
		report.AfterHours = r
		return err
	})
	step("non_whitelisted_ips", func(ctx context.Context) error {
		r, err := a.NonWhitelistedIPs(ctx, p)
		report.NonWhitelistedIPs = r
		return err
	})

	g.Wait()
	return report, nil
}

// Summary counts events and distinct identities for the period.
func (a *Analyzer) Summary(ctx context.Context, p Period) (*Summary, error) {
	lo, hi := p.Bounds()
	res, err := a.query(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT username), COUNT(DISTINCT host) FROM audit_log WHERE timestamp BETWEEN $1 AND $2",
		[]any{lo, hi}, executor.SingleRow{})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return &Summary{}, nil
	}
	row := res.Rows[0]
	return &Summary{
		TotalEvents: toInt64(row[0]),
		UniqueUsers: toInt64(row[1]),
		UniqueHosts: toInt64(row[2]),
	}, nil
}

// FailedLogins groups CONNECT failures by user and source IP, keeping
// groups at or above the threshold.
func (a *Analyzer) FailedLogins(ctx context.Context, p Period) (*FailedLogins, error) {
	lo, hi := p.Bounds()
	threshold := a.opts.FailedLoginThreshold

	byUser, err := a.query(ctx, fmt.Sprintf(
		`SELECT username, COUNT(*) AS fail_count
		FROM audit_log
		WHERE operation = 'CONNECT' AND retcode <> 0 AND timestamp BETWEEN $1 AND $2
		GROUP BY username
		HAVING COUNT(*) >= $3
		ORDER BY fail_count DESC
		LIMIT %d`, failedLoginLimit),
		[]any{lo, hi, threshold}, executor.Batch{Size: failedLoginLimit})
	if err != nil {
		return nil, err
	}

	byIP, err := a.query(ctx, fmt.Sprintf(
		`SELECT host, COUNT(*) AS fail_count
		FROM audit_log
		WHERE operation = 'CONNECT' AND retcode <> 0 AND timestamp BETWEEN $1 AND $2
		GROUP BY host
		HAVING COUNT(*) >= $3
		ORDER BY fail_count DESC
		LIMIT %d`, failedLoginLimit),
		[]any{lo, hi, threshold}, executor.Batch{Size: failedLoginLimit})
	if err != nil {
		return nil, err
	}

	total, err := a.query(ctx,
		"SELECT COUNT(*) FROM audit_log WHERE operation = 'CONNECT' AND retcode <> 0 AND timestamp BETWEEN $1 AND $2",
		[]any{lo, hi}, executor.SingleRow{})
	if err != nil {
		return nil, err
	}

	return &FailedLogins{
		Total:  scalar(total),
		ByUser: userCounts(byUser),
		ByIP:   hostCounts(byIP),
	}, nil
}

// PrivilegedOps finds statements matching any configured keyword.
func (a *Analyzer) PrivilegedOps(ctx context.Context, p Period) (*PrivilegedOps, error) {
	keywords := clipList(a.opts.PrivilegedKeywords)
	if len(keywords) == 0 {
		return &PrivilegedOps{}, nil
	}

	lo, hi := p.Bounds()
	args := []any{lo, hi}
	conds := make([]string, len(keywords))
	for i, k := range keywords {
		args = append(args, "%"+strings.ToUpper(strings.TrimSpace(k))+"%")
		conds[i] = fmt.Sprintf("UPPER(query) LIKE $%d", len(args))
	}
	match := strings.Join(conds, " OR ")

	byUser, err := a.query(ctx, fmt.Sprintf(
		`SELECT username, COUNT(*) AS cnt
		FROM audit_log
		WHERE operation = 'QUERY' AND (%s) AND timestamp BETWEEN $1 AND $2
		GROUP BY username
		ORDER BY cnt DESC
		LIMIT %d`, match, privOpsByUserLimit),
		args, executor.Batch{Size: privOpsByUserLimit})
	if err != nil {
		return nil, err
	}

	total, err := a.query(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM audit_log WHERE operation = 'QUERY' AND (%s) AND timestamp BETWEEN $1 AND $2", match),
		args, executor.SingleRow{})
	if err != nil {
		return nil, err
	}

	details, err := a.query(ctx, fmt.Sprintf(
		`SELECT username,
			CASE WHEN char_length(query) > %d THEN left(query, %d) || '...' ELSE query END AS query_short,
			timestamp
		FROM audit_log
		WHERE operation = 'QUERY' AND (%s) AND timestamp BETWEEN $1 AND $2
		ORDER BY timestamp DESC
		LIMIT %d`, queryClipLength, queryClipLength, match, privOpsDetailLimit),
		args, executor.Batch{Size: privOpsDetailLimit})
	if err != nil {
		return nil, err
	}

	out := &PrivilegedOps{
		Total:  scalar(total),
		ByUser: userCounts(byUser),
	}
	for _, row := range details.Rows {
		out.Details = append(out.Details, PrivilegedOp{
			Username:  toString(row[0]),
			Query:     toString(row[1]),
			Timestamp: toString(row[2]),
		})
	}
	out.DetailsTruncated = out.Total > int64(len(out.Details))
	return out, nil
}

// PrivilegedLogins covers CONNECT events by the configured users.
func (a *Analyzer) PrivilegedLogins(ctx context.Context, p Period) (*PrivilegedLogins, error) {
	users := clipList(a.opts.PrivilegedUsers)
	if len(users) == 0 {
		return &PrivilegedLogins{}, nil
	}

	lo, hi := p.Bounds()
	args := []any{lo, hi, users}

	byUser, err := a.query(ctx,
		`SELECT username, COUNT(*) AS cnt
		FROM audit_log
		WHERE operation = 'CONNECT' AND username = ANY($3) AND timestamp BETWEEN $1 AND $2
		GROUP BY username
		ORDER BY cnt DESC`,
		args, executor.Batch{})
	if err != nil {
		return nil, err
	}

	details, err := a.query(ctx, fmt.Sprintf(
		`SELECT username, host, timestamp
		FROM audit_log
		WHERE operation = 'CONNECT' AND username = ANY($3) AND timestamp BETWEEN $1 AND $2
		ORDER BY timestamp DESC
		LIMIT %d`, privLoginDetailLimit),
		args, executor.Batch{Size: privLoginDetailLimit})
	if err != nil {
		return nil, err
	}

	total, err := a.query(ctx,
		"SELECT COUNT(*) FROM audit_log WHERE operation = 'CONNECT' AND username = ANY($3) AND timestamp BETWEEN $1 AND $2",
		args, executor.SingleRow{})
	if err != nil {
		return nil, err
	}

	out := &PrivilegedLogins{
		Total:  scalar(total),
		ByUser: userCounts(byUser),
	}
	for _, row := range details.Rows {
		out.Details = append(out.Details, LoginDetail{
			Username:  toString(row[0]),
			Host:      toString(row[1]),
			Timestamp: toString(row[2]),
		})
	}
	out.DetailsTruncated = out.Total > int64(len(out.Details))
	return out, nil
}

// OperationStats groups events by operation type.
func (a *Analyzer) OperationStats(ctx context.Context, p Period) ([]OperationCount, error) {
	lo, hi := p.Bounds()
	res, err := a.query(ctx, fmt.Sprintf(
		`SELECT operation, COUNT(*) AS cnt
		FROM audit_log
		WHERE timestamp BETWEEN $1 AND $2
		GROUP BY operation
		ORDER BY cnt DESC
		LIMIT %d`, operationStatsLimit),
		[]any{lo, hi}, executor.Batch{Size: operationStatsLimit})
	if err != nil {
		return nil, err
	}

	var out []OperationCount
	for _, row := range res.Rows {
		out = append(out, OperationCount{
			Operation: toString(row[0]),
			Count:     toInt64(row[1]),
		})
	}
	return out, nil
}

// ErrorStats groups failed events by return code, CHANGEUSER excluded.
func (a *Analyzer) ErrorStats(ctx context.Context, p Period) (*ErrorStats, error) {
	lo, hi := p.Bounds()

	byCode, err := a.query(ctx, fmt.Sprintf(
		`SELECT retcode, COUNT(*) AS cnt
		FROM audit_log
		WHERE retcode <> 0 AND operation <> 'CHANGEUSER' AND timestamp BETWEEN $1 AND $2
		GROUP BY retcode
		ORDER BY cnt DESC
		LIMIT %d`, errorCodeLimit),
		[]any{lo, hi}, executor.Batch{Size: errorCodeLimit})
	if err != nil {
		return nil, err
	}

	total, err := a.query(ctx,
		"SELECT COUNT(*) FROM audit_log WHERE retcode <> 0 AND operation <> 'CHANGEUSER' AND timestamp BETWEEN $1 AND $2",
		[]any{lo, hi}, executor.SingleRow{})
	if err != nil {
		return nil, err
	}

	out := &ErrorStats{Total: scalar(total)}
	for _, row := range byCode.Rows {
		out.ByCode = append(out.ByCode, ErrorCount{
			Retcode: toInt64(row[0]),
			Count:   toInt64(row[1]),
		})
	}
	return out, nil
}

// AfterHours filters the configured users' events to weekends and
// hours outside [WorkHourStart, WorkHourEnd). The time filter runs
// client-side over the parsed timestamps; rows with unparseable
// timestamps are skipped.
func (a *Analyzer) AfterHours(ctx context.Context, p Period) (*AfterHours, error) {
	users := clipList(a.opts.AfterHoursUsers)
	if len(users) == 0 {
		return &AfterHours{}, nil
	}

	lo, hi := p.Bounds()
	res, err := a.query(ctx,
		`SELECT username, host, operation, timestamp
		FROM audit_log
		WHERE username = ANY($3) AND timestamp BETWEEN $1 AND $2`,
		[]any{lo, hi, users}, executor.BoundedMaterialize{})
	if err != nil {
		return nil, err
	}
	if res.Truncated {
		a.log.Warn("after-hours scan truncated, totals are a lower bound", "period", p.String())
	}

	out := &AfterHours{}
	for _, row := range res.Rows {
		ts, err := time.Parse(timestampLayout, toString(row[3]))
		if err != nil {
			continue
		}
		wd := ts.Weekday()
		offHours := wd == time.Saturday || wd == time.Sunday ||
			ts.Hour() < a.opts.WorkHourStart || ts.Hour() >= a.opts.WorkHourEnd
		if !offHours {
			continue
		}
		out.Total++
		if len(out.Details) < afterHoursDetailLimit {
			out.Details = append(out.Details, AccessDetail{
				Username:  toString(row[0]),
				Host:      toString(row[1]),
				Operation: toString(row[2]),
				Timestamp: ts.Format("2006-01-02 15:04:05"),
			})
		}
	}
	return out, nil
}

// NonWhitelistedIPs covers events from hosts outside the allow-list,
// CHANGEUSER excluded.
func (a *Analyzer) NonWhitelistedIPs(ctx context.Context, p Period) (*NonWhitelistedIPs, error) {
	allowed := clipList(a.opts.AllowedIPs)
	if len(allowed) == 0 {
		return &NonWhitelistedIPs{}, nil
	}

	lo, hi := p.Bounds()
	args := []any{lo, hi, allowed}

	byIP, err := a.query(ctx,
		`SELECT host, COUNT(*) AS cnt
		FROM audit_log
		WHERE host <> ALL($3) AND operation <> 'CHANGEUSER' AND timestamp BETWEEN $1 AND $2
		GROUP BY host
		ORDER BY cnt DESC`,
		args, executor.Batch{})
	if err != nil {
		return nil, err
	}

	details, err := a.query(ctx, fmt.Sprintf(
		`SELECT username, host, operation, timestamp
		FROM audit_log
		WHERE host <> ALL($3) AND operation <> 'CHANGEUSER' AND timestamp BETWEEN $1 AND $2
		ORDER BY timestamp DESC
		LIMIT %d`, nonWhitelistedDetailLimit),
		args, executor.Batch{Size: nonWhitelistedDetailLimit})
	if err != nil {
		return nil, err
	}

	total, err := a.query(ctx,
		"SELECT COUNT(*) FROM audit_log WHERE host <> ALL($3) AND operation <> 'CHANGEUSER' AND timestamp BETWEEN $1 AND $2",
		args, executor.SingleRow{})
	if err != nil {
		return nil, err
	}

	out := &NonWhitelistedIPs{
		Total: scalar(total),
		ByIP:  hostCounts(byIP),
	}
	for _, row := range details.Rows {
		out.Details = append(out.Details, AccessDetail{
			Username:  toString(row[0]),
			Host:      toString(row[1]),
			Operation: toString(row[2]),
			Timestamp: toString(row[3]),
		})
	}
	out.DetailsTruncated = out.Total > int64(len(out.Details))
	return out, nil
}

func (a *Analyzer) query(ctx context.Context, sql string, args []any, policy executor.FetchPolicy) (*executor.Result, error) {
	return a.runner.Execute(ctx, executor.Request{SQL: sql, Args: args, Policy: policy})
}

// clipList trims, drops empties, and caps a membership list at the
// filter ceiling.
func clipList(values []string) []string {
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
		if len(out) == config.MaxFilterValues {
			break
		}
	}
	return out
}

func userCounts(res *executor.Result) []UserCount {
	var out []UserCount
	for _, row := range res.Rows {
		out = append(out, UserCount{Username: toString(row[0]), Count: toInt64(row[1])})
	}
	return out
}

func hostCounts(res *executor.Result) []HostCount {
	var out []HostCount
	for _, row := range res.Rows {
		out = append(out, HostCount{Host: toString(row[0]), Count: toInt64(row[1])})
	}
	return out
}

// scalar reads a single-row count result.
func scalar(res *executor.Result) int64 {
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		return 0
	}
	return toInt64(res.Rows[0][0])
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
