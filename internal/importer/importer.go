// Package importer loads daily audit log files into the audit_log
// table. Each import replaces the day it covers: the delete and the
// load run in one transaction, so a reader never sees a half-replaced
// day. The bulk path stages a normalized CSV and streams it server-side
// with COPY; any bulk failure falls back to chunked inserts for the
// same file.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"auditscope/internal/executor"
	"auditscope/internal/schema"
)

// ErrLogFileNotFound marks a date with no log file, plain or gzipped.
var ErrLogFileNotFound = errors.New("audit log file not found")

const defaultInsertBatchSize = 2000

// DB starts transactions on the importer's dedicated connection.
// *pgx.Conn satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Counter runs the post-load verification count. The resilient query
// executor satisfies it.
type Counter interface {
	Execute(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// Options locate source files and select the persistence path.
type Options struct {
	// BasePath is the directory holding the daily log files.
	BasePath string

	// Prefix names the files: <Prefix>-YYYY-MM-DD, optionally .gz.
	Prefix string

	// StagingDir receives the bulk path's temporary CSV.
	StagingDir string

	// UseBulkLoad selects COPY over chunked inserts as the first path.
	UseBulkLoad bool

	// InsertBatchSize is rows per INSERT statement on the row path.
	InsertBatchSize int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.StagingDir == "" {
		out.StagingDir = os.TempDir()
	}
	if out.InsertBatchSize <= 0 {
		out.InsertBatchSize = defaultInsertBatchSize
	}
	return out
}

// ImportReport describes one completed day import.
type ImportReport struct {
	JobID       uuid.UUID
	Date        time.Time
	Path        string
	RowsParsed  int
	RowsLoaded  int64
	RowsDeleted int64

	ParseDuration   time.Duration
	PersistDuration time.Duration

	// Fallback is set when the bulk path failed and the row path
	// completed the import.
	Fallback bool

	// Verified is set when the post-load count matched RowsParsed.
	Verified bool
}

// MonthReport aggregates a month import. Failures is keyed by date
// string; a failed day never aborts the remaining days.
type MonthReport struct {
	Files     int
	Succeeded int
	Failed    int
	Reports   []*ImportReport
	Failures  map[string]error
}

// Importer owns one dedicated database connection for the whole job,
// kept apart from the analysis pool so imports never starve it.
type Importer struct {
	db      DB
	counter Counter
	opts    Options
	log     *slog.Logger
}

// New creates an Importer. counter may be nil to skip verification.
func New(db DB, counter Counter, opts Options, log *slog.Logger) *Importer {
	if log == nil {
		log = slog.Default()
	}
	return &Importer{
		db:      db,
		counter: counter,
		opts:    opts.withDefaults(),
		log:     log,
	}
}

// locate resolves the file for a date, preferring the plain file over
// its gzipped sibling.
func (im *Importer) locate(date time.Time) (string, error) {
	base := filepath.Join(im.opts.BasePath, fmt.Sprintf("%s-%s", im.opts.Prefix, date.Format("2006-01-02")))
	for _, path := range []string{base, base + ".gz"} {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s for %s", ErrLogFileNotFound, base, date.Format("2006-01-02"))
}

// ImportDate imports one day's file, replacing any rows already stored
// for that date. A file with zero parseable rows is a no-op: nothing is
// deleted, nothing is loaded.
func (im *Importer) ImportDate(ctx context.Context, date time.Time) (*ImportReport, error) {
	report := &ImportReport{
		JobID: uuid.New(),
		Date:  date,
	}
	log := im.log.With("job_id", report.JobID, "date", date.Format("2006-01-02"))

	path, err := im.locate(date)
	if err != nil {
		return nil, err
	}
	report.Path = path
	log.Info("importing audit log file", "path", path, "bulk", im.opts.UseBulkLoad)

	if im.opts.UseBulkLoad {
		err = im.importBulk(ctx, report, log)
		if err != nil {
			log.Warn("bulk load failed, falling back to row inserts", "error", err)
			report.Fallback = true
			err = im.importRows(ctx, report, log)
		}
	} else {
		err = im.importRows(ctx, report, log)
	}
	if err != nil {
		return nil, err
	}

	if report.RowsParsed == 0 {
		log.Info("file has no rows, nothing imported")
		return report, nil
	}

	im.verify(ctx, report, log)

	log.Info("import complete",
		"rows_parsed", report.RowsParsed,
		"rows_loaded", report.RowsLoaded,
		"rows_deleted", report.RowsDeleted,
		"parse_duration", report.ParseDuration,
		"persist_duration", report.PersistDuration,
		"fallback", report.Fallback,
		"verified", report.Verified,
	)
	return report, nil
}

// importBulk stages a normalized CSV and streams it into the table with
// COPY inside the delete transaction. The staging file is removed on
// every path out.
func (im *Importer) importBulk(ctx context.Context, report *ImportReport, log *slog.Logger) error {
	src, err := openLogFile(report.Path)
	if err != nil {
		return err
	}

	parseStart := time.Now()
	stagingPath, parsed, err := writeStaging(im.opts.StagingDir, src, report.Date)
	src.Close()
	if err != nil {
		return err
	}
	defer os.Remove(stagingPath)

	report.RowsParsed = parsed
	report.ParseDuration = time.Since(parseStart)
	if parsed == 0 {
		return nil
	}
	log.Debug("staging file written", "rows", parsed, "duration", report.ParseDuration)

	persistStart := time.Now()
	tx, err := im.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, deleteDaySQL, report.Date)
	if err != nil {
		return fmt.Errorf("delete existing rows: %w", err)
	}
	report.RowsDeleted = tag.RowsAffected()

	rows, err := openStagingSource(stagingPath)
	if err != nil {
		return err
	}
	defer rows.Close()

	loaded, err := tx.CopyFrom(ctx, pgx.Identifier{schema.Table}, schema.Columns, rows)
	if err != nil {
		return fmt.Errorf("copy staged rows: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	report.RowsLoaded = loaded
	report.PersistDuration = time.Since(persistStart)
	return nil
}

const deleteDaySQL = "DELETE FROM audit_log WHERE log_date = $1"

// importRows is the fallback path: materialize the file, then delete
// and insert in chunks inside one transaction.
func (im *Importer) importRows(ctx context.Context, report *ImportReport, log *slog.Logger) error {
	src, err := openLogFile(report.Path)
	if err != nil {
		return err
	}

	parseStart := time.Now()
	rows, err := parseAll(src, report.Date)
	src.Close()
	if err != nil {
		return err
	}

	report.RowsParsed = len(rows)
	report.ParseDuration += time.Since(parseStart)
	report.RowsLoaded = 0
	report.RowsDeleted = 0
	if len(rows) == 0 {
		return nil
	}

	persistStart := time.Now()
	tx, err := im.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, deleteDaySQL, report.Date)
	if err != nil {
		return fmt.Errorf("delete existing rows: %w", err)
	}
	report.RowsDeleted = tag.RowsAffected()

	for start := 0; start < len(rows); start += im.opts.InsertBatchSize {
		end := start + im.opts.InsertBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		sql, args := insertChunk(chunk)
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("insert rows %d-%d: %w", start, end, err)
		}
		report.RowsLoaded += tag.RowsAffected()
		log.Debug("insert chunk committed to transaction", "rows", report.RowsLoaded, "total", len(rows))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	report.PersistDuration = time.Since(persistStart)
	return nil
}

// insertChunk builds one multi-row INSERT for the chunk.
func insertChunk(rows []Row) (string, []any) {
	cols := len(schema.Columns)
	args := make([]any, 0, len(rows)*cols)

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(schema.Table)
	b.WriteString(" (")
	b.WriteString(strings.Join(schema.Columns, ", "))
	b.WriteString(") VALUES ")

	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := 0; j < cols; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*cols+j+1)
		}
		b.WriteByte(')')
		args = append(args, row.values()...)
	}
	return b.String(), args
}

// verify counts the stored rows for the date through the resilient
// executor and compares against the parse count. A mismatch or a failed
// count degrades the report, never the import.
func (im *Importer) verify(ctx context.Context, report *ImportReport, log *slog.Logger) {
	if im.counter == nil {
		return
	}

	res, err := im.counter.Execute(ctx, executor.Request{
		SQL:    "SELECT COUNT(*) FROM audit_log WHERE log_date = $1",
		Args:   []any{report.Date},
		Policy: executor.SingleRow{},
	})
	if err != nil {
		log.Warn("post-load verification query failed", "error", err)
		return
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		log.Warn("post-load verification returned no count")
		return
	}

	stored, ok := res.Rows[0][0].(int64)
	if !ok {
		log.Warn("post-load verification count has unexpected type", "value", res.Rows[0][0])
		return
	}
	if stored != int64(report.RowsParsed) {
		log.Warn("post-load count mismatch",
			"stored", stored,
			"parsed", report.RowsParsed,
		)
		return
	}
	report.Verified = true
}

// ImportMonth imports every existing file of the month sequentially.
// Missing days are skipped; a failing day is recorded and the rest of
// the month continues.
func (im *Importer) ImportMonth(ctx context.Context, year int, month time.Month) (*MonthReport, error) {
	report := &MonthReport{Failures: make(map[string]error)}

	daysInMonth := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	for day := 1; day <= daysInMonth; day++ {
		date := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)

		if _, err := im.locate(date); err != nil {
			continue
		}
		report.Files++

		dayReport, err := im.ImportDate(ctx, date)
		if err != nil {
			report.Failed++
			report.Failures[date.Format("2006-01-02")] = err
			im.log.Error("day import failed, continuing month",
				"date", date.Format("2006-01-02"),
				"error", err,
			)
			continue
		}
		report.Succeeded++
		report.Reports = append(report.Reports, dayReport)
	}

	im.log.Info("month import complete",
		"month", fmt.Sprintf("%04d-%02d", year, month),
		"files", report.Files,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
	)
	return report, nil
}
