package importer

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"auditscope/internal/executor"
)

// fakeTx implements pgx.Tx against in-memory state.
type fakeTx struct {
	execSQL    []string
	execArgs   [][]any
	copied     [][]any
	copyErr    error
	deleteRows int64
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return nil, errors.New("not used") }
func (t *fakeTx) Commit(ctx context.Context) error          { t.committed = true; return nil }
func (t *fakeTx) Rollback(ctx context.Context) error        { t.rolledBack = true; return nil }

func (t *fakeTx) CopyFrom(ctx context.Context, table pgx.Identifier, cols []string, src pgx.CopyFromSource) (int64, error) {
	if t.copyErr != nil {
		return 0, t.copyErr
	}
	var n int64
	for src.Next() {
		values, err := src.Values()
		if err != nil {
			return n, err
		}
		t.copied = append(t.copied, values)
		n++
	}
	return n, src.Err()
}

func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }

func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not used")
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execSQL = append(t.execSQL, sql)
	t.execArgs = append(t.execArgs, args)
	if strings.HasPrefix(sql, "DELETE") {
		return pgconn.NewCommandTag(fmt.Sprintf("DELETE %d", t.deleteRows)), nil
	}
	if strings.HasPrefix(sql, "INSERT") {
		return pgconn.NewCommandTag(fmt.Sprintf("INSERT 0 %d", len(args)/11)), nil
	}
	return pgconn.CommandTag{}, nil
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not used")
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (t *fakeTx) Conn() *pgx.Conn                                               { return nil }

// fakeDB hands out fakeTxs, optionally failing Begin by call index.
type fakeDB struct {
	txs       []*fakeTx
	beginErrs []error
	begins    int
	copyErr   error
	deleted   int64
}

func (db *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if db.begins < len(db.beginErrs) && db.beginErrs[db.begins] != nil {
		err := db.beginErrs[db.begins]
		db.begins++
		return nil, err
	}
	db.begins++
	tx := &fakeTx{copyErr: db.copyErr, deleteRows: db.deleted}
	db.txs = append(db.txs, tx)
	return tx, nil
}

// fakeCounter scripts the verification count.
type fakeCounter struct {
	count int64
	err   error
	calls int
}

func (c *fakeCounter) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &executor.Result{Columns: []string{"count"}, Rows: [][]any{{c.count}}}, nil
}

const logPrefix = "server_audit.log"

// sample log content: three full lines plus one short line that must be
// padded, with a quoted query containing a comma.
const sampleLog = `20260801 09:15:01,db1,alice,10.0.0.5,101,5001,CONNECT,appdb,,0
20260801 09:15:02,db1,alice,10.0.0.5,101,5002,QUERY,appdb,"SELECT id, name FROM t",0
20260801 09:15:03,db1,mallory,203.0.113.9,102,5003,CONNECT,appdb,,1045
20260801 09:16:00,db1,bob,10.0.0.6
`

func writeLogFile(t *testing.T, dir string, date, content string, compress bool) string {
	t.Helper()
	name := filepath.Join(dir, logPrefix+"-"+date)
	if compress {
		name += ".gz"
		f, err := os.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		zw := gzip.NewWriter(f)
		if _, err := zw.Write([]byte(content)); err != nil {
			t.Fatalf("write gzip: %v", err)
		}
		if err := zw.Close(); err != nil {
			t.Fatalf("close gzip: %v", err)
		}
		if err := f.Close(); err != nil {
			t.Fatalf("close file: %v", err)
		}
		return name
	}
	if err := os.WriteFile(name, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return name
}

func newTestImporter(db DB, counter Counter, baseDir, stagingDir string, bulk bool, batch int) *Importer {
	return New(db, counter, Options{
		BasePath:        baseDir,
		Prefix:          logPrefix,
		StagingDir:      stagingDir,
		UseBulkLoad:     bulk,
		InsertBatchSize: batch,
	}, nil)
}

func stagingFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read staging dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestImportDate_BulkPath(t *testing.T) {
	baseDir := t.TempDir()
	stagingDir := t.TempDir()
	writeLogFile(t, baseDir, "2026-08-01", sampleLog, false)

	db := &fakeDB{deleted: 7}
	counter := &fakeCounter{count: 4}
	im := newTestImporter(db, counter, baseDir, stagingDir, true, 0)

	date := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	report, err := im.ImportDate(context.Background(), date)
	if err != nil {
		t.Fatalf("ImportDate() error = %v", err)
	}

	if report.RowsParsed != 4 {
		t.Errorf("RowsParsed = %d, want 4 (short line padded, not dropped)", report.RowsParsed)
	}
	if report.RowsLoaded != 4 {
		t.Errorf("RowsLoaded = %d, want 4", report.RowsLoaded)
	}
	if report.RowsDeleted != 7 {
		t.Errorf("RowsDeleted = %d, want 7", report.RowsDeleted)
	}
	if report.Fallback {
		t.Error("Fallback = true on a clean bulk load")
	}
	if !report.Verified {
		t.Error("Verified = false with a matching count")
	}
	if counter.calls != 1 {
		t.Errorf("verification queries = %d, want 1", counter.calls)
	}

	if len(db.txs) != 1 {
		t.Fatalf("transactions = %d, want 1 (delete and load share one)", len(db.txs))
	}
	tx := db.txs[0]
	if !tx.committed {
		t.Error("transaction not committed")
	}
	if len(tx.execSQL) != 1 || !strings.HasPrefix(tx.execSQL[0], "DELETE") {
		t.Errorf("exec statements = %v, want one DELETE before the copy", tx.execSQL)
	}
	if len(tx.copied) != 4 {
		t.Fatalf("copied rows = %d, want 4", len(tx.copied))
	}

	// The padded short line keeps its real fields and zeroes the rest.
	short := tx.copied[3]
	if short[2] != "bob" {
		t.Errorf("padded row username = %v, want bob", short[2])
	}
	if short[6] != "" {
		t.Errorf("padded row operation = %q, want empty", short[6])
	}
	if short[10] != 0 {
		t.Errorf("padded row retcode = %v, want 0", short[10])
	}

	// Full row sanity: the quoted query survives with its comma.
	if q := tx.copied[1][9]; q != "SELECT id, name FROM t" {
		t.Errorf("query field = %q", q)
	}
	if tx.copied[2][10] != 1045 {
		t.Errorf("retcode = %v, want 1045", tx.copied[2][10])
	}

	if left := stagingFiles(t, stagingDir); len(left) != 0 {
		t.Errorf("staging artifacts left behind: %v", left)
	}
}

func TestImportDate_RowPath(t *testing.T) {
	baseDir := t.TempDir()
	writeLogFile(t, baseDir, "2026-08-01", sampleLog, false)

	db := &fakeDB{}
	im := newTestImporter(db, &fakeCounter{count: 4}, baseDir, t.TempDir(), false, 3)

	date := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	report, err := im.ImportDate(context.Background(), date)
	if err != nil {
		t.Fatalf("ImportDate() error = %v", err)
	}

	if report.RowsLoaded != 4 {
		t.Errorf("RowsLoaded = %d, want 4", report.RowsLoaded)
	}
	if len(db.txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(db.txs))
	}
	tx := db.txs[0]
	if !tx.committed {
		t.Error("transaction not committed")
	}

	// DELETE plus two INSERT chunks of batch size 3 for 4 rows.
	if len(tx.execSQL) != 3 {
		t.Fatalf("exec statements = %d, want 3: %v", len(tx.execSQL), tx.execSQL)
	}
	if !strings.HasPrefix(tx.execSQL[0], "DELETE") {
		t.Errorf("first statement = %q, want DELETE", tx.execSQL[0])
	}
	if got := len(tx.execArgs[1]) / 11; got != 3 {
		t.Errorf("first chunk rows = %d, want 3", got)
	}
	if got := len(tx.execArgs[2]) / 11; got != 1 {
		t.Errorf("second chunk rows = %d, want 1", got)
	}
}

func TestImportDate_BulkFailureFallsBack(t *testing.T) {
	baseDir := t.TempDir()
	stagingDir := t.TempDir()
	writeLogFile(t, baseDir, "2026-08-01", sampleLog, false)

	db := &fakeDB{copyErr: errors.New("COPY rejected")}
	im := newTestImporter(db, &fakeCounter{count: 4}, baseDir, stagingDir, true, 0)

	date := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	report, err := im.ImportDate(context.Background(), date)
	if err != nil {
		t.Fatalf("ImportDate() error = %v, want fallback success", err)
	}

	if !report.Fallback {
		t.Error("Fallback = false after a bulk failure")
	}
	if report.RowsLoaded != 4 {
		t.Errorf("RowsLoaded = %d, want 4", report.RowsLoaded)
	}

	if len(db.txs) != 2 {
		t.Fatalf("transactions = %d, want 2 (failed bulk + fallback)", len(db.txs))
	}
	if !db.txs[0].rolledBack {
		t.Error("failed bulk transaction not rolled back")
	}
	if db.txs[0].committed {
		t.Error("failed bulk transaction was committed")
	}
	if !db.txs[1].committed {
		t.Error("fallback transaction not committed")
	}

	if left := stagingFiles(t, stagingDir); len(left) != 0 {
		t.Errorf("staging artifacts left behind after fallback: %v", left)
	}
}

func TestImportDate_MissingFile(t *testing.T) {
	im := newTestImporter(&fakeDB{}, nil, t.TempDir(), t.TempDir(), true, 0)

	_, err := im.ImportDate(context.Background(), time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrLogFileNotFound) {
		t.Errorf("ImportDate() = %v, want ErrLogFileNotFound", err)
	}
}

func TestImportDate_EmptyFileIsNoOp(t *testing.T) {
	baseDir := t.TempDir()
	writeLogFile(t, baseDir, "2026-08-01", "", false)

	db := &fakeDB{}
	counter := &fakeCounter{}
	im := newTestImporter(db, counter, baseDir, t.TempDir(), true, 0)

	report, err := im.ImportDate(context.Background(), time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ImportDate() error = %v", err)
	}
	if report.RowsParsed != 0 || report.RowsLoaded != 0 || report.RowsDeleted != 0 {
		t.Errorf("report = %+v, want all-zero no-op", report)
	}
	if len(db.txs) != 0 {
		t.Errorf("transactions = %d, want 0 (no delete for an empty file)", len(db.txs))
	}
	if counter.calls != 0 {
		t.Errorf("verification queries = %d, want 0", counter.calls)
	}
}

func TestImportDate_GzipFile(t *testing.T) {
	baseDir := t.TempDir()
	writeLogFile(t, baseDir, "2026-08-01", sampleLog, true)

	db := &fakeDB{}
	im := newTestImporter(db, &fakeCounter{count: 4}, baseDir, t.TempDir(), true, 0)

	report, err := im.ImportDate(context.Background(), time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ImportDate() error = %v", err)
	}
	if report.RowsParsed != 4 {
		t.Errorf("RowsParsed = %d, want 4", report.RowsParsed)
	}
	if !strings.HasSuffix(report.Path, ".gz") {
		t.Errorf("Path = %q, want the gzipped file", report.Path)
	}
}

func TestImportDate_CountMismatchNotVerified(t *testing.T) {
	baseDir := t.TempDir()
	writeLogFile(t, baseDir, "2026-08-01", sampleLog, false)

	im := newTestImporter(&fakeDB{}, &fakeCounter{count: 3}, baseDir, t.TempDir(), true, 0)

	report, err := im.ImportDate(context.Background(), time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ImportDate() error = %v, mismatch must not fail the import", err)
	}
	if report.Verified {
		t.Error("Verified = true with a mismatched count")
	}
}

func TestImportMonth_IsolatesFailures(t *testing.T) {
	baseDir := t.TempDir()
	writeLogFile(t, baseDir, "2026-08-01", sampleLog, false)
	writeLogFile(t, baseDir, "2026-08-15", sampleLog, true)

	// Second day's transaction fails to start; the month continues.
	db := &fakeDB{beginErrs: []error{nil, errors.New("server shutting down")}}
	im := newTestImporter(db, &fakeCounter{count: 4}, baseDir, t.TempDir(), false, 0)

	report, err := im.ImportMonth(context.Background(), 2026, time.August)
	if err != nil {
		t.Fatalf("ImportMonth() error = %v", err)
	}

	if report.Files != 2 {
		t.Errorf("Files = %d, want 2", report.Files)
	}
	if report.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1", report.Succeeded)
	}
	if report.Failed != 1 {
		t.Errorf("Failed = %d, want 1", report.Failed)
	}
	if _, ok := report.Failures["2026-08-15"]; !ok {
		t.Errorf("Failures = %v, want entry for 2026-08-15", report.Failures)
	}
	if len(report.Reports) != 1 {
		t.Errorf("Reports = %d, want 1", len(report.Reports))
	}
}

func TestImportMonth_NoFiles(t *testing.T) {
	im := newTestImporter(&fakeDB{}, nil, t.TempDir(), t.TempDir(), true, 0)

	report, err := im.ImportMonth(context.Background(), 2026, time.February)
	if err != nil {
		t.Fatalf("ImportMonth() error = %v", err)
	}
	if report.Files != 0 || report.Succeeded != 0 || report.Failed != 0 {
		t.Errorf("report = %+v, want empty", report)
	}
}
