package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"auditscope/internal/analysis"
	"auditscope/internal/config"
	"auditscope/internal/dbpool"
	"auditscope/internal/executor"
	"auditscope/internal/importer"
	"auditscope/internal/logging"
	"auditscope/internal/report"
	"auditscope/internal/resmon"
	"auditscope/internal/schema"
	"auditscope/internal/throttle"
)

const (
	dateLayout  = "2006-01-02"
	monthLayout = "2006-01"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// app carries the loaded configuration into the subcommands.
type app struct {
	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "auditscope",
		Short:         "Import and analyze MySQL audit logs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if it exists (Overload overwrites existing env vars)
			if err := godotenv.Overload(); err == nil {
				slog.Info("loaded .env file (overwriting existing env vars)")
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
			a.cfg = cfg
			return nil
		},
	}

	root.AddCommand(newInitDBCmd(a), newImportCmd(a), newReportCmd(a))
	return root
}

func newInitDBCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "initdb",
		Short: "Create the audit_log table and its indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			conn, err := pgx.Connect(ctx, a.cfg.Database.URL())
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer conn.Close(ctx)

			if err := schema.Ensure(ctx, conn); err != nil {
				return err
			}
			slog.Info("schema ready", "table", schema.Table)
			return nil
		},
	}
}

func newImportCmd(a *app) *cobra.Command {
	var dateFlag, monthFlag string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import one day's audit log file, or a whole month",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if (dateFlag == "") == (monthFlag == "") {
				return fmt.Errorf("exactly one of --date or --month is required")
			}

			// The importer gets its own connection so a long-running load
			// never starves the analysis pool.
			conn, err := pgx.Connect(ctx, a.cfg.Database.URL())
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer conn.Close(ctx)

			stack, err := a.buildQueryStack(ctx)
			if err != nil {
				return err
			}
			defer stack.close()

			im := importer.New(conn, stack.exec, importer.Options{
				BasePath:        a.cfg.Import.LogBasePath,
				Prefix:          a.cfg.Import.LogFilePrefix,
				StagingDir:      a.cfg.Import.StagingDir,
				UseBulkLoad:     a.cfg.Import.UseBulkLoad,
				InsertBatchSize: a.cfg.Import.InsertBatchSize,
			}, logging.ForComponent("importer"))

			if dateFlag != "" {
				date, err := time.Parse(dateLayout, dateFlag)
				if err != nil {
					return fmt.Errorf("invalid --date %q: %w", dateFlag, err)
				}
				_, err = im.ImportDate(ctx, date)
				return err
			}

			month, err := time.Parse(monthLayout, monthFlag)
			if err != nil {
				return fmt.Errorf("invalid --month %q: %w", monthFlag, err)
			}
			rep, err := im.ImportMonth(ctx, month.Year(), month.Month())
			if err != nil {
				return err
			}
			if rep.Failed > 0 {
				return fmt.Errorf("%d of %d files failed to import", rep.Failed, rep.Files)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dateFlag, "date", "", "day to import (YYYY-MM-DD)")
	cmd.Flags().StringVar(&monthFlag, "month", "", "month to import (YYYY-MM)")
	return cmd
}

func newReportCmd(a *app) *cobra.Command {
	var dateFlag, monthFlag, outFlag string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Run the security analysis catalogue and write a CSV report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if (dateFlag == "") == (monthFlag == "") {
				return fmt.Errorf("exactly one of --date or --month is required")
			}

			var period analysis.Period
			if dateFlag != "" {
				date, err := time.Parse(dateLayout, dateFlag)
				if err != nil {
					return fmt.Errorf("invalid --date %q: %w", dateFlag, err)
				}
				period = analysis.Day(date)
			} else {
				month, err := time.Parse(monthLayout, monthFlag)
				if err != nil {
					return fmt.Errorf("invalid --month %q: %w", monthFlag, err)
				}
				period = analysis.Month(month.Year(), month.Month())
			}

			stack, err := a.buildQueryStack(ctx)
			if err != nil {
				return err
			}
			defer stack.close()

			analyzer := analysis.New(stack.exec, analysis.Options{
				FailedLoginThreshold: a.cfg.Analysis.FailedLoginThreshold,
				PrivilegedKeywords:   a.cfg.Analysis.PrivilegedKeywords,
				PrivilegedUsers:      a.cfg.Analysis.PrivilegedUsers,
				AfterHoursUsers:      a.cfg.Analysis.AfterHoursUsers,
				AllowedIPs:           a.cfg.Analysis.AllowedIPs,
				WorkHourStart:        a.cfg.Analysis.WorkHourStart,
				WorkHourEnd:          a.cfg.Analysis.WorkHourEnd,
			}, logging.ForComponent("analysis"))

			rep, err := analyzer.Run(ctx, period)
			if err != nil {
				return err
			}

			outDir := a.cfg.Report.OutputDir
			if outFlag != "" {
				outDir = outFlag
			}
			path, err := report.WriteCSV(outDir, a.cfg.Report.Title, rep)
			if err != nil {
				return err
			}
			slog.Info("report written", "path", path, "period", period.String())

			if len(rep.Failures) > 0 {
				return fmt.Errorf("%d analyses failed", len(rep.Failures))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dateFlag, "date", "", "day to analyze (YYYY-MM-DD)")
	cmd.Flags().StringVar(&monthFlag, "month", "", "month to analyze (YYYY-MM)")
	cmd.Flags().StringVar(&outFlag, "out", "", "report output directory (overrides OUTPUT_DIR)")
	return cmd
}

// queryStack is the pooled query side: pool, gate, monitor, executor.
type queryStack struct {
	pool *dbpool.Pool
	exec *executor.Executor
}

func (s *queryStack) close() { s.pool.Close() }

// buildQueryStack wires the resilient execution stack and verifies
// connectivity by checking out one connection. Connectivity failure at
// startup is fatal.
func (a *app) buildQueryStack(ctx context.Context) (*queryStack, error) {
	cfg := a.cfg

	pool, err := dbpool.New(dbpool.Config{
		Factory:        dbpool.PgxFactory(cfg.Database.URL()),
		MaxConns:       cfg.Pool.MaxConns(),
		IdleCap:        cfg.Pool.Size,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		Logger:         logging.ForComponent("dbpool"),
	})
	if err != nil {
		return nil, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("verify database connectivity: %w", err)
	}
	pool.Release(conn)

	monitor := resmon.New(resmon.RuntimeProbe{}, cfg.Memory.MaxUsageMB,
		cfg.Memory.MonitoringEnabled, logging.ForComponent("resmon"))
	gate := throttle.NewGate(cfg.Query.MaxConcurrent, cfg.Query.GateTimeout)

	exec := executor.New(pool, gate, monitor, executor.Options{
		RetryCount:       cfg.Query.RetryCount,
		RetryDelay:       cfg.Query.RetryDelay,
		ThrottleDelay:    cfg.Query.ThrottleDelay,
		StatementTimeout: cfg.Query.Timeout,
		LockTimeout:      cfg.Query.LockTimeout,
		CheckInterval:    cfg.Query.BatchFetchSize,
		MaxFetchSize:     cfg.Query.MaxFetchSize,
	}, logging.ForComponent("executor"))

	return &queryStack{pool: pool, exec: exec}, nil
}
