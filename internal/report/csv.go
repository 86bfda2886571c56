// Package report renders an analysis report as a sectioned CSV file.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"auditscope/internal/analysis"
)

// WriteCSV writes the report into dir and returns the file path. The
// file is named by the period label, one file per analyzed period.
func WriteCSV(dir, title string, rep *analysis.Report) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("mysql_audit_analysis_%s.csv", rep.Period.Label()))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create report file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	writeSections(w, title, rep)
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

func writeSections(w *csv.Writer, title string, rep *analysis.Report) {
	row := func(fields ...string) { w.Write(fields) }

	row(fmt.Sprintf("%s - %s", title, time.Now().Format("2006-01-02 15:04:05")))
	row("Period", rep.Period.String())
	row()

	if rep.Empty {
		row("No audit events found for this period")
		return
	}

	if s := rep.Summary; s != nil {
		row("=== Basic Statistics ===")
		row("Total Events", formatInt(s.TotalEvents))
		row("Unique Users", formatInt(s.UniqueUsers))
		row("Unique Hosts", formatInt(s.UniqueHosts))
		row()
	}

	if fl := rep.FailedLogins; fl != nil {
		row("=== Failed Login Analysis ===")
		row("Total Failed Logins", formatInt(fl.Total))
		row()
		if len(fl.ByUser) > 0 {
			row("Suspicious Users (Above Threshold)")
			row("Username", "Failed Count")
			for _, u := range fl.ByUser {
				row(u.Username, formatInt(u.Count))
			}
			row()
		}
		if len(fl.ByIP) > 0 {
			row("Suspicious IPs (Above Threshold)")
			row("IP Address", "Failed Count")
			for _, h := range fl.ByIP {
				row(h.Host, formatInt(h.Count))
			}
			row()
		}
	}

	if po := rep.PrivilegedOps; po != nil {
		row("=== Privileged Operations Analysis ===")
		row("Total Privileged Operations", formatInt(po.Total))
		row()
		if len(po.ByUser) > 0 {
			row("By User Statistics")
			row("Username", "Operation Count")
			for _, u := range po.ByUser {
				row(u.Username, formatInt(u.Count))
			}
			row()
		}
		if len(po.Details) > 0 {
			row("Detailed Privileged Operations (SQL)")
			if po.DetailsTruncated {
				row("Showing", fmt.Sprintf("%d of %d", len(po.Details), po.Total))
			}
			row("Username", "Query", "Timestamp")
			for _, d := range po.Details {
				row(d.Username, d.Query, d.Timestamp)
			}
			row()
		}
	}

	if pl := rep.PrivilegedLogins; pl != nil {
		row("=== Privileged User Login Analysis ===")
		row("Total Privileged Logins", formatInt(pl.Total))
		row()
		if len(pl.ByUser) > 0 {
			row("By User Statistics")
			row("Username", "Login Count")
			for _, u := range pl.ByUser {
				row(u.Username, formatInt(u.Count))
			}
			row()
		}
		if len(pl.Details) > 0 {
			row("Login Details")
			if pl.DetailsTruncated {
				row("Showing", fmt.Sprintf("%d of %d", len(pl.Details), pl.Total))
			}
			row("Username", "Host", "Timestamp")
			for _, d := range pl.Details {
				row(d.Username, d.Host, d.Timestamp)
			}
			row()
		}
	}

	if len(rep.OperationStats) > 0 {
		row("=== Operation Type Statistics ===")
		row("Operation", "Count")
		for _, op := range rep.OperationStats {
			row(op.Operation, formatInt(op.Count))
		}
		row()
	}

	if es := rep.ErrorStats; es != nil {
		row("=== Error Code Analysis ===")
		row("Total Errors", formatInt(es.Total))
		row()
		if len(es.ByCode) > 0 {
			row("Error Code", "Count")
			for _, e := range es.ByCode {
				row(formatInt(e.Retcode), formatInt(e.Count))
			}
			row()
		}
	}

	if ah := rep.AfterHours; ah != nil {
		row("=== After Hours Access Analysis ===")
		row("Total After Hours Events", formatInt(ah.Total))
		row()
		if len(ah.Details) > 0 {
			if int64(len(ah.Details)) < ah.Total {
				row("Showing", fmt.Sprintf("%d of %d", len(ah.Details), ah.Total))
			}
			row("Username", "Host", "Operation", "Timestamp")
			for _, d := range ah.Details {
				row(d.Username, d.Host, d.Operation, d.Timestamp)
			}
			row()
		}
	}

	if nw := rep.NonWhitelistedIPs; nw != nil {
		row("=== Non-Whitelisted IP Analysis ===")
		row("Total Events", formatInt(nw.Total))
		row()
		if len(nw.ByIP) > 0 {
			row("By IP Statistics")
			row("IP Address", "Count")
			for _, h := range nw.ByIP {
				row(h.Host, formatInt(h.Count))
			}
			row()
		}
		if len(nw.Details) > 0 {
			row("Event Details")
			if nw.DetailsTruncated {
				row("Showing", fmt.Sprintf("%d of %d", len(nw.Details), nw.Total))
			}
			row("Username", "Host", "Operation", "Timestamp")
			for _, d := range nw.Details {
				row(d.Username, d.Host, d.Operation, d.Timestamp)
			}
			row()
		}
	}

	if len(rep.Failures) > 0 {
		row("=== Failed Analyses ===")
		row("Analysis", "Error")
		for name, err := range rep.Failures {
			row(name, err.Error())
		}
	}
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
