package importer

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// fieldCount is the fixed logical field count of one audit log line:
// timestamp, server_host, username, host, connection_id, query_id,
// operation, dbname, query, retcode.
const fieldCount = 10

// Row is one normalized audit event, ready for persistence. LogDate is
// assigned at import time; the remaining fields come straight from the
// source line.
type Row struct {
	LogDate      time.Time
	Timestamp    string
	ServerHost   string
	Username     string
	Host         string
	ConnectionID string
	QueryID      string
	Operation    string
	DBName       string
	Query        string
	Retcode      int
}

// values returns the row in the table's column order.
func (r Row) values() []any {
	return []any{
		r.LogDate,
		r.Timestamp,
		r.ServerHost,
		r.Username,
		r.Host,
		r.ConnectionID,
		r.QueryID,
		r.Operation,
		r.DBName,
		r.Query,
		r.Retcode,
	}
}

// openLogFile opens a plain or gzip-compressed log file and returns a
// reader over the decompressed content.
func openLogFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open gzip %s: %w", path, err)
	}
	return &gzipFile{zr: zr, f: f}, nil
}

type gzipFile struct {
	zr *gzip.Reader
	f  *os.File
}

func (g *gzipFile) Read(p []byte) (int, error) { return g.zr.Read(p) }

func (g *gzipFile) Close() error {
	zerr := g.zr.Close()
	ferr := g.f.Close()
	if zerr != nil {
		return zerr
	}
	return ferr
}

// scanRows reads audit log lines from r and calls fn for each
// normalized row. Lines are padded to the fixed field count, extra
// fields are dropped, and an unparseable retcode becomes 0. Returns the
// number of rows seen.
func scanRows(r io.Reader, logDate time.Time, fn func(Row) error) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	count := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("read line %d: %w", count+1, err)
		}

		for len(record) < fieldCount {
			record = append(record, "")
		}

		retcode, err := strconv.Atoi(strings.TrimSpace(record[9]))
		if err != nil {
			retcode = 0
		}

		row := Row{
			LogDate:      logDate,
			Timestamp:    record[0],
			ServerHost:   record[1],
			Username:     record[2],
			Host:         record[3],
			ConnectionID: record[4],
			QueryID:      record[5],
			Operation:    record[6],
			DBName:       record[7],
			Query:        record[8],
			Retcode:      retcode,
		}
		if err := fn(row); err != nil {
			return count, err
		}
		count++
	}
}

// parseAll materializes every row of r, for the row-insert path.
func parseAll(r io.Reader, logDate time.Time) ([]Row, error) {
	var rows []Row
	_, err := scanRows(r, logDate, func(row Row) error {
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}
