package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

const stagingDateLayout = "2006-01-02"

// writeStaging streams normalized rows from src into a fresh CSV file
// in dir and returns its path and the row count. The caller owns the
// file and must remove it.
func writeStaging(dir string, src io.Reader, logDate time.Time) (string, int, error) {
	tmp, err := os.CreateTemp(dir, "auditscope-staging-*.csv")
	if err != nil {
		return "", 0, fmt.Errorf("create staging file: %w", err)
	}

	w := csv.NewWriter(tmp)
	count, scanErr := scanRows(src, logDate, func(row Row) error {
		return w.Write([]string{
			row.LogDate.Format(stagingDateLayout),
			row.Timestamp,
			row.ServerHost,
			row.Username,
			row.Host,
			row.ConnectionID,
			row.QueryID,
			row.Operation,
			row.DBName,
			row.Query,
			strconv.Itoa(row.Retcode),
		})
	})
	if scanErr == nil {
		w.Flush()
		scanErr = w.Error()
	}
	if closeErr := tmp.Close(); scanErr == nil {
		scanErr = closeErr
	}
	if scanErr != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("write staging file: %w", scanErr)
	}
	return tmp.Name(), count, nil
}

// stagingSource replays a staging CSV as a pgx CopyFromSource.
type stagingSource struct {
	f      *os.File
	reader *csv.Reader
	record []string
	err    error
}

func openStagingSource(path string) (*stagingSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open staging file: %w", err)
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = fieldCount + 1
	return &stagingSource{f: f, reader: r}, nil
}

func (s *stagingSource) Next() bool {
	if s.err != nil {
		return false
	}
	record, err := s.reader.Read()
	if err == io.EOF {
		return false
	}
	if err != nil {
		s.err = err
		return false
	}
	s.record = record
	return true
}

func (s *stagingSource) Values() ([]any, error) {
	logDate, err := time.Parse(stagingDateLayout, s.record[0])
	if err != nil {
		return nil, fmt.Errorf("staging log_date %q: %w", s.record[0], err)
	}
	retcode, err := strconv.Atoi(s.record[10])
	if err != nil {
		return nil, fmt.Errorf("staging retcode %q: %w", s.record[10], err)
	}
	return []any{
		logDate,
		s.record[1],
		s.record[2],
		s.record[3],
		s.record[4],
		s.record[5],
		s.record[6],
		s.record[7],
		s.record[8],
		s.record[9],
		retcode,
	}, nil
}

func (s *stagingSource) Err() error { return s.err }

func (s *stagingSource) Close() error { return s.f.Close() }
