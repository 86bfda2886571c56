package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify defaults
	if cfg.Database.Host != "localhost" {
		t.Errorf("Database.Host = %q, want %q", cfg.Database.Host, "localhost")
	}
	if cfg.Database.Port != 5432 {
		t.Errorf("Database.Port = %d, want %d", cfg.Database.Port, 5432)
	}
	if cfg.Pool.Size != 5 {
		t.Errorf("Pool.Size = %d, want %d", cfg.Pool.Size, 5)
	}
	if cfg.Pool.MaxOverflow != 10 {
		t.Errorf("Pool.MaxOverflow = %d, want %d", cfg.Pool.MaxOverflow, 10)
	}
	if got := cfg.Pool.MaxConns(); got != 15 {
		t.Errorf("Pool.MaxConns() = %d, want %d", got, 15)
	}
	if cfg.Query.RetryCount != 3 {
		t.Errorf("Query.RetryCount = %d, want %d", cfg.Query.RetryCount, 3)
	}
	if cfg.Query.RetryDelay != time.Second {
		t.Errorf("Query.RetryDelay = %s, want %s", cfg.Query.RetryDelay, time.Second)
	}
	if cfg.Query.MaxFetchSize != 100000 {
		t.Errorf("Query.MaxFetchSize = %d, want %d", cfg.Query.MaxFetchSize, 100000)
	}
	if !cfg.Import.UseBulkLoad {
		t.Error("Import.UseBulkLoad = false, want true by default")
	}
	if len(cfg.Analysis.PrivilegedKeywords) == 0 {
		t.Error("Analysis.PrivilegedKeywords is empty, want default keyword list")
	}
	if len(cfg.Analysis.AllowedIPs) != 0 {
		t.Errorf("Analysis.AllowedIPs = %v, want empty by default", cfg.Analysis.AllowedIPs)
	}
}

func TestLoad_OverrideDefaults(t *testing.T) {
	t.Setenv("DB_PORT", "3306")
	t.Setenv("QUERY_RETRY_COUNT", "5")
	t.Setenv("USE_BULK_LOAD", "false")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Port != 3306 {
		t.Errorf("Database.Port = %d, want %d", cfg.Database.Port, 3306)
	}
	if cfg.Query.RetryCount != 5 {
		t.Errorf("Query.RetryCount = %d, want %d", cfg.Query.RetryCount, 5)
	}
	if cfg.Import.UseBulkLoad {
		t.Error("Import.UseBulkLoad = true, want false")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoad_ListParsing(t *testing.T) {
	t.Setenv("ALLOWED_IPS", " 10.0.0.1, 10.0.0.2 ,,10.0.0.3 ")
	t.Setenv("PRIVILEGED_USERS", "root,admin")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	wantIPs := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	if len(cfg.Analysis.AllowedIPs) != len(wantIPs) {
		t.Fatalf("AllowedIPs = %v, want %v", cfg.Analysis.AllowedIPs, wantIPs)
	}
	for i, ip := range wantIPs {
		if cfg.Analysis.AllowedIPs[i] != ip {
			t.Errorf("AllowedIPs[%d] = %q, want %q", i, cfg.Analysis.AllowedIPs[i], ip)
		}
	}
	if len(cfg.Analysis.PrivilegedUsers) != 2 {
		t.Errorf("PrivilegedUsers = %v, want 2 entries", cfg.Analysis.PrivilegedUsers)
	}
}

func TestLoad_InvalidValue(t *testing.T) {
	t.Setenv("DB_PORT", "not-a-port")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for invalid DB_PORT")
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "zero pool size",
			env:     map[string]string{"DB_POOL_SIZE": "0"},
			wantErr: "DB_POOL_SIZE",
		},
		{
			name:    "zero retries",
			env:     map[string]string{"QUERY_RETRY_COUNT": "0"},
			wantErr: "QUERY_RETRY_COUNT",
		},
		{
			name:    "batch exceeds max fetch",
			env:     map[string]string{"BATCH_FETCH_SIZE": "200000"},
			wantErr: "BATCH_FETCH_SIZE",
		},
		{
			name:    "work hours inverted",
			env:     map[string]string{"WORK_HOUR_START": "18", "WORK_HOUR_END": "9"},
			wantErr: "WORK_HOUR_END",
		},
		{
			name:    "bad log level",
			env:     map[string]string{"LOG_LEVEL": "verbose"},
			wantErr: "LOG_LEVEL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("Load() expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDatabaseURL_EscapesPassword(t *testing.T) {
	c := &DatabaseConfig{
		Host:           "db.internal",
		Port:           5432,
		User:           "audit",
		Password:       "p@ss/word",
		Name:           "auditdb",
		ConnectTimeout: 30 * time.Second,
	}

	u := c.URL()
	if strings.Contains(u, "p@ss/word") {
		t.Errorf("URL() = %q, password not escaped", u)
	}
	if !strings.Contains(u, "db.internal:5432") {
		t.Errorf("URL() = %q, missing host:port", u)
	}
	if !strings.Contains(u, "connect_timeout=30") {
		t.Errorf("URL() = %q, missing connect_timeout", u)
	}
}

func TestConfigString_MasksPassword(t *testing.T) {
	t.Setenv("DB_PASSWORD", "topsecret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	s := cfg.String()
	if strings.Contains(s, "topsecret") {
		t.Errorf("String() leaks password: %s", s)
	}
	if !strings.Contains(s, "[MASKED]") {
		t.Errorf("String() = %s, want masked password marker", s)
	}
}
