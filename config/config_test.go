package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Addr() != "0.0.0.0:7890" {
		t.Fatalf("Addr = %q", cfg.Addr())
	}
	if cfg.MaxFileSize != 500*1024*1024 {
		t.Fatalf("MaxFileSize = %d", cfg.MaxFileSize)
	}
	if cfg.Retention() != 24*time.Hour {
		t.Fatalf("Retention = %v", cfg.Retention())
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Fatalf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
	if cfg.StorageDriver != "local" || cfg.RedisEnabled || cfg.DatabaseEnabled || cfg.TracingEnabled {
		t.Fatalf("unexpected optional integrations enabled: %+v", cfg)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RAS_API_PORT", "8081")
	t.Setenv("CONVERTX_BACKEND_URL", "http://convertx:3000/")
	t.Setenv("CONVERSION_WORKER_COUNT", "7")
	t.Setenv("RETENTION_SWEEP_INTERVAL", "15m")
	t.Setenv("REDIS_PREFIX", "prod:")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 8081 || cfg.WorkerCount != 7 {
		t.Fatalf("port/workers = %d/%d", cfg.Port, cfg.WorkerCount)
	}
	if cfg.BackendURL != "http://convertx:3000" {
		t.Fatalf("BackendURL = %q", cfg.BackendURL)
	}
	if cfg.SweepInterval != 15*time.Minute {
		t.Fatalf("SweepInterval = %v", cfg.SweepInterval)
	}
	if got := cfg.RedisKey("conversion:status:1"); got != "prod:conversion:status:1" {
		t.Fatalf("RedisKey = %q", got)
	}
}

func TestLoad_S3EnvFallback(t *testing.T) {
	t.Setenv("AWS_DEFAULT_REGION", "eu-west-1")
	t.Setenv("AWS_ACCESS_KEY_ID", "legacy-key")
	t.Setenv("S3_KEY", "unified-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.S3Region != "eu-west-1" {
		t.Fatalf("S3Region = %q, want legacy fallback", cfg.S3Region)
	}
	if cfg.AWSS3AccessKey != "unified-key" {
		t.Fatalf("AWSS3AccessKey = %q, want unified name to win", cfg.AWSS3AccessKey)
	}
}

func TestLoad_DatabaseURL(t *testing.T) {
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PASSWORD", "p@ss word")
	t.Setenv("DB_SSLMODE", "verify-full")
	t.Setenv("DB_SSLROOTCERT", "/certs/ca.pem")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := "host=db port=5432 dbname=convertx user=convertx password=p@ss word sslmode=verify-full sslrootcert=/certs/ca.pem"
	if cfg.DatabaseURL != want {
		t.Fatalf("DatabaseURL = %q\nwant %q", cfg.DatabaseURL, want)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convertx.yaml")
	body := `
server:
  port: 9000
storage:
  upload_dir: /srv/uploads
retention:
  hours: 48
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 9000 || cfg.UploadDir != "/srv/uploads" || cfg.RetentionHours != 48 {
		t.Fatalf("file values not applied: %+v", cfg)
	}

	t.Setenv("RAS_API_PORT", "9100")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("env should override file, got port %d", cfg.Port)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"CONVERSION_WORKER_COUNT": "0",
		"STORAGE_DRIVER":          "ftp",
		"LOG_LEVEL":               "verbose",
		"CONVERTX_BACKEND_URL":    "not a url",
	}
	for env, value := range cases {
		t.Run(env, func(t *testing.T) {
			t.Setenv(env, value)
			if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "invalid config") {
				t.Fatalf("expected invalid config error, got %v", err)
			}
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}
