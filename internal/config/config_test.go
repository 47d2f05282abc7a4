package config

import (
	"encoding/base64"
	"os"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// DatabaseConfig.GetDSN
// ---------------------------------------------------------------------------

func TestGetDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "standard config",
			cfg: DatabaseConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "licenses",
				Password: "secret",
				Name:     "license_server",
				SSLMode:  "require",
			},
			want: "host=localhost port=5432 user=licenses password=secret dbname=license_server sslmode=require",
		},
		{
			name: "empty password",
			cfg: DatabaseConfig{
				Host:    "db.example.com",
				Port:    5433,
				User:    "user",
				Name:    "dbname",
				SSLMode: "disable",
			},
			want: "host=db.example.com port=5433 user=user password= dbname=dbname sslmode=disable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.GetDSN()
			if got != tt.want {
				t.Errorf("GetDSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// ServerConfig.GetAddress
// ---------------------------------------------------------------------------

func TestGetAddress(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		want string
	}{
		{"default", ServerConfig{Host: "0.0.0.0", Port: 8080}, "0.0.0.0:8080"},
		{"localhost", ServerConfig{Host: "localhost", Port: 3000}, "localhost:3000"},
		{"empty host", ServerConfig{Host: "", Port: 8080}, ":8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.GetAddress()
			if got != tt.want {
				t.Errorf("GetAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Config.Validate
// ---------------------------------------------------------------------------

func minimalValidConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    8080,
			BaseURL: "http://localhost:8080",
		},
		Database: DatabaseConfig{
			Host: "localhost",
			Name: "license_server",
			User: "licenses",
		},
		Logging: LoggingConfig{Level: "info"},
		Licensing: LicensingConfig{
			TrialDays:             14,
			TrialSeatLimit:        5,
			KeyGenerationAttempts: 5,
		},
		Plans: PlansConfig{
			Version: "v1",
			Entries: []PlanEntry{
				{PlanID: "pro-5", LicenseType: "fixed-seat", SeatLimit: 5, TermDays: 365},
				{PlanID: "lifetime", LicenseType: "unlimited-lifetime", SeatLimit: -1},
			},
		},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid minimal config passes", func(t *testing.T) {
		if err := minimalValidConfig().Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})

	t.Run("invalid server port 0", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Server.Port = 0
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for port 0, got nil")
		}
	})

	t.Run("missing base_url", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Server.BaseURL = ""
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for empty base_url, got nil")
		}
	})

	t.Run("missing database host", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Database.Host = ""
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for empty database host, got nil")
		}
	})

	t.Run("missing database user", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Database.User = ""
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for empty database user, got nil")
		}
	})

	t.Run("redis enabled without addr", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Redis = RedisConfig{Enabled: true}
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for missing redis addr, got nil")
		}
	})

	t.Run("tls enabled missing cert_file", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Security.TLS = TLSConfig{Enabled: true, KeyFile: "key.pem"}
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for missing tls cert_file, got nil")
		}
	})

	t.Run("invalid log level", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Logging.Level = "verbose"
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for invalid log level, got nil")
		}
	})

	t.Run("zero trial days", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Licensing.TrialDays = 0
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for zero trial days, got nil")
		}
	})

	t.Run("zero trial seat limit", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Licensing.TrialSeatLimit = 0
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for zero trial seat limit, got nil")
		}
	})

	t.Run("signing key must be base64", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Licensing.TokenSigningKey = "%%%not-base64"
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for invalid signing key, got nil")
		}
	})

	t.Run("signing key wrong length", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Licensing.TokenSigningKey = base64.StdEncoding.EncodeToString(make([]byte, 16))
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for short signing key, got nil")
		}
	})

	t.Run("signing key seed accepted", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Licensing.TokenSigningKey = base64.StdEncoding.EncodeToString(make([]byte, 32))
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})

	t.Run("duplicate plan id", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Plans.Entries = append(cfg.Plans.Entries, PlanEntry{PlanID: "pro-5", LicenseType: "fixed-seat", SeatLimit: 10})
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for duplicate plan id, got nil")
		}
	})

	t.Run("trial is not a purchasable plan type", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Plans.Entries = []PlanEntry{{PlanID: "x", LicenseType: "trial", SeatLimit: 5}}
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for trial plan, got nil")
		}
	})

	t.Run("fixed-seat plan with unlimited seats", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Plans.Entries = []PlanEntry{{PlanID: "x", LicenseType: "fixed-seat", SeatLimit: -1}}
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for unlimited fixed-seat plan, got nil")
		}
	})

	t.Run("zero seat plan", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Plans.Entries = []PlanEntry{{PlanID: "x", LicenseType: "fixed-seat", SeatLimit: 0}}
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for zero seat plan, got nil")
		}
	})
}

// ---------------------------------------------------------------------------
// expandEnv
// ---------------------------------------------------------------------------

func TestExpandEnv(t *testing.T) {
	t.Run("expands ${VAR} syntax", func(t *testing.T) {
		t.Setenv("CONFIG_TEST_SECRET", "super-secret")
		got := expandEnv("${CONFIG_TEST_SECRET}")
		if got != "super-secret" {
			t.Errorf("expandEnv() = %q, want %q", got, "super-secret")
		}
	})

	t.Run("plain string passthrough", func(t *testing.T) {
		got := expandEnv("no-vars-here")
		if got != "no-vars-here" {
			t.Errorf("expandEnv() = %q, want %q", got, "no-vars-here")
		}
	})

	t.Run("unset variable expands to empty string", func(t *testing.T) {
		os.Unsetenv("CONFIG_TEST_DEFINITELY_UNSET_12345")
		got := expandEnv("${CONFIG_TEST_DEFINITELY_UNSET_12345}")
		if got != "" {
			t.Errorf("expandEnv() = %q, want empty string", got)
		}
	})
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

// writeTempConfig creates a temp YAML file and registers a cleanup to remove it.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "config-test-*.yaml")
	if err != nil {
		t.Fatal("CreateTemp:", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	if _, err := f.WriteString(content); err != nil {
		t.Fatal("WriteString:", err)
	}
	f.Close()
	return f.Name()
}

func TestLoad_DefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		if !strings.Contains(err.Error(), "invalid configuration") &&
			!strings.Contains(err.Error(), "error reading config file") {
			t.Fatalf("Load() unexpected error kind: %v", err)
		}
		return
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default server port = %d, want 8080", cfg.Server.Port)
	}
}

func TestLoad_WithConfigFile(t *testing.T) {
	const content = `
server:
  host: "testhost"
  port: 9999
  base_url: "http://testhost:9999"
database:
  host: "dbhost"
  name: "testdb"
  user: "testuser"
logging:
  level: "debug"
licensing:
  trial_days: 30
plans:
  version: "2026-10"
  entries:
    - plan_id: "solo"
      license_type: "fixed-seat"
      seat_limit: 1
      term_days: 365
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Host != "testhost" {
		t.Errorf("Server.Host = %q, want testhost", cfg.Server.Host)
	}
	if cfg.Database.Name != "testdb" {
		t.Errorf("Database.Name = %q, want testdb", cfg.Database.Name)
	}
	if cfg.Licensing.TrialDays != 30 {
		t.Errorf("Licensing.TrialDays = %d, want 30", cfg.Licensing.TrialDays)
	}
	if cfg.Plans.Version != "2026-10" {
		t.Errorf("Plans.Version = %q, want 2026-10", cfg.Plans.Version)
	}
	if len(cfg.Plans.Entries) != 1 || cfg.Plans.Entries[0].PlanID != "solo" {
		t.Errorf("Plans.Entries = %+v, want single solo plan", cfg.Plans.Entries)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	const content = `
database:
  host: "localhost"
  name: "license_server"
  user: "licenses"
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Licensing.TrialDays != 14 {
		t.Errorf("default Licensing.TrialDays = %d, want 14", cfg.Licensing.TrialDays)
	}
	if cfg.Licensing.TrialSeatLimit != 5 {
		t.Errorf("default Licensing.TrialSeatLimit = %d, want 5", cfg.Licensing.TrialSeatLimit)
	}
	if cfg.Licensing.KeyGenerationAttempts != 5 {
		t.Errorf("default Licensing.KeyGenerationAttempts = %d, want 5", cfg.Licensing.KeyGenerationAttempts)
	}
	if cfg.Licensing.KeyPrefix != "WPL" {
		t.Errorf("default Licensing.KeyPrefix = %q, want WPL", cfg.Licensing.KeyPrefix)
	}
	if len(cfg.Plans.Entries) != 3 {
		t.Errorf("default plan table has %d entries, want 3", len(cfg.Plans.Entries))
	}
	if cfg.Telemetry.ServiceName != "license-server" {
		t.Errorf("default Telemetry.ServiceName = %q, want license-server", cfg.Telemetry.ServiceName)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SLS_LICENSING_TRIAL_SEAT_LIMIT", "2")
	t.Setenv("SLS_WEBHOOKS_LIFECYCLE_SECRET", "whsec")
	const content = `
database:
  host: "localhost"
  name: "license_server"
  user: "licenses"
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Licensing.TrialSeatLimit != 2 {
		t.Errorf("Licensing.TrialSeatLimit = %d, want 2", cfg.Licensing.TrialSeatLimit)
	}
	if cfg.Webhooks.LifecycleSecret != "whsec" {
		t.Errorf("Webhooks.LifecycleSecret = %q, want whsec", cfg.Webhooks.LifecycleSecret)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_DB_PASS", "mysecret")
	const content = `
database:
  host: "localhost"
  name: "license_server"
  user: "licenses"
  password: "${TEST_DB_PASS}"
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Database.Password != "mysecret" {
		t.Errorf("Database.Password = %q, want mysecret", cfg.Database.Password)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [unclosed")
	_, err := Load(path)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_AuditSigningSecretExpansion(t *testing.T) {
	t.Setenv("TEST_AUDIT_SIGNING_SECRET", "hmac-secret")
	const content = `
database:
  host: "localhost"
  name: "license_server"
  user: "licenses"
audit:
  shippers:
    - enabled: true
      type: webhook
      webhook:
        url: "https://siem.example.com/ingest"
        signing_secret: "${TEST_AUDIT_SIGNING_SECRET}"
        max_attempts: 5
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.Audit.Shippers) != 1 || cfg.Audit.Shippers[0].Webhook == nil {
		t.Fatalf("Audit.Shippers = %+v, want one webhook shipper", cfg.Audit.Shippers)
	}
	wh := cfg.Audit.Shippers[0].Webhook
	if wh.SigningSecret != "hmac-secret" {
		t.Errorf("SigningSecret = %q, want hmac-secret", wh.SigningSecret)
	}
	if wh.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", wh.MaxAttempts)
	}
}
