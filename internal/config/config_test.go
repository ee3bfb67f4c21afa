package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	lookup := mapLookup(map[string]string{})
	cfg, err := Load("tabletalk-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.Ask.MaxAttempts != 3 {
		t.Fatalf("Ask.MaxAttempts = %d", cfg.Ask.MaxAttempts)
	}
	if cfg.Ask.DefaultLimit != 1000 {
		t.Fatalf("Ask.DefaultLimit = %d", cfg.Ask.DefaultLimit)
	}
	if cfg.Schema.TTL != 5*time.Minute {
		t.Fatalf("Schema.TTL = %s", cfg.Schema.TTL)
	}
	if cfg.Archive.Enabled {
		t.Fatal("Archive.Enabled should default to false")
	}
	if cfg.Model.Model != "gpt-5" {
		t.Fatalf("Model.Model = %q", cfg.Model.Model)
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	lookup := mapLookup(map[string]string{"TABLETALK_PROFILE": "prod"})
	cfg, err := Load("tabletalk-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileProd {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileProd)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Archive.UseSSL {
		t.Fatal("Archive.UseSSL should default to true in prod")
	}
	if cfg.Archive.AutoCreateBucket {
		t.Fatal("Archive.AutoCreateBucket should default to false in prod")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"TABLETALK_PROFILE":               "test",
		"TABLETALK_SERVICE_NAME":          "tabletalk-custom",
		"TABLETALK_HTTP_ADDR":             ":9999",
		"TABLETALK_HTTP_READ_TIMEOUT":     "2s",
		"TABLETALK_HTTP_WRITE_TIMEOUT":    "3s",
		"TABLETALK_LOG_LEVEL":             "error",
		"TABLETALK_AUTH_REQUIRED":         "true",
		"TABLETALK_AUTH_STATIC_KEYS":      "k1:ask",
		"TABLETALK_MODEL_BASE_URL":        "https://api.example.com",
		"TABLETALK_MODEL_API_KEY":         "secret-key",
		"TABLETALK_MODEL_NAME":            "gpt-5.2",
		"TABLETALK_MODEL_TEMPERATURE":     "0.3",
		"TABLETALK_MODEL_TIMEOUT":         "21s",
		"TABLETALK_ASK_MAX_ATTEMPTS":      "5",
		"TABLETALK_ASK_ROW_LIMIT":         "500",
		"TABLETALK_ASK_DEFAULT_LIMIT":     "250",
		"TABLETALK_ASK_QUERY_TIMEOUT":     "9s",
		"TABLETALK_ASK_TRANSPORT_RETRIES": "4",
		"TABLETALK_ASK_TRANSPORT_BACKOFF": "100ms",
		"TABLETALK_SCHEMA_TTL":            "90s",
		"TABLETALK_SCHEMA_TABLE_BUDGET":   "12",
		"TABLETALK_ARCHIVE_ENABLED":       "true",
		"TABLETALK_ARCHIVE_ENDPOINT":      "s3.example.com",
		"TABLETALK_ARCHIVE_BUCKET":        "tabletalk-prod",
		"TABLETALK_ARCHIVE_REGION":        "us-west-2",
		"TABLETALK_ARCHIVE_ACCESS_KEY":    "abc",
		"TABLETALK_ARCHIVE_SECRET_KEY":    "def",
		"TABLETALK_ARCHIVE_USE_SSL":       "true",
		"TABLETALK_ARCHIVE_PREFIX":        "results",
		"TABLETALK_BINDINGS":              "media|postgres|postgres://db/media",
	})
	cfg, err := Load("tabletalk-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "tabletalk-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.HTTP.ReadTimeout != 2*time.Second {
		t.Fatalf("HTTP.ReadTimeout = %s", cfg.HTTP.ReadTimeout)
	}
	if cfg.HTTP.WriteTimeout != 3*time.Second {
		t.Fatalf("HTTP.WriteTimeout = %s", cfg.HTTP.WriteTimeout)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required = false, want true")
	}
	if cfg.Auth.StaticKeys != "k1:ask" {
		t.Fatalf("StaticKeys = %q", cfg.Auth.StaticKeys)
	}
	if cfg.Model.BaseURL != "https://api.example.com" {
		t.Fatalf("Model.BaseURL = %q", cfg.Model.BaseURL)
	}
	if cfg.Model.APIKey != "secret-key" {
		t.Fatalf("Model.APIKey = %q", cfg.Model.APIKey)
	}
	if cfg.Model.Model != "gpt-5.2" {
		t.Fatalf("Model.Model = %q", cfg.Model.Model)
	}
	if cfg.Model.Temperature != 0.3 {
		t.Fatalf("Model.Temperature = %f", cfg.Model.Temperature)
	}
	if cfg.Model.Timeout != 21*time.Second {
		t.Fatalf("Model.Timeout = %s", cfg.Model.Timeout)
	}
	if cfg.Ask.MaxAttempts != 5 {
		t.Fatalf("Ask.MaxAttempts = %d", cfg.Ask.MaxAttempts)
	}
	if cfg.Ask.RowLimit != 500 {
		t.Fatalf("Ask.RowLimit = %d", cfg.Ask.RowLimit)
	}
	if cfg.Ask.DefaultLimit != 250 {
		t.Fatalf("Ask.DefaultLimit = %d", cfg.Ask.DefaultLimit)
	}
	if cfg.Ask.QueryTimeout != 9*time.Second {
		t.Fatalf("Ask.QueryTimeout = %s", cfg.Ask.QueryTimeout)
	}
	if cfg.Ask.TransportRetries != 4 {
		t.Fatalf("Ask.TransportRetries = %d", cfg.Ask.TransportRetries)
	}
	if cfg.Ask.TransportBackoff != 100*time.Millisecond {
		t.Fatalf("Ask.TransportBackoff = %s", cfg.Ask.TransportBackoff)
	}
	if cfg.Schema.TTL != 90*time.Second {
		t.Fatalf("Schema.TTL = %s", cfg.Schema.TTL)
	}
	if cfg.Schema.TableBudget != 12 {
		t.Fatalf("Schema.TableBudget = %d", cfg.Schema.TableBudget)
	}
	if !cfg.Archive.Enabled {
		t.Fatal("Archive.Enabled = false, want true")
	}
	if cfg.Archive.Endpoint != "s3.example.com" {
		t.Fatalf("Archive.Endpoint = %q", cfg.Archive.Endpoint)
	}
	if cfg.Archive.Bucket != "tabletalk-prod" {
		t.Fatalf("Archive.Bucket = %q", cfg.Archive.Bucket)
	}
	if !cfg.Archive.UseSSL {
		t.Fatal("Archive.UseSSL = false, want true")
	}
	if cfg.Archive.Prefix != "results" {
		t.Fatalf("Archive.Prefix = %q", cfg.Archive.Prefix)
	}
	if cfg.Bindings.Static != "media|postgres|postgres://db/media" {
		t.Fatalf("Bindings.Static = %q", cfg.Bindings.Static)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"TABLETALK_PROFILE": "oops"},
		{"TABLETALK_HTTP_READ_TIMEOUT": "NaN"},
		{"TABLETALK_ASK_MAX_ATTEMPTS": "oops"},
		{"TABLETALK_ASK_MAX_ATTEMPTS": "0"},
		{"TABLETALK_MODEL_TEMPERATURE": "bad"},
		{"TABLETALK_SCHEMA_TTL": "soon"},
		{"TABLETALK_ARCHIVE_ENABLED": "not-bool"},
		{"TABLETALK_AUTH_REQUIRED": "not-bool"},
		{"TABLETALK_LOG_LEVEL": "verbose"},
	}
	for _, env := range tests {
		_, err := Load("tabletalk-api", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
