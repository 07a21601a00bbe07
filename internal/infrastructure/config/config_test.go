package config

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENV_TYPE", "LOCAL")
	t.Setenv("FEEDING_TIMEZONE", "")

	cfg := LoadConfig()
	if cfg.MQTTTopicNamespace != "pet-feeder" {
		t.Fatalf("namespace = %q, want pet-feeder", cfg.MQTTTopicNamespace)
	}
	if cfg.DefaultFeedAmount != 100 {
		t.Fatalf("default amount = %d, want 100", cfg.DefaultFeedAmount)
	}
	if cfg.HistoryRetention() != 30*24*time.Hour {
		t.Fatalf("retention = %v, want 720h", cfg.HistoryRetention())
	}
}

func TestLoadConfigPrefixedOverrides(t *testing.T) {
	t.Setenv("ENV_TYPE", "SERVER")
	t.Setenv("SERVER_DB_HOST", "db.internal")
	t.Setenv("DB_HOST", "ignored")
	t.Setenv("MQTT_TOPIC_NAMESPACE", "/feeders/")
	t.Setenv("MQTT_KEEPALIVE", "45")
	t.Setenv("DETECTION_DEDUP_WINDOW", "2m")

	cfg := LoadConfig()
	if cfg.DBHost != "db.internal" {
		t.Fatalf("DBHost = %q, want db.internal", cfg.DBHost)
	}
	if cfg.MQTTTopicNamespace != "feeders" {
		t.Fatalf("namespace = %q, want feeders", cfg.MQTTTopicNamespace)
	}
	if cfg.MQTTKeepAlive != 45*time.Second {
		t.Fatalf("keepalive = %v, want 45s", cfg.MQTTKeepAlive)
	}
	if cfg.DetectionDedupWindow != 2*time.Minute {
		t.Fatalf("dedup window = %v, want 2m", cfg.DetectionDedupWindow)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "named zone", mutate: func(c *Config) { c.FeedingTimezone = "America/New_York" }},
		{name: "unknown zone", mutate: func(c *Config) { c.FeedingTimezone = "Mars/Olympus" }, wantErr: true},
		{name: "bad driver", mutate: func(c *Config) { c.DBDriver = "oracle" }, wantErr: true},
		{name: "zero amount", mutate: func(c *Config) { c.DetectionFeedAmount = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadConfig()
			cfg.FeedingTimezone = "UTC"
			cfg.DBDriver = "sqlite"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.wantErr && cfg.Location().String() != cfg.FeedingTimezone {
				t.Fatalf("location = %s, want %s", cfg.Location(), cfg.FeedingTimezone)
			}
		})
	}
}
