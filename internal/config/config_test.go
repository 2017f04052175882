package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Server.Addr)
	}
	if cfg.Store.RingSize != 1000 {
		t.Fatalf("expected ring size 1000, got %d", cfg.Store.RingSize)
	}
	if cfg.Webhook.Timeout != 10*time.Second {
		t.Fatalf("expected webhook timeout 10s, got %s", cfg.Webhook.Timeout)
	}
	if cfg.Metrics.Capacity != 2880 || cfg.Metrics.Interval != 30*time.Second {
		t.Fatalf("unexpected metrics defaults: %+v", cfg.Metrics)
	}
	if cfg.Metrics.FlushInterval != 5*time.Minute {
		t.Fatalf("expected flush every 5m, got %s", cfg.Metrics.FlushInterval)
	}
	if cfg.Driver.Name != "sim" {
		t.Fatalf("expected sim driver, got %s", cfg.Driver.Name)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9090")
	t.Setenv("MESSAGE_RING_SIZE", "2")
	t.Setenv("WEBHOOK_TIMEOUT", "250ms")
	t.Setenv("LOGOUT_TIMEOUT", "3")
	t.Setenv("WEBHOOK_EVENTS", "message-received, session-connected")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:9090" {
		t.Fatalf("unexpected addr: %s", cfg.Server.Addr)
	}
	if cfg.Store.RingSize != 2 {
		t.Fatalf("expected ring size 2, got %d", cfg.Store.RingSize)
	}
	if cfg.Webhook.Timeout != 250*time.Millisecond {
		t.Fatalf("unexpected webhook timeout: %s", cfg.Webhook.Timeout)
	}
	if cfg.Session.LogoutTimeout != 3*time.Second {
		t.Fatalf("unexpected logout timeout: %s", cfg.Session.LogoutTimeout)
	}
	if len(cfg.Webhook.Events) != 2 || cfg.Webhook.Events[1] != "session-connected" {
		t.Fatalf("unexpected webhook events: %v", cfg.Webhook.Events)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"PORT":              "80 80",
		"MESSAGE_RING_SIZE": "0",
		"SEND_TIMEOUT":      "soon",
		"SIM_ECHO":          "maybe",
		"DRIVER":            "puppeteer",
	}

	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", key, value)
			}
		})
	}
}

func TestLoadRejectsInvertedHealthThresholds(t *testing.T) {
	t.Setenv("HEALTH_WARN_PERCENT", "95")
	t.Setenv("HEALTH_CRITICAL_PERCENT", "90")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when warn threshold exceeds critical")
	}
}
