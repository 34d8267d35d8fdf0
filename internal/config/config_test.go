package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "STORE_BACKEND", "INITIAL_QUOTA", "SLIP_POLICY", "ADMIN_ACCOUNTS", "TASK_TIMEOUT", "REFERRAL_REWARD", "ADMIN_PASS_HASH", "JWT_SECRET"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	if cfg.Port != "8080" || cfg.StoreBackend != BackendSQLite || cfg.SlipPolicy != PolicyAuto {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.InitialQuota != 0 || cfg.ReferralReward != 3 || cfg.TaskTimeout != 90*time.Second {
		t.Fatalf("unexpected numeric defaults: %+v", cfg)
	}
	if cfg.JWTSecret != DefaultJWTSecret || cfg.AdminPassHash != "" {
		t.Fatalf("unexpected auth defaults: %+v", cfg)
	}
	if len(cfg.AdminAccounts) != 0 {
		t.Fatalf("admin accounts = %v", cfg.AdminAccounts)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Postgres")
	t.Setenv("INITIAL_QUOTA", "10")
	t.Setenv("INVITE_EVERY", "not-a-number")
	t.Setenv("ADMIN_ACCOUNTS", " U1, ,U2 ")
	t.Setenv("TASK_TIMEOUT", "5s")

	cfg := Load()
	if cfg.StoreBackend != BackendPostgres {
		t.Fatalf("backend = %q", cfg.StoreBackend)
	}
	if cfg.InitialQuota != 10 {
		t.Fatalf("initial quota = %d", cfg.InitialQuota)
	}
	if cfg.InviteEvery != 5 {
		t.Fatalf("bad int should fall back to default, got %d", cfg.InviteEvery)
	}
	set := cfg.AdminSet()
	if len(set) != 2 || !set["U1"] || !set["U2"] {
		t.Fatalf("admin set = %v", set)
	}
	if cfg.TaskTimeout != 5*time.Second {
		t.Fatalf("task timeout = %v", cfg.TaskTimeout)
	}
}

func TestValidate(t *testing.T) {
	base := Config{StoreBackend: BackendMemory, SlipPolicy: PolicyManual, ReferralReward: 1, LedgerMaxAttempts: 1, WorkerCount: 1, WorkerQueueSize: 1}
	if err := base.Validate(); err != nil {
		t.Fatalf("base: %v", err)
	}

	cases := map[string]func(c *Config){
		"backend":  func(c *Config) { c.StoreBackend = "sheets" },
		"policy":   func(c *Config) { c.SlipPolicy = "maybe" },
		"quota":    func(c *Config) { c.InitialQuota = -1 },
		"reward":   func(c *Config) { c.ReferralReward = 0 },
		"attempts": func(c *Config) { c.LedgerMaxAttempts = 0 },
		"default secret with login": func(c *Config) {
			c.AdminPassHash = "$2a$10$hash"
			c.JWTSecret = DefaultJWTSecret
		},
		"empty secret with login": func(c *Config) { c.AdminPassHash = "$2a$10$hash" },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mut(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	withLogin := base
	withLogin.AdminPassHash = "$2a$10$hash"
	withLogin.JWTSecret = "rotated-secret"
	if err := withLogin.Validate(); err != nil {
		t.Fatalf("custom secret with login: %v", err)
	}
	noLogin := base
	noLogin.JWTSecret = DefaultJWTSecret
	if err := noLogin.Validate(); err != nil {
		t.Fatalf("default secret without login: %v", err)
	}
}
