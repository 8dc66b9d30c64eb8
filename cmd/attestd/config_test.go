package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"AttestGate/internal/replica"
)

func defaultConfig() *Config {
	return &Config{
		Mode:           modeSimulated,
		NodeID:         "NODE_0",
		TotalNodes:     4,
		FaultTolerance: 1,
		Ledger:         ledgerMemory,
		PhaseTimeout:   time.Second,
	}
}

// TestValidateSimulated checks the default simulated configuration.
func TestValidateSimulated(t *testing.T) {
	cfg := defaultConfig()

	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.Quorum.RequiredPrepare() != 3 || cfg.Quorum.RequiredCommit() != 3 {
		t.Errorf("quorum = %s, want 3/3", cfg.Quorum)
	}
}

// TestValidateRejects checks each invalid setting is reported.
func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "dag" }, "unknown mode"},
		{"too many faults", func(c *Config) { c.FaultTolerance = 2 }, ""},
		{"silent out of range", func(c *Config) { c.SilentNodes = 5 }, "--silent"},
		{"network without roster", func(c *Config) { c.Mode = modeNetwork }, "--roster"},
		{"gateway without url", func(c *Config) { c.Ledger = ledgerGateway }, "--ledger-url"},
		{"unknown ledger", func(c *Config) { c.Ledger = "ipfs" }, "unknown ledger"},
		{"zero phase timeout", func(c *Config) { c.PhaseTimeout = 0 }, "--phase-timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)

			err := cfg.validate()
			if err == nil {
				t.Fatal("expected error")
			}

			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

// TestValidateNetworkRoster checks network mode sizes the cluster from the roster.
func TestValidateNetworkRoster(t *testing.T) {
	dir := t.TempDir()

	var entries []replica.MemberConfig
	for i, id := range []string{"NODE_0", "NODE_1", "NODE_2", "NODE_3"} {
		e, err := rosterEntry(filepath.Join(dir, id+".key"), id, fmt.Sprintf("127.0.0.1:%d", 9000+i))
		if err != nil {
			t.Fatalf("roster entry: %v", err)
		}
		entries = append(entries, e)
	}

	data, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("marshal roster: %v", err)
	}

	path := filepath.Join(dir, "roster.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write roster: %v", err)
	}

	cfg := defaultConfig()
	cfg.Mode = modeNetwork
	cfg.RosterPath = path
	cfg.TotalNodes = 0

	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.TotalNodes != 4 || cfg.Roster == nil {
		t.Errorf("TotalNodes = %d, want 4 from roster", cfg.TotalNodes)
	}

	cfg.NodeID = "NODE_9"
	if err := cfg.validate(); err == nil {
		t.Error("expected error for node missing from roster")
	}
}

// TestLoadOrGenerateKey checks a generated key is persisted and reloaded.
func TestLoadOrGenerateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")

	first, err := loadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	second, err := loadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Error("reloaded key differs from generated key")
	}

	if err := os.WriteFile(path, []byte("short"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := loadOrGenerateKey(path); err == nil {
		t.Error("expected error for truncated key file")
	}
}

// TestFingerprintCommand checks the digest printed for a pinned submission.
func TestFingerprintCommand(t *testing.T) {
	body := `{"record_type":"PREDICTION","transaction_id":"TXN_1","participant_id":"BANK_A","prediction":1,"confidence":0.9,"anomaly_score":1.2,"risk_score":82.5,"is_anomaly":true}`

	var out bytes.Buffer
	c := fingerprintCommand()
	c.SetIn(strings.NewReader(body))
	c.SetOut(&out)
	c.SetArgs([]string{"--submitted-at", "1700000000"})

	if err := c.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	first := out.String()
	if !strings.Contains(first, "digest:") || !strings.Contains(first, "1700000000") {
		t.Fatalf("unexpected output: %q", first)
	}

	out.Reset()
	c = fingerprintCommand()
	c.SetIn(strings.NewReader(body))
	c.SetOut(&out)
	c.SetArgs([]string{"--submitted-at", "1700000000"})

	if err := c.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if out.String() != first {
		t.Error("same attestation and time produced a different digest")
	}
}
