package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"AttestGate/internal/quorum"
	"AttestGate/internal/replica"
)

// Vote source modes.
const (
	modeSimulated = "simulated"
	modeNetwork   = "network"
)

// Ledger backends.
const (
	ledgerMemory  = "memory"
	ledgerLocal   = "local"
	ledgerGateway = "gateway"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// QUICAddress is the QUIC listen address for vote exchange.
	QUICAddress string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the node's Ed25519 key. The BLS vote key derives from it.
	PrivateKey ed25519.PrivateKey

	// NodeID is this node's id, also its leader id in proposals.
	NodeID string

	// Mode selects the vote source: simulated or network.
	Mode string

	// TotalNodes is N.
	TotalNodes int

	// FaultTolerance is f.
	FaultTolerance int

	// SilentNodes is how many simulated nodes never vote.
	SilentNodes int

	// RosterPath is the cluster roster file, required in network mode.
	RosterPath string

	// Roster is loaded from RosterPath.
	Roster *replica.Roster

	// Quorum is derived from TotalNodes and FaultTolerance.
	Quorum quorum.Config

	// PhaseTimeout bounds PREPARING and COMMITTING each.
	PhaseTimeout time.Duration

	// Ledger selects the ledger backend: memory, local or gateway.
	Ledger string

	// LedgerURL is the gateway root in gateway mode.
	LedgerURL string

	// RelayAttempts bounds ledger writes per submission.
	RelayAttempts int

	// RelayBackoff is the first retry delay.
	RelayBackoff time.Duration

	// ConfirmTimeout bounds each wait for a ledger receipt.
	ConfirmTimeout time.Duration

	// SubmitTimeout bounds one HTTP submission.
	SubmitTimeout time.Duration

	// RateLimit is the sustained submissions per second, 0 for unlimited.
	RateLimit float64

	// Burst is the submission burst size.
	Burst int

	// CORSOrigins are the dashboard origins allowed by CORS.
	CORSOrigins []string
}

// bindServeFlags binds the serve flags to cfg.
func bindServeFlags(flags *pflag.FlagSet, cfg *Config) {
	flags.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flags.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	flags.StringVar(&cfg.QUICAddress, "quic", ":9000", "QUIC vote exchange address")
	flags.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flags.StringVar(&cfg.NodeID, "id", "NODE_0", "Node id in the roster")
	flags.StringVar(&cfg.Mode, "mode", modeSimulated, "Vote source: simulated or network")
	flags.IntVar(&cfg.TotalNodes, "nodes", 4, "Total nodes (N)")
	flags.IntVar(&cfg.FaultTolerance, "faults", 1, "Tolerated faulty nodes (f)")
	flags.IntVar(&cfg.SilentNodes, "silent", 0, "Simulated nodes that never vote")
	flags.StringVar(&cfg.RosterPath, "roster", "", "Cluster roster JSON (network mode)")
	flags.DurationVar(&cfg.PhaseTimeout, "phase-timeout", 5*time.Second, "Timeout of each vote phase")
	flags.StringVar(&cfg.Ledger, "ledger", ledgerLocal, "Ledger backend: memory, local or gateway")
	flags.StringVar(&cfg.LedgerURL, "ledger-url", "", "Ledger gateway URL (gateway ledger)")
	flags.IntVar(&cfg.RelayAttempts, "relay-attempts", 5, "Ledger write attempts per submission")
	flags.DurationVar(&cfg.RelayBackoff, "relay-backoff", 200*time.Millisecond, "First ledger retry delay")
	flags.DurationVar(&cfg.ConfirmTimeout, "confirm-timeout", 30*time.Second, "Ledger receipt timeout per attempt")
	flags.DurationVar(&cfg.SubmitTimeout, "submit-timeout", 60*time.Second, "Timeout of one submission")
	flags.Float64Var(&cfg.RateLimit, "rate", 50, "Sustained submissions per second (0 for unlimited)")
	flags.IntVar(&cfg.Burst, "burst", 100, "Submission burst size")
	flags.StringSliceVar(&cfg.CORSOrigins, "cors-origin", nil, "Allowed CORS origin (repeatable)")
}

// validate checks the configuration before anything starts.
func (c *Config) validate() error {
	switch c.Mode {
	case modeSimulated:
		if c.SilentNodes < 0 || c.SilentNodes > c.TotalNodes {
			return fmt.Errorf("--silent must be between 0 and %d", c.TotalNodes)
		}

	case modeNetwork:
		if c.RosterPath == "" {
			return fmt.Errorf("network mode requires --roster")
		}

		roster, err := replica.LoadRoster(c.RosterPath)
		if err != nil {
			return err
		}

		if _, ok := roster.ByID(c.NodeID); !ok {
			return fmt.Errorf("node %q is not in roster %s", c.NodeID, c.RosterPath)
		}

		c.Roster = roster
		c.TotalNodes = roster.Len()

	default:
		return fmt.Errorf("unknown mode %q (want %s or %s)", c.Mode, modeSimulated, modeNetwork)
	}

	q, err := quorum.New(c.TotalNodes, c.FaultTolerance)
	if err != nil {
		return err
	}
	c.Quorum = q

	switch c.Ledger {
	case ledgerMemory, ledgerLocal:
	case ledgerGateway:
		if c.LedgerURL == "" {
			return fmt.Errorf("gateway ledger requires --ledger-url")
		}
	default:
		return fmt.Errorf("unknown ledger %q (want %s, %s or %s)", c.Ledger, ledgerMemory, ledgerLocal, ledgerGateway)
	}

	if c.PhaseTimeout <= 0 {
		return fmt.Errorf("--phase-timeout must be positive")
	}

	return nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
