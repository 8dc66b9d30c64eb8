package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"AttestGate/internal/logger"
)

func serveCommand() *cobra.Command {
	cfg := &Config{}

	c := &cobra.Command{
		Use:   "serve",
		Short: "Run a node: HTTP intake, consensus rounds and ledger relay",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runServe(cfg)
		},
	}

	bindServeFlags(c.Flags(), cfg)

	return c
}

// runServe validates cfg, builds the node and runs it until shutdown.
func runServe(cfg *Config) error {
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	var err error
	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config) {
	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)

	logger.Info("starting attestd node",
		"id", cfg.NodeID,
		"pubkey", hex.EncodeToString(pubKey),
		"mode", cfg.Mode,
		"quorum", cfg.Quorum.String(),
		"ledger", cfg.Ledger,
		"http", cfg.HTTPAddress,
		"quic", cfg.QUICAddress,
		"data", cfg.DataPath,
	)
}
